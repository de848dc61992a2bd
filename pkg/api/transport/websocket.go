package transport

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stepflow-io/stepflow/pkg/infrastructure/broadcast"
)

// Websocket channel names exposed to clients.
const (
	WSAllProcesses   = "ALL_PROCESSES"
	WSEngineSettings = "ENGINE_SETTINGS"
	WSEvents         = "EVENTS"
)

// Control messages.
const (
	pingMessage = "__ping__"
	pongMessage = "__pong__"
)

const writeTimeout = 10 * time.Second

// Hub bridges broadcast-bus subscriptions to websocket clients. Each client
// connection owns one bus subscription; the bus fans out per channel.
type Hub struct {
	bus       broadcast.Broadcaster
	authToken string
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
}

// NewHub creates the websocket hub.
func NewHub(bus broadcast.Broadcaster, authToken string, logger zerolog.Logger) *Hub {
	return &Hub{
		bus:       bus,
		authToken: authToken,
		logger:    logger.With().Str("component", "websocket").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func busChannel(name string) (broadcast.Channel, bool) {
	switch name {
	case WSAllProcesses:
		return broadcast.ChannelProcesses, true
	case WSEngineSettings:
		return broadcast.ChannelEngineSettings, true
	case WSEvents:
		return broadcast.ChannelEvents, true
	}
	return "", false
}

// ServeHTTP upgrades the connection and streams the channel until either
// side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	channel, ok := busChannel(chi.URLParam(r, "channel"))
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	messages, cancel := h.bus.Subscribe(channel)
	defer cancel()

	// Reader: consumes client control messages and detects disconnect.
	done := make(chan struct{})
	pings := make(chan struct{}, 1)
	go func() {
		defer close(done)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(payload) == pingMessage {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-pings:
			if err := h.write(conn, []byte(pongMessage)); err != nil {
				return
			}
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := h.write(conn, msg); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, payload []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// authorized checks the bearer token from the Authorization header or the
// token query parameter (browsers cannot set headers on websocket dials).
func (h *Hub) authorized(r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") && strings.TrimPrefix(header, "Bearer ") == h.authToken {
		return true
	}
	return r.URL.Query().Get("token") == h.authToken
}
