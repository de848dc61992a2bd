package broadcast

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
)

const redisChannelPrefix = "stepflow:broadcast:"

// Redis publishes through Redis pub/sub so every engine instance sees every
// message. Each Subscribe call runs its own receiver goroutine pumping the
// Redis subscription into a local channel.
type Redis struct {
	client redis.UniversalClient
	logger zerolog.Logger

	mu      sync.Mutex
	cancels []func()
	closed  bool
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger.With().Str("component", "broadcast").Logger(),
	}
}

// Publish encodes the payload and publishes it on the prefixed channel.
func (r *Redis) Publish(ctx context.Context, channel Channel, payload any) error {
	data, err := encode(payload)
	if err != nil {
		return errors.New(errors.CodeInternalError, "broadcast", "failed to encode payload", err)
	}
	if err := r.client.Publish(ctx, redisChannelPrefix+string(channel), data).Err(); err != nil {
		return errors.New(errors.CodeBrokerUnavailable, "broadcast", "failed to publish", err)
	}
	return nil
}

// Subscribe opens a Redis subscription for the channel.
func (r *Redis) Subscribe(channel Channel) (<-chan []byte, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, redisChannelPrefix+string(channel))

	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					r.logger.Warn().Str("channel", string(channel)).Msg("dropping broadcast for slow subscriber")
				}
			}
		}
	}()

	stop := func() {
		cancel()
		_ = pubsub.Close()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		stop()
		return out, func() {}
	}
	r.cancels = append(r.cancels, stop)
	r.mu.Unlock()

	return out, stop
}

// Close stops every active subscription. The Redis client itself is shared
// and closed by its owner.
func (r *Redis) Close() error {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = nil
	r.closed = true
	r.mu.Unlock()

	for _, stop := range cancels {
		stop()
	}
	return nil
}
