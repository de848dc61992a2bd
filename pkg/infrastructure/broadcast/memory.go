package broadcast

import (
	"context"
	"sync"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
)

const subscriberBuffer = 64

// Memory is an in-process fan-out. Each subscriber owns a buffered channel;
// a subscriber that falls behind loses messages rather than blocking the
// publisher.
type Memory struct {
	mu          sync.Mutex
	subscribers map[Channel]map[int]chan []byte
	nextID      int
	closed      bool
}

// NewMemory creates an empty in-process broadcaster.
func NewMemory() *Memory {
	return &Memory{subscribers: make(map[Channel]map[int]chan []byte)}
}

// Publish encodes the payload and fans it out to the channel's subscribers.
func (m *Memory) Publish(_ context.Context, channel Channel, payload any) error {
	data, err := encode(payload)
	if err != nil {
		return errors.New(errors.CodeInternalError, "broadcast", "failed to encode payload", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New(errors.CodeInvalidState, "broadcast", "broadcaster is closed", nil)
	}
	for _, sub := range m.subscribers[channel] {
		select {
		case sub <- data:
		default: // slow subscriber, drop
		}
	}
	return nil
}

// Subscribe registers a new subscriber on the channel.
func (m *Memory) Subscribe(channel Channel) (<-chan []byte, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	sub := make(chan []byte, subscriberBuffer)
	if m.subscribers[channel] == nil {
		m.subscribers[channel] = make(map[int]chan []byte)
	}
	m.subscribers[channel][id] = sub

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subs, ok := m.subscribers[channel]; ok {
			if ch, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
		}
	}
	return sub, cancel
}

// Close drops all subscribers and rejects further publishes.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subscribers {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
	}
	return nil
}
