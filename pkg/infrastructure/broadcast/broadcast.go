// Package broadcast provides the change-broadcast fabric. Every step
// transition publishes invalidation events that downstream caches and
// websocket clients consume. Delivery is best-effort per local subscriber;
// there is no durability.
package broadcast

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Channel identifies one broadcast stream. The set is closed.
type Channel string

const (
	ChannelProcesses      Channel = "processes"
	ChannelEngineSettings Channel = "engine-settings"
	ChannelEvents         Channel = "events"
)

// Channels lists every valid channel.
func Channels() []Channel {
	return []Channel{ChannelProcesses, ChannelEngineSettings, ChannelEvents}
}

// ProcessListID is the sentinel ID used to invalidate list views.
const ProcessListID = "LIST"

// Broadcaster is the pub/sub fabric. Subscribe returns a receive channel and
// a cancel function; messages are the JSON encoding of the published payload.
type Broadcaster interface {
	Publish(ctx context.Context, channel Channel, payload any) error
	Subscribe(channel Channel) (<-chan []byte, func())
	Close() error
}

// InvalidateProcess builds the cache-invalidation message for one process.
func InvalidateProcess(id uuid.UUID) map[string]any {
	return map[string]any{"type": "processes", "id": id.String()}
}

// InvalidateProcessList builds the cache-invalidation message for list views.
func InvalidateProcessList() map[string]any {
	return map[string]any{"type": "processes", "id": ProcessListID}
}

// InvalidateStatusCounts builds the aggregate-counter invalidation message.
func InvalidateStatusCounts() map[string]any {
	return map[string]any{"type": "processStatusCounts"}
}

// EngineStatus builds the settings-change message.
func EngineStatus(status string, globalLock bool, runningProcesses int) map[string]any {
	return map[string]any{
		"type":              "engineStatus",
		"global_status":     status,
		"global_lock":       globalLock,
		"running_processes": runningProcesses,
	}
}

// Event wraps a payload in the {name, value} envelope used on the events
// channel.
func Event(name string, value any) map[string]any {
	return map[string]any{"name": name, "value": value}
}

func encode(payload any) ([]byte, error) {
	return json.Marshal(payload)
}

// Noop discards every publish. Used when websockets are disabled.
type Noop struct{}

// Publish discards the payload.
func (Noop) Publish(context.Context, Channel, any) error { return nil }

// Subscribe returns a channel that never delivers.
func (Noop) Subscribe(Channel) (<-chan []byte, func()) {
	ch := make(chan []byte)
	return ch, func() {}
}

// Close is a no-op.
func (Noop) Close() error { return nil }
