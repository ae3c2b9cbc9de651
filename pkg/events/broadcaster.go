// Package events provides the out-of-band notification broadcaster for
// connection state changes and scheduled reconnect delays.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// EventConnected is published when a volume returns to the connected state.
	EventConnected = "connected"
	// EventReconnecting is published when a volume starts reconnecting and
	// again for every scheduled retry, carrying the delay and the reason.
	EventReconnecting = "reconnecting"
)

// Reasons attached to reconnecting notifications.
const (
	ReasonProbeFailures   = "probe_failures"
	ReasonTransportError  = "transport_error"
	ReasonWorkerExhausted = "worker_exhausted"
	ReasonRetry           = "retry"
	ReasonStartup         = "startup"
)

// Event is a fire-and-forget notification. Delay is the time until the next
// reconnect attempt and is zero for connected events.
type Event struct {
	Type      string        `json:"type"`
	MountID   string        `json:"mount_id"`
	Volume    string        `json:"volume,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// Publisher is the write side of a broadcaster.
type Publisher interface {
	Publish(event Event)
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	buffer      int
	dropped     atomic.Uint64
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
		buffer:      64,
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped for slow consumers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
