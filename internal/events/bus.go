// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (MCP registry, capture
// pipeline) to subscribers (MQTT publisher, future metrics collector).
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceMCP identifies events from the MCP registry and clients.
	SourceMCP = "mcp"
	// SourceCapture identifies events from the capture pipeline.
	SourceCapture = "capture"
)

// Kind constants describe the type of event within a source.
const (
	// KindStatusChanged signals an MCP server status transition.
	// Data: server_id, server, status, error (when status is "error").
	KindStatusChanged = "status_changed"
	// KindToolCall signals the start of an MCP tool invocation.
	// Data: server, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of an MCP tool invocation.
	// Data: server, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindChunkCreated signals a tool result was captured as a chunk.
	// Data: chunk_id, server, tool, content_len.
	KindChunkCreated = "chunk_created"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Subscription is a handle to a bus subscription. Receive from C and
// call Close when done.
type Subscription struct {
	// C delivers published events. It is closed by Close.
	C <-chan Event

	bus  *Bus
	ch   chan Event
	once sync.Once
}

// Close removes the subscription from the bus and closes C. Safe to
// call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish sends an event to all subscribers, stamping the timestamp if
// unset. Non-blocking: if a subscriber's channel is full, the event is
// dropped for that subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe registers a new subscriber. bufSize controls the channel
// buffer; 64 is a reasonable default for network consumers.
func (b *Bus) Subscribe(bufSize int) *Subscription {
	ch := make(chan Event, bufSize)
	sub := &Subscription{C: ch, bus: b, ch: ch}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
