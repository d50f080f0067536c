// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (connections, the registry,
// the executor) to subscribers (chat UI status feeds, future metrics
// collectors). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceConnection identifies events from a provider connection.
	SourceConnection = "connection"
	// SourceRegistry identifies events from the connection registry.
	SourceRegistry = "registry"
	// SourceExecutor identifies events from the task executor.
	SourceExecutor = "executor"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnecting signals a connection attempt has begun.
	// Data: provider.
	KindConnecting = "connecting"
	// KindReady signals a connection completed handshake and discovery.
	// Data: provider, tools, resources, prompts.
	KindReady = "ready"
	// KindDisconnected signals a connection was closed or died.
	// Data: provider, error (when unexpected).
	KindDisconnected = "disconnected"
	// KindDiscovery signals a re-discovery triggered by a server
	// notification. Data: provider, category.
	KindDiscovery = "discovery"

	// KindSwept signals the sweep closed a connection.
	// Data: provider, reason ("idle" or "unresponsive").
	KindSwept = "swept"

	// KindPlanBuilt signals a task was planned.
	// Data: plan, task, steps.
	KindPlanBuilt = "plan_built"
	// KindStepStart signals a plan step is about to execute.
	// Data: plan, step, description.
	KindStepStart = "step_start"
	// KindStepDone signals a plan step finished.
	// Data: plan, step, ok.
	KindStepDone = "step_done"
	// KindRunComplete signals a task run finished.
	// Data: plan, success.
	KindRunComplete = "run_complete"
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
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
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
