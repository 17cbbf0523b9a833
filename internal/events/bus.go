// Package events provides a publish/subscribe event bus for turn and
// ledger activity. Events flow from the orchestrator, the turn
// executor and the ledger to subscribers (the WebSocket event feed,
// the MQTT forwarder). The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceOrchestrator identifies events from the session orchestrator.
	SourceOrchestrator = "orchestrator"
	// SourceAgent identifies events from the turn executor.
	SourceAgent = "agent"
	// SourceLedger identifies events from the usage ledger.
	SourceLedger = "ledger"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnState signals a turn state transition.
	// Data: turn_id, session_id, state.
	KindTurnState = "turn_state"
	// KindTurnComplete signals a persisted turn.
	// Data: turn_id, session_id, request_id, model, input_tokens,
	// output_tokens, cost, cost_source, rounds, partial.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed signals a turn that ended in the failed state.
	// Nothing was persisted; usage consumed before the failure is
	// carried so it can be reconciled out of band.
	// Data: turn_id, session_id, state, reason, model, input_tokens,
	// output_tokens.
	KindTurnFailed = "turn_failed"

	// KindLLMCall signals the start of a provider call.
	// Data: turn_id, round, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a provider call.
	// Data: turn_id, round, model, input_tokens, output_tokens,
	// tool_calls, usage_reported.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: turn_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: turn_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"

	// KindUnknownCost signals a ledger row committed without a cost.
	// Data: request_id, session_id, model, input_tokens, output_tokens.
	KindUnknownCost = "unknown_cost"
	// KindAmended signals an unknown-cost row amended with late figures.
	// Data: request_id, cost, cost_source.
	KindAmended = "amended"
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
	// can accept the caller's <-chan Event.
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
			// Subscriber is full; drop rather than block.
		}
	}
}

// Emit is shorthand for publishing an event stamped with the current
// time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
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
