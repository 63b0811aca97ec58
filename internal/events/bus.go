// Package events publishes operational events from agent runs to
// whoever is watching. The bus is nil-safe: Publish on a nil *Bus is a
// no-op, so components hold a *Bus without guard checks.
package events

import (
	"sync"
	"time"
)

// Sources identify the publishing component.
const (
	SourceAgent     = "agent"
	SourceConnwatch = "connwatch"
)

// Kinds describe the event within its source.
const (
	// KindRunStart: run_id, model.
	KindRunStart = "run_start"
	// KindLLMCall: run_id, round, model, prompt_tokens.
	KindLLMCall = "llm_call"
	// KindLLMResponse: run_id, round, elapsed_ms, reply_len.
	KindLLMResponse = "llm_response"
	// KindCommand: run_id, round, command, args.
	KindCommand = "command"
	// KindCommandDone: run_id, round, command, ok, elapsed_ms.
	KindCommandDone = "command_done"
	// KindAwaitingFeedback: run_id, round.
	KindAwaitingFeedback = "awaiting_feedback"
	// KindRunComplete: run_id, status, rounds, elapsed_ms, error.
	KindRunComplete = "run_complete"

	// KindServiceState: service, ready, error. Published when a watched
	// dependency goes down or comes back.
	KindServiceState = "service_state"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}

	// recvToSend lets Unsubscribe accept the receive-only view handed
	// out by Subscribe.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events with the given buffer
// size. Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
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
