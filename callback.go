package agentloop

import (
	"context"
	"fmt"
	"sync"
)

// EventKind discriminates the tagged Event union delivered by the Callback
// Bus.
type EventKind string

const (
	EventCycleStarted      EventKind = "cycle_started"
	EventCycleCompleted    EventKind = "cycle_completed"
	EventTextDelta         EventKind = "text_delta"
	EventToolStarted       EventKind = "tool_started"
	EventToolCompleted     EventKind = "tool_completed"
	EventEvaluatorDecision EventKind = "evaluator_decision"
	EventTerminal          EventKind = "terminal"
	// EventDropped is synthesized by the bus itself, never by the loop,
	// when an observer's queue overflows (§4.6).
	EventDropped EventKind = "dropped"
)

// TerminalReason classifies why an invocation stopped, carried on the
// EventTerminal event.
type TerminalReason string

const (
	TerminalCompleted           TerminalReason = "completed"
	TerminalCycleBudgetExceeded TerminalReason = "cycle_budget_exceeded"
	TerminalCancelled           TerminalReason = "cancelled"
	TerminalFailed              TerminalReason = "failed"
)

// Event is one lifecycle notification fanned out by the Callback Bus.
type Event struct {
	Kind  EventKind
	Cycle int

	// TextDelta payload.
	Text string

	// ToolStarted/ToolCompleted payload.
	ToolCallID string
	ToolName   string
	ToolOK     bool
	DurationMS int64

	// CycleCompleted/EvaluatorDecision payload.
	Record   *CycleRecord
	Decision *EvaluatorDecision

	// Terminal payload.
	Terminal  TerminalReason
	FinalText string
	Err       error
	CycleLog  []CycleRecord

	// Dropped payload: how many events this observer missed.
	DroppedCount int
}

// Observer receives Events from a Bus. Handle must not panic; if it does,
// the Bus recovers and isolates the failure (never propagated into the
// loop).
type Observer interface {
	Handle(Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) Handle(e Event) { f(e) }

const defaultObserverQueue = 64

// subscription is one observer's delivery channel plus its dedicated
// delivery goroutine, started by Bus.Subscribe and stopped by Bus.Close.
type subscription struct {
	queue   chan Event
	done    chan struct{}
	dropped int
}

// Bus fans out lifecycle events to zero or more observers without blocking
// the loop (§4.6). Each observer gets its own bounded queue and delivery
// goroutine, so one slow observer cannot delay delivery to another, and
// cannot delay the publisher beyond a non-blocking channel send.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscription
	tracer Tracer
}

// NewBus creates an empty Callback Bus. tracer records observer panics
// recovered by deliverSafely (§4.6); pass nil to fall back to a no-op
// Tracer.
func NewBus(tracer Tracer) *Bus {
	if tracer == nil {
		tracer = noopTracer{}
	}
	return &Bus{tracer: tracer}
}

// Subscribe registers an observer with a bounded delivery queue. Delivery to
// this observer is in order (one goroutine reads the queue and calls
// Handle serially); overflow marks the observer lossy and a Dropped(count)
// event is delivered once the queue has room again.
func (b *Bus) Subscribe(obs Observer) {
	sub := &subscription{
		queue: make(chan Event, defaultObserverQueue),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for e := range sub.queue {
			b.deliverSafely(obs, e)
		}
	}()
}

// deliverSafely calls obs.Handle, isolating a panicking observer from the
// rest of the bus (and from the loop). A recovered panic is not swallowed:
// it is recorded through the Telemetry collaborator (§4.6) as an errored
// observer_panic span, so a misbehaving Observer is visible without being
// allowed to take down event delivery.
func (b *Bus) deliverSafely(obs Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			_, span := b.tracer.Start(context.Background(), SpanObserverPanic)
			span.Error(fmt.Errorf("observer panic: %v", r))
			span.End()
		}
	}()
	obs.Handle(e)
}

// Publish delivers e to every subscribed observer without blocking. An
// observer whose queue is full is marked lossy: e is dropped and its
// dropped counter increments; the next successfully queued event for that
// observer is preceded by a synthetic EventDropped event reporting the
// count.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.dropped > 0 {
			select {
			case sub.queue <- Event{Kind: EventDropped, DroppedCount: sub.dropped}:
				sub.dropped = 0
			default:
				sub.dropped++
				continue
			}
		}
		select {
		case sub.queue <- e:
		default:
			sub.dropped++
		}
	}
}

// Close stops accepting new subscribers' input and waits for each
// observer's delivery goroutine to drain and exit.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		close(sub.queue)
		<-sub.done
	}
}
