package agentloop

import (
	"context"
	"sync"
	"testing"
	"time"
)

// collectingObserver records every Event it receives, in order, safe for
// concurrent delivery from the Bus's single per-subscriber goroutine.
type collectingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (c *collectingObserver) Handle(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collectingObserver) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestBus_PublishDeliversInOrder(t *testing.T) {
	bus := NewBus(noopTracer{})
	obs := &collectingObserver{}
	bus.Subscribe(obs)

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Kind: EventTextDelta, Cycle: i})
	}
	bus.Close()

	events := obs.snapshot()
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Cycle != i {
			t.Errorf("event %d: expected Cycle=%d, got %d", i, i, e.Cycle)
		}
	}
}

func TestBus_PublishFansOutToMultipleObservers(t *testing.T) {
	bus := NewBus(noopTracer{})
	obsA := &collectingObserver{}
	obsB := &collectingObserver{}
	bus.Subscribe(obsA)
	bus.Subscribe(obsB)

	bus.Publish(Event{Kind: EventCycleStarted, Cycle: 1})
	bus.Close()

	if len(obsA.snapshot()) != 1 || len(obsB.snapshot()) != 1 {
		t.Fatalf("expected both observers to receive the event: a=%d b=%d", len(obsA.snapshot()), len(obsB.snapshot()))
	}
}

func TestBus_PublishDoesNotBlockOnSlowObserver(t *testing.T) {
	bus := NewBus(noopTracer{})
	block := make(chan struct{})
	slow := ObserverFunc(func(e Event) { <-block })
	bus.Subscribe(slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultObserverQueue+10; i++ {
			bus.Publish(Event{Kind: EventTextDelta, Cycle: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow observer")
	}
	close(block)
}

func TestBus_OverflowDeliversDroppedEvent(t *testing.T) {
	bus := NewBus(noopTracer{})
	block := make(chan struct{})
	obs := &collectingObserver{}
	gate := ObserverFunc(func(e Event) {
		if e.Kind == EventCycleStarted && e.Cycle == 0 {
			<-block // first event blocks the delivery goroutine
		}
		obs.Handle(e)
	})
	bus.Subscribe(gate)

	bus.Publish(Event{Kind: EventCycleStarted, Cycle: 0})
	for i := 0; i < defaultObserverQueue+5; i++ {
		bus.Publish(Event{Kind: EventTextDelta, Cycle: i + 1})
	}
	close(block)

	// The Dropped marker is queued ahead of the next event that finds room,
	// so keep publishing until the drained queue accepts one.
	waitFor(t, 2*time.Second, func() bool {
		bus.Publish(Event{Kind: EventTextDelta})
		for _, e := range obs.snapshot() {
			if e.Kind == EventDropped {
				return true
			}
		}
		return false
	})
	bus.Close()
}

func TestBus_ObserverPanicIsIsolated(t *testing.T) {
	bus := NewBus(noopTracer{})
	panicker := ObserverFunc(func(e Event) { panic("boom") })
	obs := &collectingObserver{}
	bus.Subscribe(panicker)
	bus.Subscribe(obs)

	bus.Publish(Event{Kind: EventCycleStarted})
	bus.Publish(Event{Kind: EventCycleCompleted})
	bus.Close()

	if len(obs.snapshot()) != 2 {
		t.Errorf("expected the healthy observer to receive both events despite the other panicking, got %d", len(obs.snapshot()))
	}
}

func TestBus_CloseWaitsForDrain(t *testing.T) {
	bus := NewBus(noopTracer{})
	var delivered int
	var mu sync.Mutex
	bus.Subscribe(ObserverFunc(func(e Event) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		delivered++
		mu.Unlock()
	}))

	const n = 20
	for i := 0; i < n; i++ {
		bus.Publish(Event{Kind: EventTextDelta})
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if delivered != n {
		t.Errorf("expected Close to wait for all %d deliveries, got %d", n, delivered)
	}
}

// spySpan records the calls made against it so a test can assert a panic
// was actually reported to the Tracer, not merely swallowed.
type spySpan struct {
	mu    sync.Mutex
	errs  []error
	ended bool
}

func (s *spySpan) SetAttr(...SpanAttr) {}
func (s *spySpan) Event(string, ...SpanAttr) {}
func (s *spySpan) Error(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}
func (s *spySpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

type spyTracer struct {
	mu    sync.Mutex
	names []string
	spans []*spySpan
}

func (s *spyTracer) Start(ctx context.Context, name string, _ ...SpanAttr) (context.Context, Span) {
	s.mu.Lock()
	defer s.mu.Unlock()
	span := &spySpan{}
	s.names = append(s.names, name)
	s.spans = append(s.spans, span)
	return ctx, span
}

func (s *spyTracer) snapshot() ([]string, []*spySpan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.names))
	copy(names, s.names)
	spans := make([]*spySpan, len(s.spans))
	copy(spans, s.spans)
	return names, spans
}

func TestBus_ObserverPanicIsRecordedOnTracer(t *testing.T) {
	tracer := &spyTracer{}
	bus := NewBus(tracer)
	panicker := ObserverFunc(func(e Event) { panic("boom") })
	bus.Subscribe(panicker)

	bus.Publish(Event{Kind: EventCycleStarted})
	bus.Close()

	names, spans := tracer.snapshot()
	var found *spySpan
	for i, name := range names {
		if name == SpanObserverPanic {
			found = spans[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("expected a %q span to be started, got spans named %v", SpanObserverPanic, names)
	}
	found.mu.Lock()
	defer found.mu.Unlock()
	if len(found.errs) != 1 {
		t.Errorf("expected the recovered panic to be recorded via Span.Error, got %d errors", len(found.errs))
	}
	if !found.ended {
		t.Error("expected the observer-panic span to be ended")
	}
}

func TestObserverFunc_AdaptsPlainFunction(t *testing.T) {
	var got Event
	var obs Observer = ObserverFunc(func(e Event) { got = e })
	obs.Handle(Event{Kind: EventTerminal, Terminal: TerminalCompleted})
	if got.Kind != EventTerminal || got.Terminal != TerminalCompleted {
		t.Errorf("unexpected event delivered: %+v", got)
	}
}
