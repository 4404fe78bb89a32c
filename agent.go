package agentloop

import (
	"context"
	"time"
)

// AgentConfig holds an Agent's shared configuration: the model and tools it
// drives, its system prompt, and the budgets/policies that bound one
// invocation (§3 AgentConfig, §5).
type AgentConfig struct {
	SystemPrompt string
	Sampling     SamplingParams

	MaxCycles         int
	ToolTimeout       time.Duration
	MaxParallelTools  int
	InvocationTimeout time.Duration

	// PerCycleTimeout bounds one cycle's stream-plus-tool-fan-out phase
	// (§5). Zero means no per-cycle bound beyond InvocationTimeout.
	PerCycleTimeout time.Duration

	Retry    RetryPolicy
	Strategy Strategy
	Tracer   Tracer

	// HideEvaluatorRubric, when true, marks the synthetic user-role message
	// injected by an Evaluator strategy as Hidden so it is elided from
	// subsequent outbound model requests while remaining in persisted
	// history (Open Question decision, SPEC_FULL.md §12).
	HideEvaluatorRubric bool
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxCycles:        10,
		ToolTimeout:      30 * time.Second,
		MaxParallelTools: 4,
		PerCycleTimeout:  120 * time.Second,
		Retry:            DefaultRetryPolicy(),
		Strategy:         ModelDrivenStrategy{},
		Tracer:           noopTracer{},
	}
}

// AgentOption configures an Agent.
type AgentOption func(*AgentConfig)

// WithSystemPrompt sets the system prompt sent on every cycle.
func WithSystemPrompt(s string) AgentOption {
	return func(c *AgentConfig) { c.SystemPrompt = s }
}

// WithSampling sets the sampling parameters sent on every cycle.
func WithSampling(p SamplingParams) AgentOption {
	return func(c *AgentConfig) { c.Sampling = p }
}

// WithMaxCycles bounds the number of cycles one invocation may run before
// CycleBudgetExceeded is returned.
func WithMaxCycles(n int) AgentOption {
	return func(c *AgentConfig) { c.MaxCycles = n }
}

// WithToolTimeout bounds how long a single tool invocation may run.
func WithToolTimeout(d time.Duration) AgentOption {
	return func(c *AgentConfig) { c.ToolTimeout = d }
}

// WithMaxParallelTools bounds how many tool calls from one cycle run
// concurrently.
func WithMaxParallelTools(n int) AgentOption {
	return func(c *AgentConfig) { c.MaxParallelTools = n }
}

// WithInvocationTimeout bounds the whole invocation (all cycles combined).
// Zero means no bound.
func WithInvocationTimeout(d time.Duration) AgentOption {
	return func(c *AgentConfig) { c.InvocationTimeout = d }
}

// WithPerCycleTimeout bounds a single cycle's stream-plus-tool-fan-out
// phase. Zero means no per-cycle bound beyond InvocationTimeout.
func WithPerCycleTimeout(d time.Duration) AgentOption {
	return func(c *AgentConfig) { c.PerCycleTimeout = d }
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) AgentOption {
	return func(c *AgentConfig) { c.Retry = p }
}

// WithStrategy sets the Evaluator strategy consulted at the end of every
// cycle whose stop reason did not already force a continuation.
func WithStrategy(s Strategy) AgentOption {
	return func(c *AgentConfig) { c.Strategy = s }
}

// WithHideEvaluatorRubric enables the Hidden-message behavior documented on
// AgentConfig.HideEvaluatorRubric.
func WithHideEvaluatorRubric() AgentOption {
	return func(c *AgentConfig) { c.HideEvaluatorRubric = true }
}

// WithTracer configures the Telemetry collaborator. Defaults to a no-op
// Tracer; see telemetry/otel for an OTEL-backed implementation.
func WithTracer(t Tracer) AgentOption {
	return func(c *AgentConfig) { c.Tracer = t }
}

// Agent is the Event Loop: it drives a ModelClient and a Tool Registry
// through repeated cycles against one Conversation, deciding after each
// cycle whether to continue, stop, or fail (§4.1).
type Agent struct {
	client   ModelClient
	registry *Registry
	bus      *Bus
	cfg      AgentConfig
}

// New builds an Agent from a ModelClient, an optional tool registry (nil is
// treated as empty), and configuration options.
func New(client ModelClient, registry *Registry, opts ...AgentOption) *Agent {
	if registry == nil {
		registry = NewRegistry()
	}
	cfg := defaultAgentConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Agent{client: client, registry: registry, bus: NewBus(cfg.Tracer), cfg: cfg}
}

// Subscribe registers an Observer on the Agent's Callback Bus. Must be
// called before Run/RunStream to observe that invocation's events.
func (a *Agent) Subscribe(obs Observer) { a.bus.Subscribe(obs) }

// Run drives conv with prompt appended as a new user message until the
// Event Loop decides to stop, the cycle budget is exhausted, ctx is
// cancelled, or an unrecoverable error occurs. It returns the final
// assistant text.
func (a *Agent) Run(ctx context.Context, conv *Conversation, prompt string) (string, error) {
	return a.run(ctx, conv, prompt)
}

// RunStream is Run's streaming counterpart: it subscribes its own Observer
// to the Agent's bus for the duration of the call and relays every Event
// (including EventTerminal) on the returned channel, which is closed when
// the invocation ends.
func (a *Agent) RunStream(ctx context.Context, conv *Conversation, prompt string) <-chan Event {
	out := make(chan Event, 64)
	relay := ObserverFunc(func(e Event) {
		select {
		case out <- e:
		default:
		}
	})
	a.Subscribe(relay)

	go func() {
		defer close(out)
		_, _ = a.run(ctx, conv, prompt)
	}()
	return out
}

func (a *Agent) run(ctx context.Context, conv *Conversation, prompt string) (string, error) {
	ctx, span := a.cfg.Tracer.Start(ctx, SpanInvokeAgent, StringAttr("session_id", conv.SessionID))
	defer span.End()

	callerCtx := ctx
	if a.cfg.InvocationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.InvocationTimeout)
		defer cancel()
	}

	if conv.Len() == 0 && a.cfg.SystemPrompt != "" {
		if err := conv.Append(SystemMessage(a.cfg.SystemPrompt)); err != nil {
			return a.terminate(span, conv, TerminalFailed, err, nil)
		}
	}
	if err := conv.Append(UserMessage(prompt)); err != nil {
		return a.terminate(span, conv, TerminalFailed, err, nil)
	}

	var log []CycleRecord
	for cycle := 0; ; cycle++ {
		if cycle >= a.cfg.MaxCycles {
			final := conv.LastAssistantText()
			err := &CycleBudgetExceeded{MaxCycles: a.cfg.MaxCycles, FinalText: final}
			return a.terminate(span, conv, TerminalCycleBudgetExceeded, err, log)
		}

		rec, err := runCycle(ctx, conv, a.client, a.registry, a.bus, &a.cfg, cycle)
		if err != nil {
			err = classifyInvocationTimeout(err, ctx, callerCtx)
			reason := TerminalFailed
			if cerr, ok := err.(*InvocationCancelled); ok {
				cerr.Cycle = cycle
				reason = TerminalCancelled
			}
			return a.terminate(span, conv, reason, err, log)
		}

		forcedContinue := rec.StopReason == StopToolUse || len(rec.ToolCalls) > 0
		if !forcedContinue {
			decision, err := a.cfg.Strategy.Evaluate(ctx, conv, rec, &a.cfg)
			if err != nil {
				return a.terminate(span, conv, TerminalFailed, err, log)
			}
			rec.EvaluatorDecision = &decision
			a.bus.Publish(Event{Kind: EventEvaluatorDecision, Cycle: cycle, Decision: &decision})

			if decision.Continue {
				hint := UserMessage(decision.Rubric)
				hint.Hidden = a.cfg.HideEvaluatorRubric
				if err := conv.Append(hint); err != nil {
					return a.terminate(span, conv, TerminalFailed, err, log)
				}
			}
			log = append(log, rec)
			a.bus.Publish(Event{Kind: EventCycleCompleted, Cycle: cycle, Record: &rec})
			if !decision.Continue {
				return a.terminate(span, conv, TerminalCompleted, nil, log)
			}
			continue
		}

		log = append(log, rec)
		a.bus.Publish(Event{Kind: EventCycleCompleted, Cycle: cycle, Record: &rec})
	}
}

// classifyInvocationTimeout distinguishes WithInvocationTimeout's own
// deadline from a cancellation the caller initiated (§7): both would
// otherwise surface identically as *InvocationCancelled, since
// chatStreamWithRetry/runAggregator/executeTools only ever see the
// already-combined ctx. If callerCtx (the context Run/RunStream was given,
// before InvocationTimeout wrapped it) is not done but ctx's own deadline
// elapsed, this invocation ran out of its configured time budget rather
// than being cancelled from outside.
func classifyInvocationTimeout(err error, ctx, callerCtx context.Context) error {
	if _, ok := err.(*InvocationCancelled); !ok {
		return err
	}
	if callerCtx.Err() == nil && ctx.Err() == context.DeadlineExceeded {
		return &TimeoutExpired{Scope: "invocation"}
	}
	return err
}

func (a *Agent) terminate(span Span, conv *Conversation, reason TerminalReason, err error, log []CycleRecord) (string, error) {
	final := conv.LastAssistantText()
	if err != nil {
		span.Error(err)
	}
	span.SetAttr(StringAttr("terminal_reason", string(reason)), IntAttr("cycles", len(log)))
	a.bus.Publish(Event{
		Kind:      EventTerminal,
		Terminal:  reason,
		FinalText: final,
		Err:       err,
		CycleLog:  log,
	})
	if cbe, ok := err.(*CycleBudgetExceeded); ok {
		return cbe.FinalText, cbe
	}
	if err != nil {
		return "", err
	}
	return final, nil
}
