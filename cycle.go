package agentloop

import (
	"context"
	"time"
)

// runCycle executes one full cycle (§4.1/§4.2): assemble the request from
// the current Conversation, stream a completion through Retry/Backoff and
// the Streaming Aggregator, append the assistant message, dispatch any tool
// calls via the Tool Executor, append the resulting tool message, and
// publish lifecycle events throughout. It does not consult the Evaluator;
// that is the Event Loop's job once runCycle returns.
func runCycle(
	ctx context.Context,
	conv *Conversation,
	client ModelClient,
	registry *Registry,
	bus *Bus,
	cfg *AgentConfig,
	index int,
) (CycleRecord, error) {
	rec := CycleRecord{Index: index, StartedAt: time.Now()}
	bus.Publish(Event{Kind: EventCycleStarted, Cycle: index})

	cycleCtx := ctx
	if cfg.PerCycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, cfg.PerCycleTimeout)
		defer cancel()
	}

	req := ChatRequest{
		System:   cfg.SystemPrompt,
		Messages: conv.ModelMessages(),
		Sampling: cfg.Sampling,
	}
	if registry != nil && registry.Len() > 0 {
		req.Tools = registry.Definitions()
	}

	chatCtx, chatSpan := cfg.Tracer.Start(cycleCtx, SpanChat, IntAttr("cycle", index))
	deltas, err := chatStreamWithRetry(chatCtx, client, req, cfg.Retry)
	if err != nil {
		chatSpan.Error(err)
		chatSpan.End()
		return rec, err
	}

	onTextDelta := func(text string) {
		bus.Publish(Event{Kind: EventTextDelta, Cycle: index, Text: text})
	}
	result, err := runAggregator(chatCtx, deltas, onTextDelta)
	chatSpan.End()
	if err != nil {
		return rec, err
	}
	rec.StopReason = result.StopReason
	rec.Usage = result.Usage

	if err := conv.Append(result.Message); err != nil {
		return rec, err
	}

	calls := result.Message.ToolUses()
	if len(calls) == 0 {
		return rec, nil
	}

	onStart := func(id, name string) {
		bus.Publish(Event{Kind: EventToolStarted, Cycle: index, ToolCallID: id, ToolName: name})
	}
	onDone := func(id, name string, success bool, durationMS int64) {
		bus.Publish(Event{Kind: EventToolCompleted, Cycle: index, ToolCallID: id, ToolName: name, ToolOK: success, DurationMS: durationMS})
	}

	blocks, summaries, err := executeTools(cycleCtx, calls, registry, cfg.ToolTimeout, cfg.MaxParallelTools, onStart, onDone)
	if err != nil {
		// Tool dispatch was cut short by cancellation (or the cycle's own
		// PerCycleTimeout elapsing, which looks identical from here): append
		// nothing partial (§4.1) — no tool message is recorded for this
		// cycle. Per §7, TimeoutExpired is reserved for the whole-invocation
		// timeout; a per-cycle deadline simply ends the cycle the same way an
		// external cancellation would.
		return rec, err
	}
	rec.ToolCalls = summaries

	if err := conv.Append(ToolMessage(blocks...)); err != nil {
		return rec, err
	}

	return rec, nil
}
