package agentloop

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// toolExecOutcome is one dispatched call's result plus enough bookkeeping to
// build both the ToolResult content block and the ToolCallSummary.
type toolExecOutcome struct {
	block   ContentBlock
	summary ToolCallSummary
}

// indexedOutcome threads the original position through the worker pool so
// results can be collected out of order and re-assembled in order.
type indexedOutcome struct {
	index     int
	outcome   toolExecOutcome
	cancelled bool
}

// executeTools dispatches the ToolUse blocks in calls, up to maxParallel at
// a time, and returns the ToolResult blocks (and summaries) in the same
// order as calls, independent of completion order (§4.5). calls must be
// non-empty ToolUse blocks.
//
// If ctx is cancelled before every call completes, executeTools returns
// *InvocationCancelled and nil slices rather than filling the unfinished
// slots with a synthetic result: per §4.1, a cancelled invocation appends
// nothing partial, so the caller must not turn the returned slices into a
// tool message.
func executeTools(
	ctx context.Context,
	calls []ContentBlock,
	registry *Registry,
	perToolTimeout time.Duration,
	maxParallel int,
	onStart func(id, name string),
	onDone func(id, name string, success bool, durationMS int64),
) ([]ContentBlock, []ToolCallSummary, error) {
	n := len(calls)
	if n == 1 || maxParallel <= 1 {
		blocks := make([]ContentBlock, n)
		summaries := make([]ToolCallSummary, n)
		for i, call := range calls {
			if ctx.Err() != nil {
				return nil, nil, &InvocationCancelled{}
			}
			out, cancelled := dispatchOne(ctx, call, registry, perToolTimeout, onStart, onDone)
			if cancelled {
				return nil, nil, &InvocationCancelled{}
			}
			blocks[i] = out.block
			summaries[i] = out.summary
		}
		return blocks, summaries, nil
	}

	workers := maxParallel
	if workers > n {
		workers = n
	}

	work := make(chan int)
	results := make(chan indexedOutcome, n)

	for w := 0; w < workers; w++ {
		go func() {
			for i := range work {
				outcome, cancelled := dispatchOne(ctx, calls[i], registry, perToolTimeout, onStart, onDone)
				results <- indexedOutcome{index: i, outcome: outcome, cancelled: cancelled}
			}
		}()
	}

	go func() {
		defer close(work)
		for i := range calls {
			select {
			case work <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	blocks := make([]ContentBlock, n)
	summaries := make([]ToolCallSummary, n)
	remaining := n
	for remaining > 0 {
		select {
		case r := <-results:
			if r.cancelled {
				return nil, nil, &InvocationCancelled{}
			}
			blocks[r.index] = r.outcome.block
			summaries[r.index] = r.outcome.summary
			remaining--
		case <-ctx.Done():
			return nil, nil, &InvocationCancelled{}
		}
	}
	return blocks, summaries, nil
}

// dispatchOne executes one ToolUse block with panic recovery and a per-tool
// timeout, never returning a Go error for an ordinary tool-level failure:
// those are packaged into the ToolResult per §4.5/§7 ("tool-level failures
// are never fatal"). The cancelled return is true only when ctx itself (the
// invocation, or an enclosing per-cycle timeout) ended the call, as opposed
// to perToolTimeout's own derived deadline — that distinction is what lets
// executeTools tell a plain tool timeout from a real S6 cancellation.
func dispatchOne(
	ctx context.Context,
	call ContentBlock,
	registry *Registry,
	perToolTimeout time.Duration,
	onStart func(id, name string),
	onDone func(id, name string, success bool, durationMS int64),
) (toolExecOutcome, bool) {
	if onStart != nil {
		onStart(call.ID, call.Name)
	}
	start := time.Now()

	tool, ok := registry.Get(call.Name)
	if !ok {
		return finish(call, start, false, "", "unknown tool", onDone), false
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if perToolTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, perToolTimeout)
		defer cancel()
	}

	output, errMsg := safeInvoke(callCtx, tool, call.Input)
	if ctx.Err() != nil {
		return toolExecOutcome{}, true
	}
	success := errMsg == ""
	return finish(call, start, success, output, errMsg, onDone), false
}

func finish(call ContentBlock, start time.Time, success bool, output, errMsg string, onDone func(id, name string, success bool, durationMS int64)) toolExecOutcome {
	durationMS := time.Since(start).Milliseconds()
	if onDone != nil {
		onDone(call.ID, call.Name, success, durationMS)
	}
	return toolExecOutcome{
		block:   ToolResultBlock(call.ID, success, output, errMsg, durationMS),
		summary: ToolCallSummary{ID: call.ID, Name: call.Name, Success: success, DurationMS: durationMS},
	}
}

// safeInvoke calls tool.Invoke, converting a panic into a classified error
// string rather than letting it crash the dispatching goroutine (grounded
// on the teacher's safeDispatch panic-recovery idiom). It waits for the
// invocation goroutine to finish even after ctx is cancelled, so a well
// behaved tool's genuine result is never discarded in favor of a synthetic
// timeout error; only a tool that ignores ctx and never returns can block
// this call indefinitely, same as it would block any other caller.
func safeInvoke(ctx context.Context, tool Tool, input []byte) (output, errMsg string) {
	done := make(chan struct{})
	var invokeErr error
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				errMsg = fmt.Sprintf("panic: %v", r)
			}
		}()
		out, err := tool.Invoke(ctx, input)
		if err != nil {
			invokeErr = err
			errMsg = err.Error()
			return
		}
		output = out
	}()

	<-done
	if ctx.Err() != nil && (errMsg == "" || errors.Is(invokeErr, ctx.Err())) {
		return output, "timeout"
	}
	return output, errMsg
}
