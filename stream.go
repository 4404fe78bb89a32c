package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// aggregateResult is what runAggregator produces: the complete assistant
// message, the cycle's stop reason, and accumulated usage.
type aggregateResult struct {
	Message    Message
	StopReason StopReason
	Usage      Usage
}

// openToolUse tracks the partial state of one tool-use block while its
// DeltaToolUseInputDelta fragments arrive.
type openToolUse struct {
	id    string
	name  string
	input strings.Builder
}

// runAggregator consumes deltas from a ModelClient's ChatStream until the
// channel closes or ctx is cancelled, reconstructing a complete assistant
// Message plus stop reason and usage. It is the single consumer of deltas
// for one cycle (§4.4): exactly one call to runAggregator reads from a given
// delta channel.
//
// If onTextDelta is non-nil, it is invoked synchronously for each
// DeltaTextDelta, in arrival order, so RunStream callers observe partial
// text as it streams in (fed from here into the Callback Bus).
func runAggregator(ctx context.Context, deltas <-chan Delta, onTextDelta func(string)) (aggregateResult, error) {
	var (
		textBuf    strings.Builder
		blocks     []ContentBlock
		open       map[string]*openToolUse
		stopReason StopReason
		usage      Usage
		sawStop    bool
	)
	open = make(map[string]*openToolUse)

	flushText := func() {
		if textBuf.Len() > 0 {
			blocks = append(blocks, TextBlock(textBuf.String()))
			textBuf.Reset()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return aggregateResult{}, &InvocationCancelled{}
		case d, ok := <-deltas:
			if !ok {
				if !sawStop {
					return aggregateResult{}, &StreamCorrupt{Detail: "channel closed before message_stop"}
				}
				if len(open) > 0 {
					return aggregateResult{}, &StreamCorrupt{Detail: "tool_use block(s) never closed with block_end"}
				}
				flushText()
				return aggregateResult{
					Message:    AssistantMessage(blocks...),
					StopReason: stopReason,
					Usage:      usage,
				}, nil
			}

			switch d.Type {
			case DeltaTextStart:
				// no-op: text accumulation begins implicitly on first delta.
			case DeltaTextDelta:
				textBuf.WriteString(d.Text)
				if onTextDelta != nil {
					onTextDelta(d.Text)
				}
			case DeltaReasoningStart:
				// no-op.
			case DeltaReasoningDelta:
				blocks = append(blocks, ReasoningBlock(d.Text))
			case DeltaToolUseStart:
				flushText()
				open[d.ToolUseID] = &openToolUse{id: d.ToolUseID, name: d.ToolUseName}
			case DeltaToolUseInputDelta:
				t, ok := open[d.ToolUseID]
				if !ok {
					return aggregateResult{}, &StreamCorrupt{Detail: fmt.Sprintf("input delta for unopened tool_use id %s", d.ToolUseID)}
				}
				t.input.WriteString(d.JSONFragment)
			case DeltaBlockEnd:
				// BlockEnd with no ToolUseID is ignored: buffered text is
				// flushed into a block at the next ToolUseStart or at the end
				// of the stream. BlockEnd with a ToolUseID finalizes that
				// tool-use block.
				if d.ToolUseID == "" {
					continue
				}
				t, ok := open[d.ToolUseID]
				if !ok {
					return aggregateResult{}, &StreamCorrupt{Detail: fmt.Sprintf("block_end for unopened tool_use id %s", d.ToolUseID)}
				}
				raw := t.input.String()
				if raw == "" {
					raw = "{}"
				}
				if !json.Valid([]byte(raw)) {
					return aggregateResult{}, &ToolInputCorrupt{ToolUseID: t.id, Detail: "accumulated fragments do not form valid JSON"}
				}
				blocks = append(blocks, ToolUseBlock(t.id, t.name, json.RawMessage(raw)))
				delete(open, d.ToolUseID)
			case DeltaMessageStop:
				stopReason = d.StopReason
				usage = d.Usage
				sawStop = true
			}
		}
	}
}
