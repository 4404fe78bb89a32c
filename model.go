package agentloop

import "context"

// ModelClient is the capability boundary to an LLM provider. Provider
// clients (Bedrock, Anthropic, local models, ...) are consumed only through
// this interface; see model/anthropic and model/bedrock for reference
// implementations.
//
// Implementations must be safe for concurrent use across invocations and
// must surface errors as *ModelError with an accurate Kind so Retry/Backoff
// can classify them without provider-specific knowledge.
type ModelClient interface {
	// ChatStream opens a streaming call and returns a channel of Deltas. The
	// channel is closed when the stream ends (MessageStop delta sent, or an
	// error cut the stream short). Implementations must stop sending to the
	// channel and close it promptly when ctx is cancelled.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan Delta, error)
}

// SamplingParams are the provider-neutral sampling knobs passed with a
// ChatRequest.
type SamplingParams struct {
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ChatRequest is the input to ModelClient.ChatStream, assembled by the Cycle
// Controller from the current Conversation and AgentConfig.
type ChatRequest struct {
	System   string           `json:"system,omitempty"`
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Sampling SamplingParams   `json:"sampling,omitempty"`
}

// ToolDefinition is the structured description of a tool, sent to the model
// so it knows what it may invoke.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Parameters is a JSON Schema object describing the tool's input shape.
	Parameters []byte `json:"parameters"`
}

// DeltaType discriminates the tagged Delta union a ModelClient streams.
type DeltaType string

const (
	DeltaTextStart          DeltaType = "text_start"
	DeltaTextDelta          DeltaType = "text_delta"
	DeltaToolUseStart       DeltaType = "tool_use_start"
	DeltaToolUseInputDelta  DeltaType = "tool_use_input_delta"
	DeltaReasoningStart     DeltaType = "reasoning_start"
	DeltaReasoningDelta     DeltaType = "reasoning_delta"
	DeltaBlockEnd           DeltaType = "block_end"
	DeltaMessageStop        DeltaType = "message_stop"
)

// Delta is one provider-normalized streaming event. ModelClient
// implementations translate their wire format (SSE, gRPC stream, ...) into
// this shape; the Streaming Aggregator consumes only Deltas, never
// provider-specific types.
type Delta struct {
	Type DeltaType

	// Text, for DeltaTextDelta and DeltaReasoningDelta.
	Text string

	// ToolUseID/ToolUseName, for DeltaToolUseStart.
	ToolUseID   string
	ToolUseName string

	// JSONFragment, for DeltaToolUseInputDelta: a partial JSON fragment that,
	// concatenated across all deltas sharing ToolUseID, forms a parseable
	// JSON value.
	JSONFragment string

	// StopReason/Usage, for DeltaMessageStop.
	StopReason StopReason
	Usage      Usage
}
