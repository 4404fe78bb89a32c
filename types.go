package agentloop

import (
	"encoding/json"
	"time"
)

// Role identifies who authored a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType discriminates the tagged ContentBlock union.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockReasoning  BlockType = "reasoning"
)

// ContentBlock is a tagged variant: exactly one of Text, ToolUse fields
// (ID/Name/Input), or ToolResult fields (ToolUseID/Success/Output/DurationMS)
// is populated, selected by Type. Reasoning carries opaque model scratch
// content that is never re-sent to the model on a subsequent cycle.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text, used by BlockText and BlockReasoning.
	Text string `json:"text,omitempty"`

	// ToolUse fields.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// ToolResult fields.
	ToolUseID  string `json:"tool_use_id,omitempty"`
	Success    bool   `json:"success,omitempty"`
	Output     string `json:"output,omitempty"`
	ErrorMsg   string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// TextBlock builds a BlockText content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a BlockToolUse content block. id must be unique within
// the conversation it is appended to.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a BlockToolResult content block paired with the
// ToolUse it resolves via toolUseID.
func ToolResultBlock(toolUseID string, success bool, output, errMsg string, durationMS int64) ContentBlock {
	return ContentBlock{
		Type:       BlockToolResult,
		ToolUseID:  toolUseID,
		Success:    success,
		Output:     output,
		ErrorMsg:   errMsg,
		DurationMS: durationMS,
	}
}

// ReasoningBlock builds a BlockReasoning content block.
func ReasoningBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockReasoning, Text: text}
}

// Message is one turn in a Conversation: a role plus an ordered sequence of
// content blocks. Hidden marks messages (typically evaluator rubric hints)
// that Conversation.ModelMessages elides from outbound model requests while
// still keeping them in the persisted/round-tripped history.
type Message struct {
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	CreatedAt int64          `json:"created_at"`
	Hidden    bool           `json:"hidden,omitempty"`
}

// SystemMessage builds a system-role message from plain text.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentBlock{TextBlock(text)}, CreatedAt: NowUnixMilli()}
}

// UserMessage builds a user-role message from plain text.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}, CreatedAt: NowUnixMilli()}
}

// AssistantMessage builds an assistant-role message from content blocks
// (typically a mix of Text and ToolUse blocks produced by the Streaming
// Aggregator).
func AssistantMessage(blocks ...ContentBlock) Message {
	return Message{Role: RoleAssistant, Content: blocks, CreatedAt: NowUnixMilli()}
}

// ToolMessage builds a tool-role message from one or more ToolResult blocks,
// preserving the order given.
func ToolMessage(results ...ContentBlock) Message {
	return Message{Role: RoleTool, Content: results, CreatedAt: NowUnixMilli()}
}

// Text concatenates all BlockText content in the message, in order. Used to
// extract the final answer from the last assistant message.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the ToolUse blocks in the message, in order.
func (m Message) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// StopReason is the provider-normalized reason a model call ended.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopError        StopReason = "error"
)

// Usage reports token accounting for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage from another call into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ToolCallSummary is the durable record of one dispatched tool call, kept on
// a CycleRecord after the in-flight ToolCall it was derived from is
// discarded.
type ToolCallSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
}

// EvaluatorDecision is the outcome of consulting the configured Evaluator
// strategy at the end of a cycle.
type EvaluatorDecision struct {
	Continue bool   `json:"continue"`
	Rubric   string `json:"rubric,omitempty"`
	// PromptInjection reports whether the Rubric text itself tripped the
	// injection heuristic before being folded back into the conversation as
	// a user-role message (§4.7's Continue(prompt_injection?)).
	PromptInjection bool `json:"prompt_injection,omitempty"`
}

// CycleRecord is the owned-by-Event-Loop summary of one cycle. It is handed
// to callbacks and discarded; it is never retained by the Conversation.
type CycleRecord struct {
	Index             int                `json:"index"`
	StartedAt         time.Time          `json:"started_at"`
	StopReason        StopReason         `json:"stop_reason"`
	Usage             Usage              `json:"usage"`
	ToolCalls         []ToolCallSummary  `json:"tool_calls,omitempty"`
	EvaluatorDecision *EvaluatorDecision `json:"evaluator_decision,omitempty"`
}

// toolCallInFlight is owned by the Tool Executor for the duration of one
// dispatch and destroyed upon completion; it never escapes executor.go.
type toolCallInFlight struct {
	ID        string
	Name      string
	Input     json.RawMessage
	StartedAt time.Time
	Deadline  time.Time
}
