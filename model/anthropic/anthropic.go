// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// agentloop.ModelClient contract, converting Anthropic's SSE message-stream
// events into agentloop.Delta values.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cortexflow/agentloop"
)

// Client wraps an Anthropic SDK client as an agentloop.ModelClient.
type Client struct {
	sdk       anthropic.Client
	model     string
	maxTokens int
}

// New builds a Client for the given model (e.g. "claude-opus-4-20250514").
// Extra SDK options (base URL overrides, custom HTTP clients, ...) may be
// passed through opts.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		sdk:       anthropic.NewClient(reqOpts...),
		model:     model,
		maxTokens: 4096,
	}
}

// WithMaxTokens overrides the default max_tokens (4096) sent with every
// request that doesn't specify its own via SamplingParams.MaxTokens.
func (c *Client) WithMaxTokens(n int) *Client {
	c.maxTokens = n
	return c
}

func (c *Client) ChatStream(ctx context.Context, req agentloop.ChatRequest) (<-chan agentloop.Delta, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, &agentloop.ModelError{Kind: agentloop.KindValidation, Provider: "anthropic", Message: err.Error(), Cause: err}
	}

	maxTokens := int64(c.maxTokens)
	if req.Sampling.MaxTokens > 0 {
		maxTokens = int64(req.Sampling.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Sampling.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Sampling.Temperature)
	}
	if req.Sampling.TopP > 0 {
		params.TopP = anthropic.Float(req.Sampling.TopP)
	}
	if len(req.Sampling.Stop) > 0 {
		params.StopSequences = req.Sampling.Stop
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, &agentloop.ModelError{Kind: agentloop.KindValidation, Provider: "anthropic", Message: err.Error(), Cause: err}
		}
		params.Tools = tools
	}

	stream := c.sdk.Messages.NewStreaming(ctx, params)

	out := make(chan agentloop.Delta)
	go processStream(stream, out)
	return out, nil
}

// anthropicStream is the subset of *ssestream.Stream[anthropic.MessageStreamEventUnion]
// processStream needs, so it can be exercised with a fake in tests.
type anthropicStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

// processStream consumes the Anthropic SSE stream, translating events into
// Deltas, and closes out when the stream ends.
func processStream(stream anthropicStream, out chan<- agentloop.Delta) {
	defer close(out)

	var usage agentloop.Usage
	stopReason := anthropic.StopReasonEndTurn

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			usage.InputTokens = int(ms.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "text":
				out <- agentloop.Delta{Type: agentloop.DeltaTextStart}
			case "thinking":
				out <- agentloop.Delta{Type: agentloop.DeltaReasoningStart}
			case "tool_use":
				toolUse := block.AsToolUse()
				out <- agentloop.Delta{
					Type:        agentloop.DeltaToolUseStart,
					ToolUseID:   toolUse.ID,
					ToolUseName: toolUse.Name,
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- agentloop.Delta{Type: agentloop.DeltaTextDelta, Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- agentloop.Delta{Type: agentloop.DeltaReasoningDelta, Text: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					out <- agentloop.Delta{Type: agentloop.DeltaToolUseInputDelta, JSONFragment: delta.PartialJSON}
				}
			}

		case "content_block_stop":
			out <- agentloop.Delta{Type: agentloop.DeltaBlockEnd}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				stopReason = md.Delta.StopReason
			}

		case "message_stop":
			out <- agentloop.Delta{
				Type:       agentloop.DeltaMessageStop,
				StopReason: mapStopReason(stopReason),
				Usage:      usage,
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		slog.Default().Warn("anthropic stream ended with error", "error", wrapError(err))
		out <- agentloop.Delta{Type: agentloop.DeltaMessageStop, StopReason: agentloop.StopError}
	}
}

func mapStopReason(s anthropic.StopReason) agentloop.StopReason {
	switch s {
	case anthropic.StopReasonEndTurn:
		return agentloop.StopEndTurn
	case anthropic.StopReasonToolUse:
		return agentloop.StopToolUse
	case anthropic.StopReasonMaxTokens:
		return agentloop.StopMaxTokens
	case anthropic.StopReasonStopSequence:
		return agentloop.StopStopSequence
	default:
		return agentloop.StopEndTurn
	}
}

func convertMessages(messages []agentloop.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == agentloop.RoleSystem || msg.Hidden {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, b := range msg.Content {
			switch b.Type {
			case agentloop.BlockText:
				content = append(content, anthropic.NewTextBlock(b.Text))
			case agentloop.BlockToolUse:
				var input map[string]any
				if len(b.Input) > 0 {
					if err := json.Unmarshal(b.Input, &input); err != nil {
						return nil, fmt.Errorf("tool_use %s: invalid input: %w", b.ID, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case agentloop.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(b.ToolUseID, resultText(b), !b.Success))
			}
		}
		if len(content) == 0 {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if msg.Role == agentloop.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		result = append(result, anthropic.MessageParam{Role: role, Content: content})
	}
	return result, nil
}

func resultText(b agentloop.ContentBlock) string {
	if !b.Success && b.ErrorMsg != "" {
		return b.ErrorMsg
	}
	return b.Output
}

func convertTools(tools []agentloop.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for tool %s", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		result = append(result, param)
	}
	return result, nil
}

// wrapError classifies an Anthropic SDK error into an agentloop.ModelError.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		kind := agentloop.KindFatal
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			kind = agentloop.KindTransient
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			kind = agentloop.KindAuthExpired
		case apiErr.StatusCode == 400:
			kind = agentloop.KindValidation
		}
		return &agentloop.ModelError{Kind: kind, Provider: "anthropic", Message: apiErr.Error(), Cause: err}
	}
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return &agentloop.ModelError{Kind: agentloop.KindTransient, Provider: "anthropic", Message: err.Error(), Cause: err}
	}
	return &agentloop.ModelError{Kind: agentloop.KindFatal, Provider: "anthropic", Message: err.Error(), Cause: err}
}

var _ agentloop.ModelClient = (*Client)(nil)
