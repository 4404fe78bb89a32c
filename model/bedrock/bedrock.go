// Package bedrock adapts the AWS Bedrock Converse Stream API to the
// agentloop.ModelClient contract.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/cortexflow/agentloop"
)

// Client wraps bedrockruntime's ConverseStream API as an agentloop.ModelClient.
type Client struct {
	sdk   *bedrockruntime.Client
	model string
}

// Config holds the credentials/region needed to build a Client. Zero value
// AccessKeyID/SecretAccessKey means the default AWS credential chain (env,
// shared config, IAM role) is used.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// New builds a Client bound to model (a Bedrock model ID, e.g.
// "anthropic.claude-3-sonnet-20240229-v1:0").
func New(ctx context.Context, cfg Config, model string) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}

	return &Client{sdk: bedrockruntime.NewFromConfig(awsCfg), model: model}, nil
}

func (c *Client) ChatStream(ctx context.Context, req agentloop.ChatRequest) (<-chan agentloop.Delta, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, &agentloop.ModelError{Kind: agentloop.KindValidation, Provider: "bedrock", Message: err.Error(), Cause: err}
	}

	converseReq := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(c.model),
		Messages: messages,
	}
	if req.System != "" {
		converseReq.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.Sampling.MaxTokens > 0 {
		converseReq.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.Sampling.MaxTokens))}
	}
	if len(req.Tools) > 0 {
		toolConfig, err := convertTools(req.Tools)
		if err != nil {
			return nil, &agentloop.ModelError{Kind: agentloop.KindValidation, Provider: "bedrock", Message: err.Error(), Cause: err}
		}
		converseReq.ToolConfig = toolConfig
	}

	stream, err := c.sdk.ConverseStream(ctx, converseReq)
	if err != nil {
		return nil, wrapError(err)
	}

	out := make(chan agentloop.Delta)
	go processStream(ctx, stream, out)
	return out, nil
}

func processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, out chan<- agentloop.Delta) {
	defer close(out)
	eventStream := stream.GetStream()
	defer eventStream.Close()

	var usage agentloop.Usage
	var toolOpen bool

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventStream.Events():
			if !ok {
				stopReason := agentloop.StopEndTurn
				if err := eventStream.Err(); err != nil {
					stopReason = agentloop.StopError
				}
				out <- agentloop.Delta{Type: agentloop.DeltaMessageStop, StopReason: stopReason, Usage: usage}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					toolOpen = true
					out <- agentloop.Delta{
						Type:        agentloop.DeltaToolUseStart,
						ToolUseID:   aws.ToString(toolUse.Value.ToolUseId),
						ToolUseName: aws.ToString(toolUse.Value.Name),
					}
				} else {
					out <- agentloop.Delta{Type: agentloop.DeltaTextStart}
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						out <- agentloop.Delta{Type: agentloop.DeltaTextDelta, Text: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						out <- agentloop.Delta{Type: agentloop.DeltaToolUseInputDelta, JSONFragment: *delta.Value.Input}
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				out <- agentloop.Delta{Type: agentloop.DeltaBlockEnd}
				toolOpen = false

			case *types.ConverseStreamOutputMemberMessageStop:
				stopReason := mapStopReason(ev.Value.StopReason)
				if toolOpen {
					out <- agentloop.Delta{Type: agentloop.DeltaBlockEnd}
				}
				out <- agentloop.Delta{Type: agentloop.DeltaMessageStop, StopReason: stopReason, Usage: usage}
				return

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					usage.InputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
					usage.OutputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
				}
			}
		}
	}
}

func mapStopReason(s types.StopReason) agentloop.StopReason {
	switch s {
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return agentloop.StopEndTurn
	case types.StopReasonToolUse:
		return agentloop.StopToolUse
	case types.StopReasonMaxTokens:
		return agentloop.StopMaxTokens
	default:
		return agentloop.StopEndTurn
	}
}

func convertMessages(messages []agentloop.Message) ([]types.Message, error) {
	var result []types.Message
	for _, msg := range messages {
		if msg.Role == agentloop.RoleSystem || msg.Hidden {
			continue
		}

		var content []types.ContentBlock
		for _, b := range msg.Content {
			switch b.Type {
			case agentloop.BlockText:
				content = append(content, &types.ContentBlockMemberText{Value: b.Text})
			case agentloop.BlockToolUse:
				var input map[string]any
				if len(b.Input) > 0 {
					if err := json.Unmarshal(b.Input, &input); err != nil {
						return nil, fmt.Errorf("tool_use %s: invalid input: %w", b.ID, err)
					}
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(b.ID),
						Name:      aws.String(b.Name),
						Input:     document.NewLazyDocument(input),
					},
				})
			case agentloop.BlockToolResult:
				status := types.ToolResultStatusSuccess
				if !b.Success {
					status = types.ToolResultStatusError
				}
				content = append(content, &types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(b.ToolUseID),
						Status:    status,
						Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: resultText(b)}},
					},
				})
			}
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == agentloop.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result, nil
}

func resultText(b agentloop.ContentBlock) string {
	if !b.Success && b.ErrorMsg != "" {
		return b.ErrorMsg
	}
	return b.Output
}

func convertTools(defs []agentloop.ToolDefinition) (*types.ToolConfiguration, error) {
	var specs []types.Tool
	for _, d := range defs {
		var schema map[string]any
		if err := json.Unmarshal(d.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", d.Name, err)
		}
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(d.Name),
				Description: aws.String(d.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}, nil
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	kind := agentloop.KindFatal
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailableException", "ModelTimeoutException":
			kind = agentloop.KindTransient
		case "AccessDeniedException", "UnrecognizedClientException":
			kind = agentloop.KindAuthExpired
		case "ValidationException":
			kind = agentloop.KindValidation
		}
	} else if strings.Contains(err.Error(), "context deadline exceeded") {
		kind = agentloop.KindTransient
	}
	return &agentloop.ModelError{Kind: kind, Provider: "bedrock", Message: err.Error(), Cause: err}
}

var _ agentloop.ModelClient = (*Client)(nil)
