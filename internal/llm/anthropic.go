// ABOUTME: Anthropic Messages API implementation of the Model interface.
// ABOUTME: System turns become system blocks; tool results ride in user messages.

package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/2389/agenthub/internal/envelope"
)

// AnthropicOptions configure the Anthropic adapter.
type AnthropicOptions struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// AnthropicModel wraps the Anthropic Messages API (tool use).
type AnthropicModel struct {
	client *anthropic.Client
	opts   AnthropicOptions
}

// NewAnthropicModel creates an adapter with the official client.
func NewAnthropicModel(optFns ...func(o *AnthropicOptions)) *AnthropicModel {
	opts := AnthropicOptions{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &AnthropicModel{client: &client, opts: opts}
}

// Complete implements Model.
func (m *AnthropicModel) Complete(ctx context.Context, turns []Turn, catalog []envelope.Skill) (*Completion, error) {
	params := anthropic.MessageNewParams{
		Model:       m.opts.Model,
		Messages:    buildAnthropicMessages(turns),
		MaxTokens:   m.opts.MaxTokens,
		Temperature: anthropic.Float(m.opts.Temperature),
	}
	if system := extractSystemBlocks(turns); len(system) > 0 {
		params.System = system
	}
	if len(catalog) > 0 {
		params.Tools = buildAnthropicTools(catalog)
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	completion := &Completion{}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			completion.Text += block.AsText().Text
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := json.RawMessage(`{}`)
			if toolBlock.Input != nil {
				if data, err := json.Marshal(toolBlock.Input); err == nil {
					args = data
				}
			}
			completion.ToolCalls = append(completion.ToolCalls, ToolCall{
				ID:        toolBlock.ID,
				Name:      toolBlock.Name,
				Arguments: args,
			})
		}
	}
	return completion, nil
}

// Info implements Model.
func (m *AnthropicModel) Info() Info {
	return Info{Name: string(m.opts.Model), Provider: "anthropic"}
}

// buildAnthropicMessages converts turns to Messages API params. Consecutive
// tool-result turns are folded into one user message following the assistant
// message that requested them.
func buildAnthropicMessages(turns []Turn) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			messages = append(messages, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, turn := range turns {
		switch turn.Role {
		case RoleSystem:
			// Handled separately via params.System.
		case RoleUser:
			flushResults()
			if turn.Content != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
			}
		case RoleAssistant:
			flushResults()
			var content []anthropic.ContentBlockParamUnion
			if turn.Content != "" {
				content = append(content, anthropic.NewTextBlock(turn.Content))
			}
			for _, tc := range turn.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						input = string(tc.Arguments)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(content...))
			}
		case RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(turn.ToolCallID, turn.Content, false))
		}
	}
	flushResults()
	return messages
}

// extractSystemBlocks pulls system turns into Anthropic system blocks.
func extractSystemBlocks(turns []Turn) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	for _, turn := range turns {
		if turn.Role == RoleSystem && turn.Content != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: turn.Content})
		}
	}
	return blocks
}

// buildAnthropicTools converts the registry catalog into tool params.
func buildAnthropicTools(catalog []envelope.Skill) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, len(catalog))
	for i, skill := range catalog {
		schema := schemaToMap(skill.InputSchema)
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if properties, ok := schema["properties"]; ok {
			inputSchema.Properties = properties
		}
		if required, ok := schema["required"]; ok {
			switch req := required.(type) {
			case []string:
				inputSchema.Required = req
			case []any:
				for _, r := range req {
					if s, ok := r.(string); ok {
						inputSchema.Required = append(inputSchema.Required, s)
					}
				}
			}
		}
		tools[i] = anthropic.ToolUnionParamOfTool(inputSchema, skill.Name)
	}
	return tools
}
