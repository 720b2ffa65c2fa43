// ABOUTME: OpenAI chat-completions implementation of the Model interface.
// ABOUTME: Adapts conversation turns and skills to the SDK's message and tool params.

package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/2389/agenthub/internal/envelope"
)

// OpenAIOptions configure the OpenAI adapter.
type OpenAIOptions struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
}

// OpenAIModel wraps the OpenAI Chat Completions API (function/tool calling).
type OpenAIModel struct {
	client *openai.Client
	opts   OpenAIOptions
}

// NewOpenAIModel creates an adapter with the official client.
func NewOpenAIModel(optFns ...func(o *OpenAIOptions)) *OpenAIModel {
	opts := OpenAIOptions{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)
	return &OpenAIModel{client: &client, opts: opts}
}

// NewOpenAIModelFromClient creates an adapter from an existing client.
func NewOpenAIModelFromClient(client *openai.Client, optFns ...func(o *OpenAIOptions)) *OpenAIModel {
	opts := OpenAIOptions{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &OpenAIModel{client: client, opts: opts}
}

// Complete implements Model.
func (m *OpenAIModel) Complete(ctx context.Context, turns []Turn, catalog []envelope.Skill) (*Completion, error) {
	params := openai.ChatCompletionNewParams{
		Messages:            buildOpenAIMessages(turns),
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	}
	if tools := buildOpenAITools(catalog); len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai api error: no choices returned")
	}

	msg := resp.Choices[0].Message
	completion := &Completion{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return completion, nil
}

// Info implements Model.
func (m *OpenAIModel) Info() Info {
	return Info{Name: m.opts.Model, Provider: "openai"}
}

// buildOpenAIMessages converts turns into SDK message params. Tool-result
// turns become tool messages keyed by their originating call id.
func buildOpenAIMessages(turns []Turn) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(turn.Content))
		case RoleUser:
			messages = append(messages, openai.UserMessage(turn.Content))
		case RoleAssistant:
			if len(turn.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(turn.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(turn.ToolCalls))
			for i, tc := range turn.ToolCalls {
				toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: toolCalls,
			}
			// Text interleaved with tool calls rides along so the model
			// sees its own reasoning on the next turn.
			if turn.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(turn.Content),
				}
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case RoleTool:
			messages = append(messages, openai.ToolMessage(turn.Content, turn.ToolCallID))
		default:
			if turn.Content != "" {
				messages = append(messages, openai.UserMessage(turn.Content))
			}
		}
	}
	return messages
}

// buildOpenAITools converts the registry catalog into function definitions.
func buildOpenAITools(catalog []envelope.Skill) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, len(catalog))
	for i, skill := range catalog {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        skill.Name,
				Description: openai.String(skill.Description),
				Parameters:  schemaToMap(skill.InputSchema),
			},
		}
	}
	return tools
}
