package llm

import (
	"context"
	"encoding/json"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/skald-rpg/engine/internal/domain"
)

// OpenAIInvoker talks to an OpenAI-compatible chat completion endpoint.
// It is the only production Invoker; everything else in the engine is
// deterministic.
type OpenAIInvoker struct {
	client   *openai.Client
	registry *Registry
}

// NewOpenAIInvoker builds an invoker for the given API key. baseURL may
// be empty to use the default endpoint, or point at any compatible
// server (local inference included).
func NewOpenAIInvoker(apiKey, baseURL string, registry *Registry) *OpenAIInvoker {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIInvoker{
		client:   openai.NewClientWithConfig(cfg),
		registry: registry,
	}
}

func (o *OpenAIInvoker) Invoke(ctx context.Context, req Request) (Result, error) {
	profile, err := o.registry.Require(req.Role)
	if err != nil {
		return Result{}, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       profile.Model,
		Messages:    buildMessages(req),
		Temperature: profile.Temperature,
		MaxTokens:   profile.MaxTokens,
		Tools:       convertTools(req.Tools),
	}

	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return Result{}, domain.WrapEngineError(domain.ErrInvokeFailed.Code,
			"chat completion failed for role "+string(req.Role), err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, domain.NewEngineError(domain.ErrInvokeFailed.Code,
			"chat completion returned no choices")
	}

	msg := resp.Choices[0].Message
	result := Result{Text: msg.Content, DecisionJSON: msg.Content}
	for _, tc := range msg.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:       tc.ID,
			Name:     tc.Function.Name,
			ArgsJSON: tc.Function.Arguments,
		})
	}
	return result, nil
}

// buildMessages flattens a request into a chat transcript. Each completed
// tool round contributes the assistant message that requested the calls
// followed by one tool message per result, in order; a tool message must
// answer a preceding assistant tool_calls message.
func buildMessages(req Request) []openai.ChatCompletionMessage {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: req.System},
		{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
	}
	for _, ex := range req.Exchanges {
		calls := make([]openai.ToolCall, 0, len(ex.Calls))
		for _, tc := range ex.Calls {
			calls = append(calls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.ArgsJSON,
				},
			})
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			ToolCalls: calls,
		})
		for _, tr := range ex.Results {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: tr.CallID,
				Name:       tr.Name,
				Content:    tr.Content,
			})
		}
	}
	return messages
}

func convertTools(tools []Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		props := make(map[string]any, len(t.Params))
		required := make([]string, 0, len(t.Params))
		for name, desc := range t.Params {
			props[name] = map[string]any{"type": "string", "description": desc}
			required = append(required, name)
		}
		sort.Strings(required)
		schema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		params, _ := json.Marshal(schema)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return out
}
