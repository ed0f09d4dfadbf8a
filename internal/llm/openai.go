package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-compatible proxy adapter.
type OpenAIConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
}

// OpenAIAdapter talks to any OpenAI-compatible chat completions endpoint,
// typically a local CLI proxy.
type OpenAIAdapter struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIAdapter creates the proxy adapter. Empty BaseURL and APIKey fall
// back to CLIPROXY_BASE_URL and CLIPROXY_API_KEY.
func NewOpenAIAdapter(cfg OpenAIConfig) (*OpenAIAdapter, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("CLIPROXY_BASE_URL")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("CLIPROXY_API_KEY")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("proxy provider requires a base URL (set CLIPROXY_BASE_URL or llm.base_url)")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL

	return &OpenAIAdapter{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Chat implements Provider.
func (a *OpenAIAdapter) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case "system":
			msg.Role = openai.ChatMessageRoleSystem
		case "user":
			msg.Role = openai.ChatMessageRoleUser
		case "assistant":
			msg.Role = openai.ChatMessageRoleAssistant
			for _, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
		case "tool":
			msg.Role = openai.ChatMessageRoleTool
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.Name
		default:
			continue
		}
		messages = append(messages, msg)
	}

	var tools []openai.Tool
	for _, t := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     a.model,
		Messages:  messages,
		Tools:     tools,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("proxy chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return &ChatResponse{
			StopReason:   StopError,
			RawStop:      "no choices",
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			Model:        resp.Model,
		}, nil
	}

	choice := resp.Choices[0]
	result := &ChatResponse{
		Content:      choice.Message.Content,
		RawStop:      string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
	}
	if result.Model == "" {
		result.Model = a.model
	}
	for _, tc := range choice.Message.ToolCalls {
		args, argsErr := parseToolArgs(tc.Function.Arguments)
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Args:      args,
			ArgsError: argsErr,
		})
	}
	result.StopReason = NormalizeStopReason(result.RawStop, len(result.ToolCalls) > 0)

	return result, nil
}
