package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/google"
	"charm.land/fantasy/providers/openai"
	"charm.land/fantasy/providers/openaicompat"
)

// Error message fragments used to classify provider failures. Providers
// wrap their HTTP errors differently, so matching is on lowercased text.
var (
	rateLimitMarkers = []string{"rate limit", "too many requests", "429", "overloaded", "capacity"}
	serverMarkers    = []string{"500", "502", "503", "504", "internal server error", "bad gateway",
		"service unavailable", "gateway timeout", "temporarily unavailable"}
	billingMarkers = []string{"billing", "payment", "credits", "quota exceeded", "insufficient", "402", "subscription"}
)

func errorMentions(err error, markers []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err looks like a rate limit or server-side hiccup.
func IsTransient(err error) bool {
	return errorMentions(err, rateLimitMarkers) || errorMentions(err, serverMarkers)
}

// IsPermanent reports whether retrying err cannot succeed (billing, quota).
func IsPermanent(err error) bool {
	return errorMentions(err, billingMarkers)
}

// FantasyAdapter wraps a fantasy.LanguageModel to implement Provider.
type FantasyAdapter struct {
	model        fantasy.LanguageModel
	maxTokens    int
	providerName string
}

// NewFantasyAdapter creates a new adapter wrapping a fantasy LanguageModel.
func NewFantasyAdapter(model fantasy.LanguageModel, maxTokens int, providerName string) *FantasyAdapter {
	return &FantasyAdapter{
		model:        model,
		maxTokens:    maxTokens,
		providerName: providerName,
	}
}

func toFantasyMessage(m Message) (fantasy.Message, bool) {
	switch m.Role {
	case "system":
		return fantasy.NewSystemMessage(m.Content), true
	case "user":
		return fantasy.NewUserMessage(m.Content), true
	case "assistant":
		var parts []fantasy.MessagePart
		if m.Content != "" {
			parts = append(parts, fantasy.TextPart{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			input, _ := json.Marshal(tc.Args)
			parts = append(parts, fantasy.ToolCallPart{ToolCallID: tc.ID, ToolName: tc.Name, Input: string(input)})
		}
		return fantasy.Message{Role: fantasy.MessageRoleAssistant, Content: parts}, true
	case "tool":
		part := fantasy.ToolResultPart{
			ToolCallID: m.ToolCallID,
			Output:     fantasy.ToolResultOutputContentText{Text: m.Content},
		}
		return fantasy.Message{Role: fantasy.MessageRoleTool, Content: []fantasy.MessagePart{part}}, true
	}
	return fantasy.Message{}, false
}

// Chat sends one request through fantasy's Generate. It does not retry; the
// executor owns the attempt ceiling.
func (a *FantasyAdapter) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	call := fantasy.Call{}
	for _, m := range req.Messages {
		if msg, ok := toFantasyMessage(m); ok {
			call.Prompt = append(call.Prompt, msg)
		}
	}
	for _, t := range req.Tools {
		call.Tools = append(call.Tools, fantasy.FunctionTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	limit := int64(a.maxTokens)
	if req.MaxTokens > 0 {
		limit = int64(req.MaxTokens)
	}
	call.MaxOutputTokens = &limit

	resp, err := a.model.Generate(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("%s generate failed: %w", a.providerName, err)
	}

	out := &ChatResponse{
		RawStop:      string(resp.FinishReason),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		Model:        a.model.Model(),
	}
	for _, content := range resp.Content {
		switch c := content.(type) {
		case *fantasy.TextContent:
			out.Content += c.Text
		case fantasy.TextContent:
			out.Content += c.Text
		case *fantasy.ToolCallContent:
			out.ToolCalls = append(out.ToolCalls, fantasyToolCall(c.ToolCallID, c.ToolName, c.Input))
		case fantasy.ToolCallContent:
			out.ToolCalls = append(out.ToolCalls, fantasyToolCall(c.ToolCallID, c.ToolName, c.Input))
		}
	}
	out.StopReason = NormalizeStopReason(out.RawStop, len(out.ToolCalls) > 0)
	return out, nil
}

func fantasyToolCall(id, name, input string) ToolCall {
	args, argsErr := parseToolArgs(input)
	return ToolCall{ID: id, Name: name, Args: args, ArgsError: argsErr}
}

var modelPrefixes = []struct {
	provider string
	prefixes []string
}{
	{"anthropic", []string{"claude"}},
	{"openai", []string{"gpt-", "o1", "o3", "o4", "chatgpt"}},
	{"google", []string{"gemini", "gemma"}},
	{"mistral", []string{"mistral", "mixtral", "codestral"}},
}

// InferProviderFromModel guesses the provider from a model ID, or returns "".
func InferProviderFromModel(model string) string {
	model = strings.ToLower(model)
	for _, p := range modelPrefixes {
		for _, prefix := range p.prefixes {
			if strings.HasPrefix(model, prefix) {
				return p.provider
			}
		}
	}
	return ""
}

// compatDefaults are the OpenAI-compatible endpoints of hosted providers
// without a native fantasy client.
var compatDefaults = map[string]string{
	"groq":    "https://api.groq.com/openai/v1",
	"mistral": "https://api.mistral.ai/v1",
}

func openAICompat(name, baseURL, apiKey string) (fantasy.Provider, error) {
	return openaicompat.New(
		openaicompat.WithBaseURL(baseURL),
		openaicompat.WithAPIKey(apiKey),
		openaicompat.WithName(name),
	)
}

// createFantasyProvider builds the fantasy client for a provider name. A
// base URL routes native providers through their OpenAI-compatible surface.
func createFantasyProvider(name, apiKey, baseURL string) (fantasy.Provider, error) {
	switch name {
	case "anthropic", "openai":
		if baseURL != "" {
			return openAICompat(name, baseURL, apiKey)
		}
		if name == "anthropic" {
			return anthropic.New(anthropic.WithAPIKey(apiKey))
		}
		return openai.New(openai.WithAPIKey(apiKey))
	case "google":
		return google.New(google.WithGeminiAPIKey(apiKey))
	case "groq", "mistral":
		if baseURL == "" {
			baseURL = compatDefaults[name]
		}
		return openAICompat(name, baseURL, apiKey)
	case "openai-compat", "openrouter", "litellm", "ollama", "lmstudio":
		if baseURL == "" {
			return nil, fmt.Errorf("base_url is required for provider %s", name)
		}
		return openAICompat(name, baseURL, apiKey)
	}
	return nil, fmt.Errorf("unsupported provider: %s", name)
}

// ProviderConfig selects and configures a reasoning backend.
type ProviderConfig struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
}

// NewProvider creates a provider from the configuration.
// If Provider is empty, it is inferred from the model name.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	if cfg.Provider == "" && cfg.Model != "" {
		cfg.Provider = InferProviderFromModel(cfg.Model)
		if cfg.Provider == "" {
			return nil, fmt.Errorf("cannot determine provider for model %q; set provider explicitly", cfg.Model)
		}
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 16384
	}

	if cfg.Provider == "proxy" {
		return NewOpenAIAdapter(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
	}

	fantasyProvider, err := createFantasyProvider(cfg.Provider, cfg.APIKey, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", cfg.Provider, err)
	}

	model, err := fantasyProvider.LanguageModel(ctx, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to get model %s: %w", cfg.Model, err)
	}

	return NewFantasyAdapter(model, cfg.MaxTokens, cfg.Provider), nil
}
