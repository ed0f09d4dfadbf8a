// Package llm provides the reasoning backend contract and its adapters.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// StopReason explains why the reasoning backend stopped generating.
type StopReason string

const (
	StopEndOfTurn     StopReason = "end_of_turn"
	StopToolRequested StopReason = "tool_requested"
	StopLengthLimited StopReason = "length_limited"
	StopError         StopReason = "error"
)

// Retryable reports whether the loop should retry a response with this stop reason.
func (s StopReason) Retryable() bool {
	return s == StopLengthLimited || s == StopError
}

// NormalizeStopReason maps provider-specific finish reasons onto StopReason.
func NormalizeStopReason(raw string, hasToolCalls bool) StopReason {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "tool-calls", "tool_calls", "tool_use", "function_call":
		return StopToolRequested
	case "length", "max_tokens", "max-tokens":
		return StopLengthLimited
	case "error", "content-filter", "content_filter", "refusal":
		return StopError
	case "stop", "end_turn", "end_of_turn", "stop_sequence", "":
		if hasToolCalls {
			return StopToolRequested
		}
		return StopEndOfTurn
	default:
		if hasToolCalls {
			return StopToolRequested
		}
		return StopEndOfTurn
	}
}

// Message is one entry of the conversation sent to the backend.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"` // tool name for tool messages
}

// ToolCall is a tool request emitted by the backend.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
	// ArgsError is set when the backend produced arguments that are not a JSON object.
	ArgsError string `json:"args_error,omitempty"`
}

// ToolDef is the backend-facing description of a tool.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ChatRequest is a single generate call.
type ChatRequest struct {
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// ChatResponse is the backend reply.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	StopReason   StopReason
	RawStop      string
	InputTokens  int
	OutputTokens int
	Model        string
}

// Provider is the reasoning backend.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// parseToolArgs decodes a JSON argument object.
func parseToolArgs(raw string) (map[string]interface{}, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]interface{}{}, ""
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, "arguments are not a JSON object: " + err.Error()
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, ""
}
