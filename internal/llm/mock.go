package llm

import (
	"context"
	"sync"
)

// MockProvider is a scripted Provider for tests and offline runs.
//
// Resolution order per call: ChatFunc, then the next queued response, then the
// fixed response or error set with SetResponse/SetError.
type MockProvider struct {
	// ChatFunc, when set, handles every call.
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	mu       sync.Mutex
	response *ChatResponse
	err      error
	queue    []scripted
	requests []ChatRequest
}

type scripted struct {
	resp *ChatResponse
	err  error
}

// NewMockProvider creates a mock that answers "" until configured.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// SetResponse makes every unscripted call return a final text answer.
func (m *MockProvider) SetResponse(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = &ChatResponse{Content: content, StopReason: StopEndOfTurn, Model: "mock"}
	m.err = nil
}

// SetError makes every unscripted call fail with err.
func (m *MockProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Queue appends responses consumed one per call, in order.
func (m *MockProvider) Queue(responses ...*ChatResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range responses {
		m.queue = append(m.queue, scripted{resp: r})
	}
}

// QueueError appends a failing call to the script.
func (m *MockProvider) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, scripted{err: err})
}

// Chat implements Provider.
func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	fn := m.ChatFunc
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		if next.err != nil {
			return nil, next.err
		}
		return finishMock(next.resp), nil
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.response != nil {
		return finishMock(m.response), nil
	}
	return &ChatResponse{StopReason: StopEndOfTurn, Model: "mock"}, nil
}

// finishMock copies r and fills the stop reason when a test left it blank.
func finishMock(r *ChatResponse) *ChatResponse {
	out := *r
	if out.StopReason == "" {
		out.StopReason = NormalizeStopReason("", len(out.ToolCalls) > 0)
	}
	if out.Model == "" {
		out.Model = "mock"
	}
	return &out
}

// LastRequest returns the most recent request, or an empty one.
func (m *MockProvider) LastRequest() ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return ChatRequest{}
	}
	return m.requests[len(m.requests)-1]
}

// Calls returns how many times Chat was invoked.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request received.
func (m *MockProvider) Requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatRequest, len(m.requests))
	copy(out, m.requests)
	return out
}
