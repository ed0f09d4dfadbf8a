package llm

import (
	"fmt"
	"strings"
	"sync"
)

// Usage is a snapshot of accumulated token usage.
type Usage struct {
	Model         string  `json:"model,omitempty"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	TotalTokens   int     `json:"total_tokens"`
	APICalls      int     `json:"api_calls"`
	EstimatedCost float64 `json:"estimated_cost_usd,omitempty"`
}

// UsageTracker accumulates token usage across reasoning calls.
type UsageTracker struct {
	mu      sync.Mutex
	usage   Usage
	pricing Pricing
	priced  bool
}

// NewUsageTracker creates a tracker for model using the built-in price table.
func NewUsageTracker(model string) *UsageTracker {
	t := &UsageTracker{usage: Usage{Model: model}}
	t.pricing, t.priced = StaticPricing(model)
	return t
}

// SetPricing overrides the price used for cost estimates.
func (t *UsageTracker) SetPricing(p Pricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing = p
	t.priced = true
}

// Add records one reasoning call.
func (t *UsageTracker) Add(resp *ChatResponse) {
	if resp == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.InputTokens += resp.InputTokens
	t.usage.OutputTokens += resp.OutputTokens
	t.usage.APICalls++
}

// Restore seeds the tracker from a previously saved snapshot.
func (t *UsageTracker) Restore(u Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.InputTokens = u.InputTokens
	t.usage.OutputTokens = u.OutputTokens
	t.usage.APICalls = u.APICalls
}

// Snapshot returns the totals with the cost estimate filled in.
func (t *UsageTracker) Snapshot() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.usage
	u.TotalTokens = u.InputTokens + u.OutputTokens
	if t.priced {
		u.EstimatedCost = (float64(u.InputTokens)*t.pricing.InputPer1M +
			float64(u.OutputTokens)*t.pricing.OutputPer1M) / 1_000_000
	}
	return u
}

// Summary formats the usage for humans.
func (u Usage) Summary() string {
	lines := []string{
		fmt.Sprintf("API calls: %d", u.APICalls),
		fmt.Sprintf("Input tokens: %s", groupDigits(u.InputTokens)),
		fmt.Sprintf("Output tokens: %s", groupDigits(u.OutputTokens)),
		fmt.Sprintf("Total tokens: %s", groupDigits(u.InputTokens+u.OutputTokens)),
	}
	if u.EstimatedCost > 0 {
		lines = append(lines, fmt.Sprintf("Estimated cost: $%.4f", u.EstimatedCost))
	}
	return strings.Join(lines, "\n")
}

func groupDigits(n int) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
