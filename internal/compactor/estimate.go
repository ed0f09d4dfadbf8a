package compactor

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/vinayprograms/unfold/internal/llm"
)

// CharsPerToken is the ratio used by the heuristic estimator.
const CharsPerToken = 4

// messageOverhead approximates the framing tokens of one message.
const messageOverhead = 4

// Estimator counts tokens.
type Estimator interface {
	// Count returns the number of tokens in text.
	Count(text string) int
}

// HeuristicEstimator estimates tokens from the byte length.
type HeuristicEstimator struct{}

// Count implements Estimator.
func (HeuristicEstimator) Count(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// TiktokenEstimator counts with a BPE encoding.
type TiktokenEstimator struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the named encoding, e.g. "cl100k_base".
func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s encoding: %w", encoding, err)
	}
	return &TiktokenEstimator{enc: enc}, nil
}

// Count implements Estimator.
func (t *TiktokenEstimator) Count(text string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// NewEstimator returns the counter for a config name. A tiktoken load failure
// falls back to the heuristic and returns the error for logging.
func NewEstimator(name string) (Estimator, error) {
	if name != "tiktoken" {
		return HeuristicEstimator{}, nil
	}
	t, err := NewTiktokenEstimator("")
	if err != nil {
		return HeuristicEstimator{}, err
	}
	return t, nil
}

// messageTokens estimates one message including its tool calls.
func messageTokens(c Estimator, m llm.Message) int {
	n := messageOverhead + c.Count(m.Content)
	for _, tc := range m.ToolCalls {
		n += c.Count(tc.Name)
		if data, err := json.Marshal(tc.Args); err == nil {
			n += c.Count(string(data))
		}
	}
	return n
}

func messagesTokens(c Estimator, msgs []llm.Message) int {
	n := 0
	for _, m := range msgs {
		n += messageTokens(c, m)
	}
	return n
}
