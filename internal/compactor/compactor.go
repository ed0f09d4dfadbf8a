// Package compactor bounds the context fed back to the reasoning backend.
//
// Under budget the transcript passes through unchanged. Over budget the
// oldest turns are replaced by one segment rendered from knowledge facts and
// the most recent turns are kept verbatim. When even that does not fit the
// segment degrades step by step until the output is within budget:
//
//	summary   grouped fact summary
//	lines     one line per fact
//	truncated as many fact lines as fit, plus an omitted count
//	clipped   kept turns dropped oldest first with the ladder above retried
//	          each time; only when no fact line fits are facts reduced to a
//	          count and the opening and system text cut
package compactor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vinayprograms/unfold/internal/knowledge"
	"github.com/vinayprograms/unfold/internal/llm"
)

const (
	// DefaultBudget is the token budget when none is configured.
	DefaultBudget = 60000
	// DefaultKeepRecent is the number of trailing turns kept verbatim.
	DefaultKeepRecent = 3
	// MinBudget is the smallest budget a Compactor accepts.
	MinBudget = 64

	clipSuffix = "\n... (truncated)"
)

// Level reports how far the context had to degrade.
type Level int

const (
	LevelVerbatim Level = iota
	LevelSummary
	LevelLines
	LevelTruncated
	LevelClipped
)

func (l Level) String() string {
	switch l {
	case LevelVerbatim:
		return "verbatim"
	case LevelSummary:
		return "summary"
	case LevelLines:
		return "lines"
	case LevelTruncated:
		return "truncated"
	case LevelClipped:
		return "clipped"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Turn is one completed turn as backend messages.
type Turn struct {
	Index     int
	Messages  []llm.Message
	ToolCalls int
}

// View is everything the compactor may feed back.
type View struct {
	System  string
	Opening string
	Turns   []Turn
	Facts   []knowledge.Fact
}

// Context is the compacted message list.
type Context struct {
	Messages    []llm.Message
	Elided      int
	ElidedCalls int
	Tokens      int
	Level       Level
}

// Compactor builds bounded contexts.
type Compactor struct {
	Budget     int
	KeepRecent int
	Estimator  Estimator
}

// New returns a Compactor. Zero values take the defaults.
func New(budget, keepRecent int, est Estimator) *Compactor {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if budget < MinBudget {
		budget = MinBudget
	}
	if keepRecent < 0 {
		keepRecent = DefaultKeepRecent
	}
	if est == nil {
		est = HeuristicEstimator{}
	}
	return &Compactor{Budget: budget, KeepRecent: keepRecent, Estimator: est}
}

// Estimate returns the estimated token cost of msgs.
func (c *Compactor) Estimate(msgs []llm.Message) int {
	return messagesTokens(c.estimator(), msgs)
}

func (c *Compactor) estimator() Estimator {
	if c.Estimator == nil {
		return HeuristicEstimator{}
	}
	return c.Estimator
}

// Build compacts v. The result depends only on v and the compactor settings.
func (c *Compactor) Build(v View) Context {
	est := c.estimator()
	budget := c.Budget
	if budget < MinBudget {
		budget = MinBudget
	}

	full := assemble(v.System, v.Opening, v.Turns)
	if n := messagesTokens(est, full); n <= budget {
		return Context{Messages: full, Tokens: n, Level: LevelVerbatim}
	}

	keep := c.KeepRecent
	if keep > len(v.Turns) {
		keep = len(v.Turns)
	}
	split := len(v.Turns) - keep

	// Kept turns are dropped oldest first only when no rendering of the
	// facts fits beside them.
	for drop := 0; drop <= keep; drop++ {
		if ctx, ok := c.withFacts(v, split+drop, budget); ok {
			if drop > 0 {
				ctx.Level = LevelClipped
			}
			return ctx
		}
	}
	return c.clip(v, v.Turns[:split], v.Turns[split:], budget)
}

// withFacts elides v.Turns[:split] behind a fact segment, trying the full
// summary, then one line per fact, then the longest prefix of at least one
// fact line that fits.
func (c *Compactor) withFacts(v View, split, budget int) (Context, bool) {
	elided, kept := v.Turns[:split], v.Turns[split:]
	if len(elided) == 0 {
		return Context{}, false
	}
	est := c.estimator()
	try := func(segment string, level Level) (Context, bool) {
		msgs := assemble(v.System, joinOpening(v.Opening, segment), kept)
		n := messagesTokens(est, msgs)
		if n > budget {
			return Context{}, false
		}
		return Context{Messages: msgs, Elided: len(elided), ElidedCalls: countCalls(elided), Tokens: n, Level: level}, true
	}

	head := header(elided)
	if ctx, ok := try(head+knowledge.Summarize(v.Facts), LevelSummary); ok {
		return ctx, true
	}
	lines := knowledge.Lines(v.Facts)
	if ctx, ok := try(head+strings.Join(lines, "\n"), LevelLines); ok {
		return ctx, true
	}
	k := sort.Search(len(lines)+1, func(k int) bool {
		_, ok := try(truncatedSegment(head, lines, k), LevelTruncated)
		return !ok
	}) - 1
	if k < 1 {
		return Context{}, false
	}
	return try(truncatedSegment(head, lines, k), LevelTruncated)
}

// clip is the last resort when not even one fact line fits: the facts are
// reduced to a count, kept turns are dropped oldest first, then the opening
// and finally the system text are cut until the context fits.
func (c *Compactor) clip(v View, elided, kept []Turn, budget int) Context {
	est := c.estimator()
	factCount := len(v.Facts)

	for {
		segment := ""
		if len(elided) > 0 {
			segment = header(elided) + omitted(factCount)
		}
		opening := joinOpening(v.Opening, segment)
		msgs := assemble(v.System, opening, kept)
		if n := messagesTokens(est, msgs); n <= budget {
			return Context{Messages: msgs, Elided: len(elided), ElidedCalls: countCalls(elided), Tokens: n, Level: LevelClipped}
		}
		if len(kept) == 0 {
			break
		}
		elided = append(elided[:len(elided):len(elided)], kept[0])
		kept = kept[1:]
	}

	segment := ""
	if len(elided) > 0 {
		segment = header(elided) + omitted(factCount)
	}
	system := v.System
	sysCost := messageTokens(est, llm.Message{Role: "system", Content: system})
	room := budget - sysCost - messageOverhead
	if room < 0 {
		room = 0
	}
	opening := fitText(est, joinOpening(v.Opening, segment), room)
	if room == 0 {
		system = fitText(est, system, budget-2*messageOverhead)
	}

	msgs := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: opening},
	}
	return Context{
		Messages:    msgs,
		Elided:      len(elided),
		ElidedCalls: countCalls(elided),
		Tokens:      messagesTokens(est, msgs),
		Level:       LevelClipped,
	}
}

func assemble(system, opening string, turns []Turn) []llm.Message {
	msgs := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: opening},
	}
	for _, t := range turns {
		msgs = append(msgs, t.Messages...)
	}
	return msgs
}

func joinOpening(opening, segment string) string {
	if segment == "" {
		return opening
	}
	if opening == "" {
		return segment
	}
	return opening + "\n\n" + segment
}

func header(elided []Turn) string {
	first, last := elided[0].Index, elided[len(elided)-1].Index
	return fmt.Sprintf("[Turns %d-%d elided: %d turns, %d tool calls. Knowledge recorded so far:]\n",
		first+1, last+1, len(elided), countCalls(elided))
}

func omitted(n int) string {
	if n == 0 {
		return "No facts recorded yet."
	}
	return fmt.Sprintf("%d facts omitted (use search_knowledge)", n)
}

func truncatedSegment(head string, lines []string, k int) string {
	var b strings.Builder
	b.WriteString(head)
	for _, l := range lines[:k] {
		b.WriteString(l)
		b.WriteString("\n")
	}
	if rest := len(lines) - k; rest > 0 {
		fmt.Fprintf(&b, "... %d more facts omitted (use search_knowledge)", rest)
	}
	return strings.TrimRight(b.String(), "\n")
}

func countCalls(turns []Turn) int {
	n := 0
	for _, t := range turns {
		n += t.ToolCalls
	}
	return n
}

// fitText returns the longest prefix of text, marked as truncated, whose
// estimate is at most max tokens.
func fitText(est Estimator, text string, max int) string {
	if max <= 0 {
		return ""
	}
	if est.Count(text) <= max {
		return text
	}
	if est.Count(clipSuffix) > max {
		return ""
	}
	runes := []rune(text)
	n := sort.Search(len(runes)+1, func(i int) bool {
		return est.Count(string(runes[:i])+clipSuffix) > max
	}) - 1
	if n < 0 {
		return ""
	}
	return string(runes[:n]) + clipSuffix
}
