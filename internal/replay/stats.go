package replay

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/vinayprograms/unfold/internal/session"
)

// Stats holds aggregate statistics for a session.
type Stats struct {
	Duration time.Duration
	Turns    int
	Elided   int // turns elided from the largest request

	ToolCalls   int
	ToolFailed  int
	ToolCached  int
	ToolTotalMs int64
	PerTool     map[string]int

	Retries   int
	FollowUps int
	Facts     int

	InputTokens  int
	OutputTokens int
	APICalls     int
	Cost         float64
}

// ComputeStats aggregates sess.
func ComputeStats(sess *session.Session) *Stats {
	stats := &Stats{
		Turns:        len(sess.Turns),
		Facts:        len(sess.Facts),
		FollowUps:    len(sess.FollowUps),
		PerTool:      make(map[string]int),
		InputTokens:  sess.Usage.InputTokens,
		OutputTokens: sess.Usage.OutputTokens,
		APICalls:     sess.Usage.APICalls,
		Cost:         sess.Usage.EstimatedCost,
	}

	var first, last time.Time
	for _, event := range sess.Events {
		if first.IsZero() || event.Timestamp.Before(first) {
			first = event.Timestamp
		}
		if last.IsZero() || event.Timestamp.After(last) {
			last = event.Timestamp
		}

		switch event.Type {
		case session.EventToolResult:
			stats.ToolCalls++
			stats.PerTool[event.Tool]++
			stats.ToolTotalMs += event.DurationMs
			if event.Error != "" {
				stats.ToolFailed++
			}
			if event.Cached {
				stats.ToolCached++
			}
		case session.EventRetry:
			stats.Retries++
		}
	}
	if !first.IsZero() {
		stats.Duration = last.Sub(first)
	}
	for _, t := range sess.Turns {
		if t.Request.Elided > stats.Elided {
			stats.Elided = t.Request.Elided
		}
	}
	return stats
}

// PrintStats writes a compact statistics block.
func PrintStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("STATISTICS"))
	row := func(label, value string) {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%-14s", label)), valueStyle.Render(value))
	}

	row("Duration:", stats.Duration.Round(time.Millisecond).String())
	row("Turns:", fmt.Sprintf("%d", stats.Turns))
	if stats.FollowUps > 0 {
		row("Follow-ups:", fmt.Sprintf("%d", stats.FollowUps))
	}
	row("Tool calls:", fmt.Sprintf("%d (%d cached, %d failed)", stats.ToolCalls, stats.ToolCached, stats.ToolFailed))
	if stats.Retries > 0 {
		row("Retries:", fmt.Sprintf("%d", stats.Retries))
	}
	if stats.Elided > 0 {
		row("Max elided:", fmt.Sprintf("%d turns", stats.Elided))
	}
	row("Facts:", fmt.Sprintf("%d", stats.Facts))

	if len(stats.PerTool) > 0 {
		names := make([]string, 0, len(stats.PerTool))
		for name := range stats.PerTool {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if stats.PerTool[names[i]] != stats.PerTool[names[j]] {
				return stats.PerTool[names[i]] > stats.PerTool[names[j]]
			}
			return names[i] < names[j]
		})
		for _, name := range names {
			fmt.Fprintf(w, "    %s %s\n", toolStyle.Render(fmt.Sprintf("%-22s", name)), dimStyle.Render(fmt.Sprintf("%d", stats.PerTool[name])))
		}
	}

	if stats.APICalls > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, titleStyle.Render("TOKEN USAGE"))
		row("API calls:", fmt.Sprintf("%d", stats.APICalls))
		row("Input:", fmt.Sprintf("%d", stats.InputTokens))
		row("Output:", fmt.Sprintf("%d", stats.OutputTokens))
		if stats.Cost > 0 {
			row("Est. cost:", fmt.Sprintf("$%.4f", stats.Cost))
		}
	}
}
