package report

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vinayprograms/unfold/internal/session"
)

// Markdown renders the report as a markdown document.
func (r *Report) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s: %s\n\n", titleFor(r.Mode), filepath.Base(r.Binary))
	if r.Incomplete {
		b.WriteString("> **Incomplete.** This report was synthesized from recorded facts; the investigation did not reach an answer.\n\n")
	}

	b.WriteString("| | |\n|---|---|\n")
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "| %s | %s |\n", k, escapeCell(v))
		}
	}
	row("Session", "`"+r.SessionID+"`")
	row("Binary", "`"+r.Binary+"`")
	row("SHA-256", "`"+r.Identity+"`")
	row("Mode", r.Mode)
	row("Goal", r.Goal)
	row("Question", r.Question)
	row("State", stateLabel(r.State))
	if r.Cause != "" {
		row("Cause", fmt.Sprintf("%s: %s", r.CauseKind, r.Cause))
	}
	row("Turns", fmt.Sprintf("%d (%d tool calls)", r.Turns, r.ToolCalls))
	row("Duration", r.Duration.Round(time.Millisecond).String())
	b.WriteString("\n")

	body := strings.TrimSpace(r.Body)
	if body == "" {
		body = "_No report was produced._"
	}
	b.WriteString("## Findings\n\n")
	b.WriteString(body)
	b.WriteString("\n\n")

	if len(r.Renamed) > 0 {
		b.WriteString("## Renamed functions\n\n| Address | Name | Was |\n|---|---|---|\n")
		for _, rn := range r.Renamed {
			fmt.Fprintf(&b, "| `%s` | `%s` | `%s` |\n", rn.Address, rn.Name, rn.Was)
		}
		b.WriteString("\n")
	}

	if len(r.Facts) > 0 {
		kinds := make([]string, 0, len(r.Facts))
		for k := range r.Facts {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		b.WriteString("## Knowledge\n\n")
		for _, k := range kinds {
			fmt.Fprintf(&b, "- %s: %d\n", k, r.Facts[k])
		}
		b.WriteString("\n")
	}

	b.WriteString("## Usage\n\n")
	fmt.Fprintf(&b, "- Model: %s\n", orDash(r.Usage.Model))
	fmt.Fprintf(&b, "- API calls: %d\n", r.Usage.APICalls)
	fmt.Fprintf(&b, "- Tokens: %d in / %d out\n", r.Usage.InputTokens, r.Usage.OutputTokens)
	if r.Usage.EstimatedCost > 0 {
		fmt.Fprintf(&b, "- Estimated cost: $%.4f\n", r.Usage.EstimatedCost)
	}
	return b.String()
}

func titleFor(mode string) string {
	switch session.Mode(mode) {
	case session.ModeCTF:
		return "CTF analysis"
	case session.ModeVuln:
		return "Vulnerability report"
	case session.ModeAnnotate:
		return "Annotation report"
	case session.ModeExplain:
		return "Binary documentation"
	default:
		return "Analysis"
	}
}

func stateLabel(s session.State) string {
	switch s {
	case session.StateAnswered:
		return "answered"
	case session.StateExhausted:
		return "exhausted (turn budget used up)"
	case session.StateAborted:
		return "aborted"
	}
	return string(s)
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
