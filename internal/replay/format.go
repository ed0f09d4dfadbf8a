package replay

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vinayprograms/unfold/internal/session"
)

// formatEvent prints one timeline line, plus detail lines at higher verbosity.
func (r *Replayer) formatEvent(event *session.Event) {
	seq := dimStyle.Render(fmt.Sprintf("%5d", event.SeqID))
	turn := turnStyle.Render(fmt.Sprintf("t%d", event.Turn))
	ts := dimStyle.Render(event.Timestamp.Format("15:04:05"))
	prefix := fmt.Sprintf("%s │ %s │ %s │ ", seq, ts, turn)

	switch event.Type {
	case session.EventStart:
		fmt.Fprintf(r.output, "%s%s\n", prefix, flowStyle.Render("SESSION START"))
		if event.Content != "" {
			r.printContent("goal: " + event.Content)
		}

	case session.EventEnd:
		fmt.Fprintf(r.output, "%s%s %s\n", prefix, flowStyle.Render("SESSION END"),
			stateStyle(session.State(event.Content)).Render(event.Content))

	case session.EventFollowUp:
		fmt.Fprintf(r.output, "%s%s %s\n", prefix, questionStyle.Render("FOLLOW-UP:"),
			valueStyle.Render(truncateHint(event.Content, 80)))

	case session.EventAssistant:
		fmt.Fprintf(r.output, "%s%s\n", prefix, flowStyle.Render("ASSISTANT"))
		if r.verbosity >= 1 && event.Content != "" {
			r.printContent(event.Content)
		}

	case session.EventToolCall:
		fmt.Fprintf(r.output, "%s%s %s%s\n", prefix, toolStyle.Render("TOOL CALL:"),
			valueStyle.Render(event.Tool), argsHint(event.Args))
		if r.verbosity >= 1 && len(event.Args) > 0 {
			r.printArgs(event.Args)
		}

	case session.EventAudit:
		fmt.Fprintf(r.output, "%s%s %s\n", prefix, auditStyle.Render("AUDIT:"), valueStyle.Render(event.Tool))
		r.printArgs(event.Args)

	case session.EventToolResult:
		timing := dimStyle.Render(fmt.Sprintf("(%dms)", event.DurationMs))
		switch {
		case event.Error != "":
			fmt.Fprintf(r.output, "%s%s %s %s\n", prefix, toolStyle.Render("TOOL RESULT:"),
				errorStyle.Render(event.Tool+" FAILED"), timing)
			r.printError(event.Error)
		case event.Cached:
			fmt.Fprintf(r.output, "%s%s %s %s\n", prefix, toolStyle.Render("TOOL RESULT:"),
				valueStyle.Render(event.Tool), cachedStyle.Render("(cached)"))
		default:
			fmt.Fprintf(r.output, "%s%s %s %s\n", prefix, toolStyle.Render("TOOL RESULT:"),
				valueStyle.Render(event.Tool), timing)
		}
		if r.verbosity >= 2 && event.Content != "" {
			r.printContent(event.Content)
		}

	case session.EventRetry:
		fmt.Fprintf(r.output, "%s%s %s\n", prefix, warnStyle.Render("RETRY"), dimStyle.Render(event.Content))
		if event.Error != "" {
			r.printError(event.Error)
		}

	default:
		fmt.Fprintf(r.output, "%s%s\n", prefix, dimStyle.Render(strings.ToUpper(event.Type)))
	}
}

const indent = "      │          │      │   "

func (r *Replayer) printContent(content string) {
	content = truncateContent(content, r.maxContentSize)
	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(r.output, "%s%s\n", indent, line)
	}
}

func (r *Replayer) printArgs(args map[string]interface{}) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(r.output, "%s%s %v\n", indent, labelStyle.Render(k+":"), args[k])
	}
}

func (r *Replayer) printError(err string) {
	fmt.Fprintf(r.output, "%s%s\n", indent, errorStyle.Render(err))
}

// argsHint shows the argument that identifies what a call is about.
func argsHint(args map[string]interface{}) string {
	for _, key := range []string{"function", "target", "address", "query", "note"} {
		if v, ok := args[key]; ok {
			return dimStyle.Render(" " + truncateHint(fmt.Sprint(v), 40))
		}
	}
	return ""
}

func truncateHint(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func truncateContent(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("\n... (%d bytes truncated)", len(s)-maxLen)
}
