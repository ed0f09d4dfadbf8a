package replay

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/vinayprograms/unfold/internal/session"
)

// Replayer formats session events for after-the-fact review.
type Replayer struct {
	output         io.Writer
	verbosity      int // 0=normal, 1=verbose (-v), 2=very verbose (-vv)
	maxContentSize int // Maximum size for Content fields (0 = unlimited)
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithMaxContentSize limits printed content to keep large sessions readable.
func WithMaxContentSize(size int) Option {
	return func(r *Replayer) {
		r.maxContentSize = size
	}
}

// New creates a Replayer writing to output.
func New(output io.Writer, verbosity int, opts ...Option) *Replayer {
	r := &Replayer{
		output:         output,
		verbosity:      verbosity,
		maxContentSize: 50 * 1024,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Replay writes the header, timeline and summary of sess.
func (r *Replayer) Replay(sess *session.Session) error {
	r.printHeader(sess)
	r.printTimeline(sess)
	r.printSummary(sess)
	return nil
}

// Render returns the replay as a string.
func (r *Replayer) Render(sess *session.Session) string {
	var buf strings.Builder
	out := r.output
	r.output = &buf
	r.Replay(sess)
	r.output = out
	return buf.String()
}

func (r *Replayer) printHeader(sess *session.Session) {
	fmt.Fprintln(r.output)
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("SESSION"), valueStyle.Render(sess.ID))
	fmt.Fprintln(r.output, divider)
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Binary:  "), valueStyle.Render(filepath.Base(sess.BinaryPath)))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Identity:"), dimStyle.Render(sess.Identity))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Mode:    "), valueStyle.Render(string(sess.Mode)))
	if sess.Goal != "" {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Goal:    "), valueStyle.Render(sess.Goal))
	}
	if sess.Model != "" {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Model:   "), valueStyle.Render(sess.Model))
	}
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("State:   "), stateStyle(sess.State).Render(string(sess.State)))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Created: "), valueStyle.Render(sess.CreatedAt.Format(time.RFC3339)))
	fmt.Fprintln(r.output)
}

func (r *Replayer) printTimeline(sess *session.Session) {
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("TIMELINE"), dimStyle.Render(fmt.Sprintf("(%d events)", len(sess.Events))))
	fmt.Fprintln(r.output, divider)
	for i := range sess.Events {
		r.formatEvent(&sess.Events[i])
	}
}

func (r *Replayer) printSummary(sess *session.Session) {
	fmt.Fprintln(r.output)
	fmt.Fprintln(r.output, divider)

	switch sess.State {
	case session.StateAnswered:
		fmt.Fprintln(r.output, successStyle.Render("ANSWERED"))
	case session.StateExhausted:
		fmt.Fprintf(r.output, "%s %s\n", warnStyle.Render("EXHAUSTED:"),
			valueStyle.Render(fmt.Sprintf("turn budget of %d used up", sess.Budget)))
	case session.StateAborted:
		fmt.Fprintf(r.output, "%s %s\n", errorStyle.Render("ABORTED:"),
			valueStyle.Render(fmt.Sprintf("%s: %s", sess.CauseKind, sess.Cause)))
	default:
		fmt.Fprintln(r.output, warnStyle.Render("RUNNING"))
	}

	PrintStats(r.output, ComputeStats(sess))
	if r.verbosity >= 1 && sess.Report != "" {
		fmt.Fprintln(r.output)
		fmt.Fprintln(r.output, titleStyle.Render("REPORT"))
		r.printContent(sess.Report)
	}
}

func stateStyle(state session.State) lipgloss.Style {
	switch state {
	case session.StateAnswered:
		return successStyle
	case session.StateAborted:
		return errorStyle
	case session.StateExhausted:
		return warnStyle
	default:
		return dimStyle
	}
}
