// Package report renders the outcome of a session as markdown, JSON, HTML
// or styled terminal text.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vinayprograms/unfold/internal/failure"
	"github.com/vinayprograms/unfold/internal/knowledge"
	"github.com/vinayprograms/unfold/internal/llm"
	"github.com/vinayprograms/unfold/internal/session"
)

// Format is an output format.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatHTML     Format = "html"
	FormatText     Format = "text"
)

// Formats lists the supported formats.
var Formats = []Format{FormatMarkdown, FormatJSON, FormatHTML, FormatText}

// ParseFormat accepts a format name or a common alias.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "markdown", "md":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	case "html", "htm":
		return FormatHTML, nil
	case "text", "txt", "terminal":
		return FormatText, nil
	}
	return "", failure.New(failure.Validation, "report", "unknown output format %q", s)
}

// Rename is one function renamed during the session.
type Rename struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Was     string `json:"was"`
}

// Report is the rendered outcome of a session.
type Report struct {
	SessionID  string         `json:"session_id"`
	Binary     string         `json:"binary"`
	Identity   string         `json:"identity"`
	Mode       string         `json:"mode"`
	Goal       string         `json:"goal,omitempty"`
	Question   string         `json:"question,omitempty"`
	State      session.State  `json:"state"`
	Incomplete bool           `json:"incomplete"`
	Cause      string         `json:"cause,omitempty"`
	CauseKind  failure.Kind   `json:"cause_kind,omitempty"`
	Body       string         `json:"body"`
	Renamed    []Rename       `json:"renamed,omitempty"`
	Facts      map[string]int `json:"facts"`
	Usage      llm.Usage      `json:"usage"`
	Turns      int            `json:"turns"`
	ToolCalls  int            `json:"tool_calls"`
	Duration   time.Duration  `json:"duration_ns"`
	Generated  time.Time      `json:"generated_at"`
}

// FromSession builds a report from a finished session.
func FromSession(sess *session.Session) *Report {
	r := &Report{
		SessionID:  sess.ID,
		Binary:     sess.BinaryPath,
		Identity:   sess.Identity,
		Mode:       string(sess.Mode),
		Goal:       sess.Goal,
		State:      sess.State,
		Incomplete: sess.Incomplete,
		Cause:      sess.Cause,
		CauseKind:  sess.CauseKind,
		Body:       sess.Report,
		Facts:      make(map[string]int),
		Usage:      sess.Usage,
		Turns:      len(sess.Turns),
		ToolCalls:  sess.ToolCalls(),
		Duration:   sess.Duration(),
		Generated:  time.Now().UTC(),
	}
	if q := sess.Question(); q != sess.Goal {
		r.Question = q
	}
	for _, f := range sess.Facts {
		r.Facts[string(f.Kind)]++
		if f.Kind == knowledge.KindFunction && f.Renamed {
			r.Renamed = append(r.Renamed, Rename{Address: f.Address, Name: f.Name, Was: f.OriginalName})
		}
	}
	sort.Slice(r.Renamed, func(i, j int) bool { return r.Renamed[i].Address < r.Renamed[j].Address })
	return r
}

// Options tune rendering.
type Options struct {
	// Style is the glamour style for FormatText: auto, dark, light, notty,
	// ascii, a style file path, or "plain" for unstyled wrapped text.
	Style string
	// Width wraps text output. Zero means 100.
	Width int
}

// Render renders r in format.
func Render(r *Report, format Format, opts Options) ([]byte, error) {
	switch format {
	case FormatMarkdown, "":
		return []byte(r.Markdown()), nil
	case FormatJSON:
		return r.JSON()
	case FormatHTML:
		out, err := r.HTML()
		return []byte(out), err
	case FormatText:
		out, err := r.Text(opts)
		return []byte(out), err
	}
	return nil, failure.New(failure.Validation, "report", "unknown output format %q", format)
}

// Write renders r to w.
func Write(w io.Writer, r *Report, format Format, opts Options) error {
	data, err := Render(r, format, opts)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// WriteFile renders r to path, creating parent directories.
func WriteFile(path string, r *Report, format Format, opts Options) error {
	data, err := Render(r, format, opts)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// JSON renders the report as indented JSON.
func (r *Report) JSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return buf.Bytes(), nil
}
