package report

import (
	"bytes"
	"fmt"
	"html/template"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const defaultWidth = 100

var pageTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; color: #222; }
code, pre { font-family: "SFMono-Regular", Menlo, monospace; background: #f4f4f4; }
pre { padding: 0.75rem; overflow-x: auto; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ddd; padding: 0.3rem 0.6rem; text-align: left; }
blockquote { border-left: 4px solid #d9822b; margin: 0; padding: 0.2rem 1rem; background: #fff6ec; }
</style>
</head>
<body class="state-{{.State}}">
{{.Body}}
</body>
</html>
`))

// HTML renders the report as a standalone HTML page.
func (r *Report) HTML() (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var body bytes.Buffer
	if err := md.Convert([]byte(r.Markdown()), &body); err != nil {
		return "", fmt.Errorf("failed to render html: %w", err)
	}

	var out bytes.Buffer
	err := pageTemplate.Execute(&out, struct {
		Title string
		State string
		Body  template.HTML
	}{
		Title: fmt.Sprintf("%s: %s", titleFor(r.Mode), filepath.Base(r.Binary)),
		State: string(r.State),
		Body:  template.HTML(body.String()),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render html: %w", err)
	}
	return out.String(), nil
}

var (
	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("0")).
			Padding(0, 1)

	answeredBanner   = bannerStyle.Background(lipgloss.Color("10"))
	incompleteBanner = bannerStyle.Background(lipgloss.Color("11"))
	abortedBanner    = bannerStyle.Background(lipgloss.Color("9"))
)

// Text renders the report for a terminal. A glamour style renders the
// markdown; "plain" wraps it without styling.
func (r *Report) Text(opts Options) (string, error) {
	width := opts.Width
	if width <= 0 {
		width = defaultWidth
	}
	md := r.Markdown()

	if opts.Style == "plain" {
		return r.banner() + "\n\n" + plain(md, width), nil
	}

	style := glamour.WithAutoStyle()
	if opts.Style != "" && opts.Style != "auto" {
		style = glamour.WithStylePath(opts.Style)
	}
	renderer, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width))
	if err != nil {
		return r.banner() + "\n\n" + plain(md, width), nil
	}
	out, err := renderer.Render(md)
	if err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}
	return r.banner() + "\n" + out, nil
}

func (r *Report) banner() string {
	label := strings.ToUpper(string(r.State))
	switch {
	case r.State == "aborted":
		return abortedBanner.Render(label)
	case r.Incomplete:
		return incompleteBanner.Render(label + " (INCOMPLETE)")
	default:
		return answeredBanner.Render(label)
	}
}

// plain wraps markdown to width, leaving code blocks untouched.
func plain(md string, width int) string {
	var b strings.Builder
	inCode := false
	for _, line := range strings.Split(md, "\n") {
		if strings.HasPrefix(line, "```") {
			inCode = !inCode
			continue
		}
		if inCode {
			b.WriteString(indent.String(line, 4))
		} else {
			b.WriteString(wordwrap.String(line, width))
		}
		b.WriteString("\n")
	}
	return b.String()
}
