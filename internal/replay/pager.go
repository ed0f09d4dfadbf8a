package replay

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/unfold/internal/session"
)

var (
	pagerTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	pagerInfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))
)

// Page shows the replay of sess in a scrollable full-screen pager.
func (r *Replayer) Page(sess *session.Session) error {
	m := &pagerModel{
		title:   "Session " + sess.ID,
		content: r.Render(sess),
	}
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion()).Run()
	return err
}

// PageLive pages the session stored at path and re-renders it whenever the
// file changes, for following a session still being written.
func (r *Replayer) PageLive(path string, load func() (*session.Session, error)) error {
	render := func() (string, error) {
		sess, err := load()
		if err != nil {
			return "", err
		}
		return r.Render(sess), nil
	}
	content, err := render()
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	m := &pagerModel{
		title:   "Session (live)",
		content: content,
		render:  render,
		watcher: watcher,
	}
	_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion()).Run()
	return err
}

type fileChangedMsg struct{}

type pagerModel struct {
	viewport viewport.Model
	title    string
	content  string
	wrapped  string
	ready    bool

	render  func() (string, error)
	watcher *fsnotify.Watcher

	searching   bool
	searchInput textinput.Model
	query       string
	matches     []int
	matchIndex  int
}

func (m *pagerModel) Init() tea.Cmd {
	if m.watcher != nil {
		return m.watch()
	}
	return nil
}

func (m *pagerModel) watch() tea.Cmd {
	return func() tea.Msg {
		for {
			select {
			case ev, ok := <-m.watcher.Events:
				if !ok {
					return nil
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					time.Sleep(100 * time.Millisecond)
					return fileChangedMsg{}
				}
			case _, ok := <-m.watcher.Errors:
				if !ok {
					return nil
				}
			}
		}
	}
}

func (m *pagerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	if m.searching {
		if key, ok := msg.(tea.KeyMsg); ok {
			switch key.String() {
			case "enter":
				m.searching = false
				m.query = m.searchInput.Value()
				m.search()
				m.jump(0)
				return m, nil
			case "esc", "ctrl+c":
				m.searching = false
				return m, nil
			}
		}
		m.searchInput, cmd = m.searchInput.Update(msg)
		return m, cmd
	}

	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case fileChangedMsg:
		if content, err := m.render(); err == nil {
			offset := m.viewport.YOffset
			m.setContent(content)
			m.viewport.SetYOffset(offset)
		}
		cmds = append(cmds, m.watch())

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.query == "" {
				return m, tea.Quit
			}
			m.query, m.matches = "", nil
		case "g":
			m.viewport.GotoTop()
		case "G":
			m.viewport.GotoBottom()
		case "/":
			m.searching = true
			m.searchInput = textinput.New()
			m.searchInput.Placeholder = "Search..."
			m.searchInput.CharLimit = 100
			m.searchInput.Width = 40
			m.searchInput.Focus()
			return m, textinput.Blink
		case "n":
			if len(m.matches) > 0 {
				m.jump((m.matchIndex + 1) % len(m.matches))
			}
		case "N":
			if len(m.matches) > 0 {
				m.jump((m.matchIndex + len(m.matches) - 1) % len(m.matches))
			}
		}

	case tea.WindowSizeMsg:
		height := msg.Height - 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.viewport.YPosition = 1
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.setContent(m.content)
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *pagerModel) setContent(content string) {
	m.content = content
	m.wrapped = wrapContent(content, m.viewport.Width)
	m.viewport.SetContent(m.wrapped)
	if m.query != "" {
		m.search()
	}
}

func (m *pagerModel) search() {
	m.matches, m.matchIndex = nil, 0
	if m.query == "" {
		return
	}
	q := strings.ToLower(m.query)
	for i, line := range strings.Split(m.wrapped, "\n") {
		if strings.Contains(strings.ToLower(line), q) {
			m.matches = append(m.matches, i)
		}
	}
}

func (m *pagerModel) jump(i int) {
	if i < 0 || i >= len(m.matches) {
		return
	}
	m.matchIndex = i
	offset := m.matches[i] - m.viewport.Height/2
	if offset < 0 {
		offset = 0
	}
	m.viewport.SetYOffset(offset)
}

func (m *pagerModel) View() string {
	if !m.ready {
		return "\n  Loading..."
	}
	title := pagerTitleStyle.Render(m.title)
	header := title + pagerInfoStyle.Render(strings.Repeat("─", maxInt(0, m.viewport.Width-lipgloss.Width(title))))

	var footer string
	switch {
	case m.searching:
		footer = warnStyle.Render("/") + m.searchInput.View()
	case m.query != "" && len(m.matches) == 0:
		footer = errorStyle.Render(" Pattern not found") + pagerInfoStyle.Render(" │ /: search │ esc: clear")
	case len(m.matches) > 0:
		footer = warnStyle.Render(fmt.Sprintf(" [%d/%d]", m.matchIndex+1, len(m.matches))) +
			pagerInfoStyle.Render(" │ n/N: next/prev │ esc: clear")
	default:
		footer = pagerInfoStyle.Render(fmt.Sprintf(" q: quit │ /: search │ g/G: top/bottom │ %3.f%%", m.viewport.ScrollPercent()*100))
	}
	return header + "\n" + m.viewport.View() + "\n" + footer
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// wrapContent wraps lines to width. Timeline rows keep their column prefix
// and continuation lines are indented to the content column.
func wrapContent(content string, width int) string {
	if width <= 0 {
		return content
	}
	var out []string
	for _, line := range strings.Split(content, "\n") {
		if lipgloss.Width(line) <= width {
			out = append(out, line)
			continue
		}
		if last := strings.LastIndex(line, "│"); last > 0 && last < len(line)-len("│") {
			start := last + len("│")
			for start < len(line) && line[start] == ' ' {
				start++
			}
			prefixWidth := lipgloss.Width(line[:start])
			contentWidth := maxInt(20, width-prefixWidth)
			parts := strings.Split(wordwrap.String(line[start:], contentWidth), "\n")
			out = append(out, line[:start]+parts[0])
			pad := strings.Repeat(" ", prefixWidth)
			for _, p := range parts[1:] {
				out = append(out, pad+p)
			}
			continue
		}
		out = append(out, strings.Split(wordwrap.String(line, width), "\n")...)
	}
	return strings.Join(out, "\n")
}
