package main

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// followUpModel is the bubbletea model for one follow-up question.
type followUpModel struct {
	input    textinput.Model
	question string
	done     bool
}

func newFollowUpModel() followUpModel {
	ti := textinput.New()
	ti.Placeholder = "ask a follow-up question"
	ti.Prompt = "› "
	ti.PromptStyle = promptStyle
	ti.CharLimit = 2000
	ti.Width = 80
	ti.Focus()
	return followUpModel{input: ti}
}

func (m followUpModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m followUpModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD, tea.KeyEsc:
			m.done = true
			return m, tea.Quit
		case tea.KeyEnter:
			q := strings.TrimSpace(m.input.Value())
			if q == "" {
				return m, nil
			}
			if isQuit(q) {
				m.done = true
			} else {
				m.question = q
			}
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m followUpModel) View() string {
	if m.done || m.question != "" {
		return ""
	}
	return "\n" + m.input.View() + "\n" + hintStyle.Render("enter to ask · quit, exit, q or ctrl-c to finish") + "\n"
}

func isQuit(s string) bool {
	switch strings.ToLower(s) {
	case "quit", "exit", "q":
		return true
	}
	return false
}

// promptFollowUp reads one follow-up question from the terminal.
func promptFollowUp() (string, bool, error) {
	final, err := tea.NewProgram(newFollowUpModel()).Run()
	if err != nil {
		return "", false, err
	}
	m := final.(followUpModel)
	if m.done || m.question == "" {
		return "", false, nil
	}
	return m.question, true, nil
}
