package main

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func typeText(m followUpModel, s string) followUpModel {
	for _, r := range s {
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
		m = next.(followUpModel)
	}
	return m
}

func press(m followUpModel, k tea.KeyType) (followUpModel, tea.Cmd) {
	next, cmd := m.Update(tea.KeyMsg{Type: k})
	return next.(followUpModel), cmd
}

func TestFollowUpModel_Question(t *testing.T) {
	m := typeText(newFollowUpModel(), "  who calls main?  ")
	m, cmd := press(m, tea.KeyEnter)
	if cmd == nil {
		t.Fatal("enter did not quit")
	}
	if m.done || m.question != "who calls main?" {
		t.Errorf("question = %q done = %v", m.question, m.done)
	}
}

func TestFollowUpModel_QuitWords(t *testing.T) {
	for _, word := range []string{"quit", "exit", "q", "EXIT"} {
		m := typeText(newFollowUpModel(), word)
		m, _ = press(m, tea.KeyEnter)
		if !m.done || m.question != "" {
			t.Errorf("%q: done = %v question = %q", word, m.done, m.question)
		}
	}
}

func TestFollowUpModel_CtrlC(t *testing.T) {
	m := typeText(newFollowUpModel(), "half a question")
	m, cmd := press(m, tea.KeyCtrlC)
	if !m.done || cmd == nil {
		t.Errorf("ctrl-c: done = %v", m.done)
	}
}

func TestFollowUpModel_EmptyEnterIgnored(t *testing.T) {
	m, cmd := press(newFollowUpModel(), tea.KeyEnter)
	if cmd != nil || m.done || m.question != "" {
		t.Errorf("empty enter changed state: done = %v question = %q", m.done, m.question)
	}
}
