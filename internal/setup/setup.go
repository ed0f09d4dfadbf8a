// Package setup provides the interactive configuration wizard.
package setup

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vinayprograms/unfold/internal/config"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginBottom(1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("170")).
			Bold(true)

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("82"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))
)

// Step represents a setup wizard step
type Step int

const (
	StepWelcome Step = iota
	StepProvider
	StepModel
	StepCustomModel // Text input for model name
	StepBaseURL
	StepAPIKeyEnv
	StepAnalysis
	StepAnalysisTarget // Ghidra bridge URL or fixture path
	StepSandbox
	StepStorage
	StepConfirm
	StepComplete
)

type option struct {
	id   string
	name string
	desc string
}

var providers = []option{
	{"anthropic", "Anthropic", "Claude models (recommended)"},
	{"openai", "OpenAI", "GPT and o-series models"},
	{"google", "Google", "Gemini models"},
	{"groq", "Groq", "Fast open-weight inference"},
	{"mistral", "Mistral", "Mistral models"},
	{"openrouter", "OpenRouter", "Multi-provider router"},
	{"ollama", "Ollama", "Local models, OpenAI-compatible endpoint"},
	{"litellm", "LiteLLM", "Self-hosted OpenAI-compatible proxy"},
	{"proxy", "CLI proxy", "OpenAI-compatible subscription proxy"},
}

var models = map[string][]option{
	"anthropic": {
		{"claude-sonnet-4-5-20250929", "Claude Sonnet 4.5 (recommended)", ""},
		{"claude-opus-4-5-20250514", "Claude Opus 4.5 (most capable)", ""},
		{"claude-haiku-3-5-20241022", "Claude Haiku 3.5 (fast)", ""},
	},
	"openai": {
		{"gpt-4o", "GPT-4o (recommended)", ""},
		{"o3", "o3 (reasoning)", ""},
		{"o3-mini", "o3 Mini (fast reasoning)", ""},
	},
	"google": {
		{"gemini-2.5-pro", "Gemini 2.5 Pro (recommended)", ""},
		{"gemini-2.0-flash", "Gemini 2.0 Flash (fast)", ""},
	},
	"groq": {
		{"llama-3.3-70b-versatile", "Llama 3.3 70B (recommended)", ""},
	},
	"mistral": {
		{"mistral-large-latest", "Mistral Large (recommended)", ""},
		{"codestral-latest", "Codestral", ""},
	},
}

var analysisBackends = []option{
	{"ghidra", "Ghidra bridge", "Headless Ghidra behind the HTTP bridge"},
	{"fixture", "Fixture", "YAML program model, for demos and tests"},
}

var sandboxBackends = []option{
	{"disabled", "Disabled", "Static analysis only"},
	{"docker", "Docker", "Run targets in an isolated container"},
}

var storageBackends = []option{
	{"jsonl", "JSONL files", "One file per session"},
	{"sqlite", "SQLite", "Single database file"},
}

// Model is the bubbletea model for the setup wizard
type Model struct {
	step      Step
	config    *config.Config
	cursor    int
	textInput textinput.Model
	err       error
	width     int

	// Edit mode - true if loading from existing config
	editMode bool
	path     string

	// Results
	written string
}

// New creates a wizard that writes to path, pre-filled from the file when
// it exists.
func New(path string) Model {
	ti := textinput.New()
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 60

	m := Model{
		step:      StepWelcome,
		config:    config.New(),
		textInput: ti,
		path:      path,
	}
	if existing, err := config.LoadFile(path); err == nil {
		m.config = existing
		m.editMode = true
	}
	return m
}

// DefaultPath returns the user config file consulted by config.Load.
func DefaultPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "unfold", "config.toml")
	}
	return ".unfold.toml"
}

// Config returns the configuration being edited.
func (m Model) Config() *config.Config { return m.config }

// Written returns the path written on completion, or "".
func (m Model) Written() string { return m.written }

// Err returns the error that ended the wizard, if any.
func (m Model) Err() error { return m.err }

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

type writtenMsg struct{ path string }

type errMsg struct{ error }

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case writtenMsg:
		m.written = msg.path
		m.step = StepComplete
		return m, nil
	case errMsg:
		m.err = msg.error
		m.step = StepComplete
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		// Text input steps capture all keys except ctrl+c and enter
		if m.isTextInputStep() {
			switch msg.String() {
			case "ctrl+c":
				return m, tea.Quit
			case "esc":
				m.enter(m.previousStep())
				return m, nil
			case "enter":
				return m.handleEnter()
			default:
				var cmd tea.Cmd
				m.textInput, cmd = m.textInput.Update(msg)
				return m, cmd
			}
		}

		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "q":
			if m.step == StepComplete || m.step == StepWelcome {
				return m, tea.Quit
			}
			m.enter(m.previousStep())
			return m, nil
		case "enter":
			return m.handleEnter()
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil
		case "down", "j":
			if m.cursor < m.maxCursorForStep() {
				m.cursor++
			}
			return m, nil
		}
	}
	return m, nil
}

func (m Model) maxCursorForStep() int {
	switch m.step {
	case StepProvider:
		return len(providers) - 1
	case StepModel:
		return len(m.getModels()) // last entry is "Other"
	case StepAnalysis:
		return len(analysisBackends) - 1
	case StepSandbox:
		return len(sandboxBackends) - 1
	case StepStorage:
		return len(storageBackends) - 1
	case StepConfirm:
		return 1 // write, cancel
	}
	return 0
}

func (m Model) isTextInputStep() bool {
	switch m.step {
	case StepCustomModel, StepBaseURL, StepAPIKeyEnv, StepAnalysisTarget:
		return true
	}
	return false
}

func (m Model) getModels() []option {
	return models[m.config.LLM.Provider]
}

func (m Model) needsBaseURL() bool {
	switch m.config.LLM.Provider {
	case "openrouter", "ollama", "litellm", "proxy":
		return true
	}
	return false
}

func (m Model) defaultBaseURL() string {
	switch m.config.LLM.Provider {
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	case "litellm":
		return "http://localhost:4000"
	case "proxy":
		return "http://localhost:8317/v1"
	}
	return ""
}

func indexOf(opts []option, id string) int {
	for i, o := range opts {
		if o.id == id {
			return i
		}
	}
	return 0
}

func (m *Model) promptText(value, placeholder string) {
	m.textInput.SetValue(value)
	m.textInput.Placeholder = placeholder
	m.textInput.CursorEnd()
	m.textInput.Focus()
}

// enter moves to step s and primes its cursor or text input from the
// current configuration.
func (m *Model) enter(s Step) {
	c := m.config
	m.step = s
	m.cursor = 0
	switch s {
	case StepProvider:
		m.cursor = indexOf(providers, c.LLM.Provider)
	case StepModel:
		m.cursor = indexOf(m.getModels(), c.LLM.Model)
	case StepCustomModel:
		m.promptText(c.LLM.Model, "e.g., qwen2.5-coder, claude-sonnet-4")
	case StepBaseURL:
		url := c.LLM.BaseURL
		if url == "" {
			url = m.defaultBaseURL()
		}
		m.promptText(url, "https://...")
	case StepAPIKeyEnv:
		env := c.LLM.APIKeyEnv
		if env == "" {
			env = config.DefaultAPIKeyEnv(c.LLM.Provider)
		}
		m.promptText(env, "ENV_VAR_HOLDING_THE_KEY")
	case StepAnalysis:
		m.cursor = indexOf(analysisBackends, c.Analysis.Backend)
	case StepAnalysisTarget:
		if c.Analysis.Backend == "fixture" {
			m.promptText(c.Analysis.Fixture, "path/to/program.yaml")
		} else {
			m.promptText(c.Analysis.URL, "http://127.0.0.1:18489")
		}
	case StepSandbox:
		m.cursor = indexOf(sandboxBackends, c.Sandbox.Backend)
	case StepStorage:
		m.cursor = indexOf(storageBackends, c.Storage.Backend)
	}
}

// next returns the step after the current one, skipping steps that do not
// apply to the chosen provider.
func (m Model) next() Step {
	s := m.step + 1
	for s < StepComplete && m.skip(s) {
		s++
	}
	return s
}

func (m Model) previousStep() Step {
	s := m.step - 1
	for s > StepWelcome && m.skip(s) {
		s--
	}
	return s
}

func (m Model) skip(s Step) bool {
	switch s {
	case StepModel:
		return len(m.getModels()) == 0
	case StepCustomModel:
		// reached from StepModel's "Other" entry only
		return len(m.getModels()) > 0 && m.step != StepModel
	case StepBaseURL:
		return !m.needsBaseURL()
	case StepAPIKeyEnv:
		return m.config.LLM.Provider == "ollama"
	}
	return false
}

func (m Model) handleEnter() (tea.Model, tea.Cmd) {
	m.err = nil
	c := m.config

	switch m.step {
	case StepProvider:
		prev := c.LLM.Provider
		c.LLM.Provider = providers[m.cursor].id
		if prev != c.LLM.Provider {
			c.LLM.BaseURL = ""
			c.LLM.APIKeyEnv = ""
		}

	case StepModel:
		opts := m.getModels()
		if m.cursor == len(opts) {
			m.enter(StepCustomModel)
			return m, nil
		}
		c.LLM.Model = opts[m.cursor].id
		m.step = StepCustomModel // so next() steps past the text input

	case StepCustomModel:
		model := strings.TrimSpace(m.textInput.Value())
		if model == "" {
			m.err = fmt.Errorf("model name is required")
			return m, nil
		}
		c.LLM.Model = model

	case StepBaseURL:
		c.LLM.BaseURL = strings.TrimSpace(m.textInput.Value())

	case StepAPIKeyEnv:
		env := strings.TrimSpace(m.textInput.Value())
		if env == config.DefaultAPIKeyEnv(c.LLM.Provider) {
			env = ""
		}
		c.LLM.APIKeyEnv = env

	case StepAnalysis:
		c.Analysis.Backend = analysisBackends[m.cursor].id

	case StepAnalysisTarget:
		v := strings.TrimSpace(m.textInput.Value())
		if v == "" {
			m.err = fmt.Errorf("a value is required")
			return m, nil
		}
		if c.Analysis.Backend == "fixture" {
			c.Analysis.Fixture = v
		} else {
			c.Analysis.URL = v
		}

	case StepSandbox:
		c.Sandbox.Backend = sandboxBackends[m.cursor].id

	case StepStorage:
		c.Storage.Backend = storageBackends[m.cursor].id
		m.enter(StepConfirm)
		if err := c.Validate(); err != nil {
			m.err = err
		}
		return m, nil

	case StepConfirm:
		if m.cursor == 1 {
			return m, tea.Quit
		}
		if err := c.Validate(); err != nil {
			m.err = err
			return m, nil
		}
		return m, m.writeFile()

	case StepComplete:
		return m, tea.Quit
	}

	m.enter(m.next())
	return m, nil
}

// Encode renders cfg as TOML.
func Encode(cfg *config.Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# unfold configuration\n# Generated by: unfold setup\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

func (m Model) writeFile() tea.Cmd {
	cfg, path := m.config, m.path
	return func() tea.Msg {
		data, err := Encode(cfg)
		if err != nil {
			return errMsg{err}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return errMsg{err}
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return errMsg{err}
		}
		return writtenMsg{path}
	}
}

// View renders the current step
func (m Model) View() string {
	var s strings.Builder

	switch m.step {
	case StepWelcome:
		s.WriteString(m.viewWelcome())
	case StepProvider:
		s.WriteString(m.viewList("Reasoning Provider", "Select the model provider", providers))
	case StepModel:
		opts := append(append([]option{}, m.getModels()...), option{name: "Other", desc: "type a model ID"})
		s.WriteString(m.viewList("Model Selection", "Select the model to use", opts))
	case StepCustomModel:
		s.WriteString(m.viewText("Model Name", "Enter the model ID"))
	case StepBaseURL:
		s.WriteString(m.viewText("Base URL", "OpenAI-compatible endpoint for "+m.config.LLM.Provider))
	case StepAPIKeyEnv:
		s.WriteString(m.viewText("API Key", "Environment variable holding the key (never written to disk)"))
	case StepAnalysis:
		s.WriteString(m.viewList("Analysis Backend", "Where decompilation and cross-references come from", analysisBackends))
	case StepAnalysisTarget:
		if m.config.Analysis.Backend == "fixture" {
			s.WriteString(m.viewText("Fixture", "Path to the YAML program model"))
		} else {
			s.WriteString(m.viewText("Ghidra Bridge", "URL of the analysis bridge"))
		}
	case StepSandbox:
		s.WriteString(m.viewList("Dynamic Execution", "How run_binary executes targets", sandboxBackends))
	case StepStorage:
		s.WriteString(m.viewList("Session Storage", "Where sessions are saved", storageBackends))
	case StepConfirm:
		s.WriteString(m.viewConfirm())
	case StepComplete:
		s.WriteString(m.viewComplete())
	}

	if m.err != nil && m.step != StepComplete {
		s.WriteString("\n\n" + errorStyle.Render(m.err.Error()))
	}
	return s.String()
}

func (m Model) viewWelcome() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render("unfold setup"))
	s.WriteString("\n\n")
	if m.editMode {
		s.WriteString(infoStyle.Render("Found existing configuration: " + m.path))
		s.WriteString("\n\n")
		s.WriteString(normalStyle.Render("Current values will be pre-filled."))
	} else {
		s.WriteString(normalStyle.Render("This wizard writes " + m.path + "."))
	}
	s.WriteString("\n\n")
	s.WriteString(dimStyle.Render("Press Enter to continue, q to quit"))
	return s.String()
}

func (m Model) viewList(title, subtitle string, opts []option) string {
	var s strings.Builder
	s.WriteString(titleStyle.Render(title) + "\n")
	s.WriteString(subtitleStyle.Render(subtitle) + "\n\n")
	for i, o := range opts {
		cursor := "  "
		style := normalStyle
		if i == m.cursor {
			cursor = "> "
			style = selectedStyle
		}
		line := cursor + style.Render(o.name)
		if o.desc != "" {
			line += " - " + dimStyle.Render(o.desc)
		}
		s.WriteString(line + "\n")
	}
	s.WriteString("\n" + dimStyle.Render("up/down to move, Enter to select, q to go back"))
	return s.String()
}

func (m Model) viewText(title, subtitle string) string {
	var s strings.Builder
	s.WriteString(titleStyle.Render(title) + "\n")
	s.WriteString(subtitleStyle.Render(subtitle) + "\n\n")
	s.WriteString(m.textInput.View() + "\n\n")
	s.WriteString(dimStyle.Render("Enter to continue, Esc to go back"))
	return s.String()
}

func (m Model) viewConfirm() string {
	c := m.config
	var s strings.Builder
	s.WriteString(titleStyle.Render("Confirm") + "\n")
	row := func(k, v string) {
		s.WriteString(dimStyle.Render(fmt.Sprintf("%-10s", k)) + " " + normalStyle.Render(v) + "\n")
	}
	row("provider", c.LLM.Provider)
	row("model", c.LLM.Model)
	if c.LLM.BaseURL != "" {
		row("base url", c.LLM.BaseURL)
	}
	if env := c.LLM.APIKeyEnv; env != "" {
		row("key env", env)
	}
	if c.Analysis.Backend == "fixture" {
		row("analysis", "fixture "+c.Analysis.Fixture)
	} else {
		row("analysis", "ghidra "+c.Analysis.URL)
	}
	row("sandbox", c.Sandbox.Backend)
	row("storage", c.Storage.Backend)
	s.WriteString("\n")

	for i, label := range []string{"Write " + m.path, "Cancel"} {
		cursor := "  "
		style := normalStyle
		if i == m.cursor {
			cursor = "> "
			style = selectedStyle
		}
		s.WriteString(cursor + style.Render(label) + "\n")
	}
	return s.String()
}

func (m Model) viewComplete() string {
	if m.err != nil {
		return errorStyle.Render("Setup failed: "+m.err.Error()) + "\n\n" + dimStyle.Render("Press q to exit")
	}
	return successStyle.Render("Wrote "+m.written) + "\n\n" +
		normalStyle.Render("Try: unfold ./binary --mode explore") + "\n\n" +
		dimStyle.Render("Press q to exit")
}

// Run runs the wizard on the terminal and returns the path written, or ""
// when cancelled.
func Run(path string) (string, error) {
	final, err := tea.NewProgram(New(path)).Run()
	if err != nil {
		return "", err
	}
	m := final.(Model)
	return m.Written(), m.Err()
}
