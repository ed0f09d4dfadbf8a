package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/vinayprograms/unfold/internal/config"
	"github.com/vinayprograms/unfold/internal/report"
	"github.com/vinayprograms/unfold/internal/session"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

// openStore loads configuration and opens the session store it names.
func openStore(configPath string) (*config.Config, session.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := session.Open(cfg.Storage.Backend, config.ExpandPath(cfg.Storage.Path))
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

// Run lists saved sessions, most recent first.
func (c *SessionsListCmd) Run() error {
	_, store, err := openStore(c.Config)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List()
	if err != nil {
		return err
	}
	return writeSessionList(os.Stdout, list)
}

func writeSessionList(w io.Writer, list []session.Summary) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "No saved sessions.")
		return err
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("ID", "BINARY", "MODE", "STATE", "TURNS", "UPDATED")
	for _, s := range list {
		t.Row(s.ID, truncate(s.BinaryPath, 40), string(s.Mode), string(s.State),
			strconv.Itoa(s.Turns), s.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

// Run renders the report of a saved session.
func (c *SessionsShowCmd) Run() error {
	cfg, store, err := openStore(c.Config)
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := session.Resolve(store, c.ID)
	if err != nil {
		return err
	}
	name := c.Output
	if name == "" {
		name = cfg.Output.Format
	}
	format, err := report.ParseFormat(name)
	if err != nil {
		return err
	}
	opts := report.Options{Style: cfg.Output.Style}
	if !isTerminal(os.Stdout) && (opts.Style == "" || opts.Style == "auto") {
		opts.Style = "notty"
	}
	return report.Write(os.Stdout, report.FromSession(sess), format, opts)
}
