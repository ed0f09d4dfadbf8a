package main

import (
	"fmt"
	"os"

	"github.com/vinayprograms/unfold/internal/setup"
)

func (c *SetupCmd) target() string {
	switch {
	case c.Path != "":
		return c.Path
	case c.Project:
		return ".unfold.toml"
	}
	return setup.DefaultPath()
}

// Run launches the wizard.
func (c *SetupCmd) Run() error {
	if !isTerminal(os.Stdin) {
		return fmt.Errorf("setup needs an interactive terminal")
	}
	written, err := setup.Run(c.target())
	if err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}
	if written == "" {
		fmt.Println("Setup cancelled, nothing written.")
	}
	return nil
}
