package main

import (
	"context"
	"os"
)

// Run investigates the binary and exits with the session's exit code.
func (c *AnalyzeCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	rt := newRuntime(c, cfg)
	defer rt.close()

	if err := rt.setup(ctx); err != nil {
		return err
	}
	if c.Interactive {
		if !isTerminal(os.Stdin) {
			rt.logger.Warn("interactive mode needs a terminal, follow-ups disabled")
		} else {
			rt.ask = promptFollowUp
		}
	}

	state, err := rt.run(ctx)
	if code := state.ExitCode(); code != 0 || err != nil {
		return &exitError{code: max(code, 1), err: err}
	}
	return nil
}
