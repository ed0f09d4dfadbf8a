// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Analyze  AnalyzeCmd  `cmd:"" default:"withargs" help:"Investigate a binary (default command)"`
	Sessions SessionsCmd `cmd:"" help:"List or show saved sessions"`
	Replay   ReplayCmd   `cmd:"" help:"Replay a saved session timeline"`
	Models   ModelsCmd   `cmd:"" help:"List available models"`
	Setup    SetupCmd    `cmd:"" help:"Interactive configuration wizard"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// AnalyzeCmd runs an investigation of one binary.
type AnalyzeCmd struct {
	Binary      string `arg:"" optional:"" type:"path" help:"Binary to analyze (optional with --resume)"`
	Mode        string `short:"m" enum:"explore,ctf,vuln,annotate,explain" default:"explore" help:"Investigation mode (${enum})"`
	Goal        string `short:"g" help:"Question or goal for the investigation"`
	Interactive bool   `short:"i" help:"Ask follow-up questions after the first answer"`
	Output      string `help:"Report format: markdown, json, html or text"`
	File        string `short:"o" name:"output-file" type:"path" help:"Write the report to a file instead of stdout"`
	Model       string `help:"Model ID (overrides config)"`
	Provider    string `help:"Reasoning provider (overrides config)"`
	MaxTurns    int    `help:"Turn budget (overrides config)"`
	Config      string `type:"path" help:"Config file path"`
	Resume      string `help:"Continue a saved session by ID, or 'latest'"`
	Fixture     string `type:"path" help:"Answer analysis and sandbox calls from a YAML program model"`
	MetricsAddr string `help:"Serve Prometheus metrics on this address"`
	Verbose     int    `short:"v" type:"counter" help:"Log verbosity (-v info, -vv debug)"`
}

// SessionsCmd groups session store commands.
type SessionsCmd struct {
	List SessionsListCmd `cmd:"" default:"1" help:"List saved sessions"`
	Show SessionsShowCmd `cmd:"" help:"Show a saved session's report"`
}

// SessionsListCmd lists saved sessions.
type SessionsListCmd struct {
	Config string `type:"path" help:"Config file path"`
}

// SessionsShowCmd renders the report of a saved session.
type SessionsShowCmd struct {
	ID     string `arg:"" help:"Session ID or 'latest'"`
	Output string `help:"Report format: markdown, json, html or text"`
	Config string `type:"path" help:"Config file path"`
}

// ReplayCmd replays a session for analysis.
type ReplayCmd struct {
	ID      string `arg:"" help:"Session ID or 'latest'"`
	Verbose int    `short:"v" type:"counter" help:"Verbosity level (-v, -vv)"`
	NoPager bool   `help:"Disable pager for output"`
	Follow  bool   `short:"f" help:"Re-render as the session file changes (jsonl storage only)"`
	Config  string `type:"path" help:"Config file path"`
}

// ModelsCmd lists models from the catalog.
type ModelsCmd struct {
	Provider string `help:"Only list models of this provider"`
}

// SetupCmd runs the configuration wizard.
type SetupCmd struct {
	Project bool   `help:"Write .unfold.toml in the current directory instead of the user config"`
	Path    string `type:"path" help:"Write to this file"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
