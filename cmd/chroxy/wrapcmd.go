package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"

	"github.com/chroxy/chroxy/internal/config"
	"github.com/chroxy/chroxy/internal/validate"
)

// runWrap hosts the agent inside a named tmux session so a later
// attach_session can pick it up.
func runWrap(args []string) error {
	fs := flag.NewFlagSet("wrap", flag.ExitOnError)
	name := fs.String("name", "", "tmux session name")
	configFile := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("wrap requires --name")
	}
	if err := validate.TmuxName(*name); err != nil {
		return err
	}
	if _, err := exec.LookPath("tmux"); err != nil {
		return fmt.Errorf("tmux is not installed: %w", err)
	}

	cfg, err := config.Load(*configFile, nil)
	if err != nil {
		return err
	}
	shellCmd := cfg.ShellCmd
	if shellCmd == "" {
		shellCmd = "claude"
	}

	// -A attaches when the session already exists instead of failing.
	cmd := exec.Command("tmux", "new-session", "-A", "-s", *name, shellCmd)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
