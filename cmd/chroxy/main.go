package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/chroxy/chroxy/internal/logging"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	gitCommit = "unknown"
	gitBranch = "unknown"
)

func main() {
	logging.Setup()

	args := os.Args[1:]
	cmd := "start"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "start":
		err = runStart(args)
	case "init":
		err = runInit(args)
	case "config":
		err = runConfig(args)
	case "wrap":
		err = runWrap(args)
	case "tunnel":
		err = runTunnel(args)
	case "version":
		fmt.Printf("chroxy %s (%s@%s)\n", version, gitBranch, gitCommit)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: chroxy [command] [flags]

commands:
  start    run the daemon (default)
  init     generate a token and write the initial config
  config   show or modify the configuration
  wrap     run the agent inside a named tmux session
  tunnel   tunnel management (setup)
  version  print version information
`)
}
