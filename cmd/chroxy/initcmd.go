package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chroxy/chroxy/internal/config"
	"github.com/chroxy/chroxy/internal/id"
)

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "overwrite an existing config")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir, err := config.Dir()
	if err != nil {
		return err
	}
	path := config.ConfigPath(dir)
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := &config.Config{
		Port:        8765,
		Token:       id.Token(),
		Tunnel:      config.TunnelQuick,
		Model:       "sonnet",
		MaxSessions: 5,
	}
	if err := cfg.Save(path); err != nil {
		return err
	}

	fmt.Printf("wrote %s\n", path)
	fmt.Printf("token: %s\n", cfg.Token)
	fmt.Println("run `chroxy start` to bring the daemon up")
	return nil
}
