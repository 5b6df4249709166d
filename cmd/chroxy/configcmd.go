package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/chroxy/chroxy/internal/config"
)

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configFile := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 || rest[0] == "show" {
		return showConfig(*configFile)
	}
	if rest[0] == "set" {
		if len(rest) != 3 {
			return fmt.Errorf("usage: chroxy config set <key> <value>")
		}
		return setConfig(*configFile, rest[1], rest[2])
	}
	return fmt.Errorf("unknown config command: %s", rest[0])
}

// showConfig prints the fully resolved configuration, token redacted.
func showConfig(configFile string) error {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		return err
	}
	if cfg.Token != "" {
		cfg.Token = cfg.Token[:min(8, len(cfg.Token))] + "…"
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// setConfig edits a single key in the config file without disturbing
// the rest of it.
func setConfig(configFile, key, value string) error {
	if configFile == "" {
		dir, err := config.Dir()
		if err != nil {
			return err
		}
		configFile = config.ConfigPath(dir)
	}

	raw := map[string]interface{}{}
	if data, err := os.ReadFile(configFile); err == nil {
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse %s: %w", configFile, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	raw[key] = coerce(value)

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return err
	}

	// Round-trip through the loader so a bad value fails here rather
	// than at the next start.
	if _, err := config.Load(configFile, nil); err != nil {
		return fmt.Errorf("config no longer loads: %w", err)
	}
	fmt.Printf("%s = %s\n", key, value)
	return nil
}

func coerce(value string) interface{} {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return value
}
