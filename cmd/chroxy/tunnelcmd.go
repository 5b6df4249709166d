package main

import (
	"flag"
	"fmt"
	"os/exec"

	"github.com/chroxy/chroxy/internal/config"
)

func runTunnel(args []string) error {
	if len(args) == 0 || args[0] != "setup" {
		return fmt.Errorf("usage: chroxy tunnel setup --name <tunnel> --hostname <host>")
	}

	fs := flag.NewFlagSet("tunnel setup", flag.ExitOnError)
	name := fs.String("name", "", "cloudflared tunnel name")
	hostname := fs.String("hostname", "", "public hostname routed to the tunnel")
	configFile := fs.String("config", "", "config file path")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *name == "" || *hostname == "" {
		return fmt.Errorf("tunnel setup requires --name and --hostname")
	}
	if _, err := exec.LookPath("cloudflared"); err != nil {
		return fmt.Errorf("cloudflared is not installed: %w", err)
	}

	path := *configFile
	if path == "" {
		dir, err := config.Dir()
		if err != nil {
			return err
		}
		path = config.ConfigPath(dir)
	}

	if err := setConfig(path, "tunnel", config.TunnelNamed); err != nil {
		return err
	}
	if err := setConfig(path, "tunnel_name", *name); err != nil {
		return err
	}
	if err := setConfig(path, "tunnel_hostname", *hostname); err != nil {
		return err
	}

	fmt.Println("named tunnel configured")
	fmt.Printf("make sure `cloudflared tunnel run %s` works and %s routes to it\n", *name, *hostname)
	fmt.Println("then restart with `chroxy start`")
	return nil
}
