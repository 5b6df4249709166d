package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"golang.org/x/sync/errgroup"

	"github.com/chroxy/chroxy/internal/config"
	"github.com/chroxy/chroxy/internal/logging"
	"github.com/chroxy/chroxy/internal/permission"
	"github.com/chroxy/chroxy/internal/server"
	"github.com/chroxy/chroxy/internal/session"
	"github.com/chroxy/chroxy/internal/statestore"
	"github.com/chroxy/chroxy/internal/supervisor"
	"github.com/chroxy/chroxy/internal/tunnel"
)

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configFile := fs.String("config", "", "config file path")
	fs.Int("port", 8765, "listen port")
	fs.String("token", "", "auth token")
	fs.Bool("no-auth", false, "disable authentication (local use only)")
	fs.String("tunnel", "", "tunnel mode: quick, named or none")
	fs.String("tunnel-name", "", "named tunnel identifier")
	fs.String("tunnel-hostname", "", "named tunnel public hostname")
	fs.String("model", "", "default model for new sessions")
	fs.String("cwd", "", "default working directory for new sessions")
	fs.String("allowed-tools", "", "comma-separated --allowedTools passthrough")
	fs.Int("max-sessions", 0, "maximum concurrent sessions")
	fs.Bool("resume", false, "resume sessions saved by a previous drain")
	fs.Bool("no-supervisor", false, "run the worker directly, unsupervised")
	fs.String("source-dir", "", "git working tree for deploy rollback")
	fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Only explicitly set flags override the other config layers.
	overrides := map[string]interface{}{}
	fs.Visit(func(f *flag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if key == "config" {
			return
		}
		overrides[key] = f.Value.String()
	})

	cfg, err := config.Load(*configFile, overrides)
	if err != nil {
		return err
	}
	logging.SetVerbose(cfg.Verbose)
	if err := cfg.Validate(); err != nil {
		return err
	}

	supervised := cfg.Supervised || os.Getenv(supervisor.EnvSupervised) != ""
	if supervised {
		// The supervisor owns the tunnel; the worker never runs one.
		cfg.Tunnel = config.TunnelNone
		return runWorker(cfg, true)
	}
	if cfg.NoSupervisor {
		return runWorker(cfg, false)
	}
	return runSupervisor(cfg)
}

// runSupervisor runs the parent process: tunnel, QR pairing output and
// the worker lifecycle.
func runSupervisor(cfg *config.Config) error {
	logging.PrintBanner("supervisor", version, fmt.Sprintf(":%d", cfg.Port))

	dir, err := config.Dir()
	if err != nil {
		return err
	}
	goodRef := ""
	if data, err := os.ReadFile(config.KnownGoodRefPath(dir)); err == nil {
		goodRef = strings.TrimSpace(string(data))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// The tunnel lives here so its URL survives worker restarts.
	var tn *tunnel.Tunnel
	if cfg.Tunnel != config.TunnelNone {
		tn, err = tunnel.Start(ctx, tunnel.Config{
			Mode:     cfg.Tunnel,
			Port:     cfg.Port,
			Name:     cfg.TunnelName,
			Hostname: cfg.TunnelHostname,
		})
		if err != nil {
			return fmt.Errorf("tunnel: %w", err)
		}
		defer tn.Stop()
		printPairing(tn.URL(), cfg.Token)

		g.Go(func() error {
			for ev := range tn.Events() {
				switch ev.Type {
				case tunnel.EventLost:
					slog.Warn("tunnel lost, recovering")
				case tunnel.EventRecovered:
					slog.Info("tunnel recovered", "url", ev.URL)
				case tunnel.EventURLChanged:
					slog.Info("tunnel url changed", "old", ev.OldURL, "new", ev.URL)
					printPairing(ev.URL, cfg.Token)
				case tunnel.EventFailed:
					return errors.New("tunnel permanently lost")
				}
			}
			return nil
		})
	} else {
		slog.Info("no tunnel; serving locally", "port", cfg.Port)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	workerArgs := append([]string{"start"}, os.Args[1:]...)
	if len(os.Args) > 1 && os.Args[1] == "start" {
		workerArgs = os.Args[1:]
	}

	sup, err := supervisor.New(supervisor.Config{
		Port:      cfg.Port,
		PIDPath:   config.PIDPath(dir),
		SourceDir: cfg.SourceDir,
		GoodRef:   goodRef,
		Command: func(ctx context.Context) *exec.Cmd {
			cmd := exec.CommandContext(ctx, exe, workerArgs...)
			cmd.Env = append(os.Environ(),
				supervisor.EnvSupervised+"=true",
				supervisor.EnvTunnel+"="+config.TunnelNone,
				"CHROXY_RESUME=true",
			)
			return cmd
		},
	})
	if err != nil {
		return err
	}
	g.Go(func() error { return sup.Run(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runWorker runs the serving process: sessions, permission broker,
// WebSocket server and, when supervised, the drain protocol.
func runWorker(cfg *config.Config, supervised bool) error {
	logging.PrintBanner("worker", version, fmt.Sprintf(":%d", cfg.Port))

	dir, err := config.Dir()
	if err != nil {
		return err
	}
	store, err := statestore.Open(config.StateDBPath(dir))
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker := permission.NewBroker(0)
	defer broker.Shutdown()

	manager := session.NewManager(session.ManagerConfig{
		MaxSessions:  cfg.MaxSessions,
		DefaultCwd:   cfg.Cwd,
		DefaultModel: cfg.Model,
		AllowedTools: cfg.AllowedTools,
		HookPort:     cfg.Port,
		HookToken:    cfg.Token,
		Broker:       broker,
		Logger:       slog.Default(),
	})
	defer manager.Shutdown()

	srv := server.New(server.Config{
		Port:         cfg.Port,
		Token:        cfg.Token,
		AuthRequired: cfg.AuthRequired(),
		Cwd:          cfg.Cwd,
		Version:      version,
		GitCommit:    gitCommit,
		GitBranch:    gitBranch,
	}, manager, broker, slog.Default())

	g, ctx := errgroup.WithContext(ctx)
	// Bind the port before the (slow) session setup: the sooner the
	// worker answers on it, the shorter the window where nothing does.
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
		return nil
	})

	// Drained state from the previous worker generation, if any.
	if cfg.Resume {
		if saved, err := store.Load(ctx); err != nil {
			slog.Warn("loading drained state failed", "error", err)
		} else if len(saved) > 0 {
			slog.Info("resuming drained sessions", "count", len(saved))
			manager.Restore(ctx, saved)
			if err := store.Clear(ctx); err != nil {
				slog.Warn("clearing drained state failed", "error", err)
			}
		}
	}

	if manager.Count() == 0 {
		if _, err := manager.Create(ctx, session.CreateOptions{}); err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("create initial session: %w", err)
		}
	}

	// Periodic tmux discovery push.
	if cfg.DiscoveryEvery > 0 {
		g.Go(func() error {
			discoveryLoop(ctx, cfg.DiscoveryEvery, manager, srv)
			return nil
		})
	}

	// A standalone worker may still want a tunnel.
	if !supervised && cfg.Tunnel != config.TunnelNone {
		tn, err := tunnel.Start(ctx, tunnel.Config{
			Mode:     cfg.Tunnel,
			Port:     cfg.Port,
			Name:     cfg.TunnelName,
			Hostname: cfg.TunnelHostname,
		})
		if err != nil {
			return fmt.Errorf("tunnel: %w", err)
		}
		defer tn.Stop()
		printPairing(tn.URL(), cfg.Token)
		g.Go(func() error {
			forwardTunnelEvents(tn, srv, cfg.Token)
			return nil
		})
	}

	if supervised {
		control := supervisor.NewWorkerControl(os.Stdin, os.Stdout)
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			case <-srv.Ready():
			}
			if err := control.SendReady(); err != nil {
				return fmt.Errorf("announce ready: %w", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case timeout, ok := <-control.Drains():
				if !ok {
					// Supervisor went away; shut down.
					stop()
					return nil
				}
				drain(ctx, timeout, srv, manager, store)
				_ = control.SendDrainComplete()
				stop()
				return nil
			}
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drain serialises session state for the next worker generation. It
// waits for in-flight turns to settle, but keeps a margin so the
// supervisor's own timeout never beats us to the kill.
func drain(ctx context.Context, timeout time.Duration, srv *server.Server, manager *session.Manager, store *statestore.Store) {
	slog.Info("drain requested", "timeout", timeout)
	srv.SetDraining()

	wait := timeout - 2*time.Second
	if wait < 0 {
		wait = 0
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !anyBusy(manager) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
	}

	snapshot := manager.Snapshot()
	saveCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := store.Save(saveCtx, snapshot); err != nil {
		slog.Error("drain save failed", "error", err)
		return
	}
	slog.Info("drain complete", "sessions", len(snapshot))
}

func anyBusy(manager *session.Manager) bool {
	for _, s := range manager.List() {
		if s.Busy {
			return true
		}
	}
	return false
}

// discoveryLoop pushes tmux discovery results whenever they change.
func discoveryLoop(ctx context.Context, every time.Duration, manager *session.Manager, srv *server.Server) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var last []string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			names, err := manager.Discover(ctx)
			if err != nil {
				slog.Debug("tmux discovery failed", "error", err)
				continue
			}
			if equalStrings(names, last) {
				continue
			}
			last = names
			srv.BroadcastDiscovered(names)
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func forwardTunnelEvents(tn *tunnel.Tunnel, srv *server.Server, token string) {
	for ev := range tn.Events() {
		switch ev.Type {
		case tunnel.EventLost:
			srv.BroadcastTunnelStatus("lost", nil)
		case tunnel.EventRecovering:
			srv.BroadcastTunnelStatus("recovering", map[string]any{"attempt": ev.Attempt})
		case tunnel.EventRecovered:
			srv.BroadcastTunnelStatus("recovered", map[string]any{"url": ev.URL})
		case tunnel.EventURLChanged:
			srv.BroadcastTunnelStatus("url_changed", map[string]any{"oldUrl": ev.OldURL, "newUrl": ev.URL})
			printPairing(ev.URL, token)
		case tunnel.EventFailed:
			srv.BroadcastTunnelStatus("failed", map[string]any{"message": ev.Message})
		}
	}
}

// printPairing prints the public URL and a QR code the mobile client
// can scan. The token rides in the URL fragment, which never reaches
// the server in an HTTP request.
func printPairing(url, token string) {
	pairing := url
	if token != "" {
		pairing = url + "/#token=" + token
	}
	fmt.Fprintf(os.Stderr, "\n  connect: %s\n\n", pairing)
	qrterminal.GenerateWithConfig(pairing, qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    os.Stderr,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
	fmt.Fprintln(os.Stderr)
}
