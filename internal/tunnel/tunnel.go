// Package tunnel manages the cloudflared child process that exposes
// the local server to the public internet. Quick tunnels get an
// ephemeral trycloudflare.com URL; named tunnels use a stable hostname
// from the cloudflared account configuration.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/chroxy/chroxy/internal/metrics"
)

// Modes.
const (
	ModeQuick = "quick"
	ModeNamed = "named"
)

// Event types emitted on the tunnel's event stream.
const (
	EventLost       = "tunnel_lost"
	EventRecovering = "tunnel_recovering"
	EventRecovered  = "tunnel_recovered"
	EventFailed     = "tunnel_failed"
	EventURLChanged = "tunnel_url_changed"
)

// Event describes a tunnel state change.
type Event struct {
	Type    string
	URL     string
	OldURL  string
	Attempt int
	Message string
}

const (
	defaultURLTimeout = 30 * time.Second
	maxRecoveryTries  = 3
	defaultRetryBase  = 3 * time.Second
)

var quickURLRe = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

// CommandFactory builds the cloudflared invocation; injectable so
// tests can substitute a scripted process.
type CommandFactory func(ctx context.Context, cfg Config) *exec.Cmd

// Config parameterises the tunnel.
type Config struct {
	Mode     string // quick or named
	Port     int
	Name     string // named tunnel identifier
	Hostname string // public hostname of the named tunnel

	Command    CommandFactory
	URLTimeout time.Duration // how long to wait for the first URL
	RetryBase  time.Duration // first recovery delay; doubles per attempt
	Logger     *slog.Logger
}

// Tunnel supervises one cloudflared process and restarts it on
// unexpected exits, up to a bounded number of attempts.
type Tunnel struct {
	cfg Config
	log *slog.Logger

	events chan Event
	done   chan struct{}

	mu       sync.Mutex
	url      string
	cmd      *exec.Cmd
	stopping bool
}

func defaultCommand(ctx context.Context, cfg Config) *exec.Cmd {
	var cmd *exec.Cmd
	switch cfg.Mode {
	case ModeNamed:
		cmd = exec.CommandContext(ctx, "cloudflared", "tunnel", "run",
			"--url", "http://localhost:"+strconv.Itoa(cfg.Port), cfg.Name)
	default:
		cmd = exec.CommandContext(ctx, "cloudflared", "tunnel", "--no-autoupdate",
			"--url", "http://localhost:"+strconv.Itoa(cfg.Port))
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

// Start launches cloudflared and blocks until the public URL is known
// or the URL timeout elapses.
func Start(ctx context.Context, cfg Config) (*Tunnel, error) {
	switch cfg.Mode {
	case ModeQuick, ModeNamed:
	default:
		return nil, fmt.Errorf("unsupported tunnel mode %q", cfg.Mode)
	}
	if cfg.Command == nil {
		cfg.Command = defaultCommand
	}
	if cfg.URLTimeout <= 0 {
		cfg.URLTimeout = defaultURLTimeout
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	t := &Tunnel{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "tunnel"),
		events: make(chan Event, 32),
		done:   make(chan struct{}),
	}

	url, err := t.launch(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.url = url
	t.mu.Unlock()
	t.log.Info("tunnel established", "url", url, "mode", cfg.Mode)

	go t.supervise(ctx)
	return t, nil
}

// URL returns the current public URL.
func (t *Tunnel) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// Events is the tunnel state stream. Closed after tunnel_failed or Stop.
func (t *Tunnel) Events() <-chan Event { return t.events }

// Done is closed when the tunnel has permanently stopped.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// Stop tears the tunnel down without triggering recovery.
func (t *Tunnel) Stop() {
	t.mu.Lock()
	t.stopping = true
	cmd := t.cmd
	t.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
}

// launch starts one cloudflared process and waits for its URL.
func (t *Tunnel) launch(ctx context.Context) (string, error) {
	cmd := t.cfg.Command(ctx, t.cfg)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("tunnel stderr pipe: %w", err)
	}
	if cmd.WaitDelay == 0 {
		// Bound Wait even if a grandchild inherits the stderr pipe.
		cmd.WaitDelay = 5 * time.Second
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start cloudflared: %w", err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.mu.Unlock()

	// Quick tunnels report readiness by printing their ephemeral URL.
	// Named tunnels have a stable hostname, but it is not reachable
	// until cloudflared has registered a connection with the edge, so
	// readiness is gated on that log line instead.
	urlCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64<<10), 64<<10)
		for scanner.Scan() {
			line := scanner.Text()
			t.log.Debug("cloudflared", "line", line)

			var url string
			if t.cfg.Mode == ModeNamed {
				if strings.Contains(line, "Registered tunnel connection") {
					url = "https://" + t.cfg.Hostname
				}
			} else if m := quickURLRe.FindString(line); m != "" {
				url = m
			}
			if url != "" {
				select {
				case urlCh <- url:
				default:
				}
			}
		}
	}()

	timer := time.NewTimer(t.cfg.URLTimeout)
	defer timer.Stop()
	select {
	case url := <-urlCh:
		return url, nil
	case <-timer.C:
		_ = cmd.Process.Kill()
		return "", errors.New("tunnel URL not received in time")
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return "", ctx.Err()
	}
}

// supervise waits for process exits and runs the recovery loop.
func (t *Tunnel) supervise(ctx context.Context) {
	defer close(t.done)

	for {
		t.mu.Lock()
		cmd := t.cmd
		t.mu.Unlock()

		err := cmd.Wait()

		t.mu.Lock()
		stopping := t.stopping
		oldURL := t.url
		t.mu.Unlock()
		if stopping || ctx.Err() != nil {
			close(t.events)
			return
		}

		t.log.Warn("tunnel process exited unexpectedly", "error", err)
		t.emit(Event{Type: EventLost, OldURL: oldURL})

		url, ok := t.recover(ctx)
		if !ok {
			t.emit(Event{Type: EventFailed, Message: "tunnel could not be re-established"})
			close(t.events)
			return
		}

		t.mu.Lock()
		t.url = url
		t.mu.Unlock()
		t.emit(Event{Type: EventRecovered, URL: url})
		if url != oldURL {
			t.emit(Event{Type: EventURLChanged, OldURL: oldURL, URL: url})
		}
	}
}

// recover retries the launch a bounded number of times with doubling
// delays. Returns the new URL on success.
func (t *Tunnel) recover(ctx context.Context) (string, bool) {
	delay := backoff.NewExponentialBackOff()
	delay.InitialInterval = t.cfg.RetryBase
	delay.Multiplier = 2
	delay.MaxInterval = 4 * t.cfg.RetryBase
	delay.RandomizationFactor = 0

	for attempt := 1; attempt <= maxRecoveryTries; attempt++ {
		wait := delay.NextBackOff()
		t.emit(Event{Type: EventRecovering, Attempt: attempt})
		t.log.Info("tunnel recovery attempt", "attempt", attempt, "delay", wait)
		metrics.TunnelRestartsTotal.Inc()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false
		case <-timer.C:
		}

		t.mu.Lock()
		if t.stopping {
			t.mu.Unlock()
			return "", false
		}
		t.mu.Unlock()

		url, err := t.launch(ctx)
		if err != nil {
			t.log.Warn("tunnel recovery failed", "attempt", attempt, "error", err)
			continue
		}
		return url, true
	}
	return "", false
}

func (t *Tunnel) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.log.Warn("tunnel event dropped", "type", ev.Type)
	}
}
