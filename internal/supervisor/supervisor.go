package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chroxy/chroxy/internal/metrics"
)

// restartDelays is the crash backoff schedule, one entry per
// consecutive failed start. Exhausting it means the worker is
// hopeless and the supervisor gives up.
var restartDelays = []time.Duration{
	2 * time.Second, 2 * time.Second,
	3 * time.Second, 3 * time.Second,
	5 * time.Second, 5 * time.Second,
	8 * time.Second, 8 * time.Second,
	10 * time.Second, 10 * time.Second,
}

const (
	defaultReadyTimeout = 30 * time.Second
	defaultDrainTimeout = 30 * time.Second
	termGrace           = 5 * time.Second

	// A deploy followed by this many exits inside the window triggers
	// a rollback to the known-good ref.
	rollbackExitCount  = 3
	rollbackExitWindow = 60 * time.Second
)

// ErrGivingUp is returned when the worker keeps crashing past the
// whole backoff schedule.
var ErrGivingUp = errors.New("worker keeps crashing, giving up")

// errShutdown marks a shutdown request arriving during crash backoff.
var errShutdown = errors.New("shutdown requested")

// Config parameterises the supervisor.
type Config struct {
	Port      int
	PIDPath   string
	SourceDir string // git working tree for deploy rollback
	GoodRef   string // known-good git ref; empty disables rollback

	// Command builds the worker process. Stdin/stdout are claimed by
	// the supervisor for the control channel; the factory must leave
	// them unset.
	Command func(ctx context.Context) *exec.Cmd

	// Rollback is the rollback executor, injectable for tests.
	// Defaults to `git -C dir checkout ref`.
	Rollback func(ctx context.Context, dir, ref string) error

	ReadyTimeout time.Duration
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// Supervisor keeps one worker process alive.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	deployedAt time.Time // last SIGUSR2, zero when no deploy pending
	exits      []time.Time
	crashes    int

	standby *standby
}

// New creates a supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Command == nil {
		return nil, errors.New("supervisor: worker command factory is required")
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Rollback == nil {
		cfg.Rollback = gitCheckout
	}
	return &Supervisor{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "supervisor"),
		standby: newStandby(cfg.Port, cfg.Logger),
	}, nil
}

// Run is the supervision loop. It returns when the context ends, on a
// shutdown signal, or once the crash backoff schedule is exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.PIDPath != "" {
		if err := writePIDFile(s.cfg.PIDPath); err != nil {
			return err
		}
		defer os.Remove(s.cfg.PIDPath)
	}

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	defer s.standby.Stop()

	// The standby covers the port whenever no worker is serving it:
	// before the first spawn, across crash backoff, and between a
	// drained worker and its replacement.
	s.standby.Start()

	for {
		// The worker binds the port early in its startup; the standby
		// has to let go first.
		s.standby.Stop()
		w, err := s.spawn(ctx)
		if err != nil {
			s.log.Error("worker spawn failed", "error", err)
			if giveUp := s.recordCrash(ctx, sigs); giveUp != nil {
				if errors.Is(giveUp, errShutdown) {
					return nil
				}
				return giveUp
			}
			continue
		}

		state, runErr := s.superviseWorker(ctx, sigs, w)
		switch state {
		case stateShutdown:
			return nil
		case stateRestart:
			// Intentional restart: no backoff, fresh crash budget.
			s.crashes = 0
			metrics.WorkerRestartsTotal.Inc()
			continue
		case stateCrashed:
			s.log.Warn("worker exited unexpectedly", "error", runErr)
			if giveUp := s.recordCrash(ctx, sigs); giveUp != nil {
				if errors.Is(giveUp, errShutdown) {
					return nil
				}
				return giveUp
			}
		}
	}
}

type workerState int

const (
	stateCrashed workerState = iota
	stateRestart
	stateShutdown
)

// superviseWorker handles one worker generation: ready gating, then
// signals and exit until something ends it.
func (s *Supervisor) superviseWorker(ctx context.Context, sigs chan os.Signal, w *worker) (workerState, error) {
	readyTimer := time.NewTimer(s.cfg.ReadyTimeout)
	defer readyTimer.Stop()

	// Phase 1: wait for ready.
	for {
		select {
		case <-ctx.Done():
			s.stopWorker(w)
			return stateShutdown, nil
		case sig := <-sigs:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				s.stopWorker(w)
				return stateShutdown, nil
			case syscall.SIGUSR2:
				s.markDeploy()
			case syscall.SIGHUP:
				// Not ready yet; restart requests are ignored.
				s.log.Info("restart request ignored, worker not ready")
			}
			continue
		case err := <-w.exited:
			return stateCrashed, err
		case <-readyTimer.C:
			s.log.Error("worker never reported ready", "timeout", s.cfg.ReadyTimeout)
			s.stopWorker(w)
			<-w.exited
			return stateCrashed, errors.New("ready timeout")
		case <-w.ready:
		}
		break
	}

	s.log.Info("worker ready", "pid", w.cmd.Process.Pid)
	s.crashes = 0

	// Phase 2: serve until exit, restart request or shutdown.
	for {
		select {
		case <-ctx.Done():
			s.drainAndStop(w)
			return stateShutdown, nil
		case err := <-w.exited:
			return stateCrashed, err
		case sig := <-sigs:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				s.log.Info("shutting down", "signal", sig.String())
				s.drainAndStop(w)
				return stateShutdown, nil
			case syscall.SIGUSR2:
				s.markDeploy()
			case syscall.SIGHUP:
				s.log.Info("restart requested")
				s.drainAndStop(w)
				s.standby.Start()
				return stateRestart, nil
			}
		}
	}
}

// recordCrash applies the backoff schedule, rolling back a bad deploy
// first if the crash pattern points at it. Returns non-nil when the
// schedule is exhausted.
func (s *Supervisor) recordCrash(ctx context.Context, sigs chan os.Signal) error {
	now := time.Now()
	s.exits = append(s.exits, now)
	trimmed := s.exits[:0]
	for _, t := range s.exits {
		if now.Sub(t) <= rollbackExitWindow {
			trimmed = append(trimmed, t)
		}
	}
	s.exits = trimmed

	if !s.deployedAt.IsZero() && len(s.exits) >= rollbackExitCount && s.cfg.GoodRef != "" {
		s.log.Warn("recent deploy is crashing, rolling back",
			"ref", s.cfg.GoodRef, "exits", len(s.exits))
		if err := s.cfg.Rollback(ctx, s.cfg.SourceDir, s.cfg.GoodRef); err != nil {
			s.log.Error("rollback failed", "error", err)
		} else {
			s.deployedAt = time.Time{}
			s.exits = nil
			s.crashes = 0
		}
	}

	s.crashes++
	if s.crashes > len(restartDelays) {
		return fmt.Errorf("%w (%d consecutive failures)", ErrGivingUp, s.crashes-1)
	}

	delay := restartDelays[s.crashes-1]
	s.log.Info("restarting worker", "attempt", s.crashes, "delay", delay)
	metrics.WorkerRestartsTotal.Inc()
	s.standby.setStats(standbyStats{
		ConsecutiveCrashes: s.crashes,
		RecentExits:        len(s.exits),
		DownSince:          now.UnixMilli(),
	})
	s.standby.Start()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return errShutdown
		case sig := <-sigs:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				return errShutdown
			case syscall.SIGUSR2:
				s.markDeploy()
			}
		case <-timer.C:
			return nil
		}
	}
}

func (s *Supervisor) markDeploy() {
	s.deployedAt = time.Now()
	s.exits = nil
	s.log.Info("deploy marker set")
}

// --- worker process handling ---

type worker struct {
	cmd    *exec.Cmd
	writer *controlWriter

	ready   chan struct{}
	drained chan struct{}
	exited  chan error
}

// spawn starts one worker with the control channel wired up.
func (s *Supervisor) spawn(ctx context.Context) (*worker, error) {
	cmd := s.cfg.Command(ctx)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = termGrace
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	s.log.Info("worker started", "pid", cmd.Process.Pid)

	w := &worker{
		cmd:     cmd,
		writer:  &controlWriter{out: stdin},
		ready:   make(chan struct{}),
		drained: make(chan struct{}),
		exited:  make(chan error, 1),
	}
	go w.readControl(stdout)
	go func() { w.exited <- cmd.Wait() }()
	return w, nil
}

func (w *worker) readControl(r io.Reader) {
	scanner := bufio.NewScanner(r)
	readyClosed := false
	drainedClosed := false
	for scanner.Scan() {
		var msg controlMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		switch msg.Type {
		case msgReady:
			if !readyClosed {
				readyClosed = true
				close(w.ready)
			}
		case msgDrainComplete:
			if !drainedClosed {
				drainedClosed = true
				close(w.drained)
			}
		}
	}
}

// drainAndStop asks the worker to serialise its state, then terminates
// it. Used for intentional restarts and shutdown.
func (s *Supervisor) drainAndStop(w *worker) {
	err := w.writer.write(controlMessage{
		Type:      msgDrain,
		TimeoutMS: int(s.cfg.DrainTimeout / time.Millisecond),
	})
	if err == nil {
		timer := time.NewTimer(s.cfg.DrainTimeout)
		select {
		case <-w.drained:
			s.log.Info("worker drain complete")
		case <-w.exited:
			// Exited on its own after draining; nothing left to stop.
			w.exited <- nil
			timer.Stop()
			return
		case <-timer.C:
			s.log.Warn("worker drain timed out")
		}
		timer.Stop()
	}
	s.stopWorker(w)
}

// stopWorker sends SIGTERM, escalating to SIGKILL after the grace
// period.
func (s *Supervisor) stopWorker(w *worker) {
	if w.cmd.Process == nil {
		return
	}
	_ = w.cmd.Process.Signal(syscall.SIGTERM)

	timer := time.NewTimer(termGrace)
	defer timer.Stop()
	select {
	case err := <-w.exited:
		w.exited <- err
	case <-timer.C:
		s.log.Warn("worker ignored SIGTERM, killing")
		_ = w.cmd.Process.Kill()
		err := <-w.exited
		w.exited <- err
	}
}

// --- helpers ---

func writePIDFile(path string) error {
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the supervisor pid recorded at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

// gitCheckout restores the source tree to ref.
func gitCheckout(ctx context.Context, dir, ref string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "checkout", ref)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git checkout %s: %w: %s", ref, err, out)
	}
	return nil
}
