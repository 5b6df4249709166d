package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/chroxy/chroxy/internal/id"
)

// Parser consumes raw terminal output and produces normalised events
// (readiness, messages, prompts). The terminal parser itself lives
// outside this package; a nil parser forwards raw frames only.
type Parser interface {
	Feed(data []byte) []Event
}

// AttachedConfig configures an attached-terminal session.
type AttachedConfig struct {
	ID     string
	Name   string
	Target string // tmux session name, already validated
	Cwd    string

	Parser    Parser
	CreatedAt time.Time
	Logger    *slog.Logger
}

// Attached mirrors an existing tmux session hosting an interactive
// Agent. Output is forwarded as raw frames; the optional parser
// produces structured events on top.
type Attached struct {
	id        string
	target    string
	cwd       string
	createdAt time.Time
	log       *slog.Logger
	parser    Parser

	events chan Event
	done   chan struct{}
	hist   *historyBuffer

	mu        sync.Mutex
	name      string
	busy      bool
	destroyed bool
	ptmx      *os.File
	cmd       *exec.Cmd
}

// NewAttached attaches to the tmux session named target under a PTY.
func NewAttached(cfg AttachedConfig) (*Attached, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ID == "" {
		cfg.ID = id.Short()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Target
	}

	cmd := exec.Command("tmux", "attach-session", "-t", cfg.Target)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, fmt.Errorf("attach to tmux session %q: %w", cfg.Target, err)
	}

	a := &Attached{
		id:        cfg.ID,
		target:    cfg.Target,
		cwd:       cfg.Cwd,
		createdAt: cfg.CreatedAt,
		log:       cfg.Logger.With("session_id", cfg.ID, "variant", VariantAttached, "target", cfg.Target),
		parser:    cfg.Parser,
		events:    make(chan Event, 512),
		done:      make(chan struct{}),
		hist:      newHistoryBuffer(),
		name:      cfg.Name,
		ptmx:      ptmx,
		cmd:       cmd,
	}

	go a.readLoop()
	a.emit(readyEvent("", nil))
	return a, nil
}

func (a *Attached) ID() string            { return a.id }
func (a *Attached) Cwd() string           { return a.cwd }
func (a *Attached) Variant() string       { return VariantAttached }
func (a *Attached) CreatedAt() time.Time  { return a.createdAt }
func (a *Attached) Events() <-chan Event  { return a.events }
func (a *Attached) Done() <-chan struct{} { return a.done }

// Target returns the underlying tmux session name.
func (a *Attached) Target() string { return a.target }

func (a *Attached) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name
}

func (a *Attached) SetName(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.name = name
}

// Model is unknown for an attached terminal.
func (a *Attached) Model() string { return "" }

// PermissionMode is owned by the interactive Agent in the terminal.
func (a *Attached) PermissionMode() string { return ModeApprove }

func (a *Attached) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

func (a *Attached) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.destroyed
}

func (a *Attached) UpstreamID() string { return "" }

func (a *Attached) History() []json.RawMessage { return a.hist.All() }
func (a *Attached) Replay() []json.RawMessage  { return a.hist.Replay() }

func (a *Attached) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := a.ptmx.Read(buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			a.emitRaw(rawEvent(frame))
			if a.parser != nil {
				for _, ev := range a.parser.Feed(frame) {
					a.applyParsed(ev)
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				a.log.Debug("pty read ended", "error", err)
			}
			break
		}
	}

	a.mu.Lock()
	dead := !a.destroyed
	a.mu.Unlock()
	if dead {
		a.emit(errorEvent("terminal session ended", false))
	}
}

// applyParsed forwards a parser-produced event and keeps the busy flag
// in step with turn boundaries.
func (a *Attached) applyParsed(ev Event) {
	a.mu.Lock()
	switch ev.Type {
	case EventStreamStart, EventToolStart:
		a.busy = true
	case EventResult:
		a.busy = false
	}
	a.mu.Unlock()
	a.emit(ev)
}

// Send writes raw input to the terminal.
func (a *Attached) Send(ctx context.Context, text string) error {
	return a.write([]byte(text))
}

// Interrupt sends Ctrl-C.
func (a *Attached) Interrupt() error {
	return a.write([]byte{0x03})
}

// RespondToQuestion types the answer followed by return.
func (a *Attached) RespondToQuestion(answer string) error {
	return a.write(append([]byte(answer), '\r'))
}

// SetModel is not available for a terminal-owned Agent.
func (a *Attached) SetModel(ctx context.Context, model string) error {
	return ErrUnsupported
}

// SetPermissionMode is not available for a terminal-owned Agent.
func (a *Attached) SetPermissionMode(ctx context.Context, mode string) error {
	return ErrUnsupported
}

// Resize adjusts the PTY window.
func (a *Attached) Resize(cols, rows uint16) error {
	a.mu.Lock()
	ptmx := a.ptmx
	a.mu.Unlock()
	if ptmx == nil {
		return ErrDestroyed
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (a *Attached) write(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return ErrDestroyed
	}
	_, err := a.ptmx.Write(data)
	return err
}

// Destroy detaches from the tmux session; the underlying terminal
// session keeps running.
func (a *Attached) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	ptmx := a.ptmx
	cmd := a.cmd
	a.mu.Unlock()

	close(a.done)
	_ = ptmx.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
	a.log.Info("detached from terminal session")
}

// emit records structured events in history and forwards them.
func (a *Attached) emit(ev Event) {
	a.hist.Append(ev)
	a.forward(ev)
}

// emitRaw forwards a frame without recording it; raw output is
// unbounded and belongs to the live view only.
func (a *Attached) emitRaw(ev Event) {
	a.forward(ev)
}

func (a *Attached) forward(ev Event) {
	select {
	case a.events <- ev:
	case <-a.done:
	default:
		// Raw output can outpace a stalled consumer; drop rather than
		// block the read loop.
	}
}
