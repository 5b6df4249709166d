package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chroxy/chroxy/internal/metrics"
	"github.com/chroxy/chroxy/internal/statestore"
	"github.com/chroxy/chroxy/internal/validate"
)

// DefaultMaxSessions caps concurrent sessions.
const DefaultMaxSessions = 5

var (
	// ErrCapacity is returned when the session limit is reached.
	ErrCapacity = errors.New("session capacity reached")
	// ErrLastSession guards the final remaining session.
	ErrLastSession = errors.New("cannot destroy the last session")
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyAttached refuses duplicate attachments to one tmux session.
	ErrAlreadyAttached = errors.New("tmux session is already attached")
)

// BrokerAPI is the slice of the permission broker the manager and its
// sessions depend on.
type BrokerAPI interface {
	PermissionRequester
	EndTurn(sessionID string)
}

// TmuxLister enumerates candidate tmux sessions; injectable for tests.
type TmuxLister func(ctx context.Context) ([]string, error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	MaxSessions  int
	DefaultCwd   string
	DefaultModel string
	AgentCommand string // headless variant binary
	SDKCommand   string // acp adapter binary
	AllowedTools string
	HookPort     int
	HookToken    string

	Broker     BrokerAPI
	StartAgent StartAgentFunc // injectable headless child spawner
	ListTmux   TmuxLister
	Logger     *slog.Logger
}

// CreateOptions are the per-session creation parameters.
type CreateOptions struct {
	Name           string
	Cwd            string
	Variant        string // defaults to headless
	Model          string
	PermissionMode string

	// Drain-resume fields.
	ID               string
	ResumeUpstreamID string
	CreatedAt        time.Time
}

// Manager is the directory of live sessions. It exclusively owns
// session lifecycle and re-tags each session's events with its id on
// the aggregate stream.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	events chan Tagged
	done   chan struct{}

	mu       sync.Mutex
	sessions map[string]Session
	order    []string // creation order, for list and migration
	reserved int      // slots claimed by in-flight constructions
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ListTmux == nil {
		cfg.ListTmux = listTmuxSessions
	}
	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "sessionmgr"),
		events:   make(chan Tagged, 1024),
		done:     make(chan struct{}),
		sessions: make(map[string]Session),
	}
}

// Events is the aggregate session-tagged event stream.
func (m *Manager) Events() <-chan Tagged { return m.events }

// Create constructs a session of the requested variant.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (Session, error) {
	cwd := opts.Cwd
	if cwd == "" {
		cwd = m.cfg.DefaultCwd
	}
	info, err := os.Stat(cwd)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("working directory %q does not exist", cwd)
	}

	name, err := validate.DisplayName(opts.Name)
	if err != nil {
		name = fmt.Sprintf("session %d", m.Count()+1)
	}
	model := opts.Model
	if model == "" {
		model = m.cfg.DefaultModel
	}
	variant := opts.Variant
	if variant == "" {
		variant = VariantHeadless
	}

	// Session construction can block for seconds on the child handshake,
	// so the slot is claimed up front; otherwise concurrent creates all
	// pass the check and overshoot the cap.
	if err := m.reserveSlot(); err != nil {
		return nil, err
	}

	onTurnEnd := func(sessionID string) {
		if m.cfg.Broker != nil {
			m.cfg.Broker.EndTurn(sessionID)
		}
	}

	var sess Session
	switch variant {
	case VariantHeadless:
		sess, err = NewHeadless(ctx, HeadlessConfig{
			ID:               opts.ID,
			Name:             name,
			Cwd:              cwd,
			Model:            model,
			PermissionMode:   opts.PermissionMode,
			AllowedTools:     m.cfg.AllowedTools,
			AgentCommand:     m.cfg.AgentCommand,
			HookPort:         m.cfg.HookPort,
			HookToken:        m.cfg.HookToken,
			ResumeUpstreamID: opts.ResumeUpstreamID,
			CreatedAt:        opts.CreatedAt,
			OnTurnEnd:        onTurnEnd,
			StartAgent:       m.cfg.StartAgent,
			Logger:           m.cfg.Logger,
		})
		if err != nil {
			m.releaseSlot()
			return nil, err
		}
	case VariantSDK:
		sess = NewSDK(SDKConfig{
			ID:               opts.ID,
			Name:             name,
			Cwd:              cwd,
			Model:            model,
			PermissionMode:   opts.PermissionMode,
			AgentCommand:     m.cfg.SDKCommand,
			ResumeUpstreamID: opts.ResumeUpstreamID,
			CreatedAt:        opts.CreatedAt,
			Broker:           m.cfg.Broker,
			OnTurnEnd:        onTurnEnd,
			Logger:           m.cfg.Logger,
		})
	default:
		m.releaseSlot()
		return nil, fmt.Errorf("unknown session variant %q", variant)
	}

	m.register(sess)
	return sess, nil
}

// Attach wraps an existing tmux session. The target name is validated
// against a conservative whitelist before it reaches the shell.
func (m *Manager) Attach(target, name string) (Session, error) {
	if err := validate.TmuxName(target); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if len(m.sessions)+m.reserved >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrCapacity
	}
	for _, s := range m.sessions {
		if att, ok := s.(*Attached); ok && att.Target() == target {
			m.mu.Unlock()
			return nil, ErrAlreadyAttached
		}
	}
	m.reserved++
	m.mu.Unlock()

	display, err := validate.DisplayName(name)
	if err != nil {
		display = target
	}
	sess, err := NewAttached(AttachedConfig{
		Name:   display,
		Target: target,
		Cwd:    m.cfg.DefaultCwd,
		Logger: m.cfg.Logger,
	})
	if err != nil {
		m.releaseSlot()
		return nil, err
	}

	m.register(sess)
	return sess, nil
}

// reserveSlot claims a capacity slot ahead of session construction.
// register consumes the reservation; every error path between the two
// must releaseSlot.
func (m *Manager) reserveSlot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions)+m.reserved >= m.cfg.MaxSessions {
		return ErrCapacity
	}
	m.reserved++
	return nil
}

func (m *Manager) releaseSlot() {
	m.mu.Lock()
	if m.reserved > 0 {
		m.reserved--
	}
	m.mu.Unlock()
}

// register adds the session to the directory and starts its pump. It
// converts the caller's reservation into the map entry.
func (m *Manager) register(sess Session) {
	m.mu.Lock()
	if m.reserved > 0 {
		m.reserved--
	}
	m.sessions[sess.ID()] = sess
	m.order = append(m.order, sess.ID())
	m.mu.Unlock()

	metrics.ActiveSessions.Inc()
	m.log.Info("session registered", "session_id", sess.ID(), "variant", sess.Variant(), "name", sess.Name())
	go m.pump(sess)
}

// pump forwards a session's events onto the aggregate stream, tagged
// with its id, until the session is destroyed.
func (m *Manager) pump(sess Session) {
	for {
		select {
		case ev := <-sess.Events():
			select {
			case m.events <- Tagged{SessionID: sess.ID(), Event: ev}:
			case <-m.done:
				return
			}
		case <-sess.Done():
			// Drain what the session emitted before Destroy.
			for {
				select {
				case ev := <-sess.Events():
					select {
					case m.events <- Tagged{SessionID: sess.ID(), Event: ev}:
					case <-m.done:
						return
					}
				default:
					return
				}
			}
		case <-m.done:
			return
		}
	}
}

// Get returns the session with the given id.
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List returns session summaries in creation order.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.order))
	for _, sid := range m.order {
		if s, ok := m.sessions[sid]; ok {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Summarize(s))
	}
	return out
}

// First returns the oldest live session, for client migration after a
// destroy.
func (m *Manager) First() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sid := range m.order {
		if s, ok := m.sessions[sid]; ok {
			return s, true
		}
	}
	return nil, false
}

// Destroy removes a session. The last remaining session is protected.
func (m *Manager) Destroy(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if len(m.sessions) == 1 {
		m.mu.Unlock()
		return ErrLastSession
	}
	delete(m.sessions, sessionID)
	for i, sid := range m.order {
		if sid == sessionID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	sess.Destroy()
	metrics.ActiveSessions.Dec()
	if m.cfg.Broker != nil {
		m.cfg.Broker.EndTurn(sessionID)
	}
	return nil
}

// Discover lists attachable tmux sessions, excluding those already
// attached.
func (m *Manager) Discover(ctx context.Context) ([]string, error) {
	names, err := m.cfg.ListTmux(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	attached := make(map[string]bool)
	for _, s := range m.sessions {
		if att, ok := s.(*Attached); ok {
			attached[att.Target()] = true
		}
	}
	m.mu.Unlock()

	out := make([]string, 0, len(names))
	for _, n := range names {
		if !attached[n] && validate.TmuxName(n) == nil {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Snapshot serialises every session for drain persistence.
func (m *Manager) Snapshot() []statestore.SavedSession {
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.order))
	for _, sid := range m.order {
		if s, ok := m.sessions[sid]; ok {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	out := make([]statestore.SavedSession, 0, len(sessions))
	for _, s := range sessions {
		if s.Variant() == VariantAttached {
			// The terminal session survives on its own; nothing to resume.
			continue
		}
		out = append(out, statestore.SavedSession{
			ID:             s.ID(),
			Name:           s.Name(),
			Cwd:            s.Cwd(),
			Variant:        s.Variant(),
			Model:          s.Model(),
			PermissionMode: s.PermissionMode(),
			UpstreamID:     s.UpstreamID(),
			CreatedAt:      s.CreatedAt(),
			History:        s.History(),
		})
	}
	return out
}

// Restore recreates sessions from drained state. Failures are logged
// and skipped; a restart must not wedge on one bad row.
func (m *Manager) Restore(ctx context.Context, saved []statestore.SavedSession) {
	for _, row := range saved {
		opts := CreateOptions{
			ID:               row.ID,
			Name:             row.Name,
			Cwd:              row.Cwd,
			Variant:          row.Variant,
			Model:            row.Model,
			PermissionMode:   row.PermissionMode,
			ResumeUpstreamID: row.UpstreamID,
			CreatedAt:        row.CreatedAt,
		}
		sess, err := m.createRestored(ctx, opts, row)
		if err != nil {
			m.log.Warn("session restore failed", "session_id", row.ID, "error", err)
			continue
		}
		m.log.Info("session restored", "session_id", sess.ID(), "upstream_id", row.UpstreamID)
	}
}

func (m *Manager) createRestored(ctx context.Context, opts CreateOptions, row statestore.SavedSession) (Session, error) {
	if err := m.reserveSlot(); err != nil {
		return nil, err
	}

	onTurnEnd := func(sessionID string) {
		if m.cfg.Broker != nil {
			m.cfg.Broker.EndTurn(sessionID)
		}
	}

	switch opts.Variant {
	case VariantHeadless:
		sess, err := NewHeadless(ctx, HeadlessConfig{
			ID:               opts.ID,
			Name:             opts.Name,
			Cwd:              opts.Cwd,
			Model:            opts.Model,
			PermissionMode:   opts.PermissionMode,
			AllowedTools:     m.cfg.AllowedTools,
			AgentCommand:     m.cfg.AgentCommand,
			HookPort:         m.cfg.HookPort,
			HookToken:        m.cfg.HookToken,
			ResumeUpstreamID: opts.ResumeUpstreamID,
			RestoredHistory:  row.History,
			CreatedAt:        opts.CreatedAt,
			OnTurnEnd:        onTurnEnd,
			StartAgent:       m.cfg.StartAgent,
			Logger:           m.cfg.Logger,
		})
		if err != nil {
			m.releaseSlot()
			return nil, err
		}
		m.register(sess)
		return sess, nil
	case VariantSDK:
		sess := NewSDK(SDKConfig{
			ID:               opts.ID,
			Name:             opts.Name,
			Cwd:              opts.Cwd,
			Model:            opts.Model,
			PermissionMode:   opts.PermissionMode,
			AgentCommand:     m.cfg.SDKCommand,
			ResumeUpstreamID: opts.ResumeUpstreamID,
			RestoredHistory:  row.History,
			CreatedAt:        opts.CreatedAt,
			Broker:           m.cfg.Broker,
			OnTurnEnd:        onTurnEnd,
			Logger:           m.cfg.Logger,
		})
		m.register(sess)
		return sess, nil
	default:
		m.releaseSlot()
		return nil, fmt.Errorf("unknown session variant %q", opts.Variant)
	}
}

// Shutdown destroys every session, last-session guard excepted.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]Session)
	m.order = nil
	m.mu.Unlock()

	for _, s := range sessions {
		s.Destroy()
		metrics.ActiveSessions.Dec()
	}
	close(m.done)
}

// listTmuxSessions shells out to tmux. A missing server is not an
// error; there is simply nothing to attach.
func listTmuxSessions(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, "tmux", "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}
