package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	acp "github.com/coder/acp-go-sdk"

	"github.com/chroxy/chroxy/internal/agent"
	"github.com/chroxy/chroxy/internal/id"
	"github.com/chroxy/chroxy/internal/metrics"
	"github.com/chroxy/chroxy/internal/permission"
)

// PermissionRequester is the broker capability the sdk variant blocks
// on for tool-use approval and ask-user questions.
type PermissionRequester interface {
	RequestPermission(ctx context.Context, sessionID, tool string, input json.RawMessage) permission.Decision
	RequestQuestion(ctx context.Context, sessionID, toolUseID string, questions json.RawMessage) (string, error)
}

// SDKConfig configures an agent-sdk session.
type SDKConfig struct {
	ID             string
	Name           string
	Cwd            string
	Model          string
	PermissionMode string

	// AgentCommand is the ACP adapter binary; defaults to "claude-code-acp".
	AgentCommand string

	ResumeUpstreamID string
	RestoredHistory  []json.RawMessage
	CreatedAt        time.Time

	Broker    PermissionRequester
	OnTurnEnd func(sessionID string)
	Logger    *slog.Logger
}

func (c SDKConfig) command() string {
	if c.AgentCommand != "" {
		return c.AgentCommand
	}
	return "claude-code-acp"
}

// SDK runs the Agent through an in-process ACP connection to an
// adapter subprocess. There is no respawn machinery: the connection is
// (re-)established lazily and each turn resumes the last-known
// upstream conversation.
type SDK struct {
	id        string
	cwd       string
	createdAt time.Time
	log       *slog.Logger
	cfg       SDKConfig

	events chan Event
	done   chan struct{}
	hist   *historyBuffer

	mu             sync.Mutex
	name           string
	model          string
	permissionMode string
	upstreamID     string
	busy           bool
	destroyed      bool

	conn *acp.ClientSideConnection
	proc *exec.Cmd
	// settingsDirty forces SetSessionModel/SetSessionMode before the
	// next prompt.
	settingsDirty bool

	msgCounter   int
	curMessageID string
	streamOpen   bool
	planOpen     bool
	turnCancel   context.CancelFunc
}

// NewSDK creates an agent-sdk session. The adapter subprocess is not
// started until the first turn.
func NewSDK(cfg SDKConfig) *SDK {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ID == "" {
		cfg.ID = id.Short()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}
	if cfg.PermissionMode == "" {
		cfg.PermissionMode = ModeApprove
	}

	s := &SDK{
		id:             cfg.ID,
		cwd:            cfg.Cwd,
		createdAt:      cfg.CreatedAt,
		log:            cfg.Logger.With("session_id", cfg.ID, "variant", VariantSDK),
		cfg:            cfg,
		events:         make(chan Event, 512),
		done:           make(chan struct{}),
		hist:           newHistoryBuffer(),
		name:           cfg.Name,
		model:          cfg.Model,
		permissionMode: cfg.PermissionMode,
		upstreamID:     cfg.ResumeUpstreamID,
		settingsDirty:  true,
	}
	if len(cfg.RestoredHistory) > 0 {
		s.hist.Restore(cfg.RestoredHistory)
	}
	s.emit(readyEvent(cfg.Model, nil))
	return s
}

func (s *SDK) ID() string            { return s.id }
func (s *SDK) Cwd() string           { return s.cwd }
func (s *SDK) Variant() string       { return VariantSDK }
func (s *SDK) CreatedAt() time.Time  { return s.createdAt }
func (s *SDK) Events() <-chan Event  { return s.events }
func (s *SDK) Done() <-chan struct{} { return s.done }

func (s *SDK) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *SDK) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

func (s *SDK) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func (s *SDK) PermissionMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissionMode
}

func (s *SDK) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Ready is always true: the connection is established on demand.
func (s *SDK) Ready() bool { return !s.Busy() }

func (s *SDK) UpstreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstreamID
}

func (s *SDK) History() []json.RawMessage { return s.hist.All() }
func (s *SDK) Replay() []json.RawMessage  { return s.hist.Replay() }

// Send runs one turn asynchronously: establish (or reuse) the ACP
// connection, resume the conversation, prompt, emit the result.
func (s *SDK) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if s.busy {
		s.mu.Unlock()
		return ErrBusy
	}
	s.busy = true
	turnCtx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	s.turnCancel = cancel
	s.mu.Unlock()

	go s.runTurn(turnCtx, cancel, text)
	return nil
}

func (s *SDK) runTurn(ctx context.Context, cancel context.CancelFunc, text string) {
	defer cancel()
	started := time.Now()

	conn, sessionID, err := s.ensureConn(ctx)
	if err != nil {
		s.log.Error("establish agent connection", "error", err)
		s.finishTurn(true, err.Error(), started)
		return
	}

	resp, err := conn.Prompt(ctx, acp.PromptRequest{
		SessionId: sessionID,
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})
	if err != nil {
		s.log.Warn("prompt failed", "error", err)
		s.dropConn()
		s.finishTurn(true, err.Error(), started)
		return
	}

	s.finishTurn(false, string(resp.StopReason), started)
}

func (s *SDK) finishTurn(isError bool, result string, started time.Time) {
	s.mu.Lock()
	if s.streamOpen {
		s.streamOpen = false
		s.emitLocked(streamEndEvent(s.curMessageID))
	}
	s.planOpen = false
	s.emitLocked(resultEvent(isError, result, 0, time.Since(started).Milliseconds(), nil))
	s.busy = false
	s.turnCancel = nil
	s.mu.Unlock()

	metrics.TurnsTotal.Inc()
	if s.cfg.OnTurnEnd != nil {
		s.cfg.OnTurnEnd(s.id)
	}
}

// ensureConn returns a live connection with the conversation loaded
// and current settings applied.
func (s *SDK) ensureConn(ctx context.Context) (*acp.ClientSideConnection, acp.SessionId, error) {
	s.mu.Lock()
	conn := s.conn
	resume := s.upstreamID
	s.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = s.connect(ctx, resume)
		if err != nil {
			return nil, "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settingsDirty {
		s.applySettingsLocked(ctx)
	}
	return s.conn, acp.SessionId(s.upstreamID), nil
}

// connect spawns the adapter, performs the ACP handshake and loads or
// creates the upstream conversation.
func (s *SDK) connect(ctx context.Context, resume string) (*acp.ClientSideConnection, error) {
	cmd := exec.Command(s.cfg.command())
	cmd.Dir = s.cwd
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.cfg.command(), err)
	}

	conn := acp.NewClientSideConnection(&sdkClient{session: s}, stdin, stdout)

	initResp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	upstreamID := ""
	if resume != "" && initResp.AgentCapabilities.LoadSession {
		_, loadErr := conn.LoadSession(ctx, acp.LoadSessionRequest{
			SessionId:  acp.SessionId(resume),
			Cwd:        s.cwd,
			McpServers: []acp.McpServer{},
		})
		if loadErr == nil {
			upstreamID = resume
		} else {
			s.log.Warn("load session failed, starting fresh", "error", loadErr)
		}
	}
	if upstreamID == "" {
		sessResp, err := conn.NewSession(ctx, acp.NewSessionRequest{
			Cwd:        s.cwd,
			McpServers: []acp.McpServer{},
		})
		if err != nil {
			_ = cmd.Process.Kill()
			return nil, fmt.Errorf("new session: %w", err)
		}
		upstreamID = string(sessResp.SessionId)
	}

	s.mu.Lock()
	s.conn = conn
	s.proc = cmd
	s.upstreamID = upstreamID
	s.settingsDirty = true
	s.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		s.dropConn()
	}()

	s.log.Info("agent connection established", "upstream_id", upstreamID)
	return conn, nil
}

// applySettingsLocked pushes the desired model and permission mode to
// the upstream session. Failures are non-fatal; settings apply on the
// next attempt.
func (s *SDK) applySettingsLocked(ctx context.Context) {
	conn := s.conn
	sessionID := acp.SessionId(s.upstreamID)
	if conn == nil || sessionID == "" {
		return
	}
	s.settingsDirty = false

	if s.model != "" {
		if _, err := conn.SetSessionModel(ctx, acp.SetSessionModelRequest{
			SessionId: sessionID,
			ModelId:   acp.ModelId(s.model),
		}); err != nil {
			s.log.Warn("set session model failed", "model", s.model, "error", err)
		}
	}
	if mode := agent.TranslateMode(s.permissionMode); mode != agent.AgentModeDefault {
		if _, err := conn.SetSessionMode(ctx, acp.SetSessionModeRequest{
			SessionId: sessionID,
			ModeId:    acp.SessionModeId(mode),
		}); err != nil {
			s.log.Warn("set session mode failed", "mode", mode, "error", err)
		}
	}
}

// dropConn discards the connection so the next turn re-establishes it.
// The upstream conversation id is kept for resume.
func (s *SDK) dropConn() {
	s.mu.Lock()
	proc := s.proc
	s.conn = nil
	s.proc = nil
	s.mu.Unlock()

	if proc != nil && proc.Process != nil {
		_ = proc.Process.Signal(syscall.SIGTERM)
	}
}

// Interrupt cancels the in-flight prompt upstream.
func (s *SDK) Interrupt() error {
	s.mu.Lock()
	conn := s.conn
	sessionID := acp.SessionId(s.upstreamID)
	busy := s.busy
	s.mu.Unlock()

	if !busy || conn == nil {
		return nil
	}
	return conn.Cancel(context.Background(), acp.CancelNotification{SessionId: sessionID})
}

// SetModel takes effect on the next query; no restart required.
func (s *SDK) SetModel(ctx context.Context, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	if s.busy {
		return ErrBusy
	}
	if s.model == model {
		return nil
	}
	s.model = model
	s.settingsDirty = true
	return nil
}

// SetPermissionMode takes effect on the next query.
func (s *SDK) SetPermissionMode(ctx context.Context, mode string) error {
	if !ValidPermissionMode(mode) {
		return fmt.Errorf("invalid permission mode %q", mode)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	if s.busy {
		return ErrBusy
	}
	if s.permissionMode == mode {
		return nil
	}
	s.permissionMode = mode
	s.settingsDirty = true
	return nil
}

// RespondToQuestion resolves the pending question through the broker;
// the blocked permission callback picks the matching option.
func (s *SDK) RespondToQuestion(answer string) error {
	type sessionResolver interface {
		ResolveQuestionForSession(sessionID, answer string) error
	}
	if r, ok := s.cfg.Broker.(sessionResolver); ok {
		return r.ResolveQuestionForSession(s.id, answer)
	}
	return ErrNoQuestion
}

// Destroy cancels any in-flight turn and tears down the adapter.
func (s *SDK) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	cancel := s.turnCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	close(s.done)
	s.dropConn()
	if s.cfg.OnTurnEnd != nil {
		s.cfg.OnTurnEnd(s.id)
	}
	s.log.Info("session destroyed")
}

func (s *SDK) emit(ev Event) {
	s.hist.Append(ev)
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *SDK) emitLocked(ev Event) {
	s.hist.Append(ev)
	select {
	case s.events <- ev:
	case <-s.done:
	default:
		s.log.Warn("event channel full, dropping", "event", ev.Type)
	}
}

// handleUpdate translates ACP session updates into the uniform schema.
func (s *SDK) handleUpdate(n acp.SessionNotification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text == nil {
			return
		}
		if !s.streamOpen {
			s.msgCounter++
			s.curMessageID = fmt.Sprintf("msg-%d", s.msgCounter)
			s.streamOpen = true
			s.emitLocked(streamStartEvent(s.curMessageID))
		}
		s.emitLocked(streamDeltaEvent(s.curMessageID, u.AgentMessageChunk.Content.Text.Text))

	case u.ToolCall != nil:
		// A tool call ends the current text stream.
		if s.streamOpen {
			s.streamOpen = false
			s.emitLocked(streamEndEvent(s.curMessageID))
		}
		tool := u.ToolCall.Title
		if u.ToolCall.Kind != "" {
			tool = string(u.ToolCall.Kind)
		}
		s.emitLocked(toolStartEvent(s.curMessageID, string(u.ToolCall.ToolCallId), tool))

	case u.ToolCallUpdate != nil:
		if u.ToolCallUpdate.Status == nil {
			return
		}
		s.emitLocked(statusUpdateEvent(
			string(u.ToolCallUpdate.ToolCallId),
			string(*u.ToolCallUpdate.Status)))

	case u.Plan != nil:
		if !s.planOpen {
			s.planOpen = true
			s.emitLocked(Event{Type: EventPlanStarted})
		}
		entries := make([]map[string]any, 0, len(u.Plan.Entries))
		done := len(u.Plan.Entries) > 0
		for _, e := range u.Plan.Entries {
			if string(e.Status) != "completed" {
				done = false
			}
			entries = append(entries, map[string]any{
				"description": e.Content,
				"status":      string(e.Status),
			})
		}
		if done {
			s.planOpen = false
			s.emitLocked(Event{Type: EventPlanReady, Data: map[string]any{"entries": entries}})
		}
	}
}

// isQuestionRequest reports whether a permission request is actually
// an ask-user question: the adapter surfaces AskUserQuestion as a
// permission prompt whose options are the answers.
func isQuestionRequest(p acp.RequestPermissionRequest) bool {
	if p.ToolCall.Title != nil && *p.ToolCall.Title == "AskUserQuestion" {
		return true
	}
	if raw, ok := p.ToolCall.RawInput.(map[string]any); ok {
		_, has := raw["questions"]
		return has
	}
	return false
}

// sdkClient implements acp.Client for one SDK session.
type sdkClient struct {
	session *SDK
}

var _ acp.Client = (*sdkClient)(nil)

func (c *sdkClient) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	c.session.handleUpdate(n)
	return nil
}

// RequestPermission blocks on the broker until a client decides, then
// maps the decision onto the offered options. allow, allowAlways and
// deny are all explicit branches; anything else denies.
func (c *sdkClient) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	s := c.session

	if len(p.Options) == 0 {
		return acp.RequestPermissionResponse{
			Outcome: acp.NewRequestPermissionOutcomeCancelled(),
		}, nil
	}

	rawInput, _ := json.Marshal(p.ToolCall.RawInput)

	if isQuestionRequest(p) {
		return c.answerQuestion(ctx, p, rawInput)
	}

	tool := ""
	if p.ToolCall.Kind != nil {
		tool = string(*p.ToolCall.Kind)
	}
	if tool == "" && p.ToolCall.Title != nil {
		tool = *p.ToolCall.Title
	}

	decision := s.cfg.Broker.RequestPermission(ctx, s.id, tool, rawInput)

	switch decision {
	case permission.DecisionAllow:
		if opt := optionByKind(p.Options, acp.PermissionOptionKindAllowOnce); opt != nil {
			return selected(opt.OptionId), nil
		}
		if opt := optionByKind(p.Options, acp.PermissionOptionKindAllowAlways); opt != nil {
			return selected(opt.OptionId), nil
		}
	case permission.DecisionAllowAlways:
		if opt := optionByKind(p.Options, acp.PermissionOptionKindAllowAlways); opt != nil {
			return selected(opt.OptionId), nil
		}
		if opt := optionByKind(p.Options, acp.PermissionOptionKindAllowOnce); opt != nil {
			return selected(opt.OptionId), nil
		}
	case permission.DecisionDeny:
		for i := range p.Options {
			if strings.HasPrefix(string(p.Options[i].Kind), "reject") {
				return selected(p.Options[i].OptionId), nil
			}
		}
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.NewRequestPermissionOutcomeCancelled(),
	}, nil
}

// answerQuestion routes an AskUserQuestion prompt through the broker's
// question rendezvous. The user's single free-form reply is matched
// against the option names; an unmatched reply takes the first option.
func (c *sdkClient) answerQuestion(ctx context.Context, p acp.RequestPermissionRequest, rawInput json.RawMessage) (acp.RequestPermissionResponse, error) {
	s := c.session

	answer, err := s.cfg.Broker.RequestQuestion(ctx, s.id, string(p.ToolCall.ToolCallId), rawInput)
	if err != nil {
		return acp.RequestPermissionResponse{
			Outcome: acp.NewRequestPermissionOutcomeCancelled(),
		}, nil
	}

	for i := range p.Options {
		if p.Options[i].Name == answer {
			return selected(p.Options[i].OptionId), nil
		}
	}
	return selected(p.Options[0].OptionId), nil
}

func optionByKind(options []acp.PermissionOption, kind acp.PermissionOptionKind) *acp.PermissionOption {
	for i := range options {
		if options[i].Kind == kind {
			return &options[i]
		}
	}
	return nil
}

func selected(optionID acp.PermissionOptionId) acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.NewRequestPermissionOutcomeSelected(optionID),
	}
}

func (c *sdkClient) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	b, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}

	content := string(b)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = min(*p.Line-1, len(lines))
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

func (c *sdkClient) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

func (c *sdkClient) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal capability not provided")
}

func (c *sdkClient) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("terminal capability not provided")
}

func (c *sdkClient) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminal capability not provided")
}

func (c *sdkClient) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("terminal capability not provided")
}

func (c *sdkClient) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminal capability not provided")
}
