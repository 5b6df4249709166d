package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/chroxy/chroxy/internal/agent"
	"github.com/chroxy/chroxy/internal/id"
	"github.com/chroxy/chroxy/internal/metrics"
)

const (
	turnTimeout        = 5 * time.Minute
	interruptGrace     = 5 * time.Second
	restartKillGrace   = 10 * time.Second
	destroyKillGrace   = 3 * time.Second
	toolInputCap       = 256 * 1024
	maxRespawnAttempts = 5
)

// StartAgentFunc spawns the Agent child; injectable for tests.
type StartAgentFunc func(ctx context.Context, opts agent.Options, outputFn agent.OutputHandler) (*agent.Agent, error)

// HeadlessConfig configures a headless session.
type HeadlessConfig struct {
	ID             string // assigned when empty
	Name           string
	Cwd            string
	Model          string
	PermissionMode string
	AllowedTools   string
	AgentCommand   string
	HookPort       int
	HookToken      string

	// ResumeUpstreamID resumes a previous conversation (drain resume).
	ResumeUpstreamID string
	// RestoredHistory seeds the history buffer on drain resume.
	RestoredHistory []json.RawMessage
	CreatedAt       time.Time

	// OnTurnEnd is invoked after each turn completes, so the broker
	// can auto-deny the session's leftover pending permissions.
	OnTurnEnd func(sessionID string)

	StartAgent StartAgentFunc
	Logger     *slog.Logger
}

// blockState tracks one in-flight content block of the current
// assistant message.
type blockState struct {
	kind      string // "text" | "tool_use"
	toolName  string
	toolUseID string
	input     []byte
	truncated bool
}

// Headless owns a long-lived Agent child speaking NDJSON. One user
// message per turn; the turn ends on the result line, not on process
// exit.
type Headless struct {
	id        string
	cwd       string
	createdAt time.Time
	log       *slog.Logger
	cfg       HeadlessConfig

	events chan Event
	done   chan struct{}
	hist   *historyBuffer

	mu             sync.Mutex
	name           string
	model          string
	permissionMode string
	upstreamID     string
	busy           bool
	ready          bool
	destroyed      bool
	tearingDown    bool
	failed         bool

	proc *agent.Agent

	pendingPrompt    string
	hasPendingPrompt bool
	questionToolID   string // non-empty while waiting for an answer

	// Streaming state for the current assistant message.
	msgCounter   int
	curMessageID string
	streamOpen   bool
	textStreamed bool
	blocks       map[int]*blockState
	handledTools map[string]bool
	agentMarkers map[string]bool
	planActive   bool
	planPrompts  []string
	planPending  bool

	turnTimer      *time.Timer
	interruptTimer *time.Timer

	respawnAttempts int
	respawnDelay    *backoff.ExponentialBackOff
}

// NewHeadless creates a headless session and starts its Agent child.
// The session is usable immediately; a prompt sent before the child
// reports ready is buffered.
func NewHeadless(ctx context.Context, cfg HeadlessConfig) (*Headless, error) {
	if cfg.StartAgent == nil {
		cfg.StartAgent = agent.Start
	}
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

	respawn := backoff.NewExponentialBackOff()
	respawn.InitialInterval = time.Second
	respawn.Multiplier = 2
	respawn.MaxInterval = 15 * time.Second
	respawn.RandomizationFactor = 0

	h := &Headless{
		id:             cfg.ID,
		cwd:            cfg.Cwd,
		createdAt:      cfg.CreatedAt,
		log:            cfg.Logger.With("session_id", cfg.ID, "variant", VariantHeadless),
		cfg:            cfg,
		events:         make(chan Event, 512),
		done:           make(chan struct{}),
		hist:           newHistoryBuffer(),
		name:           cfg.Name,
		model:          cfg.Model,
		permissionMode: cfg.PermissionMode,
		upstreamID:     cfg.ResumeUpstreamID,
		blocks:         make(map[int]*blockState),
		handledTools:   make(map[string]bool),
		agentMarkers:   make(map[string]bool),
		respawnDelay:   respawn,
	}
	if len(cfg.RestoredHistory) > 0 {
		h.hist.Restore(cfg.RestoredHistory)
	}

	if err := h.startAgent(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Headless) ID() string            { return h.id }
func (h *Headless) Cwd() string           { return h.cwd }
func (h *Headless) Variant() string       { return VariantHeadless }
func (h *Headless) CreatedAt() time.Time  { return h.createdAt }
func (h *Headless) Events() <-chan Event  { return h.events }
func (h *Headless) Done() <-chan struct{} { return h.done }

func (h *Headless) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name
}

func (h *Headless) SetName(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.name = name
}

func (h *Headless) Model() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.model
}

func (h *Headless) PermissionMode() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.permissionMode
}

func (h *Headless) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.busy
}

func (h *Headless) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

func (h *Headless) UpstreamID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.upstreamID
}

func (h *Headless) History() []json.RawMessage { return h.hist.All() }
func (h *Headless) Replay() []json.RawMessage  { return h.hist.Replay() }

// startAgent spawns a child with the session's current settings.
// Caller must not hold h.mu.
func (h *Headless) startAgent(ctx context.Context) error {
	h.mu.Lock()
	opts := agent.Options{
		Command:         h.cfg.AgentCommand,
		Model:           h.model,
		WorkingDir:      h.cwd,
		PermissionMode:  h.permissionMode,
		AllowedTools:    h.cfg.AllowedTools,
		ResumeSessionID: h.upstreamID,
		HookPort:        h.cfg.HookPort,
		HookToken:       h.cfg.HookToken,
	}
	h.mu.Unlock()

	proc, err := h.cfg.StartAgent(ctx, opts, h.handleLine)
	if err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	h.mu.Lock()
	h.proc = proc
	h.tearingDown = false
	h.mu.Unlock()

	go h.watchExit(proc)
	return nil
}

// watchExit schedules a respawn when the child dies unexpectedly.
func (h *Headless) watchExit(proc *agent.Agent) {
	<-proc.Done()

	h.mu.Lock()
	if h.proc != proc || h.destroyed || h.tearingDown {
		h.mu.Unlock()
		return
	}

	h.ready = false
	wasBusy := h.busy
	if wasBusy {
		h.finishTurnLocked(true, "agent process exited mid-turn", 0, 0, nil)
	}

	h.mu.Unlock()

	if stderr := proc.Stderr(); stderr != "" {
		h.log.Warn("agent exited", "stderr", stderr)
	}
	h.scheduleRespawn()
}

// scheduleRespawn restarts the child after a backoff delay, up to the
// attempt cap. Exceeding the cap emits a terminal error; the session
// stays alive but rejects sends.
func (h *Headless) scheduleRespawn() {
	h.mu.Lock()
	if h.destroyed || h.tearingDown {
		h.mu.Unlock()
		return
	}
	if h.respawnAttempts >= maxRespawnAttempts {
		h.failed = true
		h.mu.Unlock()
		h.emit(errorEvent("agent process keeps crashing, giving up", false))
		h.log.Error("agent respawn attempts exhausted", "attempts", maxRespawnAttempts)
		return
	}
	h.respawnAttempts++
	attempt := h.respawnAttempts
	delay := h.respawnDelay.NextBackOff()
	h.mu.Unlock()

	h.emit(errorEvent("agent process exited, restarting", true))
	metrics.AgentRespawnsTotal.Inc()
	h.log.Info("scheduling agent respawn", "attempt", attempt, "delay", delay)

	timer := time.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-h.done:
			return
		case <-timer.C:
		}
		if err := h.startAgent(context.Background()); err != nil {
			h.log.Error("agent respawn failed", "error", err)
			h.scheduleRespawn()
		}
	}()
}

// handleLine processes one NDJSON line from the child. Lines arrive in
// order from a single reader goroutine.
func (h *Headless) handleLine(line []byte) {
	var env agent.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		h.log.Debug("unparseable agent line", "error", err)
		return
	}

	switch env.Type {
	case agent.MessageTypeSystem:
		if env.Subtype == "init" {
			h.handleInit(line)
		}
	case agent.MessageTypeStreamEvent:
		var msg agent.StreamEventMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return
		}
		h.handleStreamEvent(msg.Event)
	case agent.MessageTypeAssistant:
		var msg agent.AssistantMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return
		}
		h.handleAssistant(msg)
	case agent.MessageTypeUser:
		h.handleToolResults(line)
	case agent.MessageTypeResult:
		var msg agent.ResultMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return
		}
		h.handleResult(msg)
	}
}

func (h *Headless) handleInit(line []byte) {
	var init agent.InitMessage
	if err := json.Unmarshal(line, &init); err != nil {
		return
	}

	h.mu.Lock()
	h.upstreamID = init.SessionID
	h.ready = true
	h.failed = false
	h.respawnAttempts = 0
	h.respawnDelay.Reset()
	if init.Model != "" {
		h.model = init.Model
	}
	prompt := h.pendingPrompt
	hasPrompt := h.hasPendingPrompt
	h.pendingPrompt = ""
	h.hasPendingPrompt = false
	h.mu.Unlock()

	h.log.Info("agent ready", "upstream_id", init.SessionID, "model", init.Model)
	h.emit(readyEvent(init.Model, init.Tools))

	if hasPrompt {
		if err := h.Send(context.Background(), prompt); err != nil {
			h.emit(errorEvent("buffered prompt failed: "+err.Error(), true))
		}
	}
}

func (h *Headless) handleStreamEvent(ev agent.StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch ev.Type {
	case "message_start":
		h.msgCounter++
		h.curMessageID = fmt.Sprintf("msg-%d", h.msgCounter)
		h.textStreamed = false
		h.blocks = make(map[int]*blockState)

	case "content_block_start":
		if ev.ContentBlock == nil {
			return
		}
		b := &blockState{kind: ev.ContentBlock.Type}
		h.blocks[ev.Index] = b
		switch ev.ContentBlock.Type {
		case "text":
			h.openStreamLocked()
		case "tool_use":
			b.toolName = ev.ContentBlock.Name
			b.toolUseID = ev.ContentBlock.ID
			h.emitLocked(toolStartEvent(h.curMessageID, b.toolUseID, b.toolName))
		}

	case "content_block_delta":
		if ev.Delta == nil {
			return
		}
		switch ev.Delta.Type {
		case "text_delta":
			// A delta without a preceding start implies the start.
			h.openStreamLocked()
			h.emitLocked(streamDeltaEvent(h.curMessageID, ev.Delta.Text))
		case "input_json_delta":
			b := h.blocks[ev.Index]
			if b == nil || b.truncated {
				return
			}
			if len(b.input)+len(ev.Delta.PartialJSON) > toolInputCap {
				b.truncated = true
				h.log.Warn("tool input exceeds cap, truncating", "tool", b.toolName)
				return
			}
			b.input = append(b.input, ev.Delta.PartialJSON...)
		}

	case "content_block_stop":
		b := h.blocks[ev.Index]
		if b == nil {
			return
		}
		delete(h.blocks, ev.Index)
		switch b.kind {
		case "text":
			h.closeStreamLocked()
		case "tool_use":
			h.handleToolCompleteLocked(b.toolName, b.toolUseID, b.input, b.truncated)
		}

	case "message_stop":
		h.closeStreamLocked()
	}
}

// openStreamLocked emits stream_start once per live stream.
func (h *Headless) openStreamLocked() {
	if h.streamOpen {
		return
	}
	h.streamOpen = true
	h.textStreamed = true
	h.emitLocked(streamStartEvent(h.curMessageID))
}

func (h *Headless) closeStreamLocked() {
	if !h.streamOpen {
		return
	}
	h.streamOpen = false
	h.emitLocked(streamEndEvent(h.curMessageID))
}

// handleToolCompleteLocked inspects finished tool_use blocks for the
// tools that drive session state.
func (h *Headless) handleToolCompleteLocked(tool, toolUseID string, input []byte, truncated bool) {
	if h.handledTools[toolUseID] {
		return
	}
	h.handledTools[toolUseID] = true

	if truncated {
		return
	}

	switch tool {
	case "AskUserQuestion":
		var payload struct {
			Questions []map[string]any `json:"questions"`
		}
		if err := json.Unmarshal(input, &payload); err != nil {
			h.log.Warn("unparseable AskUserQuestion input", "error", err)
			return
		}
		h.questionToolID = toolUseID
		h.emitLocked(userQuestionEvent(toolUseID, payload.Questions))

	case "Task":
		var payload struct {
			Description string `json:"description"`
		}
		_ = json.Unmarshal(input, &payload)
		h.agentMarkers[toolUseID] = true
		h.emitLocked(agentSpawnedEvent(toolUseID, payload.Description))

	case "EnterPlanMode":
		h.planActive = true
		h.emitLocked(Event{Type: EventPlanStarted})

	case "ExitPlanMode":
		var payload struct {
			AllowedPrompts []string `json:"allowedPrompts"`
		}
		_ = json.Unmarshal(input, &payload)
		h.planPrompts = payload.AllowedPrompts
		h.planPending = true
		h.planActive = false
	}
}

// handleAssistant processes a complete assistant message. Text that
// was already streamed is not re-emitted; tool blocks missed by the
// streaming path (parse failures) get a second chance with the full
// input.
func (h *Headless) handleAssistant(msg agent.AssistantMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if !h.streamedThisMessageLocked() && block.Text != "" {
				h.emitLocked(messageEvent("response", block.Text))
			}
		case "tool_use":
			h.handleToolCompleteLocked(block.Name, block.ID, block.Input, false)
		}
	}
}

// streamedThisMessageLocked reports whether the current message has
// produced streamed text, in which case the complete assistant text is
// a duplicate.
func (h *Headless) streamedThisMessageLocked() bool {
	return h.textStreamed
}

// handleToolResults watches user-role lines for tool_result blocks
// that complete subordinate agent tasks.
func (h *Headless) handleToolResults(line []byte) {
	var msg struct {
		Message struct {
			Content []struct {
				Type      string `json:"type"`
				ToolUseID string `json:"tool_use_id"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, block := range msg.Message.Content {
		if block.Type == "tool_result" && h.agentMarkers[block.ToolUseID] {
			delete(h.agentMarkers, block.ToolUseID)
			h.emitLocked(agentCompletedEvent(block.ToolUseID))
		}
	}
}

func (h *Headless) handleResult(msg agent.ResultMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.busy {
		// A result after a forced turn end (timeout, interrupt safety)
		// has nothing left to close.
		h.log.Debug("result while not busy, ignoring")
		return
	}
	var usage any
	if len(msg.Usage) > 0 {
		_ = json.Unmarshal(msg.Usage, &usage)
	}
	h.finishTurnLocked(msg.IsError, msg.Result, msg.CostUSD, msg.DurationMS, usage)
}

// finishTurnLocked closes out the in-flight turn: defensive stream
// close, plan emission, result, marker cleanup, busy reset.
func (h *Headless) finishTurnLocked(isError bool, result string, costUSD float64, durationMS int64, usage any) {
	if h.turnTimer != nil {
		h.turnTimer.Stop()
		h.turnTimer = nil
	}
	if h.interruptTimer != nil {
		h.interruptTimer.Stop()
		h.interruptTimer = nil
	}

	h.closeStreamLocked()

	if h.planPending {
		h.planPending = false
		h.emitLocked(Event{Type: EventPlanReady, Data: map[string]any{"allowedPrompts": h.planPrompts}})
		h.planPrompts = nil
	}

	h.emitLocked(resultEvent(isError, result, costUSD, durationMS, usage))

	for toolUseID := range h.agentMarkers {
		h.emitLocked(agentCompletedEvent(toolUseID))
	}
	h.agentMarkers = make(map[string]bool)
	h.handledTools = make(map[string]bool)
	h.questionToolID = ""
	h.busy = false
	metrics.TurnsTotal.Inc()

	if h.cfg.OnTurnEnd != nil {
		// Out of band; the broker takes its own lock.
		go h.cfg.OnTurnEnd(h.id)
	}
}

// Send starts a turn. While the child is not ready exactly one prompt
// may be buffered for dispatch on the next ready.
func (h *Headless) Send(ctx context.Context, text string) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return ErrDestroyed
	}
	if h.failed {
		h.mu.Unlock()
		return ErrFailed
	}
	if h.busy {
		h.mu.Unlock()
		return ErrBusy
	}
	if !h.ready {
		if h.hasPendingPrompt {
			h.mu.Unlock()
			return ErrPendingPrompt
		}
		h.pendingPrompt = text
		h.hasPendingPrompt = true
		h.mu.Unlock()
		return nil
	}

	h.busy = true
	h.turnTimer = time.AfterFunc(turnTimeout, h.onTurnTimeout)
	proc := h.proc
	h.mu.Unlock()

	if err := proc.SendUser(text); err != nil {
		h.mu.Lock()
		h.busy = false
		if h.turnTimer != nil {
			h.turnTimer.Stop()
			h.turnTimer = nil
		}
		h.mu.Unlock()
		return err
	}
	return nil
}

// onTurnTimeout enforces the hard per-turn limit. The child is left
// intact for the next turn.
func (h *Headless) onTurnTimeout() {
	h.mu.Lock()
	if !h.busy {
		h.mu.Unlock()
		return
	}
	h.closeStreamLocked()
	h.emitLocked(errorEvent("turn timed out", true))
	h.finishTurnLocked(true, "turn timed out", 0, 0, nil)
	h.mu.Unlock()
	h.log.Warn("turn hard timeout", "limit", turnTimeout)
}

// Interrupt asks the child to abort the turn and arms a safety timer
// that force-clears busy state if the child does not comply.
func (h *Headless) Interrupt() error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return ErrDestroyed
	}
	if !h.busy {
		h.mu.Unlock()
		return nil
	}
	proc := h.proc
	h.interruptTimer = time.AfterFunc(interruptGrace, func() {
		h.mu.Lock()
		if h.busy {
			h.closeStreamLocked()
			h.finishTurnLocked(true, "interrupted", 0, 0, nil)
		}
		h.mu.Unlock()
	})
	h.mu.Unlock()

	return proc.Interrupt()
}

// RespondToQuestion writes the user's reply as a mid-turn user message.
func (h *Headless) RespondToQuestion(answer string) error {
	h.mu.Lock()
	if h.questionToolID == "" {
		h.mu.Unlock()
		return ErrNoQuestion
	}
	h.questionToolID = ""
	proc := h.proc
	h.mu.Unlock()

	return proc.SendUser(answer)
}

// SetModel restarts the child with the new model. The upstream
// conversation id is cleared so a fresh conversation begins.
func (h *Headless) SetModel(ctx context.Context, model string) error {
	return h.restartWith(ctx, func() bool {
		if h.model == model {
			return false
		}
		h.model = model
		return true
	})
}

// SetPermissionMode restarts the child with the new mode.
func (h *Headless) SetPermissionMode(ctx context.Context, mode string) error {
	if !ValidPermissionMode(mode) {
		return fmt.Errorf("invalid permission mode %q", mode)
	}
	return h.restartWith(ctx, func() bool {
		if h.permissionMode == mode {
			return false
		}
		h.permissionMode = mode
		return true
	})
}

// restartWith applies a settings mutation under the lock and, when it
// reports a change, tears down and respawns the child. apply runs with
// h.mu held.
func (h *Headless) restartWith(ctx context.Context, apply func() bool) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return ErrDestroyed
	}
	if h.busy {
		h.mu.Unlock()
		return ErrBusy
	}
	if !apply() {
		h.mu.Unlock()
		return nil
	}
	h.tearingDown = true
	h.ready = false
	h.upstreamID = ""
	proc := h.proc
	h.mu.Unlock()

	if proc != nil {
		h.stopProc(proc, restartKillGrace)
	}
	return h.startAgent(ctx)
}

// stopProc closes stdin, waits up to grace for a clean exit, then
// escalates to signals.
func (h *Headless) stopProc(proc *agent.Agent, grace time.Duration) {
	proc.Stop(grace)
	select {
	case <-proc.Done():
	case <-time.After(grace):
	}
}

// Destroy tears the session down permanently.
func (h *Headless) Destroy() {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.destroyed = true
	h.tearingDown = true
	proc := h.proc
	h.mu.Unlock()

	close(h.done)
	if proc != nil {
		h.stopProc(proc, destroyKillGrace)
	}
	if h.cfg.OnTurnEnd != nil {
		h.cfg.OnTurnEnd(h.id)
	}
	h.log.Info("session destroyed")
}

// emit appends to history and forwards to the event channel. Raw
// frames never occur in this variant.
func (h *Headless) emit(ev Event) {
	h.hist.Append(ev)
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// emitLocked is emit for callers already holding h.mu. The channel has
// headroom; if it is full we drop rather than deadlock against a
// consumer that needs the lock.
func (h *Headless) emitLocked(ev Event) {
	h.hist.Append(ev)
	select {
	case h.events <- ev:
	case <-h.done:
	default:
		h.log.Warn("event channel full, dropping", "event", ev.Type)
	}
}
