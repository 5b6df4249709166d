package server

import (
	"context"
	"errors"

	"github.com/chroxy/chroxy/internal/permission"
	"github.com/chroxy/chroxy/internal/session"
	"github.com/chroxy/chroxy/internal/validate"
)

// handleMessage routes one client frame. Unknown types are logged and
// dropped; the protocol is forward-compatible by ignoring what it does
// not understand.
func (s *Server) handleMessage(ctx context.Context, c *client, msg clientMessage) {
	// Draining blocks new work only; everything else, permission answers
	// in particular, keeps flowing so pending prompts do not time out to
	// deny during a restart.
	if s.isDraining() && msg.Type == "input" {
		s.rejectDraining(c, msg)
		return
	}

	switch msg.Type {
	case "auth":
		// Already authenticated; duplicate handshakes are harmless.
	case "input":
		s.handleInput(ctx, c, msg)
	case "resize":
		s.handleResize(c, msg)
	case "mode":
		s.handleViewMode(c, msg)
	case "interrupt":
		s.handleInterrupt(c)
	case "set_model":
		s.handleSetModel(ctx, c, msg)
	case "set_permission_mode":
		s.handleSetPermissionMode(ctx, c, msg)
	case "permission_response":
		s.handlePermissionResponse(c, msg)
	case "user_question_response":
		s.handleQuestionResponse(c, msg)
	case "list_sessions":
		s.sendSessionList(c)
	case "switch_session":
		s.handleSwitchSession(c, msg)
	case "create_session":
		s.handleCreateSession(ctx, c, msg)
	case "destroy_session":
		s.handleDestroySession(c, msg)
	case "rename_session":
		s.handleRenameSession(c, msg)
	case "discover_sessions":
		s.handleDiscover(ctx, c, false)
	case "trigger_discovery":
		s.handleDiscover(ctx, c, true)
	case "attach_session":
		s.handleAttachSession(c, msg)
	case "register_push_token":
		s.handleRegisterPushToken(c, msg)
	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
	}
}

func (s *Server) rejectDraining(c *client, msg clientMessage) {
	c.logger.Debug("rejected while draining", "type", msg.Type)
	c.enqueue(marshalMessage("server_status", map[string]any{
		"status":  "restarting",
		"message": "server is restarting, try again in a moment",
	}))
}

func (s *Server) sendError(c *client, sessionID, message string) {
	fields := map[string]any{"message": message}
	if sessionID != "" {
		fields["sessionId"] = sessionID
	}
	c.enqueue(marshalMessage("server_error", fields))
}

// activeSessionOf resolves the client's current session, reporting an
// error frame when it is gone.
func (s *Server) activeSessionOf(c *client) (session.Session, bool) {
	sid := c.activeSession()
	if sid == "" {
		s.sendError(c, "", "no active session")
		return nil, false
	}
	sess, ok := s.manager.Get(sid)
	if !ok {
		s.sendError(c, sid, "session no longer exists")
		return nil, false
	}
	return sess, true
}

func (s *Server) handleInput(ctx context.Context, c *client, msg clientMessage) {
	sess, ok := s.activeSessionOf(c)
	if !ok {
		return
	}
	s.markPrimary(c)

	if err := sess.Send(ctx, msg.Data); err != nil {
		switch {
		case errors.Is(err, session.ErrBusy):
			s.sendError(c, sess.ID(), "agent is busy, interrupt first or wait")
		case errors.Is(err, session.ErrPendingPrompt):
			s.sendError(c, sess.ID(), "a prompt is already queued")
		case errors.Is(err, session.ErrFailed):
			s.sendError(c, sess.ID(), "agent backend has failed; destroy and recreate the session")
		default:
			s.sendError(c, sess.ID(), err.Error())
		}
	}
}

func (s *Server) handleResize(c *client, msg clientMessage) {
	sess, ok := s.activeSessionOf(c)
	if !ok {
		return
	}
	att, ok := sess.(*session.Attached)
	if !ok {
		return // only terminal sessions have a window size
	}
	if msg.Cols == 0 || msg.Rows == 0 {
		return
	}
	if err := att.Resize(msg.Cols, msg.Rows); err != nil {
		c.logger.Debug("resize failed", "error", err)
	}
}

func (s *Server) handleViewMode(c *client, msg clientMessage) {
	switch msg.Mode {
	case modeTerminal, modeChat:
		c.setView(msg.Mode)
	default:
		c.logger.Debug("invalid view mode", "mode", msg.Mode)
	}
}

func (s *Server) handleInterrupt(c *client) {
	sess, ok := s.activeSessionOf(c)
	if !ok {
		return
	}
	s.markPrimary(c)
	if err := sess.Interrupt(); err != nil {
		s.sendError(c, sess.ID(), err.Error())
	}
}

func (s *Server) handleSetModel(ctx context.Context, c *client, msg clientMessage) {
	sess, ok := s.activeSessionOf(c)
	if !ok {
		return
	}
	if msg.Model == "" {
		s.sendError(c, sess.ID(), "model must not be empty")
		return
	}
	if sess.Model() == msg.Model {
		return // already set; no broadcast
	}
	if err := sess.SetModel(ctx, msg.Model); err != nil {
		switch {
		case errors.Is(err, session.ErrBusy):
			s.sendError(c, sess.ID(), "cannot change model mid-turn")
		case errors.Is(err, session.ErrUnsupported):
			s.sendError(c, sess.ID(), "this session variant has no model setting")
		default:
			s.sendError(c, sess.ID(), err.Error())
		}
		return
	}
	s.broadcast(marshalMessage("model_changed", map[string]any{
		"sessionId": sess.ID(),
		"model":     msg.Model,
	}))
}

// handleSetPermissionMode applies a permission mode change. Switching
// to auto removes the approval gate, so it requires an explicit
// confirmed round-trip from the client.
func (s *Server) handleSetPermissionMode(ctx context.Context, c *client, msg clientMessage) {
	sess, ok := s.activeSessionOf(c)
	if !ok {
		return
	}
	if !session.ValidPermissionMode(msg.Mode) {
		s.sendError(c, sess.ID(), "invalid permission mode")
		return
	}
	if msg.Mode == session.ModeAuto && !msg.Confirmed {
		c.enqueue(marshalMessage("confirm_permission_mode", map[string]any{
			"sessionId": sess.ID(),
			"mode":      session.ModeAuto,
			"warning":   "auto mode runs tools without approval; confirm to proceed",
		}))
		return
	}

	if err := sess.SetPermissionMode(ctx, msg.Mode); err != nil {
		switch {
		case errors.Is(err, session.ErrBusy):
			s.sendError(c, sess.ID(), "cannot change permission mode mid-turn")
		case errors.Is(err, session.ErrUnsupported):
			s.sendError(c, sess.ID(), "this session variant has no permission mode")
		default:
			s.sendError(c, sess.ID(), err.Error())
		}
		return
	}
	s.broadcast(marshalMessage("permission_mode_changed", map[string]any{
		"sessionId": sess.ID(),
		"mode":      msg.Mode,
	}))
}

// handlePermissionResponse routes a decision strictly by requestId. A
// client may answer a prompt from any session, not just its active one.
func (s *Server) handlePermissionResponse(c *client, msg clientMessage) {
	if msg.RequestID == "" {
		s.sendError(c, "", "permission response requires requestId")
		return
	}
	decision := permission.Normalize(msg.Decision)
	if err := s.broker.Resolve(msg.RequestID, decision); err != nil {
		// Already resolved or timed out; nothing for the client to do.
		c.logger.Debug("stale permission response", "request_id", msg.RequestID)
	}
}

// handleQuestionResponse prefers the session's own question slot
// (headless variant) and falls back to the broker (sdk variant, or a
// requestId-bearing client).
func (s *Server) handleQuestionResponse(c *client, msg clientMessage) {
	if sid := c.activeSession(); sid != "" {
		if sess, ok := s.manager.Get(sid); ok {
			if err := sess.RespondToQuestion(msg.Answer); err == nil {
				return
			}
		}
	}
	if err := s.broker.ResolveQuestion(msg.RequestID, msg.Answer); err != nil {
		c.logger.Debug("unmatched question response", "request_id", msg.RequestID)
	}
}

func (s *Server) sendSessionList(c *client) {
	c.enqueue(marshalMessage("session_list", map[string]any{
		"sessions":        s.manager.List(),
		"activeSessionId": c.activeSession(),
	}))
}

func (s *Server) handleSwitchSession(c *client, msg clientMessage) {
	sess, ok := s.manager.Get(msg.SessionID)
	if !ok {
		s.sendError(c, msg.SessionID, "session not found")
		return
	}
	c.setActiveSession(sess.ID())
	c.enqueue(marshalMessage("session_switched", map[string]any{
		"sessionId": sess.ID(),
		"session":   session.Summarize(sess),
	}))
	s.sendReplay(c, sess.ID())
}

func (s *Server) handleCreateSession(ctx context.Context, c *client, msg clientMessage) {
	sess, err := s.manager.Create(ctx, session.CreateOptions{
		Name:    msg.Name,
		Cwd:     msg.Cwd,
		Variant: msg.Variant,
		Model:   msg.Model,
	})
	if err != nil {
		if errors.Is(err, session.ErrCapacity) {
			s.sendError(c, "", "session limit reached, destroy one first")
			return
		}
		s.sendError(c, "", err.Error())
		return
	}

	s.broadcast(marshalMessage("session_created", map[string]any{
		"session": session.Summarize(sess),
	}))
	c.setActiveSession(sess.ID())
	c.enqueue(marshalMessage("session_switched", map[string]any{
		"sessionId": sess.ID(),
		"session":   session.Summarize(sess),
	}))
}

// handleDestroySession removes a session and migrates every client
// that was viewing it to the oldest surviving one.
func (s *Server) handleDestroySession(c *client, msg clientMessage) {
	target := msg.SessionID
	if target == "" {
		target = c.activeSession()
	}

	if err := s.manager.Destroy(target); err != nil {
		switch {
		case errors.Is(err, session.ErrLastSession):
			s.sendError(c, target, "cannot destroy the last session")
		case errors.Is(err, session.ErrNotFound):
			s.sendError(c, target, "session not found")
		default:
			s.sendError(c, target, err.Error())
		}
		return
	}

	s.broadcast(marshalMessage("session_destroyed", map[string]any{"sessionId": target}))

	next, ok := s.manager.First()
	if !ok {
		return
	}
	for _, cl := range s.clientList() {
		if cl.activeSession() != target {
			continue
		}
		cl.setActiveSession(next.ID())
		cl.enqueue(marshalMessage("session_switched", map[string]any{
			"sessionId": next.ID(),
			"session":   session.Summarize(next),
		}))
		s.sendReplay(cl, next.ID())
	}
}

func (s *Server) handleRenameSession(c *client, msg clientMessage) {
	target := msg.SessionID
	if target == "" {
		target = c.activeSession()
	}
	sess, ok := s.manager.Get(target)
	if !ok {
		s.sendError(c, target, "session not found")
		return
	}

	name, err := validate.DisplayName(msg.Name)
	if err != nil {
		s.sendError(c, target, err.Error())
		return
	}
	sess.SetName(name)
	s.broadcast(marshalMessage("session_updated", map[string]any{
		"session": session.Summarize(sess),
	}))
}

func (s *Server) handleDiscover(ctx context.Context, c *client, ack bool) {
	if ack {
		c.enqueue(marshalMessage("discovery_triggered", nil))
	}
	names, err := s.manager.Discover(ctx)
	if err != nil {
		s.sendError(c, "", "tmux discovery failed: "+err.Error())
		return
	}
	c.enqueue(marshalMessage("discovered_sessions", map[string]any{
		"tmuxSessions": names,
	}))
}

func (s *Server) handleAttachSession(c *client, msg clientMessage) {
	sess, err := s.manager.Attach(msg.TmuxSession, msg.Name)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyAttached):
			s.sendError(c, "", "tmux session is already attached")
		case errors.Is(err, session.ErrCapacity):
			s.sendError(c, "", "session limit reached, destroy one first")
		default:
			s.sendError(c, "", err.Error())
		}
		return
	}

	s.broadcast(marshalMessage("session_created", map[string]any{
		"session": session.Summarize(sess),
	}))
	c.setActiveSession(sess.ID())
	c.setView(modeTerminal)
	c.enqueue(marshalMessage("session_switched", map[string]any{
		"sessionId": sess.ID(),
		"session":   session.Summarize(sess),
	}))
}

func (s *Server) handleRegisterPushToken(c *client, msg clientMessage) {
	if msg.Token == "" {
		return
	}
	s.mu.Lock()
	s.pushTokens[c.id] = msg.Token
	s.mu.Unlock()
	c.logger.Info("push token registered")
}
