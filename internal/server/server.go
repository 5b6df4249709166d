// Package server hosts the WebSocket control plane and the HTTP
// sidecar endpoints (health, version, metrics and the agent permission
// hook). Session events fan out to every authenticated client; client
// commands are routed to the session manager and permission broker.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/chroxy/chroxy/internal/id"
	"github.com/chroxy/chroxy/internal/logging"
	"github.com/chroxy/chroxy/internal/metrics"
	"github.com/chroxy/chroxy/internal/permission"
	"github.com/chroxy/chroxy/internal/session"
)

const (
	authHandshakeTimeout = 10 * time.Second
	hookBodyLimit        = 64 << 10
)

// Close codes for protocol-level rejections.
const (
	closeUnauthorized = websocket.StatusCode(4001)
	closeRateLimited  = websocket.StatusCode(4002)
)

// Config holds the server's runtime parameters.
type Config struct {
	Port         int
	Token        string
	AuthRequired bool
	HookToken    string // bearer for POST /permission; falls back to Token

	Cwd       string // default working directory, reported on auth_ok
	Version   string
	GitCommit string
	GitBranch string
}

// Server owns the client registry and the fanout from session events
// to connected clients.
type Server struct {
	cfg     Config
	manager *session.Manager
	broker  *permission.Broker
	log     *slog.Logger

	limiter   *rateLimiter
	coalescer *coalescer
	httpSrv   *http.Server
	started   time.Time

	mu         sync.Mutex
	clients    map[string]*client
	primaryID  string
	draining   bool
	pushTokens map[string]string // clientID -> push token

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	stopOnce  sync.Once
}

// New wires a server to the manager and broker. The broker's notifier
// is installed here; permission prompts surface as WebSocket frames.
func New(cfg Config, mgr *session.Manager, broker *permission.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		manager:    mgr,
		broker:     broker,
		log:        logger.With("component", "server"),
		limiter:    newRateLimiter(),
		clients:    make(map[string]*client),
		pushTokens: make(map[string]string),
		started:    time.Now(),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.coalescer = newCoalescer(func(sessionID string, data map[string]any) {
		s.broadcast(sessionEventFrame(sessionID, session.EventStreamDelta, data))
	})
	broker.SetNotifier(s.onPendingRequest)
	return s
}

// Start binds the listener and serves until ctx ends or Shutdown is
// called. h2c is enabled so the tunnel can multiplex over HTTP/2.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/permission", s.handlePermissionHook)
	mux.Handle("/metrics", promhttp.Handler())

	handler := logging.HTTPMiddleware(mux)
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.cfg.Port, err)
	}

	go s.eventLoop(ctx)
	go s.keepaliveLoop(ctx)
	go s.limiter.pruneLoop(s.done)

	s.readyOnce.Do(func() { close(s.ready) })
	s.log.Info("server listening", "addr", ln.Addr().String())
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown disconnects every client and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.done) })
	s.coalescer.Close()

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}

	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}
}

// SetDraining flips the server into drain mode: clients are told the
// server is restarting and new input is rejected until the replacement
// worker takes over.
func (s *Server) SetDraining() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.broadcast(marshalMessage("server_status", map[string]any{
		"status":  "restarting",
		"message": "server is restarting, hold on",
	}))
}

func (s *Server) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// ClientCount returns the number of authenticated clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BroadcastDiscovered pushes a fresh tmux discovery result to clients.
func (s *Server) BroadcastDiscovered(names []string) {
	s.broadcast(marshalMessage("discovered_sessions", map[string]any{
		"tmuxSessions": names,
	}))
}

// BroadcastTunnelStatus relays a tunnel lifecycle change to clients.
func (s *Server) BroadcastTunnelStatus(status string, fields map[string]any) {
	merged := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	merged["status"] = status
	s.broadcast(marshalMessage("tunnel_status", merged))
}

// --- event fanout ---

// eventLoop drains the manager's aggregate stream and fans frames out.
func (s *Server) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case tagged := <-s.manager.Events():
			s.dispatch(tagged)
		}
	}
}

func (s *Server) dispatch(tagged session.Tagged) {
	ev := tagged.Event
	switch ev.Type {
	case session.EventStreamDelta:
		messageID, _ := ev.Data["messageId"].(string)
		delta, _ := ev.Data["delta"].(string)
		s.coalescer.add(tagged.SessionID, messageID, delta)
	case session.EventStreamEnd:
		// Deltas must never trail their own end frame.
		messageID, _ := ev.Data["messageId"].(string)
		s.coalescer.flushMessage(tagged.SessionID, messageID)
		s.broadcast(sessionEventFrame(tagged.SessionID, ev.Type, ev.Data))
	case session.EventRaw:
		s.dispatchRaw(tagged.SessionID, ev.Data)
	default:
		s.broadcast(sessionEventFrame(tagged.SessionID, egressType(ev.Type), ev.Data))
	}
}

// egressType maps internal event names to their wire names.
func egressType(eventType string) string {
	if eventType == session.EventError {
		return "session_error"
	}
	return eventType
}

// dispatchRaw routes terminal output. Clients viewing the session in
// terminal mode get the full stream; chat-mode clients on the same
// session get a lightweight raw_background marker so they can show
// activity without rendering the bytes.
func (s *Server) dispatchRaw(sessionID string, data map[string]any) {
	full := sessionEventFrame(sessionID, session.EventRaw, data)
	background := marshalMessage("raw_background", map[string]any{"sessionId": sessionID})

	for _, c := range s.clientList() {
		if c.activeSession() != sessionID {
			continue
		}
		if c.view() == modeTerminal {
			c.enqueue(full)
		} else {
			c.enqueue(background)
		}
	}
}

// onPendingRequest converts a broker entry into its wire frame.
func (s *Server) onPendingRequest(req permission.Request) {
	var frame []byte
	switch req.Kind {
	case permission.KindQuestion:
		var questions any
		_ = json.Unmarshal(req.Input, &questions)
		frame = marshalMessage("user_question", map[string]any{
			"requestId": req.ID,
			"sessionId": req.SessionID,
			"toolUseId": req.Tool,
			"questions": questions,
		})
	default:
		var input any
		_ = json.Unmarshal(req.Input, &input)
		frame = marshalMessage("permission_request", map[string]any{
			"requestId":   req.ID,
			"sessionId":   req.SessionID,
			"tool":        req.Tool,
			"input":       input,
			"description": req.Description,
		})
	}
	s.broadcast(frame)
}

func (s *Server) broadcast(frame []byte) {
	for _, c := range s.clientList() {
		c.enqueue(frame)
	}
}

// broadcastExcept sends to everyone but the named client.
func (s *Server) broadcastExcept(exceptID string, frame []byte) {
	for _, c := range s.clientList() {
		if c.id != exceptID {
			c.enqueue(frame)
		}
	}
}

func (s *Server) clientList() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// markPrimary records the last client to drive a session; last writer
// wins. Everyone learns about the change.
func (s *Server) markPrimary(c *client) {
	s.mu.Lock()
	changed := s.primaryID != c.id
	s.primaryID = c.id
	s.mu.Unlock()
	if changed {
		s.broadcast(marshalMessage("primary_changed", map[string]any{"clientId": c.id}))
	}
}

// --- keepalive ---

func (s *Server) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			for _, c := range s.clientList() {
				c.checkAlive(ctx)
			}
		}
	}
}

// --- WebSocket lifecycle ---

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.handleWS(w, r)
		return
	}
	s.handleHealth(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	addr := clientAddr(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Debug("websocket accept failed", "error", err, "addr", addr)
		return
	}
	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()
	defer conn.CloseNow()

	c, ok := s.authenticate(r.Context(), conn, addr)
	if !ok {
		return
	}

	go c.writeLoop(r.Context())
	s.registerClient(c)
	defer s.unregisterClient(c)

	s.readLoop(r.Context(), c)
}

// authenticate runs the handshake: the first frame must be an auth
// message inside the timeout, with a valid token unless auth is off.
func (s *Server) authenticate(ctx context.Context, conn *websocket.Conn, addr string) (*client, bool) {
	if blocked := s.limiter.blockedFor(addr); blocked > 0 {
		s.log.Warn("rate limited connection attempt", "addr", addr, "retry_after", blocked)
		frame := marshalMessage("auth_fail", map[string]any{
			"reason":     "rate_limited",
			"retryAfter": int(blocked.Seconds()),
		})
		_ = conn.Write(ctx, websocket.MessageText, frame)
		_ = conn.Close(closeRateLimited, "rate limited")
		return nil, false
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, authHandshakeTimeout)
	defer cancel()

	_, data, err := conn.Read(handshakeCtx)
	if err != nil {
		s.log.Debug("auth handshake read failed", "error", err, "addr", addr)
		_ = conn.Write(ctx, websocket.MessageText,
			marshalMessage("auth_fail", map[string]any{"reason": "timeout"}))
		_ = conn.Close(closeUnauthorized, "auth timeout")
		return nil, false
	}

	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "auth" {
		s.failAuth(ctx, conn, addr, "auth message expected")
		return nil, false
	}
	if s.cfg.AuthRequired && !tokenEqual(msg.Token, s.cfg.Token) {
		s.failAuth(ctx, conn, addr, "invalid token")
		return nil, false
	}

	s.limiter.recordSuccess(addr)
	c := newClient(id.Generate(), conn, addr, s.log)
	c.device = msg.DeviceInfo
	return c, true
}

// failAuth always answers invalid_token; the lockout that a failure may
// have started is reported as rate_limited on the next attempt, by the
// blockedFor check at the top of authenticate.
func (s *Server) failAuth(ctx context.Context, conn *websocket.Conn, addr, reason string) {
	block := s.limiter.recordFailure(addr)
	s.log.Warn("auth failed", "addr", addr, "reason", reason, "block", block)

	_ = conn.Write(ctx, websocket.MessageText,
		marshalMessage("auth_fail", map[string]any{"reason": "invalid_token"}))
	_ = conn.Close(closeUnauthorized, "authentication failed")
}

// registerClient adds the client, sends the auth_ok snapshot and the
// history replay for its initial session, and announces the join.
func (s *Server) registerClient(c *client) {
	if first, ok := s.manager.First(); ok {
		c.setActiveSession(first.ID())
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.log.Info("client connected", "client", c.id, "addr", c.addr, "device", c.deviceName())

	c.enqueue(marshalMessage("auth_ok", map[string]any{
		"clientId":         c.id,
		"serverMode":       serverMode,
		"serverVersion":    s.cfg.Version,
		"serverCommit":     s.cfg.GitCommit,
		"cwd":              s.cfg.Cwd,
		"connectedClients": s.ClientCount(),
		"sessions":         s.manager.List(),
		"activeSessionId":  c.activeSession(),
	}))
	c.enqueue(marshalMessage("server_mode", map[string]any{"mode": serverMode}))
	c.enqueue(marshalMessage("status", map[string]any{"connected": true}))
	c.enqueue(marshalMessage("available_models", map[string]any{"models": availableModels}))
	c.enqueue(marshalMessage("available_permission_modes", map[string]any{"modes": availablePermissionModes}))
	s.sendReplay(c, c.activeSession())

	s.broadcastExcept(c.id, marshalMessage("client_joined", map[string]any{
		"clientId": c.id,
		"device":   c.deviceName(),
	}))

	if s.isDraining() {
		c.enqueue(marshalMessage("server_status", map[string]any{
			"status":  "restarting",
			"message": "server is restarting, hold on",
		}))
	}
}

func (s *Server) unregisterClient(c *client) {
	c.close(websocket.StatusNormalClosure, "bye")

	s.mu.Lock()
	delete(s.clients, c.id)
	delete(s.pushTokens, c.id)
	wasPrimary := s.primaryID == c.id
	if wasPrimary {
		s.primaryID = ""
	}
	s.mu.Unlock()

	s.log.Info("client disconnected", "client", c.id)
	s.broadcast(marshalMessage("client_left", map[string]any{"clientId": c.id}))
	if wasPrimary {
		s.broadcast(marshalMessage("primary_changed", map[string]any{"clientId": ""}))
	}
}

// sendReplay replays the session's recent history to one client,
// bracketed so the client can suppress notifications for old events.
func (s *Server) sendReplay(c *client, sessionID string) {
	if sessionID == "" {
		return
	}
	sess, ok := s.manager.Get(sessionID)
	if !ok {
		return
	}

	c.enqueue(marshalMessage("history_replay_start", map[string]any{"sessionId": sessionID}))
	for _, raw := range sess.Replay() {
		var ev session.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		c.enqueue(sessionEventFrame(sessionID, egressType(ev.Type), ev.Data))
	}
	c.enqueue(marshalMessage("history_replay_end", map[string]any{"sessionId": sessionID}))
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-c.done:
			return
		case <-s.done:
			return
		default:
		}

		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		c.markAlive()

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("malformed client frame", "error", err)
			continue
		}
		s.handleMessage(ctx, c, msg)
	}
}

// --- HTTP endpoints ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	mode := "running"
	if s.isDraining() {
		mode = "draining"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mode": mode})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AuthRequired && !s.checkBearer(r, s.cfg.Token) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   s.cfg.Version,
		"gitCommit": s.cfg.GitCommit,
		"gitBranch": s.cfg.GitBranch,
		"uptime":    int(time.Since(s.started).Seconds()),
	})
}

// handlePermissionHook serves the agent-side permission hook: the
// request is held open until a client decides or the broker times out.
func (s *Server) handlePermissionHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "POST required"})
		return
	}
	hookToken := s.cfg.HookToken
	if hookToken == "" {
		hookToken = s.cfg.Token
	}
	if s.cfg.AuthRequired && !s.checkBearer(r, hookToken) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"decision": string(permission.DecisionDeny)})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, hookBodyLimit)
	var req struct {
		SessionID string          `json:"session_id"`
		Tool      string          `json:"tool_name"`
		Input     json.RawMessage `json:"tool_input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, map[string]any{"decision": string(permission.DecisionDeny)})
		return
	}
	if req.Tool == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"decision": string(permission.DecisionDeny)})
		return
	}

	decision := s.broker.RequestPermission(r.Context(), req.SessionID, req.Tool, req.Input)
	writeJSON(w, http.StatusOK, map[string]any{"decision": string(decision)})
}

func (s *Server) checkBearer(r *http.Request, want string) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return tokenEqual(token, want)
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// clientAddr prefers the tunnel-provided origin IP over the socket
// peer, which is always localhost behind cloudflared.
func clientAddr(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
