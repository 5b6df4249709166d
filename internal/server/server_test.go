package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chroxy/chroxy/internal/id"
	"github.com/chroxy/chroxy/internal/permission"
	"github.com/chroxy/chroxy/internal/session"
)

func newTestServer(t *testing.T) (*Server, *session.Manager, *permission.Broker) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := permission.NewBroker(2 * time.Second)
	mgr := session.NewManager(session.ManagerConfig{
		DefaultCwd:   t.TempDir(),
		DefaultModel: "sonnet",
		Broker:       broker,
		Logger:       log,
	})
	srv := New(Config{Token: "tok", AuthRequired: true, Version: "test"}, mgr, broker, log)

	t.Cleanup(func() {
		// Test clients have no real connection; drop them before
		// Shutdown tries to close their sockets.
		srv.mu.Lock()
		srv.clients = make(map[string]*client)
		srv.mu.Unlock()
		srv.Shutdown(context.Background())
		broker.Shutdown()
		mgr.Shutdown()
	})
	return srv, mgr, broker
}

func newSDKSession(t *testing.T, mgr *session.Manager, name string) session.Session {
	t.Helper()
	sess, err := mgr.Create(context.Background(), session.CreateOptions{
		Name:    name,
		Variant: session.VariantSDK,
	})
	require.NoError(t, err)
	return sess
}

// addClient registers an authenticated client without a socket.
func addClient(t *testing.T, s *Server, activeSessionID string) *client {
	t.Helper()
	c := newClient(id.Generate(), nil, "test-addr", s.log)
	c.setActiveSession(activeSessionID)
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	return c
}

// nextFrame pops the oldest queued frame, failing if none is queued.
func nextFrame(t *testing.T, c *client) map[string]any {
	t.Helper()
	select {
	case data := <-c.send:
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

// waitFrame reads frames until one of the wanted type arrives; used
// when the producer runs on another goroutine.
func waitFrame(t *testing.T, c *client, msgType string) map[string]any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case data := <-c.send:
			var m map[string]any
			require.NoError(t, json.Unmarshal(data, &m))
			if m["type"] == msgType {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s frame arrived", msgType)
			return nil
		}
	}
}

func drainFrames(c *client) []map[string]any {
	var out []map[string]any
	for {
		select {
		case data := <-c.send:
			var m map[string]any
			_ = json.Unmarshal(data, &m)
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestDrainRejectsInput(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	sess := newSDKSession(t, mgr, "only")
	c := addClient(t, srv, sess.ID())

	srv.SetDraining()
	status := nextFrame(t, c)
	assert.Equal(t, "server_status", status["type"])
	assert.Equal(t, "restarting", status["status"])

	srv.handleMessage(context.Background(), c, clientMessage{Type: "input", Data: "hello"})
	reject := nextFrame(t, c)
	assert.Equal(t, "server_status", reject["type"])
	assert.False(t, sess.Busy(), "drained input must not start a turn")
}

func TestDrainStillAllowsPermissionResponse(t *testing.T) {
	srv, mgr, broker := newTestServer(t)
	sess := newSDKSession(t, mgr, "only")
	c := addClient(t, srv, sess.ID())
	srv.SetDraining()

	decided := make(chan permission.Decision, 1)
	go func() {
		decided <- broker.RequestPermission(context.Background(), sess.ID(), "Bash", json.RawMessage(`{"command":"ls"}`))
	}()

	req := waitFrame(t, c, "permission_request")
	srv.handleMessage(context.Background(), c, clientMessage{
		Type:      "permission_response",
		RequestID: req["requestId"].(string),
		Decision:  "allow",
	})

	select {
	case d := <-decided:
		assert.Equal(t, permission.DecisionAllow, d)
	case <-time.After(3 * time.Second):
		t.Fatal("permission request never resolved")
	}
}

func TestDrainStillServesSessionOps(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	sess := newSDKSession(t, mgr, "only")
	c := addClient(t, srv, sess.ID())
	srv.SetDraining()
	drainFrames(c) // the restarting notice

	srv.handleMessage(context.Background(), c, clientMessage{Type: "list_sessions"})
	frame := nextFrame(t, c)
	assert.Equal(t, "session_list", frame["type"])
}

func TestVersionEndpointRequiresBearer(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleVersion(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	req.Header.Set("Authorization", "Bearer tok")
	srv.handleVersion(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "test", body["version"])
}

func TestVersionEndpointOpenWithoutAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.cfg.AuthRequired = false

	rec := httptest.NewRecorder()
	srv.handleVersion(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// Six bad-token handshakes from one address: the first five are each
// answered invalid_token, the lockout only shows on the sixth.
func TestAuthLockoutStartsOnSixthAttempt(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(http.HandlerFunc(srv.handleWS))
	defer ts.Close()

	attempt := func() string {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		conn, _, err := websocket.Dial(ctx, ts.URL, nil)
		require.NoError(t, err)
		defer conn.CloseNow()

		require.NoError(t, conn.Write(ctx, websocket.MessageText,
			[]byte(`{"type":"auth","token":"wrong"}`)))
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		require.Equal(t, "auth_fail", m["type"])
		return m["reason"].(string)
	}

	for i := 1; i <= 5; i++ {
		assert.Equal(t, "invalid_token", attempt(), "attempt %d", i)
	}
	assert.Equal(t, "rate_limited", attempt())
}

func TestPermissionResponseRoutedByRequestID(t *testing.T) {
	srv, mgr, broker := newTestServer(t)
	active := newSDKSession(t, mgr, "active")
	other := newSDKSession(t, mgr, "other")
	c := addClient(t, srv, active.ID())

	// The prompt comes from a session the client is not even viewing.
	decided := make(chan permission.Decision, 1)
	go func() {
		decided <- broker.RequestPermission(context.Background(), other.ID(), "Write", nil)
	}()

	req := waitFrame(t, c, "permission_request")
	assert.Equal(t, other.ID(), req["sessionId"])

	srv.handleMessage(context.Background(), c, clientMessage{
		Type:      "permission_response",
		RequestID: req["requestId"].(string),
		Decision:  "deny",
	})

	select {
	case d := <-decided:
		assert.Equal(t, permission.DecisionDeny, d)
	case <-time.After(3 * time.Second):
		t.Fatal("permission request never resolved")
	}
}

func TestQuestionResponseReachesBroker(t *testing.T) {
	srv, mgr, broker := newTestServer(t)
	sess := newSDKSession(t, mgr, "only")
	c := addClient(t, srv, sess.ID())

	answered := make(chan string, 1)
	go func() {
		answer, err := broker.RequestQuestion(context.Background(), sess.ID(), "toolu_q1", json.RawMessage(`[{"question":"which?"}]`))
		if err == nil {
			answered <- answer
		}
	}()

	waitFrame(t, c, "user_question")
	srv.handleMessage(context.Background(), c, clientMessage{
		Type:   "user_question_response",
		Answer: "Blue",
	})

	select {
	case a := <-answered:
		assert.Equal(t, "Blue", a)
	case <-time.After(3 * time.Second):
		t.Fatal("question never answered")
	}
}

func TestSetPermissionModeAutoRequiresConfirmation(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	sess := newSDKSession(t, mgr, "only")
	c := addClient(t, srv, sess.ID())

	srv.handleMessage(context.Background(), c, clientMessage{Type: "set_permission_mode", Mode: "auto"})
	confirm := nextFrame(t, c)
	assert.Equal(t, "confirm_permission_mode", confirm["type"])
	assert.Equal(t, "auto", confirm["mode"])
	assert.Equal(t, session.ModeApprove, sess.PermissionMode(), "mode must not change before confirmation")

	srv.handleMessage(context.Background(), c, clientMessage{Type: "set_permission_mode", Mode: "auto", Confirmed: true})
	updated := nextFrame(t, c)
	assert.Equal(t, "permission_mode_changed", updated["type"])
	assert.Equal(t, "auto", updated["mode"])
	assert.Equal(t, session.ModeAuto, sess.PermissionMode())
}

func TestSetPermissionModeDirectForNonAuto(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	sess := newSDKSession(t, mgr, "only")
	c := addClient(t, srv, sess.ID())

	srv.handleMessage(context.Background(), c, clientMessage{Type: "set_permission_mode", Mode: "plan"})
	updated := nextFrame(t, c)
	assert.Equal(t, "permission_mode_changed", updated["type"])
	assert.Equal(t, session.ModePlan, sess.PermissionMode())
}

func TestSetPermissionModeInvalid(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	sess := newSDKSession(t, mgr, "only")
	c := addClient(t, srv, sess.ID())

	srv.handleMessage(context.Background(), c, clientMessage{Type: "set_permission_mode", Mode: "yolo"})
	frame := nextFrame(t, c)
	assert.Equal(t, "server_error", frame["type"])
	assert.Equal(t, session.ModeApprove, sess.PermissionMode())
}

func TestSwitchSessionReplaysHistory(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	first := newSDKSession(t, mgr, "first")
	second := newSDKSession(t, mgr, "second")
	c := addClient(t, srv, first.ID())

	srv.handleMessage(context.Background(), c, clientMessage{Type: "switch_session", SessionID: second.ID()})

	frames := drainFrames(c)
	require.GreaterOrEqual(t, len(frames), 4)
	assert.Equal(t, "session_switched", frames[0]["type"])
	assert.Equal(t, second.ID(), frames[0]["sessionId"])
	assert.Equal(t, "history_replay_start", frames[1]["type"])
	assert.Equal(t, "ready", frames[2]["type"])
	assert.Equal(t, "history_replay_end", frames[len(frames)-1]["type"])
	assert.Equal(t, second.ID(), c.activeSession())
}

func TestSwitchSessionUnknown(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	sess := newSDKSession(t, mgr, "only")
	c := addClient(t, srv, sess.ID())

	srv.handleMessage(context.Background(), c, clientMessage{Type: "switch_session", SessionID: "nope"})
	frame := nextFrame(t, c)
	assert.Equal(t, "server_error", frame["type"])
	assert.Equal(t, sess.ID(), c.activeSession())
}

func TestCreateSessionSwitchesCreator(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	first := newSDKSession(t, mgr, "first")
	c := addClient(t, srv, first.ID())

	srv.handleMessage(context.Background(), c, clientMessage{
		Type:    "create_session",
		Name:    "fresh",
		Variant: session.VariantSDK,
	})

	frames := drainFrames(c)
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, "session_created", frames[0]["type"])
	assert.Equal(t, "session_switched", frames[1]["type"])
	assert.NotEqual(t, first.ID(), c.activeSession())
	assert.Equal(t, 2, mgr.Count())
}

func TestDestroySessionMigratesClients(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	keeper := newSDKSession(t, mgr, "keeper")
	doomed := newSDKSession(t, mgr, "doomed")
	viewer := addClient(t, srv, doomed.ID())
	bystander := addClient(t, srv, keeper.ID())

	srv.handleMessage(context.Background(), viewer, clientMessage{Type: "destroy_session", SessionID: doomed.ID()})

	frames := drainFrames(viewer)
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, "session_destroyed", frames[0]["type"])
	assert.Equal(t, "session_switched", frames[1]["type"])
	assert.Equal(t, keeper.ID(), viewer.activeSession())

	// The bystander hears about the destroy but is not switched.
	byFrames := drainFrames(bystander)
	require.NotEmpty(t, byFrames)
	assert.Equal(t, "session_destroyed", byFrames[0]["type"])
	for _, f := range byFrames {
		assert.NotEqual(t, "session_switched", f["type"])
	}
	assert.Equal(t, keeper.ID(), bystander.activeSession())
}

func TestDestroyLastSessionRejected(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	only := newSDKSession(t, mgr, "only")
	c := addClient(t, srv, only.ID())

	srv.handleMessage(context.Background(), c, clientMessage{Type: "destroy_session", SessionID: only.ID()})
	frame := nextFrame(t, c)
	assert.Equal(t, "server_error", frame["type"])
	assert.Equal(t, 1, mgr.Count())
}

func TestRenameSessionBroadcasts(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	sess := newSDKSession(t, mgr, "before")
	c := addClient(t, srv, sess.ID())

	srv.handleMessage(context.Background(), c, clientMessage{Type: "rename_session", Name: "after"})
	frame := nextFrame(t, c)
	require.Equal(t, "session_updated", frame["type"])
	assert.Equal(t, "after", sess.Name())
}

func TestSetModelBroadcastsOnce(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	sess := newSDKSession(t, mgr, "only")
	c := addClient(t, srv, sess.ID())

	srv.handleMessage(context.Background(), c, clientMessage{Type: "set_model", Model: "opus"})
	frame := nextFrame(t, c)
	require.Equal(t, "model_changed", frame["type"])
	assert.Equal(t, "opus", frame["model"])

	// Setting the same model again is a no-op with no broadcast.
	srv.handleMessage(context.Background(), c, clientMessage{Type: "set_model", Model: "opus"})
	assert.Empty(t, drainFrames(c))
}

func TestDispatchCoalescesStream(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	sess := newSDKSession(t, mgr, "only")
	c := addClient(t, srv, sess.ID())

	delta := func(text string) session.Tagged {
		return session.Tagged{SessionID: sess.ID(), Event: session.Event{
			Type: session.EventStreamDelta,
			Data: map[string]any{"messageId": "msg-1", "delta": text},
		}}
	}
	srv.dispatch(delta("hel"))
	srv.dispatch(delta("lo"))
	srv.dispatch(session.Tagged{SessionID: sess.ID(), Event: session.Event{
		Type: session.EventStreamEnd,
		Data: map[string]any{"messageId": "msg-1"},
	}})

	frames := drainFrames(c)
	require.Len(t, frames, 2)
	assert.Equal(t, "stream_delta", frames[0]["type"])
	assert.Equal(t, "hello", frames[0]["delta"])
	assert.Equal(t, "stream_end", frames[1]["type"])
}

func TestDispatchRawRouting(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	watched := newSDKSession(t, mgr, "watched")
	elsewhere := newSDKSession(t, mgr, "elsewhere")

	terminal := addClient(t, srv, watched.ID())
	terminal.setView(modeTerminal)
	chat := addClient(t, srv, watched.ID())
	away := addClient(t, srv, elsewhere.ID())

	srv.dispatch(session.Tagged{SessionID: watched.ID(), Event: session.Event{
		Type: session.EventRaw,
		Data: map[string]any{"data": "aGVsbG8="},
	}})

	termFrames := drainFrames(terminal)
	require.Len(t, termFrames, 1)
	assert.Equal(t, "raw", termFrames[0]["type"])
	assert.Equal(t, "aGVsbG8=", termFrames[0]["data"])

	chatFrames := drainFrames(chat)
	require.Len(t, chatFrames, 1)
	assert.Equal(t, "raw_background", chatFrames[0]["type"])
	assert.NotContains(t, chatFrames[0], "data")

	assert.Empty(t, drainFrames(away))
}

func TestUnknownMessageIgnored(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	sess := newSDKSession(t, mgr, "only")
	c := addClient(t, srv, sess.ID())

	srv.handleMessage(context.Background(), c, clientMessage{Type: "made_up_thing"})
	assert.Empty(t, drainFrames(c))
}

func TestMarkPrimaryLastWriterWins(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	sess := newSDKSession(t, mgr, "only")
	a := addClient(t, srv, sess.ID())
	b := addClient(t, srv, sess.ID())

	srv.markPrimary(a)
	srv.markPrimary(a) // no repeat announcement
	srv.markPrimary(b)

	aFrames := drainFrames(a)
	var changes []string
	for _, f := range aFrames {
		if f["type"] == "primary_changed" {
			changes = append(changes, f["clientId"].(string))
		}
	}
	assert.Equal(t, []string{a.id, b.id}, changes)
}
