package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chroxy/chroxy/internal/permission"
)

func newTestSDK(t *testing.T, broker PermissionRequester) *SDK {
	t.Helper()
	s := NewSDK(SDKConfig{
		Name:   "sdk-test",
		Cwd:    t.TempDir(),
		Model:  "sonnet",
		Broker: broker,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(s.Destroy)
	return s
}

// fakeBroker scripts the decisions the permission callback receives.
type fakeBroker struct {
	decision permission.Decision
	answer   string
	asked    []string
}

func (f *fakeBroker) RequestPermission(_ context.Context, _, tool string, _ json.RawMessage) permission.Decision {
	f.asked = append(f.asked, tool)
	return f.decision
}

func (f *fakeBroker) RequestQuestion(_ context.Context, _, toolUseID string, _ json.RawMessage) (string, error) {
	f.asked = append(f.asked, toolUseID)
	return f.answer, nil
}

func permRequest(title string, options ...acp.PermissionOption) acp.RequestPermissionRequest {
	kind := acp.ToolKindExecute
	return acp.RequestPermissionRequest{
		SessionId: "acp-1",
		ToolCall: acp.RequestPermissionToolCall{
			ToolCallId: "toolu_1",
			Title:      &title,
			Kind:       &kind,
		},
		Options: options,
	}
}

func TestSDKPermissionDecisionMapping(t *testing.T) {
	allowOnce := acp.PermissionOption{OptionId: "opt-allow", Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce}
	allowAlways := acp.PermissionOption{OptionId: "opt-always", Name: "Always allow", Kind: acp.PermissionOptionKindAllowAlways}
	reject := acp.PermissionOption{OptionId: "opt-reject", Name: "Reject", Kind: "reject_once"}

	tests := []struct {
		name     string
		decision permission.Decision
		wantOpt  acp.PermissionOptionId
	}{
		{"allow picks allow_once", permission.DecisionAllow, "opt-allow"},
		{"allowAlways picks allow_always", permission.DecisionAllowAlways, "opt-always"},
		{"deny picks reject", permission.DecisionDeny, "opt-reject"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := &fakeBroker{decision: tt.decision}
			s := newTestSDK(t, broker)
			client := &sdkClient{session: s}

			resp, err := client.RequestPermission(context.Background(), permRequest("Bash", allowOnce, allowAlways, reject))
			require.NoError(t, err)
			require.NotNil(t, resp.Outcome.Selected)
			assert.Equal(t, tt.wantOpt, resp.Outcome.Selected.OptionId)
		})
	}
}

func TestSDKPermissionNoOptionsCancels(t *testing.T) {
	s := newTestSDK(t, &fakeBroker{decision: permission.DecisionAllow})
	client := &sdkClient{session: s}

	resp, err := client.RequestPermission(context.Background(), permRequest("Bash"))
	require.NoError(t, err)
	assert.NotNil(t, resp.Outcome.Cancelled)
}

func TestSDKPermissionDenyWithoutRejectOptionCancels(t *testing.T) {
	allowOnce := acp.PermissionOption{OptionId: "opt-allow", Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce}
	s := newTestSDK(t, &fakeBroker{decision: permission.DecisionDeny})
	client := &sdkClient{session: s}

	resp, err := client.RequestPermission(context.Background(), permRequest("Bash", allowOnce))
	require.NoError(t, err)
	assert.NotNil(t, resp.Outcome.Cancelled)
}

func TestSDKQuestionMatchesOptionByName(t *testing.T) {
	broker := &fakeBroker{answer: "Use Postgres"}
	s := newTestSDK(t, broker)
	client := &sdkClient{session: s}

	req := permRequest("AskUserQuestion",
		acp.PermissionOption{OptionId: "opt-sqlite", Name: "Use SQLite", Kind: acp.PermissionOptionKindAllowOnce},
		acp.PermissionOption{OptionId: "opt-pg", Name: "Use Postgres", Kind: acp.PermissionOptionKindAllowOnce},
	)

	resp, err := client.RequestPermission(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Selected)
	assert.Equal(t, acp.PermissionOptionId("opt-pg"), resp.Outcome.Selected.OptionId)
}

func TestSDKQuestionUnmatchedAnswerTakesFirst(t *testing.T) {
	broker := &fakeBroker{answer: "something else entirely"}
	s := newTestSDK(t, broker)
	client := &sdkClient{session: s}

	req := permRequest("AskUserQuestion",
		acp.PermissionOption{OptionId: "opt-1", Name: "First", Kind: acp.PermissionOptionKindAllowOnce},
		acp.PermissionOption{OptionId: "opt-2", Name: "Second", Kind: acp.PermissionOptionKindAllowOnce},
	)

	resp, err := client.RequestPermission(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Selected)
	assert.Equal(t, acp.PermissionOptionId("opt-1"), resp.Outcome.Selected.OptionId)
}

func TestSDKSettingsRejectedWhileBusy(t *testing.T) {
	s := newTestSDK(t, &fakeBroker{})
	s.mu.Lock()
	s.busy = true
	s.mu.Unlock()

	assert.ErrorIs(t, s.SetModel(context.Background(), "opus"), ErrBusy)
	assert.ErrorIs(t, s.SetPermissionMode(context.Background(), ModePlan), ErrBusy)

	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()

	require.NoError(t, s.SetModel(context.Background(), "opus"))
	assert.Equal(t, "opus", s.Model())
	require.NoError(t, s.SetPermissionMode(context.Background(), ModePlan))
	assert.Equal(t, ModePlan, s.PermissionMode())
}

func TestSDKSendWhileBusy(t *testing.T) {
	s := newTestSDK(t, &fakeBroker{})
	s.mu.Lock()
	s.busy = true
	s.mu.Unlock()

	assert.ErrorIs(t, s.Send(context.Background(), "hi"), ErrBusy)
}

func TestSDKStreamUpdates(t *testing.T) {
	s := newTestSDK(t, &fakeBroker{})

	// Drain the construction-time ready event.
	<-s.Events()

	text := func(str string) acp.SessionUpdate {
		return acp.SessionUpdate{
			AgentMessageChunk: &acp.SessionUpdateAgentMessageChunk{
				Content: acp.TextBlock(str),
			},
		}
	}
	s.handleUpdate(acp.SessionNotification{SessionId: "acp-1", Update: text("hel")})
	s.handleUpdate(acp.SessionNotification{SessionId: "acp-1", Update: text("lo")})
	s.finishTurn(false, "end_turn", time.Now())

	var got []string
	for len(got) < 4 {
		select {
		case ev := <-s.Events():
			got = append(got, ev.Type)
		default:
			t.Fatalf("missing events, got %v", got)
		}
	}
	assert.Equal(t, []string{EventStreamStart, EventStreamDelta, EventStreamDelta, EventStreamEnd}, got[:4])
}
