package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chroxy/chroxy/internal/testutil"
)

func newTestManager(t *testing.T, maxSessions int) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		MaxSessions:  maxSessions,
		DefaultCwd:   t.TempDir(),
		DefaultModel: "sonnet",
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(m.Shutdown)
	return m
}

// createSDK creates an agent-sdk session; its adapter process is not
// spawned until the first turn, which these tests never start.
func createSDK(t *testing.T, m *Manager, name string) Session {
	t.Helper()
	sess, err := m.Create(context.Background(), CreateOptions{Name: name, Variant: VariantSDK})
	require.NoError(t, err)
	return sess
}

func TestManagerCreateAssignsDefaults(t *testing.T) {
	m := newTestManager(t, 5)
	sess := createSDK(t, m, "")

	assert.NotEmpty(t, sess.ID())
	assert.Equal(t, VariantSDK, sess.Variant())
	assert.Equal(t, "sonnet", sess.Model())
	assert.Equal(t, ModeApprove, sess.PermissionMode())
	assert.NotEmpty(t, sess.Name())
}

func TestManagerCreateRejectsMissingCwd(t *testing.T) {
	m := newTestManager(t, 5)
	_, err := m.Create(context.Background(), CreateOptions{
		Variant: VariantSDK,
		Cwd:     "/does/not/exist",
	})
	require.Error(t, err)
}

func TestManagerCapacity(t *testing.T) {
	m := newTestManager(t, 2)
	createSDK(t, m, "one")
	createSDK(t, m, "two")

	_, err := m.Create(context.Background(), CreateOptions{Variant: VariantSDK})
	assert.ErrorIs(t, err, ErrCapacity)
}

// slowAgentScript impersonates the agent CLI handshake, answering the
// initialize control request after a delay so several Creates are in
// flight at the same time.
const slowAgentScript = `#!/bin/sh
while read line; do
  rid=$(printf '%s' "$line" | sed -n 's/.*"request_id":"\([^"]*\)".*/\1/p')
  if [ -n "$rid" ]; then
    sleep 1
    printf '{"type":"control_response","response":{"subtype":"success","request_id":"%s"}}\n' "$rid"
  fi
done
`

func TestManagerCapacityUnderConcurrentCreates(t *testing.T) {
	script := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(script, []byte(slowAgentScript), 0o755))

	m := NewManager(ManagerConfig{
		MaxSessions:  1,
		DefaultCwd:   t.TempDir(),
		DefaultModel: "sonnet",
		AgentCommand: script,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(m.Shutdown)

	const racers = 4
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		go func(n int) {
			_, err := m.Create(context.Background(), CreateOptions{Name: fmt.Sprintf("racer %d", n)})
			errs <- err
		}(i)
	}

	var created, rejected int
	for i := 0; i < racers; i++ {
		switch err := <-errs; {
		case err == nil:
			created++
		case errors.Is(err, ErrCapacity):
			rejected++
		default:
			t.Fatalf("unexpected create error: %v", err)
		}
	}
	assert.Equal(t, 1, created, "only one create may win the single slot")
	assert.Equal(t, racers-1, rejected)
	assert.Equal(t, 1, m.Count())
}

func TestManagerLastSessionGuard(t *testing.T) {
	m := newTestManager(t, 5)
	only := createSDK(t, m, "only")

	assert.ErrorIs(t, m.Destroy(only.ID()), ErrLastSession)
	assert.Equal(t, 1, m.Count())
}

func TestManagerDestroy(t *testing.T) {
	m := newTestManager(t, 5)
	first := createSDK(t, m, "first")
	second := createSDK(t, m, "second")

	require.NoError(t, m.Destroy(second.ID()))
	assert.Equal(t, 1, m.Count())
	assert.ErrorIs(t, m.Destroy(second.ID()), ErrNotFound)

	remaining, ok := m.First()
	require.True(t, ok)
	assert.Equal(t, first.ID(), remaining.ID())

	select {
	case <-second.Done():
	default:
		t.Fatal("destroyed session's Done channel is still open")
	}
}

func TestManagerListOrder(t *testing.T) {
	m := newTestManager(t, 5)
	a := createSDK(t, m, "a")
	b := createSDK(t, m, "b")

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID(), list[0].ID)
	assert.Equal(t, b.ID(), list[1].ID)
	assert.Equal(t, "a", list[0].Name)
}

func TestManagerAttachRejectsBadName(t *testing.T) {
	m := newTestManager(t, 5)
	_, err := m.Attach("bad name; rm -rf /", "")
	require.Error(t, err)
}

func TestManagerDiscoverFiltersAttached(t *testing.T) {
	m := NewManager(ManagerConfig{
		DefaultCwd: t.TempDir(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		ListTmux: func(ctx context.Context) ([]string, error) {
			return []string{"work", "scratch", "bad name"}, nil
		},
	})
	t.Cleanup(m.Shutdown)

	names, err := m.Discover(context.Background())
	require.NoError(t, err)
	// Invalid tmux names are dropped; nothing attached yet.
	assert.Equal(t, []string{"scratch", "work"}, names)
}

func TestManagerEventsTagged(t *testing.T) {
	m := newTestManager(t, 5)
	sess := createSDK(t, m, "tagged")

	// NewSDK emits ready on construction.
	var got Tagged
	testutil.RequireEventually(t, func() bool {
		select {
		case got = <-m.Events():
			return true
		default:
			return false
		}
	}, "no tagged event")
	assert.Equal(t, sess.ID(), got.SessionID)
	assert.Equal(t, EventReady, got.Event.Type)
}

func TestManagerSnapshotSkipsAttached(t *testing.T) {
	m := newTestManager(t, 5)
	sdk := createSDK(t, m, "persisted")

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, sdk.ID(), snap[0].ID)
	assert.Equal(t, VariantSDK, snap[0].Variant)
	assert.Equal(t, "sonnet", snap[0].Model)
	assert.NotEmpty(t, snap[0].History) // the ready event
}

func TestManagerRestore(t *testing.T) {
	m := newTestManager(t, 5)
	orig := createSDK(t, m, "original")

	snap := m.Snapshot()
	require.Len(t, snap, 1)

	fresh := newTestManager(t, 5)
	fresh.Restore(context.Background(), snap)

	restored, ok := fresh.Get(orig.ID())
	require.True(t, ok)
	assert.Equal(t, "original", restored.Name())
	assert.NotEmpty(t, restored.History())
}
