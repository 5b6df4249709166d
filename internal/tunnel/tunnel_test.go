package tunnel

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptFactory runs a shell script per launch; the script receives
// the 1-based launch count as $1.
func scriptFactory(script string) (CommandFactory, *atomic.Int32) {
	var count atomic.Int32
	factory := func(ctx context.Context, _ Config) *exec.Cmd {
		n := count.Add(1)
		return exec.CommandContext(ctx, "sh", "-c", script, "sh", strconv.Itoa(int(n)))
	}
	return factory, &count
}

func collectEvents(t *testing.T, tn *Tunnel, want int) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for len(out) < want {
		select {
		case ev, ok := <-tn.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %+v", out)
		}
	}
	return out
}

func TestQuickTunnelExtractsURL(t *testing.T) {
	factory, _ := scriptFactory(`echo 'INF +https://brave-otter.trycloudflare.com registered' >&2; exec sleep 60`)
	tn, err := Start(context.Background(), Config{
		Mode:       ModeQuick,
		Port:       8765,
		Command:    factory,
		URLTimeout: 2 * time.Second,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	defer tn.Stop()

	assert.Equal(t, "https://brave-otter.trycloudflare.com", tn.URL())
}

func TestNamedTunnelReadyAfterRegistration(t *testing.T) {
	factory, _ := scriptFactory(
		`echo 'INF Registered tunnel connection connIndex=0 location=fra01' >&2; exec sleep 60`)
	tn, err := Start(context.Background(), Config{
		Mode:       ModeNamed,
		Port:       8765,
		Name:       "chroxy",
		Hostname:   "dev.example.com",
		Command:    factory,
		URLTimeout: 2 * time.Second,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	defer tn.Stop()

	assert.Equal(t, "https://dev.example.com", tn.URL())
}

func TestNamedTunnelWaitsForRegistration(t *testing.T) {
	// No registration line: the hostname alone must not count as ready.
	factory, _ := scriptFactory(`exec sleep 60`)
	_, err := Start(context.Background(), Config{
		Mode:       ModeNamed,
		Port:       8765,
		Name:       "chroxy",
		Hostname:   "dev.example.com",
		Command:    factory,
		URLTimeout: 200 * time.Millisecond,
		Logger:     discardLogger(),
	})
	require.Error(t, err)
}

func TestFirstURLTimeoutFails(t *testing.T) {
	factory, _ := scriptFactory(`exec sleep 60`)
	_, err := Start(context.Background(), Config{
		Mode:       ModeQuick,
		Port:       8765,
		Command:    factory,
		URLTimeout: 100 * time.Millisecond,
		Logger:     discardLogger(),
	})
	require.Error(t, err)
}

func TestRecoveryAfterCrash(t *testing.T) {
	// First launch dies quickly; the relaunch gets a different URL and
	// stays up.
	factory, count := scriptFactory(
		`if [ "$1" = "1" ]; then echo 'https://first.trycloudflare.com' >&2; exit 1; fi
		 echo 'https://second.trycloudflare.com' >&2; exec sleep 60`)

	tn, err := Start(context.Background(), Config{
		Mode:       ModeQuick,
		Port:       8765,
		Command:    factory,
		URLTimeout: 2 * time.Second,
		RetryBase:  10 * time.Millisecond,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	defer tn.Stop()
	assert.Equal(t, "https://first.trycloudflare.com", tn.URL())

	events := collectEvents(t, tn, 4)
	require.Len(t, events, 4)
	assert.Equal(t, EventLost, events[0].Type)
	assert.Equal(t, EventRecovering, events[1].Type)
	assert.Equal(t, 1, events[1].Attempt)
	assert.Equal(t, EventRecovered, events[2].Type)
	assert.Equal(t, "https://second.trycloudflare.com", events[2].URL)
	assert.Equal(t, EventURLChanged, events[3].Type)
	assert.Equal(t, "https://first.trycloudflare.com", events[3].OldURL)
	assert.Equal(t, "https://second.trycloudflare.com", events[3].URL)

	assert.Equal(t, "https://second.trycloudflare.com", tn.URL())
	assert.GreaterOrEqual(t, count.Load(), int32(2))
}

func TestRecoveryExhaustionFails(t *testing.T) {
	factory, _ := scriptFactory(
		`if [ "$1" = "1" ]; then echo 'https://only.trycloudflare.com' >&2; exit 1; fi
		 exit 1`)

	tn, err := Start(context.Background(), Config{
		Mode:       ModeQuick,
		Port:       8765,
		Command:    factory,
		URLTimeout: 100 * time.Millisecond,
		RetryBase:  10 * time.Millisecond,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)

	events := collectEvents(t, tn, 5)
	require.Len(t, events, 5)
	assert.Equal(t, EventLost, events[0].Type)
	assert.Equal(t, EventRecovering, events[1].Type)
	assert.Equal(t, EventRecovering, events[2].Type)
	assert.Equal(t, EventRecovering, events[3].Type)
	assert.Equal(t, EventFailed, events[4].Type)

	select {
	case <-tn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel never reported done")
	}
}

func TestStopSuppressesRecovery(t *testing.T) {
	factory, count := scriptFactory(`echo 'https://stable.trycloudflare.com' >&2; exec sleep 60`)
	tn, err := Start(context.Background(), Config{
		Mode:       ModeQuick,
		Port:       8765,
		Command:    factory,
		URLTimeout: 2 * time.Second,
		RetryBase:  10 * time.Millisecond,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)

	tn.Stop()
	select {
	case <-tn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("tunnel did not stop")
	}

	// Channel closed with no lost/recovering events, and no relaunch.
	for ev := range tn.Events() {
		t.Fatalf("unexpected event after stop: %+v", ev)
	}
	assert.Equal(t, int32(1), count.Load())
}
