package server

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chroxy/chroxy/internal/testutil"
)

type emitted struct {
	sessionID string
	messageID string
	delta     string
}

type emitRecorder struct {
	mu  sync.Mutex
	out []emitted
}

func (e *emitRecorder) emit(sessionID string, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out = append(e.out, emitted{
		sessionID: sessionID,
		messageID: data["messageId"].(string),
		delta:     data["delta"].(string),
	})
}

func (e *emitRecorder) all() []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emitted(nil), e.out...)
}

func TestCoalescerMergesDeltas(t *testing.T) {
	rec := &emitRecorder{}
	c := newCoalescer(rec.emit)
	defer c.Close()

	c.add("s1", "msg-1", "hel")
	c.add("s1", "msg-1", "lo ")
	c.add("s1", "msg-1", "world")
	c.flushAll()

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, emitted{"s1", "msg-1", "hello world"}, got[0])
}

func TestCoalescerKeepsMessagesApart(t *testing.T) {
	rec := &emitRecorder{}
	c := newCoalescer(rec.emit)
	defer c.Close()

	c.add("s1", "msg-1", "first")
	c.add("s1", "msg-2", "second")
	c.add("s2", "msg-1", "other session")
	c.flushAll()

	got := rec.all()
	require.Len(t, got, 3)
	assert.Equal(t, emitted{"s1", "msg-1", "first"}, got[0])
	assert.Equal(t, emitted{"s1", "msg-2", "second"}, got[1])
	assert.Equal(t, emitted{"s2", "msg-1", "other session"}, got[2])
}

func TestCoalescerFlushMessage(t *testing.T) {
	rec := &emitRecorder{}
	c := newCoalescer(rec.emit)
	defer c.Close()

	c.add("s1", "msg-1", "target")
	c.add("s1", "msg-2", "stays")
	c.flushMessage("s1", "msg-1")

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, emitted{"s1", "msg-1", "target"}, got[0])

	c.flushAll()
	got = rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, emitted{"s1", "msg-2", "stays"}, got[1])
}

func TestCoalescerFlushMessageEmptyIsNoop(t *testing.T) {
	rec := &emitRecorder{}
	c := newCoalescer(rec.emit)
	defer c.Close()

	c.flushMessage("s1", "msg-none")
	assert.Empty(t, rec.all())
}

// Races the interval flush against the stream_end path: the end frame
// must never land before the delta it follows.
func TestCoalescerDeltaNeverTrailsStreamEnd(t *testing.T) {
	type record struct{ kind, messageID string }
	var mu sync.Mutex
	var log []record

	c := newCoalescer(func(_ string, data map[string]any) {
		mu.Lock()
		log = append(log, record{"delta", data["messageId"].(string)})
		mu.Unlock()
	})
	defer c.Close()

	for i := 0; i < 200; i++ {
		mid := fmt.Sprintf("msg-%d", i)
		c.add("s1", mid, "chunk")

		done := make(chan struct{})
		go func() {
			c.flushAll()
			close(done)
		}()

		// What dispatch does on stream_end: flush, then forward the end.
		c.flushMessage("s1", mid)
		mu.Lock()
		log = append(log, record{"end", mid})
		mu.Unlock()
		<-done
	}

	byMessage := make(map[string][]string)
	for _, r := range log {
		byMessage[r.messageID] = append(byMessage[r.messageID], r.kind)
	}
	for mid, kinds := range byMessage {
		require.Equal(t, []string{"delta", "end"}, kinds, "message %s out of order", mid)
	}
}

func TestCoalescerFlushesOnInterval(t *testing.T) {
	rec := &emitRecorder{}
	c := newCoalescer(rec.emit)
	defer c.Close()

	c.add("s1", "msg-1", "tick")
	testutil.RequireEventually(t, func() bool {
		return len(rec.all()) == 1
	}, "interval flush never fired")
	assert.Equal(t, "tick", rec.all()[0].delta)
}
