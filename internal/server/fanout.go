package server

import (
	"strings"
	"sync"
	"time"
)

const coalesceInterval = 50 * time.Millisecond

type deltaKey struct {
	sessionID string
	messageID string
}

// coalescer batches stream_delta events per (session, message) pair and
// flushes the merged text on a fixed cadence. Mobile clients over a
// tunnel do far better with a few larger frames than a torrent of
// single-token ones.
type coalescer struct {
	mu      sync.Mutex
	pending map[deltaKey]*strings.Builder
	order   []deltaKey
	emit    func(sessionID string, data map[string]any)

	stop     chan struct{}
	stopOnce sync.Once
}

func newCoalescer(emit func(sessionID string, data map[string]any)) *coalescer {
	c := &coalescer{
		pending: make(map[deltaKey]*strings.Builder),
		emit:    emit,
		stop:    make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *coalescer) loop() {
	ticker := time.NewTicker(coalesceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.flushAll()
		}
	}
}

// add buffers one delta. Delta text for different messages never mixes.
func (c *coalescer) add(sessionID, messageID, delta string) {
	key := deltaKey{sessionID, messageID}
	c.mu.Lock()
	buf, ok := c.pending[key]
	if !ok {
		buf = &strings.Builder{}
		c.pending[key] = buf
		c.order = append(c.order, key)
	}
	buf.WriteString(delta)
	c.mu.Unlock()
}

// flushMessage emits any buffered text for the message immediately.
// Called before forwarding stream_end so the end frame never overtakes
// its own deltas.
func (c *coalescer) flushMessage(sessionID, messageID string) {
	key := deltaKey{sessionID, messageID}
	c.mu.Lock()
	buf, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
		for i, k := range c.order {
			if k == key {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	// Emitting under the lock keeps the delta ahead of any frame the
	// caller forwards right after flushing this message.
	if ok && buf.Len() > 0 {
		c.emit(sessionID, map[string]any{"messageId": messageID, "delta": buf.String()})
	}
	c.mu.Unlock()
}

func (c *coalescer) flushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.order {
		if buf := c.pending[key]; buf != nil && buf.Len() > 0 {
			c.emit(key.sessionID, map[string]any{"messageId": key.messageID, "delta": buf.String()})
		}
	}
	c.pending = make(map[deltaKey]*strings.Builder)
	c.order = c.order[:0]
}

func (c *coalescer) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.flushAll()
}
