package session

import (
	"encoding/json"
	"sync"
)

// maxHistoryEntries bounds the per-session history buffer. Raw
// terminal frames are never recorded.
const maxHistoryEntries = 1000

// historyBuffer is a bounded append-only buffer of emitted events,
// used for replay when a client switches into the session and for
// drain serialisation.
type historyBuffer struct {
	mu      sync.Mutex
	entries []json.RawMessage
	// indexes into entries of result events, oldest first; kept in
	// step with trimming so replay cuts are O(1).
	markers []int
}

func newHistoryBuffer() *historyBuffer {
	return &historyBuffer{}
}

// Append records one event. Events that fail to marshal are dropped.
func (h *historyBuffer) Append(ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.Type == EventResult {
		h.markers = append(h.markers, len(h.entries))
	}
	h.entries = append(h.entries, raw)

	if len(h.entries) > maxHistoryEntries {
		drop := len(h.entries) - maxHistoryEntries
		h.entries = append([]json.RawMessage(nil), h.entries[drop:]...)
		kept := h.markers[:0]
		for _, m := range h.markers {
			if m >= drop {
				kept = append(kept, m-drop)
			}
		}
		h.markers = kept
	}
}

// Restore seeds the buffer from previously saved entries.
func (h *historyBuffer) Restore(entries []json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append([]json.RawMessage(nil), entries...)
	h.markers = h.markers[:0]
	for i, raw := range entries {
		var ev struct {
			Type string `json:"event"`
		}
		if json.Unmarshal(raw, &ev) == nil && ev.Type == EventResult {
			h.markers = append(h.markers, i)
		}
	}
}

// All returns a snapshot of every recorded entry.
func (h *historyBuffer) All() []json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]json.RawMessage(nil), h.entries...)
}

// Replay returns the entries a newly-arrived client should see: from
// the most recent turn boundary to the end of the buffer. When the
// buffer ends exactly on a result, the whole last turn is included so
// the user sees what just happened.
func (h *historyBuffer) Replay() []json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) == 0 {
		return nil
	}

	start := 0
	if n := len(h.markers); n > 0 {
		last := h.markers[n-1]
		if last == len(h.entries)-1 {
			// Buffer ends on a completed turn: replay that turn.
			if n > 1 {
				start = h.markers[n-2] + 1
			}
		} else {
			start = last + 1
		}
	}
	return append([]json.RawMessage(nil), h.entries[start:]...)
}
