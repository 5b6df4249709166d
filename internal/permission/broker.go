// Package permission implements the rendezvous between Agent-originated
// permission prompts (and ask-user questions) and client decisions.
//
// Every pending entry resolves exactly once, on whichever of these
// fires first: a client decision, the timeout, the requester's context
// ending (HTTP connection close), the owning session finishing its
// turn, or broker shutdown.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chroxy/chroxy/internal/id"
	"github.com/chroxy/chroxy/internal/metrics"
)

// Decision is a client verdict on a permission request.
type Decision string

const (
	DecisionAllow       Decision = "allow"
	DecisionAllowAlways Decision = "allowAlways"
	DecisionDeny        Decision = "deny"
)

// Normalize maps a wire decision string to a Decision. Anything
// unknown is treated as deny.
func Normalize(s string) Decision {
	switch Decision(s) {
	case DecisionAllow:
		return DecisionAllow
	case DecisionAllowAlways:
		return DecisionAllowAlways
	default:
		return DecisionDeny
	}
}

// Kind distinguishes permission prompts from ask-user questions.
type Kind string

const (
	KindPermission Kind = "permission"
	KindQuestion   Kind = "question"
)

// Request describes one pending entry, as exposed to subscribers.
type Request struct {
	ID          string
	Kind        Kind
	SessionID   string
	Tool        string
	Input       json.RawMessage
	Description string
	CreatedAt   time.Time
}

// Notifier receives a notification for each new pending entry, so the
// server can emit a session-scoped permission_request / user_question.
type Notifier func(Request)

// ErrUnknownRequest is returned when a response references a request
// id that is not (or no longer) pending.
var ErrUnknownRequest = errors.New("unknown permission request id")

// DefaultTimeout is how long a pending entry may wait for a decision.
const DefaultTimeout = 5 * time.Minute

// maxPendingPerSession caps concurrent pending entries per session;
// excess requests are auto-denied to bound memory.
const maxPendingPerSession = 100

type result struct {
	decision Decision
	answer   string
}

type pending struct {
	req      Request
	ch       chan result // capacity 1; written exactly once
	timer    *time.Timer
	resolved bool
}

// Broker correlates requestId with the originating session and the
// eventual decision. It exclusively owns the pending map.
type Broker struct {
	timeout time.Duration
	counter atomic.Int64

	mu      sync.Mutex
	pending map[string]*pending
	notify  Notifier
}

// NewBroker creates a broker with the given pending timeout; zero
// means DefaultTimeout.
func NewBroker(timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		timeout: timeout,
		pending: make(map[string]*pending),
	}
}

// SetNotifier installs the subscriber callback. Must be called before
// the first request arrives.
func (b *Broker) SetNotifier(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notify = n
}

// RequestPermission registers a permission prompt for sessionID and
// blocks until it resolves. The returned decision is deny on timeout,
// context end, turn end or shutdown.
func (b *Broker) RequestPermission(ctx context.Context, sessionID, tool string, input json.RawMessage) Decision {
	res, _ := b.wait(ctx, Request{
		Kind:        KindPermission,
		SessionID:   sessionID,
		Tool:        tool,
		Input:       input,
		Description: DeriveDescription(tool, input),
	})
	metrics.PermissionDecisionsTotal.WithLabelValues(string(res.decision)).Inc()
	return res.decision
}

// RequestQuestion registers an ask-user question and blocks until a
// client answers or the entry resolves negatively, in which case an
// error is returned.
func (b *Broker) RequestQuestion(ctx context.Context, sessionID, toolUseID string, questions json.RawMessage) (string, error) {
	res, ok := b.wait(ctx, Request{
		Kind:      KindQuestion,
		SessionID: sessionID,
		Tool:      toolUseID,
		Input:     questions,
	})
	if !ok || res.decision == DecisionDeny {
		return "", fmt.Errorf("question %s was not answered", toolUseID)
	}
	return res.answer, nil
}

func (b *Broker) wait(ctx context.Context, req Request) (result, bool) {
	req.ID = fmt.Sprintf("perm-%d-%s", b.counter.Add(1), id.Short())
	req.CreatedAt = time.Now()

	p := &pending{
		req: req,
		ch:  make(chan result, 1),
	}

	b.mu.Lock()
	if b.countForSessionLocked(req.SessionID) >= maxPendingPerSession {
		b.mu.Unlock()
		return result{decision: DecisionDeny}, false
	}
	b.pending[req.ID] = p
	notify := b.notify
	b.mu.Unlock()

	metrics.PendingPermissions.Inc()
	p.timer = time.AfterFunc(b.timeout, func() {
		b.finish(req.ID, result{decision: DecisionDeny})
	})

	if notify != nil {
		notify(req)
	}

	select {
	case res := <-p.ch:
		return res, true
	case <-ctx.Done():
		// The requester went away (HTTP connection closed, session
		// torn down). Deny unless a decision won the race.
		if b.finish(req.ID, result{decision: DecisionDeny}) {
			return result{decision: DecisionDeny}, false
		}
		return <-p.ch, true
	}
}

// Resolve delivers a client decision for requestID. Responses are
// routed strictly by request id; the caller never consults the
// client's active session.
func (b *Broker) Resolve(requestID string, decision Decision) error {
	if !b.finish(requestID, result{decision: decision}) {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return nil
}

// ResolveQuestion delivers an answer for a pending question. When
// requestID is empty the answer is applied iff exactly one question is
// pending (the mobile protocol does not echo the id).
func (b *Broker) ResolveQuestion(requestID, answer string) error {
	if requestID == "" {
		b.mu.Lock()
		for rid, p := range b.pending {
			if p.req.Kind == KindQuestion {
				if requestID != "" {
					b.mu.Unlock()
					return fmt.Errorf("multiple questions pending, id required")
				}
				requestID = rid
			}
		}
		b.mu.Unlock()
		if requestID == "" {
			return ErrUnknownRequest
		}
	}
	if !b.finish(requestID, result{decision: DecisionAllow, answer: answer}) {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return nil
}

// ResolveQuestionForSession answers the oldest pending question owned
// by sessionID.
func (b *Broker) ResolveQuestionForSession(sessionID, answer string) error {
	b.mu.Lock()
	requestID := ""
	var oldest time.Time
	for rid, p := range b.pending {
		if p.req.Kind != KindQuestion || p.req.SessionID != sessionID {
			continue
		}
		if requestID == "" || p.req.CreatedAt.Before(oldest) {
			requestID = rid
			oldest = p.req.CreatedAt
		}
	}
	b.mu.Unlock()

	if requestID == "" {
		return ErrUnknownRequest
	}
	if !b.finish(requestID, result{decision: DecisionAllow, answer: answer}) {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return nil
}

// Lookup returns the pending request for requestID, for authorisation
// cross-checks.
func (b *Broker) Lookup(requestID string) (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[requestID]
	if !ok {
		return Request{}, false
	}
	return p.req, true
}

// EndTurn auto-denies every pending entry belonging to sessionID.
// Called when the session's turn completes or the session is destroyed.
func (b *Broker) EndTurn(sessionID string) {
	for _, rid := range b.idsForSession(sessionID) {
		b.finish(rid, result{decision: DecisionDeny})
	}
}

// Shutdown auto-denies everything.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for rid := range b.pending {
		ids = append(ids, rid)
	}
	b.mu.Unlock()

	for _, rid := range ids {
		b.finish(rid, result{decision: DecisionDeny})
	}
}

// PendingCount returns the number of unresolved entries.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// finish resolves requestID with res. It reports whether this call won
// the resolution race; the entry is removed either way it resolves.
func (b *Broker) finish(requestID string, res result) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if !ok || p.resolved {
		b.mu.Unlock()
		return false
	}
	p.resolved = true
	delete(b.pending, requestID)
	b.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	metrics.PendingPermissions.Dec()
	p.ch <- res
	return true
}

func (b *Broker) idsForSession(sessionID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for rid, p := range b.pending {
		if p.req.SessionID == sessionID {
			ids = append(ids, rid)
		}
	}
	return ids
}

func (b *Broker) countForSessionLocked(sessionID string) int {
	n := 0
	for _, p := range b.pending {
		if p.req.SessionID == sessionID {
			n++
		}
	}
	return n
}

// DeriveDescription produces a short human description of a tool
// invocation from its input payload.
func DeriveDescription(tool string, input json.RawMessage) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err == nil {
		for _, key := range []string{"description", "command", "file_path", "pattern", "query"} {
			raw, ok := fields[key]
			if !ok {
				continue
			}
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && s != "" {
				return s
			}
		}
	}

	dump := string(input)
	if dump == "" || dump == "null" {
		return tool
	}
	if len(dump) > 200 {
		dump = dump[:200]
	}
	return dump
}
