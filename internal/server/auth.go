package server

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/chroxy/chroxy/internal/metrics"
)

const (
	rateLimitMax      = 60 * time.Second
	rateLimitWindow   = 5 * time.Minute
	rateLimitPrune    = 1 * time.Minute
	rateLimitMaxSlots = 4096
)

// tokenEqual compares a presented token against the configured one in
// constant time. The length check is folded into the comparison so a
// mismatched length costs the same as a mismatched byte.
func tokenEqual(presented, expected string) bool {
	if expected == "" {
		return false
	}
	max := len(presented)
	if len(expected) > max {
		max = len(expected)
	}
	a := make([]byte, max)
	b := make([]byte, max)
	copy(a, presented)
	copy(b, expected)
	sameBytes := subtle.ConstantTimeCompare(a, b)
	sameLen := subtle.ConstantTimeEq(int32(len(presented)), int32(len(expected)))
	return sameBytes&sameLen == 1
}

type failState struct {
	count        int
	blockedUntil time.Time
	lastFailure  time.Time
}

// rateLimiter tracks consecutive auth failures per source address and
// blocks repeat offenders with an exponential backoff capped at one
// minute. Failures separated by more than the window start a fresh
// streak.
type rateLimiter struct {
	mu    sync.Mutex
	fails map[string]*failState
	now   func() time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		fails: make(map[string]*failState),
		now:   time.Now,
	}
}

// blockedFor returns how long the address must still wait, or zero.
func (r *rateLimiter) blockedFor(addr string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.fails[addr]
	if !ok {
		return 0
	}
	if remaining := st.blockedUntil.Sub(r.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// recordFailure notes a failed attempt and returns the block duration
// now in effect for the address (zero until the fifth consecutive
// failure inside the window).
func (r *rateLimiter) recordFailure(addr string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	st, ok := r.fails[addr]
	if !ok {
		if len(r.fails) >= rateLimitMaxSlots {
			r.pruneLocked(now)
		}
		st = &failState{}
		r.fails[addr] = st
	}
	if now.Sub(st.lastFailure) > rateLimitWindow {
		st.count = 0
	}
	st.count++
	st.lastFailure = now

	metrics.AuthFailuresTotal.WithLabelValues("bad_token").Inc()

	if st.count < 5 {
		return 0
	}
	block := time.Second << (st.count - 1)
	if block > rateLimitMax || block <= 0 {
		block = rateLimitMax
	}
	st.blockedUntil = now.Add(block)
	return block
}

// recordSuccess clears the failure streak for the address.
func (r *rateLimiter) recordSuccess(addr string) {
	r.mu.Lock()
	delete(r.fails, addr)
	r.mu.Unlock()
}

// prune drops entries whose last failure is older than the window.
func (r *rateLimiter) prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.now())
}

func (r *rateLimiter) pruneLocked(now time.Time) {
	for addr, st := range r.fails {
		if now.Sub(st.lastFailure) > rateLimitWindow && now.After(st.blockedUntil) {
			delete(r.fails, addr)
		}
	}
}

// pruneLoop runs prune on a fixed cadence until stop closes.
func (r *rateLimiter) pruneLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(rateLimitPrune)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.prune()
		}
	}
}
