package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenEqual(t *testing.T) {
	assert.True(t, tokenEqual("secret", "secret"))
	assert.False(t, tokenEqual("secre", "secret"))
	assert.False(t, tokenEqual("secrets", "secret"))
	assert.False(t, tokenEqual("Secret", "secret"))
	assert.False(t, tokenEqual("", "secret"))
	// An empty configured token never matches, even an empty guess.
	assert.False(t, tokenEqual("", ""))
}

func newTestLimiter(start time.Time) (*rateLimiter, *time.Time) {
	now := start
	r := newRateLimiter()
	r.now = func() time.Time { return now }
	return r, &now
}

func TestRateLimiterBlocksAfterFive(t *testing.T) {
	r, _ := newTestLimiter(time.Unix(1000, 0))

	for i := 0; i < 4; i++ {
		assert.Zero(t, r.recordFailure("1.2.3.4"), "failure %d should not block", i+1)
	}
	assert.Equal(t, 16*time.Second, r.recordFailure("1.2.3.4"))
	assert.Equal(t, 32*time.Second, r.recordFailure("1.2.3.4"))
	assert.Equal(t, 60*time.Second, r.recordFailure("1.2.3.4"))
	assert.Equal(t, 60*time.Second, r.recordFailure("1.2.3.4"))

	assert.Positive(t, r.blockedFor("1.2.3.4"))
	assert.Zero(t, r.blockedFor("5.6.7.8"))
}

func TestRateLimiterBlockExpires(t *testing.T) {
	r, now := newTestLimiter(time.Unix(1000, 0))
	for i := 0; i < 5; i++ {
		r.recordFailure("1.2.3.4")
	}
	assert.Positive(t, r.blockedFor("1.2.3.4"))

	*now = now.Add(17 * time.Second)
	assert.Zero(t, r.blockedFor("1.2.3.4"))
}

func TestRateLimiterSuccessClears(t *testing.T) {
	r, _ := newTestLimiter(time.Unix(1000, 0))
	for i := 0; i < 4; i++ {
		r.recordFailure("1.2.3.4")
	}
	r.recordSuccess("1.2.3.4")

	// The streak restarts from one.
	assert.Zero(t, r.recordFailure("1.2.3.4"))
}

func TestRateLimiterWindowResetsStreak(t *testing.T) {
	r, now := newTestLimiter(time.Unix(1000, 0))
	for i := 0; i < 4; i++ {
		r.recordFailure("1.2.3.4")
	}

	// A failure after a long quiet period starts a fresh streak.
	*now = now.Add(rateLimitWindow + time.Second)
	assert.Zero(t, r.recordFailure("1.2.3.4"))
	for i := 0; i < 3; i++ {
		assert.Zero(t, r.recordFailure("1.2.3.4"))
	}
	assert.Equal(t, 16*time.Second, r.recordFailure("1.2.3.4"))
}

func TestRateLimiterPrune(t *testing.T) {
	r, now := newTestLimiter(time.Unix(1000, 0))
	r.recordFailure("1.2.3.4")
	r.recordFailure("5.6.7.8")

	*now = now.Add(rateLimitWindow + time.Second)
	r.prune()

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.fails)
}
