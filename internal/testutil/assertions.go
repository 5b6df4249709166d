// Package testutil holds shared test helpers.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertEventually is a convenience wrapper around assert.Eventually
// with standardized timeout (5s) and polling interval (10ms).
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) bool {
	t.Helper()
	return assert.Eventually(t, condition, 5*time.Second, 10*time.Millisecond, msgAndArgs...)
}

// RequireEventually is a convenience wrapper around require.Eventually
// with standardized timeout (5s) and polling interval (10ms).
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, condition, 5*time.Second, 10*time.Millisecond, msgAndArgs...)
}

// RequireNever asserts that the condition does not become true within
// the given window. Used for negative delivery checks.
func RequireNever(t *testing.T, condition func() bool, window time.Duration, msgAndArgs ...interface{}) {
	t.Helper()
	require.Never(t, condition, window, 10*time.Millisecond, msgAndArgs...)
}
