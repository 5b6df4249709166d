package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTmuxName(t *testing.T) {
	valid := []string{"main", "dev.1", "my_session", "a-b-c", "ABC123"}
	for _, name := range valid {
		assert.NoError(t, TmuxName(name), "name %q should be valid", name)
	}

	invalid := []string{
		"",
		"has space",
		"semi;colon",
		"dollar$",
		"back`tick",
		"new\nline",
		"quote'",
		"slash/",
		strings.Repeat("a", 65),
	}
	for _, name := range invalid {
		assert.Error(t, TmuxName(name), "name %q should be rejected", name)
	}
}

func TestDisplayName(t *testing.T) {
	got, err := DisplayName("  My Session\x00\x1b  ")
	require.NoError(t, err)
	assert.Equal(t, "My Session", got)

	_, err = DisplayName("\x00\x01")
	assert.Error(t, err)

	long, err := DisplayName(strings.Repeat("x", 200))
	require.NoError(t, err)
	assert.Len(t, long, 64)
}
