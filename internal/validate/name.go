// Package validate holds input validation helpers for names that end
// up in shell commands or client UIs.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// tmuxNameRe is a conservative whitelist for tmux session names. tmux
// names are interpolated into shell commands downstream, so anything
// outside alphanumerics, dot, underscore and hyphen is rejected.
var tmuxNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// TmuxName validates a tmux session name.
func TmuxName(name string) error {
	if name == "" {
		return fmt.Errorf("tmux session name must not be empty")
	}
	if len(name) > 64 {
		return fmt.Errorf("tmux session name must be at most 64 characters")
	}
	if !tmuxNameRe.MatchString(name) {
		return fmt.Errorf("invalid tmux session name %q: only alphanumerics, dot, underscore and hyphen are allowed", name)
	}
	return nil
}

// DisplayName sanitizes a session display name. Control characters are
// stripped; the result is trimmed and truncated to 64 characters. An
// empty result is an error.
func DisplayName(name string) (string, error) {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	sanitized := strings.TrimSpace(b.String())
	if sanitized == "" {
		return "", fmt.Errorf("name must not be empty")
	}
	if len(sanitized) > 64 {
		sanitized = strings.TrimSpace(sanitized[:64])
	}
	return sanitized, nil
}
