// Package session implements the Agent conversation state machines.
// Three variants share one uniform event schema: headless (NDJSON
// child process), sdk (in-process ACP connection) and attached
// (existing tmux session under a PTY).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Variant tags.
const (
	VariantHeadless = "headless"
	VariantSDK      = "agent-sdk"
	VariantAttached = "attached-terminal"
)

// Permission modes understood by chroxy.
const (
	ModeApprove = "approve"
	ModeAuto    = "auto"
	ModePlan    = "plan"
)

// ValidPermissionMode reports whether mode is one of the recognised
// permission modes.
func ValidPermissionMode(mode string) bool {
	switch mode {
	case ModeApprove, ModeAuto, ModePlan:
		return true
	}
	return false
}

var (
	// ErrBusy is returned when a turn is already in flight.
	ErrBusy = errors.New("session is busy")
	// ErrPendingPrompt is returned when a prompt is already buffered
	// while the backend is not ready.
	ErrPendingPrompt = errors.New("a prompt is already pending")
	// ErrDestroyed is returned after Destroy.
	ErrDestroyed = errors.New("session is destroyed")
	// ErrUnsupported is returned by operations a variant cannot serve.
	ErrUnsupported = errors.New("operation not supported by this session variant")
	// ErrNoQuestion is returned when no question awaits an answer.
	ErrNoQuestion = errors.New("no question is waiting for an answer")
	// ErrFailed is returned once the backend has exhausted respawns.
	ErrFailed = errors.New("session backend has failed permanently")
)

// Session is the capability set common to all variants.
type Session interface {
	ID() string
	Name() string
	SetName(name string)
	Cwd() string
	Variant() string
	Model() string
	PermissionMode() string
	Busy() bool
	Ready() bool
	CreatedAt() time.Time

	// UpstreamID is the last-known upstream conversation id, used to
	// resume the conversation across restarts. Empty when unknown.
	UpstreamID() string

	// Events is the uniform event stream. Never closed; consumers
	// select on Done to stop.
	Events() <-chan Event
	// Done is closed once the session is destroyed.
	Done() <-chan struct{}

	// History returns a snapshot of emitted events for persistence.
	History() []json.RawMessage
	// Replay returns the tail of the history a joining client should see.
	Replay() []json.RawMessage

	// Send starts a turn with a user prompt.
	Send(ctx context.Context, text string) error
	// Interrupt aborts the in-flight turn, if any.
	Interrupt() error
	// SetModel changes the model for subsequent turns.
	SetModel(ctx context.Context, model string) error
	// SetPermissionMode changes the permission mode for subsequent turns.
	SetPermissionMode(ctx context.Context, mode string) error
	// RespondToQuestion delivers the user's reply to a pending
	// ask-user question.
	RespondToQuestion(answer string) error
	// Destroy tears down the backend and releases all resources.
	Destroy()
}

// Summary is the list/describe view of a session.
type Summary struct {
	ID             string `json:"sessionId"`
	Name           string `json:"name"`
	Cwd            string `json:"cwd"`
	Variant        string `json:"variant"`
	Model          string `json:"model"`
	PermissionMode string `json:"permissionMode"`
	Busy           bool   `json:"busy"`
	CreatedAt      int64  `json:"createdAt"`
}

// Summarize builds the wire summary for s.
func Summarize(s Session) Summary {
	return Summary{
		ID:             s.ID(),
		Name:           s.Name(),
		Cwd:            s.Cwd(),
		Variant:        s.Variant(),
		Model:          s.Model(),
		PermissionMode: s.PermissionMode(),
		Busy:           s.Busy(),
		CreatedAt:      s.CreatedAt().UnixMilli(),
	}
}
