// Package agent manages the headless Agent child process: an NDJSON
// request/response loop over stdin/stdout. Lines are forwarded to the
// owning session verbatim; only control responses are consumed here.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chroxy/chroxy/internal/id"
)

// OutputHandler is called for each NDJSON line produced by the agent
// process. The line is passed verbatim (not parsed).
type OutputHandler func(line []byte)

// controlResult holds the outcome of a pending control request.
type controlResult struct {
	Success bool
	Error   string
}

// Options configures a new Agent process.
type Options struct {
	Command         string // executable; defaults to "claude"
	Model           string
	WorkingDir      string
	PermissionMode  string // Chroxy mode: approve, auto, plan
	AllowedTools    string // comma-separated --allowedTools value
	ResumeSessionID string // if set, uses --resume to continue a conversation
	HookPort        int    // CHROXY_PORT for the permission hook
	HookToken       string // CHROXY_TOKEN for the permission hook
	StartupTimeout  time.Duration
}

func (o Options) command() string {
	if o.Command != "" {
		return o.Command
	}
	return "claude"
}

func (o Options) startupTimeout() time.Duration {
	if o.StartupTimeout > 0 {
		return o.StartupTimeout
	}
	return 30 * time.Second
}

// Agent manages a single headless agent process.
type Agent struct {
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stderrBuf   *bytes.Buffer
	cancel      context.CancelFunc
	processDone chan struct{} // closed when the process exits
	waitErr     error         // set before processDone is closed

	mu      sync.Mutex
	stopped bool

	pendingControlMu sync.Mutex
	pendingControl   map[string]chan<- controlResult
}

// Start spawns a new agent process and begins reading its output. The
// outputFn callback is called for each NDJSON line.
//
// With --input-format stream-json the process produces no output
// (including the init message) until something arrives on stdin, so
// Start immediately sends an "initialize" control request; that both
// triggers the init system message and verifies the process is alive.
func Start(ctx context.Context, opts Options, outputFn OutputHandler) (*Agent, error) {
	ctx, cancel := context.WithCancel(ctx)

	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
		"--permission-mode", TranslateMode(opts.PermissionMode),
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.AllowedTools != "" {
		args = append(args, "--allowedTools", opts.AllowedTools)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}

	cmd := exec.CommandContext(ctx, opts.command(), args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = filterEnv(cmd.Environ(), "CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT")
	if opts.HookPort > 0 {
		cmd.Env = append(cmd.Env,
			"CHROXY_PORT="+strconv.Itoa(opts.HookPort),
			"CHROXY_TOKEN="+opts.HookToken,
		)
	}

	// Send SIGTERM (instead of the default SIGKILL) when the context
	// is cancelled so the process can persist its session state; Go
	// escalates to SIGKILL after WaitDelay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	// Capture stderr for diagnostics on crash.
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	a := &Agent{
		cmd:            cmd,
		stdin:          stdin,
		stderrBuf:      &stderrBuf,
		cancel:         cancel,
		processDone:    make(chan struct{}),
		pendingControl: make(map[string]chan<- controlResult),
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", opts.command(), err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	go a.readOutput(scanner, outputFn)

	if _, err := a.sendControlAndWait(ctx, `{"subtype":"initialize"}`, opts.startupTimeout()); err != nil {
		a.Stop(0)
		_ = a.Wait()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	return a, nil
}

// SendUser writes one user message to the agent's stdin. This starts a
// turn, or answers an in-turn question when a question is pending.
func (a *Agent) SendUser(content string) error {
	msg := UserInputMessage{
		Type: MessageTypeUser,
		Message: UserInputContent{
			Role:    "user",
			Content: content,
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	return a.writeLine(data)
}

// Interrupt asks the agent to abort the in-flight turn. Fire and
// forget; the caller arms its own safety timer.
func (a *Agent) Interrupt() error {
	msg := fmt.Sprintf(`{"type":"control_request","request_id":"%s","request":{"subtype":"interrupt"}}`, id.Short())
	return a.writeLine([]byte(msg))
}

func (a *Agent) writeLine(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return fmt.Errorf("agent is stopped")
	}

	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	if _, err := a.stdin.Write(data); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Stop terminates the agent process. It closes stdin to signal EOF and
// waits up to grace for a clean exit before cancelling the context
// (SIGTERM, then SIGKILL after WaitDelay). grace <= 0 skips straight
// to the signal path.
func (a *Agent) Stop(grace time.Duration) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	_ = a.stdin.Close()

	if grace > 0 {
		select {
		case <-a.processDone:
			return
		case <-time.After(grace):
		}
	}
	a.cancel()
}

// IsStopped reports whether the agent was intentionally stopped.
func (a *Agent) IsStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// Wait blocks until the agent process exits and returns its exit error.
func (a *Agent) Wait() error {
	<-a.processDone
	return a.waitErr
}

// Done returns a channel closed when the process has exited.
func (a *Agent) Done() <-chan struct{} {
	return a.processDone
}

// Stderr returns the captured stderr output from the agent process.
func (a *Agent) Stderr() string {
	if a.stderrBuf == nil {
		return ""
	}
	return a.stderrBuf.String()
}

// sendControlAndWait sends a control request and waits for the
// matching control_response. requestBody is the JSON for the "request"
// field only.
func (a *Agent) sendControlAndWait(ctx context.Context, requestBody string, timeout time.Duration) (controlResult, error) {
	requestID := id.Short()
	ch := make(chan controlResult, 1)
	a.registerPendingControl(requestID, ch)
	defer a.unregisterPendingControl(requestID)

	msg := fmt.Sprintf(`{"type":"control_request","request_id":"%s","request":%s}`, requestID, requestBody)
	if err := a.writeLine([]byte(msg)); err != nil {
		return controlResult{}, err
	}

	select {
	case resp := <-ch:
		if !resp.Success {
			return resp, fmt.Errorf("%s", resp.Error)
		}
		return resp, nil
	case <-a.processDone:
		if stderr := strings.TrimSpace(a.Stderr()); stderr != "" {
			return controlResult{}, fmt.Errorf("agent process exited: %s", stderr)
		}
		return controlResult{}, fmt.Errorf("agent process exited unexpectedly")
	case <-ctx.Done():
		return controlResult{}, ctx.Err()
	case <-time.After(timeout):
		return controlResult{}, fmt.Errorf("timeout waiting for agent to respond")
	}
}

func (a *Agent) registerPendingControl(requestID string, ch chan<- controlResult) {
	a.pendingControlMu.Lock()
	defer a.pendingControlMu.Unlock()
	a.pendingControl[requestID] = ch
}

func (a *Agent) unregisterPendingControl(requestID string) {
	a.pendingControlMu.Lock()
	defer a.pendingControlMu.Unlock()
	delete(a.pendingControl, requestID)
}

// handlePendingControlResponse consumes control_response lines that
// match a pending request; such lines are not forwarded.
func (a *Agent) handlePendingControlResponse(line []byte) bool {
	if !bytes.Contains(line, []byte(`"control_response"`)) {
		return false
	}

	var envelope struct {
		Type     string `json:"type"`
		Response struct {
			Subtype   string `json:"subtype"`
			RequestID string `json:"request_id"`
			Error     string `json:"error"`
		} `json:"response"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil || envelope.Type != "control_response" {
		return false
	}

	a.pendingControlMu.Lock()
	ch, ok := a.pendingControl[envelope.Response.RequestID]
	a.pendingControlMu.Unlock()
	if !ok {
		return false
	}

	ch <- controlResult{
		Success: envelope.Response.Subtype == "success",
		Error:   envelope.Response.Error,
	}
	return true
}

func (a *Agent) readOutput(scanner *bufio.Scanner, outputFn OutputHandler) {
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// Scanner reuses its buffer.
		lineCopy := make([]byte, len(line))
		copy(lineCopy, line)

		if a.handlePendingControlResponse(lineCopy) {
			continue
		}
		outputFn(lineCopy)
	}

	if err := scanner.Err(); err != nil {
		slog.Warn("agent stdout read error", "error", err)
	}

	// Wait must run after stdout is fully drained to avoid racing the
	// scanner against pipe teardown.
	a.waitErr = a.cmd.Wait()
	close(a.processDone)
}

// filterEnv returns a copy of environ with entries matching any of the
// given key names removed. Keys are matched case-insensitively by the
// portion before the first '='.
func filterEnv(environ []string, keys ...string) []string {
	filtered := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, _ := strings.Cut(entry, "=")
		skip := false
		for _, k := range keys {
			if strings.EqualFold(name, k) {
				skip = true
				break
			}
		}
		if !skip {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}
