// Package supervisor implements the parent process that keeps a worker
// alive: spawn, ready gating, crash backoff, drain-based restarts and
// deploy rollback. The worker talks back over an NDJSON control channel
// on its stdin/stdout; logs go to stderr so the channel stays clean.
package supervisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Environment variables the supervisor sets on its worker.
const (
	EnvSupervised = "CHROXY_SUPERVISED"
	EnvTunnel     = "CHROXY_TUNNEL"
)

// Control message types.
const (
	msgReady         = "ready"
	msgDrain         = "drain"
	msgDrainComplete = "drain_complete"
)

// controlMessage is one NDJSON frame on the supervisor<->worker channel.
type controlMessage struct {
	Type      string `json:"type"`
	TimeoutMS int    `json:"timeoutMs,omitempty"`
}

// writeControl writes one frame; the mutex serialises concurrent writers.
type controlWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *controlWriter) write(msg controlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(data); err != nil {
		return fmt.Errorf("write control message: %w", err)
	}
	return nil
}

// WorkerControl is the worker-side end of the control channel. The
// worker announces readiness on stdout and receives drain commands on
// stdin.
type WorkerControl struct {
	writer *controlWriter
	drains chan time.Duration
}

// NewWorkerControl wires the channel to the given streams (stdin and
// stdout in production) and starts the command reader.
func NewWorkerControl(in io.Reader, out io.Writer) *WorkerControl {
	wc := &WorkerControl{
		writer: &controlWriter{out: out},
		drains: make(chan time.Duration, 1),
	}
	go wc.readLoop(in)
	return wc
}

func (wc *WorkerControl) readLoop(in io.Reader) {
	defer close(wc.drains)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg controlMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Type == msgDrain {
			timeout := time.Duration(msg.TimeoutMS) * time.Millisecond
			select {
			case wc.drains <- timeout:
			default:
			}
		}
	}
}

// SendReady tells the supervisor the worker is serving.
func (wc *WorkerControl) SendReady() error {
	return wc.writer.write(controlMessage{Type: msgReady})
}

// SendDrainComplete acknowledges a finished drain.
func (wc *WorkerControl) SendDrainComplete() error {
	return wc.writer.write(controlMessage{Type: msgDrainComplete})
}

// Drains delivers drain commands with their timeout. Closed when the
// supervisor side goes away (stdin EOF).
func (wc *WorkerControl) Drains() <-chan time.Duration {
	return wc.drains
}
