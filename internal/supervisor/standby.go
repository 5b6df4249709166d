package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const standbyBindRetry = 500 * time.Millisecond

// standby answers health checks on the worker's port while the worker
// is down, so the tunnel keeps a live origin and clients see
// "restarting" instead of connection refused. Binding retries because
// the dying worker may still hold the port.
// standbyStats is the restart telemetry embedded in the health body so
// clients can tell a restart loop from a one-off blip.
type standbyStats struct {
	ConsecutiveCrashes int   `json:"consecutiveCrashes"`
	RecentExits        int   `json:"recentExits"`
	DownSince          int64 `json:"downSince"`
}

type standby struct {
	port int
	log  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	srv    *http.Server
	stats  standbyStats
}

func newStandby(port int, logger *slog.Logger) *standby {
	return &standby{port: port, log: logger.With("component", "standby")}
}

// Start begins trying to bind and serve. Idempotent while running.
func (s *standby) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
}

// Stop releases the port for the next worker.
func (s *standby) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	srv := s.srv
	s.cancel = nil
	s.srv = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func (s *standby) run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleStatus)
	mux.HandleFunc("/health", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Handler: mux}

	for {
		if ctx.Err() != nil {
			return
		}
		ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.port)))
		if err != nil {
			timer := time.NewTimer(standbyBindRetry)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		s.mu.Lock()
		if s.cancel == nil {
			// Stopped while we were binding.
			s.mu.Unlock()
			_ = ln.Close()
			return
		}
		s.srv = srv
		s.mu.Unlock()

		s.log.Debug("standby health server up", "port", s.port)
		_ = srv.Serve(ln)
		return
	}
}

func (s *standby) setStats(stats standbyStats) {
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
}

func (s *standby) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "restarting",
		"message": "worker is restarting",
		"metrics": stats,
	})
}
