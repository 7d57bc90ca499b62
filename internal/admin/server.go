// Package admin serves the collector's operator endpoints: health, Prometheus
// metrics and a JSON stats dump. It listens apart from the agent port.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/adred-codev/collector/internal/netcheck"
	"github.com/adred-codev/collector/internal/scheduler"
	"github.com/adred-codev/collector/internal/shared/monitoring"
	"github.com/adred-codev/collector/internal/shared/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// PoolStats is the worker pool seen from the admin surface.
type PoolStats interface {
	Workers() int
	Busy() int
	QueueDepth() int
	QueueCapacity() int
	Rejected() int64
}

// Sources are the components /stats reads. Any field may be nil.
type Sources struct {
	Stats     *types.Stats
	Pool      PoolStats
	Scheduler interface{ Stats() []scheduler.JobStats }
	Network   interface{ Last() []netcheck.TargetStatus }
	Sessions  interface {
		Count(ctx context.Context) (int, error)
	}
	System    interface{ GetMetrics() monitoring.SystemMetrics }
	Admission interface{ Stats() map[string]any }
}

type Server struct {
	addr    string
	status  *Status
	src     Sources
	version string
	logger  zerolog.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates the admin server; it does not listen until Start.
func NewServer(addr, version string, status *Status, src Sources, logger zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		status:  status,
		src:     src,
		version: version,
		logger:  logger.With().Str("component", "admin").Logger(),
	}
}

// Router builds the admin routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", monitoring.MetricsHandler())
	r.Get("/stats", s.handleStats)
	return r
}

// Start binds addr and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.mu.Lock()
	s.srv = srv
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer monitoring.RecoverPanic(s.logger, "admin.Serve", nil)
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin server accept loop error")
		}
	}()

	s.logger.Info().Str("address", ln.Addr().String()).Msg("Admin server listening")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "starting",
		"healthy": false,
		"version": s.version,
	}
	code := http.StatusServiceUnavailable

	if s.status.OK() {
		code = http.StatusOK
		body["status"] = "ok"
		body["healthy"] = true
		body["since"] = s.status.Since().UTC().Format(time.RFC3339)
	}
	if s.src.Stats != nil {
		body["uptime_seconds"] = time.Since(s.src.Stats.StartTime).Seconds()
	}

	writeJSON(w, code, body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}

	if s.src.Stats != nil {
		out["connections"] = s.src.Stats.Snapshot()
	}
	if s.src.Pool != nil {
		out["worker_pool"] = map[string]any{
			"workers":        s.src.Pool.Workers(),
			"busy":           s.src.Pool.Busy(),
			"queue_depth":    s.src.Pool.QueueDepth(),
			"queue_capacity": s.src.Pool.QueueCapacity(),
			"rejected":       s.src.Pool.Rejected(),
		}
	}
	if s.src.Scheduler != nil {
		out["jobs"] = s.src.Scheduler.Stats()
	}
	if s.src.Network != nil {
		out["network"] = s.src.Network.Last()
	}
	if s.src.Sessions != nil {
		if n, err := s.src.Sessions.Count(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to count sessions")
		} else {
			out["sessions"] = n
		}
	}
	if s.src.System != nil {
		out["system"] = s.src.System.GetMetrics()
	}
	if s.src.Admission != nil {
		out["admission"] = s.src.Admission.Stats()
	}

	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
