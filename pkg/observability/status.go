package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commonsops/rostersync/pkg/buildinfo"
	"github.com/commonsops/rostersync/pkg/logging"
)

// HealthProbe checks one dependency's reachability.
type HealthProbe func(ctx context.Context) error

// RunSummary is the /lastrun payload: the most recent run as seen by this
// process. In-memory only; the audit store keeps durable history.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Mode       string    `json:"mode"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Succeeded  int       `json:"succeeded"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Overall    bool      `json:"overall_success"`
}

// StatusServer exposes /metrics, /healthz, /version, and /lastrun for the
// long-running commands. One-shot syncs never start one.
type StatusServer struct {
	addr     string
	service  string
	registry *prometheus.Registry
	log      logging.Logger

	mu      sync.Mutex
	probes  map[string]HealthProbe
	lastRun *RunSummary

	srv *http.Server
}

// NewStatusServer builds a status server on the given listen address. The
// registry carries this process's metrics; nil uses a fresh registry.
func NewStatusServer(addr, serviceName string, registry *prometheus.Registry, log logging.Logger) *StatusServer {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &StatusServer{
		addr:     addr,
		service:  serviceName,
		registry: registry,
		log:      log,
		probes:   make(map[string]HealthProbe),
	}
}

// Registry returns the server's metrics registry, for NewMetrics.
func (s *StatusServer) Registry() *prometheus.Registry {
	return s.registry
}

// AddProbe registers a dependency check consulted by /healthz.
func (s *StatusServer) AddProbe(name string, probe HealthProbe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[name] = probe
}

// SetLastRun publishes the most recent run summary.
func (s *StatusServer) SetLastRun(summary RunSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = &summary
}

// Start listens until the context is cancelled, then drains with a short
// shutdown timeout. It blocks; run it on its own goroutine.
func (s *StatusServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/version", buildinfo.Handler(s.service))
	mux.HandleFunc("/lastrun", s.handleLastRun)

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status server listening", logging.F("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// handleHealthz runs every probe with a per-check timeout and reports 503
// when any fails.
func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	probes := make(map[string]HealthProbe, len(s.probes))
	for name, p := range s.probes {
		probes[name] = p
	}
	s.mu.Unlock()

	type check struct {
		Name  string `json:"name"`
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}

	checks := make([]check, 0, len(probes))
	healthy := true
	for name, probe := range probes {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		err := probe(ctx)
		cancel()

		c := check{Name: name, OK: err == nil}
		if err != nil {
			c.Error = err.Error()
			healthy = false
		}
		checks = append(checks, c)
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": healthy,
		"checks":  checks,
	})
}

// handleLastRun serves the in-memory summary of the most recent run.
func (s *StatusServer) handleLastRun(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if last == nil {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "no run recorded yet"})
		return
	}
	_ = json.NewEncoder(w).Encode(last)
}
