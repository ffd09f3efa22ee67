// Package metrics exposes guard activity as Prometheus metrics.
//
// Every Metrics value owns its registry, so several engines (or tests) can
// coexist in one process. All methods are safe on a nil *Metrics.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the guard's collectors.
type Metrics struct {
	Registry *prometheus.Registry

	Backups          *prometheus.CounterVec
	Events           *prometheus.CounterVec
	Detections       prometheus.Counter
	Recoveries       *prometheus.CounterVec
	RecoveryDuration prometheus.Histogram
	SweepDuration    prometheus.Histogram
	WatchedFiles     prometheus.Gauge
	ProcessHealthy   prometheus.Gauge
}

// New creates a Metrics with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		Registry: reg,
		Backups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vectorguard_backup_evaluations_total",
			Help: "Backup evaluations by result",
		}, []string{"result"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vectorguard_events_total",
			Help: "Filesystem change events processed by kind",
		}, []string{"kind"}),
		Detections: f.NewCounter(prometheus.CounterOpts{
			Name: "vectorguard_corruption_detected_total",
			Help: "Corruption detections",
		}),
		Recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vectorguard_recoveries_total",
			Help: "Recovery attempts by final state",
		}, []string{"state"}),
		RecoveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vectorguard_recovery_duration_seconds",
			Help:    "Recovery workflow duration",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120},
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vectorguard_sweep_duration_seconds",
			Help:    "Full backup sweep duration",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		}),
		WatchedFiles: f.NewGauge(prometheus.GaugeOpts{
			Name: "vectorguard_watched_files",
			Help: "Number of watched files",
		}),
		ProcessHealthy: f.NewGauge(prometheus.GaugeOpts{
			Name: "vectorguard_process_healthy",
			Help: "1 if the guarded process passed its last health check",
		}),
	}

	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	for _, r := range []string{"created", "updated", "skipped", "failed"} {
		m.Backups.WithLabelValues(r)
	}
	for _, s := range []string{"recovered", "failed"} {
		m.Recoveries.WithLabelValues(s)
	}
	return m
}

// BackupEvaluated counts one evaluation outcome.
func (m *Metrics) BackupEvaluated(result string) {
	if m == nil {
		return
	}
	m.Backups.WithLabelValues(result).Inc()
}

// EventProcessed counts one dequeued change event.
func (m *Metrics) EventProcessed(kind string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind).Inc()
}

// CorruptionDetected counts one positive detection.
func (m *Metrics) CorruptionDetected() {
	if m == nil {
		return
	}
	m.Detections.Inc()
}

// RecoveryFinished records a finished recovery.
func (m *Metrics) RecoveryFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.Recoveries.WithLabelValues(state).Inc()
	m.RecoveryDuration.Observe(d.Seconds())
}

// SweepFinished records a sweep duration.
func (m *Metrics) SweepFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
}

// SetWatchedFiles sets the watched file gauge.
func (m *Metrics) SetWatchedFiles(n int) {
	if m == nil {
		return
	}
	m.WatchedFiles.Set(float64(n))
}

// SetProcessHealthy records the last health check result.
func (m *Metrics) SetProcessHealthy(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.ProcessHealthy.Set(1)
	} else {
		m.ProcessHealthy.Set(0)
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Server serves /metrics and /healthz on a TCP address.
type Server struct {
	srv      *http.Server
	listener net.Listener

	// OnError, if set, receives errors from the serving goroutine.
	OnError func(error)
}

// NewServer creates a metrics server; healthy backs the /healthz endpoint.
func NewServer(addr string, m *Metrics, healthy func() bool) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("degraded\n"))
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	return &Server{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && s.OnError != nil {
			s.OnError(err)
		}
	}()
	return nil
}

// Addr returns the bound address (useful when configured with port 0).
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.srv.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
