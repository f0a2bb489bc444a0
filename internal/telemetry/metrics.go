// Package telemetry exposes pipeline counters and the optional metrics
// listener used in scheduler daemon mode.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds every counter the pipeline and scheduler record. Metrics
// are registered on a private registry so parallel tests never collide.
type Metrics struct {
	registry *prometheus.Registry

	RecordsExtracted *prometheus.CounterVec
	RecordsLoaded    *prometheus.CounterVec
	RecordsSkipped   *prometheus.CounterVec
	PhaseErrors      *prometheus.CounterVec
	AlertsFired      prometheus.Counter
	JobRuns          *prometheus.CounterVec
	RunDuration      prometheus.Histogram
}

// NewMetrics builds and registers the metric set.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RecordsExtracted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpupulse_records_extracted_total",
				Help: "Raw records produced by the extractors",
			},
			[]string{"source"},
		),
		RecordsLoaded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpupulse_records_loaded_total",
				Help: "Records persisted by kind",
			},
			[]string{"kind"},
		),
		RecordsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpupulse_records_skipped_total",
				Help: "Records dropped before load by reason",
			},
			[]string{"reason"},
		),
		PhaseErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpupulse_phase_errors_total",
				Help: "Errors recorded per pipeline phase",
			},
			[]string{"phase"},
		),
		AlertsFired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gpupulse_alerts_fired_total",
				Help: "Risk alerts persisted",
			},
		),
		JobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpupulse_job_runs_total",
				Help: "Scheduler job executions by job and status",
			},
			[]string{"job", "status"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gpupulse_run_duration_seconds",
				Help:    "Full pipeline run duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
	}

	m.registry.MustRegister(
		m.RecordsExtracted,
		m.RecordsLoaded,
		m.RecordsSkipped,
		m.PhaseErrors,
		m.AlertsFired,
		m.JobRuns,
		m.RunDuration,
	)
	return m
}

// Handler serves this registry's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server is the optional /metrics + /healthz listener.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

// NewServer builds the listener for addr.
func NewServer(addr string, m *Metrics, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.With().Str("component", "telemetry").Logger(),
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("metrics listener started")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("metrics listener failed")
		}
	}()
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
