package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "owleval"

// Metrics holds the Prometheus collectors shared by the engine and the API server.
type Metrics struct {
	SyncRuns           *prometheus.CounterVec
	SyncDuration       prometheus.Histogram
	ParticipantSyncs   *prometheus.CounterVec
	ReviewDecisions    *prometheus.CounterVec
	ExperimentProgress *prometheus.GaugeVec
	RequestCounter     *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers collectors on reg. A nil reg gets a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		SyncRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "prolific",
				Name:      "sync_runs_total",
				Help:      "Study sync runs by outcome",
			},
			[]string{"outcome"},
		),
		SyncDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "prolific",
				Name:      "sync_duration_seconds",
				Help:      "Study sync duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ParticipantSyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "prolific",
				Name:      "participant_syncs_total",
				Help:      "Per-submission sync results",
			},
			[]string{"result"},
		),
		ReviewDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "prolific",
				Name:      "review_decisions_total",
				Help:      "Submission review decisions",
			},
			[]string{"decision"},
		),
		ExperimentProgress: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "experiment_progress_percent",
				Help:      "Last computed progress percentage per experiment",
			},
			[]string{"experiment"},
		),
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		gatherer: reg,
	}
}

// ObserveSync records a finished sync run.
func (m *Metrics) ObserveSync(start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SyncRuns.WithLabelValues(outcome).Inc()
	m.SyncDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveParticipantSync(result string) {
	if m == nil {
		return
	}
	m.ParticipantSyncs.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveReview(decision string) {
	if m == nil {
		return
	}
	m.ReviewDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) SetProgress(experiment string, pct float64) {
	if m == nil {
		return
	}
	m.ExperimentProgress.WithLabelValues(experiment).Set(pct)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware counts API requests.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		m.RequestCounter.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		m.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
