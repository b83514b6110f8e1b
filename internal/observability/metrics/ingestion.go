package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
)

// IngestionMetrics observes ingestion runs, backend retries and queue lag.
// It satisfies ports.IngestionObserver.
type IngestionMetrics struct {
	service  string
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	runsInFlight    prometheus.Gauge
	batchDuration   *prometheus.HistogramVec
	documentsTotal  *prometheus.CounterVec
	progressPercent *prometheus.GaugeVec
	etaSeconds      *prometheus.GaugeVec
	retryTotal      *prometheus.CounterVec
	queueLag        *prometheus.HistogramVec
}

// NewIngestionMetrics registers into registry, or into a fresh one when
// registry is nil.
func NewIngestionMetrics(service string, registry *prometheus.Registry) *IngestionMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	runsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "runs_total",
			Help:      "Total finished ingestion runs by status.",
		},
		[]string{"service", "status"},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "run_duration_seconds",
			Help:      "Ingestion run duration in seconds by status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"service", "status"},
	)
	runsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "runs_in_flight",
			Help:      "Number of ingestion runs in progress.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	batchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "batch_duration_seconds",
			Help:      "Embed and store duration per batch in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"service"},
	)
	documentsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "documents_embedded_total",
			Help:      "Total documents embedded and stored.",
		},
		[]string{"service"},
	)
	progressPercent := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "progress_percent",
			Help:      "Completion of the latest ingestion run.",
		},
		[]string{"service"},
	)
	etaSeconds := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "eta_seconds",
			Help:      "Estimated time left for the latest ingestion run.",
		},
		[]string{"service"},
	)
	retryTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "retries_total",
			Help:      "Total retried backend calls by operation.",
		},
		[]string{"service", "operation"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between publishing an ingestion request and a worker receiving it.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)

	registry.MustRegister(
		runsTotal,
		runDuration,
		runsInFlight,
		batchDuration,
		documentsTotal,
		progressPercent,
		etaSeconds,
		retryTotal,
		queueLag,
	)

	return &IngestionMetrics{
		service:         service,
		registry:        registry,
		runsTotal:       runsTotal,
		runDuration:     runDuration,
		runsInFlight:    runsInFlight,
		batchDuration:   batchDuration,
		documentsTotal:  documentsTotal,
		progressPercent: progressPercent,
		etaSeconds:      etaSeconds,
		retryTotal:      retryTotal,
		queueLag:        queueLag,
	}
}

func (m *IngestionMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *IngestionMetrics) RunStarted(*domain.IngestionRun) {
	m.runsInFlight.Inc()
}

func (m *IngestionMetrics) BatchCompleted(run *domain.IngestionRun, size int) {
	if n := len(run.BatchTimes); n > 0 {
		m.batchDuration.WithLabelValues(m.service).Observe(run.BatchTimes[n-1].Seconds())
	}
	m.documentsTotal.WithLabelValues(m.service).Add(float64(size))
	m.progressPercent.WithLabelValues(m.service).Set(run.PercentComplete())
	m.etaSeconds.WithLabelValues(m.service).Set(run.EstimatedRemaining().Seconds())
}

func (m *IngestionMetrics) RunFinished(run *domain.IngestionRun, err error) {
	m.runsInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}
	m.runsTotal.WithLabelValues(m.service, status).Inc()
	m.runDuration.WithLabelValues(m.service, status).Observe(time.Since(run.StartedAt).Seconds())
	m.etaSeconds.WithLabelValues(m.service).Set(0)
}

// ObserveRetry matches the resilience retry hook signature.
func (m *IngestionMetrics) ObserveRetry(operation string, _ int, _ error) {
	m.retryTotal.WithLabelValues(m.service, operation).Inc()
}

func (m *IngestionMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service).Observe(lag.Seconds())
}
