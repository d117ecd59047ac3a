package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration prometheus.Histogram

	activeSessions   prometheus.Gauge
	sessionEvents    *prometheus.CounterVec
	sessionsEvicted  prometheus.Counter
	sweepDuration    prometheus.Histogram
	snapshotSave     prometheus.Histogram
	snapshotFailures prometheus.Counter
	snapshotRestored prometheus.Gauge

	ledgerAppends    *prometheus.CounterVec
	ledgerAttempts   prometheus.Counter
	ledgerReconnects *prometheus.CounterVec

	reportRequests *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "livetrack_queue_size",
					Help: "Current queued events by lane kind.",
				},
				[]string{"kind"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "livetrack_enqueue_total",
					Help: "Total enqueued events by lane kind.",
				},
				[]string{"kind"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "livetrack_dequeue_total",
					Help: "Total completed events by lane kind and status.",
				},
				[]string{"kind", "status"},
			),
			taskDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "livetrack_task_duration_seconds",
					Help:    "Event handling duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "livetrack_active_sessions",
					Help: "Current number of open live sessions.",
				},
			),
			sessionEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "livetrack_session_events_total",
					Help: "Session lifecycle events by outcome.",
				},
				[]string{"outcome"},
			),
			sessionsEvicted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "livetrack_sessions_evicted_total",
					Help: "Sessions removed by the inactivity sweep.",
				},
			),
			sweepDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "livetrack_sweep_duration_seconds",
					Help:    "Eviction sweep duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			snapshotSave: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "livetrack_snapshot_save_duration_seconds",
					Help:    "Snapshot save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			snapshotFailures: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "livetrack_snapshot_save_failures_total",
					Help: "Snapshot saves that left the previous snapshot in place.",
				},
			),
			snapshotRestored: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "livetrack_snapshot_restored_sessions",
					Help: "Sessions restored from the snapshot at startup.",
				},
			),
			ledgerAppends: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "livetrack_ledger_appends_total",
					Help: "Ledger appends by final status.",
				},
				[]string{"status"},
			),
			ledgerAttempts: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "livetrack_ledger_append_attempts_total",
					Help: "Individual ledger append attempts, retries included.",
				},
			),
			ledgerReconnects: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "livetrack_ledger_reconnects_total",
					Help: "Ledger handle (re)initialisations by status.",
				},
				[]string{"status"},
			),
			reportRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "livetrack_report_requests_total",
					Help: "Status report requests by status.",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.sessionEvents,
			m.sessionsEvicted,
			m.sweepDuration,
			m.snapshotSave,
			m.snapshotFailures,
			m.snapshotRestored,
			m.ledgerAppends,
			m.ledgerAttempts,
			m.ledgerReconnects,
			m.reportRequests,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func RecordQueueEnqueue(kind string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(kind).Inc()
	m.queueSize.WithLabelValues(kind).Set(float64(queueSize))
}

func RecordQueueCompletion(kind string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(kind, status(success)).Inc()
	m.taskDuration.Observe(duration.Seconds())
	m.queueSize.WithLabelValues(kind).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionEvent(outcome string) {
	getMetrics().sessionEvents.WithLabelValues(outcome).Inc()
}

func RecordSweep(duration time.Duration, evicted int) {
	m := getMetrics()
	m.sweepDuration.Observe(duration.Seconds())
	m.sessionsEvicted.Add(float64(evicted))
}

func RecordSnapshotSave(duration time.Duration, success bool) {
	m := getMetrics()
	m.snapshotSave.Observe(duration.Seconds())
	if !success {
		m.snapshotFailures.Inc()
	}
}

func SetSnapshotRestored(count int) {
	getMetrics().snapshotRestored.Set(float64(count))
}

func RecordLedgerAttempt() {
	getMetrics().ledgerAttempts.Inc()
}

func RecordLedgerAppend(success bool) {
	getMetrics().ledgerAppends.WithLabelValues(status(success)).Inc()
}

func RecordLedgerReconnect(success bool) {
	getMetrics().ledgerReconnects.WithLabelValues(status(success)).Inc()
}

func RecordReportRequest(success bool) {
	getMetrics().reportRequests.WithLabelValues(status(success)).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
