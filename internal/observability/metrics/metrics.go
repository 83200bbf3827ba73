package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	liveness "powerverter-monitor/internal/liveness/domain"
)

const metricPrefix = "monitor_"

// Result labels shared by request and job metrics.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	evidenceTotal     *prometheus.CounterVec
	transitionTotal   *prometheus.CounterVec
	storeErrorsTotal  *prometheus.CounterVec
	channelErrorTotal prometheus.Counter
	activeSessions    prometheus.Gauge

	reconcileRuns     *prometheus.CounterVec
	reconcileLatency  *prometheus.HistogramVec
	reconcileOutcomes *prometheus.CounterVec

	scheduleExecutions *prometheus.CounterVec

	reportExportTotal   *prometheus.CounterVec
	reportExportLatency *prometheus.HistogramVec
)

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: metricPrefix + name, Help: help}, labels)
}

func secondsVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    metricPrefix + name,
		Help:    help,
		Buckets: prometheus.DefBuckets,
	}, labels)
}

// Init registers the process metrics once. A non-nil db also registers
// gauges evaluated against the store at scrape time.
func Init(db *sql.DB, logger zerolog.Logger) {
	registerOnce.Do(func() {
		ingestRequests = counterVec("telemetry_ingest_requests_total", "Telemetry ingest requests by result", "result")
		ingestErrors = counterVec("telemetry_ingest_errors_total", "Rejected or failed telemetry ingests by reason", "reason")
		ingestLatency = secondsVec("telemetry_ingest_seconds", "Telemetry ingest handling time", "result")

		evidenceTotal = counterVec("liveness_evidence_total", "Liveness evidence by kind and result", "kind", "result")
		transitionTotal = counterVec("liveness_transitions_total", "Status transitions by source and target state", "from", "to")
		storeErrorsTotal = counterVec("liveness_store_errors_total", "Failed device store reads by operation", "op")
		channelErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "liveness_channel_errors_total",
			Help: "Push channel subscription failures",
		})
		activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "liveness_sessions",
			Help: "Open monitoring sessions",
		})

		reconcileRuns = counterVec("reconcile_runs_total", "Reconciliation runs by final status", "status")
		reconcileLatency = secondsVec("reconcile_run_seconds", "Reconciliation run duration", "status")
		reconcileOutcomes = counterVec("reconcile_outcomes_total", "Per-device reconciliation outcomes", "status")

		scheduleExecutions = counterVec("schedule_executions_total", "Executed load-control schedules by action and result", "action", "result")

		reportExportTotal = counterVec("reconcile_export_total", "Reconciliation report exports by format and result", "format", "result")
		reportExportLatency = secondsVec("reconcile_export_seconds", "Reconciliation report export duration", "format", "result")

		prometheus.MustRegister(
			ingestRequests, ingestErrors, ingestLatency,
			evidenceTotal, transitionTotal, storeErrorsTotal, channelErrorTotal, activeSessions,
			reconcileRuns, reconcileLatency, reconcileOutcomes,
			scheduleExecutions,
			reportExportTotal, reportExportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// ObserveIngest records one ingest request.
func ObserveIngest(result string, duration time.Duration) {
	if ingestRequests == nil {
		return
	}
	result = orDefault(result, ResultSuccess)
	ingestRequests.WithLabelValues(result).Inc()
	ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
}

func IncIngestError(reason string) {
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(orDefault(reason, "unknown")).Inc()
	}
}

// IncScheduleExecution counts one executed schedule.
func IncScheduleExecution(action, result string) {
	if scheduleExecutions != nil {
		scheduleExecutions.WithLabelValues(orDefault(action, "unknown"), orDefault(result, ResultSuccess)).Inc()
	}
}

// ObserveReportExport records one reconciliation report export.
func ObserveReportExport(format, result string, duration time.Duration) {
	if reportExportTotal == nil {
		return
	}
	format, result = orDefault(format, "unknown"), orDefault(result, ResultSuccess)
	reportExportTotal.WithLabelValues(format, result).Inc()
	reportExportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
}

// LivenessRecorder forwards monitoring session signals to prometheus.
type LivenessRecorder struct{}

func (LivenessRecorder) Evidence(kind liveness.EvidenceKind, result string) {
	if evidenceTotal != nil {
		evidenceTotal.WithLabelValues(string(kind), result).Inc()
	}
}

func (LivenessRecorder) Transition(from, to liveness.Status) {
	if transitionTotal != nil {
		transitionTotal.WithLabelValues(string(from), string(to)).Inc()
	}
}

func (LivenessRecorder) StoreError(op string) {
	if storeErrorsTotal != nil {
		storeErrorsTotal.WithLabelValues(orDefault(op, "unknown")).Inc()
	}
}

func (LivenessRecorder) ChannelError() {
	if channelErrorTotal != nil {
		channelErrorTotal.Inc()
	}
}

func (LivenessRecorder) Sessions(delta int) {
	if activeSessions != nil {
		activeSessions.Add(float64(delta))
	}
}

// ReconcileMetrics forwards reconciliation job signals to prometheus.
type ReconcileMetrics struct{}

func (ReconcileMetrics) RunFinished(status string, duration time.Duration) {
	if reconcileRuns == nil {
		return
	}
	reconcileRuns.WithLabelValues(status).Inc()
	reconcileLatency.WithLabelValues(status).Observe(duration.Seconds())
}

func (ReconcileMetrics) Outcome(status string) {
	if reconcileOutcomes != nil {
		reconcileOutcomes.WithLabelValues(status).Inc()
	}
}
