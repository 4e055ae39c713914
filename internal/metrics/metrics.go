// Package metrics holds the Prometheus collectors shared by cstracker processes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes recorded by the worker.
const (
	OutcomeAcked     = "acked"
	OutcomeRejected  = "rejected"
	OutcomeIgnored   = "ignored"
	OutcomeAckFailed = "ack_failed"
)

// Pipeline stores process-local observability collectors exported via /metrics.
// A nil *Pipeline is valid and records nothing.
type Pipeline struct {
	gatherer prometheus.Gatherer

	messagesTotal      *prometheus.CounterVec
	messageDuration    *prometheus.HistogramVec
	messagesInFlight   prometheus.Gauge
	rowsTotal          *prometheus.CounterVec
	receiveErrorsTotal prometheus.Counter

	storageOpsTotal *prometheus.CounterVec
	storageDuration *prometheus.HistogramVec

	fetchTotal     *prometheus.CounterVec
	stagedRecords  *prometheus.CounterVec
	sideWriteFails *prometheus.CounterVec

	apiRequestsTotal *prometheus.CounterVec
	apiDuration      *prometheus.HistogramVec

	maintRunsTotal    *prometheus.CounterVec
	maintDeletedTotal *prometheus.CounterVec
}

// New registers all collectors with reg. Passing prometheus.NewRegistry()
// keeps tests isolated from the default registry.
func New(reg *prometheus.Registry) *Pipeline {
	f := promauto.With(reg)
	return &Pipeline{
		gatherer: reg,
		messagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cst_worker_messages_total",
			Help: "Pointer messages handled by the worker, by source and outcome.",
		}, []string{"source", "outcome"}),
		messageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cst_worker_message_duration_seconds",
			Help:    "End-to-end handling time of one pointer message.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"source", "outcome"}),
		messagesInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "cst_worker_messages_in_flight",
			Help: "Pointer messages currently being processed.",
		}),
		rowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cst_worker_rows_total",
			Help: "Normalized rows offered to the relational store, by table and result (inserted or duplicate).",
		}, []string{"table", "result"}),
		receiveErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cst_worker_receive_errors_total",
			Help: "Queue receive failures observed by the worker loop.",
		}),
		storageOpsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cst_storage_operations_total",
			Help: "Object store operations by operation and status.",
		}, []string{"operation", "status"}),
		storageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cst_storage_operation_duration_seconds",
			Help:    "Object store operation latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"operation"}),
		fetchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cst_ingest_fetch_total",
			Help: "Upstream API fetches by source, endpoint (primary or fallback) and status.",
		}, []string{"source", "endpoint", "status"}),
		stagedRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cst_ingest_staged_records_total",
			Help: "Records announced in published pointer messages.",
		}, []string{"source"}),
		sideWriteFails: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cst_side_write_failures_total",
			Help: "Failed best-effort writes to the status store or failure ledger.",
		}, []string{"sink"}),
		apiRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cst_api_requests_total",
			Help: "Read API requests by route and status code class.",
		}, []string{"route", "code"}),
		apiDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cst_api_request_duration_seconds",
			Help:    "Read API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		maintRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cst_maint_runs_total",
			Help: "Maintenance job runs by job and status.",
		}, []string{"job", "status"}),
		maintDeletedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cst_maint_deleted_total",
			Help: "Rows or objects removed by retention, by target.",
		}, []string{"target"}),
	}
}

// Handler serves the Prometheus text exposition for this pipeline's registry.
func (m *Pipeline) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordMessageStart marks one message as in flight.
func (m *Pipeline) RecordMessageStart() {
	if m == nil {
		return
	}
	m.messagesInFlight.Inc()
}

// RecordMessageEnd records the terminal outcome and duration of one message.
func (m *Pipeline) RecordMessageEnd(source, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.messagesInFlight.Dec()
	m.messagesTotal.WithLabelValues(source, outcome).Inc()
	m.messageDuration.WithLabelValues(source, outcome).Observe(d.Seconds())
}

// RecordRows records how many offered rows were inserted or skipped as duplicates.
func (m *Pipeline) RecordRows(table string, inserted, offered int) {
	if m == nil {
		return
	}
	m.rowsTotal.WithLabelValues(table, "inserted").Add(float64(inserted))
	if dup := offered - inserted; dup > 0 {
		m.rowsTotal.WithLabelValues(table, "duplicate").Add(float64(dup))
	}
}

func (m *Pipeline) RecordReceiveError() {
	if m == nil {
		return
	}
	m.receiveErrorsTotal.Inc()
}

// ObserveStorageOp records one object store call.
func (m *Pipeline) ObserveStorageOp(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.storageOpsTotal.WithLabelValues(op, status(err)).Inc()
	m.storageDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordFetch records one upstream API call.
func (m *Pipeline) RecordFetch(source, endpoint string, err error) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(source, endpoint, status(err)).Inc()
}

func (m *Pipeline) RecordStaged(source string, records int) {
	if m == nil {
		return
	}
	m.stagedRecords.WithLabelValues(source).Add(float64(records))
}

// RecordSideWriteFailure counts a swallowed status or ledger error.
func (m *Pipeline) RecordSideWriteFailure(sink string) {
	if m == nil {
		return
	}
	m.sideWriteFails.WithLabelValues(sink).Inc()
}

// RecordAPIRequest records one read API request.
func (m *Pipeline) RecordAPIRequest(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.apiRequestsTotal.WithLabelValues(route, codeClass(code)).Inc()
	m.apiDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordMaintRun records one maintenance job run and what it removed.
func (m *Pipeline) RecordMaintRun(job string, deleted map[string]int64, err error) {
	if m == nil {
		return
	}
	m.maintRunsTotal.WithLabelValues(job, status(err)).Inc()
	for target, n := range deleted {
		m.maintDeletedTotal.WithLabelValues(target).Add(float64(n))
	}
}

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// codeClass maps HTTP status codes into stable metric buckets.
func codeClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
