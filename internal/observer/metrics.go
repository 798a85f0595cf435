package observer

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsEnabled = true

	jobLabels       = []string{"event_type", "client_id"}
	jobActionLabels = []string{"event_type", "client_id", "action", "error_type"}

	JobsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdr_engine_jobs_received_total",
			Help: "Total number of jobs received from the bus.",
		},
		jobLabels,
	)
	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdr_engine_jobs_processed_total",
			Help: "Total number of jobs handled successfully and acknowledged.",
		},
		jobLabels,
	)
	JobsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdr_engine_jobs_failed_total",
			Help: "Total number of jobs whose handler returned an error.",
		},
		jobLabels,
	)
	JobProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sdr_engine_job_processing_duration_seconds",
			Help:    "Histogram of job handling durations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		jobLabels,
	)
	JobActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdr_engine_job_actions_total",
			Help: "Ack/nak/dlq decisions taken after handling a job.",
		},
		jobActionLabels,
	)

	// Metrics is non-nil once InitMetrics ran with metrics enabled.
	Metrics *metricsStore
)

// DLQ processing
var (
	dlqFetchRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sdr_engine_dlq_fetch_requests_total",
		Help: "Total number of fetch requests made to the DLQ stream.",
	})
	dlqFetchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sdr_engine_dlq_fetch_errors_total",
		Help: "Total number of errors encountered during DLQ fetch requests.",
	})
	dlqWorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sdr_engine_dlq_workers_active",
		Help: "Current number of busy DLQ workers.",
	})

	dlqClientLabels = []string{"client_id"}

	dlqTasksSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdr_engine_dlq_tasks_submitted_total",
		Help: "Total number of DLQ messages submitted to the worker pool.",
	}, dlqClientLabels)
	dlqProcessingDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sdr_engine_dlq_processing_duration_seconds",
		Help:    "Histogram of processing durations for DLQ messages.",
		Buckets: prometheus.DefBuckets,
	}, dlqClientLabels)
	dlqTaskRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdr_engine_dlq_task_retries_total",
		Help: "Total number of NAK-with-delay retries of DLQ messages.",
	}, dlqClientLabels)
	dlqAcksSuccessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdr_engine_dlq_acks_success_total",
		Help: "Total number of DLQ messages that succeeded on retry.",
	}, dlqClientLabels)
	dlqAckFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdr_engine_dlq_ack_failures_total",
		Help: "Total number of DLQ messages that failed again or could not be settled.",
	}, dlqClientLabels)
	dlqQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sdr_engine_dlq_queue_length",
		Help: "DLQ messages fetched and waiting for a worker.",
	})
	dlqTasksDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdr_engine_dlq_tasks_dropped_total",
		Help: "Total number of DLQ messages persisted as exhausted and terminated.",
	}, dlqClientLabels)
)

// Database
var (
	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sdr_engine_db_operation_duration_seconds",
			Help:    "Histogram of database operation durations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"operation", "entity", "client_id", "status"},
	)
)

// Conversation lifecycle
var (
	debounceBufferedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sdr_engine_debounce_buffered_total",
		Help: "Inbound messages added to the debounce buffer.",
	})
	debounceFlushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sdr_engine_debounce_flushes_total",
		Help: "Debounce windows that expired and were handed off.",
	})
	debouncePendingLeads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sdr_engine_debounce_pending_leads",
		Help: "Leads with an armed debounce timer.",
	})
	flushTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdr_engine_flush_tasks_total",
		Help: "Flush tasks handled by the flush pool, labeled by outcome.",
	}, []string{"status"})
	flushProcessingDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sdr_engine_flush_processing_duration_seconds",
		Help:    "Time to dispatch every message of one flush.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	dispatchResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdr_engine_dispatch_results_total",
		Help: "Conversation dispatch outcomes.",
	}, []string{"status", "reason"})
	outboundMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdr_engine_outbound_messages_total",
		Help: "WhatsApp messages sent, by kind (reply, nudge, morning, reminder, template, tool).",
	}, []string{"kind", "status"})
	scanLeadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdr_engine_scan_leads_total",
		Help: "Leads visited by periodic scans, labeled by scan and outcome.",
	}, []string{"scan", "outcome"})
	campaignLeadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdr_engine_campaign_leads_total",
		Help: "Campaign leads processed, labeled by outcome (sent, skipped, failed).",
	}, []string{"outcome"})
	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdr_engine_webhook_deliveries_total",
		Help: "WhatsApp webhook deliveries, labeled by outcome (published, ignored, rejected, failed).",
	}, []string{"outcome"})
)

// Load generator (cmd/tester)
var (
	loadgenLabels = []string{"target"}

	loadgenRequestsAttemptedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdr_loadgen_requests_attempted_total",
		Help: "Webhook deliveries the load generator attempted.",
	}, loadgenLabels)
	loadgenRequestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdr_loadgen_request_errors_total",
		Help: "Webhook deliveries that failed or were not acknowledged with 200.",
	}, loadgenLabels)
)

type metricsStore struct{}

// InitMetrics enables or disables all helper functions in this package.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
	if !enabled {
		Metrics = nil
		return
	}
	Metrics = &metricsStore{}
}

func sanitizeClient(clientID string) string {
	if clientID == "" {
		return "global"
	}
	return clientID
}

func IncJobsReceived(eventType, clientID string) {
	if !metricsEnabled {
		return
	}
	JobsReceivedTotal.WithLabelValues(eventType, sanitizeClient(clientID)).Inc()
}

func IncJobsProcessed(eventType, clientID string) {
	if !metricsEnabled {
		return
	}
	JobsProcessedTotal.WithLabelValues(eventType, sanitizeClient(clientID)).Inc()
}

func IncJobsFailed(eventType, clientID string) {
	if !metricsEnabled {
		return
	}
	JobsFailedTotal.WithLabelValues(eventType, sanitizeClient(clientID)).Inc()
}

func ObserveJobProcessingDuration(eventType, clientID string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	JobProcessingDurationSeconds.WithLabelValues(eventType, sanitizeClient(clientID)).Observe(duration.Seconds())
}

// IncJobAction counts the ack/nak/dlq decision taken for a job.
func IncJobAction(eventType, clientID, action, errorType string) {
	if !metricsEnabled {
		return
	}
	JobActionsTotal.WithLabelValues(eventType, sanitizeClient(clientID), action, SanitizeErrorType(errorType)).Inc()
}

func IncDlqFetchRequest() {
	if Metrics != nil {
		dlqFetchRequestsTotal.Inc()
	}
}

func IncDlqFetchError() {
	if Metrics != nil {
		dlqFetchErrorsTotal.Inc()
	}
}

func SetDlqWorkersActive(count int) {
	if Metrics != nil {
		dlqWorkersActive.Set(float64(count))
	}
}

func IncDlqTasksSubmitted(clientID string) {
	if Metrics != nil {
		dlqTasksSubmittedTotal.WithLabelValues(sanitizeClient(clientID)).Inc()
	}
}

func ObserveDlqProcessingDuration(clientID string, duration time.Duration) {
	if Metrics != nil {
		dlqProcessingDurationSeconds.WithLabelValues(sanitizeClient(clientID)).Observe(duration.Seconds())
	}
}

func IncDlqTaskRetry(clientID string) {
	if Metrics != nil {
		dlqTaskRetriesTotal.WithLabelValues(sanitizeClient(clientID)).Inc()
	}
}

func IncDlqAckSuccess(clientID string) {
	if Metrics != nil {
		dlqAcksSuccessTotal.WithLabelValues(sanitizeClient(clientID)).Inc()
	}
}

func IncDlqAckFailure(clientID string) {
	if Metrics != nil {
		dlqAckFailuresTotal.WithLabelValues(sanitizeClient(clientID)).Inc()
	}
}

func SetDlqQueueLength(n int) {
	if Metrics != nil {
		dlqQueueLength.Set(float64(n))
	}
}

func IncDlqTasksDropped(clientID string) {
	if Metrics != nil {
		dlqTasksDroppedTotal.WithLabelValues(sanitizeClient(clientID)).Inc()
	}
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity, clientID string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, sanitizeClient(clientID), status).Observe(duration.Seconds())
}

func IncDebounceBuffered() {
	if Metrics != nil {
		debounceBufferedTotal.Inc()
	}
}

func IncDebounceFlushes() {
	if Metrics != nil {
		debounceFlushesTotal.Inc()
	}
}

func SetDebouncePendingLeads(n int) {
	if Metrics != nil {
		debouncePendingLeads.Set(float64(n))
	}
}

func IncFlushTasks(status string) {
	if Metrics != nil {
		flushTasksTotal.WithLabelValues(status).Inc()
	}
}

func ObserveFlushProcessingDuration(duration time.Duration) {
	if Metrics != nil {
		flushProcessingDurationSeconds.Observe(duration.Seconds())
	}
}

func IncDispatchResult(status, reason string) {
	if Metrics != nil {
		if reason == "" {
			reason = "none"
		}
		dispatchResultsTotal.WithLabelValues(status, reason).Inc()
	}
}

func IncOutboundMessages(kind string, err error) {
	if Metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		outboundMessagesTotal.WithLabelValues(kind, status).Inc()
	}
}

func IncScanLeads(scan, outcome string) {
	if Metrics != nil {
		scanLeadsTotal.WithLabelValues(scan, outcome).Inc()
	}
}

func IncCampaignLeads(outcome string) {
	if Metrics != nil {
		campaignLeadsTotal.WithLabelValues(outcome).Inc()
	}
}

func IncWebhookDeliveries(outcome string) {
	if Metrics != nil {
		webhookDeliveriesTotal.WithLabelValues(outcome).Inc()
	}
}

func IncLoadgenRequestsAttempted(target string) {
	if Metrics != nil {
		loadgenRequestsAttemptedTotal.WithLabelValues(target).Inc()
	}
}

func IncLoadgenRequestErrors(target string) {
	if Metrics != nil {
		loadgenRequestErrorsTotal.WithLabelValues(target).Inc()
	}
}

// SanitizeErrorType maps an error string to a low-cardinality category.
func SanitizeErrorType(errStr string) string {
	if errStr == "" || errStr == "none" {
		return "none"
	}

	switch {
	case strings.Contains(errStr, "database"), strings.Contains(errStr, "SQL"), strings.Contains(errStr, "duplicate key"), strings.Contains(errStr, "constraint"):
		return "database"
	case strings.Contains(errStr, "validation failed"), strings.Contains(errStr, "bad request"), strings.Contains(errStr, "invalid"):
		return "validation"
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "no rows"):
		return "not_found"
	case strings.Contains(errStr, "conflict"):
		return "conflict"
	case strings.Contains(errStr, "rate limited"):
		return "rate_limited"
	case strings.Contains(errStr, "external service"):
		return "external"
	case strings.Contains(errStr, "nats"), strings.Contains(errStr, "jetstream"):
		return "nats"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "unmarshal"), strings.Contains(errStr, "json"):
		return "unmarshal"
	case strings.Contains(errStr, "panic"):
		return "panic"
	default:
		return "unknown"
	}
}
