// internal/metrics/prometheus.go
package metrics

import "github.com/prometheus/client_golang/prometheus"

var HttpRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"route", "method", "status"},
)

var HttpRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"route", "method"},
)

var HttpRateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "http_rate_limit_rejections_total",
		Help: "Total number of HTTP requests rejected due to rate limiting",
	},
)

var DispatchMessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_messages_total",
		Help: "Messages attempted by dispatch runs, by outcome",
	},
	[]string{"mode", "status"},
)

var DispatchSendDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "dispatch_send_duration_seconds",
		Help:    "Time spent waiting on the messaging gateway per send",
		Buckets: prometheus.DefBuckets,
	},
)

var DispatchRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_runs_total",
		Help: "Dispatch runs by mode and result",
	},
	[]string{"mode", "result"},
)

var DeliveryCallbacksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "delivery_callbacks_total",
		Help: "Delivery status callbacks by reconciliation outcome",
	},
	[]string{"outcome"},
)

var SchedulerTicksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "scheduler_ticks_total",
		Help: "Scheduler ticks by result",
	},
	[]string{"result"},
)

var QueuePublishFailureTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "queue_publish_failure_total",
		Help: "Total number of failed dispatch job publishes",
	},
	[]string{"topic"},
)

func InitAPIMetrics() {
	prometheus.MustRegister(HttpRequestsTotal)
	prometheus.MustRegister(HttpRequestDuration)
	prometheus.MustRegister(HttpRateLimitRejectionsTotal)
	prometheus.MustRegister(DeliveryCallbacksTotal)
}

func InitWorkerMetrics() {
	prometheus.MustRegister(DispatchMessagesTotal)
	prometheus.MustRegister(DispatchSendDuration)
	prometheus.MustRegister(DispatchRunsTotal)
	prometheus.MustRegister(SchedulerTicksTotal)
}

func InitQueueMetrics() {
	prometheus.MustRegister(QueuePublishFailureTotal)
}
