package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests processed by the relay.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ws_events_total",
			Help: "Total number of websocket lifecycle events.",
		},
		[]string{"event"},
	)
	broadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Total number of messages fanned out, by message type.",
		},
		[]string{"type"},
	)
	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_rejected_total",
			Help: "Total number of inbound messages rejected before fan-out.",
		},
		[]string{"reason"},
	)
	historySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_history_size",
			Help: "Current number of messages retained in the history buffer.",
		},
	)
	archivePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_archive_pending_entries",
			Help: "Archive entries waiting for the next flush.",
		},
	)
	archiveFlushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_archive_flush_total",
			Help: "Total archive flush attempts by result.",
		},
		[]string{"result"},
	)
	moderationRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_moderation_refresh_total",
			Help: "Total moderation snapshot refresh attempts by result.",
		},
		[]string{"result"},
	)
	uploadGrantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upload_grants_total",
			Help: "Total upload grant requests by result.",
		},
		[]string{"result"},
	)
	heartbeatTerminationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_heartbeat_terminations_total",
			Help: "Connections terminated by the heartbeat monitor.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		broadcastsTotal,
		rejectionsTotal,
		historySize,
		archivePending,
		archiveFlushTotal,
		moderationRefreshTotal,
		uploadGrantsTotal,
		heartbeatTerminationsTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncBroadcast(msgType string) {
	broadcastsTotal.WithLabelValues(msgType).Inc()
}

func IncRejection(reason string) {
	rejectionsTotal.WithLabelValues(reason).Inc()
}

func SetHistorySize(n int) {
	historySize.Set(float64(n))
}

func SetArchivePending(n int) {
	archivePending.Set(float64(n))
}

func IncArchiveFlush(result string) {
	archiveFlushTotal.WithLabelValues(result).Inc()
}

func IncModerationRefresh(result string) {
	moderationRefreshTotal.WithLabelValues(result).Inc()
}

func IncUploadGrant(result string) {
	uploadGrantsTotal.WithLabelValues(result).Inc()
}

func IncHeartbeatTermination() {
	heartbeatTerminationsTotal.Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
