// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks WebSocket connections currently registered.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatline_ws_active_connections",
		Help: "WebSocket connections currently registered with the room registry",
	})

	// SessionsClosed counts finished sessions by close reason.
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatline_ws_sessions_closed_total",
		Help: "Closed WebSocket sessions by reason",
	}, []string{"reason"})

	// MessagesProcessed counts pipeline runs by result.
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatline_messages_processed_total",
		Help: "Inbound messages run through the processing pipeline by result",
	}, []string{"result"})

	// GenerationFailures counts replies replaced by the fallback text.
	GenerationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatline_generation_failures_total",
		Help: "Reply generations that failed and were replaced by the fallback message",
	})

	// DroppedRecipients counts connections removed because delivery failed.
	DroppedRecipients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatline_broadcast_dropped_recipients_total",
		Help: "Connections dropped from a room after a failed delivery",
	})

	// PipelineDuration tracks end-to-end pipeline latency.
	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatline_pipeline_duration_seconds",
		Help:    "Time from receiving a message to both records being persisted",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})
)
