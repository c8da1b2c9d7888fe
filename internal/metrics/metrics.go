// Package metrics exposes the classification pipeline's progress
// counters as prometheus instruments, served on the daemon's /metrics
// endpoint (a loopback address by default).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesImported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailmap_messages_imported_total",
		Help: "Total number of messages inserted into the store",
	})

	MessagesClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailmap_messages_classified_total",
		Help: "Total number of messages classified, by predicted category",
	}, []string{"category"})

	MessagesJunk = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailmap_messages_junk_total",
		Help: "Total number of messages matched by the rule engine before reaching the LLM",
	})

	MessagesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailmap_messages_transferred_total",
		Help: "Total number of messages routed to a target, by action",
	}, []string{"action"})

	MessagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailmap_messages_failed_total",
		Help: "Total number of messages that failed classification or transfer",
	})

	ClassificationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailmap_classification_duration_seconds",
		Help:    "Time taken for a single LLM classify-message call",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailmap_queue_depth",
		Help: "Current number of envelopes waiting in the classification queue",
	})

	ListenerReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailmap_listener_reconnects_total",
		Help: "Total number of IMAP listener reconnect attempts, by folder",
	}, []string{"folder"})

	DuplexClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailmap_duplex_clients",
		Help: "Number of connected duplex-channel clients",
	})
)
