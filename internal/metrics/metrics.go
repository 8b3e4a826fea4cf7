// Package metrics registers the Prometheus collectors of the ingestion core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesIngested counts inbound messages by outcome
	// (created, appended, duplicate, invalid_address, failed).
	MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailroom_messages_ingested_total",
		Help: "Inbound messages processed by the ingestion pipeline",
	}, []string{"outcome"})

	// FetchCycles counts fetch cycles by result (ok, partial, connection, locked).
	FetchCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailroom_fetch_cycles_total",
		Help: "Mailbox fetch cycles by result",
	}, []string{"result"})

	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailroom_fetch_duration_seconds",
		Help:    "Duration of mailbox fetch cycles",
		Buckets: prometheus.DefBuckets,
	})

	FolderDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailroom_folder_drift_corrections_total",
		Help: "Folder counters corrected by reconciliation",
	})

	AutoRepliesQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailroom_auto_replies_queued_total",
		Help: "Auto-replies queued for new tickets",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailroom_events_published_total",
		Help: "Domain events handed to the notification hub",
	}, []string{"type"})
)
