// Package metrics defines the Prometheus collectors exported on /metrics.
// Collectors are package-level and registered via promauto, so any component
// can record without carrying a registry handle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts jobs by terminal status (completed, failed, cancelled).
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "floworc",
		Subsystem: "scheduler",
		Name:      "jobs_total",
		Help:      "Jobs finished, labelled by terminal status.",
	}, []string{"status"})

	// JobsRunning tracks the number of jobs currently executing on the pool.
	JobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "floworc",
		Subsystem: "scheduler",
		Name:      "jobs_running",
		Help:      "Jobs currently executing.",
	})

	// EventsIngested counts events processed by the monitor, by event kind.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "floworc",
		Subsystem: "monitor",
		Name:      "events_ingested_total",
		Help:      "Events ingested by the monitor, labelled by kind.",
	}, []string{"kind"})

	// SubscribersConnected tracks the number of live broadcast subscriptions.
	SubscribersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "floworc",
		Subsystem: "broadcast",
		Name:      "subscribers_connected",
		Help:      "Currently connected broadcast subscribers.",
	})

	// BroadcastDropped counts messages discarded by drop-oldest overflow,
	// labelled by where the drop happened (hub channel or subscriber queue).
	BroadcastDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "floworc",
		Subsystem: "broadcast",
		Name:      "dropped_total",
		Help:      "Broadcast messages dropped on overflow.",
	}, []string{"site"})

	// SubscriberEvictions counts slow-consumer and transport-error evictions.
	SubscriberEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "floworc",
		Subsystem: "broadcast",
		Name:      "evictions_total",
		Help:      "Subscriber evictions, labelled by reason.",
	}, []string{"reason"})

	// NotificationsTotal counts notification delivery outcomes per channel.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "floworc",
		Subsystem: "notifier",
		Name:      "deliveries_total",
		Help:      "Notification delivery attempts, labelled by channel and outcome.",
	}, []string{"channel", "outcome"})

	// RetryQueueDepth tracks the number of notifications awaiting retry.
	RetryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "floworc",
		Subsystem: "notifier",
		Name:      "retry_queue_depth",
		Help:      "Notifications queued for retry.",
	})

	// ComponentHealthy reports recovery-supervised component health (1/0).
	ComponentHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "floworc",
		Subsystem: "recovery",
		Name:      "component_healthy",
		Help:      "Health of supervised components (1 healthy, 0 degraded).",
	}, []string{"component"})
)
