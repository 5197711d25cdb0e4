// Package metrics is the single source of truth for metric names,
// labels, and help strings. Everything registers with the default
// Prometheus registry via promauto at init time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "presence"

// TicksTotal counts completed reconciliation ticks.
var TicksTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ticks_total",
		Help:      "Total number of reconciliation ticks run.",
	},
)

// TickDuration observes how long one full tick takes across all users.
var TickDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Duration of one reconciliation tick.",
		Buckets:   prometheus.DefBuckets,
	},
)

// UsersProcessedTotal counts per-user pipeline outcomes.
// Label:
//   - result: "committed", "skipped" or "failed"
var UsersProcessedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "users_processed_total",
		Help:      "Per-user pipeline outcomes, labelled by result.",
	},
	[]string{"result"},
)

// StatusWritesTotal counts status text/emoji writes actually issued.
var StatusWritesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_writes_total",
		Help:      "Total status writes issued to the platform.",
	},
)

// PhotoWritesTotal counts profile picture writes actually issued.
var PhotoWritesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "photo_writes_total",
		Help:      "Total profile picture writes issued to the platform.",
	},
)

// AdapterFailuresTotal counts upstream fetches that failed open.
// Label:
//   - service: "steam", "switch", "jellyfin" or "lastfm"
var AdapterFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "adapter_failures_total",
		Help:      "Upstream fetches that yielded no activity due to an error.",
	},
	[]string{"service"},
)

// CredentialFailuresTotal counts users skipped because the write-side
// credential failed validation.
var CredentialFailuresTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_failures_total",
		Help:      "Users skipped because the platform credential was invalid.",
	},
)

// EventsTotal counts platform events handled by the dispatcher.
// Labels:
//   - type: the platform event type
//   - result: "handled", "duplicate", "ignored" or "failed"
var EventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Platform events received, labelled by type and result.",
	},
	[]string{"type", "result"},
)
