// Package metrics exposes the Prometheus counters and gauges other
// packages record into. Vars are registered against the default registry
// on first use (promauto) and scraped by cmd/docsyncd's /metrics handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var PushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docsync_pushes_total",
	Help: "counter of sync-operations requests sent by push.Engine",
}, []string{"result"}) // "ok" | "network_error" | "authorization_error" | "validation_error" | "database_error" | "breaker_open"

var ConsolidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docsync_consolidations_total",
	Help: "counter of push.Engine consolidation attempts by outcome",
}, []string{"outcome"}) // "committed" | "race_lost" | "doc_removed" | "already_consolidated" | "empty" | "storage_error"

var RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docsync_push_retries_total",
	Help: "counter of push attempts that were retried after a request-layer error",
}, []string{"error_type"})

var BreakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docsync_breaker_trips_total",
	Help: "counter of per-docId circuit breaker state transitions",
}, []string{"transition"}) // "opened" | "half_opened" | "closed"

var PresencePatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docsync_presence_patches_total",
	Help: "counter of presence patches applied, by side that applied them",
}, []string{"side"}) // "client" | "server"

var ActiveDocsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "docsync_active_docs",
	Help: "number of documents currently held open (refcount > 0) in docstore.Store",
})

var ActiveRoomsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "docsync_active_rooms",
	Help: "number of server-side rooms currently tracked by the hub",
})

var ConnectedSocketsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "docsync_connected_sockets",
	Help: "number of currently connected client sockets on the server",
})
