// Package metrics registers the daemon's Prometheus instrumentation,
// grounded on internal/praefect/metrics/prometheus.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RoleGauge reports which role (primary=0, standby=1, witness=2) this
// node currently believes it holds, labeled by cluster and node name.
var RoleGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "repmgr",
		Subsystem: "node",
		Name:      "role",
	},
	[]string{"cluster", "node"},
)

// ReplicationLagBytes reports the last-observed replication lag in bytes
// for a standby.
var ReplicationLagBytes = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "repmgr",
		Subsystem: "monitor",
		Name:      "replication_lag_bytes",
	},
	[]string{"cluster", "node"},
)

// ApplyLagBytes reports the last-observed apply lag in bytes for a
// standby.
var ApplyLagBytes = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "repmgr",
		Subsystem: "monitor",
		Name:      "apply_lag_bytes",
	},
	[]string{"cluster", "node"},
)

// ProbeLatency observes how long a liveness probe took.
var ProbeLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "repmgr",
		Subsystem: "monitor",
		Name:      "probe_latency_seconds",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"cluster", "connection"},
)

// FailoverTotal counts failover attempts by outcome ("promoted",
// "followed", "abstained", "failed").
var FailoverTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "repmgr",
		Subsystem: "failover",
		Name:      "total",
	},
	[]string{"cluster", "outcome"},
)
