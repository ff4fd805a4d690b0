// Package liveness implements the bounded-retry liveness checker,
// grounded on the retry loop embedded in the teacher's
// sqlElector.checkNodes per-node health check, per spec.md §4.3.
package liveness

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/repmgr-org/repmgr/internal/metrics"
)

// Prober is satisfied by dbsession.Session.Probe.
type Prober interface {
	Probe(ctx context.Context, timeout time.Duration) error
}

// Check calls prober.Probe(timeout) up to attempts times, sleeping
// interval between attempts, returning true on the first success. It logs
// an informational message if recovery followed at least one failure, per
// spec.md §4.3. The worst-case latency is attempts*(timeout+interval).
func Check(ctx context.Context, prober Prober, attempts int, interval, timeout time.Duration, log logrus.FieldLogger, cluster, label string) bool {
	failures := 0

	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		err := prober.Probe(ctx, timeout)
		metrics.ProbeLatency.WithLabelValues(cluster, label).Observe(time.Since(start).Seconds())
		if err == nil {
			if failures > 0 {
				log.WithFields(logrus.Fields{
					"connection": label,
					"attempt":    attempt,
				}).Info("connection recovered after previous failure")
			}
			return true
		}

		failures++
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(interval):
			}
		}
	}

	return false
}
