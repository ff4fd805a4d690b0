// Package monitor implements the per-tick replication-lag telemetry and
// primary-loss handling of spec.md §4.4: a shared liveness prologue
// followed by a role-specific tick, modeled as the tagged-variant
// dispatch spec.md §9 calls for rather than an inheritance hierarchy.
//
// Grounded on internal/praefect/nodes/manager.go's per-tick health check
// loop (checkShards/updateMetrics) and its use of a single context struct
// threaded through every check.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/repmgr-org/repmgr/internal/clusterscan"
	"github.com/repmgr-org/repmgr/internal/config"
	"github.com/repmgr-org/repmgr/internal/failover"
	"github.com/repmgr-org/repmgr/internal/liveness"
	"github.com/repmgr-org/repmgr/internal/logpos"
	"github.com/repmgr-org/repmgr/internal/metrics"
	"github.com/repmgr-org/repmgr/internal/rmerror"
	"github.com/repmgr-org/repmgr/internal/store"
	"github.com/repmgr-org/repmgr/internal/supctx"
)

// sleep is a package-level indirection so tests need not sleep for real.
var sleep = time.Sleep

// Ticker is the contract every role's monitor implements: one call per
// supervisor loop iteration, per spec.md §9's tagged-variant note.
type Ticker interface {
	Tick(ctx context.Context, rc *supctx.Context) error
}

// StandbyMonitor implements Ticker for a node whose local role is standby.
type StandbyMonitor struct {
	NodeID int
}

// WitnessMonitor implements Ticker for a node whose local role is witness.
type WitnessMonitor struct {
	NodeID int
}

// prologue runs the liveness checks common to every role and reports
// whether the tick should stop here: either because the caller already
// handled primary loss (manual/witness reconnect or a standby's automatic
// failover), or because a terminal error occurred. isWitness gates which
// primary-loss handling applies: the failover coordinator is only ever
// entered from a standby (spec.md §3/§4.5), so a witness always takes the
// locate-new-primary path regardless of the configured failover mode.
func prologue(ctx context.Context, rc *supctx.Context, nodeID int, isWitness bool) (stop bool, err error) {
	cfg := rc.Config
	log := rc.Log

	if ok := liveness.Check(ctx, rc.LocalConn, 1, 0, cfg.MasterResponseTimeout, log, cfg.Cluster, "local"); !ok {
		return true, rmerror.New(rmerror.DbConnection, "monitor.prologue", fmt.Errorf("local connection lost"))
	}

	if rc.PrimaryIsLocal() {
		return false, nil
	}

	if ok := liveness.Check(ctx, rc.PrimaryConn, cfg.ReconnectAttempts, cfg.ReconnectInterval, cfg.MasterResponseTimeout, log, cfg.Cluster, "primary"); ok {
		return false, nil
	}

	log.Warn("monitor: primary connection lost")

	if isWitness {
		return true, reacquirePrimary(ctx, rc)
	}

	switch cfg.Failover {
	case config.FailoverAutomatic:
		if err := failover.Run(ctx, rc, nodeID); err != nil {
			return true, err
		}
		return true, nil

	default: // FailoverManual
		return true, reacquirePrimary(ctx, rc)
	}
}

// reacquirePrimary busy-waits inside the monitor attempting to find any
// node now advertising itself as primary, per spec.md §4.4's manual-mode
// branch.
func reacquirePrimary(ctx context.Context, rc *supctx.Context) error {
	cfg := rc.Config

	for attempt := 0; attempt < cfg.ReconnectAttempts; attempt++ {
		conn, node, err := clusterscan.FindPrimary(ctx, rc.LocalConn, cfg.Cluster, cfg.MasterResponseTimeout)
		if err == nil {
			if rc.PrimaryConn != nil && !rc.PrimaryIsLocal() {
				rc.PrimaryConn.Close()
			}
			rc.PrimaryConn = conn
			rc.PrimaryNodeID = node.ID
			return nil
		}

		if attempt < cfg.ReconnectAttempts-1 {
			sleep(cfg.RetryPromoteIntervalSecs)
		}
	}

	return rmerror.New(rmerror.DbConnection, "monitor.reacquirePrimary", fmt.Errorf("exhausted %d reconnect attempts", cfg.ReconnectAttempts))
}

// Tick implements the standby monitor's shape from spec.md §4.4.
func (m *StandbyMonitor) Tick(ctx context.Context, rc *supctx.Context) error {
	stop, err := prologue(ctx, rc, m.NodeID, false)
	if stop {
		return err
	}

	inRecovery, err := rc.LocalConn.IsInRecovery(ctx)
	if err != nil {
		return rmerror.New(rmerror.DbConnection, "monitor.standby.tick", err)
	}
	if !inRecovery {
		rc.Log.Error("monitor: local node reports primary while this daemon still believes it is standby (split-brain)")
		return rmerror.New(rmerror.BadConfig, "monitor.standby.splitbrain", fmt.Errorf("node %d is no longer in recovery", m.NodeID))
	}

	if !rc.Config.MonitoringHistory {
		return nil
	}

	// Step 1: drain any in-flight query on the primary connection.
	if err := rc.PrimaryConn.Cancel(rc.Config.MasterResponseTimeout); err != nil {
		rc.Log.WithError(err).Warn("monitor: primary connection slow to drain")
	}

	// Step 2: local positions and replay timestamp.
	now, err := rc.LocalConn.Now(ctx)
	if err != nil {
		return rmerror.New(rmerror.DbQuery, "monitor.standby.tick", err)
	}
	lastReceived, err := rc.LocalConn.LastReceivedPosition(ctx)
	if err != nil {
		return rmerror.New(rmerror.DbQuery, "monitor.standby.tick", err)
	}
	lastReplayed, replayTS, err := rc.LocalConn.LastReplayedPositionAndTimestamp(ctx)
	if err != nil {
		return rmerror.New(rmerror.DbQuery, "monitor.standby.tick", err)
	}

	// Step 3: primary's current position.
	primaryPos, err := rc.PrimaryConn.CurrentLogPosition(ctx)
	if err != nil {
		return rmerror.New(rmerror.DbQuery, "monitor.standby.tick", err)
	}

	// Step 4: lags, clamped.
	replicationLag, clamped := logpos.Sub(primaryPos, lastReceived)
	if clamped {
		rc.Log.Warn("monitor: replication_lag went negative, clamped to zero")
	}
	applyLag, clamped := logpos.Sub(lastReceived, lastReplayed)
	if clamped {
		rc.Log.Warn("monitor: apply_lag went negative, clamped to zero")
	}

	metrics.ReplicationLagBytes.WithLabelValues(rc.Config.Cluster, rc.Config.NodeName).Set(float64(replicationLag))
	metrics.ApplyLagBytes.WithLabelValues(rc.Config.Cluster, rc.Config.NodeName).Set(float64(applyLag))

	standbyLocation := lastReceived.String()
	row := store.MonitorRow{
		PrimaryNode:     rc.PrimaryNodeID,
		StandbyNode:     m.NodeID,
		MonitorTime:     now,
		ApplyTime:       &replayTS,
		PrimaryLocation: primaryPos.String(),
		StandbyLocation: &standbyLocation,
		ReplicationLag:  int64(replicationLag),
		ApplyLag:        int64(applyLag),
	}

	// Step 5: asynchronous insert against the primary connection, drained
	// at the next tick's step-1 prologue. A standby's own connection is
	// read-only (in recovery) and cannot take this write, per spec.md
	// §3's "monitoring history rows are only written against a
	// connection believed to be the primary" invariant.
	rc.PrimaryConn.InsertMonitorRowAsync(ctx, row)

	return nil
}

// Tick implements the witness monitor's shape from spec.md §4.4: the same
// prologue, but the row it writes omits standby position and lags.
func (m *WitnessMonitor) Tick(ctx context.Context, rc *supctx.Context) error {
	stop, err := prologue(ctx, rc, m.NodeID, true)
	if stop {
		return err
	}

	if !rc.Config.MonitoringHistory {
		return nil
	}

	if err := rc.PrimaryConn.Cancel(rc.Config.MasterResponseTimeout); err != nil {
		rc.Log.WithError(err).Warn("monitor: primary connection slow to drain")
	}

	now, err := rc.LocalConn.Now(ctx)
	if err != nil {
		return rmerror.New(rmerror.DbQuery, "monitor.witness.tick", err)
	}
	primaryPos, err := rc.PrimaryConn.CurrentLogPosition(ctx)
	if err != nil {
		return rmerror.New(rmerror.DbQuery, "monitor.witness.tick", err)
	}

	row := store.MonitorRow{
		PrimaryNode:     rc.PrimaryNodeID,
		StandbyNode:     m.NodeID,
		MonitorTime:     now,
		PrimaryLocation: primaryPos.String(),
		StandbyLocation: nil,
		ReplicationLag:  0,
		ApplyLag:        0,
	}

	// Written against the primary connection for the same reason as the
	// standby tick above: the witness's own connection isn't the one
	// the row's PrimaryNode id refers to.
	rc.PrimaryConn.InsertMonitorRowAsync(ctx, row)

	return nil
}
