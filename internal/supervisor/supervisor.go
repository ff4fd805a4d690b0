// Package supervisor implements the daemon's outer control loop of
// spec.md §4.6: detect role, verify metadata and this node's own record,
// then run the role's monitor every monitor_interval_secs until a signal
// or a completed failover sends control back to role detection.
//
// Grounded on cmd/praefect/main.go's configure/run staging and on the
// outer for{select{}}-shaped loops visible in the corpus's other daemons
// (other_examples/*_daemon.go.go).
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/repmgr-org/repmgr/internal/clusterscan"
	"github.com/repmgr-org/repmgr/internal/config"
	"github.com/repmgr-org/repmgr/internal/dbsession"
	"github.com/repmgr-org/repmgr/internal/liveness"
	"github.com/repmgr-org/repmgr/internal/metrics"
	"github.com/repmgr-org/repmgr/internal/monitor"
	"github.com/repmgr-org/repmgr/internal/rmerror"
	"github.com/repmgr-org/repmgr/internal/roledetect"
	"github.com/repmgr-org/repmgr/internal/store"
	"github.com/repmgr-org/repmgr/internal/supctx"
)

// openDirect is a package-level indirection so tests need not dial real
// Postgres.
var openDirect = dbsession.OpenDirect

// autoInsertPriority is the priority written for a primary's or standby's
// own node record the first time the daemon, not the admin CLI, creates it. A
// witness is never auto-inserted this way -- it must already be
// registered, per spec.md §4.6.
const autoInsertPriority = 0

// Run drives the outer loop until rc.Terminate is observed or ctx is
// canceled. It owns rc.LocalConn/rc.PrimaryConn for its entire lifetime
// and closes them on return.
func Run(ctx context.Context, rc *supctx.Context) error {
	defer rc.CloseConns()

	local, err := openDirect(ctx, rc.Config.Conninfo, rc.Config.Cluster)
	if err != nil {
		return rmerror.New(rmerror.DbConnection, "supervisor.Run", err)
	}
	rc.LocalConn = local

	for {
		if rc.Terminate.Load() {
			return nil
		}

		if err := initRole(ctx, rc); err != nil {
			return err
		}

		if err := tickLoop(ctx, rc); err != nil {
			return err
		}

		if rc.Terminate.Load() {
			return nil
		}
		// Either FailoverJustHappened (role may have changed) or a SIGHUP
		// changed the connection string out from under the current role:
		// re-detect from scratch either way.
		rc.FailoverJustHappened = false
	}
}

// initRole classifies the local node and wires rc.PrimaryConn, verifying
// metadata tables and this node's own record, per spec.md §4.6.
func initRole(ctx context.Context, rc *supctx.Context) error {
	cfg := rc.Config

	role, err := roledetect.Detect(ctx, rc.LocalConn, cfg.Cluster, cfg.Node)
	if err != nil {
		return rmerror.New(rmerror.DbConnection, "supervisor.initRole", err)
	}
	rc.Role = role
	metrics.RoleGauge.WithLabelValues(cfg.Cluster, cfg.NodeName).Set(float64(roleMetricValue(role)))

	switch role {
	case roledetect.Primary:
		rc.PrimaryConn = rc.LocalConn
		rc.PrimaryNodeID = cfg.Node

		if err := verifyMetadata(ctx, rc.LocalConn); err != nil {
			return err
		}
		return ensureNodeRecord(ctx, rc, false)

	case roledetect.Standby, roledetect.Witness:
		conn, node, err := clusterscan.FindPrimary(ctx, rc.LocalConn, cfg.Cluster, cfg.MasterResponseTimeout)
		if err != nil {
			return rmerror.New(rmerror.DbConnection, "supervisor.initRole", err)
		}
		rc.PrimaryConn = conn
		rc.PrimaryNodeID = node.ID

		if err := verifyMetadata(ctx, rc.LocalConn); err != nil {
			return err
		}
		return ensureNodeRecord(ctx, rc, role == roledetect.Witness)

	default:
		return rmerror.New(rmerror.BadConfig, "supervisor.initRole", fmt.Errorf("node %d: could not determine role", cfg.Node))
	}
}

func roleMetricValue(r roledetect.Role) int {
	switch r {
	case roledetect.Primary:
		return 0
	case roledetect.Standby:
		return 1
	case roledetect.Witness:
		return 2
	default:
		return -1
	}
}

func verifyMetadata(ctx context.Context, local *dbsession.Session) error {
	present, err := local.MetadataTablesPresent(ctx)
	if err != nil {
		return err
	}
	if !present {
		return rmerror.New(rmerror.SchemaMissing, "supervisor.verifyMetadata", fmt.Errorf("repl_nodes/repl_monitor not found"))
	}
	return local.EnsureExtension(ctx)
}

// ensureNodeRecord verifies this node's own repl_nodes row exists,
// auto-inserting one for a standby or primary that is missing it. A
// witness must already be registered by the admin CLI -- it is never
// auto-inserted, per spec.md §4.6.
func ensureNodeRecord(ctx context.Context, rc *supctx.Context, isWitness bool) error {
	cfg := rc.Config

	count, err := rc.LocalConn.CountNodeRows(ctx, cfg.Node, cfg.Cluster)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if isWitness {
		return rmerror.New(rmerror.BadConfig, "supervisor.ensureNodeRecord", fmt.Errorf("witness node %d is not registered", cfg.Node))
	}

	rec := store.NodeRecord{
		ID:       cfg.Node,
		Cluster:  cfg.Cluster,
		Name:     cfg.NodeName,
		Conninfo: cfg.Conninfo,
		Priority: autoInsertPriority,
		Witness:  false,
	}
	return rc.LocalConn.UpsertNodeRecord(ctx, rec)
}

// tickLoop runs the role's per-interval check every MonitorIntervalSecs
// until termination, a SIGHUP-driven reload, or (standby/witness only) a
// completed failover.
//
// A primary's inner loop is just "probe the local connection" per
// spec.md §4.6 -- it has no primary peer to compare itself against, so it
// does not go through monitor.Ticker at all.
func tickLoop(ctx context.Context, rc *supctx.Context) error {
	var ticker monitor.Ticker
	if rc.Role != roledetect.Primary {
		ticker = tickerFor(rc)
	}

	for {
		if rc.Terminate.Load() {
			return nil
		}

		if ticker != nil {
			if err := ticker.Tick(ctx, rc); err != nil {
				return err
			}
			if rc.FailoverJustHappened {
				return nil
			}
		} else if err := primaryTick(ctx, rc); err != nil {
			return err
		}

		if rc.Reconfigure.Load() {
			rc.Reconfigure.Store(false)
			if err := reload(ctx, rc); err != nil {
				return err
			}
			// conninfo may have changed, and a completed failover while
			// reloading could have changed role too; safest is to
			// re-detect from scratch.
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(rc.Config.MonitorIntervalSecs):
		}
	}
}

func tickerFor(rc *supctx.Context) monitor.Ticker {
	if rc.Role == roledetect.Witness {
		return &monitor.WitnessMonitor{NodeID: rc.Config.Node}
	}
	return &monitor.StandbyMonitor{NodeID: rc.Config.Node}
}

// primaryTick probes the local connection, per spec.md §4.6's primary
// branch. A lost local connection on a primary is fatal to this process;
// nothing else watches it the way a standby watches its primary.
func primaryTick(ctx context.Context, rc *supctx.Context) error {
	cfg := rc.Config
	if ok := liveness.Check(ctx, rc.LocalConn, cfg.ReconnectAttempts, cfg.ReconnectInterval, cfg.MasterResponseTimeout, rc.Log, cfg.Cluster, "local"); !ok {
		return rmerror.New(rmerror.DbConnection, "supervisor.primaryTick", fmt.Errorf("local connection lost"))
	}
	return nil
}

// reload re-reads the configuration file and, if the connection string
// changed, reopens the local session and re-publishes the node record,
// per spec.md §8 scenario 6.
func reload(ctx context.Context, rc *supctx.Context) error {
	if rc.Config.ConfigFile == "" {
		return nil
	}

	fresh, err := config.Load(rc.Config.ConfigFile)
	if err != nil {
		rc.Log.WithError(err).Warn("supervisor: SIGHUP reload failed, keeping previous configuration")
		return nil
	}
	fresh.ConfigFile = rc.Config.ConfigFile

	conninfoChanged := fresh.Conninfo != rc.Config.Conninfo
	rc.Config = fresh

	if !conninfoChanged {
		return nil
	}

	conn, err := openDirect(ctx, fresh.Conninfo, fresh.Cluster)
	if err != nil {
		return rmerror.New(rmerror.DbConnection, "supervisor.reload", err)
	}

	wasPrimary := rc.PrimaryIsLocal()
	rc.LocalConn.Close()
	rc.LocalConn = conn
	if wasPrimary {
		rc.PrimaryConn = conn
	}

	rec := store.NodeRecord{
		ID:       fresh.Node,
		Cluster:  fresh.Cluster,
		Name:     fresh.NodeName,
		Conninfo: fresh.Conninfo,
		Priority: fresh.Priority,
		Witness:  rc.Role == roledetect.Witness,
	}
	return rc.LocalConn.UpsertNodeRecord(ctx, rec)
}

// WatchSignals installs handlers that translate SIGHUP into
// rc.Reconfigure and SIGTERM/SIGINT into rc.Terminate, per spec.md §5's
// "signal handlers run asynchronously but only set flags" rule. It
// returns a function that stops the handlers.
func WatchSignals(rc *supctx.Context) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				switch sig {
				case syscall.SIGHUP:
					rc.Reconfigure.Store(true)
				default:
					rc.Terminate.Store(true)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
