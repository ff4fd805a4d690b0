// Package failover implements the election and promotion algorithm of
// spec.md §4.5: entered only from a standby's monitor tick in automatic
// failover mode, it enumerates peers, gates on quorum, collects and
// publishes WAL positions, waits for peer readiness, selects a winner by
// position (ties broken by lowest priority, then lowest id, which is the
// order peers are enumerated in), and runs the configured promote or
// follow hook.
//
// Grounded on internal/praefect/nodes/sql_elector.go's checkNodes /
// validateAndUpdatePrimary / electNewPrimary / getQuorumCount flow.
package failover

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/repmgr-org/repmgr/internal/config"
	"github.com/repmgr-org/repmgr/internal/dbsession"
	"github.com/repmgr-org/repmgr/internal/logpos"
	"github.com/repmgr-org/repmgr/internal/metrics"
	"github.com/repmgr-org/repmgr/internal/rmerror"
	"github.com/repmgr-org/repmgr/internal/store"
	"github.com/repmgr-org/repmgr/internal/supctx"
)

const (
	promoteSettleDelay = 5 * time.Second
	followSettleDelay  = 10 * time.Second
)

// sleep is a package-level indirection so tests can shrink the settle
// delays without sleeping for real.
var sleep = time.Sleep

// peerSession is the subset of *dbsession.Session the coordinator needs
// when talking to a candidate peer, named as an interface purely so tests
// can substitute a fake instead of dialing real Postgres for every node.
type peerSession interface {
	LastReceivedPosition(ctx context.Context) (logpos.Pos, error)
	PeerLastStandbyPosition(ctx context.Context) (logpos.Pos, error)
	Close() error
}

// openPeer and openLocal are package-level indirections over
// dbsession.OpenDirect, overridden in tests.
var (
	openPeer = func(ctx context.Context, conninfo, cluster string) (peerSession, error) {
		return dbsession.OpenDirect(ctx, conninfo, cluster)
	}
	openLocal = dbsession.OpenDirect
)

// candidate is one enumerated peer, in priority-ascending/id-ascending
// enumeration order.
type candidate struct {
	node      store.NodeRecord
	reachable bool
	ready     bool
	position  logpos.Pos
}

// Run executes the coordinator. On success it reopens rc.LocalConn, sets
// rc.PrimaryNodeID to the winner's id and sets rc.FailoverJustHappened;
// rc.PrimaryConn is left nil and rc.Role unchanged, so the outer loop
// re-detects both. On failure it returns an *rmerror.Error whose
// Kind maps to the exit code spec.md §6 assigns (FailoverFail, DbQuery, or
// BadConfig).
func Run(ctx context.Context, rc *supctx.Context, selfNodeID int) error {
	cfg := rc.Config
	log := rc.Log.WithField("election_id", uuid.New().String())

	// Step 1: enumerate peers.
	nodes, err := rc.LocalConn.ListNodesInCluster(ctx, cfg.Cluster, store.FailoverNodesMaxCheck)
	if err != nil {
		return rmerror.New(rmerror.DbQuery, "failover.enumerate", err)
	}
	total := len(nodes)
	if total == 0 {
		return rmerror.New(rmerror.FailoverFail, "failover.enumerate", fmt.Errorf("no registered nodes"))
	}

	candidates := make([]*candidate, len(nodes))
	for i, n := range nodes {
		candidates[i] = &candidate{node: n}
	}

	// Step 2: visibility probe.
	visible := probeVisibility(ctx, candidates, cfg)
	log.WithFields(logrus.Fields{"visible": visible, "total": total}).Info("failover: visibility probe complete")

	// Step 3: quorum gate (strict minority check: V < T/2).
	if 2*visible < total {
		metrics.FailoverTotal.WithLabelValues(cfg.Cluster, "abstained").Inc()
		log.WithFields(logrus.Fields{"visible": visible, "total": total}).
			Error("failover: cannot see a majority of registered nodes, abstaining")
		return rmerror.New(rmerror.FailoverFail, "failover.quorum", fmt.Errorf("visible=%d total=%d", visible, total))
	}

	// Step 4: collect candidate positions (hard validity check).
	if err := validateCandidatePositions(ctx, candidates, cfg); err != nil {
		metrics.FailoverTotal.WithLabelValues(cfg.Cluster, "failed").Inc()
		return err
	}

	// Step 5: publish own position.
	ownPos, err := rc.LocalConn.LastReceivedPosition(ctx)
	if err != nil {
		ownPos = logpos.Invalid
	}
	if pubErr := rc.LocalConn.PublishStandbyPosition(ctx, ownPos); pubErr != nil {
		_ = rc.LocalConn.PublishStandbyPosition(ctx, logpos.Invalid)
		metrics.FailoverTotal.WithLabelValues(cfg.Cluster, "failed").Inc()
		return rmerror.New(rmerror.DbQuery, "failover.publish", pubErr)
	}

	// Step 6: wait for peer readiness.
	if err := waitForReadiness(ctx, candidates, cfg, selfNodeID, ownPos); err != nil {
		metrics.FailoverTotal.WithLabelValues(cfg.Cluster, "failed").Inc()
		return err
	}

	// Step 7: close the local session before any process-level command.
	rc.CloseConns()

	// Step 8: select winner.
	winner := selectWinner(candidates)
	if winner == nil {
		metrics.FailoverTotal.WithLabelValues(cfg.Cluster, "failed").Inc()
		return rmerror.New(rmerror.FailoverFail, "failover.select", fmt.Errorf("no ready candidate found"))
	}

	log.WithFields(logrus.Fields{
		"winner_id":       winner.node.ID,
		"winner_position": winner.position.String(),
	}).Info("failover: winner selected")

	// Step 9: act.
	if winner.node.ID == selfNodeID {
		sleep(promoteSettleDelay)
		if err := runHook(cfg.PromoteCommand); err != nil {
			metrics.FailoverTotal.WithLabelValues(cfg.Cluster, "failed").Inc()
			return rmerror.New(rmerror.BadConfig, "failover.promote", err)
		}
		metrics.FailoverTotal.WithLabelValues(cfg.Cluster, "promoted").Inc()
	} else {
		sleep(followSettleDelay)
		if err := runHook(cfg.FollowCommand); err != nil {
			metrics.FailoverTotal.WithLabelValues(cfg.Cluster, "failed").Inc()
			return rmerror.New(rmerror.BadConfig, "failover.follow", err)
		}
		metrics.FailoverTotal.WithLabelValues(cfg.Cluster, "followed").Inc()
	}

	// Step 10: reconnect.
	local, err := openLocal(ctx, cfg.Conninfo, cfg.Cluster)
	if err != nil {
		return rmerror.New(rmerror.DbConnection, "failover.reconnect", err)
	}
	rc.LocalConn = local
	rc.PrimaryNodeID = winner.node.ID
	rc.FailoverJustHappened = true

	return nil
}

func probeVisibility(ctx context.Context, candidates []*candidate, cfg config.Config) int {
	visible := 0
	for _, c := range candidates {
		cctx, cancel := context.WithTimeout(ctx, cfg.MasterResponseTimeout)
		s, err := openPeer(cctx, c.node.Conninfo, cfg.Cluster)
		cancel()
		if err != nil {
			continue
		}
		c.reachable = true
		visible++
		s.Close()
	}
	return visible
}

func validateCandidatePositions(ctx context.Context, candidates []*candidate, cfg config.Config) error {
	for _, c := range candidates {
		if !c.reachable || c.node.Witness {
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, cfg.MasterResponseTimeout)
		s, err := openPeer(cctx, c.node.Conninfo, cfg.Cluster)
		cancel()
		if err != nil {
			continue
		}

		pos, err := s.LastReceivedPosition(ctx)
		s.Close()
		if err != nil {
			return rmerror.New(rmerror.FailoverFail, "failover.validate", err)
		}
		if !pos.IsValid() {
			return rmerror.New(rmerror.FailoverFail, "failover.validate",
				fmt.Errorf("node %d reported sentinel last-received position", c.node.ID))
		}
	}
	return nil
}

func waitForReadiness(ctx context.Context, candidates []*candidate, cfg config.Config, selfNodeID int, ownPos logpos.Pos) error {
	for _, c := range candidates {
		if c.node.Witness {
			c.ready = true
			continue
		}
		if c.node.ID == selfNodeID {
			c.ready = true
			c.position = ownPos
			continue
		}
		if !c.reachable {
			continue
		}

		for attempt := 0; attempt < cfg.ReconnectAttempts; attempt++ {
			cctx, cancel := context.WithTimeout(ctx, cfg.MasterResponseTimeout)
			s, err := openPeer(cctx, c.node.Conninfo, cfg.Cluster)
			cancel()
			if err != nil {
				// peer became unreachable during this phase: skip it.
				break
			}

			pos, err := s.PeerLastStandbyPosition(ctx)
			s.Close()

			if err != nil {
				if rmerror.KindOf(err) == rmerror.ExtensionMissing {
					return rmerror.New(rmerror.BadConfig, "failover.readiness", err)
				}
				break
			}

			if pos.IsValid() {
				c.ready = true
				c.position = pos
				break
			}

			if attempt < cfg.ReconnectAttempts-1 {
				sleep(cfg.ReconnectInterval)
			}
		}
	}
	return nil
}

// selectWinner picks the ready, non-witness candidate with the highest
// published position. candidates is already ordered priority ascending
// then id ascending, and only a strictly greater position replaces the
// current winner, so a tie keeps the lowest-priority (then lowest-id)
// candidate, per spec.md §8's tie-break and witness-exclusion properties.
func selectWinner(candidates []*candidate) *candidate {
	var winner *candidate
	for _, c := range candidates {
		if c.node.Witness || !c.ready {
			continue
		}
		if winner == nil || c.position.Compare(winner.position) > 0 {
			winner = c
		}
	}
	return winner
}

func runHook(command string) error {
	if command == "" {
		return fmt.Errorf("no command configured")
	}
	cmd := exec.Command("sh", "-c", command)
	return cmd.Run()
}
