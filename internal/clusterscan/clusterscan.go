// Package clusterscan implements get_master_connection: scanning a
// cluster's registered nodes to find the one whose database currently
// reports itself as primary, per spec.md §4.6.
package clusterscan

import (
	"context"
	"time"

	"github.com/repmgr-org/repmgr/internal/dbsession"
	"github.com/repmgr-org/repmgr/internal/rmerror"
	"github.com/repmgr-org/repmgr/internal/store"
)

// openDirect is a package-level indirection over dbsession.OpenDirect so
// tests can substitute a fake dialer instead of reaching real Postgres.
var openDirect = dbsession.OpenDirect

// FindPrimary scans every node registered in cluster (read via local) and
// returns a fresh Session to the first one whose database is not in
// recovery. Each candidate connection is attempted with timeout; an
// unreachable or still-standby candidate is closed and skipped.
func FindPrimary(ctx context.Context, local *dbsession.Session, cluster string, timeout time.Duration) (*dbsession.Session, *store.NodeRecord, error) {
	nodes, err := local.ListNodesInCluster(ctx, cluster, store.FailoverNodesMaxCheck)
	if err != nil {
		return nil, nil, err
	}

	for i := range nodes {
		node := nodes[i]
		if node.Witness {
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		candidate, err := openDirect(cctx, node.Conninfo, cluster)
		cancel()
		if err != nil {
			continue
		}

		inRecovery, err := candidate.IsInRecovery(ctx)
		if err != nil || inRecovery {
			candidate.Close()
			continue
		}

		return candidate, &node, nil
	}

	return nil, nil, rmerror.New(rmerror.DbConnection, "clusterscan.FindPrimary", nil)
}
