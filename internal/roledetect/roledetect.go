// Package roledetect classifies a node as primary, standby, or witness,
// per spec.md §4.2.
package roledetect

import (
	"context"

	"github.com/repmgr-org/repmgr/internal/dbsession"
	"github.com/repmgr-org/repmgr/internal/rmerror"
	"github.com/repmgr-org/repmgr/internal/store"
)

// Role is the tagged variant spec.md §9 calls for: primary, standby,
// witness, or unknown (the "error" outcome from spec.md §4.2, renamed to
// avoid colliding with the Go error type).
type Role int

const (
	Unknown Role = iota
	Primary
	Standby
	Witness
)

func (r Role) String() string {
	switch r {
	case Primary:
		return "primary"
	case Standby:
		return "standby"
	case Witness:
		return "witness"
	default:
		return "unknown"
	}
}

// Detect classifies local's role by consulting the node record for
// (cluster, nodeID) and the database's own recovery state. Any query
// failure returns Unknown with a wrapped error; the supervisor treats
// Unknown as fatal, per spec.md §4.2/§7.
func Detect(ctx context.Context, local *dbsession.Session, cluster string, nodeID int) (Role, error) {
	nodes, err := local.ListNodesInCluster(ctx, cluster, store.FailoverNodesMaxCheck)
	if err != nil {
		return Unknown, err
	}

	var self *store.NodeRecord
	for i := range nodes {
		if nodes[i].ID == nodeID {
			self = &nodes[i]
			break
		}
	}

	if self != nil && self.Witness {
		return Witness, nil
	}

	inRecovery, err := local.IsInRecovery(ctx)
	if err != nil {
		return Unknown, err
	}
	if inRecovery {
		return Standby, nil
	}

	return Primary, nil
}

// ErrNodeUnregistered is a BadConfig error for a node that has no node
// record. Nothing in this repository returns it: the supervisor's witness
// registration check builds its own BadConfig error.
var ErrNodeUnregistered = rmerror.New(rmerror.BadConfig, "roledetect", nil)
