// Package supctx holds the daemon's explicit, passed-by-reference runtime
// state: current role, current primary connection, and the flags signal
// handlers set, per spec.md §3 ("Local runtime state") and §9's note that
// this replaces ambient globals with a context threaded through every
// component, grounded on the teacher's habit of threading config/logger/
// connection explicitly through every praefect constructor rather than
// relying on package-level state.
package supctx

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/repmgr-org/repmgr/internal/config"
	"github.com/repmgr-org/repmgr/internal/dbsession"
	"github.com/repmgr-org/repmgr/internal/roledetect"
)

// Context is the supervisor's process-wide state, mutated only by the
// supervisor's own goroutine. Signal handlers touch only the atomic
// fields (Reconfigure, Terminate); everything else is read/written at
// tick boundaries of the single control-flow loop, per spec.md §5.
type Context struct {
	Config config.Config
	Log    logrus.FieldLogger

	Role          roledetect.Role
	LocalConn     *dbsession.Session
	PrimaryConn   *dbsession.Session
	PrimaryNodeID int

	// FailoverJustHappened causes the outer loop to re-detect role from
	// scratch, per spec.md §4.6.
	FailoverJustHappened bool

	// Reconfigure is set true by the SIGHUP handler and observed at tick
	// boundaries, per spec.md §5.
	Reconfigure atomic.Bool
	// Terminate is set true by the terminating-signal handler.
	Terminate atomic.Bool
}

// PrimaryIsLocal reports whether PrimaryConn and LocalConn alias the same
// session, per spec.md §3's invariant for a node whose local role is
// primary.
func (c *Context) PrimaryIsLocal() bool {
	return c.PrimaryConn == c.LocalConn
}

// CloseConns closes LocalConn and, if it is a distinct session, PrimaryConn
// too -- never double-closing an aliased primary, per spec.md §9.
func (c *Context) CloseConns() {
	aliased := c.PrimaryIsLocal()

	if c.PrimaryConn != nil && !aliased {
		c.PrimaryConn.Close()
	}
	if c.LocalConn != nil {
		c.LocalConn.Close()
	}
	c.PrimaryConn = nil
	c.LocalConn = nil
}
