package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/repmgr-org/repmgr/internal/config"
	"github.com/repmgr-org/repmgr/internal/dbsession"
	"github.com/repmgr-org/repmgr/internal/store"
)

// showCmd implements "repmgr cluster show": it lists every node
// registered for this cluster, rendered with text/tabwriter rather than a
// third-party table library, since the teacher itself only ever prints
// plain tab-aligned columns (cmd/gitaly-*'s -version/-check output) and
// nothing in the retrieved corpus pulls in a table-rendering dependency.
type showCmd struct {
	fs *flag.FlagSet
}

func (c *showCmd) FlagSet() *flag.FlagSet {
	c.fs = flag.NewFlagSet("cluster show", flag.ExitOnError)
	return c.fs
}

func (c *showCmd) Exec(ctx context.Context, cfg config.Config, args []string) error {
	cctx, cancel := context.WithTimeout(ctx, cfg.MasterResponseTimeout)
	defer cancel()

	sess, err := dbsession.OpenDirect(cctx, cfg.Conninfo, cfg.Cluster)
	if err != nil {
		return err
	}
	defer sess.Close()

	nodes, err := sess.ListNodesInCluster(cctx, cfg.Cluster, store.FailoverNodesMaxCheck)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "id\tname\twitness\tpriority\tconninfo")
	for _, n := range nodes {
		fmt.Fprintf(w, "%d\t%s\t%t\t%d\t%s\n", n.ID, n.Name, n.Witness, n.Priority, n.Conninfo)
	}
	return w.Flush()
}
