package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/repmgr-org/repmgr/internal/config"
	"github.com/repmgr-org/repmgr/internal/dbsession"
	"github.com/repmgr-org/repmgr/internal/store"
)

// registerCmd implements "repmgr register primary|standby|witness": it
// upserts this node's own repl_nodes row using the priority and witness
// flag the operator configured, per spec.md §6's admin-utility default
// (priority 100) -- distinct from the daemon's own priority-0 auto-insert
// when it discovers an unregistered node on its own, which this command
// never does.
type registerCmd struct {
	fs *flag.FlagSet
}

func (c *registerCmd) FlagSet() *flag.FlagSet {
	c.fs = flag.NewFlagSet("register", flag.ExitOnError)
	return c.fs
}

func (c *registerCmd) Exec(ctx context.Context, cfg config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: repmgr register primary|standby|witness")
	}

	var witness bool
	switch args[0] {
	case "primary", "standby":
		witness = false
	case "witness":
		witness = true
	default:
		return fmt.Errorf("unknown role %q: expected primary, standby, or witness", args[0])
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.MasterResponseTimeout)
	defer cancel()

	sess, err := dbsession.OpenDirect(cctx, cfg.Conninfo, cfg.Cluster)
	if err != nil {
		return err
	}
	defer sess.Close()

	present, err := sess.MetadataTablesPresent(cctx)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("repl_nodes/repl_monitor not found in schema %s: run the extension's setup script first", cfg.SchemaName())
	}

	rec := store.NodeRecord{
		ID:       cfg.Node,
		Cluster:  cfg.Cluster,
		Name:     cfg.NodeName,
		Conninfo: cfg.Conninfo,
		Priority: cfg.Priority,
		Witness:  witness,
	}
	return sess.UpsertNodeRecord(cctx, rec)
}
