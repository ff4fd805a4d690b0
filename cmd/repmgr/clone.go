package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"

	"github.com/repmgr-org/repmgr/internal/config"
)

// cloneCmd implements "repmgr standby clone <upstream-conninfo>". Cloning
// a base backup is explicitly a collaborator's job, not the daemon's or
// this CLI's own: it shells out to pg_basebackup exactly as configured,
// with no copy logic of our own, per spec.md §1's scoping of "clone,
// promote, follow" as named actions this tool triggers rather than
// implements.
type cloneCmd struct {
	fs      *flag.FlagSet
	dataDir *string
}

func (c *cloneCmd) FlagSet() *flag.FlagSet {
	c.fs = flag.NewFlagSet("standby clone", flag.ExitOnError)
	c.dataDir = c.fs.String("D", "", "Target data directory for the base backup")
	return c.fs
}

func (c *cloneCmd) Exec(ctx context.Context, cfg config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: repmgr standby clone -D <data-dir> <upstream-conninfo>")
	}
	if *c.dataDir == "" {
		return fmt.Errorf("-D (target data directory) is required")
	}

	cmd := exec.CommandContext(ctx, "pg_basebackup",
		"-d", args[0],
		"-D", *c.dataDir,
		"-X", "stream",
		"-R",
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
