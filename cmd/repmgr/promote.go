package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"

	"github.com/repmgr-org/repmgr/internal/config"
)

// promoteCmd implements "repmgr standby promote": it runs the operator's
// configured promote_command directly, the same hook the daemon's own
// election winner runs after failover (internal/failover.runHook), for
// the manual case spec.md §1 calls out separately from automatic
// failover.
type promoteCmd struct {
	fs *flag.FlagSet
}

func (c *promoteCmd) FlagSet() *flag.FlagSet {
	c.fs = flag.NewFlagSet("standby promote", flag.ExitOnError)
	return c.fs
}

func (c *promoteCmd) Exec(ctx context.Context, cfg config.Config, args []string) error {
	if cfg.PromoteCommand == "" {
		return fmt.Errorf("promote_command is not configured")
	}
	return runConfiguredHook(ctx, cfg.PromoteCommand)
}

// followCmd implements "repmgr standby follow": it runs the operator's
// configured follow_command, re-pointing this standby at its new
// upstream.
type followCmd struct {
	fs *flag.FlagSet
}

func (c *followCmd) FlagSet() *flag.FlagSet {
	c.fs = flag.NewFlagSet("standby follow", flag.ExitOnError)
	return c.fs
}

func (c *followCmd) Exec(ctx context.Context, cfg config.Config, args []string) error {
	if cfg.FollowCommand == "" {
		return fmt.Errorf("follow_command is not configured")
	}
	return runConfiguredHook(ctx, cfg.FollowCommand)
}

func runConfiguredHook(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
