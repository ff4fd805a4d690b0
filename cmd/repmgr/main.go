// Command repmgr is the administrator's CLI for a repmgrd-managed
// cluster: registering nodes and triggering the clone/promote/follow
// actions the daemon itself never performs (spec.md §1 places these
// collaborators out of scope for the daemon).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/repmgr-org/repmgr/internal/config"
	"github.com/repmgr-org/repmgr/internal/rmerror"
	"github.com/repmgr-org/repmgr/internal/version"
	"github.com/repmgr-org/repmgr/internal/xlog"
)

const progname = "repmgr"

var flagConfig = flag.String("f", "", "Location of the config file")
var flagVersion = flag.Bool("version", false, "Print version and exit")

// subcmd is one leaf action, addressed as "repmgr <noun> <verb> [args]".
type subcmd interface {
	FlagSet() *flag.FlagSet
	Exec(ctx context.Context, cfg config.Config, args []string) error
}

var subcommands = map[string]subcmd{
	"register":           &registerCmd{},
	"standby clone":      &cloneCmd{},
	"standby promote":    &promoteCmd{},
	"standby follow":     &followCmd{},
	"cluster show":       &showCmd{},
	"cluster crosscheck": &crosscheckCmd{},
}

// dispatchArity reports how many leading args form this subcommand's
// name: "register primary" dispatches on "register" alone (the role is
// an argument), while "standby clone" is a two-word name.
func dispatchArity(first string) int {
	if first == "register" {
		return 1
	}
	return 2
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *flagVersion {
		fmt.Println(version.String(progname))
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	arity := dispatchArity(args[0])
	if len(args) < arity {
		usage()
		os.Exit(1)
	}
	name := strings.Join(args[:arity], " ")

	cmd, ok := subcommands[name]
	if !ok {
		printfErr("%s: unknown subcommand: %q\n", progname, name)
		usage()
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(rmerror.BadConfig.ExitCode())
	}

	if _, err := xlog.Configure(cfg.LogLevel, cfg.LogFacility, cfg.LogFile); err != nil {
		printfErr("%s: %v\n", progname, err)
		os.Exit(rmerror.BadConfig.ExitCode())
	}

	fs := cmd.FlagSet()
	if err := fs.Parse(args[arity:]); err != nil {
		os.Exit(1)
	}

	if err := cmd.Exec(context.Background(), cfg, fs.Args()); err != nil {
		printfErr("%s: %v\n", progname, err)
		os.Exit(rmerror.KindOf(err).ExitCode())
	}
}

func loadConfig() (config.Config, error) {
	if *flagConfig == "" {
		return config.Config{}, fmt.Errorf("-f is required")
	}
	return config.Load(*flagConfig)
}

func usage() {
	printfErr("Usage of %s:\n", progname)
	flag.PrintDefaults()
	printfErr("  subcommand\n")
	printfErr("\tOne of: register, standby clone, standby promote, standby follow, cluster show, cluster crosscheck\n")
}

func printfErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
}
