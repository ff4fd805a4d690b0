// Command repmgrd is the per-node supervisor daemon: it monitors
// replication health and, when configured for automatic failover, runs
// the election protocol when the primary disappears. See spec.md §4.6.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/repmgr-org/repmgr/internal/config"
	"github.com/repmgr-org/repmgr/internal/rmerror"
	"github.com/repmgr-org/repmgr/internal/supctx"
	"github.com/repmgr-org/repmgr/internal/supervisor"
	"github.com/repmgr-org/repmgr/internal/version"
	"github.com/repmgr-org/repmgr/internal/xlog"
)

const progname = "repmgrd"

var (
	flagConfig    string
	flagVerbose   bool
	flagHistory   bool
	flagDaemonize bool
	flagPIDFile   string
	flagVersion   = flag.Bool("version", false, "Print version and exit")
)

func init() {
	flag.StringVar(&flagConfig, "f", "", "Location of the config file")
	flag.StringVar(&flagConfig, "config-file", "", "Location of the config file")
	flag.BoolVar(&flagVerbose, "v", false, "Enable verbose (debug) logging")
	flag.BoolVar(&flagVerbose, "verbose", false, "Enable verbose (debug) logging")
	flag.BoolVar(&flagHistory, "m", false, "Enable monitoring history (write to repl_monitor)")
	flag.BoolVar(&flagHistory, "monitoring-history", false, "Enable monitoring history (write to repl_monitor)")
	flag.BoolVar(&flagDaemonize, "d", false, "Detach and run as a daemon")
	flag.BoolVar(&flagDaemonize, "daemonize", false, "Detach and run as a daemon")
	flag.StringVar(&flagPIDFile, "p", "", "Location of the PID file")
	flag.StringVar(&flagPIDFile, "pid-file", "", "Location of the PID file")
}

func main() {
	flag.Usage = func() {
		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *flagVersion {
		fmt.Println(version.String(progname))
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(rmerror.BadConfig.ExitCode())
	}

	logger, err := xlog.Configure(cfg.LogLevel, cfg.LogFacility, cfg.LogFile)
	if err != nil {
		printfErr("%s: %v\n", progname, err)
		os.Exit(rmerror.BadConfig.ExitCode())
	}
	if flagVerbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if flagDaemonize {
		if err := supervisor.Daemonize(); err != nil {
			printfErr("%s: %v\n", progname, err)
			os.Exit(rmerror.KindOf(err).ExitCode())
		}
	}

	pidFile, err := supervisor.AcquirePIDFile(flagPIDFile)
	if err != nil {
		logger.WithError(err).Error("could not acquire pid file")
		os.Exit(rmerror.KindOf(err).ExitCode())
	}
	defer pidFile.Release()

	logger.WithField("version", version.String(progname)).Info("starting " + progname)

	rc := &supctx.Context{Config: cfg, Log: logger}
	stopSignals := supervisor.WatchSignals(rc)
	defer stopSignals()

	if err := supervisor.Run(context.Background(), rc); err != nil {
		logger.WithError(err).Error("exiting")
		os.Exit(rmerror.KindOf(err).ExitCode())
	}
}

func loadConfig() (config.Config, error) {
	if flagConfig == "" {
		return config.Config{}, fmt.Errorf("-f/--config-file is required")
	}

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	if flagHistory {
		cfg.MonitoringHistory = true
	}

	return cfg, nil
}

func printfErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
}
