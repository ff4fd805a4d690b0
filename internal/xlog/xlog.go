// Package xlog configures the daemon's shared logrus logger from
// loglevel/logfacility/logfile configuration, grounded on
// internal/praefect/config/log.go's ConfigureLogger.
package xlog

import (
	"fmt"
	"log/syslog"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var levelByName = map[string]logrus.Level{
	"DEBUG":   logrus.DebugLevel,
	"INFO":    logrus.InfoLevel,
	"NOTICE":  logrus.InfoLevel,
	"WARNING": logrus.WarnLevel,
	"ERR":     logrus.ErrorLevel,
	"ALERT":   logrus.FatalLevel,
	"CRIT":    logrus.FatalLevel,
	"EMERG":   logrus.PanicLevel,
}

var facilityByName = map[string]syslog.Priority{
	"LOCAL0": syslog.LOG_LOCAL0,
	"LOCAL1": syslog.LOG_LOCAL1,
	"LOCAL2": syslog.LOG_LOCAL2,
	"LOCAL3": syslog.LOG_LOCAL3,
	"LOCAL4": syslog.LOG_LOCAL4,
	"LOCAL5": syslog.LOG_LOCAL5,
	"LOCAL6": syslog.LOG_LOCAL6,
	"LOCAL7": syslog.LOG_LOCAL7,
	"USER":   syslog.LOG_USER,
}

// Configure builds and returns a logrus logger from the daemon's
// loglevel/logfacility/logfile settings. facility STDERR (the default)
// writes formatted text to stderr; any LOCAL0-7/USER facility writes to
// syslog. If logfile is set, output goes only to that file and logfacility
// is not used.
func Configure(loglevel, logfacility, logfile string) (*logrus.Logger, error) {
	logger := logrus.New()

	level, ok := levelByName[strings.ToUpper(loglevel)]
	if !ok {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	facility := strings.ToUpper(logfacility)

	switch {
	case logfile != "":
		f, err := os.OpenFile(logfile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("xlog: open logfile %q: %w", logfile, err)
		}
		logger.SetOutput(f)
	case facility == "" || facility == "STDERR":
		logger.SetOutput(os.Stderr)
	default:
		priority, ok := facilityByName[facility]
		if !ok {
			return nil, fmt.Errorf("xlog: unknown logfacility %q", logfacility)
		}
		writer, err := syslog.New(priority|syslog.LOG_INFO, "repmgrd")
		if err != nil {
			return nil, fmt.Errorf("xlog: connect to syslog: %w", err)
		}
		logger.SetOutput(writer)
		logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	}

	return logger, nil
}

// Default returns a logrus logger writing to stderr at INFO level, for use
// before configuration has been loaded.
func Default() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)
	return logger
}
