// Package config holds the daemon's configuration: the Config struct, a
// loader for its key=value on-disk format, and defaulting/validation.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// FailoverMode is the configured failover behavior.
type FailoverMode string

const (
	FailoverManual    FailoverMode = "manual"
	FailoverAutomatic FailoverMode = "automatic"
)

func (m FailoverMode) validate() error {
	switch m {
	case FailoverManual, FailoverAutomatic:
		return nil
	default:
		return fmt.Errorf("invalid failover mode: %q", m)
	}
}

// Config is a container for everything found in the key=value config file.
type Config struct {
	Cluster  string
	Node     int
	NodeName string
	Conninfo string

	// ConfigFile is the path this Config was loaded from, set by Load.
	// It is not itself a recognized config key; it lets the supervisor
	// re-read the same file on SIGHUP.
	ConfigFile string

	Failover FailoverMode
	Priority int

	MasterResponseTimeout    time.Duration
	ReconnectAttempts        int
	ReconnectInterval        time.Duration
	MonitorIntervalSecs      time.Duration
	RetryPromoteIntervalSecs time.Duration

	PromoteCommand string
	FollowCommand  string

	LogLevel     string
	LogFacility  string
	LogFile      string

	// LogSegmentSize is not set by any config key and nothing applies it
	// to logpos.SegmentMultiplier, which keeps its package default.
	// See DESIGN.md, Open Question 1.
	LogSegmentSize uint64

	MonitoringHistory bool
}

// defaults mirrors spec.md §6's defaults.
func defaults() Config {
	return Config{
		Failover:                 FailoverManual,
		Priority:                 100,
		MasterResponseTimeout:    60 * time.Second,
		ReconnectAttempts:        6,
		ReconnectInterval:        10 * time.Second,
		MonitorIntervalSecs:      2 * time.Second,
		RetryPromoteIntervalSecs: 300 * time.Second,
		LogLevel:                 "INFO",
		LogFacility:              "STDERR",
	}
}

// Load reads and parses a key=value configuration file from path. Unknown
// keys are ignored per spec.md §6. Lines beginning with '#' (after
// trimming leading whitespace) are comments; blank lines are skipped.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	c, err := parse(f)
	if err != nil {
		return Config{}, err
	}
	c.ConfigFile = path
	return c, nil
}

func parse(r io.Reader) (Config, error) {
	c := defaults()

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := splitKV(line)
		if !ok {
			return Config{}, fmt.Errorf("config line %d: malformed entry %q", lineNo, line)
		}

		if err := c.assign(key, value); err != nil {
			return Config{}, fmt.Errorf("config line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	c.setDefaults()
	return c, nil
}

func splitKV(line string) (key, value string, ok bool) {
	idx := strings.IndexByte(line, '=')
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func (c *Config) assign(key, value string) error {
	switch key {
	case "cluster":
		c.Cluster = value
	case "node":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("node must be an integer: %w", err)
		}
		c.Node = n
	case "node_name":
		c.NodeName = value
	case "conninfo":
		c.Conninfo = value
	case "failover":
		c.Failover = FailoverMode(strings.ToLower(value))
	case "priority":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("priority must be an integer: %w", err)
		}
		c.Priority = n
	case "master_response_timeout":
		d, err := seconds(value)
		if err != nil {
			return err
		}
		c.MasterResponseTimeout = d
	case "reconnect_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("reconnect_attempts must be an integer: %w", err)
		}
		c.ReconnectAttempts = n
	case "reconnect_interval":
		d, err := seconds(value)
		if err != nil {
			return err
		}
		c.ReconnectInterval = d
	case "monitor_interval_secs":
		d, err := seconds(value)
		if err != nil {
			return err
		}
		c.MonitorIntervalSecs = d
	case "retry_promote_interval_secs":
		d, err := seconds(value)
		if err != nil {
			return err
		}
		c.RetryPromoteIntervalSecs = d
	case "promote_command":
		c.PromoteCommand = value
	case "follow_command":
		c.FollowCommand = value
	case "loglevel":
		c.LogLevel = strings.ToUpper(value)
	case "logfacility":
		c.LogFacility = strings.ToUpper(value)
	case "logfile":
		c.LogFile = value
	case "monitoring_history":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("monitoring_history must be a boolean: %w", err)
		}
		c.MonitoringHistory = b
	default:
		// unknown keys are ignored per spec.md §6
	}
	return nil
}

func seconds(value string) (time.Duration, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("expected an integer number of seconds, got %q: %w", value, err)
	}
	return time.Duration(n) * time.Second, nil
}

func (c *Config) setDefaults() {
	if c.LogFacility == "" {
		c.LogFacility = "STDERR"
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
}

// Validate establishes whether the config is usable, per spec.md §6's
// required keys.
func (c *Config) Validate() error {
	if c.Cluster == "" {
		return fmt.Errorf("cluster is required")
	}
	if c.Node == 0 {
		return fmt.Errorf("node is required")
	}
	if c.Conninfo == "" {
		return fmt.Errorf("conninfo is required")
	}
	if err := c.Failover.validate(); err != nil {
		return err
	}
	if c.Priority < 0 {
		return fmt.Errorf("priority must be non-negative")
	}
	return nil
}

// SchemaName returns the repmgr_<cluster> schema name for this config's
// cluster, unquoted; callers needing an identifier for a query should
// quote it (see internal/store.SchemaName).
func (c Config) SchemaName() string {
	return "repmgr_" + c.Cluster
}
