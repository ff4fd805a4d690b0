// Package store models the cluster metadata schema inside the managed
// database: node records and the monitoring-history append log, plus the
// schema-name quoting rule spec.md §6 specifies. It holds types and SQL
// text; the connections that execute this SQL live in internal/dbsession.
package store

import (
	"time"

	"github.com/lib/pq"
)

// NodeRecord is a row of repl_nodes.
type NodeRecord struct {
	ID       int
	Cluster  string
	Name     string
	Conninfo string
	Priority int
	Witness  bool
}

// MonitorRow is a row of repl_monitor.
type MonitorRow struct {
	PrimaryNode      int
	StandbyNode      int
	MonitorTime      time.Time
	ApplyTime        *time.Time
	PrimaryLocation  string
	StandbyLocation  *string
	ReplicationLag   int64
	ApplyLag         int64
}

// SchemaName returns the quoted repmgr_<cluster> schema identifier, using
// the database's own identifier-quoting rules (pq.QuoteIdentifier), per
// spec.md §6.
func SchemaName(cluster string) string {
	return pq.QuoteIdentifier("repmgr_" + cluster)
}

// Table name constants: the contract spec.md §6 fixes.
const (
	NodesTable   = "repl_nodes"
	MonitorTable = "repl_monitor"

	UpdateStandbyLocationFunc = "repmgr_update_standby_location"
	GetStandbyLocationFunc    = "repmgr_get_last_standby_location"
)

// SQL text for the named operations. These are plain statements with $n
// placeholders; callers supply the arguments via database/sql.
const (
	QueryCurrentLogPosition = `SELECT pg_current_wal_lsn()`

	QueryLastReceivedPosition = `SELECT COALESCE(pg_last_wal_receive_lsn()::text, '0/0')`

	QueryLastReplayedPositionAndTimestamp = `
		SELECT COALESCE(pg_last_wal_replay_lsn()::text, '0/0'), pg_last_xact_replay_timestamp()`

	QueryIsInRecovery = `SELECT pg_is_in_recovery()`

	QueryNow = `SELECT NOW()`

	InsertMonitorRow = `
		INSERT INTO ` + MonitorTable + ` (
			primary_node, standby_node, last_monitor_time, last_apply_time,
			last_wal_primary_location, last_wal_standby_location,
			replication_lag, apply_lag
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	UpsertNodeRecord = `
		INSERT INTO ` + NodesTable + ` (id, cluster, name, conninfo, priority, witness)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id, cluster) DO UPDATE SET
			name = EXCLUDED.name,
			conninfo = EXCLUDED.conninfo,
			priority = EXCLUDED.priority,
			witness = EXCLUDED.witness`

	ListNodesInCluster = `
		SELECT id, cluster, name, conninfo, priority, witness
		FROM ` + NodesTable + `
		WHERE cluster = $1
		ORDER BY priority ASC, id ASC
		LIMIT $2`

	CountNodeRows = `
		SELECT COUNT(*) FROM ` + NodesTable + ` WHERE id = $1 AND cluster = $2`

	PublishStandbyPosition = `SELECT ` + UpdateStandbyLocationFunc + `($1)`

	ReadStandbyPosition = `SELECT ` + GetStandbyLocationFunc + `()`

	MetadataTablesPresent = `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_name = $1
			AND table_schema::name = ANY (current_schemas(false))
		) AND EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_name = $2
			AND table_schema::name = ANY (current_schemas(false))
		)`

	ExtensionFunctionsPresent = `
		SELECT COUNT(*) FROM pg_proc WHERE proname IN ($1, $2)`
)

// FailoverNodesMaxCheck bounds how many peer rows the failover coordinator
// will enumerate in one election, per spec.md §4.5 step 1.
const FailoverNodesMaxCheck = 100
