// Package dbsession is a typed wrapper over a single database connection:
// liveness probing, asynchronous query submission/cancellation, and the
// daemon's named typed queries, per spec.md §4.1.
package dbsession

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/repmgr-org/repmgr/internal/logpos"
	"github.com/repmgr-org/repmgr/internal/rmerror"
	"github.com/repmgr-org/repmgr/internal/store"
)

// pgUndefinedFunction is the SQLSTATE Postgres returns when a called
// function does not exist, which is how an absent repmgr_* helper
// extension function is distinguished from any other query failure.
const pgUndefinedFunction = "42883"

// pending tracks one in-flight asynchronous query.
type pending struct {
	cancel context.CancelFunc
	done   chan error
}

// Session owns one *sql.Conn checked out of a connection pool. It is not
// safe for concurrent use by multiple goroutines beyond the
// submit/cancel/wait_idle protocol spec.md §4.1 describes.
type Session struct {
	db      *sql.DB
	conn    *sql.Conn
	ownsDB  bool

	mu      sync.Mutex
	pending *pending
}

// Open checks out a new connection from db, scoped to the given cluster's
// repmgr_<cluster> schema via search_path, and returns a Session wrapping
// it. The caller retains ownership of db; Close will not close it.
func Open(ctx context.Context, db *sql.DB, cluster string) (*Session, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, rmerror.New(rmerror.Unreachable, "dbsession.Open", err)
	}

	schema := store.SchemaName(cluster)
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
		conn.Close()
		return nil, rmerror.New(rmerror.SchemaMissing, "dbsession.Open", err)
	}

	return &Session{db: db, conn: conn}, nil
}

// OpenDirect opens a fresh *sql.DB against conninfo (via lib/pq) and
// returns a Session that owns it exclusively: Close on the returned
// Session also closes the underlying pool. Used for transient per-peer
// connections (failover's visibility probe, cluster scans) where each
// node has a distinct conninfo, per spec.md §4.5/§4.6.
func OpenDirect(ctx context.Context, conninfo, cluster string) (*Session, error) {
	db, err := sql.Open("postgres", conninfo)
	if err != nil {
		return nil, rmerror.New(rmerror.Unreachable, "dbsession.OpenDirect", err)
	}

	s, err := Open(ctx, db, cluster)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// Close releases the underlying connection. It does not close a shared
// *sql.DB pool passed to Open, so aliased sessions (primary_conn ==
// local_conn, per spec.md §3) may each call Close without double-closing
// the pool; a Session created by OpenDirect closes its private pool too.
func (s *Session) Close() error {
	err := s.conn.Close()
	if s.ownsDB {
		if dbErr := s.db.Close(); dbErr != nil && err == nil {
			err = dbErr
		}
	}
	return err
}

// Probe issues a trivial query and returns within timeout or fails with
// Unreachable. It never leaves the connection busy: on timeout the probe's
// context is cancelled, which aborts the in-flight query server-side.
func (s *Session) Probe(ctx context.Context, timeout time.Duration) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := s.conn.ExecContext(pctx, "SELECT 1"); err != nil {
		return rmerror.New(rmerror.Unreachable, "dbsession.Probe", err)
	}
	return nil
}

// SubmitAsync fires sql (with args) without awaiting its result. The
// caller must later call Cancel or WaitIdle to drain the outcome before
// submitting another query on this Session.
func (s *Session) SubmitAsync(ctx context.Context, query string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	qctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)

	s.pending = &pending{cancel: cancel, done: done}

	go func() {
		_, err := s.conn.ExecContext(qctx, query, args...)
		done <- err
	}()
}

// Cancel cancels any in-flight query started by SubmitAsync and waits up
// to timeout for the connection to go idle. It returns nil if the
// connection was already idle or became idle within timeout.
func (s *Session) Cancel(timeout time.Duration) error {
	s.mu.Lock()
	p := s.pending
	s.mu.Unlock()

	if p == nil {
		return nil
	}

	p.cancel()
	return s.drain(p, timeout)
}

// WaitIdle blocks until the connection is idle (any pending async query
// has completed) or timeout elapses.
func (s *Session) WaitIdle(timeout time.Duration) error {
	s.mu.Lock()
	p := s.pending
	s.mu.Unlock()

	if p == nil {
		return nil
	}

	return s.drain(p, timeout)
}

func (s *Session) drain(p *pending, timeout time.Duration) error {
	select {
	case <-p.done:
		s.clearIfCurrent(p)
		return nil
	case <-time.After(timeout):
		return rmerror.New(rmerror.Unreachable, "dbsession.drain", fmt.Errorf("connection still busy after %s", timeout))
	}
}

func (s *Session) clearIfCurrent(p *pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == p {
		s.pending = nil
	}
}

// CurrentLogPosition returns the primary's current WAL insert position.
func (s *Session) CurrentLogPosition(ctx context.Context) (logpos.Pos, error) {
	var raw string
	if err := s.conn.QueryRowContext(ctx, store.QueryCurrentLogPosition).Scan(&raw); err != nil {
		return logpos.Pos{}, rmerror.New(rmerror.DbQuery, "CurrentLogPosition", err)
	}
	pos, err := logpos.Parse(raw)
	if err != nil {
		return logpos.Pos{}, rmerror.New(rmerror.ResultMalformed, "CurrentLogPosition", err)
	}
	return pos, nil
}

// LastReceivedPosition returns the standby's last-received WAL position,
// or logpos.Invalid if the standby has not yet received anything.
func (s *Session) LastReceivedPosition(ctx context.Context) (logpos.Pos, error) {
	var raw string
	if err := s.conn.QueryRowContext(ctx, store.QueryLastReceivedPosition).Scan(&raw); err != nil {
		return logpos.Pos{}, rmerror.New(rmerror.DbQuery, "LastReceivedPosition", err)
	}
	pos, err := logpos.Parse(raw)
	if err != nil {
		return logpos.Pos{}, rmerror.New(rmerror.ResultMalformed, "LastReceivedPosition", err)
	}
	return pos, nil
}

// LastReplayedPositionAndTimestamp returns the standby's last-replayed WAL
// position and the timestamp of that replay.
func (s *Session) LastReplayedPositionAndTimestamp(ctx context.Context) (logpos.Pos, time.Time, error) {
	var raw string
	var ts sql.NullTime
	if err := s.conn.QueryRowContext(ctx, store.QueryLastReplayedPositionAndTimestamp).Scan(&raw, &ts); err != nil {
		return logpos.Pos{}, time.Time{}, rmerror.New(rmerror.DbQuery, "LastReplayedPositionAndTimestamp", err)
	}
	pos, err := logpos.Parse(raw)
	if err != nil {
		return logpos.Pos{}, time.Time{}, rmerror.New(rmerror.ResultMalformed, "LastReplayedPositionAndTimestamp", err)
	}
	return pos, ts.Time, nil
}

// IsInRecovery reports whether the database this session is connected to
// is currently applying WAL as a standby.
func (s *Session) IsInRecovery(ctx context.Context) (bool, error) {
	var inRecovery bool
	if err := s.conn.QueryRowContext(ctx, store.QueryIsInRecovery).Scan(&inRecovery); err != nil {
		return false, rmerror.New(rmerror.DbQuery, "IsInRecovery", err)
	}
	return inRecovery, nil
}

// Now returns the database server's current timestamp.
func (s *Session) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.conn.QueryRowContext(ctx, store.QueryNow).Scan(&now); err != nil {
		return time.Time{}, rmerror.New(rmerror.DbQuery, "Now", err)
	}
	return now, nil
}

// PeerLastStandbyPosition reads a peer's shared-memory last-known standby
// position. It returns logpos.Invalid with ExtensionMissing if the
// repmgr_get_last_standby_location helper function is not installed.
func (s *Session) PeerLastStandbyPosition(ctx context.Context) (logpos.Pos, error) {
	var raw sql.NullString
	if err := s.conn.QueryRowContext(ctx, store.ReadStandbyPosition).Scan(&raw); err != nil {
		if isUndefinedFunction(err) {
			return logpos.Invalid, rmerror.New(rmerror.ExtensionMissing, "PeerLastStandbyPosition", err)
		}
		return logpos.Pos{}, rmerror.New(rmerror.DbQuery, "PeerLastStandbyPosition", err)
	}

	if !raw.Valid || raw.String == "" {
		return logpos.Invalid, rmerror.New(rmerror.ExtensionMissing, "PeerLastStandbyPosition", fmt.Errorf("empty response"))
	}

	pos, err := logpos.Parse(raw.String)
	if err != nil {
		return logpos.Pos{}, rmerror.New(rmerror.ResultMalformed, "PeerLastStandbyPosition", err)
	}
	return pos, nil
}

// PublishStandbyPosition writes this node's last-known standby position
// into the shared-memory register peers read during election.
func (s *Session) PublishStandbyPosition(ctx context.Context, pos logpos.Pos) error {
	var ok bool
	if err := s.conn.QueryRowContext(ctx, store.PublishStandbyPosition, pos.String()).Scan(&ok); err != nil {
		if isUndefinedFunction(err) {
			return rmerror.New(rmerror.ExtensionMissing, "PublishStandbyPosition", err)
		}
		return rmerror.New(rmerror.DbQuery, "PublishStandbyPosition", err)
	}
	if !ok {
		return rmerror.New(rmerror.DbQuery, "PublishStandbyPosition", fmt.Errorf("helper reported failure"))
	}
	return nil
}

// InsertMonitorRow appends a telemetry row.
func (s *Session) InsertMonitorRow(ctx context.Context, row store.MonitorRow) error {
	_, err := s.conn.ExecContext(ctx, store.InsertMonitorRow,
		row.PrimaryNode, row.StandbyNode, row.MonitorTime, row.ApplyTime,
		row.PrimaryLocation, row.StandbyLocation, row.ReplicationLag, row.ApplyLag)
	if err != nil {
		return rmerror.New(rmerror.DbQuery, "InsertMonitorRow", err)
	}
	return nil
}

// InsertMonitorRowAsync is InsertMonitorRow submitted via SubmitAsync, per
// spec.md §4.4 step 5 / §9's "preserve the async overlap" note.
func (s *Session) InsertMonitorRowAsync(ctx context.Context, row store.MonitorRow) {
	s.SubmitAsync(ctx, store.InsertMonitorRow,
		row.PrimaryNode, row.StandbyNode, row.MonitorTime, row.ApplyTime,
		row.PrimaryLocation, row.StandbyLocation, row.ReplicationLag, row.ApplyLag)
}

// UpsertNodeRecord inserts or updates a repl_nodes row for this node.
func (s *Session) UpsertNodeRecord(ctx context.Context, rec store.NodeRecord) error {
	_, err := s.conn.ExecContext(ctx, store.UpsertNodeRecord,
		rec.ID, rec.Cluster, rec.Name, rec.Conninfo, rec.Priority, rec.Witness)
	if err != nil {
		return rmerror.New(rmerror.DbQuery, "UpsertNodeRecord", err)
	}
	return nil
}

// ListNodesInCluster returns up to limit node records for cluster, ordered
// by priority then id ascending.
func (s *Session) ListNodesInCluster(ctx context.Context, cluster string, limit int) ([]store.NodeRecord, error) {
	rows, err := s.conn.QueryContext(ctx, store.ListNodesInCluster, cluster, limit)
	if err != nil {
		return nil, rmerror.New(rmerror.DbQuery, "ListNodesInCluster", err)
	}
	defer rows.Close()

	var out []store.NodeRecord
	for rows.Next() {
		var rec store.NodeRecord
		if err := rows.Scan(&rec.ID, &rec.Cluster, &rec.Name, &rec.Conninfo, &rec.Priority, &rec.Witness); err != nil {
			return nil, rmerror.New(rmerror.ResultMalformed, "ListNodesInCluster", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, rmerror.New(rmerror.DbQuery, "ListNodesInCluster", err)
	}
	return out, nil
}

// CountNodeRows reports how many repl_nodes rows exist for (id, cluster).
func (s *Session) CountNodeRows(ctx context.Context, id int, cluster string) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, store.CountNodeRows, id, cluster).Scan(&n); err != nil {
		return 0, rmerror.New(rmerror.DbQuery, "CountNodeRows", err)
	}
	return n, nil
}

// MetadataTablesPresent reports whether repl_nodes and repl_monitor both
// exist in the current search_path.
func (s *Session) MetadataTablesPresent(ctx context.Context) (bool, error) {
	var present bool
	if err := s.conn.QueryRowContext(ctx, store.MetadataTablesPresent, store.NodesTable, store.MonitorTable).Scan(&present); err != nil {
		return false, rmerror.New(rmerror.DbQuery, "MetadataTablesPresent", err)
	}
	return present, nil
}

// EnsureExtension verifies both repmgr_* helper functions are installed,
// returning ExtensionMissing if either is absent.
func (s *Session) EnsureExtension(ctx context.Context) error {
	var count int
	if err := s.conn.QueryRowContext(ctx, store.ExtensionFunctionsPresent,
		store.UpdateStandbyLocationFunc, store.GetStandbyLocationFunc).Scan(&count); err != nil {
		return rmerror.New(rmerror.DbQuery, "EnsureExtension", err)
	}
	if count < 2 {
		return rmerror.New(rmerror.ExtensionMissing, "EnsureExtension", fmt.Errorf("expected 2 helper functions, found %d", count))
	}
	return nil
}

func isUndefinedFunction(err error) bool {
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok {
		return pqErr.Code == pgUndefinedFunction
	}
	return false
}

func asPQError(err error, target **pq.Error) bool {
	if e, ok := err.(*pq.Error); ok {
		*target = e
		return true
	}
	return false
}
