package dbsession

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/repmgr-org/repmgr/internal/logpos"
	"github.com/repmgr-org/repmgr/internal/rmerror"
	"github.com/repmgr-org/repmgr/internal/store"
)

func newSession(t *testing.T) (*Session, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(`SET search_path`).WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := Open(context.Background(), db, "c1")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s, mock
}

func TestProbeSuccess(t *testing.T) {
	s, mock := newSession(t)
	mock.ExpectExec(`SELECT 1`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Probe(context.Background(), time.Second))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProbeFailureReturnsUnreachable(t *testing.T) {
	s, mock := newSession(t)
	mock.ExpectExec(`SELECT 1`).WillReturnError(context.DeadlineExceeded)

	err := s.Probe(context.Background(), time.Second)
	require.Error(t, err)
	require.Equal(t, rmerror.Unreachable, rmerror.KindOf(err))
}

func TestSubmitAsyncThenCancelDrains(t *testing.T) {
	s, mock := newSession(t)
	mock.ExpectExec(`INSERT INTO repl_monitor`).WillReturnResult(sqlmock.NewResult(1, 1))

	row := store.MonitorRow{PrimaryNode: 1, StandbyNode: 2, MonitorTime: time.Now(), PrimaryLocation: "0/100"}
	s.SubmitAsync(context.Background(), store.InsertMonitorRow,
		row.PrimaryNode, row.StandbyNode, row.MonitorTime, row.ApplyTime,
		row.PrimaryLocation, row.StandbyLocation, row.ReplicationLag, row.ApplyLag)

	require.NoError(t, s.Cancel(time.Second))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentLogPosition(t *testing.T) {
	s, mock := newSession(t)
	mock.ExpectQuery(`SELECT pg_current_wal_lsn`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_current_wal_lsn"}).AddRow("0/3000000"))

	pos, err := s.CurrentLogPosition(context.Background())
	require.NoError(t, err)
	require.Equal(t, logpos.Pos{High: 0, Offset: 0x3000000}, pos)
}

func TestPeerLastStandbyPositionExtensionMissing(t *testing.T) {
	s, mock := newSession(t)
	mock.ExpectQuery(`repmgr_get_last_standby_location`).
		WillReturnError(&pq.Error{Code: "42883", Message: "function does not exist"})

	pos, err := s.PeerLastStandbyPosition(context.Background())
	require.Error(t, err)
	require.Equal(t, logpos.Invalid, pos)
	require.Equal(t, rmerror.ExtensionMissing, rmerror.KindOf(err))
}

func TestPeerLastStandbyPositionEmptyIsExtensionMissing(t *testing.T) {
	s, mock := newSession(t)
	mock.ExpectQuery(`repmgr_get_last_standby_location`).
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(""))

	pos, err := s.PeerLastStandbyPosition(context.Background())
	require.Error(t, err)
	require.Equal(t, logpos.Invalid, pos)
	require.Equal(t, rmerror.ExtensionMissing, rmerror.KindOf(err))
}

func TestListNodesInCluster(t *testing.T) {
	s, mock := newSession(t)
	mock.ExpectQuery(`SELECT id, cluster, name, conninfo, priority, witness`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "cluster", "name", "conninfo", "priority", "witness"}).
			AddRow(1, "c1", "node1", "host=a", 100, false).
			AddRow(2, "c1", "node2", "host=b", 50, false))

	nodes, err := s.ListNodesInCluster(context.Background(), "c1", store.FailoverNodesMaxCheck)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Equal(t, "node1", nodes[0].Name)
}
