package monitor

import (
	"context"
	"io"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/repmgr-org/repmgr/internal/config"
	"github.com/repmgr-org/repmgr/internal/dbsession"
	"github.com/repmgr-org/repmgr/internal/rmerror"
	"github.com/repmgr-org/repmgr/internal/supctx"
)

func newMockSession(t *testing.T) (*dbsession.Session, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(`SET search_path`).WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := dbsession.Open(context.Background(), db, "c1")
	require.NoError(t, err)

	return s, mock
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func baseConfig() config.Config {
	return config.Config{
		Cluster:                  "c1",
		NodeName:                 "n2",
		MasterResponseTimeout:    time.Second,
		ReconnectAttempts:        1,
		ReconnectInterval:        time.Millisecond,
		RetryPromoteIntervalSecs: time.Millisecond,
		MonitoringHistory:        true,
	}
}

func TestPrologueLocalConnectionLost(t *testing.T) {
	local, mock := newMockSession(t)
	mock.ExpectExec(`SELECT 1`).WillReturnError(context.DeadlineExceeded)

	rc := &supctx.Context{Config: baseConfig(), Log: testLogger(), LocalConn: local, PrimaryConn: local}

	m := &StandbyMonitor{NodeID: 2}
	err := m.Tick(context.Background(), rc)
	require.Error(t, err)
	require.Equal(t, rmerror.DbConnection, rmerror.KindOf(err))
}

func TestStandbyTickSplitBrain(t *testing.T) {
	local, mock := newMockSession(t)
	mock.ExpectExec(`SELECT 1`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`pg_is_in_recovery`).WillReturnRows(sqlmock.NewRows([]string{"in_recovery"}).AddRow(false))

	rc := &supctx.Context{Config: baseConfig(), Log: testLogger(), LocalConn: local, PrimaryConn: local}

	m := &StandbyMonitor{NodeID: 2}
	err := m.Tick(context.Background(), rc)
	require.Error(t, err)
	require.Equal(t, rmerror.BadConfig, rmerror.KindOf(err))
}

func TestStandbyTickInsertsMonitorRow(t *testing.T) {
	local, localMock := newMockSession(t)
	primary, primaryMock := newMockSession(t)

	localMock.ExpectExec(`SELECT 1`).WillReturnResult(sqlmock.NewResult(0, 0))
	primaryMock.ExpectExec(`SELECT 1`).WillReturnResult(sqlmock.NewResult(0, 0))
	localMock.ExpectQuery(`pg_is_in_recovery`).WillReturnRows(sqlmock.NewRows([]string{"in_recovery"}).AddRow(true))
	localMock.ExpectQuery(`SELECT NOW\(\)`).WillReturnRows(sqlmock.NewRows([]string{"now"}).AddRow(time.Now()))
	localMock.ExpectQuery(`pg_last_wal_receive_lsn`).WillReturnRows(sqlmock.NewRows([]string{"pos"}).AddRow("0/300"))
	localMock.ExpectQuery(`pg_last_wal_replay_lsn`).
		WillReturnRows(sqlmock.NewRows([]string{"pos", "ts"}).AddRow("0/100", time.Now()))
	primaryMock.ExpectQuery(`pg_current_wal_lsn`).WillReturnRows(sqlmock.NewRows([]string{"pos"}).AddRow("0/400"))
	primaryMock.ExpectExec(`INSERT INTO repl_monitor`).WillReturnResult(sqlmock.NewResult(1, 1))

	rc := &supctx.Context{
		Config:        baseConfig(),
		Log:           testLogger(),
		LocalConn:     local,
		PrimaryConn:   primary,
		PrimaryNodeID: 1,
	}

	m := &StandbyMonitor{NodeID: 2}
	require.NoError(t, m.Tick(context.Background(), rc))
	require.NoError(t, primary.WaitIdle(time.Second))
	require.NoError(t, localMock.ExpectationsWereMet())
	require.NoError(t, primaryMock.ExpectationsWereMet())
}

// TestWitnessNeverEntersFailoverCoordinator is spec.md §3/§4.5's
// invariant that the failover coordinator is only ever entered from a
// standby: a witness configured for automatic failover that loses its
// primary connection must still take the locate-new-primary path, not
// failover.Run, even though a standby in the same configuration would
// take the coordinator path.
func TestWitnessNeverEntersFailoverCoordinator(t *testing.T) {
	local, localMock := newMockSession(t)
	deadPrimary, deadPrimaryMock := newMockSession(t)

	localMock.ExpectExec(`SELECT 1`).WillReturnResult(sqlmock.NewResult(0, 0))
	deadPrimaryMock.ExpectExec(`SELECT 1`).WillReturnError(context.DeadlineExceeded)
	localMock.ExpectQuery(`SELECT id, cluster, name, conninfo, priority, witness`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "cluster", "name", "conninfo", "priority", "witness"}))

	cfg := baseConfig()
	cfg.Failover = config.FailoverAutomatic
	cfg.ReconnectAttempts = 1

	rc := &supctx.Context{
		Config:      cfg,
		Log:         testLogger(),
		LocalConn:   local,
		PrimaryConn: deadPrimary,
	}

	m := &WitnessMonitor{NodeID: 3}
	err := m.Tick(context.Background(), rc)
	require.Error(t, err)
	require.Equal(t, rmerror.DbConnection, rmerror.KindOf(err))
	require.Contains(t, err.Error(), "reconnect attempts")
	require.NoError(t, localMock.ExpectationsWereMet())
	require.NoError(t, deadPrimaryMock.ExpectationsWereMet())
}

func TestWitnessTickInsertsMonitorRow(t *testing.T) {
	local, localMock := newMockSession(t)
	primary, primaryMock := newMockSession(t)

	localMock.ExpectExec(`SELECT 1`).WillReturnResult(sqlmock.NewResult(0, 0))
	primaryMock.ExpectExec(`SELECT 1`).WillReturnResult(sqlmock.NewResult(0, 0))
	localMock.ExpectQuery(`SELECT NOW\(\)`).WillReturnRows(sqlmock.NewRows([]string{"now"}).AddRow(time.Now()))
	primaryMock.ExpectQuery(`pg_current_wal_lsn`).WillReturnRows(sqlmock.NewRows([]string{"pos"}).AddRow("0/400"))
	primaryMock.ExpectExec(`INSERT INTO repl_monitor`).WillReturnResult(sqlmock.NewResult(1, 1))

	rc := &supctx.Context{
		Config:        baseConfig(),
		Log:           testLogger(),
		LocalConn:     local,
		PrimaryConn:   primary,
		PrimaryNodeID: 1,
	}

	m := &WitnessMonitor{NodeID: 3}
	require.NoError(t, m.Tick(context.Background(), rc))
	require.NoError(t, primary.WaitIdle(time.Second))
	require.NoError(t, localMock.ExpectationsWereMet())
	require.NoError(t, primaryMock.ExpectationsWereMet())
}
