package supervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/repmgr-org/repmgr/internal/config"
	"github.com/repmgr-org/repmgr/internal/dbsession"
	"github.com/repmgr-org/repmgr/internal/rmerror"
	"github.com/repmgr-org/repmgr/internal/roledetect"
	"github.com/repmgr-org/repmgr/internal/supctx"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

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

func TestEnsureNodeRecordAutoInsertsPriorityZero(t *testing.T) {
	local, mock := newMockSession(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM repl_nodes`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO repl_nodes`).
		WithArgs(2, "c1", "n2", "host=self", 0, false).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rc := &supctx.Context{
		Config:    config.Config{Cluster: "c1", Node: 2, NodeName: "n2", Conninfo: "host=self", Priority: 100},
		Log:       testLogger(),
		LocalConn: local,
	}

	require.NoError(t, ensureNodeRecord(context.Background(), rc, false))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureNodeRecordWitnessMustPreexist(t *testing.T) {
	local, mock := newMockSession(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM repl_nodes`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	rc := &supctx.Context{
		Config:    config.Config{Cluster: "c1", Node: 3, NodeName: "witness", Conninfo: "host=w"},
		Log:       testLogger(),
		LocalConn: local,
	}

	err := ensureNodeRecord(context.Background(), rc, true)
	require.Error(t, err)
	require.Equal(t, rmerror.BadConfig, rmerror.KindOf(err))
}

func TestEnsureNodeRecordSkipsExisting(t *testing.T) {
	local, mock := newMockSession(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM repl_nodes`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	rc := &supctx.Context{
		Config:    config.Config{Cluster: "c1", Node: 2, NodeName: "n2", Conninfo: "host=self"},
		Log:       testLogger(),
		LocalConn: local,
	}

	require.NoError(t, ensureNodeRecord(context.Background(), rc, false))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPrimaryTickLocalConnectionLost(t *testing.T) {
	local, mock := newMockSession(t)
	mock.ExpectExec(`SELECT 1`).WillReturnError(context.DeadlineExceeded)

	rc := &supctx.Context{
		Config: config.Config{
			Cluster: "c1", MasterResponseTimeout: time.Second,
			ReconnectAttempts: 1, ReconnectInterval: time.Millisecond,
		},
		Log:       testLogger(),
		LocalConn: local,
	}

	err := primaryTick(context.Background(), rc)
	require.Error(t, err)
	require.Equal(t, rmerror.DbConnection, rmerror.KindOf(err))
}

func TestPrimaryTickSucceeds(t *testing.T) {
	local, mock := newMockSession(t)
	mock.ExpectExec(`SELECT 1`).WillReturnResult(sqlmock.NewResult(0, 0))

	rc := &supctx.Context{
		Config: config.Config{
			Cluster: "c1", MasterResponseTimeout: time.Second,
			ReconnectAttempts: 1, ReconnectInterval: time.Millisecond,
		},
		Log:       testLogger(),
		LocalConn: local,
	}

	require.NoError(t, primaryTick(context.Background(), rc))
}

// TestReloadReopensSessionOnConninfoChange is spec.md §8 scenario 6: the
// operator rewrites conninfo and the daemon reloads; the old session is
// closed, a new one opened against the new string, and the node's
// repl_nodes row is re-published with it.
func TestReloadReopensSessionOnConninfoChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repmgr.conf")
	require.NoError(t, os.WriteFile(path, []byte(
		"cluster=c1\nnode=2\nnode_name=n2\nconninfo=host=new\n",
	), 0644))

	oldLocal, _ := newMockSession(t)

	newLocal, newMock := newMockSession(t)
	newMock.ExpectExec(`INSERT INTO repl_nodes`).
		WithArgs(2, "c1", "n2", "host=new", 100, false).
		WillReturnResult(sqlmock.NewResult(1, 1))

	prevOpenDirect := openDirect
	var dialedConninfo string
	openDirect = func(ctx context.Context, conninfo, cluster string) (*dbsession.Session, error) {
		dialedConninfo = conninfo
		return newLocal, nil
	}
	t.Cleanup(func() { openDirect = prevOpenDirect })

	rc := &supctx.Context{
		Config: config.Config{
			Cluster: "c1", Node: 2, NodeName: "n2", Conninfo: "host=old",
			ConfigFile: path, Priority: 100,
		},
		Log:       testLogger(),
		LocalConn: oldLocal,
		Role:      roledetect.Standby,
	}

	require.NoError(t, reload(context.Background(), rc))

	require.Equal(t, "host=new", dialedConninfo)
	require.Equal(t, "host=new", rc.Config.Conninfo)
	require.Same(t, newLocal, rc.LocalConn)
	require.NoError(t, newMock.ExpectationsWereMet())
}

// TestReloadNoopWithoutConninfoChange confirms a SIGHUP that does not
// touch conninfo leaves the existing session alone.
func TestReloadNoopWithoutConninfoChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repmgr.conf")
	require.NoError(t, os.WriteFile(path, []byte(
		"cluster=c1\nnode=2\nnode_name=n2\nconninfo=host=same\n",
	), 0644))

	local, _ := newMockSession(t)

	prevOpenDirect := openDirect
	openDirect = func(ctx context.Context, conninfo, cluster string) (*dbsession.Session, error) {
		t.Fatal("openDirect should not be called when conninfo is unchanged")
		return nil, nil
	}
	t.Cleanup(func() { openDirect = prevOpenDirect })

	rc := &supctx.Context{
		Config: config.Config{
			Cluster: "c1", Node: 2, NodeName: "n2", Conninfo: "host=same", ConfigFile: path,
		},
		Log:       testLogger(),
		LocalConn: local,
	}

	require.NoError(t, reload(context.Background(), rc))
	require.Same(t, local, rc.LocalConn)
}
