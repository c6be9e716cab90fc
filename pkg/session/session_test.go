package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/block/oscengine/pkg/dbconn"
	"github.com/block/oscengine/pkg/oscerror"
	"github.com/block/oscengine/pkg/session"
	"github.com/block/oscengine/pkg/testutils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAcquireReleaseNamedMutex(t *testing.T) {
	db, err := dbconn.New(testutils.DSN(), dbconn.NewDBConfig())
	require.NoError(t, err)
	defer testutils.CloseAndLog(db)

	cfg := session.NewConfig()
	cfg.NamedMutexRefreshInterval = 50 * time.Millisecond

	ctrl, err := session.New(t.Context(), db, cfg, logrus.New())
	require.NoError(t, err)
	defer ctrl.Close(context.Background())

	require.NoError(t, ctrl.AcquireNamedMutex(t.Context(), "osc_lock_test_session"))

	// A second controller on a different connection must fail to acquire
	// the same mutex, and the error must carry the holder's connection id.
	ctrl2, err := session.New(t.Context(), db, cfg, logrus.New())
	require.NoError(t, err)
	defer ctrl2.Close(context.Background())

	err = ctrl2.AcquireNamedMutex(t.Context(), "osc_lock_test_session")
	require.Error(t, err)
	var mutexErr *oscerror.MutexHeldError
	require.ErrorAs(t, err, &mutexErr)
	assert.Positive(t, mutexErr.HolderConnectionID)

	require.NoError(t, ctrl.ReleaseNamedMutex(t.Context()))

	// Now the second controller should be able to acquire it.
	assert.NoError(t, ctrl2.AcquireNamedMutex(t.Context(), "osc_lock_test_session"))
	assert.NoError(t, ctrl2.ReleaseNamedMutex(t.Context()))
}

func TestDDLGuardSucceedsWhenBelowThreshold(t *testing.T) {
	db, err := dbconn.New(testutils.DSN(), dbconn.NewDBConfig())
	require.NoError(t, err)
	defer testutils.CloseAndLog(db)

	cfg := session.NewConfig()
	cfg.GuardMaxConcurrentStatements = 10000
	cfg.GuardMaxAttempts = 1

	ctrl, err := session.New(t.Context(), db, cfg, logrus.New())
	require.NoError(t, err)
	defer ctrl.Close(context.Background())

	assert.NoError(t, ctrl.DDLGuard(t.Context()))
}

func TestDDLGuardExhausted(t *testing.T) {
	db, err := dbconn.New(testutils.DSN(), dbconn.NewDBConfig())
	require.NoError(t, err)
	defer testutils.CloseAndLog(db)

	cfg := session.NewConfig()
	cfg.GuardMaxConcurrentStatements = 0
	cfg.GuardMaxAttempts = 2
	cfg.GuardPollInterval = time.Millisecond

	ctrl, err := session.New(t.Context(), db, cfg, logrus.New())
	require.NoError(t, err)
	defer ctrl.Close(context.Background())

	err = ctrl.DDLGuard(t.Context())
	require.Error(t, err)
	var typed oscerror.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, oscerror.KindGuardExhausted, typed.Kind())
}

func TestCheckRBRSafety(t *testing.T) {
	db, err := dbconn.New(testutils.DSN(), dbconn.NewDBConfig())
	require.NoError(t, err)
	defer testutils.CloseAndLog(db)

	ctrl, err := session.New(t.Context(), db, session.NewConfig(), logrus.New())
	require.NoError(t, err)
	defer ctrl.Close(context.Background())

	// This session's own init() sets sql_log_bin=0, so regardless of the
	// server's binlog_format, the check must either pass (non-ROW format)
	// or pass because sql_log_bin is already disabled for this session.
	assert.NoError(t, ctrl.CheckRBRSafety(t.Context()))
}
