package dbconn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/block/oscengine/pkg/schema"
	"github.com/block/oscengine/pkg/testutils"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestTableLock(t *testing.T) {
	db, err := New(testutils.DSN(), NewDBConfig())
	assert.NoError(t, err)
	defer db.Close()
	config := NewDBConfig()
	config.LockWaitTimeout = 2

	testutils.RunSQL(t, "DROP TABLE IF EXISTS testlock")
	testutils.RunSQL(t, "CREATE TABLE testlock (id INT NOT NULL PRIMARY KEY, colb int)")

	tbl := &schema.Table{Schema: "test", Name: "testlock"}

	lock1, err := NewTableLock(context.Background(), db, []*schema.Table{tbl}, config, logrus.New())
	assert.NoError(t, err)
	assert.NoError(t, lock1.Close())
}

func TestTableLockFail(t *testing.T) {
	db, err := New(testutils.DSN(), NewDBConfig())
	assert.NoError(t, err)
	defer db.Close()

	config := NewDBConfig()
	config.MaxRetries = 1
	config.LockWaitTimeout = 1

	testutils.RunSQL(t, "DROP TABLE IF EXISTS testlockfail")
	testutils.RunSQL(t, "CREATE TABLE testlockfail (id INT NOT NULL PRIMARY KEY, colb int)")

	// We acquire an exclusive lock first, so the table lock attempt should fail.
	trx, err := db.Begin()
	assert.NoError(t, err)
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		_, lockErr := trx.Exec("LOCK TABLES testlockfail WRITE")
		assert.NoError(t, lockErr)
		wg.Done()
		time.Sleep(5 * time.Second)
		assert.NoError(t, trx.Rollback())
	}()
	wg.Wait()

	tbl := &schema.Table{Schema: "test", Name: "testlockfail"}
	_, err = NewTableLock(context.Background(), db, []*schema.Table{tbl}, config, logrus.New())
	assert.Error(t, err)
}
