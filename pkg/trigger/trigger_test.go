package trigger_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/oscengine/pkg/cleanup"
	"github.com/block/oscengine/pkg/dbconn"
	"github.com/block/oscengine/pkg/ident"
	"github.com/block/oscengine/pkg/schema"
	"github.com/block/oscengine/pkg/testutils"
	"github.com/block/oscengine/pkg/trigger"
)

func setupTriggerTest(t *testing.T) (*schema.Table, ident.Names) {
	t.Helper()
	testutils.RunSQL(t, "DROP TABLE IF EXISTS ins_triggertest, upd_triggertest, del_triggertest, chg_triggertest, triggertest")
	testutils.RunSQL(t, `CREATE TABLE triggertest (
		id INT NOT NULL,
		pk2 INT NOT NULL,
		val VARCHAR(32),
		PRIMARY KEY (id, pk2)
	)`)
	testutils.RunSQL(t, `CREATE TABLE chg_triggertest (
		seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		dml_type INT NOT NULL,
		id INT NOT NULL,
		pk2 INT NOT NULL,
		val VARCHAR(32)
	)`)

	tbl := &schema.Table{
		Schema: "test",
		Name:   "triggertest",
		Columns: []schema.Column{
			{Name: "id", Type: "int"},
			{Name: "pk2", Type: "int"},
			{Name: "val", Type: "varchar"},
		},
		Indexes: []schema.Index{
			{Name: "PRIMARY", Primary: true, Columns: []schema.IndexColumn{{Name: "id"}, {Name: "pk2"}}},
		},
	}
	names := ident.Names{
		ChangeLog:  "chg_triggertest",
		InsertTrig: "ins_triggertest",
		UpdateTrig: "upd_triggertest",
		DeleteTrig: "del_triggertest",
	}
	return tbl, names
}

func newInstaller(t *testing.T, tbl *schema.Table, names ident.Names) (*trigger.Installer, *cleanup.Ledger) {
	t.Helper()
	db, err := dbconn.New(testutils.DSN(), dbconn.NewDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() { testutils.CloseAndLog(db) })

	conn, err := db.Conn(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ledger := cleanup.NewLedger()
	filter := tbl.PrimaryKey()
	installer := trigger.New(conn, tbl, names, filter, trigger.NewConfig(), ledger, logrus.New())
	return installer, ledger
}

func TestInstallCreatesAllThreeTriggersAndRegistersLedger(t *testing.T) {
	tbl, names := setupTriggerTest(t)
	installer, ledger := newInstaller(t, tbl, names)

	require.NoError(t, installer.CheckNoExistingTriggers(t.Context()))
	require.NoError(t, installer.Install(t.Context()))

	entries := ledger.Entries()
	require.Len(t, entries, 3)
	var names_ []string
	for _, e := range entries {
		names_ = append(names_, e.Name)
	}
	assert.ElementsMatch(t, []string{"ins_triggertest", "upd_triggertest", "del_triggertest"}, names_)
}

func TestTriggersCaptureInsertUpdateDelete(t *testing.T) {
	tbl, names := setupTriggerTest(t)
	installer, _ := newInstaller(t, tbl, names)
	require.NoError(t, installer.Install(t.Context()))

	testutils.RunSQL(t, "INSERT INTO triggertest (id, pk2, val) VALUES (1, 1, 'a')")
	testutils.RunSQL(t, "UPDATE triggertest SET val = 'b' WHERE id = 1 AND pk2 = 1")       // key unchanged -> single UPDATE row
	testutils.RunSQL(t, "UPDATE triggertest SET id = 2 WHERE id = 1 AND pk2 = 1")          // key changed -> DELETE + INSERT rows
	testutils.RunSQL(t, "DELETE FROM triggertest WHERE id = 2 AND pk2 = 1")

	db, err := dbconn.New(testutils.DSN(), dbconn.NewDBConfig())
	require.NoError(t, err)
	defer testutils.CloseAndLog(db)

	rows, err := db.QueryContext(t.Context(), "SELECT dml_type, id, pk2, val FROM chg_triggertest ORDER BY seq")
	require.NoError(t, err)
	defer rows.Close()

	type row struct {
		dmlType  int
		id, pk2  int
		val      string
	}
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.dmlType, &r.id, &r.pk2, &r.val))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())

	require.Len(t, got, 5)
	assert.Equal(t, trigger.DMLInsert, got[0].dmlType)
	assert.Equal(t, trigger.DMLUpdate, got[1].dmlType) // key-unchanged update collapses to one row
	assert.Equal(t, trigger.DMLDelete, got[2].dmlType) // key-changed update's delete half
	assert.Equal(t, trigger.DMLInsert, got[3].dmlType) // key-changed update's insert half
	assert.Equal(t, 2, got[3].id)
	assert.Equal(t, trigger.DMLDelete, got[4].dmlType) // the final DELETE
}

func TestCheckNoExistingTriggersFailsWhenTriggerPreExists(t *testing.T) {
	tbl, names := setupTriggerTest(t)
	testutils.RunSQL(t, "CREATE TRIGGER some_other_trigger AFTER INSERT ON triggertest FOR EACH ROW SET @x = 1")
	installer, _ := newInstaller(t, tbl, names)

	err := installer.CheckNoExistingTriggers(t.Context())
	require.Error(t, err)
}
