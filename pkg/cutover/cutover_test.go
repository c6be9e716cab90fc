package cutover_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/oscengine/pkg/cutover"
	"github.com/block/oscengine/pkg/dbconn"
	"github.com/block/oscengine/pkg/ident"
	"github.com/block/oscengine/pkg/replay"
	"github.com/block/oscengine/pkg/schema"
	"github.com/block/oscengine/pkg/testutils"
	"github.com/block/oscengine/pkg/trigger"
)

func noOpFetch(context.Context, int64, int64) ([]replay.Row, error) { return nil, nil }
func noOpFetchByIDs(context.Context, []int64) ([]replay.Row, error) { return nil, nil }

func tbl(name, pk string) *schema.Table {
	return &schema.Table{
		Schema: "test",
		Name:   name,
		Columns: []schema.Column{
			{Name: pk, Type: "int"},
			{Name: "val", Type: "varchar(32)"},
		},
		Indexes: []schema.Index{
			{Name: "PRIMARY", Primary: true, Unique: true, Columns: []schema.IndexColumn{{Name: pk}}},
		},
	}
}

// TestRunRenamesShadowOverOriginal exercises the happy path: lock both
// tables, apply an (empty) final replay pass, and perform the atomic
// multi-table rename, leaving the original's data under the "old" name
// and the shadow promoted to the original's name.
func TestRunRenamesShadowOverOriginal(t *testing.T) {
	testutils.RunSQL(t, "DROP TABLE IF EXISTS cutovertest, new_cutovertest, old_cutovertest")
	testutils.RunSQL(t, "CREATE TABLE cutovertest (id INT NOT NULL PRIMARY KEY, val VARCHAR(32))")
	testutils.RunSQL(t, "CREATE TABLE new_cutovertest (id INT NOT NULL PRIMARY KEY, val VARCHAR(32))")
	testutils.RunSQL(t, "INSERT INTO cutovertest VALUES (1, 'old-data')")
	testutils.RunSQL(t, "INSERT INTO new_cutovertest VALUES (1, 'new-data')")

	db, err := dbconn.New(testutils.DSN(), dbconn.NewDBConfig())
	require.NoError(t, err)
	defer testutils.CloseAndLog(db)

	original := tbl("cutovertest", "id")
	shadow := tbl("new_cutovertest", "id")
	names := ident.Names{Old: "old_cutovertest"}

	engine := replay.New(noOpFetch, noOpFetchByIDs, shadow, "nonexistent_changelog",
		original.PrimaryKey(), []string{"val"}, replay.NewConfig(), logrus.New(), 0)
	maxID := func(context.Context) (int64, error) { return 0, nil }

	cut, err := cutover.New(db, original, shadow, names, nil, engine, maxID,
		dbconn.NewDBConfig(), cutover.NewConfig(), logrus.New())
	require.NoError(t, err)

	require.NoError(t, cut.Run(t.Context()))

	var val string
	require.NoError(t, db.QueryRowContext(t.Context(), "SELECT val FROM cutovertest WHERE id = 1").Scan(&val))
	assert.Equal(t, "new-data", val)

	require.NoError(t, db.QueryRowContext(t.Context(), "SELECT val FROM old_cutovertest WHERE id = 1").Scan(&val))
	assert.Equal(t, "old-data", val)
}

// TestRunFallsBackToTwoStepRenameWhenAtomicUnsupported exercises the
// ALTER TABLE RENAME fallback path for servers without MySQL 8.0.13's
// multi-table-rename-under-lock support.
func TestRunFallsBackToTwoStepRenameWhenAtomicUnsupported(t *testing.T) {
	testutils.RunSQL(t, "DROP TABLE IF EXISTS cutovertest2, new_cutovertest2, old_cutovertest2")
	testutils.RunSQL(t, "CREATE TABLE cutovertest2 (id INT NOT NULL PRIMARY KEY, val VARCHAR(32))")
	testutils.RunSQL(t, "CREATE TABLE new_cutovertest2 (id INT NOT NULL PRIMARY KEY, val VARCHAR(32))")
	testutils.RunSQL(t, "INSERT INTO cutovertest2 VALUES (1, 'old-data')")
	testutils.RunSQL(t, "INSERT INTO new_cutovertest2 VALUES (1, 'new-data')")

	db, err := dbconn.New(testutils.DSN(), dbconn.NewDBConfig())
	require.NoError(t, err)
	defer testutils.CloseAndLog(db)

	original := tbl("cutovertest2", "id")
	shadow := tbl("new_cutovertest2", "id")
	names := ident.Names{Old: "old_cutovertest2"}

	engine := replay.New(noOpFetch, noOpFetchByIDs, shadow, "nonexistent_changelog",
		original.PrimaryKey(), []string{"val"}, replay.NewConfig(), logrus.New(), 0)
	maxID := func(context.Context) (int64, error) { return 0, nil }

	cfg := cutover.NewConfig()
	cfg.SupportsAtomicRename = false
	cut, err := cutover.New(db, original, shadow, names, nil, engine, maxID,
		dbconn.NewDBConfig(), cfg, logrus.New())
	require.NoError(t, err)

	require.NoError(t, cut.Run(t.Context()))

	var val string
	require.NoError(t, db.QueryRowContext(t.Context(), "SELECT val FROM cutovertest2 WHERE id = 1").Scan(&val))
	assert.Equal(t, "new-data", val)
}

// TestRunAppliesPendingChangeLogRowsDuringPreLockCatchUp exercises the
// best-effort pre-lock pass with a genuine pending change-log row, the
// case the prior nil-Exec catch-up pass would panic on as soon as there
// was anything to apply.
func TestRunAppliesPendingChangeLogRowsDuringPreLockCatchUp(t *testing.T) {
	testutils.RunSQL(t, "DROP TABLE IF EXISTS cutovertest3, new_cutovertest3, old_cutovertest3, chg_cutovertest3")
	testutils.RunSQL(t, "CREATE TABLE cutovertest3 (rkey INT NOT NULL PRIMARY KEY, val VARCHAR(32))")
	testutils.RunSQL(t, "CREATE TABLE new_cutovertest3 (rkey INT NOT NULL PRIMARY KEY, val VARCHAR(32))")
	testutils.RunSQL(t, `CREATE TABLE chg_cutovertest3 (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		dml_type INT NOT NULL,
		rkey INT NOT NULL,
		val VARCHAR(32) NOT NULL
	)`)
	testutils.RunSQL(t, "INSERT INTO cutovertest3 VALUES (1, 'old-data')")
	testutils.RunSQL(t, "INSERT INTO new_cutovertest3 VALUES (1, 'old-data')")
	// A write captured by the insert/update trigger before the lock is
	// acquired -- exactly the pending range the pre-lock pass exists to
	// drain ahead of the bounded final pass under lock.
	testutils.RunSQL(t, fmt.Sprintf(
		"INSERT INTO chg_cutovertest3 (dml_type, rkey, val) VALUES (%d, 1, 'caught-up-data')", trigger.DMLUpdate))

	db, err := dbconn.New(testutils.DSN(), dbconn.NewDBConfig())
	require.NoError(t, err)
	defer testutils.CloseAndLog(db)

	original := tbl("cutovertest3", "rkey")
	shadow := tbl("new_cutovertest3", "rkey")
	names := ident.Names{Old: "old_cutovertest3"}

	fetch := func(ctx context.Context, sinceID, upToID int64) ([]replay.Row, error) {
		rows, err := db.QueryContext(ctx,
			"SELECT id, dml_type, rkey FROM chg_cutovertest3 WHERE id > ? AND id <= ? ORDER BY id", sinceID, upToID)
		if err != nil {
			return nil, err
		}
		return scanTestChangeLogRows(rows)
	}
	fetchByIDs := func(ctx context.Context, ids []int64) ([]replay.Row, error) {
		if len(ids) == 0 {
			return nil, nil
		}
		rows, err := db.QueryContext(ctx, "SELECT id, dml_type, rkey FROM chg_cutovertest3 WHERE id = ?", ids[0])
		if err != nil {
			return nil, err
		}
		return scanTestChangeLogRows(rows)
	}

	engine := replay.New(fetch, fetchByIDs, shadow, "chg_cutovertest3",
		original.PrimaryKey(), []string{"val"}, replay.NewConfig(), logrus.New(), 0)
	maxID := func(ctx context.Context) (int64, error) {
		var id int64
		err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM chg_cutovertest3").Scan(&id)
		return id, err
	}

	cut, err := cutover.New(db, original, shadow, names, nil, engine, maxID,
		dbconn.NewDBConfig(), cutover.NewConfig(), logrus.New())
	require.NoError(t, err)
	require.NoError(t, cut.Run(t.Context()))

	var val string
	require.NoError(t, db.QueryRowContext(t.Context(), "SELECT val FROM cutovertest3 WHERE rkey = 1").Scan(&val))
	assert.Equal(t, "caught-up-data", val, "the pre-lock pass should have applied the pending update, not panicked on a nil Exec")
}

func scanTestChangeLogRows(rows *sql.Rows) ([]replay.Row, error) {
	defer rows.Close()
	var out []replay.Row
	for rows.Next() {
		var id int64
		var dmlType int
		var rkey int
		if err := rows.Scan(&id, &dmlType, &rkey); err != nil {
			return nil, err
		}
		out = append(out, replay.Row{ID: id, DMLType: dmlType, FilterValues: []any{rkey}})
	}
	return out, rows.Err()
}

// TestNewRejectsNilTables exercises the constructor's argument guard.
func TestNewRejectsNilTables(t *testing.T) {
	_, err := cutover.New(nil, nil, nil, ident.Names{}, nil, nil, nil, nil, nil, logrus.New())
	assert.Error(t, err)
}
