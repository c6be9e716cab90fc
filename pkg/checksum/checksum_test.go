package checksum_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/oscengine/pkg/checksum"
	"github.com/block/oscengine/pkg/dbconn"
	"github.com/block/oscengine/pkg/schema"
	"github.com/block/oscengine/pkg/testutils"
)

func setupChecksumTest(t *testing.T, rows int) (*schema.Table, *schema.Table, *schema.Index) {
	t.Helper()
	testutils.RunSQL(t, "DROP TABLE IF EXISTS checksumtest_old, checksumtest_new")
	testutils.RunSQL(t, `CREATE TABLE checksumtest_old (
		id INT NOT NULL PRIMARY KEY,
		val VARCHAR(32),
		note VARCHAR(32)
	)`)
	testutils.RunSQL(t, `CREATE TABLE checksumtest_new (
		id INT NOT NULL PRIMARY KEY,
		val VARCHAR(32),
		note VARCHAR(32)
	)`)
	for i := 1; i <= rows; i++ {
		stmt := fmt.Sprintf("INSERT INTO %%s (id, val, note) VALUES (%d, 'v%d', NULL)", i, i)
		testutils.RunSQL(t, fmt.Sprintf(stmt, "checksumtest_old"))
		testutils.RunSQL(t, fmt.Sprintf(stmt, "checksumtest_new"))
	}

	tbl := func(name string) *schema.Table {
		return &schema.Table{
			Schema: "test",
			Name:   name,
			Columns: []schema.Column{
				{Name: "id", Type: "int"},
				{Name: "val", Type: "varchar"},
				{Name: "note", Type: "varchar"},
			},
			Indexes: []schema.Index{
				{Name: "PRIMARY", Primary: true, Columns: []schema.IndexColumn{{Name: "id"}}},
			},
		}
	}
	old := tbl("checksumtest_old")
	newTbl := tbl("checksumtest_new")
	filter := &old.Indexes[0]
	return old, newTbl, filter
}

func newChecker(t *testing.T, old, newTbl *schema.Table, filter *schema.Index, cfg *checksum.Config) *checksum.Checker {
	t.Helper()
	db, err := dbconn.New(testutils.DSN(), dbconn.NewDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() { testutils.CloseAndLog(db) })

	c, err := checksum.New(db, old, newTbl, filter, cfg)
	require.NoError(t, err)
	return c
}

func TestNewRejectsNilTables(t *testing.T) {
	_, err := checksum.New(nil, nil, nil, nil, checksum.NewConfig())
	require.Error(t, err)

	old, newTbl, _ := setupChecksumTest(t, 1)
	_, err = checksum.New(nil, old, newTbl, nil, checksum.NewConfig())
	require.Error(t, err)
}

func TestFullTableChecksumMatchesOnIdenticalTables(t *testing.T) {
	old, newTbl, filter := setupChecksumTest(t, 10)
	c := newChecker(t, old, newTbl, filter, checksum.NewConfig())
	require.NoError(t, c.FullTableChecksum(t.Context()))
	assert.Zero(t, c.DifferencesFound())
}

func TestFullTableChecksumDetectsCorruptedRow(t *testing.T) {
	old, newTbl, filter := setupChecksumTest(t, 10)
	testutils.RunSQL(t, "UPDATE checksumtest_new SET val = 'corrupted' WHERE id = 5")

	c := newChecker(t, old, newTbl, filter, checksum.NewConfig())
	err := c.FullTableChecksum(t.Context())
	require.Error(t, err)
	assert.Equal(t, uint64(1), c.DifferencesFound())
}

func TestFullTableChecksumTreatsNullAndEmptyStringAsDifferent(t *testing.T) {
	old, newTbl, filter := setupChecksumTest(t, 1)
	testutils.RunSQL(t, "UPDATE checksumtest_new SET note = '' WHERE id = 1")
	// old.note is NULL, new.note is '' -- these must NOT checksum equal.

	c := newChecker(t, old, newTbl, filter, checksum.NewConfig())
	err := c.FullTableChecksum(t.Context())
	require.Error(t, err)
}

func TestChunkedChecksumWalksMultipleChunks(t *testing.T) {
	old, newTbl, filter := setupChecksumTest(t, 25)
	cfg := checksum.NewConfig()
	cfg.ChunkRows = 7
	c := newChecker(t, old, newTbl, filter, cfg)
	require.NoError(t, c.ChunkedChecksum(t.Context()))
	assert.Zero(t, c.DifferencesFound())
	assert.NotEqual(t, "TBD", c.RecentValue())
}

func TestChunkedChecksumDetectsMismatchInNonFinalChunk(t *testing.T) {
	old, newTbl, filter := setupChecksumTest(t, 25)
	testutils.RunSQL(t, "UPDATE checksumtest_new SET val = 'corrupted' WHERE id = 3")
	cfg := checksum.NewConfig()
	cfg.ChunkRows = 7
	c := newChecker(t, old, newTbl, filter, cfg)
	err := c.ChunkedChecksum(t.Context())
	require.Error(t, err)
	assert.Equal(t, uint64(1), c.DifferencesFound())
}

func TestDeltaChecksumOnlyExaminesChangedKeys(t *testing.T) {
	old, newTbl, filter := setupChecksumTest(t, 10)
	testutils.RunSQL(t, "DROP TABLE IF EXISTS chg_checksumtest")
	testutils.RunSQL(t, `CREATE TABLE chg_checksumtest (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		fk_id INT NOT NULL
	)`)
	testutils.RunSQL(t, "INSERT INTO chg_checksumtest (fk_id) VALUES (5)")

	// Corrupt a row NOT named in the change log -- delta checksum must
	// not notice it, since it only examines rows tied to logged ids.
	testutils.RunSQL(t, "UPDATE checksumtest_new SET val = 'corrupted-but-unlogged' WHERE id = 9")

	c := newChecker(t, old, newTbl, filter, checksum.NewConfig())
	require.NoError(t, c.DeltaChecksum(t.Context(), "chg_checksumtest", 0, 1))
	assert.Zero(t, c.DifferencesFound())

	// Now corrupt the row the change log DOES reference -- must be caught.
	testutils.RunSQL(t, "UPDATE checksumtest_new SET val = 'corrupted-and-logged' WHERE id = 5")
	err := c.DeltaChecksum(t.Context(), "chg_checksumtest", 0, 1)
	require.Error(t, err)
}
