package schema_test

import (
	"testing"

	"github.com/block/oscengine/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTable() *schema.Table {
	return &schema.Table{
		Schema: "testdb",
		Name:   "orders",
		Columns: []schema.Column{
			{Name: "id", Type: "int"},
			{Name: "customer_id", Type: "int"},
			{Name: "status", Type: "varchar(16)"},
			{Name: "notes", Type: "text"},
		},
		Indexes: []schema.Index{
			{Name: "PRIMARY", Primary: true, Columns: []schema.IndexColumn{{Name: "id"}}},
			{Name: "idx_customer", Columns: []schema.IndexColumn{{Name: "customer_id"}}},
		},
	}
}

func TestChooseFilterKeyPrefersPrimary(t *testing.T) {
	tbl := sampleTable()
	key := tbl.ChooseFilterKey()
	require.NotNil(t, key)
	assert.True(t, key.Primary)
	assert.Equal(t, []string{"id"}, key.ColumnNames())
}

func TestChooseFilterKeyFallsBackToUnique(t *testing.T) {
	tbl := sampleTable()
	tbl.Indexes = []schema.Index{
		{Name: "uq_customer", Unique: true, Columns: []schema.IndexColumn{{Name: "customer_id"}}},
	}
	key := tbl.ChooseFilterKey()
	require.NotNil(t, key)
	assert.Equal(t, "uq_customer", key.Name)
}

func TestChooseFilterKeyNoneAvailable(t *testing.T) {
	tbl := sampleTable()
	tbl.Indexes = []schema.Index{
		{Name: "idx_customer", Columns: []schema.IndexColumn{{Name: "customer_id"}}},
	}
	assert.Nil(t, tbl.ChooseFilterKey())
}

func TestChooseFilterKeyIgnoresPrefixedPrimary(t *testing.T) {
	tbl := sampleTable()
	tbl.Indexes[0].Columns[0].Prefix = 10
	assert.Nil(t, tbl.ChooseFilterKey())
}

func TestForeignKeysReferencing(t *testing.T) {
	tbl := sampleTable()
	tbl.ForeignKeys = []schema.ForeignKey{
		{Name: "fk_customer", Columns: []string{"customer_id"}, RefTable: "customers", RefColumns: []string{"id"}},
	}
	fks := tbl.ForeignKeysReferencing("customers")
	require.Len(t, fks, 1)
	assert.Equal(t, "fk_customer", fks[0].Name)
	assert.Empty(t, tbl.ForeignKeysReferencing("other"))
}

func TestQuotedNameAndColumns(t *testing.T) {
	tbl := sampleTable()
	assert.Equal(t, "`testdb`.`orders`", tbl.QuotedName())
	assert.Equal(t, "`id`, `customer_id`", schema.QuoteColumns([]string{"id", "customer_id"}))
}

func TestAlterContainsUnsupportedClause(t *testing.T) {
	err := schema.AlterContainsUnsupportedClause("ALTER TABLE orders ADD COLUMN b INT, ALGORITHM=INPLACE")
	assert.ErrorContains(t, err, "ALGORITHM=")

	err = schema.AlterContainsUnsupportedClause("ALTER TABLE orders ADD COLUMN b INT")
	assert.NoError(t, err)
}

func TestAlterContainsAddForeignKey(t *testing.T) {
	err := schema.AlterContainsAddForeignKey(
		"ALTER TABLE orders ADD CONSTRAINT fk_c FOREIGN KEY (customer_id) REFERENCES customers(id)")
	assert.Error(t, err)

	err = schema.AlterContainsAddForeignKey("ALTER TABLE orders ADD COLUMN b INT")
	assert.NoError(t, err)
}

func TestAlterContainsIndexVisibility(t *testing.T) {
	err := schema.AlterContainsIndexVisibility("ALTER TABLE orders ALTER INDEX idx_customer INVISIBLE")
	assert.Error(t, err)

	err = schema.AlterContainsIndexVisibility("ALTER TABLE orders ADD COLUMN b INT")
	assert.NoError(t, err)
}

func TestHasColumnAndCoversColumns(t *testing.T) {
	tbl := sampleTable()
	assert.True(t, tbl.HasColumn("status"))
	assert.False(t, tbl.HasColumn("missing"))

	pk := tbl.PrimaryKey()
	require.NotNil(t, pk)
	assert.True(t, tbl.CoversColumns(*pk, []string{"id"}))
	assert.False(t, tbl.CoversColumns(*pk, []string{"id", "customer_id"}))
}
