package cleanup_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/oscengine/pkg/cleanup"
)

func TestLedgerOrdersTriggersTablesFiles(t *testing.T) {
	l := cleanup.NewLedger()
	l.RegisterFile("/tmp/osc_dump_orders.1")
	l.RegisterTable("testdb", "new_orders")
	l.RegisterTrigger("testdb", "ins_orders")
	l.RegisterTable("testdb", "chg_orders")
	l.RegisterTrigger("testdb", "upd_orders")

	entries := l.Entries()
	require.Len(t, entries, 5)

	var kinds []cleanup.ArtifactKind
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []cleanup.ArtifactKind{
		cleanup.KindTrigger, cleanup.KindTrigger,
		cleanup.KindTable, cleanup.KindTable,
		cleanup.KindFile,
	}, kinds)
}

func TestLedgerForgetRemovesOnlyMatchingEntry(t *testing.T) {
	l := cleanup.NewLedger()
	l.RegisterTable("testdb", "new_orders")
	l.RegisterTable("testdb", "old_orders")

	l.Forget(cleanup.Artifact{Kind: cleanup.KindTable, Schema: "testdb", Name: "new_orders"})

	entries := l.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "old_orders", entries[0].Name)
}

func TestLedgerEmpty(t *testing.T) {
	l := cleanup.NewLedger()
	assert.True(t, l.Empty())
	l.RegisterTrigger("testdb", "ins_orders")
	assert.False(t, l.Empty())
}
