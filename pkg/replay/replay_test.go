package replay_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/oscengine/pkg/replay"
	"github.com/block/oscengine/pkg/schema"
	"github.com/block/oscengine/pkg/trigger"
)

func TestGroupRowsGroupsConsecutiveSameType(t *testing.T) {
	rows := []replay.Row{
		{ID: 1, DMLType: trigger.DMLInsert, FilterValues: []any{1}},
		{ID: 2, DMLType: trigger.DMLInsert, FilterValues: []any{2}},
		{ID: 3, DMLType: trigger.DMLDelete, FilterValues: []any{3}},
	}
	groups := replay.GroupRows(rows, 100, false)
	require.Len(t, groups, 2)
	assert.Equal(t, trigger.DMLInsert, groups[0].DMLType)
	assert.Equal(t, []int64{1, 2}, groups[0].IDs)
	assert.Equal(t, trigger.DMLDelete, groups[1].DMLType)
	assert.Equal(t, []int64{3}, groups[1].IDs)
}

func TestGroupRowsNeverBatchesUpdatesByDefault(t *testing.T) {
	rows := []replay.Row{
		{ID: 1, DMLType: trigger.DMLUpdate, FilterValues: []any{1}},
		{ID: 2, DMLType: trigger.DMLUpdate, FilterValues: []any{2}},
	}
	groups := replay.GroupRows(rows, 100, false)
	require.Len(t, groups, 2)
	assert.Equal(t, []int64{1}, groups[0].IDs)
	assert.Equal(t, []int64{2}, groups[1].IDs)
}

func TestGroupRowsBatchedUpdatesSplitsOnKeyCollision(t *testing.T) {
	rows := []replay.Row{
		{ID: 1, DMLType: trigger.DMLUpdate, FilterValues: []any{1}},
		{ID: 2, DMLType: trigger.DMLUpdate, FilterValues: []any{2}},
		{ID: 3, DMLType: trigger.DMLUpdate, FilterValues: []any{1}}, // collides with id 1's key
	}
	groups := replay.GroupRows(rows, 100, true)
	require.Len(t, groups, 2)
	assert.Equal(t, []int64{1, 2}, groups[0].IDs)
	assert.Equal(t, []int64{3}, groups[1].IDs)
}

func TestGroupRowsRespectsGroupSize(t *testing.T) {
	rows := []replay.Row{
		{ID: 1, DMLType: trigger.DMLInsert, FilterValues: []any{1}},
		{ID: 2, DMLType: trigger.DMLInsert, FilterValues: []any{2}},
		{ID: 3, DMLType: trigger.DMLInsert, FilterValues: []any{3}},
	}
	groups := replay.GroupRows(rows, 2, false)
	require.Len(t, groups, 2)
	assert.Equal(t, []int64{1, 2}, groups[0].IDs)
	assert.Equal(t, []int64{3}, groups[1].IDs)
}

type fakeExec struct {
	statements []string
	affected   int64
	err        error
}

func (f *fakeExec) ExecContext(_ context.Context, query string, _ ...any) (int64, error) {
	f.statements = append(f.statements, query)
	if f.err != nil {
		return 0, f.err
	}
	return f.affected, nil
}

func testTable() *schema.Table {
	return &schema.Table{Schema: "test", Name: "new_orders"}
}

func TestExecuteGroupDeleteBuildsJoinAndChecksAffectedRows(t *testing.T) {
	tbl := testTable()
	filter := &schema.Index{Primary: true, Columns: []schema.IndexColumn{{Name: "id"}}}
	engine := replay.New(nil, nil, tbl, "chg_orders", filter, []string{"val"}, replay.NewConfig(), logrus.New(), 0)

	exec := &fakeExec{affected: 2}
	err := engine.ExecuteGroup(t.Context(), exec, replay.Group{DMLType: trigger.DMLDelete, IDs: []int64{1, 2}})
	require.NoError(t, err)
	require.Len(t, exec.statements, 1)
	assert.Contains(t, exec.statements[0], "DELETE")
	assert.Contains(t, exec.statements[0], "JOIN")
}

func TestExecuteGroupDeleteMismatchedAffectedRowsFails(t *testing.T) {
	tbl := testTable()
	filter := &schema.Index{Primary: true, Columns: []schema.IndexColumn{{Name: "id"}}}
	engine := replay.New(nil, nil, tbl, "chg_orders", filter, []string{"val"}, replay.NewConfig(), logrus.New(), 0)

	exec := &fakeExec{affected: 1} // expected 2
	err := engine.ExecuteGroup(t.Context(), exec, replay.Group{DMLType: trigger.DMLDelete, IDs: []int64{1, 2}})
	require.Error(t, err)
}

func TestExecuteGroupUpdateDoesNotAssertAffectedRows(t *testing.T) {
	tbl := testTable()
	filter := &schema.Index{Primary: true, Columns: []schema.IndexColumn{{Name: "id"}}}
	engine := replay.New(nil, nil, tbl, "chg_orders", filter, []string{"val"}, replay.NewConfig(), logrus.New(), 0)

	exec := &fakeExec{affected: 0} // already converged; zero rows changed is fine
	err := engine.ExecuteGroup(t.Context(), exec, replay.Group{DMLType: trigger.DMLUpdate, IDs: []int64{1}})
	require.NoError(t, err)
}

func TestConvergenceLoopStopsOnceFastEnough(t *testing.T) {
	tbl := testTable()
	filter := &schema.Index{Primary: true, Columns: []schema.IndexColumn{{Name: "id"}}}
	cfg := replay.NewConfig()
	cfg.ConvergenceTarget = time.Hour // always "fast enough"

	fetchCalls := 0
	fetch := func(ctx context.Context, since, upTo int64) ([]replay.Row, error) {
		fetchCalls++
		return nil, nil
	}
	fetchByIDs := func(ctx context.Context, ids []int64) ([]replay.Row, error) { return nil, nil }
	engine := replay.New(fetch, fetchByIDs, tbl, "chg_orders", filter, []string{"val"}, cfg, logrus.New(), 0)

	exec := &fakeExec{}
	maxID := func(ctx context.Context) (int64, error) { return 10, nil }
	require.NoError(t, engine.ConvergenceLoop(t.Context(), maxID, exec))
	assert.Equal(t, 1, fetchCalls)
}

// TestRunPassReprobesHolesWithoutRefetchingScannedRange exercises RunPass's
// dual-fetch composition with a genuine hole: a change-log row (id 3) that
// committed after the window containing ids 4 and 5 was scanned, the
// classic out-of-order auto-increment commit spec.md's SeenSet models.
// Before a pass re-probes that hole, the main range fetch must not
// re-request ids already covered by an earlier pass, or the duplicated
// rows would flow into the same group and trip ExecuteGroup's
// affected-rows assertion.
func TestRunPassReprobesHolesWithoutRefetchingScannedRange(t *testing.T) {
	tbl := testTable()
	filter := &schema.Index{Primary: true, Columns: []schema.IndexColumn{{Name: "id"}}}
	cfg := replay.NewConfig()

	rows := map[int64]replay.Row{
		1: {ID: 1, DMLType: trigger.DMLInsert, FilterValues: []any{1}},
		2: {ID: 2, DMLType: trigger.DMLInsert, FilterValues: []any{2}},
		4: {ID: 4, DMLType: trigger.DMLInsert, FilterValues: []any{4}},
		5: {ID: 5, DMLType: trigger.DMLInsert, FilterValues: []any{5}},
	}

	var fetchRanges [][2]int64
	fetch := func(_ context.Context, since, upTo int64) ([]replay.Row, error) {
		fetchRanges = append(fetchRanges, [2]int64{since, upTo})
		var out []replay.Row
		for id := since + 1; id <= upTo; id++ {
			if r, ok := rows[id]; ok {
				out = append(out, r)
			}
		}
		return out, nil
	}
	var holeCalls [][]int64
	fetchByIDs := func(_ context.Context, ids []int64) ([]replay.Row, error) {
		holeCalls = append(holeCalls, append([]int64{}, ids...))
		var out []replay.Row
		for _, id := range ids {
			if r, ok := rows[id]; ok {
				out = append(out, r)
			}
		}
		return out, nil
	}

	engine := replay.New(fetch, fetchByIDs, tbl, "chg_orders", filter, []string{"val"}, cfg, logrus.New(), 0)

	stats, err := engine.RunPass(t.Context(), 5, &fakeExec{affected: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, stats.RowsFetched, "first pass sees ids 1,2,4,5 -- id 3 has not committed yet")
	assert.Equal(t, int64(2), engine.LastAppliedID(t.Context()), "contiguous bound stops at the id-3 gap")
	assert.Empty(t, holeCalls, "nothing below the scanned watermark is missing yet")

	// id 3 commits late, becoming visible between passes.
	rows[3] = replay.Row{ID: 3, DMLType: trigger.DMLInsert, FilterValues: []any{3}}

	stats2, err := engine.RunPass(t.Context(), 5, &fakeExec{affected: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, stats2.RowsFetched, "only the id-3 hole should be fetched -- ids 4 and 5 must not be re-fetched by range")
	require.Len(t, holeCalls, 1)
	assert.Equal(t, []int64{3}, holeCalls[0])
	require.Len(t, fetchRanges, 1, "upToID did not advance, so the main fetch has nothing new to scan")
	assert.Equal(t, int64(5), engine.LastAppliedID(t.Context()), "the hole's application closes the gap")
}

func TestConvergenceLoopExhaustsAttemptBudget(t *testing.T) {
	tbl := testTable()
	filter := &schema.Index{Primary: true, Columns: []schema.IndexColumn{{Name: "id"}}}
	cfg := replay.NewConfig()
	cfg.ConvergenceTarget = -1 // never "fast enough"
	cfg.MaxAttempts = 3

	fetch := func(ctx context.Context, since, upTo int64) ([]replay.Row, error) { return nil, nil }
	fetchByIDs := func(ctx context.Context, ids []int64) ([]replay.Row, error) { return nil, nil }
	engine := replay.New(fetch, fetchByIDs, tbl, "chg_orders", filter, []string{"val"}, cfg, logrus.New(), 0)

	exec := &fakeExec{}
	maxID := func(ctx context.Context) (int64, error) { return 10, nil }
	err := engine.ConvergenceLoop(t.Context(), maxID, exec)
	require.Error(t, err)
}
