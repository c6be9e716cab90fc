// Package checksum implements the Checksum Engine: it verifies the
// shadow table is equivalent to the original at a chosen consistency
// point, via full-table, chunked, and delta column-wise aggregate
// comparisons.
package checksum

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/block/oscengine/pkg/dump"
	"github.com/block/oscengine/pkg/ident"
	"github.com/block/oscengine/pkg/oscerror"
	"github.com/block/oscengine/pkg/schema"
)

// Config configures the Checksum Engine.
type Config struct {
	// ChunkRows is the target row count per chunk for the chunked
	// checksum; forced odd (see chunkBoundary) so an even-count XOR
	// collapse to zero cannot be mistaken for a match.
	ChunkRows int64
	// FixDifferences, if set, is advisory only here -- the Checksum
	// Engine never mutates N itself; the Orchestrator decides whether a
	// mismatch triggers a re-replay-and-recheck instead of failing.
	FixDifferences bool
}

// NewConfig returns the Checksum Engine's defaults.
func NewConfig() *Config {
	return &Config{ChunkRows: 10001} // odd by construction
}

// Checker compares original against shadow.
type Checker struct {
	db        *sql.DB
	original  *schema.Table
	shadow    *schema.Table
	filterKey *schema.Index
	config    *Config

	differencesFound uint64
	recentValue      string
}

// New constructs a Checker. Returns an error if either table is nil or
// filterKey is nil, mirroring the teacher's own constructor validation.
func New(db *sql.DB, original, shadow *schema.Table, filterKey *schema.Index, config *Config) (*Checker, error) {
	if original == nil || shadow == nil {
		return nil, fmt.Errorf("checksum: original and shadow tables must both be non-nil")
	}
	if filterKey == nil {
		return nil, fmt.Errorf("checksum: filterKey must be non-nil")
	}
	return &Checker{db: db, original: original, shadow: shadow, filterKey: filterKey, config: config, recentValue: "TBD"}, nil
}

// DifferencesFound reports how many mismatching chunks/rows this Checker
// has detected across its lifetime.
func (c *Checker) DifferencesFound() uint64 { return c.differencesFound }

// RecentValue reports the highest filter-key value checksummed so far,
// as a diagnostic string -- "TBD" until at least one chunk completes.
func (c *Checker) RecentValue() string { return c.recentValue }

// eligibleColumns excludes non-deterministically-serialized types
// (floating point, JSON) from the checksum per spec.md §4.G.
func eligibleColumns(tbl *schema.Table) []string {
	var cols []string
	for _, c := range tbl.Columns {
		t := strings.ToLower(c.Type)
		if strings.Contains(t, "float") || strings.Contains(t, "double") || strings.Contains(t, "json") {
			continue
		}
		cols = append(cols, c.Name)
	}
	return cols
}

type chunkAggregate struct {
	count int64
	xors  map[string]int64
}

func aggregateQuery(tbl *schema.Table, cols []string, where string) string {
	selects := make([]string, 0, len(cols)+1)
	selects = append(selects, "COUNT(*)")
	for _, c := range cols {
		// CRC32(NULL) is NULL, which BIT_XOR skips, and CRC32('') is 0, so
		// the ISNULL flag is appended to keep NULL and '' apart.
		selects = append(selects, fmt.Sprintf("BIT_XOR(CRC32(CONCAT(IFNULL(%s, ''), ISNULL(%s))))", ident.Escape(c), ident.Escape(c)))
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s", strings.Join(selects, ", "), tbl.QuotedName())
	if where != "" {
		stmt += " WHERE " + where
	}
	return stmt
}

func (c *Checker) runAggregate(ctx context.Context, tbl *schema.Table, cols []string, where string, args []any) (chunkAggregate, error) {
	stmt := aggregateQuery(tbl, cols, where)
	dest := make([]any, len(cols)+1)
	var count int64
	dest[0] = &count
	xors := make([]sql.NullInt64, len(cols))
	for i := range xors {
		dest[i+1] = &xors[i]
	}
	if err := c.db.QueryRowContext(ctx, stmt, args...).Scan(dest...); err != nil {
		return chunkAggregate{}, oscerror.NewGeneric("checksum.run_aggregate", "aggregate_query", err)
	}
	result := chunkAggregate{count: count, xors: make(map[string]int64, len(cols))}
	for i, c := range cols {
		result.xors[c] = xors[i].Int64
	}
	return result, nil
}

func (a chunkAggregate) equals(b chunkAggregate) bool {
	if a.count != b.count {
		return false
	}
	for col, x := range a.xors {
		if b.xors[col] != x {
			return false
		}
	}
	return true
}

// FullTableChecksum compares every eligible column across the whole
// table, used when full-table-dump mode was active (no usable chunk
// cursor). On mismatch, returns a CheckSumMismatchError.
func (c *Checker) FullTableChecksum(ctx context.Context) error {
	cols := eligibleColumns(c.original)
	oldAgg, newAgg, err := c.runBothSides(ctx, cols, "", nil, "", nil)
	if err != nil {
		return err
	}
	if !oldAgg.equals(newAgg) {
		c.differencesFound++
		return oscerror.NewCheckSumMismatch("checksum.full_table", "full table")
	}
	return nil
}

func (c *Checker) runBothSides(ctx context.Context, cols []string, whereOld string, argsOld []any, whereNew string, argsNew []any) (chunkAggregate, chunkAggregate, error) {
	var oldAgg, newAgg chunkAggregate
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		oldAgg, err = c.runAggregate(gCtx, c.original, cols, whereOld, argsOld)
		return err
	})
	g.Go(func() error {
		var err error
		newAgg, err = c.runAggregate(gCtx, c.shadow, cols, whereNew, argsNew)
		return err
	})
	if err := g.Wait(); err != nil {
		return chunkAggregate{}, chunkAggregate{}, err
	}
	return oldAgg, newAgg, nil
}

// chunkBoundary finds the filter-key value of the row that would end a
// chunk of size c.config.ChunkRows (rounded up to the next odd number)
// starting after cursor (nil for the first chunk). Returns found=false
// once fewer rows than that remain -- the caller treats that as the
// final, open-ended chunk.
func (c *Checker) chunkBoundary(ctx context.Context, cursor []any) ([]any, bool, error) {
	rows := c.config.ChunkRows
	if rows%2 == 0 {
		rows++
	}
	filterCols := c.filterKey.ColumnNames()
	where := ""
	var args []any
	if cursor != nil {
		where, args = dump.ExpandRowConstructorComparison(filterCols, cursor, true)
		where = "WHERE " + where
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s FORCE INDEX (%s) %s ORDER BY %s LIMIT 1 OFFSET %d",
		schema.QuoteColumns(filterCols), c.original.QuotedName(), ident.Escape(c.filterKey.Name),
		where, schema.QuoteColumns(filterCols), rows-1)

	dest := make([]any, len(filterCols))
	destPtrs := make([]any, len(filterCols))
	for i := range dest {
		destPtrs[i] = &dest[i]
	}
	err := c.db.QueryRowContext(ctx, stmt, args...).Scan(destPtrs...)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, oscerror.NewGeneric("checksum.chunk_boundary", "offset_probe", err)
	}
	return dest, true, nil
}

// rangeWhere builds the WHERE clause for a chunk spanning (cursor,
// upper]: cursor is the exclusive lower bound (nil for the first
// chunk), upper is the inclusive upper bound (nil for the final,
// open-ended chunk).
func rangeWhere(filterCols []string, cursor, upper []any) (string, []any) {
	var parts []string
	var args []any
	if cursor != nil {
		lower, lowerArgs := dump.ExpandRowConstructorComparison(filterCols, cursor, true)
		parts = append(parts, lower)
		args = append(args, lowerArgs...)
	}
	if upper != nil {
		aboveUpper, upperArgs := dump.ExpandRowConstructorComparison(filterCols, upper, true)
		parts = append(parts, "NOT "+aboveUpper)
		args = append(args, upperArgs...)
	}
	return strings.Join(parts, " AND "), args
}

// ChunkedChecksum is the default checksum strategy: walk the filter-key
// range in chunks, comparing COUNT(*) and per-column BIT_XOR(CRC32(...))
// chunk-by-chunk. The first mismatching chunk aborts with a
// CheckSumMismatchError naming the chunk's bounds.
func (c *Checker) ChunkedChecksum(ctx context.Context) error {
	cols := eligibleColumns(c.original)
	filterCols := c.filterKey.ColumnNames()

	var cursor []any
	for {
		upper, found, err := c.chunkBoundary(ctx, cursor)
		if err != nil {
			return err
		}
		where, args := rangeWhere(filterCols, cursor, upper)
		oldAgg, newAgg, err := c.runBothSides(ctx, cols, where, args, where, args)
		if err != nil {
			return err
		}
		if !oldAgg.equals(newAgg) {
			c.differencesFound++
			return oscerror.NewCheckSumMismatch("checksum.chunked", chunkDescription(filterCols, cursor, upper))
		}
		if upper != nil {
			c.recentValue = filterKeyString(upper)
		}
		if !found {
			break
		}
		cursor = upper
	}
	return nil
}

// DeltaChecksum re-checksums only the rows whose filter key appears in
// the change-log between sinceID (exclusive) and uptoID (inclusive),
// bounding the risk surface of a full re-check between replay passes.
func (c *Checker) DeltaChecksum(ctx context.Context, changeLogTable string, sinceID, uptoID int64) error {
	cols := eligibleColumns(c.original)
	filterCols := c.filterKey.ColumnNames()

	changedKeysSubquery := fmt.Sprintf("(SELECT DISTINCT %s FROM %s WHERE id > ? AND id <= ?) oscengine_changed",
		schema.QuoteColumns(filterCols), ident.Escape(changeLogTable))

	existsClause := func(alias string) string {
		clauses := make([]string, len(filterCols))
		for i, col := range filterCols {
			clauses[i] = fmt.Sprintf("%s.%s = oscengine_changed.%s", alias, ident.Escape(col), ident.Escape(col))
		}
		return fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE %s)", changedKeysSubquery, strings.Join(clauses, " AND "))
	}

	oldWhere := existsClause(c.original.QuotedName())
	newWhere := existsClause(c.shadow.QuotedName())
	args := []any{sinceID, uptoID}

	oldAgg, newAgg, err := c.runBothSides(ctx, cols, oldWhere, args, newWhere, args)
	if err != nil {
		return err
	}
	if !oldAgg.equals(newAgg) {
		c.differencesFound++
		return oscerror.NewCheckSumMismatch("checksum.delta", fmt.Sprintf("change-log ids (%d, %d]", sinceID, uptoID))
	}
	return nil
}

func chunkDescription(filterCols []string, cursor, upper []any) string {
	lower := "-inf"
	if cursor != nil {
		lower = filterKeyString(cursor)
	}
	upperStr := "+inf"
	if upper != nil {
		upperStr = filterKeyString(upper)
	}
	return fmt.Sprintf("%s in (%s, %s]", strings.Join(filterCols, ","), lower, upperStr)
}

func filterKeyString(vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, ",")
}
