// Package dump implements the Chunked Dumper: it materializes a
// consistent snapshot of the original table onto disk as an ordered
// sequence of tab-separated files, chunked by a pk-range cursor over
// the filter key.
package dump

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/siddontang/loggers"

	"github.com/block/oscengine/pkg/cleanup"
	"github.com/block/oscengine/pkg/escape"
	"github.com/block/oscengine/pkg/ident"
	"github.com/block/oscengine/pkg/oscerror"
	"github.com/block/oscengine/pkg/schema"
)

// Config configures a dump run.
type Config struct {
	// ChunkSizeBytes bounds the target size of each dump chunk; combined
	// with AvgRowLength to derive a row-count-per-chunk target.
	ChunkSizeBytes int64
	// AvgRowLength is an estimate of the average serialized row size in
	// bytes, used only to size chunks; a chunked dump with a value of zero
	// or less fails with DumpChunkSizeUnknown.
	AvgRowLength int64
	// DumpDir is the directory dump files are written to.
	DumpDir string
	// FreeSpaceReserveBytes is the minimum free space that must remain on
	// the dump volume after each chunk; violating it aborts with
	// NotEnoughSpace.
	FreeSpaceReserveBytes int64
	// FullTableDump forces a single unchunked OUTFILE, used when
	// P_filter cannot support a range cursor (e.g. a prefixed index
	// column) or when explicitly requested.
	FullTableDump bool
	// WhereFilter, if non-empty, narrows the dump to matching rows and
	// disables the Checksum Engine (spec's WHERE-filter/no-checksum
	// coupling).
	WhereFilter string
}

// NewConfig returns the Chunked Dumper's defaults.
func NewConfig() *Config {
	return &Config{
		ChunkSizeBytes:        64 << 20, // 64MiB
		AvgRowLength:          256,
		FreeSpaceReserveBytes: 1 << 30, // 1GiB
	}
}

// Result reports what a dump run produced.
type Result struct {
	Files         []string
	SnapshotMaxID int64
}

// Dumper materializes table onto disk using filterKey as the range
// cursor column set.
type Dumper struct {
	conn           *sql.Conn
	table          *schema.Table
	filterKey      *schema.Index
	changeLogName  string
	dumpPrefix     string
	config         *Config
	ledger         *cleanup.Ledger
	logger         loggers.Advanced
}

// New constructs a Dumper for table, dumping rows projected onto
// table's columns (C_captured), using filterKey columns first in
// each row so the loader's index rebuild step can treat them uniformly.
func New(conn *sql.Conn, table *schema.Table, filterKey *schema.Index, changeLogName string, names ident.Names, config *Config, ledger *cleanup.Ledger, logger loggers.Advanced) *Dumper {
	return &Dumper{
		conn:          conn,
		table:         table,
		filterKey:     filterKey,
		changeLogName: changeLogName,
		dumpPrefix:    names.DumpPrefix,
		config:        config,
		ledger:        ledger,
		logger:        logger,
	}
}

// captureColumns orders the table's columns with the filter key first,
// matching the layout the Loader expects for C_captured.
func (d *Dumper) captureColumns() []string {
	var ordered []string
	seen := map[string]bool{}
	if d.filterKey != nil {
		for _, c := range d.filterKey.ColumnNames() {
			ordered = append(ordered, c)
			seen[c] = true
		}
	}
	for _, c := range d.table.ColumnNames() {
		if !seen[c] {
			ordered = append(ordered, c)
		}
	}
	return ordered
}

// StartSnapshot opens a consistent, storage-engine-appropriate read view
// on the Dumper's connection: every subsequent SELECT on this connection
// sees the table as of this instant until the transaction is closed.
func (d *Dumper) StartSnapshot(ctx context.Context) error {
	if _, err := d.conn.ExecContext(ctx, "START TRANSACTION WITH CONSISTENT SNAPSHOT"); err != nil {
		return oscerror.NewGeneric("dump.start_snapshot", "consistent_snapshot", err)
	}
	return nil
}

// EndSnapshot closes the snapshot transaction started by StartSnapshot.
func (d *Dumper) EndSnapshot(ctx context.Context) error {
	_, err := d.conn.ExecContext(ctx, "COMMIT")
	return err
}

// SnapshotMaxID records max(L.id) at the moment the snapshot was taken:
// every change-log row with id <= this value is already reflected in
// the dump and must be skipped on the first replay pass.
func (d *Dumper) SnapshotMaxID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	err := d.conn.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(id) FROM %s", ident.Escape(d.changeLogName))).Scan(&maxID)
	if err != nil {
		return 0, oscerror.NewGeneric("dump.snapshot_max_id", "query_max_id", err)
	}
	return maxID.Int64, nil
}

// rowsPerChunk derives a row-count target per chunk from the configured
// byte budget and average row size, bounded to at least 1.
func (d *Dumper) rowsPerChunk() (int64, error) {
	if d.config.AvgRowLength <= 0 {
		return 0, oscerror.New(oscerror.KindDumpChunkSizeUnknown, "dump.rows_per_chunk",
			"cannot derive a chunk row-count target without an average row length estimate")
	}
	n := d.config.ChunkSizeBytes / d.config.AvgRowLength
	if n < 1 {
		n = 1
	}
	return n, nil
}

// Run executes the dump, writing one or more files under Config.DumpDir
// and registering each in the ledger before it is created.
func (d *Dumper) Run(ctx context.Context) (*Result, error) {
	snapshotMaxID, err := d.SnapshotMaxID(ctx)
	if err != nil {
		return nil, err
	}

	fullTable := d.config.FullTableDump
	if d.filterKey != nil && d.filterKey.HasPrefixedColumn() {
		fullTable = true
		d.logger.Warnf("filter key has a prefixed column, forcing full-table dump for %s", d.table.QuotedName())
	}

	cols := d.captureColumns()
	if fullTable {
		file, err := d.dumpChunk(ctx, cols, d.config.WhereFilter, nil, 1)
		if err != nil {
			return nil, err
		}
		return &Result{Files: []string{file}, SnapshotMaxID: snapshotMaxID}, nil
	}

	rowsTarget, err := d.rowsPerChunk()
	if err != nil {
		return nil, err
	}
	filterCols := d.filterKey.ColumnNames()

	var files []string
	var cursor []any
	for k := int64(1); ; k++ {
		if err := d.checkFreeSpace(); err != nil {
			return nil, err
		}
		var predicate string
		var args []any
		if cursor != nil {
			predicate, args = ExpandRowConstructorComparison(filterCols, cursor, true)
		}
		if d.config.WhereFilter != "" {
			if predicate != "" {
				predicate = fmt.Sprintf("(%s) AND (%s)", predicate, d.config.WhereFilter)
			} else {
				predicate = d.config.WhereFilter
			}
		}
		file, rowsWritten, newCursor, err := d.dumpChunkWithCursor(ctx, cols, filterCols, predicate, args, rowsTarget, k)
		if err != nil {
			return nil, err
		}
		if rowsWritten == 0 {
			break
		}
		files = append(files, file)
		cursor = newCursor
		if rowsWritten < rowsTarget {
			break
		}
	}
	return &Result{Files: files, SnapshotMaxID: snapshotMaxID}, nil
}

func (d *Dumper) checkFreeSpace() error {
	if d.config.DumpDir == "" || d.config.FreeSpaceReserveBytes <= 0 {
		return nil
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(d.config.DumpDir, &stat); err != nil {
		return oscerror.NewGeneric("dump.check_free_space", "statfs", err)
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	if free < d.config.FreeSpaceReserveBytes {
		return oscerror.Newf(oscerror.KindNotEnoughSpace, "dump.check_free_space",
			"only %d bytes free on dump volume, need at least %d", free, d.config.FreeSpaceReserveBytes)
	}
	return nil
}

func (d *Dumper) filePath(k int64) string {
	return filepath.Join(d.config.DumpDir, fmt.Sprintf("%s.%d", d.dumpPrefix, k))
}

// dumpChunk writes a single, unbounded (no LIMIT) OUTFILE -- used only
// for full-table-dump mode. whereFilter, if non-empty, narrows the dump
// to matching rows (spec's selective-rebuild / --where mode).
func (d *Dumper) dumpChunk(ctx context.Context, cols []string, whereFilter string, _ []any, k int64) (string, error) {
	path := d.filePath(k)
	if _, err := os.Stat(path); err == nil {
		return "", oscerror.New(oscerror.KindFileAlreadyExists, "dump.run", path+" already exists")
	}
	d.ledger.RegisterFile(path)

	where := ""
	if whereFilter != "" {
		where = "WHERE " + whereFilter
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s %s INTO OUTFILE %s FIELDS TERMINATED BY '\\t'",
		schema.QuoteColumns(cols), d.table.QuotedName(), where, escape.String(path))
	if _, err := d.conn.ExecContext(ctx, stmt); err != nil {
		return "", oscerror.NewGeneric("dump.run", "select_into_outfile", err)
	}
	return path, nil
}

// dumpChunkWithCursor writes one bounded chunk using a FORCE INDEX range
// scan over filterCols, and returns the cursor values of the last row
// written so the caller can advance to the next chunk. The SELECT
// assigns each filter-key column to a session variable as it scans, so
// the last row's values are available after the query completes without
// a second round trip.
func (d *Dumper) dumpChunkWithCursor(ctx context.Context, cols, filterCols []string, predicate string, args []any, limit, k int64) (string, int64, []any, error) {
	path := d.filePath(k)
	if _, err := os.Stat(path); err == nil {
		return "", 0, nil, oscerror.New(oscerror.KindFileAlreadyExists, "dump.run", path+" already exists")
	}
	d.ledger.RegisterFile(path)

	selectList := make([]string, len(cols))
	for i, c := range cols {
		selectList[i] = ident.Escape(c)
	}
	// cols starts with filterCols (see captureColumns), so each filter-key
	// column is assigned to its cursor variable in place and the file
	// holds exactly cols.
	for i, c := range filterCols {
		selectList[i] = fmt.Sprintf("@oscengine_cursor_%d := %s", i, ident.Escape(c))
	}

	where := ""
	if predicate != "" {
		where = "WHERE " + predicate
	}
	stmt := fmt.Sprintf(
		"SELECT %s FROM %s FORCE INDEX (%s) %s ORDER BY %s LIMIT ? INTO OUTFILE %s FIELDS TERMINATED BY '\\t'",
		strings.Join(selectList, ", "),
		d.table.QuotedName(), ident.Escape(d.filterKey.Name),
		where, schema.QuoteColumns(filterCols), escape.String(path))

	execArgs := append(append([]any{}, args...), limit)
	res, err := d.conn.ExecContext(ctx, stmt, execArgs...)
	if err != nil {
		return "", 0, nil, oscerror.NewGeneric("dump.run", "select_into_outfile_chunk", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return "", 0, nil, oscerror.NewGeneric("dump.run", "rows_affected", err)
	}
	if rows == 0 {
		d.ledger.Forget(cleanup.Artifact{Kind: cleanup.KindFile, Name: path})
		_ = os.Remove(path)
		return path, 0, nil, nil
	}

	cursor, err := d.readCursorVars(ctx, len(filterCols))
	if err != nil {
		return "", 0, nil, err
	}
	return path, rows, cursor, nil
}

func (d *Dumper) readCursorVars(ctx context.Context, n int) ([]any, error) {
	vars := make([]string, n)
	for i := range vars {
		vars[i] = fmt.Sprintf("@oscengine_cursor_%d", i)
	}
	dest := make([]any, n)
	destPtrs := make([]any, n)
	for i := range dest {
		destPtrs[i] = &dest[i]
	}
	row := d.conn.QueryRowContext(ctx, "SELECT "+strings.Join(vars, ", "))
	if err := row.Scan(destPtrs...); err != nil {
		return nil, oscerror.NewGeneric("dump.read_cursor", "select_session_vars", err)
	}
	return dest, nil
}

