// Package load implements the Loader: it ingests dump-chunk files
// produced by the Chunked Dumper into the shadow table, optionally
// dropping non-unique indexes first to speed up bulk ingestion and
// recreating them afterward.
package load

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/siddontang/loggers"

	"github.com/block/oscengine/pkg/cleanup"
	"github.com/block/oscengine/pkg/dbconn"
	"github.com/block/oscengine/pkg/escape"
	"github.com/block/oscengine/pkg/ident"
	"github.com/block/oscengine/pkg/oscerror"
	"github.com/block/oscengine/pkg/schema"
)

// Config configures a load run.
type Config struct {
	// DropNonUniqueIndexes drops every non-unique, non-primary index on
	// the shadow table before loading and recreates them in a single
	// ALTER afterward, trading a longer index-build step for a faster
	// per-row load.
	DropNonUniqueIndexes bool
	// IgnoreDuplicates issues LOAD DATA ... IGNORE, used when unique
	// indexes are retained and a loaded row can collide (e.g. a resumed
	// load re-processing a partially-loaded file).
	IgnoreDuplicates bool
}

// NewConfig returns the Loader's defaults.
func NewConfig() *Config {
	return &Config{DropNonUniqueIndexes: true}
}

// Loader ingests dump files into shadow, a table already created with
// schema S_new.
type Loader struct {
	db       *dbconn.DBConfig
	shadow   *schema.Table
	cols     []string
	config   *Config
	ledger   *cleanup.Ledger
	logger   loggers.Advanced
	execFunc func(ctx context.Context, stmts ...string) error
}

// New constructs a Loader for shadow, loading files with column order
// cols (matching the Dumper's C_captured projection). execFunc executes
// one or more statements as a single retryable transaction, normally
// backed by dbconn.RetryableTransaction.
func New(shadow *schema.Table, cols []string, config *Config, ledger *cleanup.Ledger, logger loggers.Advanced, execFunc func(ctx context.Context, stmts ...string) error) *Loader {
	return &Loader{shadow: shadow, cols: cols, config: config, ledger: ledger, logger: logger, execFunc: execFunc}
}

// droppedIndexes is populated by DropIndexes and consumed by
// RecreateIndexes, so the load run remembers exactly what it removed
// even if the index set changes underfoot is not a concern here (N is
// not yet visible to any other writer before cutover).
type droppedIndex struct {
	name    string
	columns []string
	unique  bool
}

// DropIndexes removes every non-unique, non-primary index from the
// shadow table ahead of the bulk load, returning the set it removed so
// RecreateIndexes can rebuild exactly those.
func (l *Loader) DropIndexes(ctx context.Context) ([]droppedIndex, error) {
	if !l.config.DropNonUniqueIndexes {
		return nil, nil
	}
	var dropped []droppedIndex
	for _, idx := range l.shadow.Indexes {
		if idx.Primary || idx.Unique {
			continue
		}
		dropped = append(dropped, droppedIndex{name: idx.Name, columns: idx.ColumnNames()})
		stmt := fmt.Sprintf("ALTER TABLE %s DROP INDEX %s", l.shadow.QuotedName(), ident.Escape(idx.Name))
		if err := l.execFunc(ctx, stmt); err != nil {
			return nil, oscerror.NewGeneric("load.drop_indexes", "drop_index", err)
		}
	}
	return dropped, nil
}

// RecreateIndexes re-adds every index DropIndexes removed, in a single
// ALTER statement so the rebuild pays the index-build cost once.
func (l *Loader) RecreateIndexes(ctx context.Context, dropped []droppedIndex) error {
	if len(dropped) == 0 {
		return nil
	}
	clauses := make([]string, len(dropped))
	for i, idx := range dropped {
		clauses[i] = fmt.Sprintf("ADD INDEX %s (%s)", ident.Escape(idx.name), schema.QuoteColumns(idx.columns))
	}
	stmt := fmt.Sprintf("ALTER TABLE %s %s", l.shadow.QuotedName(), strings.Join(clauses, ", "))
	if err := l.execFunc(ctx, stmt); err != nil {
		return oscerror.NewGeneric("load.recreate_indexes", "add_index", err)
	}
	return nil
}

// LoadFile ingests a single dump chunk file into the shadow table. On
// success the file is deleted, its ledger entry forgotten, and the
// containing directory fsync'd so the deletion is durable before the
// next chunk begins.
func (l *Loader) LoadFile(ctx context.Context, path string) error {
	ignore := ""
	if l.config.IgnoreDuplicates {
		ignore = "IGNORE "
	}
	stmt := fmt.Sprintf(
		"LOAD DATA INFILE %s %sINTO TABLE %s FIELDS TERMINATED BY '\\t' (%s)",
		escape.String(path), ignore, l.shadow.QuotedName(), schema.QuoteColumns(l.cols))
	if err := l.execFunc(ctx, stmt); err != nil {
		return oscerror.NewGeneric("load.load_file", "load_data_infile", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return oscerror.NewGeneric("load.load_file", "remove_dump_file", err)
	}
	l.ledger.Forget(cleanup.Artifact{Kind: cleanup.KindFile, Name: path})
	if err := fsyncDir(filepath.Dir(path)); err != nil {
		l.logger.Warnf("could not fsync dump directory after loading %s: %v", path, err)
	}
	return nil
}

// Run drops non-unique indexes (if configured), loads every file in
// order, and recreates the dropped indexes. Contract: at the end of a
// successful Run, shadow contains exactly the rows of the dump files,
// projected onto cols.
func (l *Loader) Run(ctx context.Context, files []string) error {
	dropped, err := l.DropIndexes(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := l.LoadFile(ctx, f); err != nil {
			return err
		}
	}
	return l.RecreateIndexes(ctx, dropped)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

