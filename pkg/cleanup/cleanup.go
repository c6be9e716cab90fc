package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/siddontang/loggers"

	"github.com/block/oscengine/pkg/dbconn"
	"github.com/block/oscengine/pkg/ident"
	"github.com/block/oscengine/pkg/oscerror"
)

// Config configures a cleanup sweep.
type Config struct {
	// Schemas is the set of schemas to enumerate when doing a forced or
	// crash-recovery sweep (as opposed to executing an explicit ledger).
	Schemas []string
	// DumpDir is scanned for files matching the OSC dump-file prefix.
	DumpDir string
	// GracePeriod is how long crash-recovery cleanup waits for a killed
	// victim to self-cleanup before forcing the sweep itself.
	GracePeriod time.Duration
}

// NewConfig returns sensible defaults for Config.
func NewConfig() *Config {
	return &Config{GracePeriod: 5 * time.Second}
}

// Engine executes a Ledger's artifacts, or discovers artifacts by
// name-prefix enumeration across schemas for forced/crash-recovery modes.
type Engine struct {
	db     *sql.DB
	config *Config
	dbConf *dbconn.DBConfig
	logger loggers.Advanced
}

// New constructs a cleanup Engine.
func New(db *sql.DB, config *Config, dbConf *dbconn.DBConfig, logger loggers.Advanced) *Engine {
	return &Engine{db: db, config: config, dbConf: dbConf, logger: logger}
}

// Execute runs every entry in ledger, triggers first, then tables, then
// files, per spec §4.I's ordering requirement (DML against the original
// table between trigger-drop and table-drop must never reference a
// missing change-log table). Errors are collected, not fatal: the
// remaining entries are still attempted, matching spec.md's "remaining
// ledger entries are still attempted" policy.
func (e *Engine) Execute(ctx context.Context, ledger *Ledger) error {
	var errs []error
	for _, a := range ledger.Entries() {
		if err := e.drop(ctx, a); err != nil {
			errs = append(errs, err)
			continue
		}
		ledger.Forget(a)
	}
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return oscerror.New(oscerror.KindCleanupExecutionError, "cleanup.execute", strings.Join(msgs, "; "))
	}
	return nil
}

func (e *Engine) drop(ctx context.Context, a Artifact) error {
	switch a.Kind {
	case KindTrigger:
		return e.dropTrigger(ctx, a.Schema, a.Name)
	case KindTable:
		return e.dropTable(ctx, a.Schema, a.Name)
	case KindFile:
		return e.dropFile(a.Name)
	default:
		return fmt.Errorf("cleanup: unknown artifact kind %v", a.Kind)
	}
}

func (e *Engine) dropTrigger(ctx context.Context, schema, name string) error {
	stmt := fmt.Sprintf("DROP TRIGGER IF EXISTS %s.%s", ident.Escape(schema), ident.Escape(name))
	_, err := e.db.ExecContext(ctx, stmt)
	return err
}

// dropTable drops name, incrementally dropping partitions first (leaving
// exactly one in place) to reduce metadata-lock contention on large
// partitioned tables, per spec §4.I.
func (e *Engine) dropTable(ctx context.Context, schema, name string) error {
	qualified := fmt.Sprintf("%s.%s", ident.Escape(schema), ident.Escape(name))
	partitions, err := e.listPartitions(ctx, schema, name)
	if err == nil && len(partitions) > 1 {
		for _, p := range partitions[:len(partitions)-1] {
			stmt := fmt.Sprintf("ALTER TABLE %s DROP PARTITION %s", qualified, ident.Escape(p))
			if _, dropErr := e.db.ExecContext(ctx, stmt); dropErr != nil && !isIgnorablePartitionError(dropErr) {
				e.logger.Warnf("could not drop partition %s of %s: %v", p, qualified, dropErr)
			}
		}
	}
	stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s", qualified)
	_, err = e.db.ExecContext(ctx, stmt)
	return err
}

func (e *Engine) listPartitions(ctx context.Context, schema, name string) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT PARTITION_NAME FROM information_schema.PARTITIONS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND PARTITION_NAME IS NOT NULL
		ORDER BY PARTITION_ORDINAL_POSITION`, schema, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (e *Engine) dropFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return fsyncDir(filepath.Dir(path))
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// isIgnorablePartitionError reports whether err is one of the
// non-existent-partition error codes spec §4.I says to tolerate (1507,
// 1508): concurrent partition maintenance by another process is fine.
func isIgnorablePartitionError(err error) bool {
	if me, ok := err.(*mysql.MySQLError); ok {
		return me.Number == dbconn.ErrDropPartitionNonExisting || me.Number == dbconn.ErrSameNamePartition
	}
	return false
}

// ForcedSweep enumerates every OSC-prefixed table and trigger across
// Config.Schemas plus every OSC-prefixed dump file in Config.DumpDir,
// registers each into a fresh Ledger, and executes it. Used ahead of a
// new run to clear any artifacts a prior, non-crashed run left behind
// (e.g. after a deliberate "keep for debug" exit).
func (e *Engine) ForcedSweep(ctx context.Context) error {
	ledger := NewLedger()
	if err := e.discoverDatabaseArtifacts(ctx, ledger); err != nil {
		return err
	}
	e.discoverDumpFiles(ledger)
	return e.Execute(ctx, ledger)
}

// CrashRecoverySweep is like ForcedSweep, but if kill is true it first
// locates the session holding mutexName (if any) via
// dbconn.LookupLockHolder, terminates it, and waits GracePeriod for the
// victim to self-cleanup before forcing the sweep -- per spec §4.I.
func (e *Engine) CrashRecoverySweep(ctx context.Context, mutexName string, kill bool) error {
	if kill {
		if holder, held := dbconn.LookupLockHolder(ctx, e.db, mutexName); held {
			e.logger.Warnf("crash recovery: killing connection %d holding %q", holder, mutexName)
			if _, err := e.db.ExecContext(ctx, "KILL ?", holder); err != nil {
				e.logger.Warnf("crash recovery: could not kill connection %d: %v", holder, err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.config.GracePeriod):
			}
		}
	}
	return e.ForcedSweep(ctx)
}

func (e *Engine) discoverDatabaseArtifacts(ctx context.Context, ledger *Ledger) error {
	for _, schema := range e.config.Schemas {
		tables, err := e.listNamesLike(ctx, "information_schema.TABLES", "TABLE_NAME", schema)
		if err != nil {
			return err
		}
		for _, t := range tables {
			ledger.RegisterTable(schema, t)
		}
		triggers, err := e.listNamesLike(ctx, "information_schema.TRIGGERS", "TRIGGER_NAME", schema)
		if err != nil {
			return err
		}
		for _, tr := range triggers {
			ledger.RegisterTrigger(schema, tr)
		}
	}
	return nil
}

func (e *Engine) listNamesLike(ctx context.Context, infoTable, nameCol, schema string) ([]string, error) {
	schemaCol := "TABLE_SCHEMA"
	if infoTable == "information_schema.TRIGGERS" {
		schemaCol = "TRIGGER_SCHEMA"
	}
	// #nosec -- infoTable/nameCol/schemaCol are package constants, never
	// user input.
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", nameCol, infoTable, schemaCol)
	rows, err := e.db.QueryContext(ctx, query, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if ident.HasAnyRolePrefix(name) {
			out = append(out, name)
		}
	}
	return out, rows.Err()
}

func (e *Engine) discoverDumpFiles(ledger *Ledger) {
	if e.config.DumpDir == "" {
		return
	}
	entries, err := os.ReadDir(e.config.DumpDir)
	if err != nil {
		e.logger.Warnf("could not scan dump directory %q: %v", e.config.DumpDir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "osc_dump_") {
			ledger.RegisterFile(filepath.Join(e.config.DumpDir, name))
		}
	}
}
