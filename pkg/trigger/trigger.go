// Package trigger implements the Trigger Installer: after it returns
// success, every subsequent committed DML on the original table appends
// the appropriate rows to the change-log table.
package trigger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/siddontang/loggers"

	"github.com/block/oscengine/pkg/cleanup"
	"github.com/block/oscengine/pkg/ident"
	"github.com/block/oscengine/pkg/oscerror"
	"github.com/block/oscengine/pkg/schema"
)

// DML type codes stored in the change-log's dml_type column.
const (
	DMLInsert = 1
	DMLDelete = 2
	DMLUpdate = 3
)

// Config configures the Trigger Installer.
type Config struct {
	// DrainPollInterval/DrainMaxAttempts bound how long the installer
	// waits for long-running statements against the original table to
	// finish before falling back to killing blocking selects.
	DrainPollInterval time.Duration
	DrainMaxAttempts  int
}

// NewConfig returns the Trigger Installer's defaults.
func NewConfig() *Config {
	return &Config{
		DrainPollInterval: 250 * time.Millisecond,
		DrainMaxAttempts:  40,
	}
}

// Installer creates the three capture triggers on an original table.
type Installer struct {
	conn    *sql.Conn
	table   *schema.Table
	names   ident.Names
	filter  *schema.Index
	config  *Config
	ledger  *cleanup.Ledger
	logger  loggers.Advanced
}

// New constructs a Trigger Installer for table, using names for the
// change-log/trigger identifiers and filter as P_filter (determining
// whether the update trigger can emit a single row or must emit a
// delete+insert pair).
func New(conn *sql.Conn, table *schema.Table, names ident.Names, filter *schema.Index, config *Config, ledger *cleanup.Ledger, logger loggers.Advanced) *Installer {
	return &Installer{conn: conn, table: table, names: names, filter: filter, config: config, ledger: ledger, logger: logger}
}

// capturedColumns returns C_captured = C_old \ dropped_columns: every
// column of the original table, since the Installer is never told which
// columns a later ALTER would drop -- that decision belongs to the
// caller, which may pass a table already projected to C_captured.
func (i *Installer) capturedColumns() []schema.Column {
	return i.table.Columns
}

// CheckNoExistingTriggers rejects the install if the original table
// already has user-defined triggers (spec §4.C: TriggerAlreadyExists).
func (i *Installer) CheckNoExistingTriggers(ctx context.Context) error {
	var count int
	err := i.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.TRIGGERS
		WHERE EVENT_OBJECT_SCHEMA = ? AND EVENT_OBJECT_TABLE = ?`,
		i.table.Schema, i.table.Name).Scan(&count)
	if err != nil {
		return oscerror.NewGeneric("trigger.check_existing", "query_triggers", err)
	}
	if count > 0 {
		return oscerror.New(oscerror.KindTriggerAlreadyExists, "trigger.check_existing",
			fmt.Sprintf("table %s already has %d trigger(s)", i.table.QuotedName(), count))
	}
	return nil
}

// WaitForDrain polls for long-running statements referencing the
// original table and waits (bounded) for them to finish, so the brief
// write lock or high-priority DDL used to serialize CREATE TRIGGER does
// not itself stall behind a long SELECT. The killFunc, if non-nil, is
// invoked once the attempt budget is exhausted to terminate the
// remaining blockers instead of giving up.
func (i *Installer) WaitForDrain(ctx context.Context, killFunc func(ctx context.Context) error) error {
	for attempt := 0; attempt < i.config.DrainMaxAttempts; attempt++ {
		blocked, err := i.longRunningStatementCount(ctx)
		if err != nil {
			return err
		}
		if blocked == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(i.config.DrainPollInterval):
		}
	}
	if killFunc == nil {
		return nil // proceed anyway; CREATE TRIGGER will simply wait on the metadata lock
	}
	i.logger.Warnf("drain budget exhausted waiting for long statements on %s, killing blockers", i.table.QuotedName())
	return killFunc(ctx)
}

func (i *Installer) longRunningStatementCount(ctx context.Context) (int, error) {
	var count int
	err := i.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.processlist
		WHERE command <> 'Sleep' AND info LIKE ? AND info NOT LIKE '%information_schema%'`,
		"%"+i.table.Name+"%").Scan(&count)
	if err != nil {
		return 0, oscerror.NewGeneric("trigger.wait_for_drain", "processlist_probe", err)
	}
	return count, nil
}

// Install registers each trigger's name in the ledger before attempting
// its CREATE TRIGGER statement (so a crash between registration and
// creation still leaves a recoverable, idempotent-to-drop entry), then
// emits the three triggers.
func (i *Installer) Install(ctx context.Context) error {
	cols := i.capturedColumns()
	colNames := make([]string, len(cols))
	for idx, c := range cols {
		colNames[idx] = c.Name
	}

	stmts := []struct {
		name string
		sql  string
	}{
		{i.names.InsertTrig, i.insertTriggerSQL(colNames)},
		{i.names.DeleteTrig, i.deleteTriggerSQL(colNames)},
		{i.names.UpdateTrig, i.updateTriggerSQL(colNames)},
	}
	for _, s := range stmts {
		i.ledger.RegisterTrigger(i.table.Schema, s.name)
		if _, err := i.conn.ExecContext(ctx, s.sql); err != nil {
			return oscerror.NewGeneric("trigger.install", "create_trigger", err)
		}
	}
	return nil
}

func (i *Installer) insertTriggerSQL(cols []string) string {
	return fmt.Sprintf(
		"CREATE TRIGGER %s AFTER INSERT ON %s FOR EACH ROW "+
			"INSERT INTO %s (dml_type, %s) VALUES (%d, %s)",
		ident.Escape(i.names.InsertTrig), i.table.QuotedName(), ident.Escape(i.names.ChangeLog),
		quoteCols(cols), DMLInsert, prefixedCols(cols, "NEW"))
}

func (i *Installer) deleteTriggerSQL(cols []string) string {
	return fmt.Sprintf(
		"CREATE TRIGGER %s AFTER DELETE ON %s FOR EACH ROW "+
			"INSERT INTO %s (dml_type, %s) VALUES (%d, %s)",
		ident.Escape(i.names.DeleteTrig), i.table.QuotedName(), ident.Escape(i.names.ChangeLog),
		quoteCols(cols), DMLDelete, prefixedCols(cols, "OLD"))
}

// updateTriggerSQL emits the conditional form spec §4.C describes: when
// every P_filter column is unchanged, append a single UPDATE row;
// otherwise append a DELETE (old key) followed by an INSERT (new key),
// matching the original tool's IF/ELSE trigger body shape.
func (i *Installer) updateTriggerSQL(cols []string) string {
	if i.filter == nil {
		// No filter key to compare -- conservatively always emit DELETE+INSERT.
		return fmt.Sprintf(
			"CREATE TRIGGER %s AFTER UPDATE ON %s FOR EACH ROW BEGIN "+
				"INSERT INTO %s (dml_type, %s) VALUES (%d, %s); "+
				"INSERT INTO %s (dml_type, %s) VALUES (%d, %s); "+
				"END",
			ident.Escape(i.names.UpdateTrig), i.table.QuotedName(),
			ident.Escape(i.names.ChangeLog), quoteCols(cols), DMLDelete, prefixedCols(cols, "OLD"),
			ident.Escape(i.names.ChangeLog), quoteCols(cols), DMLInsert, prefixedCols(cols, "NEW"))
	}
	matchClause := unchangedClause(i.filter.ColumnNames())
	return fmt.Sprintf(
		"CREATE TRIGGER %s AFTER UPDATE ON %s FOR EACH ROW "+
			"IF (%s) THEN "+
			"INSERT INTO %s (dml_type, %s) VALUES (%d, %s); "+
			"ELSE "+
			"INSERT INTO %s (dml_type, %s) VALUES (%d, %s), (%d, %s); "+
			"END IF",
		ident.Escape(i.names.UpdateTrig), i.table.QuotedName(), matchClause,
		ident.Escape(i.names.ChangeLog), quoteCols(cols), DMLUpdate, prefixedCols(cols, "NEW"),
		ident.Escape(i.names.ChangeLog), quoteCols(cols),
		DMLDelete, prefixedCols(cols, "OLD"), DMLInsert, prefixedCols(cols, "NEW"))
}

func quoteCols(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = ident.Escape(c)
	}
	return strings.Join(quoted, ", ")
}

func prefixedCols(cols []string, prefix string) string {
	prefixed := make([]string, len(cols))
	for i, c := range cols {
		prefixed[i] = prefix + "." + ident.Escape(c)
	}
	return strings.Join(prefixed, ", ")
}

// unchangedClause builds "OLD.`a` <=> NEW.`a` AND OLD.`b` <=> NEW.`b`",
// using NULL-safe equality since P_filter columns are expected non-null
// but the comparison must still behave correctly if one ever is.
func unchangedClause(cols []string) string {
	clauses := make([]string, len(cols))
	for i, c := range cols {
		clauses[i] = fmt.Sprintf("OLD.%s <=> NEW.%s", ident.Escape(c), ident.Escape(c))
	}
	return strings.Join(clauses, " AND ")
}
