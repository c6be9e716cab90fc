// Package replay implements the Replay Engine: it consumes change-log
// rows in id order, groups consecutive same-type events, and applies
// idempotent equivalents of the original DML against the shadow table.
package replay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/siddontang/loggers"

	"github.com/block/oscengine/pkg/ident"
	"github.com/block/oscengine/pkg/oscerror"
	"github.com/block/oscengine/pkg/schema"
	"github.com/block/oscengine/pkg/trigger"
)

// Config configures the Replay Engine.
type Config struct {
	GroupSize int
	// BatchedUpdates relaxes the default one-row-per-group rule for
	// UPDATE events, batching up to GroupSize as long as no two rows in
	// the same batch share a P_filter value.
	BatchedUpdates bool
	// DuplicateElimination and WhereFilterActive each relax the
	// affected-rows assertion, matching spec.md §4.F.
	DuplicateElimination      bool
	WhereFilterActive         bool
	AffectedRowsCheckDisabled bool
	// InsertIgnore issues INSERT IGNORE for INSERT groups, used together
	// with DuplicateElimination.
	InsertIgnore bool
	// StatementTimeout bounds a single group's execution; exceeding it
	// surfaces ReplayTimeout.
	StatementTimeout time.Duration
	// MaxAttempts bounds the convergence loop; exhausting it surfaces
	// ReplayMaxAttemptsExceeded.
	MaxAttempts int
	// ConvergenceTarget is the wall-clock duration a single pass must
	// fit within for the convergence loop to consider replay caught up.
	ConvergenceTarget time.Duration
	// FilterColumnConvert maps a P_filter column name to a charset it
	// must be CONVERTed to on the change-log side of the join, used when
	// the new schema changes that column's charset/collation.
	FilterColumnConvert map[string]string
}

// NewConfig returns the Replay Engine's defaults.
func NewConfig() *Config {
	return &Config{
		GroupSize:         100,
		StatementTimeout:  30 * time.Second,
		MaxAttempts:       50,
		ConvergenceTarget: 2 * time.Second,
	}
}

// Row is one fetched change-log entry: just enough to group and execute
// without materializing the captured column values in Go -- the actual
// data movement happens server-side via JOINs against the change-log
// table.
type Row struct {
	ID           int64
	DMLType      int
	FilterValues []any
}

// Group is a batch of same-type rows to execute as a single statement.
type Group struct {
	DMLType int
	IDs     []int64
}

// Stats reports the outcome of one RunPass.
type Stats struct {
	RowsFetched int
	Groups      int
	Duration    time.Duration
}

// Exec is the minimal execution surface the Replay Engine needs; backed
// normally by *sql.DB / *sql.Conn, or by dbconn.TableLock.ExecUnderLock
// during the final cutover pass.
type Exec interface {
	ExecContext(ctx context.Context, query string, args ...any) (int64, error)
}

// dbExec adapts dbconn.RetryableTransaction-style execution to Exec.
type dbExec struct {
	run func(ctx context.Context, stmts ...string) (int64, error)
}

func (d dbExec) ExecContext(ctx context.Context, query string, args ...any) (int64, error) {
	if len(args) != 0 {
		panic("replay: dbExec does not support parameterized statements")
	}
	return d.run(ctx, query)
}

// NewDBExec wraps a dbconn.RetryableTransaction-shaped function as Exec.
func NewDBExec(run func(ctx context.Context, stmts ...string) (int64, error)) Exec {
	return dbExec{run: run}
}

// Engine replays change-log rows from changeLog into shadow.
type Engine struct {
	fetch        func(ctx context.Context, sinceID, upToID int64) ([]Row, error)
	fetchByIDs   func(ctx context.Context, ids []int64) ([]Row, error)
	shadow       *schema.Table
	changeLog    string
	filterKey    *schema.Index
	nonFilterCols []string
	config       *Config
	logger       loggers.Advanced
	seen         *SeenSet
}

// New constructs a Replay Engine. fetch/fetchByIDs are the two query
// shapes the engine needs against the change-log table (by range, and
// by an explicit id set for gap re-checks); they are injected so tests
// can substitute a real connection without the package owning one.
func New(fetch func(ctx context.Context, sinceID, upToID int64) ([]Row, error),
	fetchByIDs func(ctx context.Context, ids []int64) ([]Row, error),
	shadow *schema.Table, changeLog string, filterKey *schema.Index, nonFilterCols []string,
	config *Config, logger loggers.Advanced, floor int64) *Engine {
	return &Engine{
		fetch: fetch, fetchByIDs: fetchByIDs,
		shadow: shadow, changeLog: changeLog, filterKey: filterKey, nonFilterCols: nonFilterCols,
		config: config, logger: logger, seen: NewSeenSet(floor),
	}
}

// LastAppliedID returns the contiguous upper bound of applied ids.
func (e *Engine) LastAppliedID(ctx context.Context) int64 {
	return e.seen.ContiguousUpTo()
}

// GroupRows implements spec.md §4.F's grouping rule.
func GroupRows(rows []Row, groupSize int, batchedUpdates bool) []Group {
	var groups []Group
	var current *Group
	var currentKeys map[string]struct{}

	flush := func() {
		if current != nil && len(current.IDs) > 0 {
			groups = append(groups, *current)
		}
		current = nil
		currentKeys = nil
	}
	start := func(r Row) {
		current = &Group{DMLType: r.DMLType, IDs: []int64{r.ID}}
		currentKeys = map[string]struct{}{filterKeyString(r.FilterValues): {}}
	}

	for _, r := range rows {
		if current == nil {
			start(r)
			continue
		}
		if r.DMLType != current.DMLType {
			flush()
			start(r)
			continue
		}
		if current.DMLType == trigger.DMLUpdate {
			if !batchedUpdates {
				flush()
				start(r)
				continue
			}
			key := filterKeyString(r.FilterValues)
			_, collides := currentKeys[key]
			if collides || len(current.IDs) >= groupSize {
				flush()
				start(r)
				continue
			}
			current.IDs = append(current.IDs, r.ID)
			currentKeys[key] = struct{}{}
			continue
		}
		if len(current.IDs) >= groupSize {
			flush()
			start(r)
			continue
		}
		current.IDs = append(current.IDs, r.ID)
	}
	flush()
	return groups
}

func filterKeyString(vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "\x00")
}

// ExecuteGroup applies one group's statement via exec and checks the
// affected-rows contract where it applies.
func (e *Engine) ExecuteGroup(ctx context.Context, exec Exec, g Group) error {
	if e.config.StatementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.StatementTimeout)
		defer cancel()
	}

	var stmt string
	var assertCount bool
	switch g.DMLType {
	case trigger.DMLDelete:
		stmt = e.deleteStmt(g.IDs)
		assertCount = true
	case trigger.DMLInsert:
		stmt = e.insertStmt(g.IDs)
		assertCount = true
	case trigger.DMLUpdate:
		stmt = e.updateStmt(g.IDs)
		assertCount = false
	default:
		return oscerror.Newf(oscerror.KindAssertion, "replay.execute_group", "unknown dml_type %d", g.DMLType)
	}

	affected, err := exec.ExecContext(ctx, stmt)
	if err != nil {
		if ctx.Err() != nil {
			return oscerror.New(oscerror.KindReplayTimeout, "replay.execute_group", "statement exceeded replay timeout")
		}
		return oscerror.NewGeneric("replay.execute_group", "exec_group", err)
	}

	if assertCount && !e.config.AffectedRowsCheckDisabled && !e.config.DuplicateElimination && !e.config.WhereFilterActive {
		if affected != int64(len(g.IDs)) {
			return oscerror.NewReplayAffectedRowsMismatch("replay.execute_group", int64(len(g.IDs)), affected)
		}
	}

	for _, id := range g.IDs {
		e.seen.Mark(id)
	}
	return nil
}

func (e *Engine) deleteStmt(ids []int64) string {
	return fmt.Sprintf("DELETE %s FROM %s JOIN %s ON %s WHERE %s.id IN (%s)",
		e.shadow.QuotedName(), e.shadow.QuotedName(), ident.Escape(e.changeLog),
		e.joinCondition(), ident.Escape(e.changeLog), idList(ids))
}

func (e *Engine) insertStmt(ids []int64) string {
	ignore := ""
	if e.config.InsertIgnore {
		ignore = "IGNORE "
	}
	cols := e.capturedCols()
	return fmt.Sprintf("INSERT %sINTO %s (%s) SELECT %s FROM %s WHERE id IN (%s)",
		ignore, e.shadow.QuotedName(), schema.QuoteColumns(cols), schema.QuoteColumns(cols),
		ident.Escape(e.changeLog), idList(ids))
}

func (e *Engine) updateStmt(ids []int64) string {
	sets := make([]string, len(e.nonFilterCols))
	for i, c := range e.nonFilterCols {
		sets[i] = fmt.Sprintf("%s.%s = %s.%s", e.shadow.QuotedName(), ident.Escape(c), ident.Escape(e.changeLog), ident.Escape(c))
	}
	return fmt.Sprintf("UPDATE %s JOIN %s ON %s SET %s WHERE %s.id IN (%s)",
		e.shadow.QuotedName(), ident.Escape(e.changeLog), e.joinCondition(),
		strings.Join(sets, ", "), ident.Escape(e.changeLog), idList(ids))
}

func (e *Engine) joinCondition() string {
	cols := e.filterKey.ColumnNames()
	clauses := make([]string, len(cols))
	for i, c := range cols {
		lhs := fmt.Sprintf("%s.%s", e.shadow.QuotedName(), ident.Escape(c))
		rhs := fmt.Sprintf("%s.%s", ident.Escape(e.changeLog), ident.Escape(c))
		if charset, ok := e.config.FilterColumnConvert[c]; ok {
			rhs = fmt.Sprintf("CONVERT(%s USING %s)", rhs, charset)
		}
		clauses[i] = fmt.Sprintf("%s = %s", lhs, rhs)
	}
	return strings.Join(clauses, " AND ")
}

func (e *Engine) capturedCols() []string {
	return append(append([]string{}, e.filterKey.ColumnNames()...), e.nonFilterCols...)
}

func idList(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}

// RunPass fetches ids in (lastAppliedID, upToID], re-probes any
// outstanding holes below upToID, groups, and executes every group in
// order via exec.
func (e *Engine) RunPass(ctx context.Context, upToID int64, exec Exec) (*Stats, error) {
	start := time.Now()

	holes := e.seen.Holes(upToID)
	var rows []Row
	if len(holes) > 0 {
		holeRows, err := e.fetchByIDs(ctx, holes)
		if err != nil {
			return nil, oscerror.NewGeneric("replay.run_pass", "fetch_holes", err)
		}
		rows = append(rows, holeRows...)
	}

	scanFrom := e.seen.ScannedUpTo()
	if upToID > scanFrom {
		mainRows, err := e.fetch(ctx, scanFrom, upToID)
		if err != nil {
			return nil, oscerror.NewGeneric("replay.run_pass", "fetch_range", err)
		}
		rows = append(rows, mainRows...)
		e.seen.AdvanceScanned(upToID)
	}

	groups := GroupRows(rows, e.config.GroupSize, e.config.BatchedUpdates)
	for _, g := range groups {
		if err := e.ExecuteGroup(ctx, exec, g); err != nil {
			return nil, err
		}
	}
	return &Stats{RowsFetched: len(rows), Groups: len(groups), Duration: time.Since(start)}, nil
}

// ConvergenceLoop repeatedly runs passes against the latest snapshot of
// L's max id (reported by currentMaxID) until a single pass completes
// within ConvergenceTarget, or MaxAttempts is exhausted.
func (e *Engine) ConvergenceLoop(ctx context.Context, currentMaxID func(ctx context.Context) (int64, error), exec Exec) error {
	for attempt := 0; attempt < e.config.MaxAttempts; attempt++ {
		upTo, err := currentMaxID(ctx)
		if err != nil {
			return err
		}
		stats, err := e.RunPass(ctx, upTo, exec)
		if err != nil {
			return err
		}
		e.logger.Infof("replay pass %d: %d rows, %d groups in %s", attempt, stats.RowsFetched, stats.Groups, stats.Duration)
		if stats.Duration <= e.config.ConvergenceTarget {
			return nil
		}
	}
	return oscerror.New(oscerror.KindReplayMaxAttemptsExceeded, "replay.convergence_loop",
		"replay did not converge within the configured attempt budget")
}

// FinalPass runs one last, strictly time-boxed pass under a lock
// connection supplied via exec (normally dbconn.TableLock.ExecUnderLock
// adapted through NewDBExec), used by the Cutover Coordinator.
func (e *Engine) FinalPass(ctx context.Context, upToID int64, exec Exec) (*Stats, error) {
	if e.config.StatementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.StatementTimeout)
		defer cancel()
	}
	stats, err := e.RunPass(ctx, upToID, exec)
	if err != nil {
		if ctx.Err() != nil {
			return nil, oscerror.New(oscerror.KindReplayTimeout, "replay.final_pass", "final replay pass exceeded its timeout")
		}
		return nil, err
	}
	return stats, nil
}
