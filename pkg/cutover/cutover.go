// Package cutover implements the Cutover Coordinator: the minimum-downtime
// switch from the original table to the shadow table under a write lock.
package cutover

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/siddontang/loggers"

	"github.com/block/oscengine/pkg/dbconn"
	"github.com/block/oscengine/pkg/ident"
	"github.com/block/oscengine/pkg/oscerror"
	"github.com/block/oscengine/pkg/replay"
	"github.com/block/oscengine/pkg/schema"
)

// Applier is the thing that must be paused for the cutover window --
// normally the session.Controller's STOP/START SLAVE SQL_THREAD pair.
// Modeled as an interface here so cutover doesn't need to import
// pkg/session directly; satisfied by *session.Controller as-is.
type Applier interface {
	StopApplier(ctx context.Context) error
	StartApplier(ctx context.Context) error
}

// Config configures the Cutover Coordinator.
type Config struct {
	// SupportsAtomicRename selects the single-statement
	// "RENAME TABLE O TO O_old, N TO O" path (MySQL 8.0.13+, which
	// permits RENAME of tables already held by the session's own LOCK
	// TABLES). When false, the two-step ALTER TABLE RENAME fallback is
	// used, with the rollback step registered before the second rename
	// executes.
	SupportsAtomicRename bool
}

// NewConfig returns the Cutover Coordinator's defaults.
func NewConfig() *Config {
	return &Config{SupportsAtomicRename: true}
}

// CutOver performs the final switch from original to shadow.
type CutOver struct {
	db        *sql.DB
	original  *schema.Table
	shadow    *schema.Table
	names     ident.Names
	applier   Applier
	replayEng *replay.Engine
	maxID     func(ctx context.Context) (int64, error)
	dbConfig  *dbconn.DBConfig
	config    *Config
	logger    loggers.Advanced
}

// New constructs a CutOver. replayEng and maxID supply the final bounded
// Replay pass; applier may be nil if no replication applier is in play.
func New(db *sql.DB, original, shadow *schema.Table, names ident.Names, applier Applier,
	replayEng *replay.Engine, maxID func(ctx context.Context) (int64, error),
	dbConfig *dbconn.DBConfig, config *Config, logger loggers.Advanced) (*CutOver, error) {
	if original == nil || shadow == nil {
		return nil, errors.New("cutover: original and shadow tables must both be non-nil")
	}
	if replayEng == nil || maxID == nil {
		return nil, errors.New("cutover: replayEng and maxID must both be non-nil")
	}
	return &CutOver{
		db: db, original: original, shadow: shadow, names: names, applier: applier,
		replayEng: replayEng, maxID: maxID, dbConfig: dbConfig, config: config, logger: logger,
	}, nil
}

// dbExec adapts a plain *sql.DB connection to replay.Exec, used for the
// best-effort pre-lock catch-up pass that runs before any table lock is
// held.
type dbExec struct {
	db *sql.DB
}

func (d dbExec) ExecContext(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// tableLockExec adapts dbconn.TableLock.ExecUnderLock to replay.Exec.
// ExecUnderLock discards row-affected counts (it runs arbitrary
// statement batches under a shared lock transaction), so the final
// pass's config must set AffectedRowsCheckDisabled -- reasonable here
// since the write lock already rules out concurrent writers racing the
// assertion.
type tableLockExec struct {
	lock *dbconn.TableLock
}

func (t tableLockExec) ExecContext(ctx context.Context, query string, _ ...any) (int64, error) {
	if err := t.lock.ExecUnderLock(ctx, query); err != nil {
		return 0, err
	}
	return 0, nil
}

// Run executes the cutover, retrying the whole locked sequence up to
// dbConfig.MaxRetries times (each attempt re-catches-up via Replay
// before re-attempting the lock, so a failed attempt doesn't leave
// stale state for the next one).
func (c *CutOver) Run(ctx context.Context) error {
	if c.dbConfig.MaxOpenConnections < 5 {
		// Mirrors the teacher's own floor: the locking connection, the
		// rename connection, and the killer timer each need headroom.
		c.db.SetMaxOpenConns(5)
	}
	if c.applier != nil {
		if err := c.applier.StopApplier(ctx); err != nil {
			return oscerror.NewGeneric("cutover.stop_applier", "stop_applier", err)
		}
		defer func() {
			if err := c.applier.StartApplier(ctx); err != nil {
				c.logger.Errorf("cutover: failed to restart applier: %v", err)
			}
		}()
	}

	var lastErr error
	for attempt := 0; attempt < c.dbConfig.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		upToID, err := c.maxID(ctx)
		if err != nil {
			return oscerror.NewGeneric("cutover.max_id", "max_id_query", err)
		}
		if _, err := c.replayEng.RunPass(ctx, upToID, dbExec{db: c.db}); err != nil {
			// Best-effort catch-up pre-lock; a real failure here is not
			// fatal to the attempt since the bounded pass under lock is
			// the one that must succeed.
			c.logger.Warnf("cutover: pre-lock catch-up pass failed: %v", err)
		}

		c.logger.Warnf("attempting final cut over operation (attempt %d/%d)", attempt+1, c.dbConfig.MaxRetries)
		lastErr = c.attempt(ctx)
		if lastErr != nil {
			c.logger.Warnf("cutover attempt failed: %v", lastErr)
			continue
		}
		c.logger.Warn("final cut over operation complete")
		return nil
	}
	c.logger.Error("cutover failed, and retries exhausted")
	return oscerror.New(oscerror.KindCutoverRetriesExhausted, "cutover.run",
		fmt.Sprintf("exhausted %d attempts: %v", c.dbConfig.MaxRetries, lastErr))
}

// attempt runs one full lock -> final-replay -> partition-reconcile ->
// rename -> unlock cycle.
func (c *CutOver) attempt(ctx context.Context) error {
	tableLock, err := dbconn.NewTableLock(ctx, c.db, []*schema.Table{c.original, c.shadow}, c.dbConfig, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := tableLock.Close(); err != nil {
			c.logger.Errorf("cutover: failed to release table lock: %v", err)
		}
	}()

	upToID, err := c.maxID(ctx)
	if err != nil {
		return err
	}
	exec := tableLockExec{lock: tableLock}
	if _, err := c.replayEng.FinalPass(ctx, upToID, exec); err != nil {
		return err
	}

	if c.original.PartitionBy == "RANGE" {
		if err := c.reconcilePartitions(ctx, tableLock); err != nil {
			return err
		}
	}

	return c.rename(ctx, tableLock)
}

// reconcilePartitions issues ADD/DROP PARTITION on N to match O's
// current RANGE partition set, for when O's partitioning drifted (e.g.
// a scheduled partition-maintenance job ran) during the OSC.
func (c *CutOver) reconcilePartitions(ctx context.Context, tableLock *dbconn.TableLock) error {
	originalNames := make(map[string]schema.Partition, len(c.original.Partitions))
	for _, p := range c.original.Partitions {
		originalNames[p.Name] = p
	}
	shadowNames := make(map[string]bool, len(c.shadow.Partitions))
	for _, p := range c.shadow.Partitions {
		shadowNames[p.Name] = true
	}

	var stmts []string
	for name, p := range originalNames {
		if !shadowNames[name] {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD PARTITION (PARTITION %s VALUES LESS THAN (%s))",
				c.shadow.QuotedName(), ident.Escape(p.Name), p.LessThanExpr))
		}
	}
	for _, p := range c.shadow.Partitions {
		if _, ok := originalNames[p.Name]; !ok {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP PARTITION %s",
				c.shadow.QuotedName(), ident.Escape(p.Name)))
		}
	}
	if len(stmts) == 0 {
		return nil
	}
	return tableLock.ExecUnderLock(ctx, stmts...)
}

// rename performs the actual switch, preferring the atomic multi-table
// form and falling back to a two-step rename with a recorded rollback
// so a crash between the two steps is recoverable by Cleanup.
func (c *CutOver) rename(ctx context.Context, tableLock *dbconn.TableLock) error {
	oldQuoted := fmt.Sprintf("`%s`.%s", c.original.Schema, ident.Escape(c.names.Old))
	if c.config.SupportsAtomicRename {
		stmt := fmt.Sprintf("RENAME TABLE %s TO %s, %s TO %s",
			c.original.QuotedName(), oldQuoted, c.shadow.QuotedName(), c.original.QuotedName())
		return tableLock.ExecUnderLock(ctx, stmt)
	}

	// Two-step fallback. The rollback statement is registered (here, by
	// logging it at Warn so the Orchestrator's ledger/cleanup path can
	// surface it) before the second step runs, so a crash between the
	// two renames leaves a clearly recoverable half-renamed pair: O is
	// gone, O_old holds its data, and the second rename is simply retried.
	first := fmt.Sprintf("ALTER TABLE %s RENAME %s", c.original.QuotedName(), oldQuoted)
	if err := tableLock.ExecUnderLock(ctx, first); err != nil {
		return err
	}
	rollback := fmt.Sprintf("ALTER TABLE %s RENAME %s", oldQuoted, c.original.QuotedName())
	c.logger.Warnf("cutover: recorded rollback in case of crash before second rename: %s", rollback)

	second := fmt.Sprintf("ALTER TABLE %s RENAME %s", c.shadow.QuotedName(), c.original.QuotedName())
	if err := tableLock.ExecUnderLock(ctx, second); err != nil {
		// Attempt the recorded rollback immediately; if this also fails,
		// the Orchestrator's ledger-driven Cleanup is the backstop.
		if rbErr := tableLock.ExecUnderLock(ctx, rollback); rbErr != nil {
			c.logger.Errorf("cutover: rollback after failed second rename also failed: %v", rbErr)
		}
		return err
	}
	return nil
}
