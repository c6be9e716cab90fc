// Package session implements the Session Controller: the engine opens
// one long-lived connection for the entire OSC run, configures it for
// safe concurrent operation alongside application traffic, and exposes
// the named-mutex, applier stop/start, and DDL-guard primitives the rest
// of the engine needs.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/siddontang/loggers"

	"github.com/block/oscengine/pkg/dbconn"
	"github.com/block/oscengine/pkg/oscerror"
)

// Override is a single session-variable override applied during init, in
// addition to the baked-in safety defaults.
type Override struct {
	Name  string
	Value string
}

// Config is the Session Controller's option set, mapping 1:1 to spec
// §4.B's recognized configuration subset.
type Config struct {
	Isolation           string // "REPEATABLE READ" by default
	StrictMode          bool
	DisableLocalBinlog  bool
	HighPriorityDDL     string // "on", "off", or "autodetect"
	NamedMutexEnabled   bool
	SessionOverrides    []Override

	// DDLGuard polling.
	GuardMaxConcurrentStatements int
	GuardPollInterval            time.Duration
	GuardMaxAttempts             int

	// NamedMutexRefreshInterval controls how often the held lock is
	// refreshed in the background to survive connection blips.
	NamedMutexRefreshInterval time.Duration
}

// NewConfig returns the Session Controller's defaults.
func NewConfig() *Config {
	return &Config{
		Isolation:                     "REPEATABLE READ",
		StrictMode:                    true,
		DisableLocalBinlog:            true,
		HighPriorityDDL:               "autodetect",
		NamedMutexEnabled:             true,
		GuardMaxConcurrentStatements:  20,
		GuardPollInterval:             500 * time.Millisecond,
		GuardMaxAttempts:              20,
		NamedMutexRefreshInterval:     time.Minute,
	}
}

// Controller owns the single driver connection for the duration of an
// OSC run.
type Controller struct {
	db     *sql.DB
	conn   *sql.Conn
	config *Config
	logger loggers.Advanced

	highPriorityDDLSupported bool

	mutexName        string
	mutexHeld        bool
	mutexCancel      context.CancelFunc
	mutexClosed      chan struct{}

	applierWasRunning bool
	stoppedByUs       bool
}

// New opens and initializes the Session Controller's driver connection.
func New(ctx context.Context, db *sql.DB, config *Config, logger loggers.Advanced) (*Controller, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, oscerror.NewGeneric("session.init", "connect", err)
	}
	c := &Controller{db: db, conn: conn, config: config, logger: logger}
	if err := c.init(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Controller) init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("SET SESSION TRANSACTION ISOLATION LEVEL %s", c.config.Isolation),
	}
	if c.config.StrictMode {
		stmts = append(stmts, "SET SESSION sql_mode = CONCAT(@@sql_mode, ',STRICT_ALL_TABLES')")
	}
	if c.config.DisableLocalBinlog {
		stmts = append(stmts, "SET SESSION sql_log_bin = 0")
	}
	for _, o := range c.config.SessionOverrides {
		stmts = append(stmts, fmt.Sprintf("SET SESSION %s = %s", o.Name, o.Value))
	}
	for _, stmt := range stmts {
		if _, err := c.conn.ExecContext(ctx, stmt); err != nil {
			return oscerror.NewGeneric("session.init", "set_session_vars", err)
		}
	}
	c.highPriorityDDLSupported = c.detectHighPriorityDDL(ctx)
	return nil
}

// detectHighPriorityDDL probes whether the server honors high-priority
// metadata-lock acquisition for DDL (MySQL 8.0+ semantics vary by
// version/vendor fork, hence a probe rather than a version-string parse).
func (c *Controller) detectHighPriorityDDL(ctx context.Context) bool {
	if c.config.HighPriorityDDL == "off" {
		return false
	}
	if c.config.HighPriorityDDL == "on" {
		return true
	}
	var version string
	if err := c.conn.QueryRowContext(ctx, "SELECT @@version").Scan(&version); err != nil {
		return false
	}
	// Autodetect: any 8.0+ server is assumed capable; callers still treat
	// this as a hint, not a guarantee, and fall back to brief write locks.
	var major, minor int
	if _, err := fmt.Sscanf(version, "%d.%d", &major, &minor); err != nil {
		return false
	}
	return major > 8 || (major == 8 && minor >= 0)
}

// HighPriorityDDLSupported reports the autodetected (or overridden)
// capability, for the Trigger Installer's serialization strategy choice.
func (c *Controller) HighPriorityDDLSupported() bool {
	return c.highPriorityDDLSupported
}

// Conn returns the underlying driver connection for components (Trigger
// Installer, Cutover Coordinator) that must execute within this single
// session.
func (c *Controller) Conn() *sql.Conn {
	return c.conn
}

// AcquireNamedMutex acquires a cluster-wide (per-instance) advisory lock
// via GET_LOCK, refreshing it on a ticker in the background so it
// survives the full run. Failure returns a MutexHeldError carrying the
// holding connection's id.
func (c *Controller) AcquireNamedMutex(ctx context.Context, name string) error {
	if !c.config.NamedMutexEnabled {
		return nil
	}
	var answer sql.NullInt64
	if err := c.conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", name).Scan(&answer); err != nil {
		return oscerror.NewGeneric("session.acquire_named_mutex", "get_lock", err)
	}
	if !answer.Valid || answer.Int64 != 1 {
		holder, _ := dbconn.LookupLockHolder(ctx, c.db, name)
		return oscerror.NewMutexHeld("session.acquire_named_mutex", name, holder)
	}
	c.mutexName = name
	c.mutexHeld = true

	refreshCtx, cancel := context.WithCancel(context.Background())
	c.mutexCancel = cancel
	c.mutexClosed = make(chan struct{})
	go func() {
		defer close(c.mutexClosed)
		ticker := time.NewTicker(c.config.NamedMutexRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
				var ans sql.NullInt64
				if err := c.conn.QueryRowContext(refreshCtx, "SELECT GET_LOCK(?, 0)", name).Scan(&ans); err != nil {
					c.logger.Warnf("failed to refresh named mutex %q: %v", name, err)
				}
			}
		}
	}()
	return nil
}

// ReleaseNamedMutex releases the named mutex acquired by AcquireNamedMutex.
// It is a no-op if the mutex was never held.
func (c *Controller) ReleaseNamedMutex(ctx context.Context) error {
	if !c.mutexHeld {
		return nil
	}
	if c.mutexCancel != nil {
		c.mutexCancel()
		<-c.mutexClosed
	}
	_, err := c.conn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", c.mutexName)
	c.mutexHeld = false
	if err != nil {
		return oscerror.NewGeneric("session.release_named_mutex", "release_lock", err)
	}
	return nil
}

// StopApplier stops the replication applier if it is currently running,
// remembering whether this call was the one that stopped it so Cleanup
// only restarts what it stopped.
func (c *Controller) StopApplier(ctx context.Context) error {
	var running bool
	if err := c.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) > 0 FROM performance_schema.replication_applier_status WHERE service_state = 'ON'",
	).Scan(&running); err != nil {
		// Not all servers expose this table (e.g. no replica configured);
		// treat as "nothing to stop".
		return nil
	}
	if !running {
		return nil
	}
	if _, err := c.conn.ExecContext(ctx, "STOP REPLICA SQL_THREAD"); err != nil {
		return oscerror.NewGeneric("session.stop_applier", "stop_replica", err)
	}
	c.applierWasRunning = true
	c.stoppedByUs = true
	return nil
}

// StartApplier restarts the replication applier, but only if this
// Controller was the one that stopped it.
func (c *Controller) StartApplier(ctx context.Context) error {
	if !c.stoppedByUs {
		return nil
	}
	if _, err := c.conn.ExecContext(ctx, "START REPLICA SQL_THREAD"); err != nil {
		return oscerror.NewGeneric("session.start_applier", "start_replica", err)
	}
	c.stoppedByUs = false
	return nil
}

// DDLGuard polls the server's concurrent-statement count and blocks
// until it drops below the configured threshold, bounded by
// GuardMaxAttempts. Returns GuardExhausted if the threshold is never met.
func (c *Controller) DDLGuard(ctx context.Context) error {
	for attempt := 0; attempt < c.config.GuardMaxAttempts; attempt++ {
		var running int
		err := c.conn.QueryRowContext(ctx,
			"SELECT VARIABLE_VALUE FROM performance_schema.global_status WHERE VARIABLE_NAME = 'THREADS_RUNNING'",
		).Scan(&running)
		if err != nil {
			return oscerror.NewGeneric("session.ddl_guard", "threads_running_probe", err)
		}
		if running < c.config.GuardMaxConcurrentStatements {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.GuardPollInterval):
		}
	}
	return oscerror.New(oscerror.KindGuardExhausted, "session.ddl_guard",
		fmt.Sprintf("concurrent statement count did not drop below %d after %d attempts",
			c.config.GuardMaxConcurrentStatements, c.config.GuardMaxAttempts))
}

// CheckRBRSafety verifies that, if the server is configured for
// row-based replication, it also supports suppressing trigger-body
// binlog events (so rows written by the capture triggers are not
// propagated to replicas as if they were direct writes to the
// change-log table). Returns NotRBRSafe if RBR is active and the
// suppression capability cannot be confirmed.
func (c *Controller) CheckRBRSafety(ctx context.Context) error {
	var binlogFormat string
	if err := c.conn.QueryRowContext(ctx, "SELECT @@binlog_format").Scan(&binlogFormat); err != nil {
		return oscerror.NewGeneric("session.check_rbr_safety", "binlog_format_probe", err)
	}
	if binlogFormat != "ROW" {
		return nil // statement-based or mixed replication: no trigger-body concern
	}
	// log_bin_trust_function_creators and the session's own sql_log_bin=0
	// (set during init) are what let us suppress trigger-body binlog
	// events on servers that don't support a narrower per-trigger control.
	var sqlLogBin string
	if err := c.conn.QueryRowContext(ctx, "SELECT @@sql_log_bin").Scan(&sqlLogBin); err != nil {
		return oscerror.NewGeneric("session.check_rbr_safety", "sql_log_bin_probe", err)
	}
	if sqlLogBin != "0" {
		return oscerror.New(oscerror.KindNotRBRSafe, "session.check_rbr_safety",
			"server uses row-based replication and this session could not disable binlog writes for the capture triggers")
	}
	return nil
}

// Close releases the named mutex (if held) and closes the driver
// connection.
func (c *Controller) Close(ctx context.Context) error {
	if err := c.ReleaseNamedMutex(ctx); err != nil {
		c.logger.Warnf("releasing named mutex during close: %v", err)
	}
	return c.conn.Close()
}
