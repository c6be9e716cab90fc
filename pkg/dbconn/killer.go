package dbconn

import (
	"context"
	"database/sql"
	"regexp"
	"strings"

	"github.com/siddontang/loggers"

	"github.com/block/oscengine/pkg/schema"
)

// KillLockingTransactions opens a short-lived "killer" session and issues
// KILL against every connection whose current statement matches one of
// tables by name AND is a SELECT or ALTER in the target schema AND is not
// an information-schema probe. excludePIDs is the set of connection ids
// to never kill (the driver's own lock-acquisition transaction).
//
// This is the single-shot timer target described in the concurrency
// model: the driver arms a timer before requesting a write lock; if it
// wins the race, it cancels the timer; otherwise this function runs in
// its place so the driver's LOCK TABLES can proceed.
func KillLockingTransactions(ctx context.Context, db *sql.DB, tables []*schema.Table, config *DBConfig, logger loggers.Advanced, excludePIDs []int) error {
	exclude := make(map[int]bool, len(excludePIDs))
	for _, pid := range excludePIDs {
		exclude[pid] = true
	}
	tableRe := tableNameRegexp(tables)
	schemas := make(map[string]bool, len(tables))
	for _, t := range tables {
		schemas[t.Schema] = true
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, command, time, info, db
		FROM information_schema.processlist
		WHERE command <> 'Sleep'`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var toKill []int
	for rows.Next() {
		var id int
		var command, info, db sql.NullString
		var timeSeconds int
		if err := rows.Scan(&id, &command, &timeSeconds, &info, &db); err != nil {
			return err
		}
		if exclude[id] {
			continue
		}
		if !info.Valid {
			continue
		}
		if !db.Valid || !schemas[db.String] {
			continue
		}
		stmt := strings.TrimSpace(info.String)
		if !isKillCandidate(stmt, tableRe) {
			continue
		}
		toKill = append(toKill, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range toKill {
		logger.Warnf("killing blocking connection id=%d to acquire table lock", id)
		if _, err := db.ExecContext(ctx, "KILL ?", id); err != nil {
			// A connection may have already closed on its own; that's fine.
			logger.Warnf("could not kill connection id=%d: %v", id, err)
		}
	}
	return nil
}

// isKillCandidate reports whether stmt is a SELECT or ALTER statement
// referencing one of the target tables, and is not itself an
// information_schema probe (which would otherwise self-select as a kill
// target since it mentions the processlist machinery).
func isKillCandidate(stmt string, tableRe *regexp.Regexp) bool {
	upper := strings.ToUpper(strings.TrimSpace(stmt))
	isSelectOrAlter := strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "ALTER")
	if !isSelectOrAlter {
		return false
	}
	if strings.Contains(upper, "INFORMATION_SCHEMA") {
		return false
	}
	return tableRe.MatchString(stmt)
}

// tableNameRegexp builds a regexp matching any of tables' bare names as a
// whole-word token, so "orders" doesn't false-positive on "orders_archive".
func tableNameRegexp(tables []*schema.Table) *regexp.Regexp {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = regexp.QuoteMeta(t.Name)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(names, "|") + `)\b`)
}
