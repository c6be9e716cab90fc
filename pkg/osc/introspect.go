package osc

import (
	"context"
	"database/sql"

	"github.com/block/oscengine/pkg/dbconn"
	"github.com/block/oscengine/pkg/oscerror"
	"github.com/block/oscengine/pkg/schema"
)

// InspectOriginal opens a short-lived connection against dsn and reads
// schemaName.tableName back from information_schema, for callers (cmd/osc)
// that have a live table to point the Orchestrator at rather than
// CREATE TABLE text to parse -- the CREATE-TABLE parser itself stays out
// of scope (spec.md §1).
func InspectOriginal(ctx context.Context, dsn string, dbConfig *dbconn.DBConfig, schemaName, tableName string) (*schema.Table, error) {
	db, err := dbconn.NewWithConnectionType(dsn, dbConfig, "schema introspection")
	if err != nil {
		return nil, oscerror.NewGeneric("osc.inspect_original", "connect", err)
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, oscerror.NewGeneric("osc.inspect_original", "conn", err)
	}
	defer conn.Close()

	return inspectTable(ctx, conn, schemaName, tableName)
}

// inspectTable reads the structured model of an already-materialized table
// back out of information_schema. The CREATE-TABLE parser is out of scope
// (spec.md §1) for turning SQL text into a schema.Table, but the shadow
// table's final shape is only known to MySQL after CREATE TABLE ... LIKE
// plus the caller's ALTER have both run, so the Orchestrator reads it back
// the same way the rest of the ecosystem's OSC tools do: via
// information_schema, not by diffing SQL text itself.
func inspectTable(ctx context.Context, conn *sql.Conn, schemaName, tableName string) (*schema.Table, error) {
	t := &schema.Table{Schema: schemaName, Name: tableName}

	engineRow := conn.QueryRowContext(ctx, `
		SELECT ENGINE, TABLE_COLLATION FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`, schemaName, tableName)
	var collation sql.NullString
	if err := engineRow.Scan(&t.Engine, &collation); err != nil {
		return nil, oscerror.NewGeneric("osc.inspect_table", "tables_probe", err)
	}
	t.Collation = collation.String

	cols, err := inspectColumns(ctx, conn, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	t.Columns = cols

	indexes, err := inspectIndexes(ctx, conn, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	t.Indexes = indexes

	partitions, partitionBy, err := inspectPartitions(ctx, conn, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	t.Partitions = partitions
	t.PartitionBy = partitionBy

	return t, nil
}

func inspectColumns(ctx context.Context, conn *sql.Conn, schemaName, tableName string) ([]schema.Column, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, CHARACTER_SET_NAME, COLLATION_NAME
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, schemaName, tableName)
	if err != nil {
		return nil, oscerror.NewGeneric("osc.inspect_table", "columns_probe", err)
	}
	defer rows.Close()

	var cols []schema.Column
	for rows.Next() {
		var name, colType, isNullable string
		var charset, coll sql.NullString
		if err := rows.Scan(&name, &colType, &isNullable, &charset, &coll); err != nil {
			return nil, oscerror.NewGeneric("osc.inspect_table", "columns_scan", err)
		}
		cols = append(cols, schema.Column{
			Name:      name,
			Type:      colType,
			Nullable:  isNullable == "YES",
			Charset:   charset.String,
			Collation: coll.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, oscerror.NewGeneric("osc.inspect_table", "columns_rows", err)
	}
	if len(cols) == 0 {
		return nil, oscerror.Newf(oscerror.KindTableNotExist, "osc.inspect_table",
			"table %s.%s has no columns (does not exist?)", schemaName, tableName)
	}
	return cols, nil
}

func inspectIndexes(ctx context.Context, conn *sql.Conn, schemaName, tableName string) ([]schema.Index, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT INDEX_NAME, NON_UNIQUE, COLUMN_NAME, SUB_PART
		FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY INDEX_NAME, SEQ_IN_INDEX`, schemaName, tableName)
	if err != nil {
		return nil, oscerror.NewGeneric("osc.inspect_table", "statistics_probe", err)
	}
	defer rows.Close()

	order := make([]string, 0, 4)
	byName := make(map[string]*schema.Index, 4)
	for rows.Next() {
		var indexName, colName string
		var nonUnique int
		var subPart sql.NullInt64
		if err := rows.Scan(&indexName, &nonUnique, &colName, &subPart); err != nil {
			return nil, oscerror.NewGeneric("osc.inspect_table", "statistics_scan", err)
		}
		idx, ok := byName[indexName]
		if !ok {
			idx = &schema.Index{
				Name:    indexName,
				Unique:  nonUnique == 0,
				Primary: indexName == "PRIMARY",
			}
			byName[indexName] = idx
			order = append(order, indexName)
		}
		prefix := 0
		if subPart.Valid {
			prefix = int(subPart.Int64)
		}
		idx.Columns = append(idx.Columns, schema.IndexColumn{Name: colName, Prefix: prefix})
	}
	if err := rows.Err(); err != nil {
		return nil, oscerror.NewGeneric("osc.inspect_table", "statistics_rows", err)
	}

	indexes := make([]schema.Index, 0, len(order))
	for _, name := range order {
		indexes = append(indexes, *byName[name])
	}
	return indexes, nil
}

func inspectPartitions(ctx context.Context, conn *sql.Conn, schemaName, tableName string) ([]schema.Partition, string, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT PARTITION_NAME, PARTITION_METHOD, PARTITION_DESCRIPTION
		FROM information_schema.PARTITIONS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND PARTITION_NAME IS NOT NULL
		ORDER BY PARTITION_ORDINAL_POSITION`, schemaName, tableName)
	if err != nil {
		return nil, "", oscerror.NewGeneric("osc.inspect_table", "partitions_probe", err)
	}
	defer rows.Close()

	var partitions []schema.Partition
	var method string
	for rows.Next() {
		var name string
		var m, desc sql.NullString
		if err := rows.Scan(&name, &m, &desc); err != nil {
			return nil, "", oscerror.NewGeneric("osc.inspect_table", "partitions_scan", err)
		}
		if m.Valid {
			method = m.String
		}
		partitions = append(partitions, schema.Partition{Name: name, LessThanExpr: desc.String})
	}
	if err := rows.Err(); err != nil {
		return nil, "", oscerror.NewGeneric("osc.inspect_table", "partitions_rows", err)
	}
	return partitions, method, nil
}

// referencingForeignKeys reports whether any OTHER table in the instance
// declares a foreign key pointing at schemaName.tableName -- the half of
// the FK-reject check that Original's own (parsed) model cannot answer by
// itself, since it only describes FKs it declares outward.
func referencingForeignKeys(ctx context.Context, conn *sql.Conn, schemaName, tableName string) (int, error) {
	var count int
	err := conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.KEY_COLUMN_USAGE
		WHERE REFERENCED_TABLE_SCHEMA = ? AND REFERENCED_TABLE_NAME = ?`,
		schemaName, tableName).Scan(&count)
	if err != nil {
		return 0, oscerror.NewGeneric("osc.referencing_foreign_keys", "key_column_usage_probe", err)
	}
	return count, nil
}
