// Package schema defines the structured table model the rest of the
// engine consumes. Parsing CREATE TABLE text into this model is an
// external collaborator's job; this package only holds the model plus
// the handful of probes the orchestrator needs at setup time (primary
// key presence, foreign key references, unique index coverage) and the
// ALTER-clause safety checks that must live inside the engine itself.
package schema

import (
	"fmt"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"

	"github.com/block/oscengine/pkg/escape"
)

// Column describes a single column of a Table.
type Column struct {
	Name     string
	Type     string // raw column type, e.g. "varchar(255)"
	Nullable bool
	Charset  string
	Collation string
}

// IndexColumn is one column participant in an Index, with an optional
// key-part prefix length (e.g. `name(10)`).
type IndexColumn struct {
	Name   string
	Prefix int // 0 means no prefix
}

// Index describes a secondary or primary index.
type Index struct {
	Name     string
	Unique   bool
	Primary  bool
	Columns  []IndexColumn
}

// HasPrefixedColumn reports whether any key part of the index uses a
// prefix length, which makes the index unusable as a chunking cursor
// (spec §4.D edge case).
func (i Index) HasPrefixedColumn() bool {
	for _, c := range i.Columns {
		if c.Prefix > 0 {
			return true
		}
	}
	return false
}

// ColumnNames returns the bare column names of the index in order.
func (i Index) ColumnNames() []string {
	names := make([]string, len(i.Columns))
	for idx, c := range i.Columns {
		names[idx] = c.Name
	}
	return names
}

// Partition describes one partition of a RANGE-partitioned table.
type Partition struct {
	Name        string
	LessThanExpr string // the RANGE boundary expression, verbatim
}

// ForeignKey describes a foreign key constraint referencing another table.
type ForeignKey struct {
	Name          string
	Columns       []string
	RefTable      string
	RefColumns    []string
}

// Table is the structured model of a single MySQL table, as delivered by
// the (out of scope) CREATE TABLE parser.
type Table struct {
	Schema      string
	Name        string
	Columns     []Column
	Indexes     []Index
	Partitions  []Partition // nil/empty if not partitioned
	PartitionBy string      // e.g. "RANGE", "" if not partitioned
	ForeignKeys []ForeignKey
	Engine      string
	Charset     string
	Collation   string
}

// QuotedName returns the schema-qualified, backtick-quoted table name.
func (t *Table) QuotedName() string {
	if t.Schema == "" {
		return escape.Ident(t.Name)
	}
	return escape.Ident(t.Schema) + "." + escape.Ident(t.Name)
}

// ColumnNames returns the bare names of every column, in declared order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasColumn reports whether name is a column of t.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// PrimaryKey returns the table's primary key index, or nil if none.
func (t *Table) PrimaryKey() *Index {
	for i := range t.Indexes {
		if t.Indexes[i].Primary {
			return &t.Indexes[i]
		}
	}
	return nil
}

// HasPrimaryKey reports whether t declares a primary key.
func (t *Table) HasPrimaryKey() bool {
	return t.PrimaryKey() != nil
}

// UniqueIndexes returns every unique (including primary) index on t.
func (t *Table) UniqueIndexes() []Index {
	var out []Index
	for _, idx := range t.Indexes {
		if idx.Unique || idx.Primary {
			out = append(out, idx)
		}
	}
	return out
}

// CoversColumns reports whether idx is a covering unique index over cols,
// in the sense that cols is a subset of idx's columns with no prefixing.
func (t *Table) CoversColumns(idx Index, cols []string) bool {
	if idx.HasPrefixedColumn() {
		return false
	}
	have := make(map[string]bool, len(idx.Columns))
	for _, c := range idx.Columns {
		have[c.Name] = true
	}
	for _, c := range cols {
		if !have[c] {
			return false
		}
	}
	return true
}

// ChooseFilterKey selects P_filter: the primary key if present and
// unprefixed; otherwise the first unique index with no prefixed column
// parts. Returns nil if no suitable key exists (NoPrimaryKey/NoIndexCoverage
// territory for the caller to raise as a typed error).
func (t *Table) ChooseFilterKey() *Index {
	if pk := t.PrimaryKey(); pk != nil && !pk.HasPrefixedColumn() {
		return pk
	}
	for i := range t.Indexes {
		idx := &t.Indexes[i]
		if (idx.Unique) && !idx.HasPrefixedColumn() {
			return idx
		}
	}
	return nil
}

// ForeignKeysReferencing returns every foreign key in t whose ref table
// matches name (case-sensitive, matching MySQL's default identifier
// comparison for non-lower-case-table-names systems).
func (t *Table) ForeignKeysReferencing(name string) []ForeignKey {
	var out []ForeignKey
	for _, fk := range t.ForeignKeys {
		if fk.RefTable == name {
			out = append(out, fk)
		}
	}
	return out
}

// QuoteColumns renders a comma-joined, backtick-quoted column list, in
// the style the teacher's table package used for building projection
// lists.
func QuoteColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = escape.Ident(c)
	}
	return strings.Join(quoted, ", ")
}

// AlterContainsUnsupportedClause checks whether an ALTER TABLE statement
// contains a clause the engine does not support layering its own locking
// and algorithm selection underneath (ALGORITHM=, LOCK=).
func AlterContainsUnsupportedClause(sql string) error {
	alterStmt, err := parseAlter(sql)
	if err != nil {
		return err
	}
	var unsupported []string
	for _, spec := range alterStmt.Specs {
		switch spec.Tp {
		case ast.AlterTableAlgorithm:
			unsupported = append(unsupported, "ALGORITHM=")
		case ast.AlterTableLock:
			unsupported = append(unsupported, "LOCK=")
		}
	}
	if len(unsupported) > 0 {
		return fmt.Errorf("ALTER contains unsupported clause(s): %s", strings.Join(unsupported, ", "))
	}
	return nil
}

// AlterContainsAddForeignKey reports (via error) whether the ALTER adds a
// foreign key constraint, which spec.md §1 places out of scope for
// FK-aware copying.
func AlterContainsAddForeignKey(sql string) error {
	alterStmt, err := parseAlter(sql)
	if err != nil {
		return err
	}
	for _, spec := range alterStmt.Specs {
		if spec.Tp == ast.AlterTableAddConstraint && spec.Constraint != nil && spec.Constraint.Tp == ast.ConstraintForeignKey {
			return fmt.Errorf("ALTER adds a foreign key constraint, which is not supported")
		}
	}
	return nil
}

// AlterContainsIndexVisibility reports (via error) whether the ALTER only
// changes index visibility -- a pure metadata operation that should never
// be routed through a full table-rebuild OSC.
func AlterContainsIndexVisibility(sql string) error {
	alterStmt, err := parseAlter(sql)
	if err != nil {
		return err
	}
	for _, spec := range alterStmt.Specs {
		if spec.Tp == ast.AlterTableIndexInvisible {
			return fmt.Errorf("the ALTER operation only changes index visibility and should be run directly, not through an online schema change")
		}
	}
	return nil
}

// AlterDroppedColumns returns the names of every column the ALTER drops,
// so the Orchestrator can reject a drop that removes a P_filter column
// (PrimaryColumnDropped).
func AlterDroppedColumns(sql string) ([]string, error) {
	alterStmt, err := parseAlter(sql)
	if err != nil {
		return nil, err
	}
	var dropped []string
	for _, spec := range alterStmt.Specs {
		if spec.Tp == ast.AlterTableDropColumn && spec.OldColumnName != nil {
			dropped = append(dropped, spec.OldColumnName.Name.O)
		}
	}
	return dropped, nil
}

// AlterContainsAddPrimaryKey reports whether the ALTER adds a primary key
// constraint, which requires explicit operator opt-in since it changes
// the row-identity contract the rest of the engine relies on.
func AlterContainsAddPrimaryKey(sql string) (bool, error) {
	alterStmt, err := parseAlter(sql)
	if err != nil {
		return false, err
	}
	for _, spec := range alterStmt.Specs {
		if spec.Tp == ast.AlterTableAddConstraint && spec.Constraint != nil && spec.Constraint.Tp == ast.ConstraintPrimaryKey {
			return true, nil
		}
	}
	return false, nil
}

func parseAlter(sql string) (*ast.AlterTableStmt, error) {
	p := parser.New()
	stmtNodes, _, err := p.Parse(sql, "", "")
	if err != nil {
		return nil, fmt.Errorf("parsing ALTER statement: %w", err)
	}
	if len(stmtNodes) != 1 {
		return nil, fmt.Errorf("expected exactly one statement, got %d", len(stmtNodes))
	}
	alterStmt, ok := stmtNodes[0].(*ast.AlterTableStmt)
	if !ok {
		return nil, fmt.Errorf("expected an ALTER TABLE statement")
	}
	return alterStmt, nil
}
