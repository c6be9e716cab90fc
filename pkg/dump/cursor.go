package dump

import (
	"fmt"
	"strings"

	"github.com/block/oscengine/pkg/ident"
)

// ExpandRowConstructorComparison builds the boolean expression for
// "(cols) > (cursor)" (or >= when strict is false) as an OR-chain of
// AND-chains instead of a literal row-value-constructor comparison, so
// the predicate can use a leading-column index range scan on servers
// whose optimizer does not push a row constructor into an index range.
// Returns the SQL fragment (using `?` placeholders) together with the
// argument list in the order the placeholders appear.
//
// For columns (a, b) and strict=true this produces:
//
//	((`a` > ?)
//	 OR (`a` = ? AND `b` > ?))
//
// with args [cursor[0], cursor[0], cursor[1]].
func ExpandRowConstructorComparison(cols []string, cursor []any, strict bool) (string, []any) {
	n := len(cols)
	clauses := make([]string, n)
	var args []any
	op := ">"
	for i := 0; i < n; i++ {
		lastOp := op
		if i == n-1 && !strict {
			lastOp = ">="
		}
		var parts []string
		for j := 0; j < i; j++ {
			parts = append(parts, fmt.Sprintf("%s = ?", ident.Escape(cols[j])))
			args = append(args, cursor[j])
		}
		parts = append(parts, fmt.Sprintf("%s %s ?", ident.Escape(cols[i]), lastOp))
		args = append(args, cursor[i])
		clauses[i] = "(" + strings.Join(parts, " AND ") + ")"
	}
	return "(" + strings.Join(clauses, "\n OR ") + ")", args
}
