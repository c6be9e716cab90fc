// Package escape centralizes the backtick- and quote-doubling rules MySQL
// requires for identifiers and string literals embedded in generated SQL
// (DDL, LOAD/SELECT ... INTO OUTFILE, and dump-file path literals). It
// exists as its own package, mirroring the teacher's dedicated internal
// sqlescape sub-package, rather than four copies of the same two-line
// helper scattered across pkg/ident, pkg/dump, pkg/load, and pkg/schema.
package escape

import "strings"

// Ident backtick-quotes a MySQL identifier, doubling any embedded backtick.
func Ident(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// String single-quotes a MySQL string literal, doubling any embedded
// single quote.
func String(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
