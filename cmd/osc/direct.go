package main

import "errors"

// DirectCmd mirrors the original tool's "direct" mode (run the ALTER
// in place, no shadow table, no copy) for CLI parity. This engine only
// implements copy mode; direct mode has no rebuild step to orchestrate
// and is out of scope (spec.md §1's Non-goals).
type DirectCmd struct {
	DSN      string `required:"" help:"MySQL DSN, e.g. user:pass@tcp(host:3306)/dbname"`
	Schema   string `required:"" help:"Schema (database) the table lives in."`
	Table    string `required:"" help:"Table to change."`
	AlterSQL string `name:"alter" help:"ALTER TABLE clause(s) to apply directly."`
}

func (c *DirectCmd) Run() error {
	return errors.New("direct mode is not supported by this engine; use the copy command")
}
