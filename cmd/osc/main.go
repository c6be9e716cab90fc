package main

import (
	"github.com/alecthomas/kong"
)

var cli struct {
	Copy    CopyCmd    `cmd:"" help:"Copy mode: build a shadow table, replay changes, and cut over."`
	Cleanup CleanupCmd `cmd:"" help:"Force-remove leftover OSC artifacts (tables, triggers, dump files) for a schema."`
	Direct  DirectCmd  `cmd:"" help:"Direct mode: run the ALTER directly against the table, no copy. Not supported by this engine."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("osc"),
		kong.Description("Online schema change engine: trigger-captured copy, chunked dump/load, and atomic cutover."))
	ctx.FatalIfErrorf(ctx.Run())
}
