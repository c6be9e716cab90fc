package main

import (
	"github.com/sirupsen/logrus"

	"github.com/block/oscengine/pkg/cleanup"
	"github.com/block/oscengine/pkg/dbconn"
)

// CleanupCmd force-removes any OSC-prefixed tables, triggers, and dump
// files left behind by a prior run that didn't clean up after itself
// (a killed process, or a deliberate KeepArtifactsOnError debug run).
type CleanupCmd struct {
	DSN     string   `required:"" help:"MySQL DSN, e.g. user:pass@tcp(host:3306)/dbname"`
	Schemas []string `required:"" help:"Schema(s) to sweep for leftover OSC artifacts."`
	DumpDir string   `help:"Directory to also scan for leftover dump files."`
}

func (c *CleanupCmd) Run() error {
	logger := logrus.New()
	ctx := newSignalContext()

	dbConfig := dbconn.NewDBConfig()
	db, err := dbconn.NewWithConnectionType(c.DSN, dbConfig, "forced cleanup")
	if err != nil {
		return err
	}
	defer db.Close()

	config := cleanup.NewConfig()
	config.Schemas = c.Schemas
	config.DumpDir = c.DumpDir

	engine := cleanup.New(db, config, dbConfig, logger)
	return engine.ForcedSweep(ctx)
}
