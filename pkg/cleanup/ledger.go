// Package cleanup implements the Cleanup Engine: a ledger of artifacts
// created during an OSC run (tables, triggers, dump files) and the two
// sweep modes spec §4.I describes -- forced cleanup ahead of a new run,
// and crash-recovery cleanup that can locate and kill a stuck prior run
// before sweeping.
package cleanup

import "sync"

// ArtifactKind distinguishes the three kinds of artifact the ledger
// tracks, since cleanup order depends on kind (triggers before tables).
type ArtifactKind int

const (
	KindTrigger ArtifactKind = iota
	KindTable
	KindFile
)

func (k ArtifactKind) String() string {
	switch k {
	case KindTrigger:
		return "trigger"
	case KindTable:
		return "table"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// Artifact is one entry in the ledger: enough information to drop it
// without consulting any other state.
type Artifact struct {
	Kind   ArtifactKind
	Schema string // empty for files
	Name   string // table/trigger name, or file path
}

// Ledger records every artifact an OSC run creates, in registration
// order, before the creating statement is attempted -- so a crash
// between registration and creation still leaves a (harmless,
// idempotent-to-drop) entry behind.
type Ledger struct {
	mu        sync.Mutex
	artifacts []Artifact
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Register appends an artifact. Safe for concurrent use since the
// Trigger Installer, Dumper, and Loader may register from different
// goroutines during setup.
func (l *Ledger) Register(a Artifact) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.artifacts = append(l.artifacts, a)
}

// RegisterTrigger is a convenience wrapper for KindTrigger.
func (l *Ledger) RegisterTrigger(schema, name string) {
	l.Register(Artifact{Kind: KindTrigger, Schema: schema, Name: name})
}

// RegisterTable is a convenience wrapper for KindTable.
func (l *Ledger) RegisterTable(schema, name string) {
	l.Register(Artifact{Kind: KindTable, Schema: schema, Name: name})
}

// RegisterFile is a convenience wrapper for KindFile.
func (l *Ledger) RegisterFile(path string) {
	l.Register(Artifact{Kind: KindFile, Name: path})
}

// Forget removes a single matching artifact from the ledger -- used once
// an artifact has been successfully and permanently disposed of (e.g. a
// dump file deleted by the Loader after a successful LOAD DATA).
func (l *Ledger) Forget(a Artifact) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, existing := range l.artifacts {
		if existing == a {
			l.artifacts = append(l.artifacts[:i], l.artifacts[i+1:]...)
			return
		}
	}
}

// Entries returns a snapshot of the ledger's current artifacts, ordered
// triggers-first then tables then files, matching the execution order
// spec §4.I requires (independent of registration order, since a
// partially-failed run might register a table before its triggers
// during resume).
func (l *Ledger) Entries() []Artifact {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Artifact, 0, len(l.artifacts))
	for _, kind := range []ArtifactKind{KindTrigger, KindTable, KindFile} {
		for _, a := range l.artifacts {
			if a.Kind == kind {
				out = append(out, a)
			}
		}
	}
	return out
}

// Empty reports whether the ledger has no outstanding artifacts.
func (l *Ledger) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.artifacts) == 0
}
