// Package oscerror defines the typed error kinds surfaced by the copy and
// cleanup engines. Every failure the orchestrator needs to branch on
// carries a distinct Kind rather than needing a string comparison, per the
// exceptions-for-control-flow redesign. Kinds with extra fields
// (MutexHeld, ReplayAffectedRowsMismatch, CheckSumMismatch, Generic) have
// their own exported type; the rest share one unexported implementation.
package oscerror

import (
	"fmt"

	"github.com/pingcap/errors"
)

// Kind is the stable key attached to every typed error, suitable for
// exit-code mapping and log aggregation.
type Kind string

const (
	KindConnectFailed             Kind = "ConnectFailed"
	KindVarsFetchFailed           Kind = "VarsFetchFailed"
	KindDBNotExist                Kind = "DBNotExist"
	KindTableAlreadyExists        Kind = "TableAlreadyExists"
	KindTableNotExist             Kind = "TableNotExist"
	KindTriggerAlreadyExists      Kind = "TriggerAlreadyExists"
	KindForeignKeyFound           Kind = "ForeignKeyFound"
	KindNoPrimaryKey              Kind = "NoPrimaryKey"
	KindNewPrimaryKeyRequiresOptIn Kind = "NewPrimaryKeyRequiresOptIn"
	KindNoIndexCoverage           Kind = "NoIndexCoverage"
	KindPrimaryColumnDropped      Kind = "PrimaryColumnDropped"
	KindNotEnoughSpace            Kind = "NotEnoughSpace"
	KindFileAlreadyExists         Kind = "FileAlreadyExists"
	KindDumpChunkSizeUnknown      Kind = "DumpChunkSizeUnknown"
	KindWrongEngine               Kind = "WrongEngine"
	KindUnsafeTimestampBootstrap  Kind = "UnsafeTimestampBootstrap"
	KindNotRBRSafe                Kind = "NotRBRSafe"
	KindLockAcquireFailed         Kind = "LockAcquireFailed"
	KindGuardExhausted            Kind = "GuardExhausted"
	KindTriggerCreateFailed       Kind = "TriggerCreateFailed"
	KindReplayAffectedRowsMismatch Kind = "ReplayAffectedRowsMismatch"
	KindReplayTimeout             Kind = "ReplayTimeout"
	KindReplayMaxAttemptsExceeded Kind = "ReplayMaxAttemptsExceeded"
	KindReplayTooManyDeltas       Kind = "ReplayTooManyDeltas"
	KindCheckSumMismatch          Kind = "CheckSumMismatch"
	KindCutoverRetriesExhausted   Kind = "CutoverRetriesExhausted"
	KindCleanupExecutionError     Kind = "CleanupExecutionError"
	KindMutexHeld                 Kind = "MutexHeld"
	KindAssertion                 Kind = "Assertion"
	KindGeneric                   Kind = "Generic"
)

// Error is the common interface implemented by every typed error in this
// package. The Orchestrator switches on Kind(), not on string matching.
type Error interface {
	error
	Kind() Kind
	Fields() map[string]any
}

// base carries the fields shared by every typed error: the stage in which
// it occurred, and a free-form field bag for contextual data.
type base struct {
	kind   Kind
	stage  string
	msg    string
	fields map[string]any
	cause  error
}

func (e *base) Kind() Kind { return e.kind }

func (e *base) Fields() map[string]any {
	f := make(map[string]any, len(e.fields)+1)
	if e.stage != "" {
		f["stage"] = e.stage
	}
	for k, v := range e.fields {
		f[k] = v
	}
	return f
}

func (e *base) Error() string {
	if e.stage != "" {
		return fmt.Sprintf("[%s] %s: %s", e.kind, e.stage, e.msg)
	}
	return fmt.Sprintf("[%s] %s", e.kind, e.msg)
}

func (e *base) Unwrap() error { return e.cause }

func newBase(kind Kind, stage, msg string, cause error, fields map[string]any) *base {
	return &base{kind: kind, stage: stage, msg: msg, cause: cause, fields: fields}
}

// New constructs a typed error of the given kind with no extra fields.
func New(kind Kind, stage, msg string) Error {
	return newBase(kind, stage, msg, nil, nil)
}

// Newf is like New but formats msg.
func Newf(kind Kind, stage, format string, args ...any) Error {
	return newBase(kind, stage, fmt.Sprintf(format, args...), nil, nil)
}

// WithFields attaches contextual fields to a new typed error.
func WithFields(kind Kind, stage, msg string, fields map[string]any) Error {
	return newBase(kind, stage, msg, nil, fields)
}

// MutexHeldError carries the session id of the mutex holder, so Cleanup
// can target it directly (spec §4.B).
type MutexHeldError struct {
	*base
	HolderConnectionID int
}

func NewMutexHeld(stage, lockName string, holderConnID int) *MutexHeldError {
	return &MutexHeldError{
		base: newBase(KindMutexHeld, stage,
			fmt.Sprintf("could not acquire named mutex %q: held by connection %d", lockName, holderConnID),
			nil, map[string]any{"lock_name": lockName, "holder_connection_id": holderConnID}),
		HolderConnectionID: holderConnID,
	}
}

// ReplayAffectedRowsMismatchError carries the expected vs actual row counts.
type ReplayAffectedRowsMismatchError struct {
	*base
	Expected int64
	Actual   int64
}

func NewReplayAffectedRowsMismatch(stage string, expected, actual int64) *ReplayAffectedRowsMismatchError {
	return &ReplayAffectedRowsMismatchError{
		base: newBase(KindReplayAffectedRowsMismatch, stage,
			fmt.Sprintf("replay group affected %d rows, expected %d", actual, expected),
			nil, map[string]any{"expected": expected, "actual": actual}),
		Expected: expected,
		Actual:   actual,
	}
}

// CheckSumMismatchError carries the chunk boundary (if any) that first
// diverged, for offline diagnosis.
type CheckSumMismatchError struct {
	*base
	ChunkDescription string
}

func NewCheckSumMismatch(stage, chunkDescription string) *CheckSumMismatchError {
	return &CheckSumMismatchError{
		base: newBase(KindCheckSumMismatch, stage,
			fmt.Sprintf("checksum mismatch in chunk: %s", chunkDescription),
			nil, map[string]any{"chunk": chunkDescription}),
		ChunkDescription: chunkDescription,
	}
}

// Generic wraps an arbitrary underlying driver/server error with stage,
// code and message context, per spec §7's propagation policy. Its message
// is the cause's text as formatted by pingcap/errors; no stack trace is
// kept. The cause itself is reachable through Unwrap.
type Generic struct {
	*base
	Code string
}

func NewGeneric(stage, code string, cause error) *Generic {
	return &Generic{
		base: newBase(KindGeneric, stage, errors.WithStack(cause).Error(), cause,
			map[string]any{"code": code}),
		Code: code,
	}
}

// Assertion signals an internal invariant violation (a bug, not a user or
// server error). It records only the message; no stack trace is kept.
func NewAssertion(stage, msg string) Error {
	return newBase(KindAssertion, stage, errors.New(msg).Error(), nil, nil)
}
