// Package ident derives the deterministic family of identifiers an OSC
// run needs for a given original table: the shadow table, the change-log
// table, the three capture triggers, the renamed-original, the named
// mutex, and the dump-file prefix.
//
// Names are length-bounded to MySQL's 64-byte identifier limit. When a
// role prefix plus the original name would not fit, we fall back to a
// fixed generic stem derived from a hash of the original name, so the
// name remains unique across roles and deterministic across repeated
// runs against the same table -- a fresh Cleanup process enumerating by
// name prefix must still recognize a truncated name as belonging to a
// specific original table.
package ident

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/block/oscengine/pkg/escape"
)

// MaxIdentifierLength is MySQL's limit for table/trigger identifiers.
const MaxIdentifierLength = 64

// Role distinguishes the purpose of a derived identifier.
type Role int

const (
	RoleShadowTable Role = iota
	RoleChangeLog
	RoleInsertTrigger
	RoleUpdateTrigger
	RoleDeleteTrigger
	RoleOldTable
	RoleNamedMutex
	RoleDumpPrefix
)

// prefix returns the distinctive tag for each role, matching the
// teacher's own naming convention of short lowercase tags.
func (r Role) prefix() string {
	switch r {
	case RoleShadowTable:
		return "new_"
	case RoleChangeLog:
		return "chg_"
	case RoleInsertTrigger:
		return "ins_"
	case RoleUpdateTrigger:
		return "upd_"
	case RoleDeleteTrigger:
		return "del_"
	case RoleOldTable:
		return "old_"
	case RoleNamedMutex:
		return "osc_lock_"
	case RoleDumpPrefix:
		return "osc_dump_"
	default:
		panic(fmt.Sprintf("ident: unknown role %d", int(r)))
	}
}

// Names is the full set of derived identifiers for one original table.
type Names struct {
	Shadow       string // N
	ChangeLog    string // L
	InsertTrig   string // T_i
	UpdateTrig   string // T_u
	DeleteTrig   string // T_d
	Old          string // renamed-original
	NamedMutex   string
	DumpPrefix   string
}

// Derive computes the full Names set for originalName, which must already
// be the bare (unquoted, unescaped) table name.
func Derive(originalName string) Names {
	return Names{
		Shadow:     For(RoleShadowTable, originalName),
		ChangeLog:  For(RoleChangeLog, originalName),
		InsertTrig: For(RoleInsertTrigger, originalName),
		UpdateTrig: For(RoleUpdateTrigger, originalName),
		DeleteTrig: For(RoleDeleteTrigger, originalName),
		Old:        For(RoleOldTable, originalName),
		NamedMutex: For(RoleNamedMutex, originalName),
		DumpPrefix: For(RoleDumpPrefix, originalName),
	}
}

// For computes a single derived identifier for a role. If prefix+name
// exceeds MaxIdentifierLength-2 (reserving two bytes for the widest
// collision-avoidance suffix families might append), it falls back to a
// generic stem built from an 8-hex-digit FNV-1a hash of originalName, so
// the result stays both unique across roles and stable across runs.
func For(r Role, originalName string) string {
	p := r.prefix()
	candidate := p + originalName
	if len(candidate) <= MaxIdentifierLength-2 {
		return candidate
	}
	return p + hashStem(originalName)
}

// hashStem returns a deterministic 8 hex-digit stem for originalName.
func hashStem(originalName string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(originalName))
	return fmt.Sprintf("%08x", h.Sum32())
}

// Escape backtick-quotes an identifier, doubling any embedded backticks.
func Escape(name string) string {
	return escape.Ident(name)
}

// HasAnyRolePrefix reports whether name begins with one of the role
// prefixes this package issues. Cleanup's name-prefix enumeration uses
// this to recognize OSC-owned artifacts across fresh processes.
func HasAnyRolePrefix(name string) bool {
	for _, p := range rolePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

var rolePrefixes = []string{
	RoleShadowTable.prefix(),
	RoleChangeLog.prefix(),
	RoleInsertTrigger.prefix(),
	RoleUpdateTrigger.prefix(),
	RoleDeleteTrigger.prefix(),
	RoleOldTable.prefix(),
	RoleNamedMutex.prefix(),
	RoleDumpPrefix.prefix(),
}
