package pglock

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"reflect"
	"runtime"
)

// LockID identifies an advisory lock. Three forms are supported: StringID,
// which is hashed to a 64-bit key, IntID, an explicit 64-bit key, and PairID,
// an explicit (classid, objid) pair using the two-argument advisory lock
// functions.
type LockID interface {
	fmt.Stringer

	// args returns the SQL placeholder fragment and arguments for the
	// advisory lock function call.
	args() (string, []any)
}

// StringID is a lock name hashed to a numeric key. The hash is the first
// eight bytes of the SHA-256 digest interpreted as a little-endian signed
// integer. The value for a given string is identical in every process, which
// is what makes cross-process mutual exclusion work.
type StringID string

// Key returns the 64-bit advisory lock key for the name.
func (s StringID) Key() int64 {
	sum := sha256.Sum256([]byte(s))
	return int64(binary.LittleEndian.Uint64(sum[:8]))
}

func (s StringID) String() string { return string(s) }

func (s StringID) args() (string, []any) {
	return "$1", []any{s.Key()}
}

// IntID is an explicit 64-bit advisory lock key.
type IntID int64

func (i IntID) String() string { return fmt.Sprintf("%d", int64(i)) }

func (i IntID) args() (string, []any) {
	return "$1", []any{int64(i)}
}

// PairID is an explicit (classid, objid) advisory lock key pair, passed to
// the two-argument forms of the advisory lock functions.
type PairID struct {
	ClassID int32
	ObjID   int32
}

func (p PairID) String() string { return fmt.Sprintf("(%d,%d)", p.ClassID, p.ObjID) }

func (p PairID) args() (string, []any) {
	return "$1, $2", []any{p.ClassID, p.ObjID}
}

// AdvisoryKey returns the (classid, objid) pair that Postgres reports in
// pg_locks for a single-key lock ID. Pair IDs map to pg_locks directly.
func AdvisoryKey(id LockID) (int64, int64) {
	switch v := id.(type) {
	case StringID:
		k := v.Key()
		return k >> 32, k & 0xFFFFFFFF
	case IntID:
		return int64(v) >> 32, int64(v) & 0xFFFFFFFF
	case PairID:
		return int64(v.ClassID), int64(uint32(v.ObjID))
	default:
		return 0, 0
	}
}

// FuncID derives a lock ID from a function's fully qualified name
// (import path plus function name). It is the default lock ID used by
// Session.WithAdvisory when none is supplied.
func FuncID(fn any) StringID {
	pc := reflect.ValueOf(fn).Pointer()
	f := runtime.FuncForPC(pc)
	if f == nil {
		return ""
	}
	return StringID(f.Name())
}
