// Package lock implements a heavyweight lock manager with Postgres lock
// modes.
//
// Locks are identified by a Tag (a relation or a single tuple key) and are
// owned by a transaction. They are never released individually: a
// transaction releases everything it holds with ReleaseAll when it commits
// or aborts.
package lock

import (
	"fmt"
	"hash/fnv"
)

// Mode is a table-level lock mode
type Mode uint8

const (
	NoLock Mode = iota
	AccessShare
	RowShare
	RowExclusive
	ShareUpdateExclusive
	Share
	ShareRowExclusive
	Exclusive
	AccessExclusive
)

func bit(m Mode) uint16 { return 1 << m }

// conflictTable follows the Postgres table-level lock conflict matrix
var conflictTable = [...]uint16{
	NoLock:      0,
	AccessShare: bit(AccessExclusive),
	RowShare:    bit(Exclusive) | bit(AccessExclusive),
	RowExclusive: bit(Share) | bit(ShareRowExclusive) |
		bit(Exclusive) | bit(AccessExclusive),
	ShareUpdateExclusive: bit(ShareUpdateExclusive) | bit(Share) |
		bit(ShareRowExclusive) | bit(Exclusive) | bit(AccessExclusive),
	Share: bit(RowExclusive) | bit(ShareUpdateExclusive) |
		bit(ShareRowExclusive) | bit(Exclusive) | bit(AccessExclusive),
	ShareRowExclusive: bit(RowExclusive) | bit(ShareUpdateExclusive) |
		bit(Share) | bit(ShareRowExclusive) | bit(Exclusive) | bit(AccessExclusive),
	Exclusive: bit(RowShare) | bit(RowExclusive) | bit(ShareUpdateExclusive) |
		bit(Share) | bit(ShareRowExclusive) | bit(Exclusive) | bit(AccessExclusive),
	AccessExclusive: bit(AccessShare) | bit(RowShare) | bit(RowExclusive) |
		bit(ShareUpdateExclusive) | bit(Share) | bit(ShareRowExclusive) |
		bit(Exclusive) | bit(AccessExclusive),
}

// Conflicts reports whether m and other cannot be held at the same time by
// different transactions
func (m Mode) Conflicts(other Mode) bool {
	return conflictTable[m]&bit(other) != 0
}

// conflictsWithMask reports whether m conflicts with any mode in mask
func (m Mode) conflictsWithMask(mask uint16) bool {
	return conflictTable[m]&mask != 0
}

// SelfConflicting reports whether two transactions can hold m concurrently
func (m Mode) SelfConflicting() bool {
	return m.Conflicts(m)
}

func (m Mode) String() string {
	switch m {
	case NoLock:
		return "NoLock"
	case AccessShare:
		return "AccessShareLock"
	case RowShare:
		return "RowShareLock"
	case RowExclusive:
		return "RowExclusiveLock"
	case ShareUpdateExclusive:
		return "ShareUpdateExclusiveLock"
	case Share:
		return "ShareLock"
	case ShareRowExclusive:
		return "ShareRowExclusiveLock"
	case Exclusive:
		return "ExclusiveLock"
	case AccessExclusive:
		return "AccessExclusiveLock"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// TagKind distinguishes relation locks from tuple locks
type TagKind uint8

const (
	TagRelation TagKind = iota + 1
	TagTuple
)

// Tag identifies a lockable object
type Tag struct {
	Kind  TagKind
	RelID uint32
	Key   string // tuple key, empty for relation tags
}

// RelationTag identifies a whole relation
func RelationTag(relID uint32) Tag {
	return Tag{Kind: TagRelation, RelID: relID}
}

// TupleTag identifies one key inside a relation (or keyspace)
func TupleTag(relID uint32, key []byte) Tag {
	return Tag{Kind: TagTuple, RelID: relID, Key: string(key)}
}

func (t Tag) String() string {
	if t.Kind == TagTuple {
		return fmt.Sprintf("tuple(%d,%q)", t.RelID, t.Key)
	}
	return fmt.Sprintf("relation(%d)", t.RelID)
}

// AdvisoryKeys maps the tag onto the two int4 keys of a Postgres advisory lock
func (t Tag) AdvisoryKeys() (int32, int32) {
	if t.Kind == TagRelation {
		return int32(TagRelation), int32(t.RelID)
	}
	h := fnv.New32a()
	h.Write([]byte{byte(t.RelID >> 24), byte(t.RelID >> 16), byte(t.RelID >> 8), byte(t.RelID)})
	h.Write([]byte(t.Key))
	return int32(TagTuple), int32(h.Sum32())
}
