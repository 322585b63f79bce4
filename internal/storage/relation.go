// Package storage implements physical relations on top of an engine
// transaction: heap pages, free-space and visibility maps, out-of-line
// (toast) storage for large values, and secondary indexes.
//
// Key Schema:
//   - rel:{id_10}                              → CBOR relation descriptor
//   - reln:{schema}.{name}                     → {id_10}
//   - fork:{id_10}:main:{page_10}:{slot_5}     → CBOR tuple
//   - fork:{id_10}:fsm:{page_10}               → free-space category (1 byte)
//   - fork:{id_10}:vm:{page_10}                → visibility bits (1 byte)
//   - fork:{id_10}:init                        → init fork of an unlogged relation
//
// Sizes follow Postgres: the main fork is measured in 8192-byte pages,
// auxiliary forks by the bytes they occupy.
package storage

import (
	"fmt"
)

const (
	// PageSize is the size of one heap page
	PageSize = 8192

	// pageHeaderSize and tupleOverhead mirror the Postgres page layout:
	// a 24-byte page header, and per tuple a 24-byte header plus a 4-byte
	// line pointer
	pageHeaderSize = 24
	tupleOverhead  = 28

	// MaxTupleSize is the largest tuple that fits on one page
	MaxTupleSize = PageSize - pageHeaderSize - tupleOverhead

	// ToastThreshold is the attribute size above which a value is moved
	// to the toast relation
	ToastThreshold = 2032

	// ToastChunkSize is the payload size of one toast chunk
	ToastChunkSize = 1996

	// maxIndexTupleSize limits index keys to a third of a page
	maxIndexTupleSize = PageSize / 3

	// FirstNormalRelID is the first identifier handed out to user relations.
	// Lower identifiers are reserved for catalog relations.
	FirstNormalRelID uint32 = 16384
)

// ColumnType is the type of a column value.
//
// Values are carried as Go types: int8 and timestamptz as int64
// (timestamps in microseconds since the Unix epoch), float8 as float64,
// text as string, bool as bool, bytea and compressed_data as []byte.
type ColumnType string

const (
	TypeInt8           ColumnType = "int8"
	TypeFloat8         ColumnType = "float8"
	TypeText           ColumnType = "text"
	TypeBool           ColumnType = "bool"
	TypeTimestamptz    ColumnType = "timestamptz"
	TypeBytea          ColumnType = "bytea"
	TypeCompressedData ColumnType = "compressed_data"
)

// Valid reports whether t is a known type
func (t ColumnType) Valid() bool {
	switch t {
	case TypeInt8, TypeFloat8, TypeText, TypeBool, TypeTimestamptz, TypeBytea, TypeCompressedData:
		return true
	}
	return false
}

// Toastable reports whether values of t may be stored out of line
func (t ColumnType) Toastable() bool {
	return t == TypeText || t == TypeBytea || t == TypeCompressedData
}

// Column describes one attribute of a relation
type Column struct {
	Name    string     `json:"name" cbor:"1,keyasint"`
	Type    ColumnType `json:"type" cbor:"2,keyasint"`
	NotNull bool       `json:"not_null,omitempty" cbor:"3,keyasint,omitempty"`
}

// Kind is the kind of a relation
type Kind string

const (
	KindTable Kind = "r"
	KindToast Kind = "t"
	KindIndex Kind = "i"
)

// Persistence is the durability class of a relation
type Persistence string

const (
	Permanent Persistence = "p"
	Unlogged  Persistence = "u"
)

// Fork names one file of a relation
type Fork string

const (
	ForkMain Fork = "main"
	ForkInit Fork = "init"
	ForkFSM  Fork = "fsm"
	ForkVM   Fork = "vm"
)

// HeapForks are the forks counted as heap storage
var HeapForks = []Fork{ForkMain, ForkInit, ForkFSM, ForkVM}

// Relation is the descriptor of a physical relation
type Relation struct {
	ID          uint32      `cbor:"1,keyasint"`
	Schema      string      `cbor:"2,keyasint"`
	Name        string      `cbor:"3,keyasint"`
	Kind        Kind        `cbor:"4,keyasint"`
	Persistence Persistence `cbor:"5,keyasint"`
	Columns     []Column    `cbor:"6,keyasint,omitempty"`

	ToastRelID   uint32   `cbor:"7,keyasint,omitempty"`
	ToastIndexID uint32   `cbor:"8,keyasint,omitempty"`
	Indexes      []uint32 `cbor:"9,keyasint,omitempty"`

	// index relations only
	IndexOn      uint32 `cbor:"10,keyasint,omitempty"`
	IndexColumns []int  `cbor:"11,keyasint,omitempty"`

	Pages     uint32 `cbor:"12,keyasint"`
	LastFree  uint16 `cbor:"13,keyasint"`
	LastSlots uint16 `cbor:"14,keyasint"`

	// toast relations only
	NextValueID uint64 `cbor:"15,keyasint,omitempty"`
}

// QualifiedName returns schema.name
func (r *Relation) QualifiedName() string {
	return r.Schema + "." + r.Name
}

// ColumnIndex returns the position of the named column, or -1
func (r *Relation) ColumnIndex(name string) int {
	for i, c := range r.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// TID addresses one tuple
type TID struct {
	Page uint32 `cbor:"1,keyasint"`
	Slot uint16 `cbor:"2,keyasint"`
}

func (t TID) String() string {
	return fmt.Sprintf("(%d,%d)", t.Page, t.Slot)
}

// Row holds one value per column, nil for NULL
type Row []any

// RelationSpec describes a relation to create
type RelationSpec struct {
	Schema      string
	Name        string
	Columns     []Column
	Persistence Persistence
}

func relKey(id uint32) []byte {
	return []byte(fmt.Sprintf("rel:%010d", id))
}

func relNameKey(schema, name string) []byte {
	return []byte("reln:" + schema + "." + name)
}

func forkPrefix(id uint32, fork Fork) []byte {
	return []byte(fmt.Sprintf("fork:%010d:%s:", id, fork))
}

func relationPrefix(id uint32) []byte {
	return []byte(fmt.Sprintf("fork:%010d:", id))
}

func tupleKey(id uint32, tid TID) []byte {
	return []byte(fmt.Sprintf("fork:%010d:main:%010d:%05d", id, tid.Page, tid.Slot))
}

func pageKey(id uint32, fork Fork, page uint32) []byte {
	return []byte(fmt.Sprintf("fork:%010d:%s:%010d", id, fork, page))
}

func initKey(id uint32) []byte {
	return []byte(fmt.Sprintf("fork:%010d:init", id))
}
