package catalog

import (
	"github.com/eventodb/hyperstore/internal/auth"
	"github.com/eventodb/hyperstore/internal/storage"
)

// InvalidChunkID marks a chunk that is not compressed
const InvalidChunkID int32 = 0

const (
	// CatalogSchema holds the catalog relations
	CatalogSchema = "_timescaledb_catalog"

	// InternalSchema holds chunks and companion hypertables
	InternalSchema = "_timescaledb_internal"
)

// Catalog relation identifiers. They are used as lock targets so that
// catalog readers and writers serialize the same way table access does.
const (
	RelHypertable            uint32 = 100
	RelChunk                 uint32 = 101
	RelHypertableCompression uint32 = 102
	RelCompressionChunkSize  uint32 = 103
	RelRole                  uint32 = 104
)

// Dimension partitions a hypertable. Only closed time dimensions are
// supported: rows are assigned to chunks by floor(value / Interval).
type Dimension struct {
	ColumnName string             `json:"column_name"`
	ColumnType storage.ColumnType `json:"column_type"`
	Interval   int64              `json:"interval"`
}

// Hypertable is a logical table partitioned into chunks
type Hypertable struct {
	ID         int32            `json:"id"`
	SchemaName string           `json:"schema_name"`
	TableName  string           `json:"table_name"`
	Owner      auth.Role        `json:"owner"`
	RelID      uint32           `json:"relid"`
	Columns    []storage.Column `json:"columns"`
	Dimensions []Dimension      `json:"dimensions,omitempty"`

	// CompressedHypertableID links to the companion hypertable holding
	// compressed chunks; 0 when compression is disabled
	CompressedHypertableID int32 `json:"compressed_hypertable_id"`

	// Compressed is set on companion hypertables
	Compressed bool `json:"compressed"`
}

// QualifiedName returns schema.table
func (h *Hypertable) QualifiedName() string {
	return h.SchemaName + "." + h.TableName
}

// CompressionEnabled reports whether the hypertable has a companion
func (h *Hypertable) CompressionEnabled() bool {
	return h.CompressedHypertableID != 0
}

// TimeDimension returns the first dimension, or nil when the hypertable
// has no hyperspace
func (h *Hypertable) TimeDimension() *Dimension {
	if len(h.Dimensions) == 0 {
		return nil
	}
	return &h.Dimensions[0]
}

// Chunk is one partition of a hypertable
type Chunk struct {
	ID           int32  `json:"id"`
	HypertableID int32  `json:"hypertable_id"`
	SchemaName   string `json:"schema_name"`
	TableName    string `json:"table_name"`
	RelID        uint32 `json:"relid"`
	RangeStart   int64  `json:"range_start"`
	RangeEnd     int64  `json:"range_end"`

	// CompressedChunkID is InvalidChunkID or a chunk of the companion
	// hypertable
	CompressedChunkID int32 `json:"compressed_chunk_id"`

	// Dependent chunks belong to a compression relationship and cannot be
	// dropped on their own
	Dependent bool `json:"dependent"`
}

// QualifiedName returns schema.table
func (c *Chunk) QualifiedName() string {
	return c.SchemaName + "." + c.TableName
}

// IsCompressed reports whether the chunk has a compressed counterpart
func (c *Chunk) IsCompressed() bool {
	return c.CompressedChunkID != InvalidChunkID
}

// DropOptions control chunk removal
type DropOptions struct {
	// Force allows dropping a dependent chunk on its own
	Force bool

	// Cascade also drops the compressed counterpart of a compressed chunk
	Cascade bool
}

// RelationSize is the footprint of one relation in bytes
type RelationSize struct {
	Heap  int64 `json:"heap_size"`
	Toast int64 `json:"toast_size"`
	Index int64 `json:"index_size"`
}

// Total returns heap + toast + index
func (r RelationSize) Total() int64 {
	return r.Heap + r.Toast + r.Index
}

// CompressionChunkSize records the sizes of a chunk before and after
// compression. There is exactly one per compressed chunk.
type CompressionChunkSize struct {
	ChunkID           int32        `json:"chunk_id"`
	CompressedChunkID int32        `json:"compressed_chunk_id"`
	Uncompressed      RelationSize `json:"uncompressed"`
	Compressed        RelationSize `json:"compressed"`
}

// Algorithm names a column compression algorithm
type Algorithm string

const (
	AlgorithmNone       Algorithm = "none"
	AlgorithmArray      Algorithm = "array"
	AlgorithmDictionary Algorithm = "dictionary"
	AlgorithmDeltaDelta Algorithm = "deltadelta"
)

// Valid reports whether a is a known algorithm
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmNone, AlgorithmArray, AlgorithmDictionary, AlgorithmDeltaDelta:
		return true
	}
	return false
}

// ColumnCompressionInfo holds the compression settings of one column
type ColumnCompressionInfo struct {
	HypertableID int32     `json:"hypertable_id"`
	AttName      string    `json:"attname"`
	Algorithm    Algorithm `json:"algorithm"`

	// SegmentByIndex is the 1-based position among segmentby columns, 0
	// when the column is not a segmentby column
	SegmentByIndex int16 `json:"segmentby_column_index"`

	// OrderByIndex is the 1-based position among orderby columns, 0 when
	// the column is not an orderby column
	OrderByIndex      int16 `json:"orderby_column_index"`
	OrderByAsc        bool  `json:"orderby_asc"`
	OrderByNullsFirst bool  `json:"orderby_nullsfirst"`
}

// IsSegmentBy reports whether the column is a segmentby column
func (c ColumnCompressionInfo) IsSegmentBy() bool {
	return c.SegmentByIndex > 0
}

// IsOrderBy reports whether the column is an orderby column
func (c ColumnCompressionInfo) IsOrderBy() bool {
	return c.OrderByIndex > 0
}

// Role is a stored database role
type Role struct {
	Name      auth.Role `json:"name"`
	Superuser bool      `json:"superuser"`
	TokenHash string    `json:"token_hash"`
}
