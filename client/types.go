package client

// Column types accepted by CreateHypertable
const (
	TypeInt8        = "int8"
	TypeFloat8      = "float8"
	TypeText        = "text"
	TypeBool        = "bool"
	TypeTimestamptz = "timestamptz"
	TypeBytea       = "bytea"
)

// Column describes one column of a hypertable
type Column struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	NotNull bool   `json:"not_null,omitempty"`
}

// HypertableOptions are the arguments of CreateHypertable
type HypertableOptions struct {
	Schema        string   `json:"schema,omitempty"`
	Table         string   `json:"table"`
	Columns       []Column `json:"columns"`
	TimeColumn    string   `json:"time_column"`
	ChunkInterval int64    `json:"chunk_interval,omitempty"`
}

// OrderBy is one entry of a compression orderby list
type OrderBy struct {
	Column     string `json:"column"`
	Asc        bool   `json:"asc"`
	NullsFirst bool   `json:"nulls_first"`
}

// CompressionOptions are the arguments of EnableCompression
type CompressionOptions struct {
	SegmentBy []string  `json:"segmentby,omitempty"`
	OrderBy   []OrderBy `json:"orderby,omitempty"`
}

// Hypertable is the catalog record of a hypertable
type Hypertable struct {
	ID                     int32    `json:"id"`
	SchemaName             string   `json:"schema_name"`
	TableName              string   `json:"table_name"`
	Owner                  string   `json:"owner"`
	Columns                []Column `json:"columns"`
	CompressedHypertableID int32    `json:"compressed_hypertable_id"`
	Compressed             bool     `json:"compressed"`
}

// CompressionEnabled reports whether the hypertable has a compressed
// companion
func (h *Hypertable) CompressionEnabled() bool {
	return h.CompressedHypertableID != 0
}

// RelationSize is the on-disk size of a relation by fork
type RelationSize struct {
	Heap  int64 `json:"heap_size"`
	Toast int64 `json:"toast_size"`
	Index int64 `json:"index_size"`
}

// Total returns the sum of all forks
func (r RelationSize) Total() int64 {
	return r.Heap + r.Toast + r.Index
}

// ChunkSize is the size record written when a chunk is compressed
type ChunkSize struct {
	ChunkID           int32        `json:"chunk_id"`
	CompressedChunkID int32        `json:"compressed_chunk_id"`
	Uncompressed      RelationSize `json:"uncompressed"`
	Compressed        RelationSize `json:"compressed"`
}

// ChunkInfo describes one chunk and its compression state
type ChunkInfo struct {
	ChunkID             int32         `json:"chunk_id"`
	ChunkName           string        `json:"chunk_name"`
	RangeStart          int64         `json:"range_start"`
	RangeEnd            int64         `json:"range_end"`
	IsCompressed        bool          `json:"is_compressed"`
	CompressedChunkName string        `json:"compressed_chunk_name,omitempty"`
	SizeBytes           int64         `json:"size_bytes"`
	BeforeCompression   *RelationSize `json:"before_compression,omitempty"`
	AfterCompression    *RelationSize `json:"after_compression,omitempty"`
}

// Stats aggregates the chunks of a hypertable
type Stats struct {
	HypertableID       int32        `json:"hypertable_id"`
	TotalChunks        int          `json:"total_chunks"`
	CompressedChunks   int          `json:"compressed_chunks"`
	UncompressedChunks int          `json:"uncompressed_chunks"`
	TotalSizeBytes     int64        `json:"total_size_bytes"`
	BeforeCompression  RelationSize `json:"before_compression"`
	AfterCompression   RelationSize `json:"after_compression"`
	Ratio              float64      `json:"-"`
}

// Health is the result of sys.health
type Health struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
}
