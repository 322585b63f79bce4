package compression

import "github.com/eventodb/hyperstore/internal/catalog"

// ChunkInfo contains compression information about one chunk
type ChunkInfo struct {
	ChunkID             int32                 `json:"chunk_id"`
	ChunkName           string                `json:"chunk_name"`
	RangeStart          int64                 `json:"range_start"`
	RangeEnd            int64                 `json:"range_end"`
	IsCompressed        bool                  `json:"is_compressed"`
	CompressedChunkName string                `json:"compressed_chunk_name,omitempty"`
	SizeBytes           int64                 `json:"size_bytes"`
	BeforeCompression   *catalog.RelationSize `json:"before_compression,omitempty"`
	AfterCompression    *catalog.RelationSize `json:"after_compression,omitempty"`
}

// CompressionStats contains compression statistics for a hypertable
type CompressionStats struct {
	HypertableID       int32 `json:"hypertable_id"`
	TotalChunks        int   `json:"total_chunks"`
	CompressedChunks   int   `json:"compressed_chunks"`
	UncompressedChunks int   `json:"uncompressed_chunks"`
	TotalSizeBytes     int64 `json:"total_size_bytes"`

	// Sizes of the compressed chunks as recorded when they were compressed
	BeforeCompression catalog.RelationSize `json:"before_compression"`
	AfterCompression  catalog.RelationSize `json:"after_compression"`
}

func (s *CompressionStats) add(ch *ChunkInfo) {
	s.TotalChunks++
	s.TotalSizeBytes += ch.SizeBytes
	if !ch.IsCompressed {
		s.UncompressedChunks++
		return
	}
	s.CompressedChunks++
	if b := ch.BeforeCompression; b != nil {
		s.BeforeCompression.Heap += b.Heap
		s.BeforeCompression.Toast += b.Toast
		s.BeforeCompression.Index += b.Index
	}
	if a := ch.AfterCompression; a != nil {
		s.AfterCompression.Heap += a.Heap
		s.AfterCompression.Toast += a.Toast
		s.AfterCompression.Index += a.Index
	}
}

// Ratio returns uncompressed bytes per compressed byte, or 0 when nothing
// is compressed
func (s *CompressionStats) Ratio() float64 {
	after := s.AfterCompression.Total()
	if after == 0 {
		return 0
	}
	return float64(s.BeforeCompression.Total()) / float64(after)
}
