// Package compression transitions chunks between their row-oriented and
// compressed forms.
//
// An Orchestrator performs one transition inside a caller-owned
// transaction: it checks preconditions, takes locks in a fixed order,
// delegates table creation, data transformation and chunk removal to its
// collaborators and keeps the size accounting records in the catalog. A
// Service wraps the orchestrator with transaction handling, the license
// gate and statistics.
package compression

import (
	"context"

	"github.com/eventodb/hyperstore/internal/catalog"
	"github.com/eventodb/hyperstore/internal/storage"
)

// CapabilityGate authorizes use of compression
type CapabilityGate interface {
	Check(ctx context.Context) error
}

// TableCreator materializes an empty compressed chunk in the companion
// hypertable for a source chunk
type TableCreator interface {
	CreateCompressedChunk(ctx context.Context, cat *catalog.Catalog, companion *catalog.Hypertable, src *catalog.Chunk) (*catalog.Chunk, error)
}

// ColumnCodec transforms every row between a chunk relation and its
// compressed relation. Both calls consume their source completely or fail.
type ColumnCodec interface {
	Compress(ctx context.Context, st *storage.Store, srcRel, dstRel uint32, settings []catalog.ColumnCompressionInfo) error
	Decompress(ctx context.Context, st *storage.Store, srcRel, dstRel uint32) error
}

// ChunkDropper removes a chunk's storage and catalog record
type ChunkDropper interface {
	Drop(ctx context.Context, cat *catalog.Catalog, ch *catalog.Chunk, opts catalog.DropOptions) error
}

// SizeMeasurer reports the footprint of a relation
type SizeMeasurer func(st *storage.Store, relID uint32) (catalog.RelationSize, error)
