// Package chunk creates and drops the physical relations behind chunks.
package chunk

import (
	"context"
	"fmt"
	"strings"

	"github.com/eventodb/hyperstore/internal/catalog"
	"github.com/eventodb/hyperstore/internal/codec"
	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/logger"
	"github.com/eventodb/hyperstore/internal/storage"
)

// Creator creates chunk relations and their catalog records
type Creator struct {
	persistence storage.Persistence
}

// NewCreator creates a Creator. Regular chunks are created with the given
// persistence; compressed chunks inherit the persistence of their source.
func NewCreator(persistence storage.Persistence) *Creator {
	if persistence == "" {
		persistence = storage.Permanent
	}
	return &Creator{persistence: persistence}
}

// ChunkName returns the relation name of a regular chunk
func ChunkName(htID, chunkID int32) string {
	return fmt.Sprintf("_hyper_%d_%d_chunk", htID, chunkID)
}

// CompressedChunkName returns the relation name of a compressed chunk
func CompressedChunkName(companionID, chunkID int32) string {
	return fmt.Sprintf("compress_hyper_%d_%d_chunk", companionID, chunkID)
}

// CreateChunk creates a chunk of h covering [start, end) with an index on
// the time dimension
func (c *Creator) CreateChunk(ctx context.Context, cat *catalog.Catalog, h *catalog.Hypertable, start, end int64) (*catalog.Chunk, error) {
	if start >= end {
		return nil, fmt.Errorf("invalid chunk range [%d, %d)", start, end)
	}
	dim := h.TimeDimension()
	if dim == nil {
		return nil, dberr.Internal("hypertable %q has no dimensions", h.QualifiedName())
	}

	id, err := cat.NextChunkID()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve chunk id: %w", err)
	}
	name := ChunkName(h.ID, id)

	st := cat.Store()
	rel, err := st.CreateRelation(storage.RelationSpec{
		Schema:      catalog.InternalSchema,
		Name:        name,
		Columns:     h.Columns,
		Persistence: c.persistence,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk relation: %w", err)
	}
	if _, err := st.CreateIndex(rel.ID, name+"_"+dim.ColumnName+"_idx", []string{dim.ColumnName}); err != nil {
		return nil, fmt.Errorf("failed to create chunk index: %w", err)
	}

	ch := &catalog.Chunk{
		ID:           id,
		HypertableID: h.ID,
		SchemaName:   catalog.InternalSchema,
		TableName:    name,
		RelID:        rel.ID,
		RangeStart:   start,
		RangeEnd:     end,
	}
	if err := cat.CreateChunk(ch); err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Debug().
		Str("chunk", ch.QualifiedName()).
		Int64("range_start", start).
		Int64("range_end", end).
		Msg("Chunk created")
	return ch, nil
}

// CreateCompressedChunk creates the chunk of the companion hypertable that
// will hold the compressed rows of src. The relation uses the companion's
// columns and is indexed on the segmentby columns and the batch sequence
// number.
func (c *Creator) CreateCompressedChunk(ctx context.Context, cat *catalog.Catalog, companion *catalog.Hypertable, src *catalog.Chunk) (*catalog.Chunk, error) {
	st := cat.Store()
	srcRel, err := st.Relation(src.RelID)
	if err != nil {
		return nil, err
	}
	settings, err := cat.ColumnCompression(src.HypertableID)
	if err != nil {
		return nil, err
	}

	id, err := cat.NextChunkID()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve chunk id: %w", err)
	}
	name := CompressedChunkName(companion.ID, id)

	rel, err := st.CreateRelation(storage.RelationSpec{
		Schema:      catalog.InternalSchema,
		Name:        name,
		Columns:     companion.Columns,
		Persistence: srcRel.Persistence,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create compressed chunk relation: %w", err)
	}

	indexCols := append(codec.SegmentByColumns(settings), codec.MetaSequenceNum)
	idxName := name + "_" + strings.Join(indexCols, "__") + "_idx"
	if _, err := st.CreateIndex(rel.ID, idxName, indexCols); err != nil {
		return nil, fmt.Errorf("failed to create compressed chunk index: %w", err)
	}

	ch := &catalog.Chunk{
		ID:           id,
		HypertableID: companion.ID,
		SchemaName:   catalog.InternalSchema,
		TableName:    name,
		RelID:        rel.ID,
		RangeStart:   src.RangeStart,
		RangeEnd:     src.RangeEnd,
	}
	if err := cat.CreateChunk(ch); err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Debug().
		Str("chunk", src.QualifiedName()).
		Str("compressed_chunk", ch.QualifiedName()).
		Msg("Compressed chunk created")
	return ch, nil
}
