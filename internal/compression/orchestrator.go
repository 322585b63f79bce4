package compression

import (
	"context"
	"fmt"
	"time"

	"github.com/eventodb/hyperstore/internal/auth"
	"github.com/eventodb/hyperstore/internal/catalog"
	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/logger"
)

// Orchestrator compresses and decompresses single chunks inside the
// transaction of the catalog it is given. It never commits or rolls back.
type Orchestrator struct {
	creator TableCreator
	codec   ColumnCodec
	dropper ChunkDropper
	measure SizeMeasurer
}

// NewOrchestrator creates an Orchestrator that measures relations with
// MeasureRelation
func NewOrchestrator(creator TableCreator, codec ColumnCodec, dropper ChunkDropper) *Orchestrator {
	return &Orchestrator{
		creator: creator,
		codec:   codec,
		dropper: dropper,
		measure: MeasureRelation,
	}
}

// WithMeasurer returns a copy of o using measure for size accounting
func (o *Orchestrator) WithMeasurer(measure SizeMeasurer) *Orchestrator {
	cp := *o
	cp.measure = measure
	return &cp
}

// target is the freshly resolved state of one transition
type target struct {
	ht        *catalog.Hypertable
	companion *catalog.Hypertable
	chunk     *catalog.Chunk
}

func (t *target) locks() LockSet {
	return LockSet{Hypertable: t.ht.RelID, Companion: t.companion.RelID, Chunk: t.chunk.RelID}
}

// resolve looks up the hypertable, its companion and the chunk and checks
// the preconditions shared by compress and decompress
func (o *Orchestrator) resolve(cat *catalog.Catalog, htID, chunkID int32) (*target, error) {
	session := cat.Session()

	ht, err := cat.Hypertable(htID)
	if err != nil {
		return nil, err
	}
	if err := auth.CheckOwner(session, ht.Owner, ht.QualifiedName()); err != nil {
		return nil, err
	}
	if !ht.CompressionEnabled() {
		return nil, dberr.New(dberr.ErrPreconditionViolation, dberr.CodeFeatureNotSupported,
			"compression not enabled on hypertable %q", ht.QualifiedName()).
			WithHint("Enable compression on the hypertable first.")
	}

	companion, err := cat.Hypertable(ht.CompressedHypertableID)
	if dberr.IsNotFound(err) {
		return nil, dberr.Internal("missing compressed hypertable %d for hypertable %q",
			ht.CompressedHypertableID, ht.QualifiedName())
	}
	if err != nil {
		return nil, err
	}
	if err := auth.CheckOwner(session, companion.Owner, companion.QualifiedName()); err != nil {
		return nil, err
	}
	if ht.TimeDimension() == nil {
		return nil, dberr.Internal("missing hyperspace for hypertable %d", ht.ID)
	}

	ch, err := cat.Chunk(chunkID)
	if err != nil {
		return nil, err
	}
	if ch.HypertableID != ht.ID {
		return nil, dberr.NotFound("chunk %q is not a chunk of hypertable %q", ch.QualifiedName(), ht.QualifiedName())
	}
	return &target{ht: ht, companion: companion, chunk: ch}, nil
}

// Compress moves the rows of a chunk into a new chunk of the companion
// hypertable and records the sizes before and after
func (o *Orchestrator) Compress(ctx context.Context, cat *catalog.Catalog, htID, chunkID int32) (*catalog.CompressionChunkSize, error) {
	start := time.Now()

	t, err := o.resolve(cat, htID, chunkID)
	if err != nil {
		return nil, err
	}
	if t.chunk.IsCompressed() {
		return nil, dberr.New(dberr.ErrPreconditionViolation, dberr.CodeDuplicateObject,
			"chunk %q is already compressed", t.chunk.QualifiedName())
	}

	if err := AcquireLocks(ctx, cat.Txn(), t.locks()); err != nil {
		return nil, err
	}

	settings, err := cat.ColumnCompression(t.ht.ID)
	if err != nil {
		return nil, err
	}

	compressed, err := o.creator.CreateCompressedChunk(ctx, cat, t.companion, t.chunk)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressed chunk for %q: %w", t.chunk.QualifiedName(), err)
	}

	st := cat.Store()
	before, err := o.measure(st, t.chunk.RelID)
	if err != nil {
		return nil, err
	}
	if err := o.codec.Compress(ctx, st, t.chunk.RelID, compressed.RelID, settings); err != nil {
		return nil, err
	}
	after, err := o.measure(st, compressed.RelID)
	if err != nil {
		return nil, err
	}

	rec := &catalog.CompressionChunkSize{
		ChunkID:           t.chunk.ID,
		CompressedChunkID: compressed.ID,
		Uncompressed:      before,
		Compressed:        after,
	}
	if err := cat.InsertCompressionChunkSize(rec); err != nil {
		return nil, err
	}
	if err := cat.SetCompressedChunk(t.chunk, compressed.ID); err != nil {
		return nil, err
	}
	compressed.Dependent = true
	if err := cat.UpdateChunk(compressed); err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info().
		Str("compressed_chunk", compressed.QualifiedName()).
		Int64("before_bytes", before.Total()).
		Int64("after_bytes", after.Total()).
		Dur("duration", time.Since(start)).
		Msg("Chunk compressed")
	return rec, nil
}

// Decompress restores the rows of a compressed chunk, removes its size
// record and drops the compressed chunk
func (o *Orchestrator) Decompress(ctx context.Context, cat *catalog.Catalog, htID, chunkID int32) error {
	start := time.Now()

	t, err := o.resolve(cat, htID, chunkID)
	if err != nil {
		return err
	}
	if !t.chunk.IsCompressed() {
		return dberr.Precondition("chunk %q is not compressed", t.chunk.QualifiedName())
	}
	compressed, err := cat.Chunk(t.chunk.CompressedChunkID)
	if dberr.IsNotFound(err) {
		return dberr.Internal("missing compressed chunk %d for chunk %q",
			t.chunk.CompressedChunkID, t.chunk.QualifiedName())
	}
	if err != nil {
		return err
	}

	if err := AcquireLocks(ctx, cat.Txn(), t.locks()); err != nil {
		return err
	}

	if err := o.codec.Decompress(ctx, cat.Store(), compressed.RelID, t.chunk.RelID); err != nil {
		return err
	}
	if _, err := cat.DeleteCompressionChunkSize(t.chunk.ID); err != nil {
		return err
	}
	if err := cat.SetCompressedChunk(t.chunk, catalog.InvalidChunkID); err != nil {
		return err
	}
	if err := o.dropper.Drop(ctx, cat, compressed, catalog.DropOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to drop compressed chunk %q: %w", compressed.QualifiedName(), err)
	}

	logger.FromContext(ctx).Info().
		Str("compressed_chunk", compressed.QualifiedName()).
		Dur("duration", time.Since(start)).
		Msg("Chunk decompressed")
	return nil
}
