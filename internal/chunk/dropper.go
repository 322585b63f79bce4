package chunk

import (
	"context"

	"github.com/eventodb/hyperstore/internal/catalog"
	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/lock"
	"github.com/eventodb/hyperstore/internal/logger"
)

// Dropper removes chunks: storage first, then the catalog record
type Dropper struct{}

// NewDropper creates a Dropper
func NewDropper() *Dropper {
	return &Dropper{}
}

// Drop removes ch. A dependent chunk is only dropped with opts.Force; a
// compressed chunk only with opts.Cascade, which also removes its
// compressed counterpart and size record.
func (d *Dropper) Drop(ctx context.Context, cat *catalog.Catalog, ch *catalog.Chunk, opts catalog.DropOptions) error {
	if err := cat.Txn().Lock(ctx, lock.RelationTag(ch.RelID), lock.AccessExclusive); err != nil {
		return err
	}

	if ch.Dependent && !opts.Force {
		return dberr.New(dberr.ErrPreconditionViolation, dberr.CodeDependentObjects,
			"cannot drop chunk %q because it holds compressed data", ch.QualifiedName()).
			WithHint("Decompress or drop the chunk it belongs to instead.")
	}

	if ch.IsCompressed() {
		if !opts.Cascade {
			return dberr.New(dberr.ErrPreconditionViolation, dberr.CodeDependentObjects,
				"cannot drop chunk %q because its compressed data depends on it", ch.QualifiedName()).
				WithHint("Use Cascade to drop the compressed chunk as well.")
		}
		compressed, err := cat.Chunk(ch.CompressedChunkID)
		if err != nil {
			return err
		}
		if _, err := cat.DeleteCompressionChunkSize(ch.ID); err != nil {
			return err
		}
		if err := d.Drop(ctx, cat, compressed, catalog.DropOptions{Force: true}); err != nil {
			return err
		}
	}

	if err := cat.Store().Drop(ch.RelID); err != nil {
		return err
	}
	if err := cat.DeleteChunk(ch); err != nil {
		return err
	}

	logger.FromContext(ctx).Debug().
		Str("chunk", ch.QualifiedName()).
		Bool("dependent", ch.Dependent).
		Msg("Chunk dropped")
	return nil
}
