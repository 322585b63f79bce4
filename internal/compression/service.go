package compression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eventodb/hyperstore/internal/auth"
	"github.com/eventodb/hyperstore/internal/catalog"
	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/engine"
	"github.com/eventodb/hyperstore/internal/logger"
)

// Service runs chunk transitions, one transaction each. The caller's
// session is taken from the context (auth.WithSession); without one the
// bootstrap superuser is used.
type Service struct {
	eng     engine.Engine
	orch    *Orchestrator
	gate    CapabilityGate
	dropper ChunkDropper
}

// NewService creates a Service
func NewService(eng engine.Engine, orch *Orchestrator, gate CapabilityGate, dropper ChunkDropper) *Service {
	return &Service{eng: eng, orch: orch, gate: gate, dropper: dropper}
}

// Engine returns the underlying engine
func (s *Service) Engine() engine.Engine {
	return s.eng
}

// Do runs fn in a new transaction and commits when fn succeeds
func (s *Service) Do(ctx context.Context, fn func(ctx context.Context, cat *catalog.Catalog) error) error {
	session, _ := auth.SessionFromContext(ctx)

	tx, err := s.eng.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ctx = logger.WithTxnID(ctx, tx.ID())
	if err := fn(ctx, catalog.New(ctx, tx, session)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CompressChunk compresses one chunk. With ifNotCompressed an already
// compressed chunk is skipped and a nil record is returned.
func (s *Service) CompressChunk(ctx context.Context, chunkID int32, ifNotCompressed bool) (*catalog.CompressionChunkSize, error) {
	var rec *catalog.CompressionChunkSize
	err := s.Do(ctx, func(ctx context.Context, cat *catalog.Catalog) error {
		ch, err := cat.Chunk(chunkID)
		if err != nil {
			return err
		}
		ctx = logger.WithChunk(ctx, ch.ID, ch.QualifiedName())
		if ch.IsCompressed() {
			if ifNotCompressed {
				logger.FromContext(ctx).Info().Msg("Chunk is already compressed")
				return nil
			}
			return dberr.New(dberr.ErrPreconditionViolation, dberr.CodeDuplicateObject,
				"chunk %q is already compressed", ch.QualifiedName())
		}
		if err := s.gate.Check(ctx); err != nil {
			return err
		}
		rec, err = s.orch.Compress(ctx, cat, ch.HypertableID, ch.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DecompressChunk decompresses one chunk. With ifCompressed a chunk that
// is not compressed is skipped.
func (s *Service) DecompressChunk(ctx context.Context, chunkID int32, ifCompressed bool) error {
	return s.Do(ctx, func(ctx context.Context, cat *catalog.Catalog) error {
		ch, err := cat.Chunk(chunkID)
		if err != nil {
			return err
		}
		ctx = logger.WithChunk(ctx, ch.ID, ch.QualifiedName())
		if !ch.IsCompressed() {
			if ifCompressed {
				logger.FromContext(ctx).Info().Msg("Chunk is not compressed")
				return nil
			}
			return dberr.Precondition("chunk %q is not compressed", ch.QualifiedName())
		}
		if err := s.gate.Check(ctx); err != nil {
			return err
		}
		return s.orch.Decompress(ctx, cat, ch.HypertableID, ch.ID)
	})
}

// chunksEndingBefore lists the chunks of htID whose range ends at or
// before cutoff
func (s *Service) chunksEndingBefore(ctx context.Context, htID int32, cutoff int64) ([]*catalog.Chunk, error) {
	var out []*catalog.Chunk
	err := s.Do(ctx, func(_ context.Context, cat *catalog.Catalog) error {
		if _, err := cat.Hypertable(htID); err != nil {
			return err
		}
		chunks, err := cat.ListChunks(htID)
		if err != nil {
			return err
		}
		for _, ch := range chunks {
			if ch.RangeEnd <= cutoff {
				out = append(out, ch)
			}
		}
		return nil
	})
	return out, err
}

// CompressChunksOlderThan compresses every uncompressed chunk of htID
// whose range ends at or before cutoff, one transaction per chunk. It
// returns the names of the chunks compressed before any failure.
func (s *Service) CompressChunksOlderThan(ctx context.Context, htID int32, cutoff int64) ([]string, error) {
	start := time.Now()
	if err := s.gate.Check(ctx); err != nil {
		return nil, err
	}
	chunks, err := s.chunksEndingBefore(ctx, htID, cutoff)
	if err != nil {
		return nil, err
	}

	var compressed []string
	for _, ch := range chunks {
		if ch.IsCompressed() {
			continue
		}
		rec, err := s.CompressChunk(ctx, ch.ID, true)
		if err != nil {
			return compressed, fmt.Errorf("failed to compress chunk %q: %w", ch.QualifiedName(), err)
		}
		if rec != nil {
			compressed = append(compressed, ch.QualifiedName())
		}
	}

	logger.FromContext(ctx).Info().
		Int32("hypertable_id", htID).
		Int64("cutoff", cutoff).
		Int("chunks", len(compressed)).
		Dur("duration", time.Since(start)).
		Msg("Compressed chunks older than cutoff")
	return compressed, nil
}

// DropChunksOlderThan drops every chunk of htID whose range ends at or
// before cutoff, together with compressed data, in one transaction.
// WARNING: This permanently deletes data.
func (s *Service) DropChunksOlderThan(ctx context.Context, htID int32, cutoff int64) ([]string, error) {
	var dropped []string
	err := s.Do(ctx, func(ctx context.Context, cat *catalog.Catalog) error {
		ht, err := cat.Hypertable(htID)
		if err != nil {
			return err
		}
		if err := auth.CheckOwner(cat.Session(), ht.Owner, ht.QualifiedName()); err != nil {
			return err
		}
		chunks, err := cat.ListChunks(htID)
		if err != nil {
			return err
		}
		for _, ch := range chunks {
			if ch.RangeEnd > cutoff {
				continue
			}
			if err := s.dropper.Drop(ctx, cat, ch, catalog.DropOptions{Cascade: true}); err != nil {
				return err
			}
			dropped = append(dropped, ch.QualifiedName())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dropped, nil
}

// ChunkCompressionStats describes every chunk of a hypertable
func (s *Service) ChunkCompressionStats(ctx context.Context, htID int32) ([]*ChunkInfo, error) {
	var out []*ChunkInfo
	err := s.Do(ctx, func(_ context.Context, cat *catalog.Catalog) error {
		if _, err := cat.Hypertable(htID); err != nil {
			return err
		}
		chunks, err := cat.ListChunks(htID)
		if err != nil {
			return err
		}
		for _, ch := range chunks {
			info, err := chunkInfo(cat, ch)
			if err != nil {
				return err
			}
			out = append(out, info)
		}
		return nil
	})
	return out, err
}

// HypertableCompressionStats aggregates the chunk statistics of a
// hypertable
func (s *Service) HypertableCompressionStats(ctx context.Context, htID int32) (*CompressionStats, error) {
	chunks, err := s.ChunkCompressionStats(ctx, htID)
	if err != nil {
		return nil, err
	}
	stats := &CompressionStats{HypertableID: htID}
	for _, ch := range chunks {
		stats.add(ch)
	}
	return stats, nil
}

func chunkInfo(cat *catalog.Catalog, ch *catalog.Chunk) (*ChunkInfo, error) {
	st := cat.Store()
	size, err := st.TotalRelationSize(ch.RelID)
	if err != nil {
		return nil, err
	}
	info := &ChunkInfo{
		ChunkID:      ch.ID,
		ChunkName:    ch.QualifiedName(),
		RangeStart:   ch.RangeStart,
		RangeEnd:     ch.RangeEnd,
		IsCompressed: ch.IsCompressed(),
		SizeBytes:    size,
	}
	if !ch.IsCompressed() {
		return info, nil
	}

	rec, err := cat.FindCompressionChunkSize(ch.ID)
	if err != nil {
		if errors.Is(err, dberr.ErrNotFound) {
			return nil, dberr.Internal("compressed chunk %q has no size record", ch.QualifiedName())
		}
		return nil, err
	}
	compressed, err := cat.Chunk(ch.CompressedChunkID)
	if err != nil {
		return nil, err
	}
	compressedSize, err := st.TotalRelationSize(compressed.RelID)
	if err != nil {
		return nil, err
	}
	info.SizeBytes += compressedSize
	info.CompressedChunkName = compressed.QualifiedName()
	info.BeforeCompression = &rec.Uncompressed
	info.AfterCompression = &rec.Compressed
	return info, nil
}
