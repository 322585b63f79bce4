package compression

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eventodb/hyperstore/internal/auth"
	"github.com/eventodb/hyperstore/internal/catalog"
	"github.com/eventodb/hyperstore/internal/chunk"
	"github.com/eventodb/hyperstore/internal/codec"
	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/engine"
	"github.com/eventodb/hyperstore/internal/engine/pebble"
	"github.com/eventodb/hyperstore/internal/hypertable"
	"github.com/eventodb/hyperstore/internal/license"
	"github.com/eventodb/hyperstore/internal/lock"
	"github.com/eventodb/hyperstore/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []storage.Column{
	{Name: "time", Type: storage.TypeTimestamptz},
	{Name: "device", Type: storage.TypeText},
	{Name: "value", Type: storage.TypeFloat8},
}

type fixture struct {
	eng    engine.Engine
	mgr    *hypertable.Manager
	orch   *Orchestrator
	svc    *Service
	ht     *catalog.Hypertable
	chunks []*catalog.Chunk
}

func newOrchestrator() *Orchestrator {
	return NewOrchestrator(chunk.NewCreator(storage.Permanent), codec.New(), chunk.NewDropper())
}

// setup creates public.metrics owned by owner with two chunks, [0,1000)
// and [1000,2000), and optionally enables compression
func setup(t *testing.T, owner auth.Role, compress bool) *fixture {
	t.Helper()
	eng, err := pebble.Open(pebble.Options{InMemory: true, NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	f := &fixture{
		eng:  eng,
		mgr:  hypertable.NewManager(chunk.NewCreator(storage.Permanent), codec.New()),
		orch: newOrchestrator(),
	}
	f.svc = NewService(eng, f.orch, license.NewGate(license.Community, time.Time{}), chunk.NewDropper())

	f.withCatalog(t, auth.NewSession(owner, false), func(cat *catalog.Catalog) {
		ctx := context.Background()
		h, err := f.mgr.Create(ctx, cat, hypertable.CreateOptions{
			Table:         "metrics",
			Columns:       columns,
			TimeColumn:    "time",
			ChunkInterval: 1000,
		})
		require.NoError(t, err)
		if compress {
			h, err = f.mgr.EnableCompression(ctx, cat, h.ID, hypertable.CompressionOptions{SegmentBy: []string{"device"}})
			require.NoError(t, err)
		}

		var rows []storage.Row
		for i := 0; i < 200; i++ {
			rows = append(rows, storage.Row{int64(i * 10), fmt.Sprintf("dev-%d", i%3), float64(i)})
		}
		_, err = f.mgr.Insert(ctx, cat, h.ID, rows)
		require.NoError(t, err)

		f.ht = h
		f.chunks, err = cat.ListChunks(h.ID)
		require.NoError(t, err)
		require.Len(t, f.chunks, 2)
	})
	return f
}

// withCatalog runs fn in a committed transaction
func (f *fixture) withCatalog(t *testing.T, session *auth.Session, fn func(cat *catalog.Catalog)) {
	t.Helper()
	tx, err := f.eng.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	fn(catalog.New(context.Background(), tx, session))
	require.NoError(t, tx.Commit())
}

func (f *fixture) chunk(t *testing.T, id int32) *catalog.Chunk {
	t.Helper()
	var ch *catalog.Chunk
	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		var err error
		ch, err = cat.Chunk(id)
		require.NoError(t, err)
	})
	return ch
}

func (f *fixture) sizeRecords(t *testing.T) []*catalog.CompressionChunkSize {
	t.Helper()
	var recs []*catalog.CompressionChunkSize
	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		var err error
		recs, err = cat.ListCompressionChunkSizes()
		require.NoError(t, err)
	})
	return recs
}

func (f *fixture) rowCount(t *testing.T, relID uint32) int64 {
	t.Helper()
	var n int64
	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		var err error
		n, err = cat.Store().Count(relID)
		require.NoError(t, err)
	})
	return n
}

func TestCompressDecompress_RoundTrip(t *testing.T) {
	f := setup(t, "alice", true)
	ctx := auth.WithSession(context.Background(), auth.NewSession("alice", false))
	src := f.chunks[0]
	require.Equal(t, int64(100), f.rowCount(t, src.RelID))

	rec, err := f.svc.CompressChunk(ctx, src.ID, false)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, src.ID, rec.ChunkID)
	assert.GreaterOrEqual(t, rec.Compressed.Heap, int64(0))
	assert.GreaterOrEqual(t, rec.Compressed.Toast, int64(0))
	assert.GreaterOrEqual(t, rec.Compressed.Index, int64(0))
	assert.Greater(t, rec.Uncompressed.Heap, int64(0))

	recs := f.sizeRecords(t)
	require.Len(t, recs, 1)
	assert.Equal(t, rec, recs[0])

	ch := f.chunk(t, src.ID)
	assert.Equal(t, rec.CompressedChunkID, ch.CompressedChunkID)
	comp := f.chunk(t, rec.CompressedChunkID)
	assert.True(t, comp.Dependent)
	assert.Equal(t, f.ht.CompressedHypertableID, comp.HypertableID)
	assert.Zero(t, f.rowCount(t, src.RelID))
	assert.Equal(t, int64(3), f.rowCount(t, comp.RelID), "one batch per device")

	require.NoError(t, f.svc.DecompressChunk(ctx, src.ID, false))

	ch = f.chunk(t, src.ID)
	assert.Equal(t, catalog.InvalidChunkID, ch.CompressedChunkID)
	assert.Empty(t, f.sizeRecords(t))
	assert.Equal(t, int64(100), f.rowCount(t, src.RelID))
	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		_, err := cat.Chunk(comp.ID)
		assert.True(t, dberr.IsNotFound(err))
		_, err = cat.Store().Relation(comp.RelID)
		assert.True(t, dberr.IsNotFound(err))
	})
}

func TestCompress_AlreadyCompressed(t *testing.T) {
	f := setup(t, "alice", true)
	ctx := context.Background()
	src := f.chunks[0]

	rec, err := f.svc.CompressChunk(ctx, src.ID, false)
	require.NoError(t, err)

	_, err = f.svc.CompressChunk(ctx, src.ID, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dberr.ErrPreconditionViolation))
	assert.Equal(t, dberr.CodeDuplicateObject, dberr.CodeOf(err))

	again, err := f.svc.CompressChunk(ctx, src.ID, true)
	require.NoError(t, err)
	assert.Nil(t, again)

	// the orchestrator refuses on its own as well
	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		_, err := f.orch.Compress(ctx, cat, f.ht.ID, src.ID)
		assert.True(t, errors.Is(err, dberr.ErrPreconditionViolation))
	})

	recs := f.sizeRecords(t)
	require.Len(t, recs, 1)
	assert.Equal(t, rec, recs[0])
	assert.Equal(t, rec.CompressedChunkID, f.chunk(t, src.ID).CompressedChunkID)
}

func TestDecompress_NotCompressed(t *testing.T) {
	f := setup(t, "alice", true)
	ctx := context.Background()
	src := f.chunks[0]

	err := f.svc.DecompressChunk(ctx, src.ID, false)
	assert.True(t, errors.Is(err, dberr.ErrPreconditionViolation))
	require.NoError(t, f.svc.DecompressChunk(ctx, src.ID, true))

	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		err := f.orch.Decompress(ctx, cat, f.ht.ID, src.ID)
		assert.True(t, errors.Is(err, dberr.ErrPreconditionViolation))
	})
	assert.Equal(t, int64(100), f.rowCount(t, src.RelID))
	assert.Empty(t, f.sizeRecords(t))
}

func TestCompress_CompressionDisabled(t *testing.T) {
	f := setup(t, "alice", false)

	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		_, err := f.orch.Compress(context.Background(), cat, f.ht.ID, f.chunks[0].ID)
		require.Error(t, err)
		assert.True(t, errors.Is(err, dberr.ErrPreconditionViolation))
		assert.Equal(t, dberr.CodeFeatureNotSupported, dberr.CodeOf(err))
	})
	assert.Empty(t, f.sizeRecords(t))
	assert.False(t, f.chunk(t, f.chunks[0].ID).IsCompressed())
}

func TestCompress_RecordsMeasuredSizes(t *testing.T) {
	f := setup(t, "alice", true)
	ctx := context.Background()
	src := f.chunks[0]

	before := catalog.RelationSize{Heap: 1000, Toast: 0, Index: 200}
	after := catalog.RelationSize{Heap: 150, Toast: 0, Index: 50}
	orch := f.orch.WithMeasurer(func(_ *storage.Store, relID uint32) (catalog.RelationSize, error) {
		if relID == src.RelID {
			return before, nil
		}
		return after, nil
	})

	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		rec, err := orch.Compress(ctx, cat, f.ht.ID, src.ID)
		require.NoError(t, err)
		assert.Equal(t, before, rec.Uncompressed)
		assert.Equal(t, after, rec.Compressed)
	})

	recs := f.sizeRecords(t)
	require.Len(t, recs, 1)
	assert.Equal(t, before, recs[0].Uncompressed)
	assert.Equal(t, after, recs[0].Compressed)
	assert.Equal(t, int64(1200), recs[0].Uncompressed.Total())

	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		require.NoError(t, orch.Decompress(ctx, cat, f.ht.ID, src.ID))
	})
	assert.Empty(t, f.sizeRecords(t))
	assert.Equal(t, catalog.InvalidChunkID, f.chunk(t, src.ID).CompressedChunkID)
}

func TestCompress_FailureLeavesNoTrace(t *testing.T) {
	f := setup(t, "alice", true)
	ctx := context.Background()
	src := f.chunks[0]

	boom := errors.New("measure failed")
	orch := f.orch.WithMeasurer(func(_ *storage.Store, relID uint32) (catalog.RelationSize, error) {
		if relID == src.RelID {
			return catalog.RelationSize{}, nil
		}
		return catalog.RelationSize{}, boom
	})
	svc := NewService(f.eng, orch, license.NewGate(license.Community, time.Time{}), chunk.NewDropper())

	_, err := svc.CompressChunk(ctx, src.ID, false)
	assert.True(t, errors.Is(err, boom))

	assert.Empty(t, f.sizeRecords(t))
	assert.False(t, f.chunk(t, src.ID).IsCompressed())
	assert.Equal(t, int64(100), f.rowCount(t, src.RelID))
	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		chunks, err := cat.ListChunks(f.ht.CompressedHypertableID)
		require.NoError(t, err)
		assert.Empty(t, chunks, "compressed chunk rolled back")
	})
}

type failingDropper struct {
	err error
}

func (d failingDropper) Drop(context.Context, *catalog.Catalog, *catalog.Chunk, catalog.DropOptions) error {
	return d.err
}

func TestDecompress_FailureLeavesNoTrace(t *testing.T) {
	f := setup(t, "alice", true)
	ctx := context.Background()
	src := f.chunks[0]

	rec, err := f.svc.CompressChunk(ctx, src.ID, false)
	require.NoError(t, err)
	comp := f.chunk(t, rec.CompressedChunkID)
	batches := f.rowCount(t, comp.RelID)
	require.Equal(t, int64(3), batches)

	// the drop is the last step, after rows moved and the catalog changed
	boom := errors.New("drop failed")
	orch := NewOrchestrator(chunk.NewCreator(storage.Permanent), codec.New(), failingDropper{err: boom})
	svc := NewService(f.eng, orch, license.NewGate(license.Community, time.Time{}), chunk.NewDropper())

	err = svc.DecompressChunk(ctx, src.ID, false)
	assert.True(t, errors.Is(err, boom))

	ch := f.chunk(t, src.ID)
	assert.True(t, ch.IsCompressed())
	assert.Equal(t, comp.ID, ch.CompressedChunkID)
	recs := f.sizeRecords(t)
	require.Len(t, recs, 1)
	assert.Equal(t, rec, recs[0])
	assert.Zero(t, f.rowCount(t, src.RelID))
	assert.Equal(t, batches, f.rowCount(t, comp.RelID))
	assert.Equal(t, comp, f.chunk(t, comp.ID))

	// the rolled back attempt left a chunk that still decompresses
	require.NoError(t, f.svc.DecompressChunk(ctx, src.ID, false))
	assert.Equal(t, int64(100), f.rowCount(t, src.RelID))
}

type recordingTxn struct {
	engine.Txn
	locks []LockRequest
}

func (r *recordingTxn) Lock(ctx context.Context, tag lock.Tag, mode lock.Mode) error {
	r.locks = append(r.locks, LockRequest{Tag: tag, Mode: mode})
	return r.Txn.Lock(ctx, tag, mode)
}

func TestLockOrder(t *testing.T) {
	f := setup(t, "alice", true)
	ctx := context.Background()
	src := f.chunks[0]

	var companion *catalog.Hypertable
	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		var err error
		companion, err = cat.Hypertable(f.ht.CompressedHypertableID)
		require.NoError(t, err)
	})
	want := LockOrder(LockSet{Hypertable: f.ht.RelID, Companion: companion.RelID, Chunk: src.RelID})
	assert.Equal(t, []LockRequest{
		{Tag: lock.RelationTag(f.ht.RelID), Mode: lock.AccessShare},
		{Tag: lock.RelationTag(companion.RelID), Mode: lock.AccessShare},
		{Tag: lock.RelationTag(src.RelID), Mode: lock.AccessShare},
		{Tag: lock.RelationTag(catalog.RelHypertableCompression), Mode: lock.AccessShare},
		{Tag: lock.RelationTag(catalog.RelChunk), Mode: lock.RowExclusive},
	}, want)

	for _, op := range []string{"compress", "decompress"} {
		tx, err := f.eng.Begin(ctx)
		require.NoError(t, err)
		rec := &recordingTxn{Txn: tx}
		cat := catalog.New(ctx, rec, nil)

		if op == "compress" {
			_, err = f.orch.Compress(ctx, cat, f.ht.ID, src.ID)
		} else {
			err = f.orch.Decompress(ctx, cat, f.ht.ID, src.ID)
		}
		require.NoError(t, err, op)
		require.GreaterOrEqual(t, len(rec.locks), len(want), op)
		assert.Equal(t, want, rec.locks[:len(want)], op)
		require.NoError(t, tx.Commit())
	}
}

func TestCompress_PermissionDenied(t *testing.T) {
	f := setup(t, "alice", true)
	ctx := context.Background()

	f.withCatalog(t, auth.NewSession("bob", false), func(cat *catalog.Catalog) {
		_, err := f.orch.Compress(ctx, cat, f.ht.ID, f.chunks[0].ID)
		assert.True(t, errors.Is(err, dberr.ErrPermissionDenied))
	})

	// a companion owned by someone else is rejected too
	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		companion, err := cat.Hypertable(f.ht.CompressedHypertableID)
		require.NoError(t, err)
		companion.Owner = "carol"
		require.NoError(t, cat.UpdateHypertable(companion))
	})
	f.withCatalog(t, auth.NewSession("alice", false), func(cat *catalog.Catalog) {
		_, err := f.orch.Compress(ctx, cat, f.ht.ID, f.chunks[0].ID)
		assert.True(t, errors.Is(err, dberr.ErrPermissionDenied))
	})
	assert.Empty(t, f.sizeRecords(t))
}

func TestCompress_ChunkOfOtherHypertable(t *testing.T) {
	f := setup(t, "alice", true)
	ctx := context.Background()

	var other *catalog.Hypertable
	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		h, err := f.mgr.Create(ctx, cat, hypertable.CreateOptions{Table: "other", Columns: columns, TimeColumn: "time"})
		require.NoError(t, err)
		other, err = f.mgr.EnableCompression(ctx, cat, h.ID, hypertable.CompressionOptions{})
		require.NoError(t, err)
	})

	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		_, err := f.orch.Compress(ctx, cat, other.ID, f.chunks[0].ID)
		assert.True(t, dberr.IsNotFound(err))

		_, err = f.orch.Compress(ctx, cat, 999, f.chunks[0].ID)
		assert.True(t, dberr.IsNotFound(err))

		_, err = f.orch.Compress(ctx, cat, f.ht.ID, 999)
		assert.True(t, dberr.IsNotFound(err))
	})
}

func TestCompress_InternalInconsistency(t *testing.T) {
	f := setup(t, "alice", true)
	ctx := context.Background()

	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		h, err := cat.Hypertable(f.ht.ID)
		require.NoError(t, err)
		h.Dimensions = nil
		require.NoError(t, cat.UpdateHypertable(h))

		_, err = f.orch.Compress(ctx, cat, f.ht.ID, f.chunks[0].ID)
		assert.True(t, errors.Is(err, dberr.ErrInternal), "missing hyperspace")

		h.CompressedHypertableID = 999
		require.NoError(t, cat.UpdateHypertable(h))
		_, err = f.orch.Compress(ctx, cat, f.ht.ID, f.chunks[0].ID)
		assert.True(t, errors.Is(err, dberr.ErrInternal), "missing companion")
	})
}

func TestService_CapabilityDenied(t *testing.T) {
	f := setup(t, "alice", true)
	svc := NewService(f.eng, f.orch, license.NewGate(license.Apache, time.Time{}), chunk.NewDropper())

	_, err := svc.CompressChunk(context.Background(), f.chunks[0].ID, false)
	assert.True(t, errors.Is(err, dberr.ErrCapabilityDenied))
	assert.Empty(t, f.sizeRecords(t))

	_, err = svc.CompressChunk(context.Background(), 999, false)
	assert.True(t, dberr.IsNotFound(err), "unknown chunk is reported before the gate")
}

func TestConcurrentCompress_DistinctChunks(t *testing.T) {
	f := setup(t, "alice", true)
	ctx := context.Background()

	errs := make(chan error, len(f.chunks))
	for _, ch := range f.chunks {
		go func(id int32) {
			_, err := f.svc.CompressChunk(ctx, id, false)
			errs <- err
		}(ch.ID)
	}
	for range f.chunks {
		assert.NoError(t, <-errs)
	}
	assert.Len(t, f.sizeRecords(t), 2)
}

func TestConcurrentCompress_SameChunk(t *testing.T) {
	f := setup(t, "alice", true)
	ctx := context.Background()
	src := f.chunks[0]

	first, err := f.eng.Begin(ctx)
	require.NoError(t, err)
	defer first.Rollback()
	_, err = f.orch.Compress(ctx, catalog.New(ctx, first, nil), f.ht.ID, src.ID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		second, err := f.eng.Begin(ctx)
		if err != nil {
			done <- err
			return
		}
		defer second.Rollback()
		_, err = f.orch.Compress(ctx, catalog.New(ctx, second, nil), f.ht.ID, src.ID)
		if err == nil {
			err = second.Commit()
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, first.Commit())

	err = <-done
	require.Error(t, err)
	// depending on when the second transaction read the chunk it either
	// sees it compressed or fails on the size record's unique key
	assert.True(t, errors.Is(err, dberr.ErrPreconditionViolation) || errors.Is(err, dberr.ErrDuplicateKey), "got %v", err)
	assert.Len(t, f.sizeRecords(t), 1)
}

// Two transactions that both resolved the chunk before either reached the
// codec deadlock on the upgrade to AccessExclusive. The loser is aborted
// with a retryable deadlock error and the winner compresses the chunk.
func TestConcurrentCompress_SameChunkBothReachCodec(t *testing.T) {
	f := setup(t, "alice", true)
	ctx := context.Background()
	src := f.chunks[0]

	var mu sync.Mutex
	arrived := 0
	bothMeasured := make(chan struct{})
	orch := f.orch.WithMeasurer(func(st *storage.Store, relID uint32) (catalog.RelationSize, error) {
		if relID == src.RelID {
			mu.Lock()
			arrived++
			if arrived == 2 {
				close(bothMeasured)
			}
			mu.Unlock()
			select {
			case <-bothMeasured:
			case <-time.After(5 * time.Second):
				return catalog.RelationSize{}, errors.New("other transaction never measured the chunk")
			}
		}
		return MeasureRelation(st, relID)
	})
	svc := NewService(f.eng, orch, license.NewGate(license.Community, time.Time{}), chunk.NewDropper())

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := svc.CompressChunk(ctx, src.ID, false)
			errs <- err
		}()
	}

	var failed []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failed = append(failed, err)
		}
	}
	require.Len(t, failed, 1, "exactly one compress succeeds")
	assert.ErrorIs(t, failed[0], dberr.ErrDeadlock)
	assert.Equal(t, dberr.CodeDeadlockDetected, dberr.CodeOf(failed[0]))

	assert.Len(t, f.sizeRecords(t), 1)
	ch := f.chunk(t, src.ID)
	require.True(t, ch.IsCompressed())
	assert.Zero(t, f.rowCount(t, src.RelID))
	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		chunks, err := cat.ListChunks(f.ht.CompressedHypertableID)
		require.NoError(t, err)
		assert.Len(t, chunks, 1, "loser's compressed chunk rolled back")
	})
}

func TestCompressChunksOlderThan(t *testing.T) {
	f := setup(t, "alice", true)
	ctx := context.Background()

	names, err := f.svc.CompressChunksOlderThan(ctx, f.ht.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, []string{f.chunks[0].QualifiedName()}, names)

	names, err = f.svc.CompressChunksOlderThan(ctx, f.ht.ID, 1000)
	require.NoError(t, err)
	assert.Empty(t, names)

	names, err = f.svc.CompressChunksOlderThan(ctx, f.ht.ID, 5000)
	require.NoError(t, err)
	assert.Equal(t, []string{f.chunks[1].QualifiedName()}, names)

	_, err = f.svc.CompressChunksOlderThan(ctx, 999, 5000)
	assert.True(t, dberr.IsNotFound(err))
}

func TestStats(t *testing.T) {
	f := setup(t, "alice", true)
	ctx := context.Background()

	_, err := f.svc.CompressChunk(ctx, f.chunks[0].ID, false)
	require.NoError(t, err)

	infos, err := f.svc.ChunkCompressionStats(ctx, f.ht.ID)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.True(t, infos[0].IsCompressed)
	assert.NotEmpty(t, infos[0].CompressedChunkName)
	require.NotNil(t, infos[0].BeforeCompression)
	assert.False(t, infos[1].IsCompressed)
	assert.Nil(t, infos[1].BeforeCompression)

	stats, err := f.svc.HypertableCompressionStats(ctx, f.ht.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalChunks)
	assert.Equal(t, 1, stats.CompressedChunks)
	assert.Equal(t, 1, stats.UncompressedChunks)
	assert.Equal(t, infos[0].BeforeCompression.Total(), stats.BeforeCompression.Total())
	assert.Equal(t, infos[0].SizeBytes+infos[1].SizeBytes, stats.TotalSizeBytes)
}

func TestDropChunksOlderThan(t *testing.T) {
	f := setup(t, "alice", true)
	ctx := context.Background()

	rec, err := f.svc.CompressChunk(ctx, f.chunks[0].ID, false)
	require.NoError(t, err)

	_, err = f.svc.DropChunksOlderThan(auth.WithSession(ctx, auth.NewSession("bob", false)), f.ht.ID, 1000)
	assert.True(t, errors.Is(err, dberr.ErrPermissionDenied))

	names, err := f.svc.DropChunksOlderThan(ctx, f.ht.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, []string{f.chunks[0].QualifiedName()}, names)
	assert.Empty(t, f.sizeRecords(t))

	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		_, err := cat.Chunk(rec.CompressedChunkID)
		assert.True(t, dberr.IsNotFound(err))
		chunks, err := cat.ListChunks(f.ht.ID)
		require.NoError(t, err)
		assert.Len(t, chunks, 1)
	})
}

func TestMeasureRelation(t *testing.T) {
	f := setup(t, "alice", false)

	f.withCatalog(t, nil, func(cat *catalog.Catalog) {
		st := cat.Store()
		size, err := MeasureRelation(st, f.chunks[0].RelID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, size.Heap, int64(storage.PageSize))
		assert.Greater(t, size.Index, int64(0), "time index")

		table, err := st.TableSize(f.chunks[0].RelID)
		require.NoError(t, err)
		assert.Equal(t, table-size.Heap, size.Toast)
	})
}
