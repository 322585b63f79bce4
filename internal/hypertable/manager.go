// Package hypertable manages hypertables: creation, compression settings,
// routing inserted rows to chunks and scanning across chunks.
package hypertable

import (
	"context"
	"fmt"

	"github.com/eventodb/hyperstore/internal/auth"
	"github.com/eventodb/hyperstore/internal/catalog"
	"github.com/eventodb/hyperstore/internal/chunk"
	"github.com/eventodb/hyperstore/internal/codec"
	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/lock"
	"github.com/eventodb/hyperstore/internal/logger"
	"github.com/eventodb/hyperstore/internal/storage"
)

// DefaultChunkInterval is seven days in microseconds
const DefaultChunkInterval int64 = 7 * 24 * 60 * 60 * 1_000_000

// CreateOptions describe a new hypertable
type CreateOptions struct {
	Schema        string           `json:"schema" yaml:"schema"`
	Table         string           `json:"table" yaml:"table"`
	Columns       []storage.Column `json:"columns" yaml:"columns"`
	TimeColumn    string           `json:"time_column" yaml:"time_column"`
	ChunkInterval int64            `json:"chunk_interval" yaml:"chunk_interval"`
}

// CompressionOptions configure compression of a hypertable
type CompressionOptions struct {
	SegmentBy []string       `json:"segmentby" yaml:"segmentby"`
	OrderBy   []codec.OrderBy `json:"orderby" yaml:"orderby"`
}

// Manager operates on hypertables within a caller's transaction
type Manager struct {
	creator *chunk.Creator
	codec   *codec.Codec
}

// NewManager creates a Manager
func NewManager(creator *chunk.Creator, c *codec.Codec) *Manager {
	return &Manager{creator: creator, codec: c}
}

// Create creates the root relation of a hypertable and registers it. The
// caller's role becomes the owner.
func (m *Manager) Create(ctx context.Context, cat *catalog.Catalog, opts CreateOptions) (*catalog.Hypertable, error) {
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if opts.ChunkInterval == 0 {
		opts.ChunkInterval = DefaultChunkInterval
	}
	if opts.ChunkInterval < 0 {
		return nil, dberr.Precondition("invalid chunk interval %d", opts.ChunkInterval)
	}

	opts.Columns = append([]storage.Column(nil), opts.Columns...)
	timeType := storage.ColumnType("")
	for i, col := range opts.Columns {
		if !col.Type.Valid() || col.Type == storage.TypeCompressedData {
			return nil, dberr.Precondition("column %q has unsupported type %q", col.Name, col.Type)
		}
		if col.Name == opts.TimeColumn {
			timeType = col.Type
			opts.Columns[i].NotNull = true
		}
	}
	switch timeType {
	case storage.TypeInt8, storage.TypeTimestamptz:
	case "":
		return nil, dberr.New(dberr.ErrNotFound, "42703", "column %q does not exist", opts.TimeColumn)
	default:
		return nil, dberr.Precondition("invalid type for dimension %q", opts.TimeColumn).
			WithHint("Use an integer or timestamptz column.")
	}

	rel, err := cat.Store().CreateRelation(storage.RelationSpec{
		Schema:  opts.Schema,
		Name:    opts.Table,
		Columns: opts.Columns,
	})
	if err != nil {
		return nil, err
	}

	h := &catalog.Hypertable{
		SchemaName: opts.Schema,
		TableName:  opts.Table,
		Owner:      cat.Session().Role(),
		RelID:      rel.ID,
		Columns:    opts.Columns,
		Dimensions: []catalog.Dimension{{
			ColumnName: opts.TimeColumn,
			ColumnType: timeType,
			Interval:   opts.ChunkInterval,
		}},
	}
	if err := cat.CreateHypertable(h); err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info().
		Str("hypertable", h.QualifiedName()).
		Int32("hypertable_id", h.ID).
		Int64("chunk_interval", opts.ChunkInterval).
		Msg("Hypertable created")
	return h, nil
}

// EnableCompression stores compression settings for a hypertable and
// creates its companion hypertable. Re-enabling replaces the settings as
// long as no chunk is compressed.
func (m *Manager) EnableCompression(ctx context.Context, cat *catalog.Catalog, htID int32, opts CompressionOptions) (*catalog.Hypertable, error) {
	h, err := m.owned(cat, htID)
	if err != nil {
		return nil, err
	}
	if h.Compressed {
		return nil, dberr.Precondition("cannot enable compression on internal compressed hypertable %q", h.QualifiedName())
	}

	timeColumn := ""
	if dim := h.TimeDimension(); dim != nil {
		timeColumn = dim.ColumnName
	}
	settings, err := codec.BuildSettings(h.Columns, opts.SegmentBy, opts.OrderBy, timeColumn)
	if err != nil {
		return nil, err
	}
	columns, err := codec.CompressedColumns(h.Columns, settings)
	if err != nil {
		return nil, err
	}

	if h.CompressionEnabled() {
		if err := m.DisableCompression(ctx, cat, htID); err != nil {
			return nil, err
		}
		if h, err = cat.Hypertable(htID); err != nil {
			return nil, err
		}
	}

	name := fmt.Sprintf("_compressed_hypertable_%d", h.ID)
	rel, err := cat.Store().CreateRelation(storage.RelationSpec{
		Schema:  catalog.InternalSchema,
		Name:    name,
		Columns: columns,
	})
	if err != nil {
		return nil, err
	}

	companion := &catalog.Hypertable{
		SchemaName: catalog.InternalSchema,
		TableName:  name,
		Owner:      h.Owner,
		RelID:      rel.ID,
		Columns:    columns,
		Compressed: true,
	}
	if err := cat.CreateHypertable(companion); err != nil {
		return nil, err
	}

	h.CompressedHypertableID = companion.ID
	if err := cat.UpdateHypertable(h); err != nil {
		return nil, err
	}
	if err := cat.SetColumnCompression(h.ID, settings); err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info().
		Str("hypertable", h.QualifiedName()).
		Str("companion", companion.QualifiedName()).
		Strs("segmentby", codec.SegmentByColumns(settings)).
		Msg("Compression enabled")
	return h, nil
}

// DisableCompression removes the compression settings and the companion
// hypertable. It fails while any chunk is compressed.
func (m *Manager) DisableCompression(ctx context.Context, cat *catalog.Catalog, htID int32) error {
	h, err := m.owned(cat, htID)
	if err != nil {
		return err
	}
	if !h.CompressionEnabled() {
		return dberr.New(dberr.ErrPreconditionViolation, dberr.CodeFeatureNotSupported,
			"compression not enabled on hypertable %q", h.QualifiedName())
	}

	chunks, err := cat.ListChunks(h.ID)
	if err != nil {
		return err
	}
	for _, ch := range chunks {
		if ch.IsCompressed() {
			return dberr.Precondition("cannot change compression options as compressed chunks already exist").
				WithHint("Decompress all chunks of " + h.QualifiedName() + " first.")
		}
	}

	companion, err := cat.Hypertable(h.CompressedHypertableID)
	if err != nil {
		return dberr.Wrap(dberr.ErrInternal, dberr.CodeInternalError, err,
			"missing companion of hypertable %q", h.QualifiedName())
	}
	if err := cat.Store().Drop(companion.RelID); err != nil {
		return err
	}
	if err := cat.DeleteHypertable(companion.ID); err != nil {
		return err
	}
	if err := cat.DeleteColumnCompression(h.ID); err != nil {
		return err
	}
	h.CompressedHypertableID = 0
	if err := cat.UpdateHypertable(h); err != nil {
		return err
	}

	logger.FromContext(ctx).Info().Str("hypertable", h.QualifiedName()).Msg("Compression disabled")
	return nil
}

func (m *Manager) owned(cat *catalog.Catalog, htID int32) (*catalog.Hypertable, error) {
	h, err := cat.Hypertable(htID)
	if err != nil {
		return nil, err
	}
	if err := auth.CheckOwner(cat.Session(), h.Owner, h.QualifiedName()); err != nil {
		return nil, err
	}
	return h, nil
}

// Insert routes rows to chunks by the time dimension, creating chunks as
// needed, and returns the number of rows written
func (m *Manager) Insert(ctx context.Context, cat *catalog.Catalog, htID int32, rows []storage.Row) (int, error) {
	h, err := m.owned(cat, htID)
	if err != nil {
		return 0, err
	}
	if h.Compressed {
		return 0, dberr.Precondition("cannot insert into internal compressed hypertable %q", h.QualifiedName())
	}
	dim := h.TimeDimension()
	if dim == nil {
		return 0, dberr.Internal("hypertable %q has no dimensions", h.QualifiedName())
	}
	pos := -1
	for i, col := range h.Columns {
		if col.Name == dim.ColumnName {
			pos = i
		}
	}
	if pos < 0 {
		return 0, dberr.Internal("dimension column %q missing from %q", dim.ColumnName, h.QualifiedName())
	}

	st := cat.Store()
	byStart := make(map[int64]*catalog.Chunk)
	for n, row := range rows {
		if len(row) != len(h.Columns) {
			return n, fmt.Errorf("row has %d values, hypertable %q has %d columns", len(row), h.QualifiedName(), len(h.Columns))
		}
		v, err := storage.Normalize(dim.ColumnType, row[pos])
		if err != nil {
			return n, fmt.Errorf("column %q: %w", dim.ColumnName, err)
		}
		if v == nil {
			return n, dberr.New(dberr.ErrPreconditionViolation, "23502",
				"NULL value in column %q violates not-null constraint", dim.ColumnName)
		}
		start := rangeStart(v.(int64), dim.Interval)

		ch, ok := byStart[start]
		if !ok {
			if ch, err = m.chunkFor(ctx, cat, h, start, start+dim.Interval); err != nil {
				return n, err
			}
			byStart[start] = ch
		}
		if _, err := st.Insert(ch.RelID, row); err != nil {
			return n, fmt.Errorf("insert into %s: %w", ch.QualifiedName(), err)
		}
	}
	return len(rows), nil
}

func (m *Manager) chunkFor(ctx context.Context, cat *catalog.Catalog, h *catalog.Hypertable, start, end int64) (*catalog.Chunk, error) {
	ch, err := cat.ChunkForValue(h.ID, start)
	if dberr.IsNotFound(err) {
		ch, err = m.creator.CreateChunk(ctx, cat, h, start, end)
	}
	if err != nil {
		return nil, err
	}
	if err := cat.Txn().Lock(ctx, lock.RelationTag(ch.RelID), lock.RowExclusive); err != nil {
		return nil, err
	}
	// a compress may have committed while we waited for the lock
	if ch, err = cat.Chunk(ch.ID); err != nil {
		return nil, err
	}
	if ch.IsCompressed() {
		return nil, dberr.Precondition("cannot insert into compressed chunk %q", ch.QualifiedName()).
			WithHint("Decompress the chunk before inserting.")
	}
	return ch, nil
}

// rangeStart floors v to a multiple of interval
func rangeStart(v, interval int64) int64 {
	start := v - v%interval
	if v%interval < 0 {
		start -= interval
	}
	return start
}

// Scan calls fn with every row of a hypertable, chunk by chunk in range
// order. Compressed chunks are read through the codec without being
// decompressed.
func (m *Manager) Scan(ctx context.Context, cat *catalog.Catalog, htID int32, fn func(ch *catalog.Chunk, row storage.Row) error) error {
	h, err := cat.Hypertable(htID)
	if err != nil {
		return err
	}
	chunks, err := cat.ListChunks(h.ID)
	if err != nil {
		return err
	}

	st := cat.Store()
	for _, ch := range chunks {
		if err := cat.Txn().Lock(ctx, lock.RelationTag(ch.RelID), lock.AccessShare); err != nil {
			return err
		}
		if ch, err = cat.Chunk(ch.ID); err != nil {
			return err
		}
		if ch.IsCompressed() {
			comp, err := cat.Chunk(ch.CompressedChunkID)
			if err != nil {
				return err
			}
			_, err = m.codec.Rows(ctx, st, comp.RelID, h.Columns, func(row storage.Row) error {
				return fn(ch, row)
			})
			if err != nil {
				return err
			}
			continue
		}
		err := st.Scan(ch.RelID, func(_ storage.TID, row storage.Row) error {
			return fn(ch, row)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
