// Package codec converts chunk rows to and from their columnar compressed
// form.
//
// Rows are grouped by their segmentby values and ordered by the orderby
// settings. Each group is cut into batches of at most MaxRowsPerBatch
// rows and every batch becomes one row of the compressed relation:
// segmentby values are stored as-is, every other column is folded into a
// compressed_data blob, and metadata columns carry the row count, a
// sequence number, the min/max of the first orderby column and a BLAKE3
// checksum over the blobs.
package codec

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/eventodb/hyperstore/internal/catalog"
	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/lock"
	"github.com/eventodb/hyperstore/internal/logger"
	"github.com/eventodb/hyperstore/internal/storage"
	"github.com/zeebo/blake3"
)

// Codec compresses and decompresses relations inside a storage transaction
type Codec struct {
	batchSize int
}

// New creates a codec with the default batch size
func New() *Codec {
	return &Codec{batchSize: MaxRowsPerBatch}
}

// WithBatchSize returns a codec cutting batches of at most n rows
func (c *Codec) WithBatchSize(n int) *Codec {
	if n <= 0 || n > MaxRowsPerBatch {
		n = MaxRowsPerBatch
	}
	return &Codec{batchSize: n}
}

func (c *Codec) batch() int {
	if c.batchSize <= 0 {
		return MaxRowsPerBatch
	}
	return c.batchSize
}

type orderKey struct {
	pos        int
	asc        bool
	nullsFirst bool
}

type segment struct {
	values []any
	rows   []storage.Row
}

// Compress moves every row of srcRel into dstRel in compressed form and
// truncates srcRel
func (c *Codec) Compress(ctx context.Context, st *storage.Store, srcRel, dstRel uint32, settings []catalog.ColumnCompressionInfo) error {
	start := time.Now()

	src, err := st.Relation(srcRel)
	if err != nil {
		return err
	}
	dst, err := st.Relation(dstRel)
	if err != nil {
		return err
	}
	if err := ValidateSettings(src.Columns, settings); err != nil {
		return err
	}
	// src is rewritten below
	if err := st.Txn().Lock(ctx, lock.RelationTag(src.ID), lock.AccessExclusive); err != nil {
		return err
	}
	info := settingsByName(settings)

	dstPos := columnPositions(dst)
	for _, col := range src.Columns {
		if _, err := mustColumn(dst, dstPos, col.Name); err != nil {
			return err
		}
	}

	var segPos []int
	for _, name := range SegmentByColumns(settings) {
		segPos = append(segPos, src.ColumnIndex(name))
	}
	order := orderKeys(src, settings)

	segments, total, err := c.group(ctx, st, src, segPos)
	if err != nil {
		return err
	}

	batches := 0
	for _, seg := range segments {
		sortRows(seg.rows, order)

		seq := int64(0)
		for lo := 0; lo < len(seg.rows); lo += c.batch() {
			if err := ctx.Err(); err != nil {
				return err
			}
			hi := min(lo+c.batch(), len(seg.rows))
			seq += sequenceGap

			row, err := c.buildBatch(src, dst, dstPos, info, order, seg.rows[lo:hi], seq)
			if err != nil {
				return fmt.Errorf("compress %s: %w", src.QualifiedName(), err)
			}
			if _, err := st.Insert(dst.ID, row); err != nil {
				return fmt.Errorf("insert into %s: %w", dst.QualifiedName(), err)
			}
			batches++
		}
	}

	if err := st.Truncate(src.ID); err != nil {
		return err
	}

	logger.FromContext(ctx).Debug().
		Str("relation", src.QualifiedName()).
		Str("compressed_relation", dst.QualifiedName()).
		Int("rows", total).
		Int("segments", len(segments)).
		Int("batches", batches).
		Dur("duration", time.Since(start)).
		Msg("Relation compressed")
	return nil
}

// group reads every row of src and groups rows by segmentby values.
// Segments are returned ordered by their values, nulls first.
func (c *Codec) group(ctx context.Context, st *storage.Store, src *storage.Relation, segPos []int) ([]*segment, int, error) {
	byKey := make(map[string]*segment)
	var segments []*segment
	total := 0

	err := st.Scan(src.ID, func(_ storage.TID, row storage.Row) error {
		if total%c.batch() == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		values := make([]any, len(segPos))
		for i, pos := range segPos {
			values[i] = row[pos]
		}
		key, err := storage.Marshal(values)
		if err != nil {
			return err
		}
		seg, ok := byKey[string(key)]
		if !ok {
			seg = &segment{values: values}
			byKey[string(key)] = seg
			segments = append(segments, seg)
		}
		seg.rows = append(seg.rows, row)
		total++
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sort.SliceStable(segments, func(i, j int) bool {
		a, b := segments[i].values, segments[j].values
		for k := range a {
			if r := compareNullable(a[k], b[k], true); r != 0 {
				return r < 0
			}
		}
		return false
	})
	return segments, total, nil
}

func orderKeys(src *storage.Relation, settings []catalog.ColumnCompressionInfo) []orderKey {
	var ordered []catalog.ColumnCompressionInfo
	for _, s := range settings {
		if s.IsOrderBy() {
			ordered = append(ordered, s)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].OrderByIndex < ordered[j].OrderByIndex })

	keys := make([]orderKey, len(ordered))
	for i, s := range ordered {
		keys[i] = orderKey{pos: src.ColumnIndex(s.AttName), asc: s.OrderByAsc, nullsFirst: s.OrderByNullsFirst}
	}
	return keys
}

func sortRows(rows []storage.Row, order []orderKey) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range order {
			a, b := rows[i][k.pos], rows[j][k.pos]
			r := compareNullable(a, b, k.nullsFirst)
			if a != nil && b != nil && !k.asc {
				r = -r
			}
			if r != 0 {
				return r < 0
			}
		}
		return false
	})
}

func (c *Codec) buildBatch(src, dst *storage.Relation, dstPos map[string]int, info map[string]catalog.ColumnCompressionInfo,
	order []orderKey, rows []storage.Row, seq int64) (storage.Row, error) {
	out := make(storage.Row, len(dst.Columns))

	for i, col := range src.Columns {
		pos := dstPos[col.Name]
		s := info[col.Name]
		if s.IsSegmentBy() {
			out[pos] = rows[0][i]
			continue
		}

		values := make([]any, len(rows))
		for r, row := range rows {
			values[r] = row[i]
		}
		algo := s.Algorithm
		if algo == "" {
			algo = DefaultAlgorithm(col.Type)
		}
		data, err := encodeColumn(algo, col.Type, values)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		out[pos] = data
	}

	if pos, ok := dstPos[MetaCount]; ok {
		out[pos] = int64(len(rows))
	}
	if pos, ok := dstPos[MetaSequenceNum]; ok {
		out[pos] = seq
	}
	if len(order) > 0 {
		lo, hi := minMax(rows, order[0].pos)
		if pos, ok := dstPos[MetaMin]; ok {
			out[pos] = lo
		}
		if pos, ok := dstPos[MetaMax]; ok {
			out[pos] = hi
		}
	}
	if pos, ok := dstPos[MetaChecksum]; ok {
		out[pos] = checksum(dst, out)
	}
	return out, nil
}

func minMax(rows []storage.Row, pos int) (lo, hi any) {
	for _, row := range rows {
		v := row[pos]
		if v == nil {
			continue
		}
		if lo == nil || compareValues(v, lo) < 0 {
			lo = v
		}
		if hi == nil || compareValues(v, hi) > 0 {
			hi = v
		}
	}
	return lo, hi
}

// checksum hashes the compressed_data values of a compressed row in
// column order
func checksum(rel *storage.Relation, row storage.Row) []byte {
	h := blake3.New()
	for i, col := range rel.Columns {
		if col.Type != storage.TypeCompressedData {
			continue
		}
		if b, ok := row[i].([]byte); ok {
			h.Write(b)
		}
	}
	return h.Sum(nil)
}

// Decompress restores every row of the compressed relation srcRel into
// dstRel and truncates srcRel
func (c *Codec) Decompress(ctx context.Context, st *storage.Store, srcRel, dstRel uint32) error {
	start := time.Now()

	dst, err := st.Relation(dstRel)
	if err != nil {
		return err
	}
	if err := st.Txn().Lock(ctx, lock.RelationTag(srcRel), lock.AccessExclusive); err != nil {
		return err
	}

	total := 0
	batches, err := c.Rows(ctx, st, srcRel, dst.Columns, func(row storage.Row) error {
		if _, err := st.Insert(dst.ID, row); err != nil {
			return fmt.Errorf("insert into %s: %w", dst.QualifiedName(), err)
		}
		total++
		return nil
	})
	if err != nil {
		return err
	}

	if err := st.Truncate(srcRel); err != nil {
		return err
	}

	logger.FromContext(ctx).Debug().
		Uint32("compressed_relation", srcRel).
		Str("relation", dst.QualifiedName()).
		Int("rows", total).
		Int("batches", batches).
		Dur("duration", time.Since(start)).
		Msg("Relation decompressed")
	return nil
}

// Rows decodes the compressed relation srcRel and calls fn with every row
// laid out as columns. Checksums are verified before the first call. It
// returns the number of compressed rows read.
func (c *Codec) Rows(ctx context.Context, st *storage.Store, srcRel uint32, columns []storage.Column, fn func(storage.Row) error) (int, error) {
	src, err := st.Relation(srcRel)
	if err != nil {
		return 0, err
	}

	srcPos := columnPositions(src)
	countPos, err := mustColumn(src, srcPos, MetaCount)
	if err != nil {
		return 0, err
	}
	sumPos, hasSum := srcPos[MetaChecksum]

	positions := make([]int, len(columns))
	for i, col := range columns {
		if isMetaColumn(col.Name) {
			return 0, dberr.Internal("column %q collides with compression metadata of %s", col.Name, src.QualifiedName())
		}
		if positions[i], err = mustColumn(src, srcPos, col.Name); err != nil {
			return 0, err
		}
	}

	var batches []storage.Row
	err = st.Scan(src.ID, func(tid storage.TID, row storage.Row) error {
		if hasSum {
			if want, _ := row[sumPos].([]byte); !bytes.Equal(want, checksum(src, row)) {
				return dberr.New(dberr.ErrInternal, dberr.CodeDataCorrupted,
					"checksum mismatch in compressed tuple %s of %s", tid, src.QualifiedName())
			}
		}
		batches = append(batches, row)
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		count, _ := batch[countPos].(int64)

		values := make([][]any, len(columns))
		for i, col := range columns {
			p := positions[i]
			if src.Columns[p].Type != storage.TypeCompressedData || col.Type == storage.TypeCompressedData {
				values[i] = repeat(batch[p], count)
				continue
			}
			data, _ := batch[p].([]byte)
			if data == nil {
				values[i] = make([]any, count)
				continue
			}
			decoded, err := decodeColumn(data, col.Type)
			if err == nil && int64(len(decoded)) != count {
				err = errCountMismatch
			}
			if err != nil {
				return 0, dberr.Wrap(dberr.ErrInternal, dberr.CodeDataCorrupted, err,
					"decompress column %q of %s", col.Name, src.QualifiedName())
			}
			values[i] = decoded
		}

		for r := int64(0); r < count; r++ {
			row := make(storage.Row, len(columns))
			for i := range row {
				row[i] = values[i][r]
			}
			if err := fn(row); err != nil {
				return 0, err
			}
		}
	}
	return len(batches), nil
}

func repeat(v any, n int64) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = v
	}
	return out
}
