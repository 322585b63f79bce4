package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/eventodb/hyperstore/internal/dberr"
)

// Insert appends row to a table and maintains its toast relation and
// indexes
func (s *Store) Insert(id uint32, row Row) (TID, error) {
	rel, err := s.Relation(id)
	if err != nil {
		return TID{}, err
	}
	if rel.Kind != KindTable {
		return TID{}, fmt.Errorf("cannot insert into %s: not a table", rel.QualifiedName())
	}
	row = append(Row(nil), row...)
	if err := CheckRow(rel.Columns, row); err != nil {
		return TID{}, err
	}
	// the table's lock is taken before those of its toast relation and
	// indexes, so concurrent inserts always lock in the same order
	if err := s.lockExtension(rel); err != nil {
		return TID{}, err
	}

	tup := tuple{Values: make([]any, len(row))}
	copy(tup.Values, row)
	for i, col := range rel.Columns {
		if !col.Type.Toastable() || valueSize(row[i]) <= ToastThreshold {
			continue
		}
		ptr, err := s.toastValue(rel, valueBytes(row[i]))
		if err != nil {
			return TID{}, err
		}
		if tup.Toast == nil {
			tup.Toast = make(map[int]toastPointer)
		}
		tup.Toast[i] = ptr
		tup.Values[i] = nil
	}

	data, err := Marshal(tup)
	if err != nil {
		return TID{}, fmt.Errorf("failed to encode tuple: %w", err)
	}
	tid, err := s.placeTuple(rel, data)
	if err != nil {
		return TID{}, err
	}

	for _, idxID := range rel.Indexes {
		idx, err := s.Relation(idxID)
		if err != nil {
			return TID{}, err
		}
		if err := s.insertIndexEntry(idx, row, tid); err != nil {
			return TID{}, err
		}
	}
	return tid, nil
}

// placeTuple stores an encoded tuple on the last page of rel, extending
// the relation by one page when it does not fit
func (s *Store) placeTuple(rel *Relation, data []byte) (TID, error) {
	need := len(data) + tupleOverhead
	if len(data) > MaxTupleSize {
		return TID{}, dberr.New(dberr.ErrPreconditionViolation, "54000",
			"row is too big: size %d, maximum size %d", len(data), MaxTupleSize)
	}
	if err := s.lockExtension(rel); err != nil {
		return TID{}, err
	}

	if rel.Pages == 0 || int(rel.LastFree) < need || (rel.Kind == KindIndex && rel.Pages == 1) {
		page := rel.Pages
		rel.Pages++
		rel.LastFree = PageSize - pageHeaderSize
		rel.LastSlots = 0
		if err := s.tx.Set(pageKey(rel.ID, ForkVM, page), []byte{0}); err != nil {
			return TID{}, err
		}
	}

	rel.LastSlots++
	rel.LastFree -= uint16(need)
	tid := TID{Page: rel.Pages - 1, Slot: rel.LastSlots}

	if err := s.tx.Set(tupleKey(rel.ID, tid), data); err != nil {
		return TID{}, err
	}
	// the free space map keeps one byte per page: free space in 32-byte units
	if err := s.tx.Set(pageKey(rel.ID, ForkFSM, tid.Page), []byte{byte(rel.LastFree / 32)}); err != nil {
		return TID{}, err
	}
	if err := s.save(rel); err != nil {
		return TID{}, err
	}
	return tid, nil
}

func (s *Store) toastValue(rel *Relation, value []byte) (toastPointer, error) {
	toast, err := s.Relation(rel.ToastRelID)
	if err != nil {
		return toastPointer{}, err
	}
	if err := s.lockExtension(toast); err != nil {
		return toastPointer{}, err
	}
	ptr := toastPointer{ValueID: toast.NextValueID, RawSize: len(value)}
	toast.NextValueID++

	for seq := 0; seq*ToastChunkSize < len(value); seq++ {
		end := min((seq+1)*ToastChunkSize, len(value))
		chunk := tuple{Values: []any{int64(ptr.ValueID), int64(seq), value[seq*ToastChunkSize : end]}}
		data, err := Marshal(chunk)
		if err != nil {
			return toastPointer{}, err
		}
		tid, err := s.placeTuple(toast, data)
		if err != nil {
			return toastPointer{}, err
		}
		idx, err := s.Relation(rel.ToastIndexID)
		if err != nil {
			return toastPointer{}, err
		}
		if err := s.insertIndexEntry(idx, Row(chunk.Values), tid); err != nil {
			return toastPointer{}, err
		}
	}
	return ptr, s.save(toast)
}

func (s *Store) insertIndexEntry(idx *Relation, row Row, tid TID) error {
	entry := indexTuple{Key: make([]any, len(idx.IndexColumns)), TID: tid}
	for i, p := range idx.IndexColumns {
		entry.Key[i] = row[p]
	}
	data, err := Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode index entry: %w", err)
	}
	if len(data) > maxIndexTupleSize {
		return dberr.New(dberr.ErrPreconditionViolation, "54000",
			"index row size %d exceeds maximum %d for index %q", len(data), maxIndexTupleSize, idx.Name)
	}
	_, err = s.placeTuple(idx, data)
	return err
}

// Scan calls fn for every row of a table in physical order. Toasted values
// are returned inline.
func (s *Store) Scan(id uint32, fn func(tid TID, row Row) error) error {
	rel, err := s.Relation(id)
	if err != nil {
		return err
	}

	var toastData map[uint64][]byte
	return s.tx.Scan(forkPrefix(rel.ID, ForkMain), func(key, value []byte) error {
		tid, err := parseTupleKey(key)
		if err != nil {
			return err
		}
		var tup tuple
		if err := Unmarshal(value, &tup); err != nil {
			return dberr.Wrap(dberr.ErrInternal, dberr.CodeDataCorrupted, err,
				"corrupt tuple %s in %s", tid, rel.QualifiedName())
		}
		if len(tup.Toast) > 0 && toastData == nil {
			if toastData, err = s.loadToast(rel); err != nil {
				return err
			}
		}
		for i, ptr := range tup.Toast {
			v, ok := toastData[ptr.ValueID]
			if !ok || len(v) != ptr.RawSize {
				return dberr.Internal("missing chunk for toast value %d in %s", ptr.ValueID, rel.QualifiedName())
			}
			tup.Values[i] = v
		}

		row := Row(tup.Values)
		if len(row) != len(rel.Columns) {
			return dberr.Internal("tuple %s has %d values, %s has %d columns",
				tid, len(row), rel.QualifiedName(), len(rel.Columns))
		}
		for i, col := range rel.Columns {
			if b, ok := row[i].([]byte); ok && col.Type == TypeText {
				row[i] = string(b)
			}
			if row[i], err = Normalize(col.Type, row[i]); err != nil {
				return err
			}
		}
		return fn(tid, row)
	})
}

// loadToast reassembles every toasted value of rel
func (s *Store) loadToast(rel *Relation) (map[uint64][]byte, error) {
	type chunk struct {
		seq  int64
		data []byte
	}
	chunks := make(map[uint64][]chunk)
	err := s.tx.Scan(forkPrefix(rel.ToastRelID, ForkMain), func(_, value []byte) error {
		var tup tuple
		if err := Unmarshal(value, &tup); err != nil {
			return dberr.Wrap(dberr.ErrInternal, dberr.CodeDataCorrupted, err, "corrupt toast chunk")
		}
		if len(tup.Values) != 3 {
			return dberr.Internal("corrupt toast chunk in %s", rel.QualifiedName())
		}
		valueID, err := Normalize(TypeInt8, tup.Values[0])
		if err != nil {
			return err
		}
		seq, err := Normalize(TypeInt8, tup.Values[1])
		if err != nil {
			return err
		}
		data, _ := tup.Values[2].([]byte)
		id := uint64(valueID.(int64))
		chunks[id] = append(chunks[id], chunk{seq: seq.(int64), data: data})
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(map[uint64][]byte, len(chunks))
	for id, cs := range chunks {
		sort.Slice(cs, func(i, j int) bool { return cs[i].seq < cs[j].seq })
		var buf []byte
		for _, c := range cs {
			buf = append(buf, c.data...)
		}
		out[id] = buf
	}
	return out, nil
}

// Count returns the number of rows in a table
func (s *Store) Count(id uint32) (int64, error) {
	rel, err := s.Relation(id)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.tx.Scan(forkPrefix(rel.ID, ForkMain), func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

func parseTupleKey(key []byte) (TID, error) {
	// fork:{id}:main:{page}:{slot}
	parts := strings.Split(string(key), ":")
	if len(parts) != 5 {
		return TID{}, dberr.Internal("malformed tuple key %q", key)
	}
	page, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return TID{}, dberr.Internal("malformed tuple key %q", key)
	}
	slot, err := strconv.ParseUint(parts[4], 10, 16)
	if err != nil {
		return TID{}, dberr.Internal("malformed tuple key %q", key)
	}
	return TID{Page: uint32(page), Slot: uint16(slot)}, nil
}
