package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/engine"
	"github.com/eventodb/hyperstore/internal/lock"
)

const relationSequence = "relation"

// extensionKey names the tuple lock that serializes appends to a relation
var extensionKey = []byte("extend")

// Store gives access to the relations visible in one transaction.
// It must not be shared between transactions.
type Store struct {
	ctx      context.Context
	tx       engine.Txn
	rels     map[uint32]*Relation
	extended map[uint32]bool
}

// New binds a Store to tx. ctx bounds the lock waits of writes.
func New(ctx context.Context, tx engine.Txn) *Store {
	return &Store{
		ctx:      ctx,
		tx:       tx,
		rels:     make(map[uint32]*Relation),
		extended: make(map[uint32]bool),
	}
}

// Txn returns the bound transaction
func (s *Store) Txn() engine.Txn {
	return s.tx
}

// CreateRelation creates a table. A toast relation and its index are
// created along with it when any column is toastable.
func (s *Store) CreateRelation(spec RelationSpec) (*Relation, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("relation name is required")
	}
	if spec.Persistence == "" {
		spec.Persistence = Permanent
	}
	seen := make(map[string]bool, len(spec.Columns))
	toastable := false
	for _, col := range spec.Columns {
		if !col.Type.Valid() {
			return nil, fmt.Errorf("column %q has unknown type %q", col.Name, col.Type)
		}
		if seen[col.Name] {
			return nil, dberr.New(dberr.ErrPreconditionViolation, dberr.CodeDuplicateObject,
				"column %q specified more than once", col.Name)
		}
		seen[col.Name] = true
		toastable = toastable || col.Type.Toastable()
	}

	rel, err := s.newRelation(spec.Schema, spec.Name, KindTable, spec.Persistence)
	if err != nil {
		return nil, err
	}
	rel.Columns = spec.Columns

	if toastable {
		toast, err := s.newRelation("pg_toast", fmt.Sprintf("pg_toast_%d", rel.ID), KindToast, spec.Persistence)
		if err != nil {
			return nil, err
		}
		toast.Columns = []Column{
			{Name: "chunk_id", Type: TypeInt8, NotNull: true},
			{Name: "chunk_seq", Type: TypeInt8, NotNull: true},
			{Name: "chunk_data", Type: TypeBytea, NotNull: true},
		}
		toast.NextValueID = 1

		toastIdx, err := s.newIndexRelation("pg_toast", fmt.Sprintf("pg_toast_%d_index", rel.ID), toast, []int{0, 1})
		if err != nil {
			return nil, err
		}
		toast.Indexes = []uint32{toastIdx.ID}
		if err := s.save(toast); err != nil {
			return nil, err
		}
		rel.ToastRelID = toast.ID
		rel.ToastIndexID = toastIdx.ID
	}

	if err := s.save(rel); err != nil {
		return nil, err
	}
	return rel, nil
}

// CreateIndex creates a secondary index on columns of a table and indexes
// the rows already present
func (s *Store) CreateIndex(tableID uint32, name string, columns []string) (*Relation, error) {
	table, err := s.Relation(tableID)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("index %q needs at least one column", name)
	}
	positions := make([]int, len(columns))
	for i, c := range columns {
		positions[i] = table.ColumnIndex(c)
		if positions[i] < 0 {
			return nil, dberr.New(dberr.ErrNotFound, "42703", "column %q does not exist", c)
		}
	}

	idx, err := s.newIndexRelation(table.Schema, name, table, positions)
	if err != nil {
		return nil, err
	}
	table.Indexes = append(table.Indexes, idx.ID)
	if err := s.save(table); err != nil {
		return nil, err
	}

	err = s.Scan(tableID, func(tid TID, row Row) error {
		return s.insertIndexEntry(idx, row, tid)
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func (s *Store) newRelation(schema, name string, kind Kind, persistence Persistence) (*Relation, error) {
	if schema == "" {
		schema = "public"
	}
	nameKey := relNameKey(schema, name)
	if _, err := s.tx.Get(nameKey); err == nil {
		return nil, dberr.New(dberr.ErrPreconditionViolation, "42P07",
			"relation \"%s.%s\" already exists", schema, name)
	} else if !errors.Is(err, engine.ErrNotFound) {
		return nil, err
	}

	seq, err := s.tx.NextSequence(relationSequence)
	if err != nil {
		return nil, err
	}
	rel := &Relation{
		ID:          FirstNormalRelID + uint32(seq),
		Schema:      schema,
		Name:        name,
		Kind:        kind,
		Persistence: persistence,
	}
	if err := s.tx.Set(nameKey, []byte(fmt.Sprintf("%010d", rel.ID))); err != nil {
		return nil, err
	}
	if persistence == Unlogged {
		if err := s.writeInitFork(rel); err != nil {
			return nil, err
		}
	}
	return rel, nil
}

func (s *Store) newIndexRelation(schema, name string, table *Relation, positions []int) (*Relation, error) {
	idx, err := s.newRelation(schema, name, KindIndex, table.Persistence)
	if err != nil {
		return nil, err
	}
	idx.IndexOn = table.ID
	idx.IndexColumns = positions
	for _, p := range positions {
		idx.Columns = append(idx.Columns, table.Columns[p])
	}
	// page 0 is the metapage
	idx.Pages = 1
	if err := s.save(idx); err != nil {
		return nil, err
	}
	return idx, nil
}

// writeInitFork writes the empty image an unlogged relation is reset to
// after a crash
func (s *Store) writeInitFork(rel *Relation) error {
	image := []byte{}
	if rel.Kind == KindIndex {
		image = make([]byte, pageHeaderSize)
	}
	return s.tx.Set(initKey(rel.ID), image)
}

// Relation returns the descriptor of relation id
func (s *Store) Relation(id uint32) (*Relation, error) {
	if rel, ok := s.rels[id]; ok {
		return rel, nil
	}
	data, err := s.tx.Get(relKey(id))
	if errors.Is(err, engine.ErrNotFound) {
		return nil, dberr.NotFound("relation with OID %d does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read relation %d: %w", id, err)
	}
	var rel Relation
	if err := Unmarshal(data, &rel); err != nil {
		return nil, dberr.Wrap(dberr.ErrInternal, dberr.CodeDataCorrupted, err, "corrupt relation %d", id)
	}
	s.rels[id] = &rel
	return &rel, nil
}

// RelationByName looks a relation up by schema and name
func (s *Store) RelationByName(schema, name string) (*Relation, error) {
	data, err := s.tx.Get(relNameKey(schema, name))
	if errors.Is(err, engine.ErrNotFound) {
		return nil, dberr.NotFound("relation \"%s.%s\" does not exist", schema, name)
	}
	if err != nil {
		return nil, err
	}
	var id uint32
	if _, err := fmt.Sscanf(string(data), "%d", &id); err != nil {
		return nil, dberr.Wrap(dberr.ErrInternal, dberr.CodeDataCorrupted, err, "corrupt relation name entry")
	}
	return s.Relation(id)
}

// lockExtension takes the extension lock of rel for the rest of the
// transaction and reloads the allocation state of its header, which
// another transaction may have advanced since rel was read.
func (s *Store) lockExtension(rel *Relation) error {
	if s.extended[rel.ID] {
		return nil
	}
	if err := s.tx.Lock(s.ctx, lock.TupleTag(rel.ID, extensionKey), lock.AccessExclusive); err != nil {
		return err
	}
	s.extended[rel.ID] = true

	data, err := s.tx.Get(relKey(rel.ID))
	if errors.Is(err, engine.ErrNotFound) {
		return dberr.NotFound("relation with OID %d does not exist", rel.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to read relation %d: %w", rel.ID, err)
	}
	var current Relation
	if err := Unmarshal(data, &current); err != nil {
		return dberr.Wrap(dberr.ErrInternal, dberr.CodeDataCorrupted, err, "corrupt relation %d", rel.ID)
	}
	rel.Pages = current.Pages
	rel.LastFree = current.LastFree
	rel.LastSlots = current.LastSlots
	rel.NextValueID = current.NextValueID
	return nil
}

func (s *Store) save(rel *Relation) error {
	data, err := Marshal(rel)
	if err != nil {
		return fmt.Errorf("failed to encode relation %d: %w", rel.ID, err)
	}
	s.rels[rel.ID] = rel
	return s.tx.Set(relKey(rel.ID), data)
}

// Truncate removes every tuple of a table, its toast data and its index
// entries
func (s *Store) Truncate(id uint32) error {
	rel, err := s.Relation(id)
	if err != nil {
		return err
	}
	for _, dep := range s.dependents(rel) {
		if err := s.truncateOne(dep); err != nil {
			return err
		}
	}
	return s.truncateOne(rel)
}

func (s *Store) truncateOne(rel *Relation) error {
	if err := s.deletePrefix(relationPrefix(rel.ID)); err != nil {
		return err
	}
	rel.Pages, rel.LastFree, rel.LastSlots = 0, 0, 0
	if rel.Kind == KindIndex {
		rel.Pages = 1
	}
	if rel.Persistence == Unlogged {
		if err := s.writeInitFork(rel); err != nil {
			return err
		}
	}
	return s.save(rel)
}

// Drop removes a table together with its toast relation and indexes
func (s *Store) Drop(id uint32) error {
	rel, err := s.Relation(id)
	if err != nil {
		return err
	}
	for _, r := range append(s.dependents(rel), rel) {
		if err := s.deletePrefix(relationPrefix(r.ID)); err != nil {
			return err
		}
		if _, err := s.tx.Delete(relNameKey(r.Schema, r.Name)); err != nil {
			return err
		}
		if _, err := s.tx.Delete(relKey(r.ID)); err != nil {
			return err
		}
		delete(s.rels, r.ID)
	}
	return nil
}

// dependents returns the toast relation, toast index and indexes of rel
func (s *Store) dependents(rel *Relation) []*Relation {
	var ids []uint32
	if rel.ToastRelID != 0 {
		ids = append(ids, rel.ToastRelID, rel.ToastIndexID)
	}
	ids = append(ids, rel.Indexes...)

	out := make([]*Relation, 0, len(ids))
	for _, id := range ids {
		if dep, err := s.Relation(id); err == nil {
			out = append(out, dep)
		}
	}
	return out
}

func (s *Store) deletePrefix(prefix []byte) error {
	var keys [][]byte
	err := s.tx.Scan(prefix, func(key, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := s.tx.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
