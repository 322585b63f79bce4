// Package catalog stores hypertables, chunks, compression settings and the
// compression size records.
//
// A Catalog is bound to one transaction and one session. Every lookup reads
// the transaction's current state; nothing is cached between calls.
//
// Key Schema:
//   - ht:{id_10}                     → Hypertable (JSON)
//   - htn:{schema}.{table}           → {id_10}
//   - ch:{id_10}                     → Chunk (JSON)
//   - chr:{relid_10}                 → {chunk_id_10}
//   - chh:{ht_id_10}:{chunk_id_10}   → (empty) chunks of a hypertable
//   - htc:{ht_id_10}:{position_5}    → ColumnCompressionInfo (JSON)
//   - ccs:{chunk_id_10}              → CompressionChunkSize (JSON)
//   - role:{name}                    → Role (JSON)
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/eventodb/hyperstore/internal/auth"
	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/engine"
	"github.com/eventodb/hyperstore/internal/lock"
	"github.com/eventodb/hyperstore/internal/storage"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	sequenceHypertable = "hypertable"
	sequenceChunk      = "chunk"
)

// Catalog gives access to catalog records within one transaction
type Catalog struct {
	ctx     context.Context
	tx      engine.Txn
	st      *storage.Store
	session *auth.Session
}

// New binds a Catalog to tx. A nil session runs as the bootstrap superuser.
func New(ctx context.Context, tx engine.Txn, session *auth.Session) *Catalog {
	if session == nil {
		session = auth.NewSession(auth.DefaultSuperuser, true)
	}
	return &Catalog{ctx: ctx, tx: tx, st: storage.New(ctx, tx), session: session}
}

// Txn returns the bound transaction
func (c *Catalog) Txn() engine.Txn {
	return c.tx
}

// Store returns the physical storage of the bound transaction
func (c *Catalog) Store() *storage.Store {
	return c.st
}

// Session returns the caller's session
func (c *Catalog) Session() *auth.Session {
	return c.session
}

// Context returns the context the catalog was created with
func (c *Catalog) Context() context.Context {
	return c.ctx
}

// asOwner runs fn with the session elevated to the catalog owner and
// restores the caller's role on every exit path
func (c *Catalog) asOwner(rel uint32, fn func() error) error {
	sec := c.session.BecomeOwner(auth.CatalogOwner)
	defer c.session.Restore(sec)

	if err := c.checkCatalogWrite(rel); err != nil {
		return err
	}
	return fn()
}

// checkCatalogWrite takes a RowExclusive lock on a catalog relation and
// requires the effective role to own the catalog
func (c *Catalog) checkCatalogWrite(rel uint32) error {
	if !c.session.CanMutate(auth.CatalogOwner) {
		return dberr.PermissionDenied("permission denied for catalog relation %d", rel)
	}
	return c.tx.Lock(c.ctx, lock.RelationTag(rel), lock.RowExclusive)
}

func (c *Catalog) getJSON(key []byte, v any) error {
	data, err := c.tx.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return dberr.Wrap(dberr.ErrInternal, dberr.CodeDataCorrupted, err, "corrupt catalog record %q", key)
	}
	return nil
}

func (c *Catalog) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode catalog record: %w", err)
	}
	return c.tx.Set(key, data)
}

func (c *Catalog) insertJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode catalog record: %w", err)
	}
	return c.tx.Insert(key, data)
}

func (c *Catalog) getID(key []byte) (int64, error) {
	data, err := c.tx.Get(key)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, dberr.Wrap(dberr.ErrInternal, dberr.CodeDataCorrupted, err, "corrupt catalog index %q", key)
	}
	return id, nil
}

func formatID(id int64) []byte {
	return []byte(fmt.Sprintf("%010d", id))
}

func isNotFound(err error) bool {
	return errors.Is(err, engine.ErrNotFound)
}
