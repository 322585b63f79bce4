// Package pebble provides a Pebble-backed transactional engine.
//
// Each transaction is a Pebble indexed batch: reads see the latest committed
// state merged with the transaction's own writes, and Commit applies the
// batch atomically. Isolation between concurrent transactions comes from
// the in-process lock manager, not from the batch.
//
// Key Schema (reserved by the engine):
//   - _seq:{name}                  → {value_20}          Sequence counters
package pebble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/eventodb/hyperstore/internal/engine"
	"github.com/eventodb/hyperstore/internal/lock"
)

const prefixSequence = "_seq:"

// Options configures the Pebble engine
type Options struct {
	Dir          string // data directory, ignored when InMemory
	InMemory     bool   // use an in-memory filesystem (tests)
	CacheSize    int64  // block cache size in bytes
	MemTableSize uint64 // memtable size in bytes
	NoSync       bool   // skip fsync on commit
}

// Engine implements engine.Engine on Pebble
type Engine struct {
	db        *pebble.DB
	locks     *lock.Manager
	writeOpts *pebble.WriteOptions
	seqMu     sync.Mutex // serializes sequence increments
	closed    atomic.Bool
}

// Open opens (or creates) a Pebble engine
func Open(opts Options) (*Engine, error) {
	if opts.CacheSize == 0 {
		opts.CacheSize = 64 << 20 // 64MB cache
	}
	if opts.MemTableSize == 0 {
		opts.MemTableSize = 32 << 20 // 32MB memtable
	}

	dir := opts.Dir
	var fs vfs.FS = vfs.Default
	if opts.InMemory {
		fs = vfs.NewMem()
		dir = ""
	} else {
		if dir == "" {
			return nil, fmt.Errorf("data directory is required")
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	cache := pebble.NewCache(opts.CacheSize)
	defer cache.Unref()

	db, err := pebble.Open(dir, &pebble.Options{
		FS:           fs,
		Cache:        cache,
		MemTableSize: opts.MemTableSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble: %w", err)
	}

	writeOpts := pebble.Sync
	if opts.NoSync {
		writeOpts = pebble.NoSync
	}

	return &Engine{
		db:        db,
		locks:     lock.NewManager(),
		writeOpts: writeOpts,
	}, nil
}

// Name returns the backend name
func (e *Engine) Name() string {
	return "pebble"
}

// Locks exposes the engine's lock table
func (e *Engine) Locks() *lock.Manager {
	return e.locks
}

// Begin starts a transaction
func (e *Engine) Begin(ctx context.Context) (engine.Txn, error) {
	if e.closed.Load() {
		return nil, engine.ErrClosed
	}
	return &txn{
		id:    engine.NewTxnID(),
		eng:   e,
		ctx:   ctx,
		batch: e.db.NewIndexedBatch(),
	}, nil
}

// Close closes the underlying database
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("failed to close pebble: %w", err)
	}
	return nil
}

// nextSequence increments a sequence outside of any transaction
func (e *Engine) nextSequence(name string) (int64, error) {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()

	key := []byte(prefixSequence + name)
	var current int64
	value, closer, err := e.db.Get(key)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("failed to read sequence %s: %w", name, err)
	default:
		current, err = strconv.ParseInt(string(value), 10, 64)
		closer.Close()
		if err != nil {
			return 0, fmt.Errorf("corrupt sequence %s: %w", name, err)
		}
	}

	next := current + 1
	if err := e.db.Set(key, []byte(fmt.Sprintf("%020d", next)), e.writeOpts); err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", name, err)
	}
	return next, nil
}
