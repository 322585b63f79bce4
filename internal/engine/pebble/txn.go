package pebble

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/eventodb/hyperstore/internal/engine"
	"github.com/eventodb/hyperstore/internal/lock"
)

type txn struct {
	id    string
	eng   *Engine
	ctx   context.Context
	batch *pebble.Batch
	done  bool
}

func (t *txn) ID() string {
	return t.id
}

func (t *txn) check() error {
	if t.done {
		return engine.ErrTxnDone
	}
	return t.ctx.Err()
}

func (t *txn) Get(key []byte) ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}

	value, closer, err := t.batch.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	defer closer.Close()

	return bytes.Clone(value), nil
}

func (t *txn) Set(key, value []byte) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.batch.Set(key, value, nil)
}

func (t *txn) Insert(key, value []byte) error {
	if err := t.Lock(t.ctx, engine.KeyTag(key), lock.AccessExclusive); err != nil {
		return err
	}

	_, err := t.Get(key)
	if err == nil {
		return engine.ErrKeyExists
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return err
	}
	return t.batch.Set(key, value, nil)
}

func (t *txn) Delete(key []byte) (bool, error) {
	if err := t.Lock(t.ctx, engine.KeyTag(key), lock.AccessExclusive); err != nil {
		return false, err
	}

	_, err := t.Get(key)
	if errors.Is(err, engine.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := t.batch.Delete(key, nil); err != nil {
		return false, fmt.Errorf("failed to delete key: %w", err)
	}
	return true, nil
}

type kv struct {
	key, value []byte
}

// Scan materializes the matching entries before calling fn so fn may
// write to the transaction
func (t *txn) Scan(prefix []byte, fn func(key, value []byte) error) error {
	if err := t.check(); err != nil {
		return err
	}

	iter, err := t.batch.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: engine.PrefixEnd(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}

	var entries []kv
	for iter.First(); iter.Valid(); iter.Next() {
		entries = append(entries, kv{
			key:   bytes.Clone(iter.Key()),
			value: bytes.Clone(iter.Value()),
		})
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("iterator error: %w", err)
	}

	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) NextSequence(name string) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	return t.eng.nextSequence(name)
}

func (t *txn) Lock(ctx context.Context, tag lock.Tag, mode lock.Mode) error {
	if t.done {
		return engine.ErrTxnDone
	}
	err := t.eng.locks.Acquire(ctx, lock.Owner(t.id), tag, mode)
	if errors.Is(err, lock.ErrDeadlock) {
		return engine.DeadlockError(err, tag, mode)
	}
	return err
}

func (t *txn) Commit() error {
	if t.done {
		return engine.ErrTxnDone
	}
	t.done = true
	defer t.eng.locks.ReleaseAll(lock.Owner(t.id))

	if err := t.batch.Commit(t.eng.writeOpts); err != nil {
		t.batch.Close()
		return fmt.Errorf("failed to commit: %w", err)
	}
	return t.batch.Close()
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.eng.locks.ReleaseAll(lock.Owner(t.id))
	return t.batch.Close()
}
