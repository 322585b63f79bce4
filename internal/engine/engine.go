// Package engine defines the transactional key/value layer that the catalog
// and the physical storage are built on.
//
// Three backends implement it:
//   - pebble.Engine: embedded, one Pebble indexed batch per transaction
//   - sqlkv.Engine with the sqlite dialect: a single-connection SQLite file
//   - sqlkv.Engine with the postgres dialect: a shared Postgres database
//     where locks become transaction-scoped advisory locks
//
// Basic usage:
//
//	eng, _ := pebble.Open(pebble.Options{InMemory: true})
//	defer eng.Close()
//
//	tx, _ := eng.Begin(ctx)
//	defer tx.Rollback()
//	tx.Set([]byte("k"), []byte("v"))
//	tx.Commit()
package engine

import (
	"bytes"
	"context"
	"errors"

	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/lock"
	"github.com/google/uuid"
)

var (
	// ErrNotFound occurs when a key does not exist
	ErrNotFound = errors.New("key not found")

	// ErrKeyExists occurs when Insert finds the key already present
	ErrKeyExists = errors.New("key already exists")

	// ErrTxnDone occurs when operating on a committed or rolled back transaction
	ErrTxnDone = errors.New("transaction already finished")

	// ErrClosed occurs when operating on a closed engine
	ErrClosed = errors.New("engine is closed")
)

// DeadlockError classifies a lock wait that was aborted to break a cycle
// between transactions
func DeadlockError(cause error, tag lock.Tag, mode lock.Mode) error {
	return dberr.Wrap(dberr.ErrDeadlock, dberr.CodeDeadlockDetected, cause,
		"could not obtain %s on %s", mode, tag).
		WithHint("Retry the transaction.")
}

// Engine starts transactions
type Engine interface {
	// Begin starts a transaction. The context is used for every
	// statement the transaction runs.
	Begin(ctx context.Context) (Txn, error)

	// Name returns the backend name ("pebble", "sqlite", "postgres")
	Name() string

	// Close releases all resources
	Close() error
}

// Txn is a unit of atomic work. Writes become visible to other
// transactions only after Commit. Locks taken through Lock, Insert and
// Delete are held until Commit or Rollback.
type Txn interface {
	// ID returns the transaction's unique identifier
	ID() string

	// Get returns the value stored under key, or ErrNotFound
	Get(key []byte) ([]byte, error)

	// Set stores value under key, replacing any previous value
	Set(key, value []byte) error

	// Insert stores value under key and fails with ErrKeyExists when the
	// key is already present. A concurrent Insert of the same key waits
	// for the first transaction to finish.
	Insert(key, value []byte) error

	// Delete removes key and reports whether it existed
	Delete(key []byte) (bool, error)

	// Scan calls fn for every key with the given prefix in ascending key
	// order. Returning an error from fn stops the scan.
	Scan(prefix []byte, fn func(key, value []byte) error) error

	// NextSequence returns the next value of a named sequence. On pebble
	// and postgres the value stays consumed if the transaction rolls back;
	// the sqlite dialect rolls it back with everything else.
	NextSequence(name string) (int64, error)

	// Lock acquires mode on tag for the rest of the transaction
	Lock(ctx context.Context, tag lock.Tag, mode lock.Mode) error

	// Commit makes all writes durable and releases locks
	Commit() error

	// Rollback discards all writes and releases locks. Calling Rollback
	// after Commit is a no-op, so it is safe to defer.
	Rollback() error
}

// NewTxnID generates a time-ordered transaction identifier
func NewTxnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// PrefixEnd returns the smallest key greater than every key with prefix,
// or nil when no such key exists
func PrefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// KeyspaceRelID is the lock relation used for tuple locks on raw keys
const KeyspaceRelID uint32 = 1

// KeyTag returns the tuple lock tag guarding a single key
func KeyTag(key []byte) lock.Tag {
	return lock.TupleTag(KeyspaceRelID, key)
}
