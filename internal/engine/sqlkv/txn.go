package sqlkv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/eventodb/hyperstore/internal/engine"
	"github.com/eventodb/hyperstore/internal/lock"
	"github.com/jackc/pgx/v5/pgconn"
)

type txn struct {
	id   string
	eng  *Engine
	ctx  context.Context
	tx   *sql.Tx
	done bool
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

	var value []byte
	err := t.tx.QueryRowContext(t.ctx, t.eng.q.get, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (t *txn) Set(key, value []byte) error {
	if err := t.check(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if _, err := t.tx.ExecContext(t.ctx, t.eng.q.set, key, value); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// Insert relies on ON CONFLICT DO NOTHING, which in Postgres waits for a
// concurrent uncommitted insert of the same key before deciding
func (t *txn) Insert(key, value []byte) error {
	if err := t.check(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	res, err := t.tx.ExecContext(t.ctx, t.eng.q.insert, key, value)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrKeyExists
		}
		return fmt.Errorf("failed to insert key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert key: %w", err)
	}
	if n == 0 {
		return engine.ErrKeyExists
	}
	return nil
}

func (t *txn) Delete(key []byte) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}

	res, err := t.tx.ExecContext(t.ctx, t.eng.q.del, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete key: %w", err)
	}
	return n > 0, nil
}

type kv struct {
	key, value []byte
}

// Scan reads all matching rows before calling fn so that fn can issue
// statements on the same connection
func (t *txn) Scan(prefix []byte, fn func(key, value []byte) error) error {
	if err := t.check(); err != nil {
		return err
	}

	var rows *sql.Rows
	var err error
	if end := engine.PrefixEnd(prefix); end != nil {
		rows, err = t.tx.QueryContext(t.ctx, t.eng.q.scan, prefix, end)
	} else {
		rows, err = t.tx.QueryContext(t.ctx, t.eng.q.scanOpen, prefix)
	}
	if err != nil {
		return fmt.Errorf("failed to scan: %w", err)
	}

	var entries []kv
	for rows.Next() {
		var e kv
		if err := rows.Scan(&e.key, &e.value); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to scan: %w", err)
	}
	rows.Close()

	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

// NextSequence runs in autocommit on Postgres so the value is consumed even
// if the transaction aborts. SQLite has only one connection, so there the
// increment is part of the transaction.
func (t *txn) NextSequence(name string) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}

	var row *sql.Row
	if t.eng.dialect == DialectPostgres {
		row = t.eng.db.QueryRowContext(t.ctx, t.eng.q.sequence, name)
	} else {
		row = t.tx.QueryRowContext(t.ctx, t.eng.q.sequence, name)
	}
	var value int64
	if err := row.Scan(&value); err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", name, err)
	}
	return value, nil
}

// Lock takes an advisory lock on Postgres. Modes up to RowExclusive do
// not conflict with each other and map to shared advisory locks; stronger
// modes map to exclusive ones.
func (t *txn) Lock(ctx context.Context, tag lock.Tag, mode lock.Mode) error {
	if t.done {
		return engine.ErrTxnDone
	}
	if t.eng.dialect != DialectPostgres {
		err := t.eng.locks.Acquire(ctx, lock.Owner(t.id), tag, mode)
		if errors.Is(err, lock.ErrDeadlock) {
			return engine.DeadlockError(err, tag, mode)
		}
		return err
	}

	query := t.eng.q.lock
	if mode <= lock.RowExclusive {
		query = t.eng.q.lockShare
	}
	k1, k2 := tag.AdvisoryKeys()
	if _, err := t.tx.ExecContext(ctx, query, k1, k2); err != nil {
		if isDeadlockError(err) {
			return engine.DeadlockError(err, tag, mode)
		}
		return fmt.Errorf("failed to lock %s: %w", tag, err)
	}
	return nil
}

func (t *txn) Commit() error {
	if t.done {
		return engine.ErrTxnDone
	}
	t.done = true
	defer t.release()

	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.release()

	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback: %w", err)
	}
	return nil
}

func (t *txn) release() {
	if t.eng.locks != nil {
		t.eng.locks.ReleaseAll(lock.Owner(t.id))
	}
}

// isUniqueConstraintError checks if the error is a unique constraint violation
func isUniqueConstraintError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "unique constraint")
}

func isDeadlockError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40P01"
}
