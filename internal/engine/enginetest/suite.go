// Package enginetest holds behaviour tests shared by every engine backend.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/engine"
	"github.com/eventodb/hyperstore/internal/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory creates a fresh, empty engine for one test
type Factory func(t *testing.T) engine.Engine

// Run executes the suite against engines created by factory
func Run(t *testing.T, factory Factory) {
	t.Run("GetSetCommit", func(t *testing.T) { testGetSetCommit(t, factory(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, factory(t)) })
	t.Run("InsertDuplicate", func(t *testing.T) { testInsertDuplicate(t, factory(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory(t)) })
	t.Run("ScanPrefix", func(t *testing.T) { testScanPrefix(t, factory(t)) })
	t.Run("Sequence", func(t *testing.T) { testSequence(t, factory(t)) })
	t.Run("FinishedTxn", func(t *testing.T) { testFinishedTxn(t, factory(t)) })
}

// RunConcurrent executes the tests that need more than one open
// transaction at a time
func RunConcurrent(t *testing.T, factory Factory) {
	t.Run("ConcurrentInsertSameKey", func(t *testing.T) { testConcurrentInsert(t, factory(t)) })
	t.Run("LocksReleasedOnCommit", func(t *testing.T) { testLocksReleased(t, factory(t)) })
	t.Run("LockUpgradeDeadlock", func(t *testing.T) { testLockUpgradeDeadlock(t, factory(t)) })
}

func begin(t *testing.T, eng engine.Engine) engine.Txn {
	t.Helper()
	tx, err := eng.Begin(context.Background())
	require.NoError(t, err)
	return tx
}

func testGetSetCommit(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	tx := begin(t, eng)
	_, err := tx.Get([]byte("a"))
	assert.True(t, errors.Is(err, engine.ErrNotFound))

	require.NoError(t, tx.Set([]byte("a"), []byte("1")))
	v, err := tx.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v, "transaction reads its own writes")

	require.NoError(t, tx.Set([]byte("a"), []byte("2")))
	require.NoError(t, tx.Commit())

	tx2 := begin(t, eng)
	defer tx2.Rollback()
	v, err = tx2.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

func testRollback(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	tx := begin(t, eng)
	require.NoError(t, tx.Set([]byte("gone"), []byte("x")))
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback(), "second rollback is a no-op")

	tx2 := begin(t, eng)
	defer tx2.Rollback()
	_, err := tx2.Get([]byte("gone"))
	assert.True(t, errors.Is(err, engine.ErrNotFound))
}

func testInsertDuplicate(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	tx := begin(t, eng)
	require.NoError(t, tx.Insert([]byte("pk:1"), []byte("a")))
	err := tx.Insert([]byte("pk:1"), []byte("b"))
	assert.True(t, errors.Is(err, engine.ErrKeyExists))
	require.NoError(t, tx.Commit())

	tx2 := begin(t, eng)
	defer tx2.Rollback()
	err = tx2.Insert([]byte("pk:1"), []byte("c"))
	assert.True(t, errors.Is(err, engine.ErrKeyExists))
}

func testDelete(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	tx := begin(t, eng)
	require.NoError(t, tx.Set([]byte("d"), []byte("1")))
	require.NoError(t, tx.Commit())

	tx2 := begin(t, eng)
	existed, err := tx2.Delete([]byte("d"))
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = tx2.Delete([]byte("d"))
	require.NoError(t, err)
	assert.False(t, existed)
	require.NoError(t, tx2.Commit())

	tx3 := begin(t, eng)
	defer tx3.Rollback()
	_, err = tx3.Get([]byte("d"))
	assert.True(t, errors.Is(err, engine.ErrNotFound))
}

func testScanPrefix(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	tx := begin(t, eng)
	for _, k := range []string{"ch:0002", "ch:0001", "ci:0001", "cg:0001", "ch:0003"} {
		require.NoError(t, tx.Set([]byte(k), []byte(k)))
	}
	require.NoError(t, tx.Commit())

	tx2 := begin(t, eng)
	defer tx2.Rollback()
	require.NoError(t, tx2.Set([]byte("ch:0004"), []byte("uncommitted")))
	_, err := tx2.Delete([]byte("ch:0002"))
	require.NoError(t, err)

	var keys []string
	err = tx2.Scan([]byte("ch:"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ch:0001", "ch:0003", "ch:0004"}, keys)

	stop := errors.New("stop")
	count := 0
	err = tx2.Scan([]byte("ch:"), func(key, value []byte) error {
		count++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, count)
}

func testSequence(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	tx := begin(t, eng)
	a, err := tx.NextSequence("chunk")
	require.NoError(t, err)
	b, err := tx.NextSequence("chunk")
	require.NoError(t, err)
	assert.Equal(t, a+1, b)
	require.NoError(t, tx.Commit())

	tx2 := begin(t, eng)
	defer tx2.Rollback()
	c, err := tx2.NextSequence("chunk")
	require.NoError(t, err)
	assert.Equal(t, b+1, c)

	other, err := tx2.NextSequence("hypertable")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
}

func testFinishedTxn(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	tx := begin(t, eng)
	require.NoError(t, tx.Commit())
	assert.ErrorIs(t, tx.Commit(), engine.ErrTxnDone)
	assert.ErrorIs(t, tx.Set([]byte("x"), nil), engine.ErrTxnDone)
	assert.NoError(t, tx.Rollback())
}

func testConcurrentInsert(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	key := []byte("ccs:0000000001")
	first := begin(t, eng)
	require.NoError(t, first.Insert(key, []byte("first")))

	result := make(chan error, 1)
	go func() {
		tx, err := eng.Begin(context.Background())
		if err != nil {
			result <- err
			return
		}
		defer tx.Rollback()
		result <- tx.Insert(key, []byte("second"))
	}()

	select {
	case err := <-result:
		t.Fatalf("second insert finished while first transaction open: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Commit())
	select {
	case err := <-result:
		assert.True(t, errors.Is(err, engine.ErrKeyExists), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("second insert never finished")
	}
}

func testLocksReleased(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	tag := lock.RelationTag(1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := eng.Begin(ctx)
			if err != nil {
				errs <- err
				return
			}
			if err := tx.Lock(ctx, tag, lock.AccessExclusive); err != nil {
				tx.Rollback()
				errs <- err
				return
			}
			if err := tx.Set([]byte(fmt.Sprintf("w:%d", i)), []byte("x")); err != nil {
				tx.Rollback()
				errs <- err
				return
			}
			errs <- tx.Commit()
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

// Two share holders upgrading to exclusive wait on each other. One of them
// must be aborted with a classified deadlock so the other can proceed.
func testLockUpgradeDeadlock(t *testing.T, eng engine.Engine) {
	defer eng.Close()

	tag := lock.RelationTag(2000)
	ctx := context.Background()

	txns := []engine.Txn{begin(t, eng), begin(t, eng)}
	for _, tx := range txns {
		require.NoError(t, tx.Lock(ctx, tag, lock.AccessShare))
	}

	results := make(chan error, len(txns))
	for _, tx := range txns {
		go func(tx engine.Txn) {
			if err := tx.Lock(ctx, tag, lock.AccessExclusive); err != nil {
				tx.Rollback()
				results <- err
				return
			}
			results <- tx.Commit()
		}(tx)
	}

	var failed []error
	for range txns {
		select {
		case err := <-results:
			if err != nil {
				failed = append(failed, err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("lock upgrade never finished")
		}
	}
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0], dberr.ErrDeadlock)
	assert.Equal(t, dberr.CodeDeadlockDetected, dberr.CodeOf(failed[0]))
}
