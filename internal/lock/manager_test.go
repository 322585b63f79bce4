package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictMatrix(t *testing.T) {
	assert.False(t, AccessShare.Conflicts(AccessShare))
	assert.False(t, AccessShare.Conflicts(RowExclusive))
	assert.False(t, RowExclusive.Conflicts(RowExclusive))
	assert.True(t, RowExclusive.Conflicts(Share))
	assert.True(t, AccessExclusive.Conflicts(AccessShare))
	assert.True(t, Exclusive.Conflicts(RowShare))
	assert.False(t, Exclusive.Conflicts(AccessShare))

	// the matrix is symmetric
	for a := AccessShare; a <= AccessExclusive; a++ {
		for b := AccessShare; b <= AccessExclusive; b++ {
			assert.Equal(t, a.Conflicts(b), b.Conflicts(a), "%s vs %s", a, b)
		}
	}
}

func TestAcquireCompatibleModes(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	tag := RelationTag(10)

	require.NoError(t, m.Acquire(ctx, "t1", tag, AccessShare))
	require.NoError(t, m.Acquire(ctx, "t2", tag, AccessShare))
	require.NoError(t, m.Acquire(ctx, "t2", tag, RowExclusive))
	require.NoError(t, m.Acquire(ctx, "t1", tag, AccessShare), "re-acquire is a no-op")

	assert.Equal(t, []Held{{Tag: tag, Mode: AccessShare}, {Tag: tag, Mode: RowExclusive}}, m.HeldBy("t2"))
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	tag := RelationTag(20)

	require.NoError(t, m.Acquire(ctx, "t1", tag, AccessShare))

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, "t2", tag, AccessExclusive)
	}()

	require.Eventually(t, func() bool { return m.Waiting("t2") }, time.Second, time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("AccessExclusive granted while AccessShare held: %v", err)
	default:
	}

	m.ReleaseAll("t1")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken after release")
	}
	assert.Equal(t, []Held{{Tag: tag, Mode: AccessExclusive}}, m.HeldBy("t2"))
	assert.Empty(t, m.HeldBy("t1"))
}

func TestAcquireHonoursContext(t *testing.T) {
	m := NewManager()
	tag := TupleTag(5, []byte("ccs:0000000001"))

	require.NoError(t, m.Acquire(context.Background(), "t1", tag, AccessExclusive))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Acquire(ctx, "t2", tag, AccessExclusive)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, m.Waiting("t2"))

	// the cancelled waiter must not block later requests
	m.ReleaseAll("t1")
	require.NoError(t, m.Acquire(context.Background(), "t3", tag, AccessExclusive))
}

func TestQueuedStrongLockIsNotStarved(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	tag := RelationTag(30)

	require.NoError(t, m.Acquire(ctx, "reader1", tag, AccessShare))

	strong := make(chan error, 1)
	go func() { strong <- m.Acquire(ctx, "dropper", tag, AccessExclusive) }()
	require.Eventually(t, func() bool { return m.Waiting("dropper") }, time.Second, time.Millisecond)

	// a new reader queues behind the AccessExclusive request
	reader := make(chan error, 1)
	go func() { reader <- m.Acquire(ctx, "reader2", tag, AccessShare) }()
	require.Eventually(t, func() bool { return m.Waiting("reader2") }, time.Second, time.Millisecond)

	m.ReleaseAll("reader1")
	require.NoError(t, <-strong)
	assert.True(t, m.Waiting("reader2"))

	m.ReleaseAll("dropper")
	require.NoError(t, <-reader)
}

func TestDeadlockDetected(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	a, b := RelationTag(1), RelationTag(2)

	require.NoError(t, m.Acquire(ctx, "t1", a, AccessExclusive))
	require.NoError(t, m.Acquire(ctx, "t2", b, AccessExclusive))

	blocked := make(chan error, 1)
	go func() { blocked <- m.Acquire(ctx, "t1", b, AccessExclusive) }()
	require.Eventually(t, func() bool { return m.Waiting("t1") }, time.Second, time.Millisecond)

	err := m.Acquire(ctx, "t2", a, AccessExclusive)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeadlock))

	m.ReleaseAll("t2")
	require.NoError(t, <-blocked)
}

func TestAdvisoryKeys(t *testing.T) {
	k1, k2 := RelationTag(42).AdvisoryKeys()
	assert.Equal(t, int32(TagRelation), k1)
	assert.Equal(t, int32(42), k2)

	t1, h1 := TupleTag(3, []byte("a")).AdvisoryKeys()
	_, h2 := TupleTag(3, []byte("a")).AdvisoryKeys()
	_, h3 := TupleTag(3, []byte("b")).AdvisoryKeys()
	assert.Equal(t, int32(TagTuple), t1)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}
