package storage

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/engine"
	"github.com/eventodb/hyperstore/internal/engine/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	eng, err := pebble.Open(pebble.Options{InMemory: true, NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	tx, err := eng.Begin(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { tx.Rollback() })
	return New(context.Background(), tx)
}

var metricColumns = []Column{
	{Name: "time", Type: TypeTimestamptz, NotNull: true},
	{Name: "device", Type: TypeText},
	{Name: "value", Type: TypeFloat8},
}

func TestCreateRelation(t *testing.T) {
	st := setupStore(t)

	rel, err := st.CreateRelation(RelationSpec{Schema: "public", Name: "metrics", Columns: metricColumns})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rel.ID, FirstNormalRelID)
	assert.NotZero(t, rel.ToastRelID, "text column makes the table toastable")
	assert.NotZero(t, rel.ToastIndexID)

	byName, err := st.RelationByName("public", "metrics")
	require.NoError(t, err)
	assert.Equal(t, rel.ID, byName.ID)

	_, err = st.CreateRelation(RelationSpec{Schema: "public", Name: "metrics", Columns: metricColumns})
	assert.True(t, errors.Is(err, dberr.ErrPreconditionViolation))
}

func TestCreateRelation_NoToastForFixedWidth(t *testing.T) {
	st := setupStore(t)

	rel, err := st.CreateRelation(RelationSpec{Name: "ints", Columns: []Column{{Name: "a", Type: TypeInt8}}})
	require.NoError(t, err)
	assert.Zero(t, rel.ToastRelID)
	assert.Equal(t, "public", rel.Schema)
}

func TestCreateRelation_Invalid(t *testing.T) {
	st := setupStore(t)

	_, err := st.CreateRelation(RelationSpec{Name: "bad", Columns: []Column{{Name: "a", Type: "money"}}})
	assert.Error(t, err)

	_, err = st.CreateRelation(RelationSpec{Name: "dup", Columns: []Column{
		{Name: "a", Type: TypeInt8}, {Name: "a", Type: TypeText},
	}})
	assert.Error(t, err)
}

func TestInsertScan(t *testing.T) {
	st := setupStore(t)
	rel, err := st.CreateRelation(RelationSpec{Name: "metrics", Columns: metricColumns})
	require.NoError(t, err)

	rows := []Row{
		{int64(1000), "dev-a", 1.5},
		{int64(2000), nil, -3.25},
		{int64(3000), "dev-b", nil},
	}
	for _, r := range rows {
		_, err := st.Insert(rel.ID, r)
		require.NoError(t, err)
	}

	var got []Row
	err = st.Scan(rel.ID, func(tid TID, row Row) error {
		got = append(got, row)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, rows, got)

	n, err := st.Count(rel.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestInsert_Validation(t *testing.T) {
	st := setupStore(t)
	rel, err := st.CreateRelation(RelationSpec{Name: "metrics", Columns: metricColumns})
	require.NoError(t, err)

	_, err = st.Insert(rel.ID, Row{nil, "x", 1.0})
	require.Error(t, err)
	assert.Equal(t, "23502", dberr.CodeOf(err))

	_, err = st.Insert(rel.ID, Row{int64(1), "x"})
	assert.Error(t, err)

	_, err = st.Insert(rel.ID, Row{"not a time", "x", 1.0})
	assert.Error(t, err)
}

func TestInsert_PagesAndMaps(t *testing.T) {
	st := setupStore(t)
	rel, err := st.CreateRelation(RelationSpec{Name: "wide", Columns: []Column{{Name: "payload", Type: TypeBytea}}})
	require.NoError(t, err)

	size, err := st.ForkSize(rel.ID, ForkMain)
	require.NoError(t, err)
	assert.Zero(t, size)

	// 1000-byte values: seven fit on one page
	payload := bytes.Repeat([]byte{'x'}, 1000)
	for i := 0; i < 8; i++ {
		_, err := st.Insert(rel.ID, Row{payload})
		require.NoError(t, err)
	}

	size, err = st.ForkSize(rel.ID, ForkMain)
	require.NoError(t, err)
	assert.Equal(t, int64(2*PageSize), size)

	fsm, err := st.ForkSize(rel.ID, ForkFSM)
	require.NoError(t, err)
	assert.Positive(t, fsm)
	assert.Equal(t, 2, countEntries(t, st, forkPrefix(rel.ID, ForkFSM)))
	assert.Equal(t, 2, countEntries(t, st, forkPrefix(rel.ID, ForkVM)))

	initSize, err := st.ForkSize(rel.ID, ForkInit)
	require.NoError(t, err)
	assert.Zero(t, initSize)
}

func TestToast(t *testing.T) {
	st := setupStore(t)
	rel, err := st.CreateRelation(RelationSpec{Name: "docs", Columns: []Column{
		{Name: "id", Type: TypeInt8},
		{Name: "body", Type: TypeText},
	}})
	require.NoError(t, err)

	big := strings.Repeat("0123456789", 1000)
	_, err = st.Insert(rel.ID, Row{int64(1), big})
	require.NoError(t, err)
	_, err = st.Insert(rel.ID, Row{int64(2), "small"})
	require.NoError(t, err)

	var bodies []any
	err = st.Scan(rel.ID, func(_ TID, row Row) error {
		bodies = append(bodies, row[1])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []any{big, "small"}, bodies)

	// 10000 bytes in 1996-byte chunks
	chunks, err := st.Count(rel.ToastRelID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), chunks)

	heap, err := st.relationForksSize(rel.ID)
	require.NoError(t, err)
	table, err := st.TableSize(rel.ID)
	require.NoError(t, err)
	assert.Greater(t, table, heap, "table size includes toast storage")
}

func TestInsert_ConcurrentTransactions(t *testing.T) {
	ctx := context.Background()
	eng, err := pebble.Open(pebble.Options{InMemory: true, NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	setup, err := eng.Begin(ctx)
	require.NoError(t, err)
	rel, err := New(ctx, setup).CreateRelation(RelationSpec{Name: "metrics", Columns: metricColumns})
	require.NoError(t, err)
	require.NoError(t, setup.Commit())

	first, err := eng.Begin(ctx)
	require.NoError(t, err)
	defer first.Rollback()
	st := New(ctx, first)
	_, err = st.Insert(rel.ID, Row{int64(1), strings.Repeat("a", 5000), 1.0})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		second, err := eng.Begin(ctx)
		if err != nil {
			done <- err
			return
		}
		defer second.Rollback()
		other := New(ctx, second)
		for i, v := range []string{strings.Repeat("b", 5000), "small"} {
			if _, err := other.Insert(rel.ID, Row{int64(10 + i), v, 2.0}); err != nil {
				done <- err
				return
			}
		}
		done <- second.Commit()
	}()

	// the second transaction waits on the extension lock held by the first
	time.Sleep(50 * time.Millisecond)
	_, err = st.Insert(rel.ID, Row{int64(2), "tiny", 1.0})
	require.NoError(t, err)
	require.NoError(t, first.Commit())
	require.NoError(t, <-done)

	check, err := eng.Begin(ctx)
	require.NoError(t, err)
	defer check.Rollback()
	verify := New(ctx, check)

	n, err := verify.Count(rel.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	devices := map[string]bool{}
	require.NoError(t, verify.Scan(rel.ID, func(_ TID, row Row) error {
		devices[row[1].(string)] = true
		return nil
	}))
	assert.Len(t, devices, 4)
	assert.True(t, devices[strings.Repeat("a", 5000)])
	assert.True(t, devices[strings.Repeat("b", 5000)])

	toast, err := verify.Relation(rel.ToastRelID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), toast.NextValueID)
}

func TestInsert_RowTooBig(t *testing.T) {
	st := setupStore(t)
	columns := make([]Column, 5)
	row := make(Row, 5)
	for i := range columns {
		columns[i] = Column{Name: string(rune('a' + i)), Type: TypeText}
		row[i] = strings.Repeat("z", ToastThreshold)
	}
	rel, err := st.CreateRelation(RelationSpec{Name: "fat", Columns: columns})
	require.NoError(t, err)

	_, err = st.Insert(rel.ID, row)
	require.Error(t, err)
	assert.Equal(t, "54000", dberr.CodeOf(err))
}

func TestIndexes(t *testing.T) {
	st := setupStore(t)
	rel, err := st.CreateRelation(RelationSpec{Name: "metrics", Columns: metricColumns})
	require.NoError(t, err)

	_, err = st.Insert(rel.ID, Row{int64(1), "a", 1.0})
	require.NoError(t, err)

	idx, err := st.CreateIndex(rel.ID, "metrics_device_idx", []string{"device"})
	require.NoError(t, err)

	// metapage plus one leaf page
	size, err := st.IndexesSize(rel.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, size, int64(2*PageSize))

	_, err = st.Insert(rel.ID, Row{int64(2), "b", 2.0})
	require.NoError(t, err)
	entries, err := st.tx.Get(tupleKey(idx.ID, TID{Page: 1, Slot: 2}))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	_, err = st.CreateIndex(rel.ID, "bad_idx", []string{"nope"})
	assert.True(t, errors.Is(err, dberr.ErrNotFound))
}

func TestTruncate(t *testing.T) {
	st := setupStore(t)
	rel, err := st.CreateRelation(RelationSpec{Name: "metrics", Columns: metricColumns})
	require.NoError(t, err)
	_, err = st.CreateIndex(rel.ID, "metrics_time_idx", []string{"time"})
	require.NoError(t, err)
	_, err = st.Insert(rel.ID, Row{int64(1), strings.Repeat("q", 5000), 1.0})
	require.NoError(t, err)

	require.NoError(t, st.Truncate(rel.ID))

	n, err := st.Count(rel.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	table, err := st.TableSize(rel.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(PageSize), table, "toast index keeps its metapage")
	indexes, err := st.IndexesSize(rel.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(PageSize), indexes, "index keeps its metapage")

	_, err = st.Insert(rel.ID, Row{int64(2), "after", 2.0})
	require.NoError(t, err)
}

func TestDrop(t *testing.T) {
	st := setupStore(t)
	rel, err := st.CreateRelation(RelationSpec{Name: "metrics", Columns: metricColumns})
	require.NoError(t, err)
	idx, err := st.CreateIndex(rel.ID, "metrics_time_idx", []string{"time"})
	require.NoError(t, err)
	_, err = st.Insert(rel.ID, Row{int64(1), "a", 1.0})
	require.NoError(t, err)

	require.NoError(t, st.Drop(rel.ID))

	for _, id := range []uint32{rel.ID, rel.ToastRelID, rel.ToastIndexID, idx.ID} {
		_, err := st.Relation(id)
		assert.True(t, dberr.IsNotFound(err), "relation %d should be gone", id)
	}
	_, err = st.RelationByName("public", "metrics")
	assert.True(t, dberr.IsNotFound(err))

	assert.Zero(t, countEntries(t, st, []byte("fork:")))
}

func countEntries(t *testing.T, st *Store, prefix []byte) int {
	t.Helper()
	n := 0
	err := st.tx.Scan(prefix, func(_, _ []byte) error {
		n++
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestUnloggedInitFork(t *testing.T) {
	st := setupStore(t)
	rel, err := st.CreateRelation(RelationSpec{
		Name:        "scratch",
		Columns:     []Column{{Name: "a", Type: TypeInt8}},
		Persistence: Unlogged,
	})
	require.NoError(t, err)

	size, err := st.ForkSize(rel.ID, ForkInit)
	require.NoError(t, err)
	assert.Equal(t, int64(len(initKey(rel.ID))), size)

	_, err = st.tx.Get(initKey(rel.ID))
	assert.False(t, errors.Is(err, engine.ErrNotFound))
}

func TestNormalize(t *testing.T) {
	v, err := Normalize(TypeInt8, uint64(5))
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	v, err = Normalize(TypeFloat8, int64(2))
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)

	v, err = Normalize(TypeBytea, "raw")
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), v)

	_, err = Normalize(TypeBool, "yes")
	assert.Error(t, err)

	_, err = Normalize(TypeInt8, 1.5)
	assert.Error(t, err)
}
