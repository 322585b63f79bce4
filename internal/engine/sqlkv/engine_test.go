package sqlkv

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eventodb/hyperstore/internal/engine"
	"github.com/eventodb/hyperstore/internal/engine/enginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteEngine(t *testing.T) engine.Engine {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "kv.db")
	eng, err := Open(context.Background(), dsn, Options{Dialect: DialectSQLite})
	require.NoError(t, err)
	return eng
}

func TestSQLiteEngine(t *testing.T) {
	enginetest.Run(t, newSQLiteEngine)
	enginetest.RunConcurrent(t, newSQLiteEngine)
}

func TestSQLiteEngine_CustomTable(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)

	eng, err := New(context.Background(), db, Options{Dialect: DialectSQLite, Table: "catalog-kv"})
	require.NoError(t, err)
	defer eng.Close()

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='catalog_kv'").Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", eng.Name())
}

func TestSQLiteEngine_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	eng, err := Open(ctx, path, Options{Dialect: DialectSQLite})
	require.NoError(t, err)
	tx, err := eng.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Set([]byte("k"), []byte("v")))
	require.NoError(t, tx.Commit())
	require.NoError(t, eng.Close())

	eng, err = Open(ctx, path, Options{Dialect: DialectSQLite})
	require.NoError(t, err)
	defer eng.Close()
	tx, err = eng.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	v, err := tx.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestSQLiteEngine_SequenceRolledBack(t *testing.T) {
	eng := newSQLiteEngine(t)
	defer eng.Close()
	ctx := context.Background()

	tx, err := eng.Begin(ctx)
	require.NoError(t, err)
	a, err := tx.NextSequence("relation")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	tx, err = eng.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	b, err := tx.NextSequence("relation")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestNew_UnsupportedDialect(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = New(context.Background(), db, Options{Dialect: "oracle"})
	assert.Error(t, err)
}

func TestBuildQueries_Postgres(t *testing.T) {
	q := buildQueries(DialectPostgres, "hs_kv")
	assert.Equal(t, "SELECT v FROM hs_kv WHERE k = $1", q.get)
	assert.Contains(t, q.insert, "ON CONFLICT (k) DO NOTHING")
	assert.Contains(t, q.sequence, "hs_kv_seq.value + 1 RETURNING value")
	assert.Equal(t, "SELECT pg_advisory_xact_lock_shared($1, $2)", q.lockShare)
}

// TestPostgresEngine runs against HYPERSTORE_TEST_PG when it is set
func TestPostgresEngine(t *testing.T) {
	dsn := os.Getenv("HYPERSTORE_TEST_PG")
	if dsn == "" {
		t.Skip("HYPERSTORE_TEST_PG not set")
	}

	run := time.Now().UnixNano() % 1e9
	n := 0
	factory := func(t *testing.T) engine.Engine {
		n++
		ctx := context.Background()
		table := fmt.Sprintf("hs_kv_test_%d_%d", run, n)
		eng, err := Open(ctx, dsn, Options{Dialect: DialectPostgres, Table: table})
		require.NoError(t, err)
		t.Cleanup(func() {
			db, err := sql.Open("pgx", dsn)
			if err != nil {
				return
			}
			defer db.Close()
			for _, suffix := range []string{"", "_seq", "_migrations"} {
				db.Exec("DROP TABLE IF EXISTS " + table + suffix)
			}
		})
		return eng
	}
	enginetest.Run(t, factory)
	enginetest.RunConcurrent(t, factory)
}
