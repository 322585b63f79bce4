// Package migrate applies the embedded SQL schema of the sqlkv engine.
//
// Files are named NNN_description.sql and run in version order, each in
// its own transaction. {{KEY}} placeholders are substituted before a file
// runs, so one schema can back several key/value tables in a database.
// The rendered text is hashed and stored with the version; a file whose
// hash changed after it was applied is refused.
package migrate

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/eventodb/hyperstore/internal/logger"
	"github.com/zeebo/blake3"
)

// Dialects understood by the migrator
const (
	SQLite   = "sqlite"
	Postgres = "postgres"
)

// advisoryLockKey serializes migrations across servers sharing a Postgres
// database ("hsmg" in ASCII)
const advisoryLockKey = 0x68736d67

// ErrChecksumMismatch is returned when an applied migration was edited
var ErrChecksumMismatch = errors.New("migration changed after it was applied")

// Config describes one schema
type Config struct {
	Dialect string
	FS      fs.FS
	Dir     string            // directory holding the .sql files
	Table   string            // bookkeeping table, sanitized
	Vars    map[string]string // {{KEY}} substitutions
}

// Migrator applies the migrations of one Config
type Migrator struct {
	db  *sql.DB
	cfg Config
}

// Migration is one parsed migration file
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// New validates cfg and returns a Migrator
func New(db *sql.DB, cfg Config) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}
	if cfg.Dialect != SQLite && cfg.Dialect != Postgres {
		return nil, fmt.Errorf("unsupported dialect: %q", cfg.Dialect)
	}
	if cfg.FS == nil {
		return nil, fmt.Errorf("migration filesystem cannot be nil")
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.Table == "" {
		cfg.Table = "schema_migrations"
	}
	cfg.Table = SanitizeIdentifier(cfg.Table)
	return &Migrator{db: db, cfg: cfg}, nil
}

// Load parses and renders the migration files in version order
func (m *Migrator) Load() ([]Migration, error) {
	entries, err := fs.ReadDir(m.cfg.FS, m.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", m.cfg.Dir, err)
	}

	var out []Migration
	seen := map[int]string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseVersion(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, entry.Name(), version)
		}
		seen[version] = entry.Name()

		raw, err := fs.ReadFile(m.cfg.FS, path.Join(m.cfg.Dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		rendered := ApplyTemplate(string(raw), m.cfg.Vars)
		sum := blake3.Sum256([]byte(rendered))
		out = append(out, Migration{
			Version:  version,
			Name:     entry.Name(),
			SQL:      rendered,
			Checksum: hex.EncodeToString(sum[:]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func parseVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("migration %s: name must look like NNN_description.sql", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("migration %s: invalid version %q", name, prefix)
	}
	return v, nil
}

// AutoMigrate applies every pending migration and verifies the checksums
// of those already applied. It returns the number applied.
func (m *Migrator) AutoMigrate(ctx context.Context) (int, error) {
	migs, err := m.Load()
	if err != nil {
		return 0, err
	}
	if err := m.ensureTable(ctx); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", m.cfg.Table, err)
	}

	log := logger.FromContext(ctx).With().Str("component", "migrate").Str("table", m.cfg.Table).Logger()
	applied := 0
	for _, mig := range migs {
		done, err := m.apply(ctx, mig)
		if err != nil {
			return applied, fmt.Errorf("migration %s: %w", mig.Name, err)
		}
		if done {
			applied++
			log.Info().Int("version", mig.Version).Str("name", mig.Name).Msg("Applied migration")
		}
	}
	return applied, nil
}

// Applied returns the applied versions in order
func (m *Migrator) Applied(ctx context.Context) ([]int, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf("SELECT version FROM %s ORDER BY version", m.cfg.Table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	checksum TEXT NOT NULL,
	applied_at BIGINT NOT NULL
)`, m.cfg.Table))
	return err
}

// apply runs mig unless it is already recorded. The lookup happens inside
// the transaction so that concurrent migrators on Postgres, serialized by
// the advisory lock, see each other's work.
func (m *Migrator) apply(ctx context.Context, mig Migration) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if m.cfg.Dialect == Postgres {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
			return false, fmt.Errorf("failed to take migration lock: %w", err)
		}
	}

	var checksum string
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT checksum FROM %s WHERE version = %s", m.cfg.Table, m.placeholder(1)),
		mig.Version).Scan(&checksum)
	switch {
	case err == nil:
		if checksum != mig.Checksum {
			return false, fmt.Errorf("%w: version %d", ErrChecksumMismatch, mig.Version)
		}
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, err
	}

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return false, err
	}
	insert := fmt.Sprintf("INSERT INTO %s (version, name, checksum, applied_at) VALUES (%s, %s, %s, %s)",
		m.cfg.Table, m.placeholder(1), m.placeholder(2), m.placeholder(3), m.placeholder(4))
	if _, err := tx.ExecContext(ctx, insert, mig.Version, mig.Name, mig.Checksum, time.Now().Unix()); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (m *Migrator) placeholder(n int) string {
	if m.cfg.Dialect == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// ApplyTemplate replaces each {{KEY}} in content with vars[KEY]
func ApplyTemplate(content string, vars map[string]string) string {
	if len(vars) == 0 {
		return content
	}
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(content)
}

// SanitizeIdentifier maps every rune outside [A-Za-z0-9_] to '_'
func SanitizeIdentifier(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, name)
}
