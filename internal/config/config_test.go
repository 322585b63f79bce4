package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eventodb/hyperstore/internal/storage"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hyperstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const fileBody = `
server:
  port: 9000
  read_timeout: 5s
storage:
  url: pebble://memory
compression:
  batch_size: 250
log:
  level: debug
  format: json
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("hyperstore", []string{"--test-mode"}, env(nil))
	require.NoError(t, err)

	assert.True(t, cfg.Server.TestMode)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "hs_kv", cfg.Storage.Table)
	assert.Equal(t, "community", cfg.License.Edition)
	assert.Equal(t, 1000, cfg.Compression.BatchSize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, storage.Permanent, cfg.Storage.Persistence())
}

func TestLoad_Precedence(t *testing.T) {
	path := writeConfig(t, fileBody)

	cfg, err := Load("hyperstore", []string{"--config", path}, env(nil))
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout, "unset keys keep defaults")
	assert.Equal(t, "pebble://memory", cfg.Storage.URL)
	assert.Equal(t, 250, cfg.Compression.BatchSize)
	assert.Equal(t, "json", cfg.Log.Format)

	vars := map[string]string{"HYPERSTORE_CONFIG": path, "HYPERSTORE_PORT": "9100"}
	cfg, err = Load("hyperstore", nil, env(vars))
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port, "environment overrides the file")
	assert.Equal(t, 250, cfg.Compression.BatchSize)

	cfg, err = Load("hyperstore", []string{"--port", "9200", "--unlogged"}, env(vars))
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port, "flags override the environment")
	assert.Equal(t, storage.Unlogged, cfg.Storage.Persistence())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load("hyperstore", []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, env(nil))
	assert.Error(t, err)

	_, err = Load("hyperstore", []string{"--config", writeConfig(t, "server: [")}, env(nil))
	assert.Error(t, err)

	_, err = Load("hyperstore", []string{"--test-mode"}, env(map[string]string{"HYPERSTORE_PORT": "eighty"}))
	assert.Error(t, err)

	_, err = Load("hyperstore", []string{"--no-such-flag"}, env(nil))
	assert.Error(t, err)

	_, err = Load("hyperstore", []string{"--help"}, env(nil))
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Storage.URL = "sqlite://:memory:"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing url", func(c *Config) { c.Storage.URL = "" }},
		{"bad scheme", func(c *Config) { c.Storage.URL = "mysql://localhost/db" }},
		{"no scheme", func(c *Config) { c.Storage.URL = "data.db" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"bad edition", func(c *Config) { c.License.Edition = "gold" }},
		{"bad expiry", func(c *Config) { c.License.Expires = "soon" }},
		{"zero batch", func(c *Config) { c.Compression.BatchSize = 0 }},
		{"bad level", func(c *Config) { c.Log.Level = "trace" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStorageConfig_Parse(t *testing.T) {
	tests := []struct {
		url      string
		backend  Backend
		location string
	}{
		{"pebble:///var/lib/hyperstore", BackendPebble, "/var/lib/hyperstore"},
		{"pebble://memory", BackendPebble, "memory"},
		{"pebble://", BackendPebble, "./data/pebble"},
		{"sqlite://hyperstore.db", BackendSQLite, "hyperstore.db"},
		{"sqlite://:memory:", BackendSQLite, ":memory:"},
		{"postgres://u:p@localhost:5432/db", BackendPostgres, "postgres://u:p@localhost:5432/db"},
		{"postgresql://localhost/db", BackendPostgres, "postgresql://localhost/db"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			backend, location, err := StorageConfig{URL: tt.url}.Parse()
			require.NoError(t, err)
			assert.Equal(t, tt.backend, backend)
			assert.Equal(t, tt.location, location)
		})
	}
}

func TestLicenseConfig_ExpiresAt(t *testing.T) {
	at, err := LicenseConfig{}.ExpiresAt()
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	at, err = LicenseConfig{Expires: "2030-01-02"}.ExpiresAt()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC), at)

	at, err = LicenseConfig{Expires: "2030-01-02T03:04:05Z"}.ExpiresAt()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC), at)
}
