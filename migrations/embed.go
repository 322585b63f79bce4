package migrations

import "embed"

//go:embed engine/sqlite/*.sql
var EngineSQLiteFS embed.FS

//go:embed engine/postgres/*.sql
var EnginePostgresFS embed.FS
