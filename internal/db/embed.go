package db

import "embed"

// EmbedMigrations contains the SQL migrations that install the report
// procedure, one directory per goose dialect.
//
//go:embed migrations/postgres/*.sql migrations/mysql/*.sql
var EmbedMigrations embed.FS
