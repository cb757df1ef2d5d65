package db

import (
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"report-stream/internal/domain"
)

// MigrationDir returns the embedded migration directory for a dialect.
func MigrationDir(d Dialect) string {
	return "migrations/" + d.GooseDialect
}

// RunMigrations installs or upgrades the report procedure. A zero version
// migrates to the latest; a version below the current one migrates down.
func RunMigrations(db *sql.DB, d Dialect, version int64) error {
	if d.GooseDialect == "" {
		return domain.NewError(domain.KindConfiguration, "", "driver %s has no migrations", d.Name)
	}

	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect(d.GooseDialect); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}

	dir := MigrationDir(d)
	if version == 0 {
		if err := goose.Up(db, dir); err != nil {
			return fmt.Errorf("goose up: %w", err)
		}
		return nil
	}

	current, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("goose version: %w", err)
	}
	switch {
	case version < current:
		err = goose.DownTo(db, dir, version)
	case version > current:
		err = goose.UpTo(db, dir, version)
	}
	if err != nil {
		return fmt.Errorf("goose migrate to %d: %w", version, err)
	}
	return nil
}
