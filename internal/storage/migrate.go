package storage

import (
	"embed"

	"github.com/pressly/goose/v3"

	"hive/internal/errkind"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

func (e *Engine) migrate() error {
	const op = "storage.migrate"

	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return errkind.Wrap(errkind.KindConnection, op, err)
	}
	if err := goose.Up(e.db, "migrations"); err != nil {
		return errkind.Wrap(errkind.KindConnection, op, err)
	}

	version, err := goose.GetDBVersion(e.db)
	if err == nil {
		e.logger.Debug("schema at version %d (%s)", version, e.path)
	}
	return nil
}
