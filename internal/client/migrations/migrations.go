// Package migrations embeds the goose migrations of the local store, one
// directory per SQL dialect, and applies them.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"log"

	"github.com/pressly/goose/v3"

	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
)

//go:embed sqlite/*.sql postgres/*.sql
var Migrations embed.FS

type quietLogger struct{}

func (quietLogger) Printf(string, ...interface{}) {}

func (quietLogger) Fatalf(format string, v ...interface{}) { log.Fatalf(format, v...) }

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Up applies every pending migration for dialect d.
func Up(ctx context.Context, db *sql.DB, d dbx.Dialect) error {
	goose.SetBaseFS(Migrations)
	goose.SetLogger(quietLogger{})

	gooseDialect, dir := "sqlite3", "sqlite"
	if d == dbx.Postgres {
		gooseDialect, dir = "postgres", "postgres"
	}

	if err := goose.SetDialect(gooseDialect); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, dir)
}
