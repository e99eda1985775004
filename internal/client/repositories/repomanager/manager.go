// Package repomanager opens the local store and vends repository
// implementations bound to a DBTX, so the same code runs against *sql.DB or
// inside a transaction, on SQLite or PostgreSQL.
package repomanager

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/JoyinJoester/Monica-sub008/internal/client/migrations"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/conflicts"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/folders"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/metadata"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/operations"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/records"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/vaults"
	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
)

type RepositoryManager interface {
	Dialect() dbx.Dialect
	RunMigrations(ctx context.Context, db *sql.DB) error
	Vaults(db dbx.DBTX) vaults.Repository
	Folders(db dbx.DBTX) folders.Repository
	Records(db dbx.DBTX) records.Repository
	Conflicts(db dbx.DBTX) conflicts.Repository
	Operations(db dbx.DBTX) operations.Repository
	Metadata(db dbx.DBTX) metadata.Repository
}

// SQLRepositoryManager vends the SQL repositories for one dialect.
type SQLRepositoryManager struct {
	d dbx.Dialect
}

func NewSQLRepositoryManager(d dbx.Dialect) *SQLRepositoryManager {
	return &SQLRepositoryManager{d: d}
}

func (m *SQLRepositoryManager) Dialect() dbx.Dialect { return m.d }

func (m *SQLRepositoryManager) Vaults(db dbx.DBTX) vaults.Repository {
	return vaults.NewSQLRepository(db, m.d)
}

func (m *SQLRepositoryManager) Folders(db dbx.DBTX) folders.Repository {
	return folders.NewSQLRepository(db, m.d)
}

func (m *SQLRepositoryManager) Records(db dbx.DBTX) records.Repository {
	return records.NewSQLRepository(db, m.d)
}

func (m *SQLRepositoryManager) Conflicts(db dbx.DBTX) conflicts.Repository {
	return conflicts.NewSQLRepository(db, m.d)
}

func (m *SQLRepositoryManager) Operations(db dbx.DBTX) operations.Repository {
	return operations.NewSQLRepository(db, m.d)
}

func (m *SQLRepositoryManager) Metadata(db dbx.DBTX) metadata.Repository {
	return metadata.NewSQLRepository(db, m.d)
}

// migrateUp is a seam for testing migrations.Up.
var migrateUp = migrations.Up

// RunMigrations applies the embedded migrations of the manager's dialect.
func (m *SQLRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrateUp(ctx, db, m.d)
}

// Open connects to the store described by driver and dsn, applies pending
// migrations and returns the handle together with its manager.
//
// SQLite connections are pinned to a single connection: the engine
// serializes writers itself and an in-memory database only exists per
// connection.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, *SQLRepositoryManager, error) {
	d, err := dbx.ParseDialect(driver)
	if err != nil {
		return nil, nil, err
	}

	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s store: %w", d, err)
	}
	if d == dbx.SQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to configure sqlite: %w", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to connect to %s store: %w", d, err)
	}

	m := NewSQLRepositoryManager(d)
	if err := m.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to migrate %s store: %w", d, err)
	}
	return db, m, nil
}
