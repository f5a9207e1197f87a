package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	sqlite "github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/jodafons/maestro/pkg/log"
)

// migrationsPath is resolved from this source file's own location
// rather than the process's working directory, so Connect behaves the
// same whether invoked from cmd/maestro or from a _test.go in this
// package (go test's cwd is the package directory, not the module
// root).
func migrationsPath() string {
	_, file, _, _ := runtime.Caller(0)
	return "file://" + filepath.Join(filepath.Dir(file), "migrations")
}

var driverRegisterOnce sync.Once

// queryHooks implements sqlhooks.Hooks to log every statement the Store
// issues (duration), giving the Store free query-level observability
// instead of sprinkling log.Debugf calls through every repository
// method.
type queryHooks struct{}

type hookStartKey struct{}

func (queryHooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	return context.WithValue(ctx, hookStartKey{}, time.Now()), nil
}

func (queryHooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if start, ok := ctx.Value(hookStartKey{}).(time.Time); ok {
		log.Debugf("store: query %q took %s", query, time.Since(start))
	}
	return ctx, nil
}

// Connect opens (and, on first use per process, registers) a sqlhooks
// instrumented sqlite3 driver, then applies pending migrations. It is
// the Go counterpart of the teacher's repository.Connect +
// repository.InitDB pair, but schema changes are versioned instead of
// DROP/CREATE on every boot.
func Connect(dbString string) (*sqlx.DB, error) {
	driverRegisterOnce.Do(func() {
		sql.Register("sqlite3-hooked", sqlhooks.Wrap(&sqlite.SQLiteDriver{}, queryHooks{}))
	})

	db, err := sqlx.Connect("sqlite3-hooked", dbString)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers; avoid SQLITE_BUSY storms

	if err := migrateUp(db.DB, dbString); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	log.Printf("store connected and migrated (%s)", dbString)
	return db, nil
}

func migrateUp(db *sql.DB, dbString string) error {
	instance, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsPath(), "sqlite3", instance)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}
