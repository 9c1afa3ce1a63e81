// Package postgres provides a remote persistence layer on Postgres. Several
// spaces share one database, each under its own scope.
package postgres

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"spacesync/internal/infra/persistence/sqlops"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/spacesync?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
	dialect = sqlops.Dialect{Name: "postgres", Placeholder: sqlops.Dollar}
)

// OverrideSQLOpen swaps the sql.Open function for tests and returns a restore func.
func OverrideSQLOpen(fn func(driverName, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}

// Open returns a layer on dsn (falls back to a local default). The
// connection is verified and the schema applied on Connect.
func Open(id, dsn, scope string) (*sqlops.Layer, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return sqlops.New(id, scope, db, dialect, true), nil
}
