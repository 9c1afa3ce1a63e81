// Package sqlite provides an embedded persistence layer on a SQLite file.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"spacesync/internal/infra/persistence/sqlops"
)

const defaultPath = "spacesync.db"

var dialect = sqlops.Dialect{Name: "sqlite", Placeholder: sqlops.Question}

// Open opens (creating if needed) the database at path and returns a layer
// scoped to scope. Tables are created on Connect.
func Open(id, path, scope string) (*sqlops.Layer, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serialises writers; one connection avoids SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)
	return sqlops.New(id, scope, db, dialect, true), nil
}
