// Package sqlops stores operation logs, secrets and space metadata in a
// database/sql database. The sqlite and postgres layers configure it with
// their driver and placeholder style.
package sqlops

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"spacesync/pkg/domain"
)

// Dialect abstracts the SQL differences between drivers.
type Dialect struct {
	Name string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

// Question renders ? placeholders (sqlite).
func Question(int) string { return "?" }

// Dollar renders $n placeholders (postgres).
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tree_ops (
		scope TEXT NOT NULL,
		tree_id TEXT NOT NULL,
		counter BIGINT NOT NULL,
		author TEXT NOT NULL,
		target TEXT NOT NULL,
		op_key TEXT NOT NULL,
		op_value TEXT NOT NULL,
		PRIMARY KEY (scope, tree_id, counter, author)
	)`,
	`CREATE TABLE IF NOT EXISTS space_secrets (
		scope TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (scope, name)
	)`,
	`CREATE TABLE IF NOT EXISTS space_meta (
		scope TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (scope, name)
	)`,
}

const metaSpaceID = "space_id"

// Layer is a PersistenceLayer over one scope of a SQL database. Several
// spaces can share a database under different scopes.
type Layer struct {
	domain.BaseLayer

	id      string
	scope   string
	db      *sql.DB
	dialect Dialect
	ownsDB  bool
}

var _ domain.PersistenceLayer = (*Layer)(nil)

// New wraps db. When ownsDB is set Dispose closes it.
func New(id, scope string, db *sql.DB, dialect Dialect, ownsDB bool) *Layer {
	if scope == "" {
		scope = "default"
	}
	return &Layer{id: id, scope: scope, db: db, dialect: dialect, ownsDB: ownsDB}
}

func (l *Layer) ID() string { return l.id }

func (l *Layer) Capabilities() domain.Capabilities {
	return domain.Capabilities{SpaceID: true, Secrets: true, Upload: true}
}

// DB exposes the underlying sql.DB for tests.
func (l *Layer) DB() *sql.DB { return l.db }

// Connect pings the database and applies the schema.
func (l *Layer) Connect(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", l.dialect.Name, err)
	}
	return EnsureSchema(ctx, l.db)
}

// EnsureSchema creates the tables when missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Dispose closes the database when the layer opened it.
func (l *Layer) Dispose(context.Context) error {
	if !l.ownsDB {
		return nil
	}
	return l.db.Close()
}

func (l *Layer) q(query string) string {
	n := 0
	var b strings.Builder
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(l.dialect.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (l *Layer) SpaceID(ctx context.Context) (string, error) {
	var id string
	err := l.db.QueryRowContext(ctx, l.q(`SELECT value FROM space_meta WHERE scope = ? AND name = ?`), l.scope, metaSpaceID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrSpaceNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select space id: %w", err)
	}
	return id, nil
}

func (l *Layer) LoadTreeOps(ctx context.Context, treeID string) ([]domain.Operation, error) {
	rows, err := l.db.QueryContext(ctx, l.q(`SELECT counter, author, target, op_key, op_value FROM tree_ops WHERE scope = ? AND tree_id = ?`), l.scope, treeID)
	if err != nil {
		return nil, fmt.Errorf("select ops: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Operation
	for rows.Next() {
		var (
			op      domain.Operation
			counter int64
			raw     string
		)
		if err := rows.Scan(&counter, &op.ID.AuthorID, &op.TargetID, &op.Key, &raw); err != nil {
			return nil, fmt.Errorf("scan op: %w", err)
		}
		op.ID.Counter = uint64(counter)
		if err := json.Unmarshal([]byte(raw), &op.Value); err != nil {
			return nil, fmt.Errorf("decode op %s: %w", op.ID, err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	domain.SortOperations(out)
	return out, nil
}

// SaveTreeOps inserts ops in one transaction; ops already stored are skipped.
func (l *Layer) SaveTreeOps(ctx context.Context, treeID string, ops []domain.Operation) (retErr error) {
	if len(ops) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	insert := l.q(`INSERT INTO tree_ops (scope, tree_id, counter, author, target, op_key, op_value) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (scope, tree_id, counter, author) DO NOTHING`)
	for _, op := range ops {
		raw, err := json.Marshal(op.Value)
		if err != nil {
			return fmt.Errorf("encode op %s: %w", op.ID, err)
		}
		if _, err := tx.ExecContext(ctx, insert, l.scope, treeID, int64(op.ID.Counter), op.ID.AuthorID, op.TargetID, op.Key, string(raw)); err != nil {
			return fmt.Errorf("insert op %s: %w", op.ID, err)
		}
	}
	if domain.CreatesTree(treeID, ops) {
		meta := l.q(`INSERT INTO space_meta (scope, name, value) VALUES (?, ?, ?) ON CONFLICT (scope, name) DO NOTHING`)
		if _, err := tx.ExecContext(ctx, meta, l.scope, metaSpaceID, treeID); err != nil {
			return fmt.Errorf("insert space id: %w", err)
		}
	}
	return tx.Commit()
}

// UploadMissing saves ops; existing rows are left untouched by the insert.
func (l *Layer) UploadMissing(ctx context.Context, treeID string, ops []domain.Operation) error {
	return l.SaveTreeOps(ctx, treeID, ops)
}

func (l *Layer) LoadSecrets(ctx context.Context) (map[string]string, error) {
	rows, err := l.db.QueryContext(ctx, l.q(`SELECT name, value FROM space_secrets WHERE scope = ?`), l.scope)
	if err != nil {
		return nil, fmt.Errorf("select secrets: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (l *Layer) SaveSecrets(ctx context.Context, secrets map[string]string) (retErr error) {
	if len(secrets) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	upsert := l.q(`INSERT INTO space_secrets (scope, name, value) VALUES (?, ?, ?) ON CONFLICT (scope, name) DO UPDATE SET value = excluded.value`)
	for k, v := range secrets {
		if _, err := tx.ExecContext(ctx, upsert, l.scope, k, v); err != nil {
			return fmt.Errorf("upsert secret %s: %w", k, err)
		}
	}
	return tx.Commit()
}
