package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"spacesync/internal/infra/persistence/postgres/testutil"
	"spacesync/pkg/domain"
)

func op(counter uint64, author, target, key string, value any) domain.Operation {
	return domain.Operation{ID: domain.OperationID{Counter: counter, AuthorID: author}, TargetID: target, Key: key, Value: value}
}

func TestLayerAppliesSchemaAndRoundTrips(t *testing.T) {
	ctx := context.Background()
	db, conn := testutil.NewStubDB()
	var gotDSN string
	restore := OverrideSQLOpen(func(_, dsn string) (*sql.DB, error) { gotDSN = dsn; return db, nil })
	defer restore()

	l, err := Open("pg", "", "space-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if gotDSN != defaultDSN {
		t.Fatalf("expected default dsn, got %q", gotDSN)
	}
	if err := l.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	var sawDDL bool
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE") {
			sawDDL = true
		}
	}
	if !sawDDL {
		t.Fatalf("expected schema DDL, got %v", conn.Execs)
	}

	ops := []domain.Operation{op(1, "a", "root", domain.RootKey, "t"), op(2, "a", "n", "k", "v")}
	if err := l.SaveTreeOps(ctx, "root", ops); err != nil {
		t.Fatalf("SaveTreeOps: %v", err)
	}
	if err := l.SaveTreeOps(ctx, "root", ops); err != nil {
		t.Fatalf("SaveTreeOps again: %v", err)
	}
	if n := len(conn.Rows("tree_ops")); n != 2 {
		t.Fatalf("expected 2 stored ops, got %d", n)
	}
	got, err := l.LoadTreeOps(ctx, "root")
	if err != nil || len(got) != 2 || got[1].Value != "v" {
		t.Fatalf("LoadTreeOps = %+v, %v", got, err)
	}
	id, err := l.SpaceID(ctx)
	if err != nil || id != "root" {
		t.Fatalf("SpaceID = %q, %v", id, err)
	}
	if other, _ := l.LoadTreeOps(ctx, "other"); len(other) != 0 {
		t.Fatalf("unexpected ops for other tree: %+v", other)
	}
}

func TestLayerSecretsUpsert(t *testing.T) {
	ctx := context.Background()
	db, _ := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	l, err := Open("pg", "postgres://example/db", "s")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l.SpaceID(ctx); !errors.Is(err, domain.ErrSpaceNotFound) {
		t.Fatalf("expected ErrSpaceNotFound, got %v", err)
	}
	_ = l.SaveSecrets(ctx, map[string]string{"key": "1"})
	_ = l.SaveSecrets(ctx, map[string]string{"key": "2", "other": "x"})
	secrets, err := l.LoadSecrets(ctx)
	if err != nil || len(secrets) != 2 || secrets["key"] != "2" {
		t.Fatalf("LoadSecrets = %v, %v", secrets, err)
	}
}

func TestLayerFailures(t *testing.T) {
	ctx := context.Background()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("boom") })
	if _, err := Open("pg", "", ""); err == nil {
		t.Fatalf("expected open error")
	}
	restore()

	db, conn := testutil.NewStubDB()
	restore = OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	l, err := Open("pg", "", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn.FailPing = true
	if err := l.Connect(ctx); err == nil {
		t.Fatalf("expected ping failure")
	}
	conn.FailPing = false
	conn.FailTables = map[string]bool{"tree_ops": true}
	if err := l.SaveTreeOps(ctx, "t", []domain.Operation{op(1, "a", "n", "k", "v")}); err == nil {
		t.Fatalf("expected insert failure")
	}
	if _, err := l.LoadTreeOps(ctx, "t"); err == nil {
		t.Fatalf("expected query failure")
	}
	conn.FailTables = nil
	conn.FailBegin = true
	if err := l.SaveSecrets(ctx, map[string]string{"a": "b"}); err == nil {
		t.Fatalf("expected begin failure")
	}
}
