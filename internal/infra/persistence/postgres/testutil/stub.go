// Package testutil provides an in-memory database/sql driver that understands
// the handful of statement shapes the postgres layer issues.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// StubConn records statements and keeps rows per table.
type StubConn struct {
	mu         sync.Mutex
	Execs      []string
	Tables     map[string][]map[string]any
	FailExec   bool
	FailBegin  bool
	FailPing   bool
	RowsErr    error
	FailTables map[string]bool
	FailCommit bool
}

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string][]map[string]any)}
	name := fmt.Sprintf("stubpg%d", time.Now().UnixNano())
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// Rows returns a copy of the rows stored for table.
func (c *StubConn) Rows(table string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.Tables[table]...)
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	return &stubTx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "INSERT INTO") {
		return driver.RowsAffected(0), nil
	}
	ins, err := parseInsert(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables != nil && c.FailTables[ins.table] {
		return nil, fmt.Errorf("exec fail for %s", ins.table)
	}
	if len(ins.cols) != len(args) {
		return nil, fmt.Errorf("column/arg mismatch for %s", ins.table)
	}
	row := make(map[string]any, len(ins.cols))
	for i, col := range ins.cols {
		row[col] = args[i].Value
	}
	rows := c.Tables[ins.table]
	for i, existing := range rows {
		if len(ins.conflict) == 0 || !matches(existing, row, ins.conflict) {
			continue
		}
		if ins.doNothing {
			return driver.RowsAffected(0), nil
		}
		rows[i] = row
		return driver.RowsAffected(1), nil
	}
	c.Tables[ins.table] = append(rows, row)
	return driver.RowsAffected(1), nil
}

func matches(a, b map[string]any, cols []string) bool {
	for _, col := range cols {
		if a[col] != b[col] {
			return false
		}
	}
	return true
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sel, err := parseSelect(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables != nil && c.FailTables[sel.table] {
		return nil, fmt.Errorf("query fail for %s", sel.table)
	}
	if len(sel.where) > len(args) {
		return nil, fmt.Errorf("missing args for select %s", sel.table)
	}
	values := make([][]driver.Value, 0, len(c.Tables[sel.table]))
	for _, row := range c.Tables[sel.table] {
		keep := true
		for i, col := range sel.where {
			if row[col] != args[i].Value {
				keep = false
				break
			}
		}
		if !keep {
			continue
		}
		vals := make([]driver.Value, len(sel.cols))
		for i, col := range sel.cols {
			vals[i] = row[col]
		}
		values = append(values, vals)
	}
	return &stubRows{cols: sel.cols, rows: values, err: c.RowsErr}, nil
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	if t.conn.FailCommit {
		return fmt.Errorf("commit fail")
	}
	return nil
}
func (t *stubTx) Rollback() error { return nil }

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
	err  error
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

type insertStmt struct {
	table     string
	cols      []string
	conflict  []string
	doNothing bool
}

func parseInsert(query string) (insertStmt, error) {
	up := strings.ToUpper(query)
	intoIdx := strings.Index(up, "INTO ")
	if intoIdx == -1 {
		return insertStmt{}, fmt.Errorf("cannot parse insert: %s", query)
	}
	rest := strings.TrimSpace(query[intoIdx+len("INTO "):])
	open := strings.Index(rest, "(")
	closeIdx := strings.Index(rest, ")")
	if open == -1 || closeIdx == -1 || closeIdx <= open {
		return insertStmt{}, fmt.Errorf("cannot parse insert: %s", query)
	}
	stmt := insertStmt{
		table: strings.ToLower(strings.TrimSpace(rest[:open])),
		cols:  splitColumns(rest[open+1 : closeIdx]),
	}
	conflictIdx := strings.Index(up, "ON CONFLICT")
	if conflictIdx == -1 {
		return stmt, nil
	}
	tail := query[conflictIdx+len("ON CONFLICT"):]
	cOpen, cClose := strings.Index(tail, "("), strings.Index(tail, ")")
	if cOpen == -1 || cClose <= cOpen {
		stmt.conflict = stmt.cols[:1]
	} else {
		stmt.conflict = splitColumns(tail[cOpen+1 : cClose])
	}
	stmt.doNothing = strings.Contains(strings.ToUpper(tail), "DO NOTHING")
	return stmt, nil
}

type selectStmt struct {
	table string
	cols  []string
	where []string
}

func parseSelect(query string) (selectStmt, error) {
	lower := strings.ToLower(strings.TrimSpace(query))
	selectPrefix := "select "
	fromToken := " from "
	if !strings.HasPrefix(lower, selectPrefix) {
		return selectStmt{}, fmt.Errorf("cannot parse select: %s", query)
	}
	fromIdx := strings.Index(lower, fromToken)
	if fromIdx == -1 {
		return selectStmt{}, fmt.Errorf("cannot parse select: %s", query)
	}
	stmt := selectStmt{cols: splitColumns(lower[len(selectPrefix):fromIdx])}
	rest := strings.TrimSpace(lower[fromIdx+len(fromToken):])
	if rest == "" {
		return selectStmt{}, fmt.Errorf("cannot parse select: %s", query)
	}
	stmt.table = strings.Fields(rest)[0]
	if _, where, ok := strings.Cut(rest, " where "); ok {
		for _, pred := range strings.Split(where, " and ") {
			col, _, found := strings.Cut(pred, "=")
			if !found {
				return selectStmt{}, fmt.Errorf("cannot parse select predicate: %s", query)
			}
			stmt.where = append(stmt.where, strings.TrimSpace(col))
		}
	}
	return stmt, nil
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(part)))
	}
	return out
}
