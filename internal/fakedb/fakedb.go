// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb provides an in-memory database/sql driver, registered
// as "fakedb".
//
// Queries are answered, in order, with the result sets given to Run.
// The queries and their arguments are recorded for inspection.
package fakedb // import "github.com/go-lpc/rsp/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
)

// Rows is the result set of one query.
type Rows struct {
	Names  []string
	Values [][]driver.Value

	// Err, if not nil, fails the query.
	Err error
}

// Query is a query run against the fake DB.
type Query struct {
	SQL  string
	Args []driver.Value
}

var db struct {
	mu   sync.Mutex // serializes calls to Run
	sets []Rows
	log  []Query
}

// Run runs f, answering the queries it makes with the result sets rows.
// Queries beyond the last result set get no rows.
func Run(ctx context.Context, rows []Rows, f func(ctx context.Context) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.sets = rows
	db.log = nil

	return f(ctx)
}

// Queries returns the queries made during the last call to Run.
func Queries() []Query {
	return append([]Query(nil), db.log...)
}

func query(q string, args []driver.Value) (driver.Rows, error) {
	db.log = append(db.log, Query{SQL: q, Args: args})
	if len(db.sets) == 0 {
		return &cursor{}, nil
	}
	rows := db.sets[0]
	db.sets = db.sets[1:]
	if rows.Err != nil {
		return nil, rows.Err
	}
	return &cursor{names: rows.Names, values: rows.Values}, nil
}

var errReadOnly = errors.New("fakedb: read-only database")

func init() {
	sql.Register("fakedb", fakeDriver{})
}

type fakeDriver struct{}

func (fakeDriver) Open(name string) (driver.Conn, error) { return conn{}, nil }

type conn struct{}

func (conn) Prepare(query string) (driver.Stmt, error) { return stmt{query}, nil }
func (conn) Close() error                              { return nil }
func (conn) Begin() (driver.Tx, error)                 { return nil, errReadOnly }

func (conn) QueryContext(ctx context.Context, q string, args []driver.NamedValue) (driver.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vs := make([]driver.Value, len(args))
	for i, arg := range args {
		vs[i] = arg.Value
	}
	return query(q, vs)
}

type stmt struct {
	sql string
}

func (stmt) Close() error  { return nil }
func (stmt) NumInput() int { return -1 }

func (stmt) Exec(args []driver.Value) (driver.Result, error) {
	return nil, errReadOnly
}

func (st stmt) Query(args []driver.Value) (driver.Rows, error) {
	return query(st.sql, args)
}

type cursor struct {
	names  []string
	values [][]driver.Value
}

func (cur *cursor) Columns() []string { return cur.names }
func (cur *cursor) Close() error      { return nil }

func (cur *cursor) Next(dest []driver.Value) error {
	if len(cur.values) == 0 {
		return io.EOF
	}
	copy(dest, cur.values[0])
	cur.values = cur.values[1:]
	return nil
}

var (
	_ driver.Driver         = (*fakeDriver)(nil)
	_ driver.Conn           = (*conn)(nil)
	_ driver.QueryerContext = (*conn)(nil)
	_ driver.Stmt           = (*stmt)(nil)
	_ driver.Rows           = (*cursor)(nil)
)
