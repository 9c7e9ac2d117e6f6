// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conddb retrieves the layout of RSP stations from the condition
// database.
package conddb // import "github.com/go-lpc/rsp/conddb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var (
	drvName = "mysql"
)

// DB exposes convenience methods to retrieve the station layout from the
// condition database.
type DB struct {
	db   *sql.DB
	name string // name of the condition database
}

type config struct {
	host string
	usr  string
	pwd  string
}

// Option configures the connection to the database.
type Option func(*config)

// WithHost sets the address of the database server.
func WithHost(addr string) Option {
	return func(cfg *config) {
		cfg.host = addr
	}
}

// WithCredentials sets the user name and password.
func WithCredentials(usr, pwd string) Option {
	return func(cfg *config) {
		cfg.usr = usr
		cfg.pwd = pwd
	}
}

// Open opens a connection to the condition database dbname.
func Open(dbname string, opts ...Option) (*DB, error) {
	cfg := config{
		host: "localhost",
		usr:  "rsp",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open(drvName, dsn(cfg, dbname))
	if err != nil {
		return nil, fmt.Errorf("conddb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(cfg config, db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", cfg.usr, cfg.pwd, cfg.host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Station describes the RSP boards of a station.
type Station struct {
	Name          string
	NrBoards      int
	BLPsPerBoard  int
	BitsPerSample int
}

// Board is an RSP board of a station.
type Board struct {
	ID        int
	Addr      string // address of the board MEP endpoint
	SwappedXY uint8  // bit mask of the BLPs with swapped X and Y inputs
}

// Swapped returns whether the X and Y inputs of the given BLP are swapped.
func (b Board) Swapped(blp int) bool {
	return b.SwappedXY&(1<<uint(blp)) != 0
}

// Station returns the last layout recorded for the named station.
func (db *DB) Station(ctx context.Context, name string) (Station, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var st Station
	rows, err := db.db.QueryContext(
		ctx,
		`
SELECT name, nboards, blps_per_board, bits_per_sample FROM stations
WHERE name=?
ORDER BY datetime DESC LIMIT 1
`,
		name,
	)
	if err != nil {
		return st, fmt.Errorf("conddb: could not query station %q: %w", name, err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		err = rows.Scan(&st.Name, &st.NrBoards, &st.BLPsPerBoard, &st.BitsPerSample)
		if err != nil {
			return st, fmt.Errorf("conddb: could not scan station %q: %w", name, err)
		}
		found = true
	}

	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("conddb: could not scan db for station %q: %w", name, err)
	}

	if err := ctx.Err(); err != nil {
		return st, fmt.Errorf("conddb: context error while retrieving station %q: %w", name, err)
	}

	if !found {
		return st, fmt.Errorf("conddb: no station %q", name)
	}

	return st, nil
}

// Boards returns the boards of the named station, ordered by board id.
func (db *DB) Boards(ctx context.Context, station string) ([]Board, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var boards []Board
	rows, err := db.db.QueryContext(
		ctx,
		`
SELECT board, addr, swapped_xy FROM boards
WHERE station=?
ORDER BY board
`,
		station,
	)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not query boards of %q: %w", station, err)
	}
	defer rows.Close()

	for rows.Next() {
		var b Board
		err = rows.Scan(&b.ID, &b.Addr, &b.SwappedXY)
		if err != nil {
			return boards, fmt.Errorf(
				"conddb: could not scan board %d of %q: %w",
				len(boards), station, err,
			)
		}
		boards = append(boards, b)
	}

	if err := rows.Err(); err != nil {
		return boards, fmt.Errorf("conddb: could not scan db for boards of %q: %w", station, err)
	}

	if err := ctx.Err(); err != nil {
		return boards, fmt.Errorf("conddb: context error while retrieving boards of %q: %w", station, err)
	}

	for i, b := range boards {
		if b.ID != i {
			return boards, fmt.Errorf(
				"conddb: invalid board ids for %q (got=%d, want=%d)",
				station, b.ID, i,
			)
		}
	}

	return boards, nil
}
