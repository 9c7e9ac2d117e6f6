// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package board exchanges MEP frames with an RSP board over a network
// connection.
package board // import "github.com/go-lpc/rsp/board"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-lpc/rsp/mep"
)

// Port sends MEP frames to a board and receives its replies.
//
// Replies are decoded in the background as they arrive, so a Recv
// cancelled by its context never leaves a partially read frame behind.
type Port struct {
	conn net.Conn

	mu  sync.Mutex // guards enc
	enc *mep.Encoder

	frames chan mep.Frame
	quit   chan struct{}
	once   sync.Once

	emu sync.RWMutex
	err error // error that stopped the reader
}

// Dial connects to the board at addr.
func Dial(ctx context.Context, addr string) (*Port, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("board: could not dial %q: %w", addr, err)
	}
	return New(conn), nil
}

// New creates a port over conn.
// The port owns conn and closes it on Close.
func New(conn net.Conn) *Port {
	p := &Port{
		conn:   conn,
		enc:    mep.NewEncoder(conn),
		frames: make(chan mep.Frame, 16),
		quit:   make(chan struct{}),
	}
	go p.read()
	return p
}

func (p *Port) read() {
	defer close(p.frames)
	dec := mep.NewDecoder(p.conn)
	for {
		var f mep.Frame
		err := dec.Decode(&f)
		if err != nil {
			p.emu.Lock()
			p.err = err
			p.emu.Unlock()
			return
		}
		select {
		case p.frames <- f:
		case <-p.quit:
			return
		}
	}
}

// Addr returns the address of the board.
func (p *Port) Addr() string { return p.conn.RemoteAddr().String() }

// Send sends f to the board.
func (p *Port) Send(ctx context.Context, f mep.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		err := p.conn.SetWriteDeadline(dl)
		if err != nil {
			return fmt.Errorf("board: could not set write deadline: %w", err)
		}
		defer p.conn.SetWriteDeadline(time.Time{})
	}

	err := p.enc.Encode(f)
	if err != nil {
		return fmt.Errorf("board: could not send frame: %w", err)
	}
	return nil
}

// Recv returns the next frame sent by the board.
// Recv returns ctx.Err() if ctx is done before a frame arrives.
func (p *Port) Recv(ctx context.Context) (mep.Frame, error) {
	select {
	case f, ok := <-p.frames:
		if !ok {
			return mep.Frame{}, p.readErr()
		}
		return f, nil
	case <-ctx.Done():
		return mep.Frame{}, ctx.Err()
	}
}

func (p *Port) readErr() error {
	p.emu.RLock()
	defer p.emu.RUnlock()
	switch {
	case p.err == nil, errors.Is(p.err, io.EOF):
		return fmt.Errorf("board: connection closed: %w", io.EOF)
	default:
		return fmt.Errorf("board: could not receive frame: %w", p.err)
	}
}

// Close closes the connection to the board.
func (p *Port) Close() error {
	var err error
	p.once.Do(func() {
		close(p.quit)
		err = p.conn.Close()
	})
	if err != nil {
		return fmt.Errorf("board: could not close connection: %w", err)
	}
	return nil
}
