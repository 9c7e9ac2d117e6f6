// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rspsim emulates the beamformer registers of an RSP board.
//
// A Board decodes MEP write requests, stores their payload in a register
// image and replies with a write-ack. Faults can be injected to exercise
// the error paths of clients.
package rspsim // import "github.com/go-lpc/rsp/rspsim"

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"

	"github.com/go-lpc/rsp/internal/mmap"
	"github.com/go-lpc/rsp/mep"
)

const (
	nregs   = mep.NrPhasePol * mep.MaxNrBanks // beamformer registers per BLP
	regSize = mep.BFXROutSize
)

type config struct {
	msg   *log.Logger
	image string

	drop       int
	corrupt    int
	unexpected int
}

// Option configures a Board.
type Option func(*config)

// WithLogger sets the logger of the board.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithImage stores the registers in the named file.
func WithImage(fname string) Option {
	return func(cfg *config) {
		cfg.image = fname
	}
}

// WithDropAck drops the acks of the first n write requests.
func WithDropAck(n int) Option {
	return func(cfg *config) {
		cfg.drop = n
	}
}

// WithCorruptAck shifts the offset of the acks of the first n write requests.
func WithCorruptAck(n int) Option {
	return func(cfg *config) {
		cfg.corrupt = n
	}
}

// WithUnexpectedAck sends a spurious read-ack before the acks of the first
// n write requests.
func WithUnexpectedAck(n int) Option {
	return func(cfg *config) {
		cfg.unexpected = n
	}
}

// Board is an emulated RSP board.
type Board struct {
	nblps int
	msg   *log.Logger

	mu      sync.Mutex
	regs    *mmap.Handle
	writes  int
	reads   int
	faults  config
	lis     []net.Listener
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// New creates a board with nblps BLPs.
func New(nblps int, opts ...Option) (*Board, error) {
	if nblps <= 0 || nblps > 8 {
		return nil, fmt.Errorf("rspsim: invalid number of BLPs %d", nblps)
	}

	cfg := config{
		msg: log.New(os.Stdout, "rspsim: ", 0),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.msg == nil {
		cfg.msg = log.New(io.Discard, "", 0)
	}

	var (
		regs *mmap.Handle
		err  error
		size = nblps * nregs * regSize
	)
	switch cfg.image {
	case "":
		regs, err = mmap.Anon(size)
	default:
		regs, err = mmap.Open(cfg.image, size)
	}
	if err != nil {
		return nil, fmt.Errorf("rspsim: could not create register image: %w", err)
	}

	return &Board{
		nblps:  nblps,
		msg:    cfg.msg,
		regs:   regs,
		faults: cfg,
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// ListenAndServe listens on the TCP address addr and serves connections.
func (b *Board) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rspsim: could not listen on %q: %w", addr, err)
	}
	return b.Serve(lis)
}

// Serve serves the connections accepted on lis until the board is closed.
func (b *Board) Serve(lis net.Listener) error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		_ = lis.Close()
		return net.ErrClosed
	}
	b.lis = append(b.lis, lis)
	b.mu.Unlock()

	for {
		conn, err := lis.Accept()
		if err != nil {
			b.mu.Lock()
			closing := b.closing
			b.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("rspsim: could not accept connection: %w", err)
		}

		b.mu.Lock()
		if b.closing {
			b.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		b.conns[conn] = struct{}{}
		b.wg.Add(1)
		b.mu.Unlock()

		go b.handle(conn)
	}
}

func (b *Board) handle(conn net.Conn) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	var (
		dec = mep.NewDecoder(conn)
		enc = mep.NewEncoder(conn)
	)
	for {
		var req mep.Frame
		err := dec.Decode(&req)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.msg.Printf("could not decode request from %v: %+v", conn.RemoteAddr(), err)
			}
			return
		}

		for _, rep := range b.process(req) {
			err = enc.Encode(rep)
			if err != nil {
				b.msg.Printf("could not send reply to %v: %+v", conn.RemoteAddr(), err)
				return
			}
		}
	}
}

// process applies req and returns the replies to send back.
func (b *Board) process(req mep.Frame) []mep.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch req.Header.Type {
	case mep.Write:
		return b.write(req)
	case mep.Read:
		return b.read(req)
	default:
		b.msg.Printf("ignoring %v", req.Header)
		return nil
	}
}

func (b *Board) check(hdr mep.Header) uint8 {
	switch {
	case hdr.Addr.PID != mep.PidBF:
		return mep.StatusBadPID
	case hdr.Addr.RegID >= nregs:
		return mep.StatusBadRegID
	case int(hdr.Offset)+int(hdr.Size) > regSize:
		return mep.StatusBadSize
	case hdr.Addr.DstID == 0 || int(hdr.Addr.DstID)>>b.nblps != 0:
		return mep.StatusBadDstID
	}
	return mep.StatusOK
}

func (b *Board) offset(blp int, regid uint8) int64 {
	return int64((blp*nregs + int(regid)) * regSize)
}

func (b *Board) write(req mep.Frame) []mep.Frame {
	b.writes++
	n := b.writes

	status := b.check(req.Header)
	if status == mep.StatusOK {
		for blp := 0; blp < b.nblps; blp++ {
			if req.Header.Addr.DstID&(1<<uint(blp)) == 0 {
				continue
			}
			off := b.offset(blp, req.Header.Addr.RegID) + int64(req.Header.Offset)
			_, err := b.regs.WriteAt(req.Payload, off)
			if err != nil {
				b.msg.Printf("could not write %v: %+v", req.Header, err)
				status = mep.StatusBadSize
				break
			}
		}
	}

	if n <= b.faults.drop {
		return nil
	}

	var reps []mep.Frame
	if n <= b.faults.unexpected {
		hdr := req.Header
		hdr.Type = mep.ReadAck
		hdr.Size = 0
		reps = append(reps, mep.Frame{Header: hdr})
	}

	ack := req.Header.Ack(status)
	if n <= b.faults.corrupt {
		ack.Offset += mep.WeightSize
	}
	return append(reps, mep.Frame{Header: ack})
}

func (b *Board) read(req mep.Frame) []mep.Frame {
	b.reads++

	rep := mep.Frame{Header: req.Header}
	rep.Header.Type = mep.ReadAck
	rep.Header.Status = b.check(req.Header)
	if rep.Header.Status != mep.StatusOK || req.Header.Size > mep.FragmentSize {
		if rep.Header.Status == mep.StatusOK {
			rep.Header.Status = mep.StatusBadSize
		}
		rep.Header.Size = 0
		return []mep.Frame{rep}
	}

	// the lowest addressed BLP answers.
	blp := 0
	for req.Header.Addr.DstID&(1<<uint(blp)) == 0 {
		blp++
	}
	rep.Payload = make([]byte, req.Header.Size)
	off := b.offset(blp, req.Header.Addr.RegID) + int64(req.Header.Offset)
	_, err := b.regs.ReadAt(rep.Payload, off)
	if err != nil {
		b.msg.Printf("could not read %v: %+v", req.Header, err)
		rep.Header.Status = mep.StatusBadSize
		rep.Header.Size = 0
		rep.Payload = nil
	}
	return []mep.Frame{rep}
}

// Register returns a copy of the content of a beamformer register.
func (b *Board) Register(blp int, regid uint8) ([]byte, error) {
	if blp < 0 || blp >= b.nblps || regid >= nregs {
		return nil, fmt.Errorf("rspsim: invalid register (blp=%d, regid=%d)", blp, regid)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	buf := make([]byte, regSize)
	_, err := b.regs.ReadAt(buf, b.offset(blp, regid))
	if err != nil {
		return nil, fmt.Errorf("rspsim: could not read register: %w", err)
	}
	return buf, nil
}

// Writes returns the number of write requests received.
func (b *Board) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

// Close stops serving and releases the register image.
func (b *Board) Close() error {
	b.mu.Lock()
	b.closing = true
	for _, lis := range b.lis {
		_ = lis.Close()
	}
	for conn := range b.conns {
		_ = conn.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.regs.Close()
	if err != nil {
		return fmt.Errorf("rspsim: could not close register image: %w", err)
	}
	return nil
}
