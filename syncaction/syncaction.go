// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package syncaction drives register-write actions against RSP boards.
//
// A Driver runs the actions of one board one after the other, one request
// at a time: it sends the request of iteration i, waits for its ack and
// only then moves to iteration i+1.
package syncaction // import "github.com/go-lpc/rsp/syncaction"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-lpc/rsp/bf"
	"github.com/go-lpc/rsp/mep"
	"go-hep.org/x/hep/hbook"
)

// Action is a multi-step register write.
type Action interface {
	Start() error
	Len() int
	SendRequest(i int) (*mep.Frame, error)
	HandleAck(ack mep.Frame) error
}

// Aborter is implemented by actions that can be failed by the driver.
type Aborter interface {
	Abort()
}

// Port sends and receives MEP frames to and from one board.
type Port interface {
	Send(ctx context.Context, f mep.Frame) error
	Recv(ctx context.Context) (mep.Frame, error)
}

// Driver runs a set of actions against one board.
type Driver struct {
	name    string
	port    Port
	actions []Action

	retries int
	timeout time.Duration
	msg     *log.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithRetries sets the number of times a request is sent again after
// an ack timeout.
func WithRetries(n int) Option {
	return func(drv *Driver) {
		drv.retries = n
	}
}

// WithTimeout sets how long to wait for an ack.
func WithTimeout(d time.Duration) Option {
	return func(drv *Driver) {
		drv.timeout = d
	}
}

// WithLogger sets the driver logger.
func WithLogger(msg *log.Logger) Option {
	return func(drv *Driver) {
		drv.msg = msg
	}
}

// NewDriver creates a driver running actions through port.
func NewDriver(name string, port Port, actions []Action, opts ...Option) *Driver {
	drv := &Driver{
		name:    name,
		port:    port,
		actions: actions,
		retries: 3,
		timeout: 1 * time.Second,
		msg:     log.New(os.Stdout, "syncaction: ", 0),
	}
	for _, opt := range opts {
		opt(drv)
	}
	if drv.msg == nil {
		drv.msg = log.New(io.Discard, "", 0)
	}
	if drv.retries < 0 {
		drv.retries = 0
	}
	return drv
}

// Name returns the name of the driven board.
func (drv *Driver) Name() string { return drv.name }

// Stats summarizes one round of a driver.
type Stats struct {
	Board      string
	Actions    int // actions started
	Frames     int // requests sent, resends included
	Acks       int // valid acks
	Retries    int // requests sent again after a timeout
	Timeouts   int
	Unexpected int // acks received while not expected
	Stale      int // acks of an earlier request
	Mismatches int
	Aborted    int // actions aborted after too many timeouts
	Errors     int

	Latency *hbook.H1D // ack latency, in milliseconds
}

func (st Stats) String() string {
	return fmt.Sprintf(
		"%s: actions=%d frames=%d acks=%d retries=%d timeouts=%d unexpected=%d stale=%d mismatches=%d aborted=%d errors=%d",
		st.Board, st.Actions, st.Frames, st.Acks, st.Retries, st.Timeouts,
		st.Unexpected, st.Stale, st.Mismatches, st.Aborted, st.Errors,
	)
}

// Failed returns whether some action of the round did not complete.
func (st Stats) Failed() bool {
	return st.Mismatches+st.Aborted+st.Errors > 0
}

func (drv *Driver) newStats() Stats {
	max := float64(drv.timeout) / float64(time.Millisecond)
	if max <= 0 {
		max = 1
	}
	return Stats{
		Board:   drv.name,
		Latency: hbook.NewH1D(50, 0, max),
	}
}

// Round runs all the actions once.
//
// Round returns an error only when the port fails or ctx is done.
// Failed actions are reported in the returned stats.
func (drv *Driver) Round(ctx context.Context) (Stats, error) {
	stats := drv.newStats()
	for _, a := range drv.actions {
		err := drv.run(ctx, a, &stats)
		if err != nil {
			return stats, fmt.Errorf("syncaction: %s: %w", drv.name, err)
		}
	}
	return stats, nil
}

func abort(a Action) {
	if ab, ok := a.(Aborter); ok {
		ab.Abort()
	}
}

func (drv *Driver) run(ctx context.Context, a Action, stats *Stats) error {
	err := a.Start()
	if err != nil {
		drv.msg.Printf("%s: could not start %v: %+v", drv.name, a, err)
		stats.Errors++
		return nil
	}
	stats.Actions++

	for i := 0; i < a.Len(); i++ {
		ok, err := drv.step(ctx, a, i, stats)
		if err != nil {
			abort(a)
			return err
		}
		if !ok {
			return nil
		}
	}
	return nil
}

type outcome uint8

const (
	acked outcome = iota
	failed
	timedOut
)

// step runs iteration i of a.
// step returns false when the rest of the action must be skipped.
func (drv *Driver) step(ctx context.Context, a Action, i int, stats *Stats) (bool, error) {
	for try := 0; ; try++ {
		f, err := a.SendRequest(i)
		if err != nil {
			drv.msg.Printf("%s: could not prepare request %d of %v: %+v", drv.name, i, a, err)
			stats.Errors++
			abort(a)
			return false, nil
		}
		if f == nil {
			return true, nil
		}

		if try > 0 {
			stats.Retries++
		}
		stats.Frames++
		err = drv.port.Send(ctx, *f)
		if err != nil {
			return false, fmt.Errorf("could not send request %d: %w", i, err)
		}

		res, err := drv.wait(ctx, a, f.Header, stats)
		if err != nil {
			return false, err
		}
		switch res {
		case acked:
			return true, nil
		case failed:
			return false, nil
		}

		stats.Timeouts++
		if try >= drv.retries {
			drv.msg.Printf(
				"%s: no ack for request %d of %v after %d tries",
				drv.name, i, a, try+1,
			)
			stats.Aborted++
			abort(a)
			return false, nil
		}
	}
}

// wait waits for the ack of the request hdr.
func (drv *Driver) wait(ctx context.Context, a Action, hdr mep.Header, stats *Stats) (outcome, error) {
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, drv.timeout)
	defer cancel()

	for {
		ack, err := drv.port.Recv(tctx)
		if err != nil {
			if ctx.Err() != nil {
				return failed, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return timedOut, nil
			}
			return failed, fmt.Errorf("could not receive ack: %w", err)
		}

		if ack.Header.Type == mep.WriteAck && ack.Header.SeqNr != hdr.SeqNr {
			// late ack of a request already acknowledged or resent.
			stats.Stale++
			continue
		}

		err = a.HandleAck(ack)
		switch {
		case err == nil:
			stats.Acks++
			stats.Latency.Fill(float64(time.Since(start))/float64(time.Millisecond), 1)
			return acked, nil
		case errors.Is(err, bf.ErrUnexpectedAck):
			drv.msg.Printf("%s: %+v", drv.name, err)
			stats.Unexpected++
		case errors.Is(err, bf.ErrAckMismatch):
			stats.Mismatches++
			return failed, nil
		default:
			drv.msg.Printf("%s: could not handle ack: %+v", drv.name, err)
			stats.Errors++
			abort(a)
			return failed, nil
		}
	}
}
