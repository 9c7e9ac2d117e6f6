// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syncaction

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/go-lpc/rsp/bf"
	"github.com/go-lpc/rsp/cache"
	"github.com/go-lpc/rsp/mep"
)

type fakePort struct {
	mu    sync.Mutex
	n     int
	reply func(n int, f mep.Frame) []mep.Frame
	acks  chan mep.Frame
	err   error
}

func newFakePort(reply func(n int, f mep.Frame) []mep.Frame) *fakePort {
	return &fakePort{
		reply: reply,
		acks:  make(chan mep.Frame, 64),
	}
}

func (p *fakePort) Send(ctx context.Context, f mep.Frame) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	n := p.n
	p.n++
	p.mu.Unlock()
	for _, ack := range p.reply(n, f) {
		p.acks <- ack
	}
	return nil
}

func (p *fakePort) Recv(ctx context.Context) (mep.Frame, error) {
	select {
	case f := <-p.acks:
		return f, nil
	case <-ctx.Done():
		return mep.Frame{}, ctx.Err()
	}
}

func ackOK(n int, f mep.Frame) []mep.Frame {
	return []mep.Frame{{Header: f.Header.Ack(mep.StatusOK)}}
}

const nblps = 4

func newTestActions(t *testing.T) (*cache.Cache, []Action) {
	t.Helper()
	c, err := cache.New(nblps, 16)
	if err != nil {
		t.Fatalf("could not create cache: %+v", err)
	}
	c.States().ModifiedAll()

	var actions []Action
	for gblp := 0; gblp < nblps; gblp++ {
		for _, kind := range bf.Kinds() {
			seq, err := bf.NewSequencer(
				c, c.States(), gblp/4, gblp%4, kind,
				bf.WithLogger(nil),
			)
			if err != nil {
				t.Fatalf("could not create sequencer: %+v", err)
			}
			actions = append(actions, seq)
		}
	}
	return c, actions
}

func newTestDriver(port Port, actions []Action) *Driver {
	return NewDriver(
		"rsp-00", port, actions,
		WithLogger(log.New(io.Discard, "", 0)),
		WithTimeout(20*time.Millisecond),
		WithRetries(2),
	)
}

func TestDriverRound(t *testing.T) {
	const (
		nactions = nblps * bf.NrKinds
		nframes  = nactions * mep.NrFragments
	)
	blp2XI := func(f mep.Frame) bool {
		return f.Header.Addr.DstID == 1<<2 && f.Header.Addr.RegID == bf.XIm.RegID(0)
	}

	for _, tc := range []struct {
		name   string
		reply  func(n int, f mep.Frame) []mep.Frame
		want   Stats
		failed map[int]bool // keys in error
	}{
		{
			name:  "ok",
			reply: ackOK,
			want:  Stats{Actions: nactions, Frames: nframes, Acks: nframes},
		},
		{
			name: "timeout-retry",
			reply: func(n int, f mep.Frame) []mep.Frame {
				if n == 5 {
					return nil
				}
				return ackOK(n, f)
			},
			want: Stats{
				Actions: nactions, Frames: nframes + 1, Acks: nframes,
				Retries: 1, Timeouts: 1,
			},
		},
		{
			name: "abort",
			reply: func(n int, f mep.Frame) []mep.Frame {
				if blp2XI(f) {
					return nil
				}
				return ackOK(n, f)
			},
			want: Stats{
				Actions: nactions, Frames: nframes - 4 + 3, Acks: nframes - 4,
				Retries: 2, Timeouts: 3, Aborted: 1,
			},
			failed: map[int]bool{bf.Key(2, bf.XIm): true},
		},
		{
			name: "unexpected",
			reply: func(n int, f mep.Frame) []mep.Frame {
				hdr := f.Header.Ack(mep.StatusOK)
				hdr.Type = mep.ReadAck
				return append([]mep.Frame{{Header: hdr}}, ackOK(n, f)...)
			},
			want: Stats{
				Actions: nactions, Frames: nframes, Acks: nframes,
				Unexpected: nframes,
			},
		},
		{
			name: "stale",
			reply: func(n int, f mep.Frame) []mep.Frame {
				if n == 0 {
					return append(ackOK(n, f), ackOK(n, f)...)
				}
				return ackOK(n, f)
			},
			want: Stats{
				Actions: nactions, Frames: nframes, Acks: nframes,
				Stale: 1,
			},
		},
		{
			name: "mismatch",
			reply: func(n int, f mep.Frame) []mep.Frame {
				acks := ackOK(n, f)
				if blp2XI(f) && f.Header.Offset == uint16(bf.Offset(1)) {
					acks[0].Header.Offset++
				}
				return acks
			},
			want: Stats{
				Actions: nactions, Frames: nframes - 2, Acks: nframes - 3,
				Mismatches: 1,
			},
			failed: map[int]bool{bf.Key(2, bf.XIm): true},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, actions := newTestActions(t)
			drv := newTestDriver(newFakePort(tc.reply), actions)

			stats, err := drv.Round(context.Background())
			if err != nil {
				t.Fatalf("could not run round: %+v", err)
			}
			if got, want := stats.Latency.Entries(), int64(stats.Acks); got != want {
				t.Fatalf("invalid latency entries: got=%d, want=%d", got, want)
			}
			stats.Latency = nil
			tc.want.Board = "rsp-00"
			if got, want := stats, tc.want; got != want {
				t.Fatalf("invalid stats:\ngot= %v\nwant=%v", got, want)
			}
			if got, want := stats.Failed(), len(tc.failed) > 0; got != want {
				t.Fatalf("invalid failed status: got=%v, want=%v", got, want)
			}

			for key, st := range c.States().Snapshot() {
				want := bf.Confirmed
				if tc.failed[key] {
					want = bf.Error
				}
				if st != want {
					t.Fatalf("key=%d: invalid state: got=%v, want=%v", key, st, want)
				}
			}
		})
	}
}

func TestDriverSendError(t *testing.T) {
	c, actions := newTestActions(t)
	port := newFakePort(ackOK)
	port.err = errors.New("broken pipe")

	drv := newTestDriver(port, actions)
	_, err := drv.Round(context.Background())
	if err == nil {
		t.Fatalf("expected an error")
	}
	if got, want := c.States().Get(bf.Key(0, bf.XRe)), bf.Error; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}
}

func TestDriverContext(t *testing.T) {
	_, actions := newTestActions(t)
	drv := newTestDriver(newFakePort(func(int, mep.Frame) []mep.Frame { return nil }), actions)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := drv.Round(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, context.Canceled)
	}
}

func TestLoop(t *testing.T) {
	var (
		c, actions = newTestActions(t)
		mu         sync.Mutex
		broken     = true
	)
	port := newFakePort(func(n int, f mep.Frame) []mep.Frame {
		mu.Lock()
		defer mu.Unlock()
		acks := ackOK(n, f)
		if broken && f.Header.Addr.DstID == 1<<1 && f.Header.Addr.RegID == bf.YRe.RegID(0) {
			acks[0].Header.Status = mep.StatusBadRegID
			broken = false
		}
		return acks
	})

	var (
		ctx, cancel = context.WithCancel(context.Background())
		rounds      [][]Stats
	)
	defer cancel()

	loop := Loop{
		Drivers: []*Driver{newTestDriver(port, actions)},
		Period:  5 * time.Millisecond,
		Retry:   c.States().RetryErrors,
		Report: func(round int, stats []Stats, err error) {
			if err != nil {
				t.Errorf("round %d: %+v", round, err)
			}
			rounds = append(rounds, stats)
			if round == 1 {
				cancel()
			}
		},
	}

	err := loop.Run(ctx)
	if err != nil {
		t.Fatalf("could not run loop: %+v", err)
	}

	if got, want := len(rounds), 2; got != want {
		t.Fatalf("invalid number of rounds: got=%d, want=%d", got, want)
	}
	if got, want := rounds[0][0].Mismatches, 1; got != want {
		t.Fatalf("invalid number of mismatches: got=%d, want=%d", got, want)
	}
	// only the failed register is written again.
	if got, want := rounds[1][0].Acks, mep.NrFragments; got != want {
		t.Fatalf("invalid number of acks: got=%d, want=%d", got, want)
	}
	if got, want := c.States().Count(bf.Confirmed), nblps*bf.NrKinds; got != want {
		t.Fatalf("invalid number of confirmed registers: got=%d, want=%d", got, want)
	}
}

func TestRunRound(t *testing.T) {
	var drivers []*Driver
	var caches []*cache.Cache
	for i := 0; i < 3; i++ {
		c, actions := newTestActions(t)
		caches = append(caches, c)
		drivers = append(drivers, newTestDriver(newFakePort(ackOK), actions))
	}

	stats, err := RunRound(context.Background(), drivers)
	if err != nil {
		t.Fatalf("could not run round: %+v", err)
	}
	if got, want := len(stats), len(drivers); got != want {
		t.Fatalf("invalid number of stats: got=%d, want=%d", got, want)
	}
	for i, st := range stats {
		if got, want := st.Acks, nblps*bf.NrKinds*mep.NrFragments; got != want {
			t.Fatalf("driver %d: invalid number of acks: got=%d, want=%d", i, got, want)
		}
		if got, want := caches[i].States().Count(bf.Confirmed), nblps*bf.NrKinds; got != want {
			t.Fatalf("driver %d: invalid number of confirmed: got=%d, want=%d", i, got, want)
		}
	}
}
