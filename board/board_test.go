// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/go-lpc/rsp/mep"
)

// echo acknowledges every frame received on conn.
func echo(conn net.Conn) error {
	defer conn.Close()
	var (
		dec = mep.NewDecoder(conn)
		enc = mep.NewEncoder(conn)
	)
	for {
		var f mep.Frame
		err := dec.Decode(&f)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		err = enc.Encode(mep.Frame{Header: f.Header.Ack(mep.StatusOK)})
		if err != nil {
			return err
		}
	}
}

func TestPort(t *testing.T) {
	srv, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("could not listen: %+v", err)
	}
	defer srv.Close()

	errc := make(chan error, 1)
	go func() {
		conn, err := srv.Accept()
		if err != nil {
			errc <- err
			return
		}
		errc <- echo(conn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	port, err := Dial(ctx, srv.Addr().String())
	if err != nil {
		t.Fatalf("could not dial: %+v", err)
	}
	defer port.Close()

	if got, want := port.Addr(), srv.Addr().String(); got != want {
		t.Fatalf("invalid address: got=%q, want=%q", got, want)
	}

	for i := 0; i < 4; i++ {
		f := mep.Frame{
			Header: mep.Header{
				Type:   mep.Write,
				Addr:   mep.Addr{DstID: 1, PID: mep.PidBF, RegID: uint8(i)},
				Offset: 32,
				Size:   8,
				SeqNr:  uint16(i + 1),
			},
			Payload: []byte{1, 2, 3, 4, 5, 6, 7, uint8(i)},
		}
		err = port.Send(ctx, f)
		if err != nil {
			t.Fatalf("could not send frame %d: %+v", i, err)
		}
		ack, err := port.Recv(ctx)
		if err != nil {
			t.Fatalf("could not receive ack %d: %+v", i, err)
		}
		want := mep.Frame{Header: f.Header.Ack(mep.StatusOK)}
		if !reflect.DeepEqual(ack, want) {
			t.Fatalf("invalid ack %d:\ngot= %v\nwant=%v", i, ack.Header, want.Header)
		}
		if !ack.Header.IsValidAck(f.Header) {
			t.Fatalf("ack %d does not acknowledge request", i)
		}
	}

	err = port.Close()
	if err != nil {
		t.Fatalf("could not close port: %+v", err)
	}
	err = port.Close()
	if err != nil {
		t.Fatalf("could not close port twice: %+v", err)
	}

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("echo server failed: %+v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for echo server")
	}
}

func TestPortRecvTimeout(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()

	port := New(c1)
	defer port.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := port.Recv(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, context.DeadlineExceeded)
	}
}

func TestPortClosedByBoard(t *testing.T) {
	c1, c2 := net.Pipe()
	port := New(c1)
	defer port.Close()

	_ = c2.Close()

	_, err := port.Recv(context.Background())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, io.EOF)
	}
}

func TestDialError(t *testing.T) {
	srv, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("could not listen: %+v", err)
	}
	addr := srv.Addr().String()
	_ = srv.Close()

	_, err = Dial(context.Background(), addr)
	if err == nil {
		t.Fatalf("expected an error")
	}
}
