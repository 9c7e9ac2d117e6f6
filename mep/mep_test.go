// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mep

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"
)

func TestIsValidAck(t *testing.T) {
	sent := Header{
		Type:   Write,
		Addr:   Addr{DstID: 1 << 2, PID: PidBF, RegID: BFXIOut},
		Offset: 32,
		Size:   512,
		SeqNr:  3,
	}

	for _, tc := range []struct {
		name string
		ack  Header
		want bool
	}{
		{
			name: "ok",
			ack:  sent.Ack(StatusOK),
			want: true,
		},
		{
			name: "other-seqnr",
			ack: func() Header {
				h := sent.Ack(StatusOK)
				h.SeqNr = 42
				return h
			}(),
			want: true,
		},
		{
			name: "not-an-ack",
			ack:  sent,
			want: false,
		},
		{
			name: "bad-status",
			ack:  sent.Ack(StatusBadRegID),
			want: false,
		},
		{
			name: "other-register",
			ack: func() Header {
				h := sent.Ack(StatusOK)
				h.Addr.RegID = BFYIOut
				return h
			}(),
			want: false,
		},
		{
			name: "other-blp",
			ack: func() Header {
				h := sent.Ack(StatusOK)
				h.Addr.DstID = 1
				return h
			}(),
			want: false,
		},
		{
			name: "other-offset",
			ack: func() Header {
				h := sent.Ack(StatusOK)
				h.Offset += 512
				return h
			}(),
			want: false,
		},
		{
			name: "other-size",
			ack: func() Header {
				h := sent.Ack(StatusOK)
				h.Size = 256
				return h
			}(),
			want: false,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got, want := tc.ack.IsValidAck(sent), tc.want; got != want {
				t.Fatalf("invalid ack check: got=%v, want=%v", got, want)
			}
		})
	}
}

func TestFrameBinary(t *testing.T) {
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}

	for _, tc := range []struct {
		name string
		f    Frame
		size int
	}{
		{
			name: "write",
			f: Frame{
				Header: Header{
					Type: Write, Addr: Addr{DstID: 1, PID: PidBF, RegID: 5},
					Offset: 544, Size: 512, SeqNr: 7,
				},
				Payload: payload,
			},
			size: HeaderSize + 512,
		},
		{
			name: "write-ack",
			f: Frame{
				Header: Header{
					Type: WriteAck, Addr: Addr{DstID: 1, PID: PidBF, RegID: 5},
					Offset: 544, Size: 512, SeqNr: 7,
				},
			},
			size: HeaderSize,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := tc.f.MarshalBinary()
			if err != nil {
				t.Fatalf("could not marshal frame: %+v", err)
			}
			if got, want := len(raw), tc.size; got != want {
				t.Fatalf("invalid frame size: got=%d, want=%d", got, want)
			}

			var got Frame
			err = got.UnmarshalBinary(raw)
			if err != nil {
				t.Fatalf("could not unmarshal frame: %+v", err)
			}
			if !reflect.DeepEqual(got, tc.f) {
				t.Fatalf("invalid round-trip:\ngot= %v\nwant=%v", got.Header, tc.f.Header)
			}
		})
	}
}

func TestFrameInvalid(t *testing.T) {
	_, err := Frame{Header: Header{Type: Write, Size: 4}}.MarshalBinary()
	if err == nil {
		t.Fatalf("expected a payload size mismatch error")
	}

	big := make([]byte, FragmentSize+2)
	_, err = Frame{Header: Header{Type: Write, Size: uint16(len(big))}, Payload: big}.MarshalBinary()
	if err == nil {
		t.Fatalf("expected a payload too big error")
	}

	var f Frame
	err = f.UnmarshalBinary(make([]byte, 3))
	if err == nil {
		t.Fatalf("expected a short frame error")
	}

	raw, err := Frame{Header: Header{Type: Write, Size: 2}, Payload: []byte{1, 2}}.MarshalBinary()
	if err != nil {
		t.Fatalf("could not marshal frame: %+v", err)
	}
	raw[2] = 0xff // corrupt frame length
	err = f.UnmarshalBinary(raw)
	if err == nil {
		t.Fatalf("expected a frame length error")
	}
}

func TestEncoderDecoder(t *testing.T) {
	var (
		buf  = new(bytes.Buffer)
		enc  = NewEncoder(buf)
		want = []Frame{
			{
				Header:  Header{Type: Write, Addr: Addr{1, PidBF, 0}, Offset: 32, Size: 4, SeqNr: 1},
				Payload: []byte{1, 2, 3, 4},
			},
			{
				Header: Header{Type: WriteAck, Addr: Addr{1, PidBF, 0}, Offset: 32, Size: 4, SeqNr: 1},
			},
			{
				Header:  Header{Type: Write, Addr: Addr{2, PidBF, 7}, Offset: 544, Size: 2, SeqNr: 2},
				Payload: []byte{5, 6},
			},
		}
	)

	for i, f := range want {
		err := enc.Encode(f)
		if err != nil {
			t.Fatalf("could not encode frame %d: %+v", i, err)
		}
	}

	dec := NewDecoder(buf)
	for i := range want {
		var got Frame
		err := dec.Decode(&got)
		if err != nil {
			t.Fatalf("could not decode frame %d: %+v", i, err)
		}
		if !reflect.DeepEqual(got, want[i]) {
			t.Fatalf("invalid frame %d:\ngot= %v\nwant=%v", i, got.Header, want[i].Header)
		}
	}

	var f Frame
	err := dec.Decode(&f)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, io.EOF)
	}
}

func TestDecoderTruncated(t *testing.T) {
	raw, err := Frame{
		Header:  Header{Type: Write, Size: 4},
		Payload: []byte{1, 2, 3, 4},
	}.MarshalBinary()
	if err != nil {
		t.Fatalf("could not marshal frame: %+v", err)
	}

	dec := NewDecoder(bytes.NewReader(raw[:len(raw)-1]))
	var f Frame
	err = dec.Decode(&f)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, io.ErrUnexpectedEOF)
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }

func TestEncoderStickyError(t *testing.T) {
	enc := NewEncoder(failingWriter{})
	f := Frame{Header: Header{Type: WriteAck}}

	err := enc.Encode(f)
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, io.ErrClosedPipe)
	}

	err = enc.Encode(f)
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("invalid sticky error: got=%+v, want=%+v", err, io.ErrClosedPipe)
	}
}
