// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mep

import (
	"fmt"
	"io"
)

// Encoder writes MEP frames to an output stream.
type Encoder struct {
	w   io.Writer
	buf []byte
	err error
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   w,
		buf: make([]byte, HeaderSize+FragmentSize),
	}
}

// Encode writes the frame to the stream.
// A single Write call is issued per frame.
func (enc *Encoder) Encode(f Frame) error {
	if enc.err != nil {
		return enc.err
	}

	n := f.Header.payloadLen()
	switch {
	case n != len(f.Payload):
		return fmt.Errorf(
			"mep: payload size mismatch (hdr=%d, payload=%d)",
			n, len(f.Payload),
		)
	case n > FragmentSize:
		return fmt.Errorf("mep: payload too big (%d > %d)", n, FragmentSize)
	}

	buf := enc.buf[:HeaderSize+n]
	f.Header.encode(buf)
	copy(buf[HeaderSize:], f.Payload)

	_, enc.err = enc.w.Write(buf)
	if enc.err != nil {
		return fmt.Errorf("mep: could not write frame: %w", enc.err)
	}
	return nil
}

// Decoder reads MEP frames from an input stream.
type Decoder struct {
	r   io.Reader
	buf []byte
}

// NewDecoder returns a new Decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   r,
		buf: make([]byte, HeaderSize),
	}
}

// Decode reads the next frame from the stream.
// Decode returns io.EOF when the stream ends on a frame boundary.
func (dec *Decoder) Decode(f *Frame) error {
	_, err := io.ReadFull(dec.r, dec.buf[:HeaderSize])
	if err != nil {
		if err == io.EOF {
			return err
		}
		return fmt.Errorf("mep: could not read header: %w", err)
	}

	err = f.Header.decode(dec.buf[:HeaderSize])
	if err != nil {
		return err
	}

	n := f.Header.payloadLen()
	if n > FragmentSize {
		return fmt.Errorf("mep: payload too big (%d > %d)", n, FragmentSize)
	}
	f.Payload = nil
	if n == 0 {
		return nil
	}
	f.Payload = make([]byte, n)
	_, err = io.ReadFull(dec.r, f.Payload)
	if err != nil {
		return fmt.Errorf("mep: could not read payload (%d bytes): %w", n, err)
	}
	return nil
}
