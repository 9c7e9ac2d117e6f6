// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mep implements the MEP message format used to read and write
// registers of an RSP board.
package mep // import "github.com/go-lpc/rsp/mep"

import (
	"encoding/binary"
	"fmt"
)

// MsgType is the type of a MEP message.
type MsgType uint8

const (
	Read     MsgType = 0x01
	Write    MsgType = 0x02
	ReadAck  MsgType = 0x03
	WriteAck MsgType = 0x04
)

func (t MsgType) String() string {
	switch t {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case ReadAck:
		return "READACK"
	case WriteAck:
		return "WRITEACK"
	default:
		return fmt.Sprintf("MsgType(0x%02x)", uint8(t))
	}
}

// HeaderSize is the size in bytes of an encoded MEP header.
const HeaderSize = 16

// Addr identifies a register on a board.
type Addr struct {
	DstID uint8 // bit mask of the targeted BLPs
	PID   uint8 // process id
	RegID uint8 // register id
}

// Header is the header of a MEP message.
type Header struct {
	Type   MsgType
	Status uint8
	Addr   Addr
	Offset uint16 // byte offset into the register
	Size   uint16 // payload size in bytes
	SeqNr  uint16
}

// IsValidAck returns whether hdr acknowledges the write request sent.
// Only the address, size and offset are compared.
func (hdr Header) IsValidAck(sent Header) bool {
	return hdr.Type == WriteAck &&
		hdr.Status == 0 &&
		hdr.Addr == sent.Addr &&
		hdr.Offset == sent.Offset &&
		hdr.Size == sent.Size
}

// Ack returns the write-ack header answering hdr.
func (hdr Header) Ack(status uint8) Header {
	ack := hdr
	ack.Type = WriteAck
	ack.Status = status
	return ack
}

func (hdr Header) String() string {
	return fmt.Sprintf(
		"%v{dst=0x%02x, pid=0x%02x, reg=0x%02x, off=%d, size=%d, seq=%d, status=%d}",
		hdr.Type, hdr.Addr.DstID, hdr.Addr.PID, hdr.Addr.RegID,
		hdr.Offset, hdr.Size, hdr.SeqNr, hdr.Status,
	)
}

func (hdr Header) encode(p []byte) {
	_ = p[HeaderSize-1]
	p[0] = uint8(hdr.Type)
	p[1] = hdr.Status
	binary.LittleEndian.PutUint16(p[2:4], uint16(HeaderSize+hdr.payloadLen()))
	p[4] = hdr.Addr.DstID
	p[5] = hdr.Addr.PID
	p[6] = hdr.Addr.RegID
	p[7] = 0
	binary.LittleEndian.PutUint16(p[8:10], hdr.Offset)
	binary.LittleEndian.PutUint16(p[10:12], hdr.Size)
	binary.LittleEndian.PutUint16(p[12:14], hdr.SeqNr)
	binary.LittleEndian.PutUint16(p[14:16], 0)
}

func (hdr *Header) decode(p []byte) error {
	_ = p[HeaderSize-1]
	hdr.Type = MsgType(p[0])
	hdr.Status = p[1]
	flen := binary.LittleEndian.Uint16(p[2:4])
	hdr.Addr.DstID = p[4]
	hdr.Addr.PID = p[5]
	hdr.Addr.RegID = p[6]
	hdr.Offset = binary.LittleEndian.Uint16(p[8:10])
	hdr.Size = binary.LittleEndian.Uint16(p[10:12])
	hdr.SeqNr = binary.LittleEndian.Uint16(p[12:14])

	if want := uint16(HeaderSize + hdr.payloadLen()); flen != want {
		return fmt.Errorf("mep: invalid frame length %d for %v (want=%d)", flen, hdr.Type, want)
	}
	return nil
}

// payloadLen returns the number of payload bytes following hdr on the wire.
func (hdr Header) payloadLen() int {
	switch hdr.Type {
	case Write, ReadAck:
		return int(hdr.Size)
	default:
		return 0
	}
}

// Frame is a MEP message: a header and its payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (f Frame) MarshalBinary() ([]byte, error) {
	n := f.Header.payloadLen()
	if n != len(f.Payload) {
		return nil, fmt.Errorf(
			"mep: payload size mismatch (hdr=%d, payload=%d)",
			n, len(f.Payload),
		)
	}
	if n > FragmentSize {
		return nil, fmt.Errorf("mep: payload too big (%d > %d)", n, FragmentSize)
	}
	buf := make([]byte, HeaderSize+n)
	f.Header.encode(buf)
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (f *Frame) UnmarshalBinary(p []byte) error {
	if len(p) < HeaderSize {
		return fmt.Errorf("mep: frame too short (%d bytes)", len(p))
	}
	err := f.Header.decode(p)
	if err != nil {
		return err
	}
	n := f.Header.payloadLen()
	if len(p) != HeaderSize+n {
		return fmt.Errorf("mep: invalid frame size %d (want=%d)", len(p), HeaderSize+n)
	}
	f.Payload = nil
	if n > 0 {
		f.Payload = make([]byte, n)
		copy(f.Payload, p[HeaderSize:])
	}
	return nil
}
