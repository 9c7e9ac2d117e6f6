// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bf implements the beamformer-weight write protocol of RSP boards.
//
// A Codec serializes one fragment of a beamformer register into a MEP write
// frame. A Sequencer drives the Codec over all the fragments and banks of one
// register of one BLP, validates the write-acks and reports completion into a
// register-state table.
package bf // import "github.com/go-lpc/rsp/bf"

import (
	"fmt"

	"github.com/go-lpc/rsp/mep"
)

// Kind is the kind of a beamformer register.
type Kind uint8

const (
	XRe Kind = iota // X-real
	XIm             // X-imaginary
	YRe             // Y-real
	YIm             // Y-imaginary
)

// NrKinds is the number of beamformer register kinds.
const NrKinds = mep.NrPhasePol

type kindInfo struct {
	name   string
	regid  uint8
	pol    int  // polarization written by the register
	rotate bool // multiply weights by i
}

var kinds = [NrKinds]kindInfo{
	XRe: {name: "XR", regid: mep.BFXROut, pol: 0, rotate: false},
	XIm: {name: "XI", regid: mep.BFXIOut, pol: 0, rotate: true},
	YRe: {name: "YR", regid: mep.BFYROut, pol: 1, rotate: false},
	YIm: {name: "YI", regid: mep.BFYIOut, pol: 1, rotate: true},
}

// Kinds returns all the beamformer register kinds.
func Kinds() []Kind { return []Kind{XRe, XIm, YRe, YIm} }

// Valid returns whether k is one of the beamformer register kinds.
func (k Kind) Valid() bool { return int(k) < len(kinds) }

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return kinds[k].name
}

func (k Kind) info() kindInfo { return kinds[k] }

// RegID returns the register id of k in the given bank.
func (k Kind) RegID(bank int) uint8 {
	return kinds[k].regid + uint8(bank*mep.NrPhasePol)
}

// ParseKind returns the kind named s (XR, XI, YR or YI).
func ParseKind(s string) (Kind, error) {
	for i, k := range kinds {
		if k.name == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("bf: %w %q", ErrInvalidRegisterKind, s)
}

// Key returns the register-state key of the register of kind k for the
// given global BLP.
func Key(gblp int, k Kind) int {
	return gblp*mep.NrPhasePol + int(k)
}

// NrBanks returns the number of active weight banks for the given sample
// bit depth.
func NrBanks(bitsPerSample int) (int, error) {
	switch bitsPerSample {
	case 4, 8, 16:
		return mep.MaxBitsPerSample / bitsPerSample, nil
	default:
		return 0, fmt.Errorf("bf: invalid number of bits per sample %d", bitsPerSample)
	}
}
