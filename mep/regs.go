// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mep

// Register map of the RSP board beamformer.
const (
	NrBeamlets    = 256 // beamlets per bank
	NrSerdesLanes = 4   // interleaved SERDES lanes
	NrFragments   = 4   // fragments per beamformer register
	NrLocalXlets  = 4   // crosslet weights at the start of each register
	NrPol         = 2   // X and Y
	NrPhasePol    = 4   // XR, XI, YR, YI registers per BLP

	// WeightSize is the size of the weights of one beamlet:
	// one complex int16 per polarization.
	WeightSize = NrPol * 2 * 2

	// FragmentSize is the maximum payload of a single MEP message.
	FragmentSize = 1024

	BFXROutSize = (NrLocalXlets + NrBeamlets) * WeightSize
	BFXIOutSize = BFXROutSize
	BFYROutSize = BFXROutSize
	BFYIOutSize = BFXROutSize

	MaxBitsPerSample = 16
	MinBitsPerSample = 4
	MaxNrBanks       = MaxBitsPerSample / MinBitsPerSample
)

// Process ids.
const (
	PidRSR = 0x01
	PidTST = 0x02
	PidCFG = 0x03
	PidWG  = 0x04
	PidSS  = 0x05
	PidBF  = 0x06
	PidBST = 0x07
	PidSST = 0x08
	PidRCU = 0x09
)

// Beamformer register ids of bank 0.
// Bank b uses register id + b*NrPhasePol.
const (
	BFXROut = 0x00
	BFXIOut = 0x01
	BFYROut = 0x02
	BFYIOut = 0x03
)

// Status codes of a write-ack.
const (
	StatusOK       = 0x00
	StatusBadPID   = 0x01
	StatusBadRegID = 0x02
	StatusBadSize  = 0x03
	StatusBadDstID = 0x04
)
