// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bf

import (
	"fmt"

	"github.com/go-lpc/rsp/mep"
)

const (
	// FragmentBytes is the payload size of one beamformer fragment.
	FragmentBytes = mep.NrBeamlets * mep.WeightSize / mep.NrFragments

	// XletBytes is the size of the crosslet area at the start of each
	// beamformer register. It is written along with fragment 0.
	XletBytes = mep.NrLocalXlets * mep.WeightSize

	slotsPerFragment = mep.NrBeamlets / mep.NrFragments
	slotsPerLane     = slotsPerFragment / mep.NrSerdesLanes
	beamletsPerLane  = mep.NrBeamlets / mep.NrSerdesLanes

	pilotValue = 0x4000
)

// Pilot selects the fragment slot overwritten with the self-correlation
// pilot value, for the given BLP and iteration index.
// Pilot returns false when no slot should be overwritten.
type Pilot func(blp, index int) (slot int, ok bool)

// PilotAtIndex puts the pilot in the slot matching the iteration index.
func PilotAtIndex(blp, index int) (int, bool) {
	return index, true
}

// PilotAtIndexBLP puts the pilot in the slot matching the iteration index,
// shifted by the BLP number.
func PilotAtIndexBLP(blp, index int) (int, bool) {
	return index + blp, true
}

// Request describes one fragment of a beamformer register.
type Request struct {
	Kind     Kind
	Board    int
	BLP      int // BLP number on the board
	Bank     int
	Fragment int
	Banks    int // number of active banks
}

// Codec builds beamformer write frames.
// A Codec has no state: the same inputs always yield the same frame.
type Codec struct {
	BLPsPerBoard int
	Pilot        Pilot // nil disables the pilot
}

func (c Codec) check(w Matrix, req Request) error {
	switch {
	case !req.Kind.Valid():
		return fmt.Errorf("bf: %w %d", ErrInvalidRegisterKind, req.Kind)
	case c.BLPsPerBoard <= 0:
		return fmt.Errorf("bf: invalid number of BLPs per board %d", c.BLPsPerBoard)
	case req.BLP < 0 || req.BLP >= c.BLPsPerBoard || req.BLP >= 8:
		return fmt.Errorf("bf: invalid BLP %d", req.BLP)
	case req.Board < 0:
		return fmt.Errorf("bf: invalid board %d", req.Board)
	case req.Banks <= 0 || req.Banks > mep.MaxNrBanks:
		return fmt.Errorf("bf: invalid number of banks %d", req.Banks)
	case req.Bank < 0 || req.Bank >= req.Banks:
		return fmt.Errorf("bf: invalid bank %d (banks=%d)", req.Bank, req.Banks)
	case req.Fragment < 0 || req.Fragment >= mep.NrFragments:
		return fmt.Errorf("bf: invalid fragment %d", req.Fragment)
	}

	ntimes, nchans, nbeamlets := w.Shape()
	gblp := req.Board*c.BLPsPerBoard + req.BLP
	switch {
	case ntimes < 1:
		return fmt.Errorf("bf: empty weight matrix")
	case nchans < (gblp+1)*mep.NrPol:
		return fmt.Errorf(
			"bf: weight matrix too small for BLP %d (channels=%d)",
			gblp, nchans,
		)
	case nbeamlets < req.Banks*mep.NrBeamlets:
		return fmt.Errorf(
			"bf: weight matrix too small for %d banks (beamlets=%d)",
			req.Banks, nbeamlets,
		)
	}
	return nil
}

// Offset returns the byte offset of the given fragment in a beamformer register.
// Fragment 0 starts the register, crosslet area included.
func Offset(fragment int) int {
	if fragment == 0 {
		return 0
	}
	return XletBytes + fragment*FragmentBytes
}

// Size returns the byte size of the given fragment of a beamformer register.
func Size(fragment int) int {
	if fragment == 0 {
		return XletBytes + FragmentBytes
	}
	return FragmentBytes
}

// BuildFrame builds the write frame of one fragment of a beamformer register.
// swapped exchanges the X and Y inputs of the BLP.
func (c Codec) BuildFrame(w Matrix, swapped bool, req Request) (mep.Frame, error) {
	err := c.check(w, req)
	if err != nil {
		return mep.Frame{}, err
	}

	var (
		info = req.Kind.info()
		gblp = req.Board*c.BLPsPerBoard + req.BLP
		chx  = gblp*mep.NrPol + 0
		chy  = gblp*mep.NrPol + 1
		ws   = make([][mep.NrPol]Weight, slotsPerFragment)
	)
	if swapped {
		chx, chy = chy, chx
	}

	for lane := 0; lane < mep.NrSerdesLanes; lane++ {
		beg := req.Bank*mep.NrBeamlets + lane*beamletsPerLane + req.Fragment*slotsPerLane
		for j := 0; j < slotsPerLane; j++ {
			slot := lane + j*mep.NrSerdesLanes
			ws[slot][0] = w.At(0, chx, beg+j)
			ws[slot][1] = w.At(0, chy, beg+j)
		}
	}

	// the beamformer multiplies with the conjugate of the stored weight.
	zero := 1 - info.pol
	for i := range ws {
		v := ws[i][info.pol].Conj()
		if info.rotate {
			v = v.MulI()
		}
		ws[i][info.pol] = v
		ws[i][zero] = Weight{}
	}

	if c.Pilot != nil {
		index := req.Bank*mep.NrFragments + req.Fragment
		if slot, ok := c.Pilot(req.BLP, index); ok && 0 <= slot && slot < len(ws) {
			pilot := Weight{Re: pilotValue}
			if info.rotate {
				pilot = Weight{Im: pilotValue}
			}
			ws[slot][info.pol] = pilot
		}
	}

	f := mep.Frame{
		Header: mep.Header{
			Type: mep.Write,
			Addr: mep.Addr{
				DstID: 1 << uint(req.BLP),
				PID:   mep.PidBF,
				RegID: req.Kind.RegID(req.Bank),
			},
			Offset: uint16(Offset(req.Fragment)),
			Size:   uint16(Size(req.Fragment)),
		},
		Payload: make([]byte, Size(req.Fragment)),
	}
	// crosslet weights are left to zero.
	encodeWeights(f.Payload[len(f.Payload)-FragmentBytes:], ws)

	return f, nil
}
