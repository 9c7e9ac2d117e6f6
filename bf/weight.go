// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bf

import (
	"encoding/binary"
	"fmt"

	"github.com/go-lpc/rsp/mep"
)

// Weight is a complex 16-bit fixed-point beamformer weight.
type Weight struct {
	Re int16
	Im int16
}

// Conj returns the complex conjugate of w.
func (w Weight) Conj() Weight {
	return Weight{Re: w.Re, Im: -w.Im}
}

// MulI returns w multiplied by i.
func (w Weight) MulI() Weight {
	return Weight{Re: -w.Im, Im: w.Re}
}

func (w Weight) String() string {
	return fmt.Sprintf("(%d%+di)", w.Re, w.Im)
}

// Matrix is a read-only view of the beamlet weights, indexed by
// [time][global-blp*2+pol][beamlet].
type Matrix struct {
	data  []Weight
	shape [3]int
	gen   uint64
}

// NewMatrix creates a view of data with the given shape.
// data is not copied: it must not be modified while the view is in use.
func NewMatrix(data []Weight, ntimes, nchans, nbeamlets int, gen uint64) (Matrix, error) {
	if ntimes <= 0 || nchans <= 0 || nbeamlets <= 0 {
		return Matrix{}, fmt.Errorf(
			"bf: invalid matrix shape (%d, %d, %d)",
			ntimes, nchans, nbeamlets,
		)
	}
	if n := ntimes * nchans * nbeamlets; len(data) != n {
		return Matrix{}, fmt.Errorf(
			"bf: invalid matrix data size (got=%d, want=%d)",
			len(data), n,
		)
	}
	return Matrix{
		data:  data,
		shape: [3]int{ntimes, nchans, nbeamlets},
		gen:   gen,
	}, nil
}

// Shape returns the dimensions of the matrix.
func (m Matrix) Shape() (ntimes, nchans, nbeamlets int) {
	return m.shape[0], m.shape[1], m.shape[2]
}

// Generation returns the generation of the buffer the view refers to.
func (m Matrix) Generation() uint64 { return m.gen }

// At returns the weight at [t][ch][beamlet].
func (m Matrix) At(t, ch, beamlet int) Weight {
	return m.data[(t*m.shape[1]+ch)*m.shape[2]+beamlet]
}

// encodeWeights writes the [slot][pol] weights in wire order.
func encodeWeights(p []byte, ws [][mep.NrPol]Weight) {
	for i, w := range ws {
		o := i * mep.WeightSize
		for pol := range w {
			binary.LittleEndian.PutUint16(p[o+4*pol+0:], uint16(w[pol].Re))
			binary.LittleEndian.PutUint16(p[o+4*pol+2:], uint16(w[pol].Im))
		}
	}
}

// DecodeWeights decodes a beamformer payload into its [slot][pol] weights.
func DecodeWeights(p []byte) ([][mep.NrPol]Weight, error) {
	if len(p)%mep.WeightSize != 0 {
		return nil, fmt.Errorf(
			"bf: invalid payload size %d (not a multiple of %d)",
			len(p), mep.WeightSize,
		)
	}
	ws := make([][mep.NrPol]Weight, len(p)/mep.WeightSize)
	for i := range ws {
		o := i * mep.WeightSize
		for pol := range ws[i] {
			ws[i][pol] = Weight{
				Re: int16(binary.LittleEndian.Uint16(p[o+4*pol+0:])),
				Im: int16(binary.LittleEndian.Uint16(p[o+4*pol+2:])),
			}
		}
	}
	return ws, nil
}
