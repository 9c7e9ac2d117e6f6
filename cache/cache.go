// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cache holds the beamlet weights of a station and the write
// status of the matching beamformer registers.
package cache // import "github.com/go-lpc/rsp/cache"

import (
	"fmt"
	"sync"

	"github.com/go-lpc/rsp/bf"
	"github.com/go-lpc/rsp/mep"
)

// Cache is a double-buffered store of beamlet weights.
//
// Weights are prepared in the back buffer, which is what the beamformer
// registers are written from. Swap publishes the back buffer to the front
// buffer and starts a new generation.
//
// Every mutation marks the affected registers as modified in the
// register-state table.
type Cache struct {
	mu sync.RWMutex

	nblps int
	bits  int
	swap  []bool
	gen   uint64
	front []bf.Weight
	back  []bf.Weight

	states *RegisterState
}

const nbeamlets = mep.MaxNrBanks * mep.NrBeamlets

// New creates a cache for nblps BLPs, at the given sample bit depth.
func New(nblps, bits int) (*Cache, error) {
	if nblps <= 0 {
		return nil, fmt.Errorf("cache: invalid number of BLPs %d", nblps)
	}
	if _, err := bf.NrBanks(bits); err != nil {
		return nil, fmt.Errorf("cache: could not create cache: %w", err)
	}
	n := nblps * mep.NrPol * nbeamlets
	return &Cache{
		nblps:  nblps,
		bits:   bits,
		swap:   make([]bool, nblps),
		front:  make([]bf.Weight, n),
		back:   make([]bf.Weight, n),
		states: NewRegisterState(nblps * bf.NrKinds),
	}, nil
}

// NrBLPs returns the number of BLPs held by the cache.
func (c *Cache) NrBLPs() int { return c.nblps }

// States returns the register-state table of the cache.
func (c *Cache) States() *RegisterState { return c.states }

// Generation returns the current generation of the back buffer.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// BitsPerSample returns the sample bit depth.
func (c *Cache) BitsPerSample() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bits
}

// SwappedXY returns whether the X and Y inputs of the given BLP are swapped.
func (c *Cache) SwappedXY(gblp int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if gblp < 0 || gblp >= len(c.swap) {
		return false
	}
	return c.swap[gblp]
}

// Weights returns a read-only view of the back buffer.
// The view stays valid after later mutations of the cache.
func (c *Cache) Weights() bf.Matrix {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view(c.back)
}

// Front returns a read-only view of the last published weights.
func (c *Cache) Front() bf.Matrix {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view(c.front)
}

func (c *Cache) view(data []bf.Weight) bf.Matrix {
	m, err := bf.NewMatrix(data, 1, c.nblps*mep.NrPol, nbeamlets, c.gen)
	if err != nil {
		panic(fmt.Errorf("cache: invalid buffer: %w", err))
	}
	return m
}

func (c *Cache) markBLP(gblp int) {
	for _, k := range bf.Kinds() {
		c.states.Modified(bf.Key(gblp, k))
	}
}

// SetWeights sets the weights of the given BLP and polarization, starting
// at beamlet beg.
func (c *Cache) SetWeights(gblp, pol, beg int, ws []bf.Weight) error {
	switch {
	case gblp < 0 || gblp >= c.nblps:
		return fmt.Errorf("cache: invalid BLP %d", gblp)
	case pol < 0 || pol >= mep.NrPol:
		return fmt.Errorf("cache: invalid polarization %d", pol)
	case beg < 0 || beg+len(ws) > nbeamlets:
		return fmt.Errorf(
			"cache: invalid beamlet range [%d, %d)",
			beg, beg+len(ws),
		)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// views handed out by Weights are never modified.
	back := make([]bf.Weight, len(c.back))
	copy(back, c.back)
	o := (gblp*mep.NrPol+pol)*nbeamlets + beg
	copy(back[o:], ws)
	c.back = back

	c.markBLP(gblp)
	return nil
}

// SetBitsPerSample sets the sample bit depth.
// All registers are marked as modified.
func (c *Cache) SetBitsPerSample(bits int) error {
	if _, err := bf.NrBanks(bits); err != nil {
		return fmt.Errorf("cache: could not set bits per sample: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.bits = bits
	c.states.ModifiedAll()
	return nil
}

// SetSwappedXY sets whether the X and Y inputs of the given BLP are swapped.
func (c *Cache) SetSwappedXY(gblp int, swapped bool) error {
	if gblp < 0 || gblp >= c.nblps {
		return fmt.Errorf("cache: invalid BLP %d", gblp)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.swap[gblp] == swapped {
		return nil
	}
	c.swap[gblp] = swapped
	c.markBLP(gblp)
	return nil
}

// Swap publishes the back buffer to the front buffer and starts a new
// generation. The back buffer keeps a copy of the published weights.
func (c *Cache) Swap() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.front = c.back
	c.back = make([]bf.Weight, len(c.front))
	copy(c.back, c.front)
	c.gen++
	return c.gen
}

var _ bf.WeightSource = (*Cache)(nil)
var _ bf.StateCache = (*RegisterState)(nil)
