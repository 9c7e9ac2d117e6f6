// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cache

import (
	"strings"
	"sync"

	"github.com/go-lpc/rsp/bf"
)

// RegisterState records the write status of all the beamformer registers
// of a station, indexed by bf.Key.
//
// Confirm and WriteError only apply to registers with a write in progress:
// a register modified again while being written stays modified.
type RegisterState struct {
	mu     sync.RWMutex
	states []bf.State
}

// NewRegisterState creates a register-state table for n registers.
// All registers start idle.
func NewRegisterState(n int) *RegisterState {
	return &RegisterState{states: make([]bf.State, n)}
}

// Len returns the number of registers in the table.
func (rs *RegisterState) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.states)
}

// Get returns the state of register key.
// Unknown registers are idle.
func (rs *RegisterState) Get(key int) bf.State {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if key < 0 || key >= len(rs.states) {
		return bf.Idle
	}
	return rs.states[key]
}

func (rs *RegisterState) set(key int, st bf.State, from ...bf.State) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if key < 0 || key >= len(rs.states) {
		return
	}
	if len(from) > 0 && !hasState(rs.states[key], from) {
		return
	}
	rs.states[key] = st
}

func hasState(st bf.State, states []bf.State) bool {
	for _, v := range states {
		if v == st {
			return true
		}
	}
	return false
}

// Modified marks register key as needing a write.
func (rs *RegisterState) Modified(key int) { rs.set(key, bf.Modified) }

// ModifiedAll marks all registers as needing a write.
func (rs *RegisterState) ModifiedAll() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i := range rs.states {
		rs.states[i] = bf.Modified
	}
}

// Pending marks register key as being written.
func (rs *RegisterState) Pending(key int) { rs.set(key, bf.Pending) }

// Confirm marks register key as written, if a write was in progress.
func (rs *RegisterState) Confirm(key int) { rs.set(key, bf.Confirmed, bf.Pending) }

// WriteError marks register key as failed, if a write was in progress.
func (rs *RegisterState) WriteError(key int) { rs.set(key, bf.Error, bf.Pending) }

// RetryErrors marks all failed registers as needing a write and returns
// how many were marked.
func (rs *RegisterState) RetryErrors() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	n := 0
	for i, st := range rs.states {
		if st == bf.Error {
			rs.states[i] = bf.Modified
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the table.
func (rs *RegisterState) Snapshot() []bf.State {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return append([]bf.State(nil), rs.states...)
}

// Count returns the number of registers in state st.
func (rs *RegisterState) Count(st bf.State) int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	n := 0
	for _, v := range rs.states {
		if v == st {
			n++
		}
	}
	return n
}

var stateChars = [...]byte{
	bf.Idle:      '.',
	bf.Modified:  'M',
	bf.Pending:   'P',
	bf.Confirmed: 'C',
	bf.Error:     'E',
}

// String returns one character per register, grouped per BLP.
func (rs *RegisterState) String() string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	var o strings.Builder
	for i, st := range rs.states {
		if i > 0 && i%bf.NrKinds == 0 {
			o.WriteByte(' ')
		}
		c := byte('?')
		if int(st) < len(stateChars) {
			c = stateChars[st]
		}
		o.WriteByte(c)
	}
	return o.String()
}
