// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bf

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-lpc/rsp/mep"
)

// State is the state of a beamformer register in the register-state table.
type State uint8

const (
	Idle      State = iota // nothing to write
	Modified               // weights changed, write needed
	Pending                // write in progress
	Confirmed              // all fragments acknowledged
	Error                  // write failed
)

func (st State) String() string {
	switch st {
	case Idle:
		return "idle"
	case Modified:
		return "modified"
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", uint8(st))
	}
}

// WeightSource gives read access to the beamlet weights being prepared.
type WeightSource interface {
	BitsPerSample() int
	SwappedXY(gblp int) bool
	Weights() Matrix
}

// StateCache records the write status of beamformer registers.
type StateCache interface {
	Get(key int) State
	Pending(key int)
	Confirm(key int)
	WriteError(key int)
}

// Phase is the phase of a Sequencer within a round.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseAwaitingAck
	PhaseDone
	PhaseFailed
)

func (ph Phase) String() string {
	switch ph {
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseAwaitingAck:
		return "awaiting-ack"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(ph))
	}
}

// NrIterations is the number of iterations of a round, whatever the
// number of active banks.
const NrIterations = mep.NrFragments * mep.MaxNrBanks

// Sequencer writes the weights of one beamformer register of one BLP,
// one fragment per call to SendRequest.
//
// A Sequencer is not safe for concurrent use: it is driven by a single
// caller, which must deliver the ack of index i before requesting i+1.
type Sequencer struct {
	src    WeightSource
	states StateCache
	codec  Codec
	msg    *log.Logger

	board int
	blp   int
	kind  Kind
	key   int

	phase   Phase
	banks   int
	swapped bool
	weights Matrix
	index   int        // index of the last write request
	hdr     mep.Header // last write request
	seqnr   uint16
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithBLPsPerBoard sets the number of BLPs per board.
func WithBLPsPerBoard(n int) Option {
	return func(seq *Sequencer) {
		seq.codec.BLPsPerBoard = n
	}
}

// WithPilot enables the self-correlation pilot.
func WithPilot(p Pilot) Option {
	return func(seq *Sequencer) {
		seq.codec.Pilot = p
	}
}

// WithLogger sets the logger used to report write errors.
func WithLogger(msg *log.Logger) Option {
	return func(seq *Sequencer) {
		seq.msg = msg
	}
}

// NewSequencer creates a sequencer for the register of the given kind
// of the given BLP of a board.
func NewSequencer(src WeightSource, states StateCache, board, blp int, kind Kind, opts ...Option) (*Sequencer, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("bf: %w %d", ErrInvalidRegisterKind, kind)
	}
	if src == nil || states == nil {
		return nil, fmt.Errorf("bf: nil weight source or state cache")
	}

	seq := &Sequencer{
		src:    src,
		states: states,
		codec:  Codec{BLPsPerBoard: 4},
		msg:    log.New(os.Stdout, "bf: ", 0),
		board:  board,
		blp:    blp,
		kind:   kind,
	}
	for _, opt := range opts {
		opt(seq)
	}
	if seq.msg == nil {
		seq.msg = log.New(io.Discard, "", 0)
	}

	switch {
	case seq.codec.BLPsPerBoard <= 0:
		return nil, fmt.Errorf("bf: invalid number of BLPs per board %d", seq.codec.BLPsPerBoard)
	case blp < 0 || blp >= seq.codec.BLPsPerBoard:
		return nil, fmt.Errorf("bf: invalid BLP %d (BLPs per board=%d)", blp, seq.codec.BLPsPerBoard)
	case board < 0:
		return nil, fmt.Errorf("bf: invalid board %d", board)
	}
	seq.key = Key(seq.GlobalBLP(), kind)

	return seq, nil
}

func (seq *Sequencer) String() string {
	return fmt.Sprintf("bf[board=%d, blp=%d, %v]", seq.board, seq.blp, seq.kind)
}

// GlobalBLP returns the station-wide BLP number.
func (seq *Sequencer) GlobalBLP() int {
	return seq.board*seq.codec.BLPsPerBoard + seq.blp
}

// Kind returns the kind of the register written by the sequencer.
func (seq *Sequencer) Kind() Kind { return seq.kind }

// Key returns the register-state key of the register.
func (seq *Sequencer) Key() int { return seq.key }

// Len returns the number of iterations of a round.
func (seq *Sequencer) Len() int { return NrIterations }

// Phase returns the current phase of the round.
func (seq *Sequencer) Phase() Phase { return seq.phase }

// Start starts a new round.
// The number of active banks is derived from the current sample bit depth.
// Registers not marked as modified are skipped for the whole round.
func (seq *Sequencer) Start() error {
	seq.phase = PhaseIdle
	seq.index = -1
	seq.hdr = mep.Header{}

	banks, err := NrBanks(seq.src.BitsPerSample())
	if err != nil {
		seq.states.WriteError(seq.key)
		seq.phase = PhaseFailed
		return err
	}
	seq.banks = banks

	if seq.states.Get(seq.key) != Modified {
		seq.phase = PhaseDone
		return nil
	}

	seq.weights = seq.src.Weights()
	seq.swapped = seq.src.SwappedXY(seq.GlobalBLP())
	seq.states.Pending(seq.key)
	seq.phase = PhaseSending
	return nil
}

// SendRequest returns the write frame for iteration i.
// A nil frame means there is nothing to send for i and the caller should
// go on with the next iteration.
// Requests must be made in increasing order, starting at 0.
// Calling SendRequest again with the index of an unacknowledged request
// rebuilds the same frame.
func (seq *Sequencer) SendRequest(i int) (*mep.Frame, error) {
	if i < 0 || i >= NrIterations {
		return nil, fmt.Errorf("bf: invalid iteration index %d", i)
	}

	switch seq.phase {
	case PhaseIdle:
		return nil, fmt.Errorf("bf: %v: %w", seq, ErrNotStarted)
	case PhaseDone, PhaseFailed:
		return nil, nil
	case PhaseAwaitingAck:
		if i != seq.index {
			return nil, fmt.Errorf(
				"bf: %v: request %d while waiting for ack of %d",
				seq, i, seq.index,
			)
		}
	case PhaseSending:
		if i != seq.index+1 {
			return nil, fmt.Errorf(
				"bf: %v: %w (got=%d, want=%d)",
				seq, ErrOutOfOrder, i, seq.index+1,
			)
		}
	}

	if gen := seq.src.Weights().Generation(); gen != seq.weights.Generation() {
		seq.states.WriteError(seq.key)
		seq.phase = PhaseFailed
		return nil, fmt.Errorf(
			"bf: %v: %w (gen=%d, want=%d)",
			seq, ErrStaleWeights, gen, seq.weights.Generation(),
		)
	}

	var (
		bank = i / mep.NrFragments
		frag = i % mep.NrFragments
	)
	if bank >= seq.banks {
		// inactive bank: nothing to write, but keep counting.
		seq.index = i
		if i == NrIterations-1 {
			seq.states.Confirm(seq.key)
			seq.phase = PhaseDone
		}
		return nil, nil
	}

	f, err := seq.codec.BuildFrame(seq.weights, seq.swapped, Request{
		Kind:     seq.kind,
		Board:    seq.board,
		BLP:      seq.blp,
		Bank:     bank,
		Fragment: frag,
		Banks:    seq.banks,
	})
	if err != nil {
		seq.states.WriteError(seq.key)
		seq.phase = PhaseFailed
		return nil, fmt.Errorf("bf: %v: could not build frame %d: %w", seq, i, err)
	}

	if seq.phase == PhaseAwaitingAck {
		f.Header.SeqNr = seq.hdr.SeqNr
	} else {
		seq.seqnr++
		f.Header.SeqNr = seq.seqnr
	}
	seq.hdr = f.Header
	seq.index = i
	seq.phase = PhaseAwaitingAck

	return &f, nil
}

// HandleAck processes the acknowledgement of the last write request.
//
// HandleAck returns ErrUnexpectedAck, leaving the sequencer untouched, if
// ack is not a write-ack or if no ack is awaited.
// If ack does not match the last request, the register is marked in error,
// the round fails and an *AckMismatchError is returned.
func (seq *Sequencer) HandleAck(ack mep.Frame) error {
	if ack.Header.Type != mep.WriteAck {
		return fmt.Errorf("bf: %v: %w (type=%v)", seq, ErrUnexpectedAck, ack.Header.Type)
	}
	if seq.phase != PhaseAwaitingAck {
		return fmt.Errorf("bf: %v: %w (phase=%v)", seq, ErrUnexpectedAck, seq.phase)
	}

	if !ack.Header.IsValidAck(seq.hdr) {
		seq.states.WriteError(seq.key)
		seq.phase = PhaseFailed
		err := &AckMismatchError{
			Key:   seq.key,
			Index: seq.index,
			Sent:  seq.hdr,
			Ack:   ack.Header,
		}
		seq.msg.Printf("%v: %+v", seq, err)
		return err
	}

	if seq.index == NrIterations-1 {
		seq.states.Confirm(seq.key)
		seq.phase = PhaseDone
		return nil
	}
	seq.phase = PhaseSending
	return nil
}

// Abort fails the current round and marks the register in error.
func (seq *Sequencer) Abort() {
	switch seq.phase {
	case PhaseDone, PhaseFailed:
		return
	}
	seq.states.WriteError(seq.key)
	seq.phase = PhaseFailed
}
