// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bf

import (
	"errors"
	"fmt"

	"github.com/go-lpc/rsp/mep"
)

var (
	ErrInvalidRegisterKind = errors.New("invalid register kind")
	ErrUnexpectedAck       = errors.New("unexpected ack")
	ErrAckMismatch         = errors.New("ack mismatch")
	ErrStaleWeights        = errors.New("weights swapped during round")
	ErrNotStarted          = errors.New("round not started")
	ErrOutOfOrder          = errors.New("request out of order")
)

// AckMismatchError describes a write-ack that did not acknowledge the
// last write request.
type AckMismatchError struct {
	Key   int // register-state key
	Index int // iteration index of the write request
	Sent  mep.Header
	Ack   mep.Header
}

func (e *AckMismatchError) Error() string {
	return fmt.Sprintf(
		"bf: invalid ack for register %d (index=%d): sent=%v, ack=%v",
		e.Key, e.Index, e.Sent, e.Ack,
	)
}

func (e *AckMismatchError) Is(target error) bool {
	return target == ErrAckMismatch
}
