// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package codec encodes and decodes the proposal records handed to and
// read back from the consensus layer.
package codec

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// Op identifies the kind of mutation a ProposalRecord carries.
type Op byte

const (
	// OpSet stores args[0] -> args[1].
	OpSet Op = 1
	// OpDel removes every key in args.
	OpDel Op = 2
)

// ErrMalformedRecord is returned when decode cannot parse the input bytes.
var ErrMalformedRecord = errors.New("codec: malformed record")

// ErrUnsupportedOp is returned when a decoded record carries an op this
// build does not recognize.
var ErrUnsupportedOp = errors.New("codec: unsupported op")

// Record is the wire-shape of one client write, carrying enough identity
// for the originating node to reconcile it against its pending table once
// consensus delivers it back.
type Record struct {
	NodeID   uint32
	CommitID uint32
	Op       Op
	Args     [][]byte
}

// Encode serializes a record deterministically. gob's encoding of a
// fixed-field struct with ordered slices is byte-for-byte stable for a
// given encoder/decoder pair, so two nodes running the same binary agree
// on the bytes without needing a custom wire format.
func Encode(r Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses bytes produced by Encode. It validates the op is one this
// build understands and that the argument shape matches the op.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	switch r.Op {
	case OpSet:
		if len(r.Args) != 2 {
			return Record{}, fmt.Errorf("%w: SET requires exactly 2 args, got %d", ErrMalformedRecord, len(r.Args))
		}
	case OpDel:
		// zero or more keys is valid; an empty DEL is a no-op.
	default:
		return Record{}, fmt.Errorf("%w: op %d", ErrUnsupportedOp, r.Op)
	}

	return r, nil
}
