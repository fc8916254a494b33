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

package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeSetRoundTrip(t *testing.T) {
	r := Record{NodeID: 1, CommitID: 42, Op: OpSet, Args: [][]byte{[]byte("k"), []byte("v")}}

	data, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if got.NodeID != r.NodeID || got.CommitID != r.CommitID || got.Op != r.Op {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, r)
	}
	if len(got.Args) != 2 || !bytes.Equal(got.Args[0], r.Args[0]) || !bytes.Equal(got.Args[1], r.Args[1]) {
		t.Errorf("args mismatch: got %v, want %v", got.Args, r.Args)
	}
}

func TestEncodeDecodeDelRoundTrip(t *testing.T) {
	r := Record{NodeID: 2, CommitID: 7, Op: OpDel, Args: [][]byte{[]byte("a"), []byte("b"), []byte("c")}}

	data, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(got.Args) != 3 {
		t.Errorf("expected 3 args, got %d", len(got.Args))
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	r := Record{NodeID: 1, CommitID: 1, Op: OpSet, Args: [][]byte{[]byte("k"), []byte("v")}}

	a, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	b, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("encoding the same record twice produced different bytes")
	}
}

func TestDecodeMalformedBytes(t *testing.T) {
	_, err := Decode([]byte("not a gob stream"))
	if !errors.Is(err, ErrMalformedRecord) {
		t.Errorf("expected ErrMalformedRecord, got %v", err)
	}
}

func TestDecodeSetWrongArgCount(t *testing.T) {
	r := Record{NodeID: 1, CommitID: 1, Op: OpSet, Args: [][]byte{[]byte("only-one")}}
	data, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, err = Decode(data)
	if !errors.Is(err, ErrMalformedRecord) {
		t.Errorf("expected ErrMalformedRecord for SET with one arg, got %v", err)
	}
}

func TestDecodeUnsupportedOp(t *testing.T) {
	r := Record{NodeID: 1, CommitID: 1, Op: Op(99), Args: nil}
	data, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, err = Decode(data)
	if !errors.Is(err, ErrUnsupportedOp) {
		t.Errorf("expected ErrUnsupportedOp, got %v", err)
	}
}

func TestDecodeDelEmptyArgsIsValid(t *testing.T) {
	r := Record{NodeID: 1, CommitID: 1, Op: OpDel, Args: nil}
	data, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed for empty DEL: %v", err)
	}
	if len(got.Args) != 0 {
		t.Errorf("expected 0 args, got %d", len(got.Args))
	}
}
