// Copyright 2024 The FUOTA Manager authors. All Rights Reserved.
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

package update

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/edgefw/fuota-manager/storage"
)

// encodeProgram is the inverse of ParseProgram, used to exercise the decoder.
func encodeProgram(prog []Instruction, diff []byte) []byte {
	buf := make([]byte, 4+len(prog)*instrLen)
	binary.BigEndian.PutUint32(buf, uint32(len(prog)))
	for i, in := range prog {
		p := buf[4+i*instrLen:]
		p[0] = byte(in.Op)
		binary.BigEndian.PutUint32(p[1:], in.OldOff)
		binary.BigEndian.PutUint32(p[5:], in.NewOff)
		binary.BigEndian.PutUint32(p[9:], in.Len)
	}
	return append(buf, diff...)
}

func TestParseProgram(t *testing.T) {
	prog := []Instruction{
		{Op: PatchCopy, OldOff: 128, NewOff: 0, Len: 256},
		{Op: PatchInsert, NewOff: 256, Len: 4},
		{Op: PatchZero, NewOff: 260, Len: 64},
	}
	diff := []byte{1, 2, 3, 4}

	gotProg, gotDiff, err := ParseProgram(encodeProgram(prog, diff))
	if err != nil {
		t.Fatalf("ParseProgram: %v", err)
	}
	if diffStr := cmp.Diff(gotProg, prog); diffStr != "" {
		t.Fatalf("Got diff: %s", diffStr)
	}
	if !bytes.Equal(gotDiff, diff) {
		t.Fatalf("Got diff bytes %x, want %x", gotDiff, diff)
	}
}

func TestParseProgramErrors(t *testing.T) {
	good := encodeProgram([]Instruction{{Op: PatchInsert, Len: 2}}, []byte{1, 2})

	for _, test := range []struct {
		name string
		buf  []byte
	}{
		{
			name: "short stream",
			buf:  []byte{0, 0},
		}, {
			name: "truncated instructions",
			buf:  good[:4+instrLen-1],
		}, {
			name: "unknown opcode",
			buf: func() []byte {
				b := append([]byte{}, good...)
				b[4] = 0x7F
				return b
			}(),
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, _, err := ParseProgram(test.buf); !errors.Is(err, ErrBadPatch) {
				t.Fatalf("Got %v, want ErrBadPatch", err)
			}
		})
	}
}

func TestApplyPatch(t *testing.T) {
	r := newRig(t, fakeVerifier{})

	// The running image, in the active bank, is the patch base.
	old := make([]byte, 512)
	for i := range old {
		old[i] = byte(i)
	}
	if err := r.flash.Write(storage.BankA, 0, old); err != nil {
		t.Fatalf("Failed to seed bank A: %v", err)
	}

	diff := bytes.Repeat([]byte{0xD1}, 128)
	prog := []Instruction{
		{Op: PatchCopy, OldOff: 128, NewOff: 0, Len: 256},
		{Op: PatchInsert, NewOff: 256, Len: 128},
		{Op: PatchZero, NewOff: 384, Len: 128},
	}
	want := append(append(append([]byte{}, old[128:384]...), diff...), make([]byte, 128)...)

	hdr := testHdr(uint32(len(want)))
	if err := r.mgr.Start(hdr); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.mgr.ApplyPatch(prog, diff); err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if got := r.mgr.Session().BytesWritten; got != uint32(len(want)) {
		t.Fatalf("Got %d bytes written, want %d", got, len(want))
	}

	got, err := r.flash.Read(storage.BankB, 0, uint32(len(want)))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("Patched bank B does not match expected image")
	}

	// The patched image flows through the same verification gate.
	if err := r.mgr.Finalize(hdr); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if gotState := r.mgr.State(); gotState != PendingActivation {
		t.Fatalf("Got state %v, want PendingActivation", gotState)
	}
}

func TestApplyPatchErrors(t *testing.T) {
	for _, test := range []struct {
		name string
		prog []Instruction
		diff []byte
	}{
		{
			name: "write beyond image size",
			prog: []Instruction{{Op: PatchZero, NewOff: 1020, Len: 8}},
		}, {
			name: "copy beyond bank capacity",
			prog: []Instruction{{Op: PatchCopy, OldOff: testCapacity - 4, NewOff: 0, Len: 8}},
		}, {
			name: "insert starves diff",
			prog: []Instruction{{Op: PatchInsert, NewOff: 0, Len: 16}},
			diff: []byte{1, 2, 3},
		}, {
			name: "leftover diff",
			prog: []Instruction{{Op: PatchInsert, NewOff: 0, Len: 2}},
			diff: []byte{1, 2, 3, 4},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			r := newRig(t, fakeVerifier{})
			if err := r.mgr.Start(testHdr(1024)); err != nil {
				t.Fatalf("Start: %v", err)
			}
			if err := r.mgr.ApplyPatch(test.prog, test.diff); !errors.Is(err, ErrBadPatch) {
				t.Fatalf("ApplyPatch: %v, want ErrBadPatch", err)
			}
			// A failed patch is not resumable.
			if got := r.mgr.State(); got != Idle {
				t.Fatalf("Got state %v, want Idle", got)
			}
		})
	}
}

func TestApplyPatchSequencing(t *testing.T) {
	r := newRig(t, fakeVerifier{})
	prog := []Instruction{{Op: PatchZero, NewOff: 0, Len: 16}}

	if err := r.mgr.ApplyPatch(prog, nil); !errors.Is(err, ErrNoTransition) {
		t.Fatalf("ApplyPatch in Idle: %v, want ErrNoTransition", err)
	}

	if err := r.mgr.Start(testHdr(1024)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.mgr.WriteChunk(0, make([]byte, 256)); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := r.mgr.ApplyPatch(prog, nil); !errors.Is(err, ErrOutOfSequence) {
		t.Fatalf("ApplyPatch mid-stream: %v, want ErrOutOfSequence", err)
	}
}
