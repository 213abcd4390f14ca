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
	"fmt"

	"k8s.io/klog/v2"

	"github.com/edgefw/fuota-manager/storage"
)

// PatchOp is a delta patch instruction opcode.
type PatchOp uint8

const (
	// PatchCopy copies Len bytes from the old bank at OldOff to the new
	// bank at NewOff.
	PatchCopy PatchOp = iota
	// PatchInsert writes Len bytes consumed from the diff stream to the
	// new bank at NewOff.
	PatchInsert
	// PatchZero fills Len bytes at NewOff in the new bank with zeroes.
	PatchZero
)

func (op PatchOp) String() string {
	switch op {
	case PatchCopy:
		return "copy"
	case PatchInsert:
		return "insert"
	case PatchZero:
		return "zero"
	}
	panic(fmt.Errorf("unknown PatchOp %d", uint8(op)))
}

// Instruction is a single delta patch step. Instructions are applied in the
// order given.
type Instruction struct {
	Op     PatchOp
	OldOff uint32
	NewOff uint32
	Len    uint32
}

// ErrBadPatch is returned when a patch stream is malformed or inconsistent
// with the session.
var ErrBadPatch = errors.New("bad patch")

// instrLen is the encoded size of one instruction: op u8, old_off u32,
// new_off u32, length u32.
const instrLen = 13

// ParseProgram decodes a patch stream: a big-endian instruction count,
// the instructions, then the raw diff bytes consumed by insert instructions.
func ParseProgram(buf []byte) ([]Instruction, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("%w: short stream (%d bytes)", ErrBadPatch, len(buf))
	}
	n := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n)*instrLen {
		return nil, nil, fmt.Errorf("%w: stream truncated after %d of %d instructions", ErrBadPatch, len(buf)/instrLen, n)
	}
	prog := make([]Instruction, 0, n)
	for i := uint32(0); i < n; i++ {
		in := Instruction{
			Op:     PatchOp(buf[0]),
			OldOff: binary.BigEndian.Uint32(buf[1:]),
			NewOff: binary.BigEndian.Uint32(buf[5:]),
			Len:    binary.BigEndian.Uint32(buf[9:]),
		}
		if in.Op > PatchZero {
			return nil, nil, fmt.Errorf("%w: unknown opcode %d", ErrBadPatch, buf[0])
		}
		prog = append(prog, in)
		buf = buf[instrLen:]
	}
	return prog, buf, nil
}

// applyPatch reconstructs the new image in the target bank from the old
// bank's contents plus the diff stream. Every write is verified by
// read-back compare. All new-bank writes must fall within [0, newSize).
func applyPatch(flash storage.Flash, old, target storage.Bank, prog []Instruction, diff []byte, newSize uint32) error {
	writeVerified := func(off uint32, p []byte) error {
		if err := flash.Write(target, off, p); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageWriteFailed, err)
		}
		got, err := flash.Read(target, off, uint32(len(p)))
		if err != nil {
			return fmt.Errorf("%w: read-back: %v", ErrStorageWriteFailed, err)
		}
		if !bytes.Equal(got, p) {
			return ErrWriteVerifyFailed
		}
		return nil
	}

	for i, in := range prog {
		if uint64(in.NewOff)+uint64(in.Len) > uint64(newSize) {
			return fmt.Errorf("%w: instruction %d (%v) writes [%d, %d) beyond image size %d", ErrBadPatch, i, in.Op, in.NewOff, uint64(in.NewOff)+uint64(in.Len), newSize)
		}
		switch in.Op {
		case PatchCopy:
			if uint64(in.OldOff)+uint64(in.Len) > uint64(flash.Capacity()) {
				return fmt.Errorf("%w: instruction %d copies [%d, %d) beyond bank capacity %d", ErrBadPatch, i, in.OldOff, uint64(in.OldOff)+uint64(in.Len), flash.Capacity())
			}
			p, err := flash.Read(old, in.OldOff, in.Len)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrStorageWriteFailed, err)
			}
			if err := writeVerified(in.NewOff, p); err != nil {
				return err
			}
		case PatchInsert:
			if uint64(len(diff)) < uint64(in.Len) {
				return fmt.Errorf("%w: instruction %d needs %d diff bytes, %d left", ErrBadPatch, i, in.Len, len(diff))
			}
			if err := writeVerified(in.NewOff, diff[:in.Len]); err != nil {
				return err
			}
			diff = diff[in.Len:]
		case PatchZero:
			if err := writeVerified(in.NewOff, make([]byte, in.Len)); err != nil {
				return err
			}
		}
	}
	if len(diff) != 0 {
		return fmt.Errorf("%w: %d diff bytes left unconsumed", ErrBadPatch, len(diff))
	}
	return nil
}

// ApplyPatch reconstructs the full image in the target bank from the
// currently active image plus a patch, substituting for the streaming
// WriteChunk path. It is only legal at the start of a download, and the
// result flows through the same Finalize/PendingActivation/Testing pipeline
// as a full download.
//
// Patch application is all-or-nothing: any failure abandons the session back
// to Idle, since a partially patched bank cannot be resumed.
func (m *Manager) ApplyPatch(prog []Instruction, diff []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := Transition(m.rec.State, EventChunk); err != nil {
		return err
	}
	if m.rec.BytesWritten != 0 {
		return fmt.Errorf("%w: patch must replace the whole stream, %d bytes already written", ErrOutOfSequence, m.rec.BytesWritten)
	}

	if err := applyPatch(m.flash, m.activeBank, m.rec.TargetBank, prog, diff, m.rec.TotalSize); err != nil {
		klog.Warningf("abandoning update, patch failed: %v", err)
		counterSessionsAbandoned.Inc()
		if rerr := m.reset(); rerr != nil {
			return rerr
		}
		return err
	}

	m.rec.BytesWritten = m.rec.TotalSize
	return m.persist()
}
