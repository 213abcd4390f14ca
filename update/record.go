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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/edgefw/fuota-manager/storage"
)

// recordMagic marks a persisted session record.
const recordMagic = 0xF005BA11

// RecordLen is the fixed encoded size of a session Record.
//
// Layout (big-endian):
//
//	magic         u32
//	state         u8
//	bytes_written u32
//	total_size    u32
//	target_bank   u8
//	retry_count   u32
//	boot_attempts u32
const RecordLen = 4 + 1 + 4 + 4 + 1 + 4 + 4

// ErrBadRecord is returned when a persisted session record cannot be decoded.
var ErrBadRecord = errors.New("bad session record")

// Record is the durable context of an update session. It is the single
// source of truth consulted on every boot: the session persists it before
// any action that depends on it becomes irreversible.
type Record struct {
	State        State
	BytesWritten uint32
	TotalSize    uint32
	TargetBank   storage.Bank
	RetryCount   uint32
	BootAttempts uint32
}

// Encode serializes the record into its fixed layout.
func (r Record) Encode() []byte {
	buf := make([]byte, RecordLen)
	binary.BigEndian.PutUint32(buf[0:], recordMagic)
	buf[4] = byte(r.State)
	binary.BigEndian.PutUint32(buf[5:], r.BytesWritten)
	binary.BigEndian.PutUint32(buf[9:], r.TotalSize)
	buf[13] = byte(r.TargetBank)
	binary.BigEndian.PutUint32(buf[14:], r.RetryCount)
	binary.BigEndian.PutUint32(buf[18:], r.BootAttempts)
	return buf
}

// DecodeRecord parses a persisted session record.
func DecodeRecord(buf []byte) (Record, error) {
	if len(buf) < RecordLen {
		return Record{}, fmt.Errorf("%w: %d bytes, want %d", ErrBadRecord, len(buf), RecordLen)
	}
	if m := binary.BigEndian.Uint32(buf[0:]); m != recordMagic {
		return Record{}, fmt.Errorf("%w: magic 0x%08x", ErrBadRecord, m)
	}
	r := Record{
		State:        State(buf[4]),
		BytesWritten: binary.BigEndian.Uint32(buf[5:]),
		TotalSize:    binary.BigEndian.Uint32(buf[9:]),
		TargetBank:   storage.Bank(buf[13]),
		RetryCount:   binary.BigEndian.Uint32(buf[14:]),
		BootAttempts: binary.BigEndian.Uint32(buf[18:]),
	}
	if !r.State.Valid() {
		return Record{}, fmt.Errorf("%w: state %d", ErrBadRecord, buf[4])
	}
	if !r.TargetBank.Valid() {
		return Record{}, fmt.Errorf("%w: bank %d", ErrBadRecord, buf[13])
	}
	return r, nil
}

// bankMagic marks a persisted active-bank record. The active bank is
// persisted separately from session state.
const bankMagic = 0xACB0

// EncodeActiveBank serializes an active-bank record.
func EncodeActiveBank(b storage.Bank) []byte {
	return []byte{byte(bankMagic >> 8), byte(bankMagic & 0xFF), byte(b)}
}

// DecodeActiveBank parses an active-bank record.
func DecodeActiveBank(buf []byte) (storage.Bank, error) {
	if len(buf) < 3 {
		return 0, fmt.Errorf("%w: %d bytes, want 3", ErrBadRecord, len(buf))
	}
	if m := uint16(buf[0])<<8 | uint16(buf[1]); m != bankMagic {
		return 0, fmt.Errorf("%w: bank magic 0x%04x", ErrBadRecord, m)
	}
	b := storage.Bank(buf[2])
	if !b.Valid() {
		return 0, fmt.Errorf("%w: bank %d", ErrBadRecord, buf[2])
	}
	return b, nil
}
