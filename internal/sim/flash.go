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

package sim

import (
	"fmt"

	"github.com/edgefw/fuota-manager/storage"
)

// ErasedByte is the value every cell of an erased bank reads back as,
// matching NOR flash semantics.
const ErasedByte = 0xFF

// MemFlash is an in-memory implementation of storage.Flash holding two
// equally sized banks.
type MemFlash struct {
	banks [2][]byte

	// OnErase and OnWrite, when set, are called before the operation is
	// applied. Tests use these to assert that the active bank is never
	// touched.
	OnErase func(bank storage.Bank)
	OnWrite func(bank storage.Bank, off uint32, p []byte)

	// CorruptWrite, when set, may return a replacement for the bytes
	// actually programmed, simulating flash that fails to take a write.
	// Returning nil stores p unmodified.
	CorruptWrite func(bank storage.Bank, off uint32, p []byte) []byte
}

// NewMemFlash returns a MemFlash with two erased banks of capacity bytes each.
func NewMemFlash(capacity uint32) *MemFlash {
	f := &MemFlash{}
	for i := range f.banks {
		f.banks[i] = make([]byte, capacity)
	}
	f.mustErase(storage.BankA)
	f.mustErase(storage.BankB)
	return f
}

func (f *MemFlash) mustErase(bank storage.Bank) {
	for i := range f.banks[bank] {
		f.banks[bank][i] = ErasedByte
	}
}

// Capacity returns the size in bytes of each bank.
func (f *MemFlash) Capacity() uint32 {
	return uint32(len(f.banks[0]))
}

// Erase resets the full extent of the given bank to ErasedByte.
func (f *MemFlash) Erase(bank storage.Bank) error {
	if !bank.Valid() {
		return fmt.Errorf("invalid bank %d", uint8(bank))
	}
	if f.OnErase != nil {
		f.OnErase(bank)
	}
	f.mustErase(bank)
	return nil
}

// Write programs p at the given byte offset within the bank.
func (f *MemFlash) Write(bank storage.Bank, off uint32, p []byte) error {
	if !bank.Valid() {
		return fmt.Errorf("invalid bank %d", uint8(bank))
	}
	if uint64(off)+uint64(len(p)) > uint64(f.Capacity()) {
		return fmt.Errorf("write [%d, %d) beyond bank %s capacity %d", off, off+uint32(len(p)), bank, f.Capacity())
	}
	if f.OnWrite != nil {
		f.OnWrite(bank, off, p)
	}
	if f.CorruptWrite != nil {
		if c := f.CorruptWrite(bank, off, p); c != nil {
			p = c
		}
	}
	copy(f.banks[bank][off:], p)
	return nil
}

// Read returns a copy of n bytes starting at the given byte offset within the
// bank.
func (f *MemFlash) Read(bank storage.Bank, off uint32, n uint32) ([]byte, error) {
	if !bank.Valid() {
		return nil, fmt.Errorf("invalid bank %d", uint8(bank))
	}
	if uint64(off)+uint64(n) > uint64(f.Capacity()) {
		return nil, fmt.Errorf("read [%d, %d) beyond bank %s capacity %d", off, off+n, bank, f.Capacity())
	}
	out := make([]byte, n)
	copy(out, f.banks[bank][off:off+n])
	return out, nil
}
