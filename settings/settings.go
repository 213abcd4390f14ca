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

// Package settings provides durable, power-loss-atomic storage for the small
// records that drive the update state machine: the update session record and
// the active-bank selection.
//
// Each record lives in a slot, and each slot journals its record across a run
// of storage blocks: every write goes to the next block in rotation as a
// self-contained cell carrying a revision number and a CRC-32. Reading scans
// the slot and returns the highest-revision valid cell, so a write torn by
// power loss is simply ignored in favour of the previous revision. The
// rotation also spreads wear across the slot.
package settings

import (
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// BlockReaderWriter describes the device-specific read/write functionality
// needed to back a settings partition.
type BlockReaderWriter interface {
	// BlockSize returns the size in bytes of each block in the underlying storage.
	BlockSize() uint
	// ReadBlocks reads len(b) bytes into b from contiguous blocks starting at lba.
	ReadBlocks(lba uint, b []byte) error
	// WriteBlocks writes b to contiguous blocks starting at lba.
	WriteBlocks(lba uint, b []byte) (uint, error)
}

// Geometry describes the physical layout of a Partition and its slots on the
// underlying storage.
type Geometry struct {
	// Start identifies the address of first block which is part of the partition.
	Start uint
	// Length is the number of blocks covered by this partition.
	// i.e. [Start, Start+Length) is the range of blocks covered by this partition.
	Length uint
	// SlotLengths is an ordered list containing the lengths of the slot(s)
	// allocated within this partition.
	// For obvious reasons, great care must be taken if, once data has been written
	// to one or more slots, the values specified in this list at the time the data
	// was written are changed.
	SlotLengths []uint
}

// Validate checks that the geometry is self-consistent.
func (g Geometry) Validate() error {
	t := uint(0)
	for _, l := range g.SlotLengths {
		if l == 0 {
			return errors.New("invalid geometry: zero-length slot")
		}
		t += l
	}
	if t > g.Length {
		return fmt.Errorf("invalid geometry: total slot length (%d blocks) exceeds overall length (%d blocks)", t, g.Length)
	}
	return nil
}

// Partition describes the extent and layout of a single contiguous region of
// underlying block storage.
type Partition struct {
	// dev provides the device-specific read/write functionality.
	dev BlockReaderWriter

	// slots describes the layout of the slot(s) stored within this partition.
	slots []Slot
}

// OpenPartition returns a partition struct for accessing the slots described
// by the given geometry using the provided read/write methods.
func OpenPartition(rw BlockReaderWriter, geo Geometry) (*Partition, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	ret := &Partition{
		dev: rw,
	}

	b := geo.Start
	for _, l := range geo.SlotLengths {
		ret.slots = append(ret.slots, Slot{
			start:  b,
			length: l,
		})
		b += l
	}

	return ret, nil
}

// NumSlots returns the number of slots configured in this partition.
func (p *Partition) NumSlots() int {
	return len(p.slots)
}

// Open opens the specified slot, returns an error if the slot is out of bounds.
func (p *Partition) Open(slot uint) (*Slot, error) {
	if l := uint(len(p.slots)); slot >= l {
		return nil, fmt.Errorf("invalid slot %d (partition has %d slots)", slot, l)
	}
	s := &p.slots[slot]
	if err := s.Open(p.dev); err != nil {
		return nil, fmt.Errorf("failed to open slot %d: %v", slot, err)
	}
	return s, nil
}

// Erase destroys the data stored in all slots configured in this partition.
// WARNING: Data Loss!
func (p *Partition) Erase() error {
	klog.Info("Erasing settings partition")
	borked := false
	for i := range p.slots {
		if err := p.eraseSlot(i); err != nil {
			klog.Warningf("Failed to erase slot %d: %v", i, err)
			borked = true
		}
	}
	if borked {
		return errors.New("failed to erase one or more slots in partition")
	}
	return nil
}

func (p *Partition) eraseSlot(i int) error {
	p.slots[i].mu.Lock()
	defer p.slots[i].mu.Unlock()

	// Invalidate the journal since we're erasing data from underneath it.
	p.slots[i].journal = nil

	start, length := p.slots[i].start, p.slots[i].length
	b := make([]byte, length*p.dev.BlockSize())
	if _, err := p.dev.WriteBlocks(start, b); err != nil {
		return fmt.Errorf("slot %d occupying blocks [%d, %d): %v", i, start, start+length, err)
	}
	return nil
}

// Slot holds a single journaled record.
type Slot struct {
	// mu guards access to this Slot.
	mu sync.RWMutex

	// start and length define the on-storage blocks assigned to this slot:
	// [start, start+length).
	start, length uint

	// journal stores the record data; nil until Open succeeds.
	journal *Journal
}

// Open prepares the slot for use.
// This method is idempotent and will not return an error if called multiple times.
func (s *Slot) Open(dev BlockReaderWriter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.journal != nil {
		return nil
	}
	j, err := OpenJournal(dev, s.start, s.length)
	if err != nil {
		return fmt.Errorf("failed to open journal: %v", err)
	}
	s.journal = j
	return nil
}

// Read returns the last record successfully written to the slot along with
// its revision. An empty slot returns a nil record and revision zero.
func (s *Slot) Read() ([]byte, uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.journal == nil {
		return nil, 0, errors.New("slot not open")
	}
	return s.journal.current.Data, s.journal.current.Revision, nil
}

// Write durably records p as the slot's current record.
// Upon successful completion, p will be returned by future calls to Read until
// another successful Write call is made. If Write fails, future calls to Read
// return the previously written record, if any.
func (s *Slot) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("slot not open")
	}
	return s.journal.Update(p)
}
