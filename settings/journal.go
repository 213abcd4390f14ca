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

package settings

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"k8s.io/klog/v2"
)

// cellMagic marks an initialized journal cell.
const cellMagic = 0xF005BA11

// cellHeaderLen is magic + revision + length, cellCRCLen the trailing CRC-32.
const (
	cellHeaderLen = 12
	cellCRCLen    = 4
)

// cell is one self-contained write of record data into a single block.
//
// Layout (big-endian):
//
//	magic    u32
//	revision u32
//	length   u32
//	data     [length]u8
//	crc32    u32 (IEEE, over magic..data)
type cell struct {
	Revision uint32
	Data     []byte
}

// Journal stores a single mutable record as a rotating sequence of cells,
// one per block, within [start, start+length) of the underlying device.
type Journal struct {
	dev           BlockReaderWriter
	start, length uint

	// current is the highest-revision valid cell found on storage, or the
	// zero cell if the journal is empty.
	current cell

	// next is the block index within the slot that the next Update writes to.
	next uint
}

// MaxDataLen returns the largest record the journal can store per cell.
func (j *Journal) MaxDataLen() uint {
	return j.dev.BlockSize() - cellHeaderLen - cellCRCLen
}

// OpenJournal scans the given block range and returns a Journal positioned
// on the most recent valid cell.
func OpenJournal(dev BlockReaderWriter, start, length uint) (*Journal, error) {
	if length == 0 {
		return nil, fmt.Errorf("journal at block %d has zero length", start)
	}
	j := &Journal{
		dev:    dev,
		start:  start,
		length: length,
	}

	buf := make([]byte, dev.BlockSize())
	found := false
	for i := uint(0); i < length; i++ {
		if err := dev.ReadBlocks(start+i, buf); err != nil {
			return nil, fmt.Errorf("failed to read journal block %d: %v", start+i, err)
		}
		c, err := parseCell(buf)
		if err != nil {
			// Unprogrammed or torn cell; skip it.
			klog.V(2).Infof("journal block %d: %v", start+i, err)
			continue
		}
		if !found || c.Revision > j.current.Revision {
			j.current = c
			j.next = (i + 1) % length
			found = true
		}
	}
	return j, nil
}

// Update durably replaces the journal's record with p.
//
// The new cell is written to the next block in rotation and read back before
// the journal's in-memory state advances, so a failed or torn write leaves
// the previous revision intact.
func (j *Journal) Update(p []byte) error {
	if uint(len(p)) > j.MaxDataLen() {
		return fmt.Errorf("record of %d bytes exceeds cell capacity %d", len(p), j.MaxDataLen())
	}

	c := cell{
		Revision: j.current.Revision + 1,
		Data:     append([]byte{}, p...),
	}
	lba := j.start + j.next

	if _, err := j.dev.WriteBlocks(lba, marshalCell(c)); err != nil {
		return fmt.Errorf("failed to write journal block %d: %v", lba, err)
	}

	// Read-back: the cell must parse and match before we trust it.
	buf := make([]byte, j.dev.BlockSize())
	if err := j.dev.ReadBlocks(lba, buf); err != nil {
		return fmt.Errorf("failed to read back journal block %d: %v", lba, err)
	}
	got, err := parseCell(buf)
	if err != nil {
		return fmt.Errorf("journal block %d failed read-back: %v", lba, err)
	}
	if got.Revision != c.Revision || !bytes.Equal(got.Data, c.Data) {
		return fmt.Errorf("journal block %d read-back mismatch", lba)
	}

	j.current = c
	j.next = (j.next + 1) % j.length
	return nil
}

func marshalCell(c cell) []byte {
	buf := make([]byte, cellHeaderLen+len(c.Data)+cellCRCLen)
	binary.BigEndian.PutUint32(buf[0:], cellMagic)
	binary.BigEndian.PutUint32(buf[4:], c.Revision)
	binary.BigEndian.PutUint32(buf[8:], uint32(len(c.Data)))
	copy(buf[cellHeaderLen:], c.Data)
	crc := crc32.ChecksumIEEE(buf[:cellHeaderLen+len(c.Data)])
	binary.BigEndian.PutUint32(buf[cellHeaderLen+len(c.Data):], crc)
	return buf
}

func parseCell(buf []byte) (cell, error) {
	if len(buf) < cellHeaderLen+cellCRCLen {
		return cell{}, fmt.Errorf("short cell (%d bytes)", len(buf))
	}
	if m := binary.BigEndian.Uint32(buf[0:]); m != cellMagic {
		return cell{}, fmt.Errorf("bad cell magic 0x%08x", m)
	}
	l := binary.BigEndian.Uint32(buf[8:])
	if uint32(len(buf)) < cellHeaderLen+l+cellCRCLen {
		return cell{}, fmt.Errorf("cell length %d exceeds block", l)
	}
	want := binary.BigEndian.Uint32(buf[cellHeaderLen+l:])
	if got := crc32.ChecksumIEEE(buf[:cellHeaderLen+l]); got != want {
		return cell{}, fmt.Errorf("cell CRC mismatch (got 0x%08x, want 0x%08x)", got, want)
	}
	c := cell{
		Revision: binary.BigEndian.Uint32(buf[4:]),
		Data:     append([]byte{}, buf[cellHeaderLen:cellHeaderLen+l]...),
	}
	return c, nil
}
