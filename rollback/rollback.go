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

// Package rollback maintains the anti-rollback version floor: a monotonically
// non-decreasing counter below which no firmware version is ever accepted.
//
// The counter is kept in a reserved storage region that must be at least as
// tamper-resistant as the bootloader itself. Records are authenticated with
// HMAC-SHA256 under a key derived from a device-unique secret, and written to
// two alternating cells so that the update of the counter is itself atomic
// under power loss: a torn write invalidates one cell while the other still
// holds the previous value.
package rollback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"
	"k8s.io/klog/v2"

	"github.com/edgefw/fuota-manager/settings"
)

const (
	recordMagic = 0x524F4C42 // "ROLB"
	recordLen   = 12 + sha256.Size

	// numCells is the number of alternating record cells, one block each.
	numCells = 2

	// iter is the PBKDF2 iteration count for MAC key derivation.
	iter = 4096
)

// ErrCounterRegression is returned by Raise when asked to lower the floor.
var ErrCounterRegression = errors.New("rollback counter may never decrease")

// Store provides authenticated access to the anti-rollback counter.
type Store struct {
	sync.Mutex

	dev   settings.BlockReaderWriter
	start uint
	key   []byte

	// loaded caches the highest authenticated record found on storage.
	loaded  bool
	seq     uint32
	counter uint32
	cellIdx uint
}

// NewStore returns a counter store over blocks [start, start+2) of dev.
// The MAC key is derived from the device-unique secret and salt.
func NewStore(dev settings.BlockReaderWriter, start uint, secret, salt []byte) (*Store, error) {
	if dev.BlockSize() < recordLen {
		return nil, fmt.Errorf("block size %d too small for counter record (%d bytes)", dev.BlockSize(), recordLen)
	}
	s := &Store{
		dev:   dev,
		start: start,
		key:   pbkdf2.Key(secret, salt, iter, sha256.Size, sha256.New),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	buf := make([]byte, s.dev.BlockSize())
	for i := uint(0); i < numCells; i++ {
		if err := s.dev.ReadBlocks(s.start+i, buf); err != nil {
			return fmt.Errorf("failed to read counter cell %d: %v", i, err)
		}
		seq, counter, err := s.parseRecord(buf[:recordLen])
		if err != nil {
			klog.V(2).Infof("rollback counter cell %d: %v", i, err)
			continue
		}
		if !s.loaded || seq > s.seq {
			s.loaded = true
			s.seq = seq
			s.counter = counter
			s.cellIdx = i
		}
	}
	if !s.loaded {
		klog.Warning("no valid rollback counter record, assuming floor 0")
	}
	return nil
}

// Floor returns the lowest version number the device will accept. A store
// that has never been programmed reports zero.
func (s *Store) Floor() (uint32, error) {
	s.Lock()
	defer s.Unlock()
	if !s.loaded {
		return 0, nil
	}
	return s.counter, nil
}

// Raise updates the floor to version. Raising to the current floor is a
// no-op; lowering it is rejected with ErrCounterRegression.
//
// Raise is only called after a successful, confirmed boot of a new image.
func (s *Store) Raise(version uint32) error {
	s.Lock()
	defer s.Unlock()

	if s.loaded {
		switch {
		case version < s.counter:
			return fmt.Errorf("%w: floor 0x%06x, got 0x%06x", ErrCounterRegression, s.counter, version)
		case version == s.counter:
			return nil
		}
	}

	idx := uint(0)
	if s.loaded {
		idx = (s.cellIdx + 1) % numCells
	}
	seq := s.seq + 1

	if _, err := s.dev.WriteBlocks(s.start+idx, s.marshalRecord(seq, version)); err != nil {
		return fmt.Errorf("failed to write counter cell %d: %v", idx, err)
	}

	// Read-back before trusting the new floor.
	buf := make([]byte, s.dev.BlockSize())
	if err := s.dev.ReadBlocks(s.start+idx, buf); err != nil {
		return fmt.Errorf("failed to read back counter cell %d: %v", idx, err)
	}
	gotSeq, gotCounter, err := s.parseRecord(buf[:recordLen])
	if err != nil || gotSeq != seq || gotCounter != version {
		return fmt.Errorf("counter cell %d failed read-back (%v)", idx, err)
	}

	s.loaded = true
	s.seq = seq
	s.counter = version
	s.cellIdx = idx

	klog.Infof("rollback floor raised to 0x%06x", version)
	return nil
}

// marshalRecord encodes {magic, seq, counter} followed by an HMAC-SHA256 tag.
func (s *Store) marshalRecord(seq, counter uint32) []byte {
	buf := make([]byte, recordLen)
	binary.BigEndian.PutUint32(buf[0:], recordMagic)
	binary.BigEndian.PutUint32(buf[4:], seq)
	binary.BigEndian.PutUint32(buf[8:], counter)
	mac := hmac.New(sha256.New, s.key)
	mac.Write(buf[:12])
	copy(buf[12:], mac.Sum(nil))
	return buf
}

func (s *Store) parseRecord(buf []byte) (seq, counter uint32, err error) {
	if m := binary.BigEndian.Uint32(buf[0:]); m != recordMagic {
		return 0, 0, fmt.Errorf("bad record magic 0x%08x", m)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(buf[:12])
	if !hmac.Equal(mac.Sum(nil), buf[12:recordLen]) {
		return 0, 0, errors.New("record authentication failed")
	}
	return binary.BigEndian.Uint32(buf[4:]), binary.BigEndian.Uint32(buf[8:]), nil
}
