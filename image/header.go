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

// Package image defines the firmware image header and the policy deciding
// whether a candidate image may be installed.
package image

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
)

// Magic identifies a firmware image header.
const Magic = 0xBEDABB1E

// ManifestMax bounds the size of the signature/manifest blob carried by a
// header, which has a fixed on-wire size.
const ManifestMax = 1024

// HeaderLen is the fixed encoded size of a Header in bytes. The header
// precedes the firmware payload on the wire.
//
// Layout (big-endian):
//
//	magic         u32
//	version_major u32
//	version_minor u32
//	version_patch u32
//	build_number  u32
//	hw_rev_min    u32
//	hw_rev_max    u32
//	image_size    u32
//	image_digest  [32]u8 (SHA-256 of the payload)
//	manifest_len  u32
//	manifest      [ManifestMax]u8 (zero padded)
const HeaderLen = 8*4 + sha256.Size + 4 + ManifestMax

// ErrInvalidHeader is returned when a header buffer cannot be decoded.
var ErrInvalidHeader = errors.New("invalid image header")

// Header is the metadata describing a candidate firmware image. The digest
// and manifest always correspond to exactly Size bytes of image payload.
type Header struct {
	Magic uint32

	// Major, Minor, Patch are the image's semantic version, Build its
	// monotonically increasing build number.
	Major, Minor, Patch uint32
	Build               uint32

	// HWRevMin and HWRevMax bound (inclusively) the hardware revisions the
	// image is compatible with.
	HWRevMin, HWRevMax uint32

	// Size is the declared payload size in bytes.
	Size uint32

	// Digest is the SHA-256 of the payload.
	Digest [sha256.Size]byte

	// Manifest is the opaque signature blob, verified by the injected
	// Verifier rather than by this package.
	Manifest []byte
}

// SemVer returns the header's semantic version.
func (h *Header) SemVer() semver.Version {
	return semver.Version{
		Major: int64(h.Major),
		Minor: int64(h.Minor),
		Patch: int64(h.Patch),
	}
}

// VersionWord packs the semantic version into the numeric form compared
// against the anti-rollback floor: (major<<16)|(minor<<8)|patch.
func (h *Header) VersionWord() uint32 {
	return VersionWord(h.SemVer())
}

// VersionWord packs a semantic version into its anti-rollback numeric form.
func VersionWord(v semver.Version) uint32 {
	return uint32(v.Major)<<16 | uint32(v.Minor)<<8 | uint32(v.Patch)
}

// Encode serializes the header into its fixed HeaderLen layout.
func (h *Header) Encode() ([]byte, error) {
	if len(h.Manifest) > ManifestMax {
		return nil, fmt.Errorf("%w: manifest of %d bytes exceeds %d", ErrInvalidHeader, len(h.Manifest), ManifestMax)
	}
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:], h.Magic)
	binary.BigEndian.PutUint32(buf[4:], h.Major)
	binary.BigEndian.PutUint32(buf[8:], h.Minor)
	binary.BigEndian.PutUint32(buf[12:], h.Patch)
	binary.BigEndian.PutUint32(buf[16:], h.Build)
	binary.BigEndian.PutUint32(buf[20:], h.HWRevMin)
	binary.BigEndian.PutUint32(buf[24:], h.HWRevMax)
	binary.BigEndian.PutUint32(buf[28:], h.Size)
	copy(buf[32:], h.Digest[:])
	binary.BigEndian.PutUint32(buf[32+sha256.Size:], uint32(len(h.Manifest)))
	copy(buf[36+sha256.Size:], h.Manifest)
	return buf, nil
}

// DecodeHeader parses a fixed-layout header buffer. It validates structure
// only; magic and policy checks belong to Accept.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidHeader, len(buf), HeaderLen)
	}
	h := &Header{
		Magic:    binary.BigEndian.Uint32(buf[0:]),
		Major:    binary.BigEndian.Uint32(buf[4:]),
		Minor:    binary.BigEndian.Uint32(buf[8:]),
		Patch:    binary.BigEndian.Uint32(buf[12:]),
		Build:    binary.BigEndian.Uint32(buf[16:]),
		HWRevMin: binary.BigEndian.Uint32(buf[20:]),
		HWRevMax: binary.BigEndian.Uint32(buf[24:]),
		Size:     binary.BigEndian.Uint32(buf[28:]),
	}
	copy(h.Digest[:], buf[32:32+sha256.Size])
	l := binary.BigEndian.Uint32(buf[32+sha256.Size:])
	if l > ManifestMax {
		return nil, fmt.Errorf("%w: manifest length %d exceeds %d", ErrInvalidHeader, l, ManifestMax)
	}
	if l > 0 {
		h.Manifest = append([]byte{}, buf[36+sha256.Size:36+sha256.Size+l]...)
	}
	return h, nil
}
