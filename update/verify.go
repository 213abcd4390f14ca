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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/mod/sumdb/note"

	"github.com/edgefw/fuota-manager/image"
)

// Verifier decides whether the downloaded payload is authentic for the given
// header. It is injected into the Manager so that tests can substitute a
// fake.
type Verifier interface {
	// Verify returns nil iff img is exactly the payload the header's
	// digest and signature commit to.
	Verify(hdr *image.Header, img []byte) error
}

var (
	// ErrDigestMismatch: the payload hash does not match the header digest.
	ErrDigestMismatch = errors.New("image digest mismatch")
	// ErrManifestMismatch: the signed manifest does not commit to this
	// header/payload combination.
	ErrManifestMismatch = errors.New("manifest does not match image")
)

// Release is the manifest text signed into an image's header: a note whose
// body is this struct as JSON.
type Release struct {
	Version string `json:"version"`
	Build   uint32 `json:"build"`
	Size    uint32 `json:"size"`
	SHA256  string `json:"sha256"`
}

// ManifestVerifier verifies image payloads against a note-signed Release
// manifest carried in the header.
type ManifestVerifier struct {
	verifiers note.Verifiers
}

// NewManifestVerifier returns a verifier trusting the given public keys, each
// in note verifier key format.
func NewManifestVerifier(pubKeys ...string) (*ManifestVerifier, error) {
	var vs []note.Verifier
	for _, k := range pubKeys {
		v, err := note.NewVerifier(k)
		if err != nil {
			return nil, fmt.Errorf("invalid manifest verifier key: %v", err)
		}
		vs = append(vs, v)
	}
	if len(vs) == 0 {
		return nil, errors.New("no manifest verifier keys")
	}
	return &ManifestVerifier{verifiers: note.VerifierList(vs...)}, nil
}

// Verify checks the payload digest, opens the signed manifest, and confirms
// the manifest commits to the header's version, size and digest.
func (mv *ManifestVerifier) Verify(hdr *image.Header, img []byte) error {
	if uint32(len(img)) != hdr.Size {
		return fmt.Errorf("%w: payload is %d bytes, header declares %d", ErrDigestMismatch, len(img), hdr.Size)
	}

	digest := sha256.Sum256(img)
	if !bytes.Equal(digest[:], hdr.Digest[:]) {
		return ErrDigestMismatch
	}

	n, err := note.Open(hdr.Manifest, mv.verifiers)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %v", err)
	}

	r := Release{}
	if err := json.Unmarshal([]byte(n.Text), &r); err != nil {
		return fmt.Errorf("failed to unmarshal manifest: %v", err)
	}

	switch {
	case r.Version != hdr.SemVer().String():
		return fmt.Errorf("%w: version %q vs header %q", ErrManifestMismatch, r.Version, hdr.SemVer().String())
	case r.Size != hdr.Size:
		return fmt.Errorf("%w: size %d vs header %d", ErrManifestMismatch, r.Size, hdr.Size)
	case r.SHA256 != hex.EncodeToString(digest[:]):
		return fmt.Errorf("%w: digest %s", ErrManifestMismatch, r.SHA256)
	}

	return nil
}

// SignRelease produces the manifest blob for a release: the Release encoded
// as JSON and signed as a note with the given signer key. Used by build
// tooling and the fuotactl simulator.
func SignRelease(r Release, signerKey string) ([]byte, error) {
	s, err := note.NewSigner(signerKey)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest signer key: %v", err)
	}
	text, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return note.Sign(&note.Note{Text: string(text) + "\n"}, s)
}
