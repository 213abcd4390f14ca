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

package boot

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"

	"github.com/edgefw/fuota-manager/image"
	"github.com/edgefw/fuota-manager/internal/sim"
	"github.com/edgefw/fuota-manager/rollback"
	"github.com/edgefw/fuota-manager/settings"
	"github.com/edgefw/fuota-manager/storage"
	"github.com/edgefw/fuota-manager/update"
)

const (
	testCapacity = 4096
	testHWRev    = 2
)

// device is a full simulated device: both firmware banks, the settings
// partition shared by bootloader and application, and the rollback counter.
type device struct {
	t *testing.T

	flash   *sim.MemFlash
	part    *settings.Partition
	counter *rollback.Store

	skey string
	vkey string
}

func newDevice(t *testing.T) *device {
	t.Helper()
	d := &device{
		t:     t,
		flash: sim.NewMemFlash(testCapacity),
	}
	var err error
	if d.part, err = settings.OpenPartition(sim.NewMemDev(12), settings.Geometry{
		Length:      12,
		SlotLengths: []uint{8, 4},
	}); err != nil {
		t.Fatalf("Failed to open settings partition: %v", err)
	}
	if d.counter, err = rollback.NewStore(sim.NewMemDev(2), 0, []byte("secret"), []byte("salt")); err != nil {
		t.Fatalf("Failed to open rollback store: %v", err)
	}
	if d.skey, d.vkey, err = note.GenerateKey(rand.Reader, "boot-test"); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return d
}

// reboot models a power cycle: a fresh bootloader-side controller runs its
// boot-time check and returns the bank it would execute.
func (d *device) reboot() storage.Bank {
	d.t.Helper()
	ctl, err := NewController(d.part)
	if err != nil {
		d.t.Fatalf("Failed to create controller: %v", err)
	}
	bank, err := ctl.CheckUpdate()
	if err != nil {
		d.t.Fatalf("CheckUpdate: %v", err)
	}
	return bank
}

// app models the application firmware starting up at the given version.
func (d *device) app(running semver.Version) *update.Manager {
	d.t.Helper()
	v, err := update.NewManifestVerifier(d.vkey)
	if err != nil {
		d.t.Fatalf("Failed to create verifier: %v", err)
	}
	m, err := update.NewManager(update.Config{
		Flash:          d.flash,
		Settings:       d.part,
		Counter:        d.counter,
		Verifier:       v,
		HWRev:          testHWRev,
		CurrentVersion: running,
	})
	if err != nil {
		d.t.Fatalf("Failed to create manager: %v", err)
	}
	return m
}

// signedImage builds a payload and header for the given version, with the
// manifest signed under the device's trusted key.
func (d *device) signedImage(major, minor uint32, size int) (*image.Header, []byte) {
	d.t.Helper()
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		d.t.Fatalf("Failed to generate payload: %v", err)
	}
	digest := sha256.Sum256(payload)

	hdr := &image.Header{
		Magic:    image.Magic,
		Major:    major,
		Minor:    minor,
		HWRevMin: 1,
		HWRevMax: 3,
		Size:     uint32(size),
		Digest:   digest,
	}
	manifest, err := update.SignRelease(update.Release{
		Version: hdr.SemVer().String(),
		Size:    hdr.Size,
		SHA256:  hex.EncodeToString(digest[:]),
	}, d.skey)
	if err != nil {
		d.t.Fatalf("Failed to sign release: %v", err)
	}
	hdr.Manifest = manifest
	return hdr, payload
}

// install drives a full accepted download through Finalize.
func (d *device) install(m *update.Manager, hdr *image.Header, payload []byte) {
	d.t.Helper()
	if err := m.Start(hdr); err != nil {
		d.t.Fatalf("Start: %v", err)
	}
	for off := 0; off < len(payload); off += 256 {
		if err := m.WriteChunk(uint32(off), payload[off:off+256]); err != nil {
			d.t.Fatalf("WriteChunk(%d): %v", off, err)
		}
	}
	if err := m.Finalize(hdr); err != nil {
		d.t.Fatalf("Finalize: %v", err)
	}
}

func TestNormalBoot(t *testing.T) {
	d := newDevice(t)
	if got := d.reboot(); got != storage.BankA {
		t.Fatalf("Got bank %s, want A", got)
	}
	// Booting again without any session changes nothing.
	if got := d.reboot(); got != storage.BankA {
		t.Fatalf("Got bank %s, want A", got)
	}
}

// TestUpdateLifecycle walks the full happy path: a device on 1.0.0 in bank A
// with a floor of 0x010000 takes a 1.1.0 image into bank B, confirms it, and
// is then protected against reinstalling 1.0.0.
func TestUpdateLifecycle(t *testing.T) {
	d := newDevice(t)
	if err := d.counter.Raise(0x010000); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	v100 := semver.Version{Major: 1}
	v110 := semver.Version{Major: 1, Minor: 1}

	if got := d.reboot(); got != storage.BankA {
		t.Fatalf("Got bank %s, want A", got)
	}

	app := d.app(v100)
	hdr, payload := d.signedImage(1, 1, 1024)
	d.install(app, hdr, payload)
	if got := app.State(); got != update.PendingActivation {
		t.Fatalf("Got state %v, want PendingActivation", got)
	}

	// Reboot: the controller flips to bank B for testing.
	if got := d.reboot(); got != storage.BankB {
		t.Fatalf("Got bank %s, want B", got)
	}

	// The new image comes up, self-checks, and confirms.
	app = d.app(v110)
	if got := app.State(); got != update.Testing {
		t.Fatalf("Got state %v, want Testing", got)
	}
	if err := app.ConfirmBoot(); err != nil {
		t.Fatalf("ConfirmBoot: %v", err)
	}

	floor, err := d.counter.Floor()
	if err != nil {
		t.Fatalf("Floor: %v", err)
	}
	if want := uint32(0x010100); floor != want {
		t.Fatalf("Got floor 0x%06x, want 0x%06x", floor, want)
	}

	// The old version is now below the floor and must be refused.
	oldHdr, _ := d.signedImage(1, 0, 1024)
	if err := app.Start(oldHdr); !errors.Is(err, image.RejectRollbackBlocked) {
		t.Fatalf("Start(1.0.0): %v, want RejectRollbackBlocked", err)
	}

	// Subsequent boots are normal boots from bank B.
	if got := d.reboot(); got != storage.BankB {
		t.Fatalf("Got bank %s, want B", got)
	}
}

// TestRollbackAfterFailedBoots checks recovery liveness: an image that never
// confirms is given MaxBootAttempts boots and then reverted, with no
// cooperation from the new firmware.
func TestRollbackAfterFailedBoots(t *testing.T) {
	d := newDevice(t)
	app := d.app(semver.Version{Major: 1})
	hdr, payload := d.signedImage(1, 1, 1024)
	d.install(app, hdr, payload)

	// First boot flips to B; the image crashes before confirming, so each
	// subsequent reboot just counts another attempt.
	if got := d.reboot(); got != storage.BankB {
		t.Fatalf("Got bank %s, want B", got)
	}
	for i := 1; i < MaxBootAttempts-1; i++ {
		if got := d.reboot(); got != storage.BankB {
			t.Fatalf("Reboot %d: got bank %s, want B", i, got)
		}
	}

	// The attempt ceiling is reached: the controller reverts to A.
	if got := d.reboot(); got != storage.BankA {
		t.Fatalf("Got bank %s, want A", got)
	}

	// The device is back to a clean Idle on the old image; the floor never
	// moved, so the same update can be retried.
	app = d.app(semver.Version{Major: 1})
	if got := app.State(); got != update.Idle {
		t.Fatalf("Got state %v, want Idle", got)
	}
	floor, err := d.counter.Floor()
	if err != nil {
		t.Fatalf("Floor: %v", err)
	}
	if floor != 0 {
		t.Fatalf("Got floor 0x%06x, want 0", floor)
	}
	d.install(app, hdr, payload)

	// And boots stay on A until the retried update is activated.
	if got := d.reboot(); got != storage.BankB {
		t.Fatalf("Got bank %s, want B", got)
	}
}

// TestInterruptedActivationConverges models a power loss between persisting
// the Testing record and flipping the active bank: the device keeps booting
// the old bank, and the attempt counting converges to a clean revert rather
// than ever executing an unverified bank.
func TestInterruptedActivationConverges(t *testing.T) {
	d := newDevice(t)

	slot, err := d.part.Open(update.SlotSession)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec := update.Record{State: update.Testing, TargetBank: storage.BankB, BootAttempts: 1}
	if err := slot.Write(rec.Encode()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	for i := 1; i < MaxBootAttempts; i++ {
		if got := d.reboot(); got != storage.BankA {
			t.Fatalf("Reboot %d: got bank %s, want A", i, got)
		}
	}

	// The session has collapsed; boots are normal again.
	buf, _, err := slot.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	got, err := update.DecodeRecord(buf)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if got.State != update.Idle {
		t.Fatalf("Got state %v, want Idle", got.State)
	}
	if b := d.reboot(); b != storage.BankA {
		t.Fatalf("Got bank %s, want A", b)
	}
}

func TestUndecodableRecordBootsActiveBank(t *testing.T) {
	d := newDevice(t)
	slot, err := d.part.Open(update.SlotSession)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := slot.Write([]byte("garbage")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := d.reboot(); got != storage.BankA {
		t.Fatalf("Got bank %s, want A", got)
	}
}
