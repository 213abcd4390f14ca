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

// Package update implements the firmware update session: a durable state
// machine that fills the inactive bank chunk by chunk, verifies the result,
// and hands over to the boot-time activation controller.
//
// The session persists its record before any action that depends on it
// becomes irreversible (the target bank is erased only after Downloading is
// durably recorded, and Finalize returns only after PendingActivation is).
// After any abrupt reset, re-reading the record identifies a valid resumption
// point.
package update

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/edgefw/fuota-manager/image"
	"github.com/edgefw/fuota-manager/rollback"
	"github.com/edgefw/fuota-manager/settings"
	"github.com/edgefw/fuota-manager/storage"
)

const (
	// maxWriteRetries is the number of consecutive failed chunk writes
	// tolerated before the session is abandoned back to Idle.
	maxWriteRetries = 3

	// persistEvery is the download progress persistence cadence in bytes,
	// balancing durability against settings-area wear.
	persistEvery = 64 * 1024
)

// Settings partition slot assignments, shared with the boot controller.
const (
	// SlotSession holds the update session Record.
	SlotSession = 0
	// SlotActiveBank holds the active-bank record, separate from session
	// state.
	SlotActiveBank = 1
)

var (
	// ErrStorageWriteFailed: the flash driver reported an error.
	ErrStorageWriteFailed = errors.New("storage write failed")
	// ErrWriteVerifyFailed: a chunk's read-back compare did not match.
	ErrWriteVerifyFailed = errors.New("write verify failed")
	// ErrOutOfSequence: a chunk offset does not continue the download.
	// Writing is strictly forward and sequential.
	ErrOutOfSequence = errors.New("write out of sequence")
	// ErrIncompleteImage: finalize called before the full payload arrived.
	ErrIncompleteImage = errors.New("incomplete image")
	// ErrSignatureInvalid: the payload failed integrity verification.
	ErrSignatureInvalid = errors.New("image verification failed")
)

// Config carries the collaborators and device identity for a Manager.
type Config struct {
	Flash    storage.Flash
	Settings *settings.Partition
	Counter  *rollback.Store
	Verifier Verifier

	// HWRev is the device's hardware revision.
	HWRev uint32
	// CurrentVersion is the semantic version of the firmware this Manager
	// is running inside of.
	CurrentVersion semver.Version
}

// Manager owns the device-wide update session. At most one session exists;
// start requests while a session is live are rejected, never queued.
//
// The Manager is the only writer of the session record while the application
// runs; the boot controller touches it only during the boot-time window,
// before the application starts.
type Manager struct {
	mu sync.Mutex

	flash    storage.Flash
	session  *settings.Slot
	active   *settings.Slot
	counter  *rollback.Store
	verifier Verifier

	hwRev   uint32
	current semver.Version

	activeBank storage.Bank
	rec        Record

	// lastPersist is the BytesWritten value most recently made durable.
	lastPersist uint32
}

// NewManager loads the persisted session state and returns a Manager ready
// to serve the transport layer.
func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.Flash == nil:
		return nil, errors.New("missing Flash")
	case cfg.Settings == nil:
		return nil, errors.New("missing Settings")
	case cfg.Counter == nil:
		return nil, errors.New("missing Counter")
	case cfg.Verifier == nil:
		return nil, errors.New("missing Verifier")
	}

	m := &Manager{
		flash:    cfg.Flash,
		counter:  cfg.Counter,
		verifier: cfg.Verifier,
		hwRev:    cfg.HWRev,
		current:  cfg.CurrentVersion,
	}

	var err error
	if m.session, err = cfg.Settings.Open(SlotSession); err != nil {
		return nil, err
	}
	if m.active, err = cfg.Settings.Open(SlotActiveBank); err != nil {
		return nil, err
	}

	if err := m.loadState(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadState() error {
	buf, _, err := m.active.Read()
	if err != nil {
		return err
	}
	if buf == nil {
		// Factory state: bank A is active by convention.
		m.activeBank = storage.BankA
		if err := m.active.Write(EncodeActiveBank(m.activeBank)); err != nil {
			return fmt.Errorf("failed to record default active bank: %v", err)
		}
	} else if m.activeBank, err = DecodeActiveBank(buf); err != nil {
		return err
	}

	buf, _, err = m.session.Read()
	if err != nil {
		return err
	}
	if buf == nil {
		m.rec = Record{}
		return nil
	}
	rec, err := DecodeRecord(buf)
	if err != nil {
		return err
	}

	switch rec.State {
	case Verifying:
		// A crash mid-verify cannot be trusted to have completed;
		// the image is discarded and must be re-sent.
		klog.Warning("session interrupted during verification, discarding download")
		rec = Record{}
	case Complete, RollingBack:
		// Transient states, normally collapsed before a reboot.
		rec = Record{}
	}
	switch rec.State {
	case Downloading, PendingActivation:
		// Before activation the target must be the non-active bank; a
		// record contradicting that cannot be resumed. In Testing the
		// two coincide, since the boot controller has already flipped.
		if rec.TargetBank == m.activeBank {
			klog.Errorf("session record targets active bank %s, discarding", m.activeBank)
			rec = Record{}
		}
	}

	m.rec = rec
	m.lastPersist = rec.BytesWritten
	if rec.State != Idle {
		if err := m.persist(); err != nil {
			return err
		}
	}
	return nil
}

// persist makes the current session record durable.
func (m *Manager) persist() error {
	if err := m.session.Write(m.rec.Encode()); err != nil {
		return fmt.Errorf("failed to persist session record: %v", err)
	}
	m.lastPersist = m.rec.BytesWritten
	return nil
}

// reset durably collapses the session back to Idle.
func (m *Manager) reset() error {
	m.rec = Record{}
	return m.persist()
}

// State returns the session's current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.State
}

// Session returns a copy of the persisted session record.
func (m *Manager) Session() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec
}

// ActiveBank returns the bank the device is currently executing from.
func (m *Manager) ActiveBank() storage.Bank {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeBank
}

// Start begins an update session for the image described by hdr.
//
// The image is checked against the acceptance policy before any flash is
// touched; a rejection leaves the device exactly as it was. On acceptance
// the target bank is derived as the non-active bank, the Downloading record
// is made durable, and only then is the target erased.
func (m *Manager) Start(hdr *image.Header) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rec.State != Idle {
		counterUpdatesRejected.WithLabelValues(image.RejectUpdateInProgress.String()).Inc()
		return image.RejectUpdateInProgress
	}

	floor, err := m.counter.Floor()
	if err != nil {
		return fmt.Errorf("failed to read rollback floor: %v", err)
	}
	if err := image.Accept(hdr, m.current, floor, m.hwRev, m.flash.Capacity()); err != nil {
		var reason image.RejectReason
		if errors.As(err, &reason) {
			counterUpdatesRejected.WithLabelValues(reason.String()).Inc()
		}
		klog.Infof("rejecting image %s: %v", hdr.SemVer(), err)
		return err
	}

	target := m.activeBank.Other()
	m.rec = Record{
		State:      Downloading,
		TotalSize:  hdr.Size,
		TargetBank: target,
	}
	if err := m.persist(); err != nil {
		return err
	}
	if err := m.flash.Erase(target); err != nil {
		if rerr := m.reset(); rerr != nil {
			return rerr
		}
		return fmt.Errorf("%w: erase bank %s: %v", ErrStorageWriteFailed, target, err)
	}

	klog.Infof("update to %s (%d bytes) started, target bank %s", hdr.SemVer(), hdr.Size, target)
	counterUpdatesStarted.Inc()
	return nil
}

// WriteChunk appends p to the download at the given byte offset.
//
// Offsets must exactly continue the download: off must equal the number of
// bytes already written. There is no seeking and no overwrite of
// already-written regions. Every write is verified by read-back compare;
// a mismatch leaves the session in Downloading for the caller to retry,
// up to maxWriteRetries consecutive failures.
func (m *Manager) WriteChunk(off uint32, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := Transition(m.rec.State, EventChunk); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	if off != m.rec.BytesWritten {
		return fmt.Errorf("%w: offset %d, expected %d", ErrOutOfSequence, off, m.rec.BytesWritten)
	}
	if uint64(off)+uint64(len(p)) > uint64(m.rec.TotalSize) {
		return fmt.Errorf("%w: chunk [%d, %d) overruns declared size %d", ErrOutOfSequence, off, uint64(off)+uint64(len(p)), m.rec.TotalSize)
	}

	if err := m.flash.Write(m.rec.TargetBank, off, p); err != nil {
		return m.chunkFailed(fmt.Errorf("%w: %v", ErrStorageWriteFailed, err))
	}
	got, err := m.flash.Read(m.rec.TargetBank, off, uint32(len(p)))
	if err != nil {
		return m.chunkFailed(fmt.Errorf("%w: read-back: %v", ErrStorageWriteFailed, err))
	}
	if !bytes.Equal(got, p) {
		counterWriteVerifyFailures.Inc()
		return m.chunkFailed(ErrWriteVerifyFailed)
	}

	m.rec.BytesWritten += uint32(len(p))
	m.rec.RetryCount = 0
	if m.rec.BytesWritten-m.lastPersist >= persistEvery || m.rec.BytesWritten == m.rec.TotalSize {
		if err := m.persist(); err != nil {
			return err
		}
	}
	return nil
}

// chunkFailed accounts one failed write attempt against the retry ceiling.
func (m *Manager) chunkFailed(cause error) error {
	m.rec.RetryCount++
	if m.rec.RetryCount >= maxWriteRetries {
		klog.Warningf("abandoning update after %d consecutive failed writes: %v", m.rec.RetryCount, cause)
		counterSessionsAbandoned.Inc()
		if err := m.reset(); err != nil {
			return err
		}
		return fmt.Errorf("update abandoned: %w", cause)
	}
	if err := m.persist(); err != nil {
		return err
	}
	return cause
}

// Finalize verifies the completed download against hdr and commits the
// session to PendingActivation.
//
// On verification failure the session returns to Idle; the previously active
// bank is never touched, so the device remains bootable regardless. On
// success the PendingActivation record is durable before Finalize returns,
// and the device is committed to trying the new image on next boot.
func (m *Manager) Finalize(hdr *image.Header) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := Transition(m.rec.State, EventFinalize); err != nil {
		return err
	}
	if m.rec.BytesWritten != m.rec.TotalSize {
		return fmt.Errorf("%w: %d of %d bytes written", ErrIncompleteImage, m.rec.BytesWritten, m.rec.TotalSize)
	}
	if hdr.Size != m.rec.TotalSize {
		return fmt.Errorf("%w: header declares %d bytes, session downloaded %d", ErrIncompleteImage, hdr.Size, m.rec.TotalSize)
	}

	m.rec.State = Verifying
	if err := m.persist(); err != nil {
		return err
	}

	img, err := m.flash.Read(m.rec.TargetBank, 0, m.rec.TotalSize)
	if err != nil {
		if rerr := m.reset(); rerr != nil {
			return rerr
		}
		return fmt.Errorf("%w: read-back of bank %s: %v", ErrSignatureInvalid, m.rec.TargetBank, err)
	}
	if err := m.verifier.Verify(hdr, img); err != nil {
		counterFinalizeFailures.Inc()
		klog.Warningf("image %s failed verification: %v", hdr.SemVer(), err)
		if rerr := m.reset(); rerr != nil {
			return rerr
		}
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	m.rec.State, _ = Transition(Verifying, EventVerifyOK)
	if err := m.persist(); err != nil {
		return err
	}

	klog.Infof("image %s verified, pending activation in bank %s", hdr.SemVer(), m.rec.TargetBank)
	counterUpdatesPending.Inc()
	return nil
}

// Cancel abandons an in-progress download. There is no cancellation once
// PendingActivation has been durably recorded.
func (m *Manager) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := Transition(m.rec.State, EventAbandon)
	if err != nil {
		return err
	}
	klog.Infof("update cancelled in state %v", m.rec.State)
	counterSessionsAbandoned.Inc()
	m.rec.State = next
	return m.reset()
}

// ConfirmBoot commits a tested image: the application calls it after its
// self-checks pass, within its boot budget. This is the only path that
// raises the anti-rollback floor.
func (m *Manager) ConfirmBoot() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := Transition(m.rec.State, EventConfirm); err != nil {
		return err
	}

	if err := m.counter.Raise(image.VersionWord(m.current)); err != nil {
		return fmt.Errorf("failed to raise rollback floor: %v", err)
	}

	// Complete is transient; the session collapses straight to Idle.
	if err := m.reset(); err != nil {
		return err
	}

	klog.Infof("boot confirmed: running %s from bank %s", m.current, m.activeBank)
	counterUpdatesConfirmed.Inc()
	return nil
}
