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

// Package boot implements the activation and rollback controller, run once
// and early at boot, strictly before any concurrent subsystem starts.
//
// The controller consults the persisted session record to decide which bank
// to execute from: it flips to a pending image, counts boots of an
// unconfirmed image, and reverts to the previous bank once the attempt
// ceiling is reached. Recovery requires no cooperation from the new firmware
// at all: a crash before ConfirmBoot simply leaves the session in Testing
// for the next boot to count.
package boot

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/klog/v2"

	"github.com/edgefw/fuota-manager/settings"
	"github.com/edgefw/fuota-manager/storage"
	"github.com/edgefw/fuota-manager/update"
)

// MaxBootAttempts is the number of boots an unconfirmed image is given
// before the controller reverts to the previous bank.
const MaxBootAttempts = 3

var (
	counterBootsTesting = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuota_boots_testing_total",
		Help: "Number of boots into an unconfirmed image.",
	})
	counterRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuota_rollbacks_total",
		Help: "Number of automatic reverts to the previous bank.",
	})
)

// Controller decides, at boot, which bank to execute from.
type Controller struct {
	session *settings.Slot
	active  *settings.Slot
}

// NewController opens the settings slots shared with the update Manager.
func NewController(part *settings.Partition) (*Controller, error) {
	if part == nil {
		return nil, errors.New("missing Settings")
	}
	c := &Controller{}
	var err error
	if c.session, err = part.Open(update.SlotSession); err != nil {
		return nil, err
	}
	if c.active, err = part.Open(update.SlotActiveBank); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) loadActive() (storage.Bank, error) {
	buf, _, err := c.active.Read()
	if err != nil {
		return 0, err
	}
	if buf == nil {
		return storage.BankA, nil
	}
	return update.DecodeActiveBank(buf)
}

func (c *Controller) setActive(b storage.Bank) error {
	if err := c.active.Write(update.EncodeActiveBank(b)); err != nil {
		return fmt.Errorf("failed to record active bank %s: %v", b, err)
	}
	return nil
}

func (c *Controller) persist(rec update.Record) error {
	if err := c.session.Write(rec.Encode()); err != nil {
		return fmt.Errorf("failed to persist session record: %v", err)
	}
	return nil
}

// CheckUpdate returns the bank to execute from.
//
// A PendingActivation record flips the active bank to the update target and
// enters Testing with one boot attempt counted. A Testing record counts this
// boot; at MaxBootAttempts the controller reverts the active bank and
// collapses the session to Idle. Any other record leaves the recorded active
// bank unchanged (normal boot).
//
// The session record is persisted before the active-bank record is flipped:
// a crash between the two leaves the device on the old bank in Testing,
// which converges to rollback on subsequent boots rather than ever executing
// an unverified bank.
func (c *Controller) CheckUpdate() (storage.Bank, error) {
	active, err := c.loadActive()
	if err != nil {
		return 0, err
	}

	buf, _, err := c.session.Read()
	if err != nil {
		return 0, err
	}
	if buf == nil {
		return active, nil
	}
	rec, err := update.DecodeRecord(buf)
	if err != nil {
		klog.Errorf("undecodable session record, booting bank %s: %v", active, err)
		return active, nil
	}

	switch rec.State {
	case update.PendingActivation:
		rec.State, err = update.Transition(rec.State, update.EventActivate)
		if err != nil {
			return 0, err
		}
		rec.BootAttempts = 1
		if err := c.persist(rec); err != nil {
			return 0, err
		}
		if err := c.setActive(rec.TargetBank); err != nil {
			return 0, err
		}
		klog.Infof("activating bank %s for testing", rec.TargetBank)
		counterBootsTesting.Inc()
		return rec.TargetBank, nil

	case update.Testing:
		rec.State, err = update.Transition(rec.State, update.EventBoot)
		if err != nil {
			return 0, err
		}
		rec.BootAttempts++
		if rec.BootAttempts < MaxBootAttempts {
			if err := c.persist(rec); err != nil {
				return 0, err
			}
			klog.Warningf("bank %s still unconfirmed, boot attempt %d/%d", active, rec.BootAttempts, MaxBootAttempts)
			counterBootsTesting.Inc()
			return active, nil
		}

		// Attempt ceiling reached: revert to the bank that was active
		// before the update.
		prev := rec.TargetBank.Other()
		rec.State, err = update.Transition(rec.State, update.EventRollback)
		if err != nil {
			return 0, err
		}
		if err := c.persist(rec); err != nil {
			return 0, err
		}
		if err := c.setActive(prev); err != nil {
			return 0, err
		}
		if _, err = update.Transition(rec.State, update.EventRevert); err != nil {
			return 0, err
		}
		if err := c.persist(update.Record{}); err != nil {
			return 0, err
		}
		klog.Errorf("bank %s failed %d boot attempts, reverted to bank %s", prev.Other(), MaxBootAttempts, prev)
		counterRollbacks.Inc()
		return prev, nil

	default:
		return active, nil
	}
}
