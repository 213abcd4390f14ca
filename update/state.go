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
	"errors"
	"fmt"
)

// State is the durable state of an update session.
type State uint8

const (
	// Idle: no update session exists.
	Idle State = iota
	// Downloading: the target bank is being filled, chunk by chunk.
	Downloading
	// Verifying: the downloaded payload is being checked against the
	// header's digest and signature.
	Verifying
	// PendingActivation: the payload verified; the next boot will flip the
	// active bank. The device is committed to trying the new image.
	PendingActivation
	// Testing: the device booted the new image but has not confirmed it.
	Testing
	// Complete: the new image confirmed itself; transient, collapses to Idle.
	Complete
	// RollingBack: repeated boot failures; the bootloader reverts the
	// active bank and the session collapses to Idle.
	RollingBack
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Downloading:
		return "Downloading"
	case Verifying:
		return "Verifying"
	case PendingActivation:
		return "PendingActivation"
	case Testing:
		return "Testing"
	case Complete:
		return "Complete"
	case RollingBack:
		return "RollingBack"
	}
	panic(fmt.Errorf("unknown State %d", uint8(s)))
}

// Valid reports whether s is a defined state.
func (s State) Valid() bool {
	return s <= RollingBack
}

// Event drives the session state machine.
type Event uint8

const (
	// EventStart: an accepted start_update request.
	EventStart Event = iota
	// EventChunk: a write_chunk request.
	EventChunk
	// EventFinalize: a finalize request with a complete payload.
	EventFinalize
	// EventVerifyOK / EventVerifyFail: integrity verification outcome.
	EventVerifyOK
	EventVerifyFail
	// EventAbandon: caller cancellation or retry-ceiling exhaustion.
	EventAbandon
	// EventActivate: boot-time flip into the new bank.
	EventActivate
	// EventBoot: a boot observed while still unconfirmed.
	EventBoot
	// EventConfirm: the application confirmed the new image.
	EventConfirm
	// EventRollback: boot-attempt ceiling reached.
	EventRollback
	// EventRevert: the bootloader finished reverting the active bank.
	EventRevert
	// EventReset: a completed session collapses back to Idle.
	EventReset
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "Start"
	case EventChunk:
		return "Chunk"
	case EventFinalize:
		return "Finalize"
	case EventVerifyOK:
		return "VerifyOK"
	case EventVerifyFail:
		return "VerifyFail"
	case EventAbandon:
		return "Abandon"
	case EventActivate:
		return "Activate"
	case EventBoot:
		return "Boot"
	case EventConfirm:
		return "Confirm"
	case EventRollback:
		return "Rollback"
	case EventRevert:
		return "Revert"
	case EventReset:
		return "Reset"
	}
	panic(fmt.Errorf("unknown Event %d", uint8(e)))
}

// ErrNoTransition is returned for (state, event) pairs the machine does not
// model. Nothing is ever silently ignored.
var ErrNoTransition = errors.New("no such transition")

var transitions = map[State]map[Event]State{
	Idle: {
		EventStart: Downloading,
	},
	Downloading: {
		EventChunk:    Downloading,
		EventFinalize: Verifying,
		EventAbandon:  Idle,
	},
	Verifying: {
		EventVerifyOK:   PendingActivation,
		EventVerifyFail: Idle,
		EventAbandon:    Idle,
	},
	PendingActivation: {
		EventActivate: Testing,
	},
	Testing: {
		EventBoot:     Testing,
		EventConfirm:  Complete,
		EventRollback: RollingBack,
	},
	Complete: {
		EventReset: Idle,
	},
	RollingBack: {
		EventRevert: Idle,
	},
}

// Transition returns the state reached by applying e in s, or ErrNoTransition
// if the pair is not modeled.
func Transition(s State, e Event) (State, error) {
	next, ok := transitions[s][e]
	if !ok {
		return s, fmt.Errorf("%w: %v in state %v", ErrNoTransition, e, s)
	}
	return next, nil
}
