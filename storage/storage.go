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

// Package storage defines the access model for the two firmware banks.
//
// A device carries exactly two equally sized banks; one is active (the bank
// currently executing) and the other is the target of any in-progress update.
// All bank access goes through the Flash interface so that a real NVM driver
// can be substituted without touching the update state machine.
package storage

import "fmt"

// Bank identifies one of the two firmware banks.
type Bank uint8

const (
	BankA Bank = iota
	BankB
)

func (b Bank) String() string {
	switch b {
	case BankA:
		return "A"
	case BankB:
		return "B"
	}
	panic(fmt.Errorf("unknown Bank %d", uint8(b)))
}

// Other returns the opposite bank. Update sessions derive their target bank
// from the active bank through this method, never from caller input.
func (b Bank) Other() Bank {
	if b == BankA {
		return BankB
	}
	return BankA
}

// Valid reports whether b is one of the two defined banks.
func (b Bank) Valid() bool {
	return b == BankA || b == BankB
}

// Flash provides erase/write/read access to the two firmware banks.
//
// Implementations are not assumed to self-verify writes; callers that care
// must read back and compare. No operation may touch a bank it was not asked
// to touch.
type Flash interface {
	// Erase resets the full extent of the given bank to its erased state.
	Erase(bank Bank) error
	// Write programs p at the given byte offset within the bank.
	Write(bank Bank, off uint32, p []byte) error
	// Read returns n bytes starting at the given byte offset within the bank.
	Read(bank Bank, off uint32, n uint32) ([]byte, error)
	// Capacity returns the size in bytes of each bank.
	Capacity() uint32
}
