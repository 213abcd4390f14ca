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

package image

import (
	"errors"
	"testing"

	"github.com/coreos/go-semver/semver"
)

func TestAccept(t *testing.T) {
	const (
		floor    = 0x010000
		hwRev    = 2
		capacity = 256 * 1024
	)
	current := semver.Version{Major: 1, Minor: 0, Patch: 0}

	candidate := func(mutate func(*Header)) *Header {
		h := &Header{
			Magic:    Magic,
			Major:    1,
			Minor:    1,
			HWRevMin: 1,
			HWRevMax: 3,
			Size:     64 * 1024,
		}
		if mutate != nil {
			mutate(h)
		}
		return h
	}

	for _, test := range []struct {
		name string
		hdr  *Header
		want error
	}{
		{
			name: "upgrade accepted",
			hdr:  candidate(nil),
		}, {
			name: "equal version accepted for re-flash",
			hdr:  candidate(func(h *Header) { h.Minor = 0 }),
		}, {
			name: "bad magic",
			hdr:  candidate(func(h *Header) { h.Magic = 0xDEADBEEF }),
			want: RejectInvalidImage,
		}, {
			name: "below rollback floor",
			hdr:  candidate(func(h *Header) { h.Major, h.Minor = 0, 9 }),
			want: RejectRollbackBlocked,
		}, {
			name: "hardware revision below range",
			hdr:  candidate(func(h *Header) { h.HWRevMin = 3 }),
			want: RejectHardwareMismatch,
		}, {
			name: "hardware revision above range",
			hdr:  candidate(func(h *Header) { h.HWRevMax = 1 }),
			want: RejectHardwareMismatch,
		}, {
			name: "image larger than bank",
			hdr:  candidate(func(h *Header) { h.Size = capacity + 1 }),
			want: RejectNoSpace,
		}, {
			name: "rollback check precedes hardware check",
			hdr: candidate(func(h *Header) {
				h.Major, h.Minor = 0, 9
				h.HWRevMin = 3
			}),
			want: RejectRollbackBlocked,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := Accept(test.hdr, current, floor, hwRev, capacity)
			if test.want == nil {
				if err != nil {
					t.Fatalf("Accept: %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, test.want) {
				t.Fatalf("Accept: %v, want %v", err, test.want)
			}
		})
	}
}

func TestAcceptVersionTooOld(t *testing.T) {
	// With a floor below both versions, a downgrade is refused by the
	// version policy rather than the rollback floor.
	current := semver.Version{Major: 1, Minor: 1, Patch: 0}
	h := &Header{
		Magic:    Magic,
		Major:    1,
		Minor:    0,
		HWRevMin: 1,
		HWRevMax: 3,
		Size:     1024,
	}
	err := Accept(h, current, 0, 1, 2048)
	if !errors.Is(err, RejectVersionTooOld) {
		t.Fatalf("Accept: %v, want RejectVersionTooOld", err)
	}
}

func TestRejectReasonStrings(t *testing.T) {
	// The reject reasons label metrics; their names must stay stable.
	for r, want := range map[RejectReason]string{
		RejectInvalidImage:     "InvalidImage",
		RejectRollbackBlocked:  "RollbackBlocked",
		RejectVersionTooOld:    "VersionTooOld",
		RejectHardwareMismatch: "HardwareMismatch",
		RejectNoSpace:          "NoSpace",
		RejectUpdateInProgress: "UpdateInProgress",
	} {
		if got := r.String(); got != want {
			t.Errorf("Got %q, want %q", got, want)
		}
	}
}
