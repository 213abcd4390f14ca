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
	"fmt"

	"github.com/coreos/go-semver/semver"
)

// RejectReason explains why a candidate image was refused. All rejections
// happen before any flash is touched and are fully recoverable.
type RejectReason int

const (
	// RejectInvalidImage: the header magic does not match.
	RejectInvalidImage RejectReason = iota
	// RejectRollbackBlocked: the version is below the anti-rollback floor.
	RejectRollbackBlocked
	// RejectVersionTooOld: the version is strictly older than the running
	// one. Equal versions are allowed for re-flash and recovery.
	RejectVersionTooOld
	// RejectHardwareMismatch: the device hardware revision is outside the
	// image's declared compatibility range.
	RejectHardwareMismatch
	// RejectNoSpace: the declared payload exceeds the bank capacity.
	RejectNoSpace
	// RejectUpdateInProgress: an update session already exists. Sessions
	// are never queued.
	RejectUpdateInProgress
)

func (r RejectReason) String() string {
	switch r {
	case RejectInvalidImage:
		return "InvalidImage"
	case RejectRollbackBlocked:
		return "RollbackBlocked"
	case RejectVersionTooOld:
		return "VersionTooOld"
	case RejectHardwareMismatch:
		return "HardwareMismatch"
	case RejectNoSpace:
		return "NoSpace"
	case RejectUpdateInProgress:
		return "UpdateInProgress"
	}
	panic(fmt.Errorf("unknown RejectReason %d", int(r)))
}

func (r RejectReason) Error() string {
	return "image rejected: " + r.String()
}

// Accept decides whether the image described by hdr may be installed on a
// device running version current at hardware revision hwRev, with the given
// anti-rollback floor and per-bank capacity in bytes.
//
// Accept is pure and touches no storage. A nil return means the image is
// acceptable; otherwise the most specific applicable RejectReason is
// returned.
func Accept(hdr *Header, current semver.Version, floor uint32, hwRev uint32, capacity uint32) error {
	if hdr.Magic != Magic {
		return RejectInvalidImage
	}
	if hdr.VersionWord() < floor {
		return RejectRollbackBlocked
	}
	if v := hdr.SemVer(); v.LessThan(current) {
		return RejectVersionTooOld
	}
	if hwRev < hdr.HWRevMin || hwRev > hdr.HWRevMax {
		return RejectHardwareMismatch
	}
	if hdr.Size > capacity {
		return RejectNoSpace
	}
	return nil
}
