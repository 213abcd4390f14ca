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

// fuotactl simulates a full device lifecycle against in-memory storage:
// download, verify, activate, and either confirm or crash-loop into
// rollback. It is a development aid, not part of the device firmware.
package main

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"

	"github.com/edgefw/fuota-manager/boot"
	"github.com/edgefw/fuota-manager/image"
	"github.com/edgefw/fuota-manager/internal/sim"
	"github.com/edgefw/fuota-manager/rollback"
	"github.com/edgefw/fuota-manager/settings"
	"github.com/edgefw/fuota-manager/storage"
	"github.com/edgefw/fuota-manager/update"
)

const (
	bankCapacity  = 256 * 1024
	settingsStart = 0
	settingsLen   = 16
	hwRev         = 1
)

type Config struct {
	size     int
	chunk    int
	failBoot bool
	patch    bool
	wipe     bool
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	conf = &Config{}

	flag.IntVar(&conf.size, "s", 64*1024, "image payload size in bytes")
	flag.IntVar(&conf.chunk, "c", 256, "transfer chunk size in bytes")
	flag.BoolVar(&conf.failBoot, "f", false, "simulate a crash-looping image and automatic rollback")
	flag.BoolVar(&conf.patch, "p", false, "deliver the image as a delta patch instead of a full stream")
	flag.BoolVar(&conf.wipe, "w", false, "wipe the settings partition before starting")
}

// device bundles the simulated storage a single device would carry.
type device struct {
	flash    *sim.MemFlash
	part     *settings.Partition
	counter  *rollback.Store
	verifier update.Verifier
}

func newDevice(vkey string) (*device, error) {
	settingsDev := sim.NewMemDev(settingsStart + settingsLen)
	part, err := settings.OpenPartition(settingsDev, settings.Geometry{
		Start:       settingsStart,
		Length:      settingsLen,
		SlotLengths: []uint{8, 4},
	})
	if err != nil {
		return nil, err
	}

	counter, err := rollback.NewStore(sim.NewMemDev(2), 0, []byte("fuotactl-device-secret"), []byte("fuotactl"))
	if err != nil {
		return nil, err
	}

	verifier, err := update.NewManifestVerifier(vkey)
	if err != nil {
		return nil, err
	}

	if conf.wipe {
		if err := part.Erase(); err != nil {
			return nil, err
		}
	}

	return &device{
		flash:    sim.NewMemFlash(bankCapacity),
		part:     part,
		counter:  counter,
		verifier: verifier,
	}, nil
}

func (d *device) manager(running semver.Version) (*update.Manager, error) {
	return update.NewManager(update.Config{
		Flash:          d.flash,
		Settings:       d.part,
		Counter:        d.counter,
		Verifier:       d.verifier,
		HWRev:          hwRev,
		CurrentVersion: running,
	})
}

// reboot runs the boot-time controller, as the bootloader would before
// handing over to the application.
func (d *device) reboot() (storage.Bank, error) {
	ctl, err := boot.NewController(d.part)
	if err != nil {
		return 0, err
	}
	return ctl.CheckUpdate()
}

func (d *device) status(running semver.Version, bank storage.Bank, rec update.Record) {
	floor, _ := d.counter.Floor()

	var status bytes.Buffer
	status.WriteString("-------------------------------------------------------------- Device ----\n")
	status.WriteString(fmt.Sprintf("Running version ........: %s\n", running))
	status.WriteString(fmt.Sprintf("Active bank ............: %s\n", bank))
	status.WriteString(fmt.Sprintf("Session state ..........: %s\n", rec.State))
	status.WriteString(fmt.Sprintf("Rollback floor .........: 0x%06x", floor))
	log.Print(status.String())
}

// buildImage assembles a payload, its header, and a note-signed release
// manifest, as release tooling would.
func buildImage(v semver.Version, build uint32, size int, skey string) (*image.Header, []byte, error) {
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		return nil, nil, err
	}
	digest := sha256.Sum256(payload)

	manifest, err := update.SignRelease(update.Release{
		Version: v.String(),
		Build:   build,
		Size:    uint32(size),
		SHA256:  hex.EncodeToString(digest[:]),
	}, skey)
	if err != nil {
		return nil, nil, err
	}

	hdr := &image.Header{
		Magic:    image.Magic,
		Major:    uint32(v.Major),
		Minor:    uint32(v.Minor),
		Patch:    uint32(v.Patch),
		Build:    build,
		HWRevMin: 1,
		HWRevMax: 3,
		Size:     uint32(size),
		Digest:   digest,
		Manifest: manifest,
	}
	return hdr, payload, nil
}

func transfer(mgr *update.Manager, payload []byte) error {
	if conf.patch {
		// A fresh device has nothing to copy from, so the patch is a
		// single insert of the full payload.
		log.Printf("applying delta patch (%d diff bytes)", len(payload))
		prog := []update.Instruction{
			{Op: update.PatchInsert, NewOff: 0, Len: uint32(len(payload))},
		}
		return mgr.ApplyPatch(prog, payload)
	}

	bar := pb.StartNew(len(payload))
	defer bar.Finish()

	for off := 0; off < len(payload); off += conf.chunk {
		end := off + conf.chunk
		if end > len(payload) {
			end = len(payload)
		}
		if err := mgr.WriteChunk(uint32(off), payload[off:end]); err != nil {
			return err
		}
		bar.Add(end - off)
	}
	return nil
}

func run() error {
	oldV := semver.Version{Major: 1, Minor: 0, Patch: 0}
	newV := semver.Version{Major: 1, Minor: 1, Patch: 0}

	skey, vkey, err := note.GenerateKey(rand.Reader, "fuotactl")
	if err != nil {
		return err
	}

	dev, err := newDevice(vkey)
	if err != nil {
		return err
	}

	bank, err := dev.reboot()
	if err != nil {
		return err
	}
	log.Printf("booted bank %s, running %s", bank, oldV)

	mgr, err := dev.manager(oldV)
	if err != nil {
		return err
	}

	hdr, payload, err := buildImage(newV, 2, conf.size, skey)
	if err != nil {
		return err
	}

	if err := mgr.Start(hdr); err != nil {
		return err
	}
	if err := transfer(mgr, payload); err != nil {
		return err
	}
	if err := mgr.Finalize(hdr); err != nil {
		return err
	}
	dev.status(oldV, bank, mgr.Session())

	log.Print("rebooting into new image")
	bank, err = dev.reboot()
	if err != nil {
		return err
	}

	if conf.failBoot {
		// The new image never confirms: every reboot is another failed
		// attempt until the controller reverts.
		for i := 1; i < boot.MaxBootAttempts; i++ {
			log.Printf("image in bank %s crashed before confirming", bank)
			if bank, err = dev.reboot(); err != nil {
				return err
			}
		}
		mgr, err = dev.manager(oldV)
		if err != nil {
			return err
		}
		dev.status(oldV, bank, mgr.Session())
		return nil
	}

	mgr, err = dev.manager(newV)
	if err != nil {
		return err
	}
	if err := mgr.ConfirmBoot(); err != nil {
		return err
	}
	dev.status(newV, bank, mgr.Session())

	// The committed floor now refuses the old version outright.
	oldHdr, _, err := buildImage(oldV, 1, conf.size, skey)
	if err != nil {
		return err
	}
	if err := mgr.Start(oldHdr); err != nil {
		log.Printf("downgrade to %s refused: %v", oldV, err)
		return nil
	}
	return fmt.Errorf("downgrade to %s was not refused", oldV)
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		log.Fatalf("fatal error, %s", err)
	}
}
