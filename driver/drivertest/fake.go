// Copyright 2024 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package drivertest provides FakeDriver, an in-process stand-in for a
// real block-device driver, used by the cache/device/partition test suites
// the way system/testing.TestOSCalls stands in for exec.Cmd and os.Stat in
// the teacher's installer tests.
package drivertest

import (
	"sync"

	"github.com/mendersoftware/blockstore/command"
)

// FakeDriver backs a device with an in-memory byte image and records every
// command it serves, so tests can assert on driver traffic: at-most-one
// track load, exactly one WRITE_TRACK, and similar properties.
type FakeDriver struct {
	mu sync.Mutex

	// Image is the simulated device contents. Reads/writes beyond its
	// length are zero-filled/grown on write.
	Image []byte

	// Size, if non-zero, is returned verbatim for GET_SIZE. If zero,
	// GET_SIZE returns len(Image).
	Size uint64

	// FailStatus, keyed by track-aligned Pos, makes the matching
	// READ_TRACK/WRITE_TRACK command complete with that non-zero
	// status instead of touching Image.
	FailStatus map[uint64]int

	// Served records every command this driver has handled, in order,
	// for traffic assertions.
	Served []command.Tag

	// ServedPos parallels Served with the Pos of each command.
	ServedPos []uint64

	EjectCount int
}

// NewFakeDriver returns a FakeDriver whose backing image is sized bytes of
// zeroes.
func NewFakeDriver(sized int) *FakeDriver {
	return &FakeDriver{
		Image:      make([]byte, sized),
		FailStatus: make(map[uint64]int),
	}
}

// Serve implements driver.Driver.
func (f *FakeDriver) Serve(q *command.Queue) {
	for {
		cmd, ok := q.Pop()
		if !ok {
			return
		}
		f.handle(cmd)
		command.PostComplete(cmd)
	}
}

func (f *FakeDriver) handle(cmd *command.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Served = append(f.Served, cmd.Tag)
	f.ServedPos = append(f.ServedPos, cmd.Pos)

	switch cmd.Tag {
	case command.ReadTrack:
		if status, fail := f.FailStatus[cmd.Pos]; fail {
			f.setStatus(cmd, status)
			return
		}
		f.growTo(cmd.Pos + uint64(len(cmd.Block)))
		copy(cmd.Block, f.Image[cmd.Pos:cmd.Pos+uint64(len(cmd.Block))])
		f.setStatus(cmd, 0)

	case command.WriteTrack:
		if status, fail := f.FailStatus[cmd.Pos]; fail {
			f.setStatus(cmd, status)
			return
		}
		f.growTo(cmd.Pos + uint64(len(cmd.Block)))
		copy(f.Image[cmd.Pos:cmd.Pos+uint64(len(cmd.Block))], cmd.Block)
		f.setStatus(cmd, 0)

	case command.GetSize:
		size := f.Size
		if size == 0 {
			size = uint64(len(f.Image))
		}
		if cmd.Size != nil {
			*cmd.Size = size
		}

	case command.Eject:
		f.EjectCount++

	case command.Signal:
		// no-op wakeup

	}
}

func (f *FakeDriver) setStatus(cmd *command.Record, status int) {
	if cmd.Status != nil {
		*cmd.Status = status
	}
}

func (f *FakeDriver) growTo(n uint64) {
	if uint64(len(f.Image)) >= n {
		return
	}
	grown := make([]byte, n)
	copy(grown, f.Image)
	f.Image = grown
}

// CountServed reports how many times a given tag was served, for
// assertions like "exactly one READ_TRACK".
func (f *FakeDriver) CountServed(tag command.Tag) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, t := range f.Served {
		if t == tag {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the current backing image, safe to inspect
// from a test without racing the driver goroutine.
func (f *FakeDriver) Snapshot() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]byte, len(f.Image))
	copy(out, f.Image)
	return out
}
