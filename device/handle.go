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

package device

import (
	"github.com/pkg/errors"

	"github.com/mendersoftware/blockstore/blockerr"
	"github.com/mendersoftware/blockstore/command"
)

// Handle is an open file handle: a back-reference to the device, an
// absolute byte offset, an optional size clamp (0 = whole device) and a
// partition index (MasterIndex for the whole disk).
type Handle struct {
	sd        *StorageDevice
	offset    uint64
	size      uint64 // 0 = whole device, no clamp
	partIndex int
}

// Identity is the answer to an SDI_IDENTITY ioctl.
type Identity struct {
	Hangup    bool
	BlockSize uint32
	TotalSize uint64
}

func (h *Handle) hungUp() bool {
	h.sd.mu.Lock()
	defer h.sd.mu.Unlock()
	return h.sd.hangup
}

// clamp bounds a [off, off+want) request to the handle's size (if set) and
// returns the absolute device offset and the clamped length: clamp to the
// handle's size when non-zero, then add the handle's base offset.
func (h *Handle) clamp(off uint64, want int) (uint64, int) {
	if h.size != 0 {
		if off >= h.size {
			return 0, 0
		}
		if remaining := h.size - off; uint64(want) > remaining {
			want = int(remaining)
		}
	}
	return h.offset + off, want
}

// Read fills buf from device offset off (relative to the handle), clamped
// to the handle's size.
func (h *Handle) Read(off uint64, buf []byte) (int, error) {
	if h.hungUp() {
		return 0, errors.Wrap(blockerr.ErrNoDevice, "read")
	}
	pos, n := h.clamp(off, len(buf))
	if n == 0 {
		return 0, nil
	}
	return h.sd.c.Read(pos, buf[:n])
}

// Write writes buf to device offset off (relative to the handle), clamped
// to the handle's size.
func (h *Handle) Write(off uint64, buf []byte) (int, error) {
	if h.hungUp() {
		return 0, errors.Wrap(blockerr.ErrNoDevice, "write")
	}
	pos, n := h.clamp(off, len(buf))
	if n == 0 {
		return 0, nil
	}
	return h.sd.c.Write(pos, buf[:n])
}

// Flush flushes the whole device's cache, not just this handle's region:
// flush means flush the device.
func (h *Handle) Flush() error {
	if h.hungUp() {
		return errors.Wrap(blockerr.ErrNoDevice, "flush")
	}
	return h.sd.c.Flush()
}

// Size answers a getsize request: the handle's own clamp if set, otherwise
// the device's cached totalSize, otherwise a synchronous GET_SIZE round
// trip to the driver. The driver's answer is never cached back onto the
// device: a removable device's size may change between queries.
func (h *Handle) Size() (uint64, error) {
	if h.hungUp() {
		return 0, errors.Wrap(blockerr.ErrNoDevice, "getsize")
	}
	if h.size != 0 {
		return h.size, nil
	}

	h.sd.mu.Lock()
	total := h.sd.totalSize
	h.sd.mu.Unlock()
	if total != 0 {
		return total, nil
	}

	var size uint64
	status := 0
	rec := &command.Record{
		Tag:    command.GetSize,
		Size:   &size,
		Done:   make(chan struct{}),
		Status: &status,
	}
	h.sd.queue.Push(rec)
	<-rec.Done
	return size, nil
}

// Identity implements the SDI_IDENTITY ioctl.
func (h *Handle) Identity() (Identity, error) {
	if h.hungUp() {
		return Identity{}, errors.Wrap(blockerr.ErrNoDevice, "identity")
	}
	size, err := h.Size()
	if err != nil {
		return Identity{}, err
	}
	h.sd.mu.Lock()
	defer h.sd.mu.Unlock()
	return Identity{Hangup: h.sd.hangup, BlockSize: h.sd.blockSize, TotalSize: size}, nil
}

// Eject implements the SDI_EJECT ioctl: permitted only on removable
// devices (totalSize == 0).
func (h *Handle) Eject() error {
	if h.hungUp() {
		return errors.Wrap(blockerr.ErrNoDevice, "eject")
	}
	h.sd.mu.Lock()
	removable := h.sd.totalSize == 0
	h.sd.mu.Unlock()
	if !removable {
		return errors.Wrap(blockerr.ErrBusy, "eject: device is not removable")
	}

	status := 0
	rec := &command.Record{Tag: command.Eject, Done: make(chan struct{}), Status: &status}
	h.sd.queue.Push(rec)
	<-rec.Done
	return nil
}

// Close releases the handle's open-mask slot and, for the master handle,
// triggers a partition rescan.
func (h *Handle) Close() error {
	h.sd.closeHandle(h)
	return nil
}
