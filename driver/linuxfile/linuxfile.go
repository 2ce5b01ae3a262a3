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

// Package linuxfile implements driver.Driver against a real Linux block
// device or regular file, the way system/ioctl.go's GetBlockDeviceSize and
// GetBlockDeviceSectorSize back the installer's writes with real BLKSSZGET/
// BLKGETSIZE64 ioctls, falling back to UBI sysfs attributes when the device
// does not answer those ioctls (e.g. a UBI volume).
package linuxfile

import (
	"os"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	sysfs "github.com/ungerik/go-sysfs"
	"golang.org/x/sys/unix"

	"github.com/mendersoftware/blockstore/command"
)

// ErrNotABlockDevice is returned internally when an ioctl fails with ENOTTY,
// the same signal system/ioctl.go uses to fall back to the UBI sysfs path.
var ErrNotABlockDevice = errors.New("linuxfile: not a block device")

// Driver serves a device's command queue against an *os.File open on a real
// block device node or a plain file standing in for one.
type Driver struct {
	f *os.File
}

// Open opens path for reading and writing and returns a Driver backed by it.
func Open(path string) (*Driver, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "linuxfile: open %s", path)
	}
	return &Driver{f: f}, nil
}

// Close releases the underlying file descriptor.
func (d *Driver) Close() error {
	return d.f.Close()
}

// File exposes the underlying *os.File so callers can query geometry
// (GetSize, SectorSize) before handing the driver off to device.New.
func (d *Driver) File() *os.File {
	return d.f
}

// Serve implements driver.Driver: it consumes commands until the queue is
// closed and drained, the same shape drivertest.FakeDriver.Serve uses, but
// backed by real pread(2)/pwrite(2) through the *os.File.
func (d *Driver) Serve(q *command.Queue) {
	for {
		cmd, ok := q.Pop()
		if !ok {
			return
		}
		d.handle(cmd)
		command.PostComplete(cmd)
	}
}

func (d *Driver) handle(cmd *command.Record) {
	switch cmd.Tag {
	case command.ReadTrack:
		_, err := d.f.ReadAt(cmd.Block, int64(cmd.Pos))
		d.setStatus(cmd, err)

	case command.WriteTrack:
		_, err := d.f.WriteAt(cmd.Block, int64(cmd.Pos))
		d.setStatus(cmd, err)

	case command.GetSize:
		size, err := GetSize(d.f)
		if err != nil {
			log.Warnf("linuxfile: get size: %v", err)
			return
		}
		if cmd.Size != nil {
			*cmd.Size = size
		}

	case command.Eject:
		// Generic block devices have no portable eject ioctl (unlike
		// CDROMEJECT on optical drives); best-effort no-op, matching
		// the original driver contract's "driver-specific" EJECT.
		log.Debugf("linuxfile: eject requested for %s, no-op", d.f.Name())

	case command.Signal:
	}
}

func (d *Driver) setStatus(cmd *command.Record, err error) {
	if cmd.Status == nil {
		return
	}
	if err != nil {
		*cmd.Status = 1
		return
	}
	*cmd.Status = 0
}

// GetSize reports f's size in bytes, using BLKGETSIZE64 and falling back to
// UBI sysfs attributes, exactly as system/ioctl.go's GetBlockDeviceSize
// does.
func GetSize(f *os.File) (uint64, error) {
	size, err := ioctlGetUint64(f.Fd(), unix.BLKGETSIZE64)
	if err == nil {
		return size, nil
	}
	if !errors.Is(err, ErrNotABlockDevice) {
		return 0, err
	}
	if size, err := getUbiDeviceSize(f); err == nil {
		return size, nil
	}

	// Neither ioctl answered: f is a plain file standing in for a block
	// device, so its length is the size.
	info, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "linuxfile: stat")
	}
	return uint64(info.Size()), nil
}

// SectorSize reports f's logical sector size using BLKSSZGET, falling back
// to the UBI usable_eb_size sysfs attribute.
func SectorSize(f *os.File) (int, error) {
	size, err := ioctlGetInt(f.Fd(), unix.BLKSSZGET)
	if err == nil {
		return size, nil
	}
	if !errors.Is(err, ErrNotABlockDevice) {
		return 0, err
	}
	return getUbiDeviceSectorSize(f)
}

func ioctlGetInt(fd uintptr, req uint) (int, error) {
	v, err := unix.IoctlGetInt(int(fd), req)
	if err == unix.ENOTTY {
		return 0, ErrNotABlockDevice
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

func ioctlGetUint64(fd uintptr, req uint) (uint64, error) {
	var v uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), uintptr(unsafe.Pointer(&v)))
	if errno == unix.ENOTTY {
		return 0, ErrNotABlockDevice
	}
	if errno != 0 {
		return 0, errno
	}
	return v, nil
}

func getUbiDeviceSize(f *os.File) (uint64, error) {
	dev := strings.TrimPrefix(f.Name(), "/dev/")
	reserved := sysfs.Class.Object("ubi").SubObject(dev).Attribute("reserved_ebs")
	ebSize := sysfs.Class.Object("ubi").SubObject(dev).Attribute("usable_eb_size")
	if !reserved.Exists() || !ebSize.Exists() {
		return 0, ErrNotABlockDevice
	}

	blocks, err := reserved.ReadUint64()
	if err != nil {
		return 0, err
	}
	size, err := ebSize.ReadUint64()
	if err != nil {
		return 0, err
	}
	return blocks * size, nil
}

func getUbiDeviceSectorSize(f *os.File) (int, error) {
	dev := strings.TrimPrefix(f.Name(), "/dev/")
	ebSize := sysfs.Class.Object("ubi").SubObject(dev).Attribute("usable_eb_size")
	if !ebSize.Exists() {
		return 0, ErrNotABlockDevice
	}
	size, err := ebSize.ReadUint64()
	if err != nil {
		return 0, err
	}
	return int(size), nil
}
