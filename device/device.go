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

// Package device implements the StorageDevice and its handles, the glue
// tying the letter registry, command queue, cache tree and partition
// loader into the open/close/read/write/ioctl surface callers use.
package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/blockstore/blockerr"
	"github.com/mendersoftware/blockstore/cache"
	"github.com/mendersoftware/blockstore/command"
	"github.com/mendersoftware/blockstore/driver"
	"github.com/mendersoftware/blockstore/frame"
	"github.com/mendersoftware/blockstore/partition"
	"github.com/mendersoftware/blockstore/registry"
)

// MasterIndex is the partition index meaning "the whole disk", the
// distinguished MASTER_OPEN bit.
const MasterIndex = -1

// StorageDevice is the root entity of the subsystem: a drive letter, a
// cache tree, a command queue feeding a driver, and the bookkeeping needed
// to enforce the master/partition open-exclusion rule and reference
// counting.
type StorageDevice struct {
	name string // fixed at construction, e.g. "sdb"; immutable thereafter

	mu         sync.Mutex // guards everything below except refcount itself
	letter     byte
	hangup     bool
	blockSize  uint32
	totalSize  uint64 // 0 means "removable, query driver"
	masterOpen bool
	openParts  uint32 // bit i = partition i currently open
	subs       []partition.Entry
	subNames   []string

	refcount int32 // atomic; core + flusher + one per devfs node + one per open handle

	queue *command.Queue
	c     *cache.Cache
	alloc frame.Allocator

	reg   *registry.Registry
	devfs Devfs

	flushInterval time.Duration
	flushStop     chan struct{}
	flushDone     chan struct{}
}

// New allocates a letter, registers the master devfs node, starts the
// driver's consumer goroutine and the periodic flusher, and publishes the
// device in reg. blockSize and totalSize are the driver-reported geometry;
// totalSize 0 marks a removable device whose size must be queried.
// flushInterval governs how often the flusher wakes to write back dirty
// tracks; callers typically pass cache.FlushInterval, but tests can pass a
// much shorter interval to exercise the periodic flush without sleeping.
func New(
	drv driver.Driver,
	reg *registry.Registry,
	devfs Devfs,
	alloc frame.Allocator,
	blockSize uint32,
	totalSize uint64,
	flushInterval time.Duration,
) (*StorageDevice, error) {
	letter, ok := reg.AllocLetter()
	if !ok {
		return nil, errors.New("device: no drive letters available")
	}

	q := command.NewQueue()
	name := fmt.Sprintf("sd%c", letter)
	sd := &StorageDevice{
		name:      name,
		letter:    letter,
		blockSize: blockSize,
		totalSize: totalSize,
		// core + flusher + master node.
		refcount:      3,
		queue:         q,
		c:             cache.New(alloc, q),
		alloc:         alloc,
		reg:           reg,
		devfs:         devfs,
		flushInterval: flushInterval,
		flushStop:     make(chan struct{}),
		flushDone:     make(chan struct{}),
	}

	if err := devfs.Add(name, totalSize); err != nil {
		reg.FreeLetter(letter)
		return nil, errors.Wrapf(err, "device: register %s", name)
	}

	go drv.Serve(q)
	go sd.runFlusher()
	reg.Register(letter, sd)

	log.Infof("device: %s attached, blockSize=%d totalSize=%d", name, blockSize, totalSize)
	return sd, nil
}

// Name is the device's fixed devfs master name, e.g. "sdb".
func (sd *StorageDevice) Name() string {
	return sd.name
}

// RefCount reports the current reference count, for tests asserting the
// core + flusher + open-node accounting directly.
func (sd *StorageDevice) RefCount() int32 {
	return atomic.LoadInt32(&sd.refcount)
}

func (sd *StorageDevice) upref() {
	atomic.AddInt32(&sd.refcount, 1)
}

func (sd *StorageDevice) downref() {
	atomic.AddInt32(&sd.refcount, -1)
}

func (sd *StorageDevice) runFlusher() {
	defer close(sd.flushDone)

	timer := time.NewTimer(sd.flushInterval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			if err := sd.c.Flush(); err != nil {
				log.Warnf("%s: periodic flush: %v", sd.name, err)
			}
			timer.Reset(sd.flushInterval)
		case <-sd.flushStop:
			return
		}
	}
}

// Sync implements registry.Device: flush every dirty track to the driver.
func (sd *StorageDevice) Sync() error {
	return sd.c.Flush()
}

// Reclaim implements registry.Device: try to free exactly one cached track.
func (sd *StorageDevice) Reclaim() bool {
	return sd.c.TryFree()
}

// Open enforces the open-mask rule — the master and any partition are
// mutually exclusive — and returns a handle on success. partIndex is
// MasterIndex for the whole disk, or a compacted partition index from the
// last scan.
func (sd *StorageDevice) Open(partIndex int) (*Handle, error) {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	if sd.hangup {
		return nil, errors.Wrap(blockerr.ErrNoDevice, "open")
	}

	h := &Handle{sd: sd, partIndex: partIndex}
	if partIndex == MasterIndex {
		if sd.masterOpen || sd.openParts != 0 {
			return nil, errors.Wrap(blockerr.ErrBusy, "open: master excluded by open partition")
		}
		sd.masterOpen = true
	} else {
		if partIndex < 0 || partIndex >= len(sd.subs) {
			return nil, errors.Wrapf(blockerr.ErrNoDevice, "open: no partition %d", partIndex)
		}
		bit := uint32(1) << uint(partIndex)
		if sd.masterOpen || sd.openParts&bit != 0 {
			return nil, errors.Wrap(blockerr.ErrBusy, "open: partition excluded by master or itself")
		}
		sd.openParts |= bit
		e := sd.subs[partIndex]
		h.offset = e.Offset()
		h.size = e.Size()
	}

	sd.upref()
	return h, nil
}

// closeHandle releases the open-mask slot h held, decrements the reference
// count, and, if h was the master, triggers a partition rescan.
func (sd *StorageDevice) closeHandle(h *Handle) {
	sd.mu.Lock()
	wasMaster := h.partIndex == MasterIndex
	if wasMaster {
		sd.masterOpen = false
	} else {
		sd.openParts &^= 1 << uint(h.partIndex)
	}
	sd.mu.Unlock()

	sd.downref()

	if wasMaster {
		sd.reloadPartitions()
	}
}

// reloadPartitions removes every previously registered partition node,
// re-reads and re-parses the MBR, and registers a node per non-empty entry
// under a compacted index. The compaction only advances the index on a
// successful devfs registration, matching the original's nextSubIndex
// behavior.
func (sd *StorageDevice) reloadPartitions() {
	sd.mu.Lock()
	oldNames := sd.subNames
	sd.subs = nil
	sd.subNames = nil
	sd.mu.Unlock()

	for _, name := range oldNames {
		sd.devfs.Remove(name)
		sd.downref()
	}

	sector := make([]byte, partition.TableSpan)
	n, err := sd.c.Read(0, sector)
	if err != nil || n < partition.TableSpan {
		log.Debugf("%s: partition scan: short read (%d bytes): %v", sd.name, n, err)
		return
	}

	entries, err := partition.Parse(sector)
	if err != nil {
		log.Debugf("%s: partition scan: %v", sd.name, err)
		return
	}

	subs := make([]partition.Entry, 0, len(entries))
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := fmt.Sprintf("%s%d", sd.name, len(subs))
		if err := sd.devfs.Add(name, e.Size()); err != nil {
			log.Warnf("%s: register %s: %v", sd.name, name, err)
			continue
		}
		subs = append(subs, e)
		names = append(names, name)
		sd.upref()
	}

	sd.mu.Lock()
	sd.subs = subs
	sd.subNames = names
	sd.mu.Unlock()

	log.Infof("%s: partition scan found %d partitions", sd.name, len(subs))
}

// Hangup reports that the driver has declared the device gone. It captures
// the device's registry slot *before* clearing its own letter field,
// fixing an ordering bug present in the original source (which cleared
// the letter first, then looked the slot up using the now-zeroed value).
func (sd *StorageDevice) Hangup() {
	sd.mu.Lock()
	letter := sd.letter // captured before sd.letter is zeroed below
	masterName := sd.name
	subNames := sd.subNames
	sd.subs = nil
	sd.subNames = nil
	sd.hangup = true
	sd.letter = 0
	sd.mu.Unlock()

	sd.devfs.Remove(masterName)
	for _, name := range subNames {
		sd.devfs.Remove(name)
	}

	sd.reg.FreeLetter(letter)
	sd.reg.Unregister(letter)

	close(sd.flushStop)
	<-sd.flushDone
	sd.downref() // the flusher's own reference

	numNodes := 1 + len(subNames)
	for i := 0; i < numNodes; i++ {
		sd.downref()
	}

	log.Warnf("%s: hangup", masterName)
}
