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

package cache

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/mendersoftware/blockstore/blockerr"
	"github.com/mendersoftware/blockstore/command"
	"github.com/mendersoftware/blockstore/frame"
)

// Cache is a device's cache tree plus everything the walker needs to reach
// a driver on a miss: a frame allocator and the device's command queue. One
// Cache belongs to exactly one device; mu is held across an entire Read or
// Write call, including the wait for a track load to complete.
type Cache struct {
	mu    sync.Mutex
	root  node
	alloc frame.Allocator
	queue *command.Queue
}

// New returns an empty cache tree backed by alloc for track frames and q for
// driver traffic.
func New(alloc frame.Allocator, q *command.Queue) *Cache {
	return &Cache{alloc: alloc, queue: q}
}

// Read copies len(buf) bytes starting at device offset pos into buf,
// loading tracks on miss. It returns the number of bytes transferred before
// any error: a caller always sees whatever progress was made, never a
// silently discarded partial transfer.
func (c *Cache) Read(pos uint64, buf []byte) (int, error) {
	return c.walk(pos, buf, false)
}

// Write copies len(buf) bytes from buf to device offset pos, marking every
// touched entry DIRTY from leaf to root.
func (c *Cache) Write(pos uint64, buf []byte) (int, error) {
	return c.walk(pos, buf, true)
}

// walk is the single traversal entry point for both Read and Write,
// parameterized by mode. The cache mutex is acquired once and held for the
// whole call; tracks are visited one at a time but never released between
// them.
func (c *Cache) walk(pos uint64, buf []byte, write bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var done int
	remaining := len(buf)

	for remaining > 0 {
		inTrack := int(pos & trackMask)
		n := trackSize - inTrack
		if n > remaining {
			n = remaining
		}

		leaf, err := c.descend(pos, write)
		if err != nil {
			if done > 0 {
				return done, nil
			}
			return 0, err
		}

		track := leaf.run.Bytes
		if write {
			copy(track[inTrack:inTrack+n], buf[done:done+n])
		} else {
			copy(buf[done:done+n], track[inTrack:inTrack+n])
		}

		done += n
		pos += uint64(n)
		remaining -= n
	}
	return done, nil
}

// descend walks the six interior levels to the leaf-holding node, creating
// or touching entries along the way, then resolves (loading if necessary)
// the leaf track for pos. Caller holds c.mu.
func (c *Cache) descend(pos uint64, write bool) (*trackEntry, error) {
	n := &c.root
	for level := 0; level < interiorLevels; level++ {
		idx := subIndex(pos, level)
		e := &n.entries[idx]
		if !e.present() {
			e.child = &node{}
			e.usage = 1
		} else {
			e.bump()
		}
		if write {
			e.dirty = true
		}
		n = e.child
	}

	idx := leafIndex(pos)
	e := &n.entries[idx]
	if !e.present() {
		run, err := c.alloc.Alloc(frame.FramesPerTrack)
		if err != nil {
			return nil, errors.Wrap(blockerr.ErrNoMemory, "cache: allocate track frames")
		}

		status := 0
		rec := &command.Record{
			Tag:    command.ReadTrack,
			Block:  run.Bytes,
			Pos:    trackBase(pos),
			Done:   make(chan struct{}),
			Status: &status,
		}
		c.queue.Push(rec)
		<-rec.Done

		if status != 0 {
			c.alloc.Free(run)
			return nil, errors.Wrap(blockerr.ErrIO, "cache: read track")
		}

		e.leaf = &trackEntry{run: run}
		e.usage = 1
	} else {
		e.bump()
	}
	if write {
		e.dirty = true
	}
	return e.leaf, nil
}
