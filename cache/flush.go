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
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/blockstore/blockerr"
	"github.com/mendersoftware/blockstore/command"
)

// FlushInterval is the flusher's wait timeout between periodic sweeps.
const FlushInterval = 120 * time.Second

// Flush walks the whole tree, issuing a synchronous WRITE_TRACK for every
// dirty leaf and clearing DIRTY on every entry it could flush cleanly. A
// track (or a whole subtree) whose write-back fails keeps its DIRTY bit set,
// and so does every ancestor on its path, so the next Flush retries it
// instead of losing track of the failure.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushNode(&c.root, 0, 0)
}

func (c *Cache) flushNode(n *node, depth int, prefix uint64) error {
	var firstErr error
	for i := range n.entries {
		e := &n.entries[i]
		if !e.dirty {
			continue
		}

		if depth == interiorLevels {
			addr := (prefix<<7 | uint64(i)) << trackShift
			if err := c.writeBack(e.leaf, addr); err != nil {
				log.Warnf("cache: flush track at %#x: %v", addr, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			e.dirty = false
			continue
		}

		if err := c.flushNode(e.child, depth+1, (prefix<<7)|uint64(i)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.dirty = false
	}
	return firstErr
}

func (c *Cache) writeBack(t *trackEntry, pos uint64) error {
	status := 0
	rec := &command.Record{
		Tag:    command.WriteTrack,
		Block:  t.run.Bytes,
		Pos:    pos,
		Done:   make(chan struct{}),
		Status: &status,
	}
	c.queue.Push(rec)
	<-rec.Done
	if status != 0 {
		return errors.Wrap(blockerr.ErrIO, "write track")
	}
	return nil
}
