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
	"github.com/mendersoftware/blockstore/command"
)

// TryFree reclaims a single cached track under memory pressure: it descends
// the tree always choosing the entry with the lowest usage counter among
// present entries, writes the chosen track back if dirty, then unmaps and
// frees it. It reports whether it released a track.
func (c *Cache) TryFree() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tryFree(&c.root, 0, 0)
}

// tryFree does the actual descent-and-reclaim work. Caller holds c.mu.
func (c *Cache) tryFree(n *node, depth int, prefix uint64) bool {
	for {
		idx, ok := lowestUsage(n)
		if !ok {
			return false
		}
		e := &n.entries[idx]

		if depth == interiorLevels {
			addr := (prefix<<7 | uint64(idx)) << trackShift
			if e.dirty {
				// The write-back is synchronous but its status is not
				// checked: the track is freed regardless of the
				// driver's answer.
				status := 0
				rec := &command.Record{
					Tag:    command.WriteTrack,
					Block:  e.leaf.run.Bytes,
					Pos:    addr,
					Done:   make(chan struct{}),
					Status: &status,
					NoFree: true,
				}
				c.queue.Push(rec)
				<-rec.Done
			}
			c.alloc.Free(e.leaf.run)
			*e = entry{}
			return true
		}

		if c.tryFree(e.child, depth+1, (prefix<<7)|uint64(idx)) {
			return true
		}
		// The chosen subtree turned out empty (all its entries were
		// themselves freed down to nothing): drop the now-empty node
		// and retry among this node's remaining entries.
		*e = entry{}
	}
}

// lowestUsage returns the index of the present entry with the smallest
// usage counter, ties broken toward the lowest index.
func lowestUsage(n *node) (int, bool) {
	best := -1
	var bestUsage uint8
	for i := range n.entries {
		e := &n.entries[i]
		if !e.present() {
			continue
		}
		if best == -1 || e.usage < bestUsage {
			best = i
			bestUsage = e.usage
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}
