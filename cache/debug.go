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

// EntryStatus reports the usage/dirty/presence state of one tree entry on
// the path to an offset, root-first, ending with the leaf entry itself.
type EntryStatus struct {
	Usage   uint8
	Dirty   bool
	Present bool
}

// Path returns the status of every entry on the way to pos, from the
// topmost interior level down to the leaf, without allocating anything.
// Intended for tests asserting dirty propagation and usage counting; not
// used by the I/O path itself.
func (c *Cache) Path(pos uint64) []EntryStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]EntryStatus, 0, interiorLevels+1)
	n := &c.root
	for level := 0; level < interiorLevels; level++ {
		e := &n.entries[subIndex(pos, level)]
		out = append(out, EntryStatus{Usage: e.usage, Dirty: e.dirty, Present: e.present()})
		if e.child == nil {
			return out
		}
		n = e.child
	}
	e := &n.entries[leafIndex(pos)]
	out = append(out, EntryStatus{Usage: e.usage, Dirty: e.dirty, Present: e.present()})
	return out
}
