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

// Package cache implements the block cache tree, its I/O path, the periodic
// flusher and the memory-pressure evictor. This is the load-bearing piece of
// the whole subsystem: a 7-level, 128-way radix tree keyed by byte offset,
// with per-entry usage counters driving eviction and a DIRTY bit propagated
// from leaf to root on every write.
//
// Each entry is a plain struct rather than a packed machine word: Go has no
// business reaching for unsafe bit-packing to emulate a pointer-sized field
// when a plain struct expresses the same invariants more safely.
package cache

import "github.com/mendersoftware/blockstore/frame"

const (
	// fanout is the 128-way branching factor at every tree level.
	fanout = 128
	// interiorLevels is the six interior levels preceding the leaf level.
	interiorLevels = 6
	// trackShift is log2 of the track size (32 KiB).
	trackShift = 15
	// trackSize is the track granularity the tree's leaf level addresses.
	trackSize = 1 << trackShift
	// trackMask isolates the in-track byte offset.
	trackMask = trackSize - 1
)

// entry is one slot of a node: either an interior child, a leaf track, or
// absent (both nil). usage and dirty track how recently this slot was
// touched and whether it holds unflushed writes.
type entry struct {
	child *node
	leaf  *trackEntry
	usage uint8
	dirty bool
}

func (e *entry) present() bool {
	return e.child != nil || e.leaf != nil
}

// bump increments usage, saturating at 255.
func (e *entry) bump() {
	if e.usage < 255 {
		e.usage++
	}
}

// node is a BlockTreeNode: 128 entries, used at both interior and
// leaf-parent depth. At depth interiorLevels its entries address tracks via
// leaf; at shallower depths they address child interior nodes.
type node struct {
	entries [fanout]entry
}

// trackEntry is a cached 32 KiB track: one contiguous frame run.
type trackEntry struct {
	run *frame.Run
}

// subIndex returns the 7-bit sub-index an interior level (0 = root) uses for
// offset p: level i uses bits 15+7*(6-i) .. 15+7*(6-i)+6.
func subIndex(p uint64, level int) uint64 {
	shift := uint(trackShift + 7*(interiorLevels-level))
	return (p >> shift) & 0x7F
}

// leafIndex returns the 7-bit track index: bits 15..21 of p.
func leafIndex(p uint64) uint64 {
	return (p >> trackShift) & 0x7F
}

// trackBase returns the 32 KiB-aligned offset of the track containing p.
func trackBase(p uint64) uint64 {
	return p &^ uint64(trackMask)
}
