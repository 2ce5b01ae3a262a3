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

// Package partition parses the MBR partition table the device-file glue
// reloads on every master-handle close. Sector size for MBR purposes is
// fixed at 512 bytes regardless of the underlying device's reported block
// size, per the MBR convention.
package partition

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// SectorSize is the fixed 512-byte sector size MBR fields are
	// expressed in, independent of the device's own block size.
	SectorSize = 512

	// TableOffset is the byte offset of the four 16-byte partition
	// entries within sector 0.
	TableOffset = 0x1BE
	entrySize   = 16
	numEntries  = 4

	// SignatureOffset is the byte offset of the 2-byte boot signature.
	SignatureOffset = 0x1FE
	signature       = 0xAA55

	// TableSpan is how many bytes from the start of sector 0 a caller
	// needs to read to cover both the table and the signature.
	TableSpan = SignatureOffset + 2
)

// ErrNoSignature is returned by Parse when sector 0 does not carry a valid
// 0xAA55 boot signature. This is not a hard failure: callers should leave
// the device with only its master node.
var ErrNoSignature = errors.New("no MBR signature")

// Entry is one on-disk 16-byte MBR partition record, reduced to the fields
// this layer uses.
type Entry struct {
	SystemID   byte
	LBAStart   uint32
	NumSectors uint32
}

// Offset is the byte offset of the partition's first sector on the device.
func (e Entry) Offset() uint64 {
	return uint64(e.LBAStart) * SectorSize
}

// Size is the partition's size in bytes.
func (e Entry) Size() uint64 {
	return uint64(e.NumSectors) * SectorSize
}

// Parse reads the partition table out of sector, which must contain at
// least TableSpan bytes starting at device offset 0. It returns the
// non-empty entries (SystemID != 0) in on-disk order, or ErrNoSignature if
// the boot signature is absent or wrong.
func Parse(sector []byte) ([]Entry, error) {
	if len(sector) < TableSpan {
		return nil, errors.Errorf("partition: sector too short: got %d bytes, need %d", len(sector), TableSpan)
	}

	sig := binary.LittleEndian.Uint16(sector[SignatureOffset:])
	if sig != signature {
		return nil, ErrNoSignature
	}

	var entries []Entry
	for i := 0; i < numEntries; i++ {
		raw := sector[TableOffset+i*entrySize : TableOffset+(i+1)*entrySize]
		systemID := raw[4]
		if systemID == 0 {
			continue
		}
		entries = append(entries, Entry{
			SystemID:   systemID,
			LBAStart:   binary.LittleEndian.Uint32(raw[8:12]),
			NumSectors: binary.LittleEndian.Uint32(raw[12:16]),
		})
	}
	return entries, nil
}
