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

package partition

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSector(t *testing.T, entries [numEntries]Entry, sig uint16) []byte {
	t.Helper()
	sector := make([]byte, TableSpan)
	for i, e := range entries {
		raw := sector[TableOffset+i*entrySize : TableOffset+(i+1)*entrySize]
		raw[4] = e.SystemID
		binary.LittleEndian.PutUint32(raw[8:12], e.LBAStart)
		binary.LittleEndian.PutUint32(raw[12:16], e.NumSectors)
	}
	binary.LittleEndian.PutUint16(sector[SignatureOffset:], sig)
	return sector
}

func TestParseSingleEntry(t *testing.T) {
	var entries [numEntries]Entry
	entries[0] = Entry{SystemID: 0x83, LBAStart: 2048, NumSectors: 65536}
	sector := buildSector(t, entries, signature)

	got, err := Parse(sector)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, byte(0x83), got[0].SystemID)
	assert.Equal(t, uint64(65536*512), got[0].Size())
	assert.Equal(t, uint64(2048*512), got[0].Offset())
}

func TestParseSkipsEmptyEntries(t *testing.T) {
	var entries [numEntries]Entry
	entries[0] = Entry{SystemID: 0x83, LBAStart: 1, NumSectors: 1}
	entries[2] = Entry{SystemID: 0x82, LBAStart: 2, NumSectors: 2}
	sector := buildSector(t, entries, signature)

	got, err := Parse(sector)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, byte(0x83), got[0].SystemID)
	assert.Equal(t, byte(0x82), got[1].SystemID)
}

func TestParseBadSignature(t *testing.T) {
	var entries [numEntries]Entry
	entries[0] = Entry{SystemID: 0x83, LBAStart: 1, NumSectors: 1}
	sector := buildSector(t, entries, 0x1234)

	_, err := Parse(sector)
	assert.ErrorIs(t, err, ErrNoSignature)
}

func TestParseSectorTooShort(t *testing.T) {
	_, err := Parse(make([]byte, 10))
	assert.Error(t, err)
}
