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
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendersoftware/blockstore/blockerr"
	"github.com/mendersoftware/blockstore/command"
	"github.com/mendersoftware/blockstore/driver/drivertest"
	"github.com/mendersoftware/blockstore/frame"
	"github.com/mendersoftware/blockstore/partition"
	"github.com/mendersoftware/blockstore/registry"
)

func newFixture(t *testing.T, imageSize int) (*StorageDevice, *drivertest.FakeDriver, *MemDevfs) {
	t.Helper()
	return newFixtureWithFlushInterval(t, imageSize, time.Hour)
}

func newFixtureWithFlushInterval(t *testing.T, imageSize int, flushInterval time.Duration) (*StorageDevice, *drivertest.FakeDriver, *MemDevfs) {
	t.Helper()
	fd := drivertest.NewFakeDriver(imageSize)
	reg := registry.New()
	fs := NewMemDevfs()

	sd, err := New(fd, reg, fs, frame.NewPool(0), 512, uint64(imageSize), flushInterval)
	require.NoError(t, err)
	return sd, fd, fs
}

func seedMBR(t *testing.T, fd *drivertest.FakeDriver, entry partition.Entry, signature uint16) {
	t.Helper()
	sector := make([]byte, partition.TableSpan)
	raw := sector[partition.TableOffset : partition.TableOffset+16]
	raw[4] = entry.SystemID
	binary.LittleEndian.PutUint32(raw[8:12], entry.LBAStart)
	binary.LittleEndian.PutUint32(raw[12:16], entry.NumSectors)
	binary.LittleEndian.PutUint16(sector[partition.SignatureOffset:], signature)

	if len(fd.Image) < len(sector) {
		grown := make([]byte, len(sector))
		copy(grown, fd.Image)
		fd.Image = grown
	}
	copy(fd.Image, sector)
}

// seedMBRAndScan seeds a one-partition MBR and runs the scan by opening and
// closing the master once, leaving the device ready for partition opens.
func seedMBRAndScan(t *testing.T, sd *StorageDevice, fd *drivertest.FakeDriver) {
	t.Helper()
	seedMBR(t, fd, partition.Entry{SystemID: 0x83, LBAStart: 1, NumSectors: 64}, 0xAA55)
	h, err := sd.Open(MasterIndex)
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestPartitionScanPublishesNode(t *testing.T) {
	sd, fd, fs := newFixture(t, 0x4000000)
	seedMBR(t, fd, partition.Entry{SystemID: 0x83, LBAStart: 2048, NumSectors: 65536}, 0xAA55)

	h, err := sd.Open(MasterIndex)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	size, ok := fs.Size(sd.Name() + "0")
	require.True(t, ok, "expected a new partition node")
	assert.Equal(t, uint64(65536*512), size)
}

func TestPartitionScanBadSignatureYieldsNoPartitions(t *testing.T) {
	sd, fd, fs := newFixture(t, 0x4000000)
	seedMBR(t, fd, partition.Entry{SystemID: 0x83, LBAStart: 1, NumSectors: 1}, 0x1234)

	h, err := sd.Open(MasterIndex)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	_, ok := fs.Size(sd.Name() + "0")
	assert.False(t, ok)
}

func TestOpenExclusionMasterThenPartition(t *testing.T) {
	sd, fd, _ := newFixture(t, 0x4000000)
	seedMBRAndScan(t, sd, fd)

	h, err := sd.Open(MasterIndex)
	require.NoError(t, err)
	defer h.Close()

	_, err = sd.Open(0)
	assert.ErrorIs(t, err, blockerr.ErrBusy)
}

func TestOpenExclusionPartitionThenMaster(t *testing.T) {
	sd, fd, _ := newFixture(t, 0x4000000)
	seedMBRAndScan(t, sd, fd)

	h, err := sd.Open(0)
	require.NoError(t, err)
	defer h.Close()

	_, err = sd.Open(MasterIndex)
	assert.ErrorIs(t, err, blockerr.ErrBusy)
}

func TestHangupBlocksIO(t *testing.T) {
	sd, _, _ := newFixture(t, 0x10000)

	h, err := sd.Open(MasterIndex)
	require.NoError(t, err)

	sd.Hangup()

	_, err = h.Read(0, make([]byte, 16))
	assert.ErrorIs(t, err, blockerr.ErrNoDevice)
	_, err = h.Write(0, make([]byte, 16))
	assert.ErrorIs(t, err, blockerr.ErrNoDevice)

	_, err = sd.Open(MasterIndex)
	assert.ErrorIs(t, err, blockerr.ErrNoDevice)
}

func TestEjectGateNonRemovable(t *testing.T) {
	sd, fd, _ := newFixture(t, 0x10000) // totalSize != 0
	h, err := sd.Open(MasterIndex)
	require.NoError(t, err)
	defer h.Close()

	err = h.Eject()
	assert.ErrorIs(t, err, blockerr.ErrBusy)
	assert.Equal(t, 0, fd.EjectCount)
}

func TestEjectGateRemovable(t *testing.T) {
	sd, fd, _ := newFixture(t, 0) // totalSize == 0: removable
	h, err := sd.Open(MasterIndex)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Eject())
	assert.Equal(t, 1, fd.EjectCount)
}

func TestRefCountInvariant(t *testing.T) {
	sd, _, _ := newFixture(t, 0x10000)
	// core + flusher + master node
	assert.EqualValues(t, 3, sd.RefCount())

	h, err := sd.Open(MasterIndex)
	require.NoError(t, err)
	assert.EqualValues(t, 4, sd.RefCount())

	require.NoError(t, h.Close())
	assert.EqualValues(t, 3, sd.RefCount())
}

func TestPeriodicFlushWritesBackDirtyTracks(t *testing.T) {
	sd, fd, _ := newFixtureWithFlushInterval(t, 0x10000, 20*time.Millisecond)

	h, err := sd.Open(MasterIndex)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Write(0, []byte("dirty"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return fd.CountServed(command.WriteTrack) >= 1
	}, time.Second, 5*time.Millisecond, "periodic flusher should write back the dirty track without an explicit Flush")
}
