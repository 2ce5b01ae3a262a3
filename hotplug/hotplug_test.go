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

package hotplug

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendersoftware/blockstore/device"
	"github.com/mendersoftware/blockstore/driver"
	"github.com/mendersoftware/blockstore/driver/drivertest"
	"github.com/mendersoftware/blockstore/frame"
	"github.com/mendersoftware/blockstore/registry"
)

// fakeAttacher avoids touching real block devices: it hands back a
// drivertest.FakeDriver sized after the file it was asked to open.
type fakeAttacher struct{}

func (fakeAttacher) Attach(path string) (driver.Driver, uint32, uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, 0, err
	}
	return drivertest.NewFakeDriver(int(info.Size())), 512, uint64(info.Size()), nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestAttachOnCreateAndHangupOnRemove(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	devfs := device.NewMemDevfs()
	alloc := frame.NewPool(0)

	w, err := New(dir, fakeAttacher{}, reg, devfs, alloc, time.Hour)
	require.NoError(t, err)
	defer w.Close()
	go w.Run()

	imgPath := filepath.Join(dir, "disk0.img")
	require.NoError(t, os.WriteFile(imgPath, make([]byte, 8192), 0o600))

	var sd *device.StorageDevice
	waitFor(t, 2*time.Second, func() bool {
		var ok bool
		sd, ok = w.Device("sda")
		return ok
	})
	assert.Equal(t, "sda", sd.Name())

	require.NoError(t, os.Remove(imgPath))
	waitFor(t, 2*time.Second, func() bool {
		_, ok := w.Device("sda")
		return !ok
	})
}
