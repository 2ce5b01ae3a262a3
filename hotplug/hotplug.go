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

// Package hotplug watches a directory for disk-image files appearing and
// disappearing, the closest thing outside real hardware to a driver
// reporting that a device has been attached or has hung up. It is grounded
// in app/daemon.go's fsnotify.NewWatcher use, which reacts to a config
// file's Write/Remove/Rename the way this package reacts to an image file's
// Create/Remove/Rename; Write events on an image file are ignored.
package hotplug

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/blockstore/device"
	"github.com/mendersoftware/blockstore/driver"
	"github.com/mendersoftware/blockstore/driver/linuxfile"
	"github.com/mendersoftware/blockstore/frame"
	"github.com/mendersoftware/blockstore/registry"
)

// Attacher opens path and reports the geometry New needs, abstracted so
// tests can substitute a fake instead of a real linuxfile.Driver.
type Attacher interface {
	Attach(path string) (driver.Driver, uint32, uint64, error)
}

// LinuxAttacher opens a regular file or block device node the way
// driver/linuxfile intends: a real BLKSSZGET/BLKGETSIZE64-backed driver.
type LinuxAttacher struct{}

// Attach implements Attacher against a real Linux path.
func (LinuxAttacher) Attach(path string) (driver.Driver, uint32, uint64, error) {
	d, err := linuxfile.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	sectorSize, err := linuxfile.SectorSize(d.File())
	if err != nil {
		sectorSize = 512
	}
	size, err := linuxfile.GetSize(d.File())
	if err != nil {
		d.Close()
		return nil, 0, 0, errors.Wrap(err, "hotplug: get size")
	}
	return d, uint32(sectorSize), size, nil
}

// Watcher attaches a StorageDevice for every disk-image file that appears
// in a watched directory and hangs it up when the file disappears.
type Watcher struct {
	dir           string
	attacher      Attacher
	reg           *registry.Registry
	devfs         device.Devfs
	alloc         frame.Allocator
	flushInterval time.Duration

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	devices map[string]*device.StorageDevice
}

// New creates a Watcher over dir. Call Run to start serving events.
// flushInterval is passed through to device.New for every device the
// watcher attaches.
func New(dir string, attacher Attacher, reg *registry.Registry, devfs device.Devfs, alloc frame.Allocator, flushInterval time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "hotplug: new watcher")
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "hotplug: watch %s", dir)
	}
	return &Watcher{
		dir:           dir,
		attacher:      attacher,
		reg:           reg,
		devfs:         devfs,
		alloc:         alloc,
		flushInterval: flushInterval,
		fsw:           fsw,
		devices:       make(map[string]*device.StorageDevice),
	}, nil
}

// Close stops watching and releases the underlying fsnotify handle. It does
// not hang up devices already attached.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run services fsnotify events until the watcher is closed. Each Create is
// treated as a device attach, each Remove or Rename as a hangup.
func (w *Watcher) Run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warnf("hotplug: watcher error: %v", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	switch {
	case event.Op&fsnotify.Create != 0:
		w.attach(event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.detach(event.Name)
	default:
		log.Debugf("hotplug: ignoring %v", event)
	}
}

func (w *Watcher) attach(path string) {
	w.mu.Lock()
	if _, exists := w.devices[path]; exists {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	drv, blockSize, size, err := w.attacher.Attach(path)
	if err != nil {
		log.Warnf("hotplug: attach %s: %v", path, err)
		return
	}

	sd, err := device.New(drv, w.reg, w.devfs, w.alloc, blockSize, size, w.flushInterval)
	if err != nil {
		log.Warnf("hotplug: register %s: %v", path, err)
		return
	}

	w.mu.Lock()
	w.devices[path] = sd
	w.mu.Unlock()

	log.Infof("hotplug: %s attached as %s", path, sd.Name())
}

// Device looks up an attached device by its devfs name (e.g. "sdb"), for
// callers like cli.Runtime that need to resolve an operator-given name to a
// live StorageDevice.
func (w *Watcher) Device(name string) (*device.StorageDevice, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sd := range w.devices {
		if sd.Name() == name {
			return sd, true
		}
	}
	return nil, false
}

func (w *Watcher) detach(path string) {
	w.mu.Lock()
	sd, ok := w.devices[path]
	if ok {
		delete(w.devices, path)
	}
	w.mu.Unlock()

	if !ok {
		return
	}
	sd.Hangup()
	log.Infof("hotplug: %s (%s) hung up", path, sd.Name())
}
