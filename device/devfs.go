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
	"sync"

	"github.com/pkg/errors"
)

// Devfs is where device nodes are published and withdrawn, standing in for
// devfsAdd/devfsRemove against a real filesystem. A StorageDevice adds its
// master node at construction and adds or removes partition nodes as it
// rescans the MBR.
type Devfs interface {
	// Add publishes name with the given reported size. Returns an error
	// if name is already taken.
	Add(name string, size uint64) error
	// Remove withdraws name. Removing an unknown name is a no-op.
	Remove(name string)
}

// MemDevfs is an in-memory Devfs, the node-naming analogue of
// drivertest.FakeDriver: it gives tests something to assert "sd<L>0 is
// visible with size N" against without a real filesystem.
type MemDevfs struct {
	mu    sync.Mutex
	nodes map[string]uint64
}

// NewMemDevfs returns an empty MemDevfs.
func NewMemDevfs() *MemDevfs {
	return &MemDevfs{nodes: make(map[string]uint64)}
}

func (m *MemDevfs) Add(name string, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[name]; ok {
		return errors.Errorf("devfs: %s already exists", name)
	}
	m.nodes[name] = size
	return nil
}

func (m *MemDevfs) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, name)
}

// Size reports the size a node was added with and whether it exists, for
// test assertions.
func (m *MemDevfs) Size(name string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, ok := m.nodes[name]
	return size, ok
}

// Names returns the currently published node names, for test assertions
// about node counts.
func (m *MemDevfs) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		out = append(out, name)
	}
	return out
}
