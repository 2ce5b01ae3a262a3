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

package linuxfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendersoftware/blockstore/command"
)

func tempImage(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
	return path
}

func TestReadWriteRoundTrip(t *testing.T) {
	path := tempImage(t, 64*1024)
	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	q := command.NewQueue()
	go d.Serve(q)
	defer q.Close()

	payload := make([]byte, 32*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	status := 0
	write := &command.Record{
		Tag:    command.WriteTrack,
		Block:  payload,
		Pos:    0,
		Done:   make(chan struct{}),
		Status: &status,
	}
	q.Push(write)
	<-write.Done
	require.Equal(t, 0, status)

	readBuf := make([]byte, 32*1024)
	read := &command.Record{
		Tag:    command.ReadTrack,
		Block:  readBuf,
		Pos:    0,
		Done:   make(chan struct{}),
		Status: &status,
	}
	q.Push(read)
	<-read.Done
	require.Equal(t, 0, status)
	assert.Equal(t, payload, readBuf)
}

func TestGetSizeReportsFileLength(t *testing.T) {
	path := tempImage(t, 128*1024)
	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	size, err := GetSize(d.File())
	require.NoError(t, err)
	assert.EqualValues(t, 128*1024, size)
}

func TestEjectIsNoOp(t *testing.T) {
	path := tempImage(t, 4096)
	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	q := command.NewQueue()
	go d.Serve(q)
	defer q.Close()

	cmd := &command.Record{Tag: command.Eject, Done: make(chan struct{})}
	q.Push(cmd)
	<-cmd.Done
}
