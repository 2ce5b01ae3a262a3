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

package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue()

	a := &Record{Tag: ReadTrack, Pos: 0}
	b := &Record{Tag: ReadTrack, Pos: 0x8000}
	c := &Record{Tag: ReadTrack, Pos: 0x10000}

	q.Push(a)
	q.Push(b)
	q.Push(c)

	for _, want := range []*Record{a, b, c} {
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Same(t, want, got)
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	done := make(chan *Record, 1)

	go func() {
		cmd, ok := q.Pop()
		if ok {
			done <- cmd
		} else {
			done <- nil
		}
	}()

	select {
	case <-done:
		t.Fatal("Pop returned before any command was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	cmd := &Record{Tag: Signal}
	q.Push(cmd)

	select {
	case got := <-done:
		assert.Same(t, cmd, got)
	case <-time.After(time.Second):
		t.Fatal("Pop never woke up after Push")
	}
}

func TestQueueCloseDrainsThenStops(t *testing.T) {
	q := NewQueue()
	q.Push(&Record{Tag: Signal})
	q.Close()

	_, ok := q.Pop()
	assert.True(t, ok, "queued command should still be delivered after Close")

	_, ok = q.Pop()
	assert.False(t, ok, "Pop should report no more commands once drained and closed")
}

func TestPostCompleteSignalsDone(t *testing.T) {
	cmd := &Record{Tag: ReadTrack, Done: make(chan struct{})}
	PostComplete(cmd)

	select {
	case <-cmd.Done:
	default:
		t.Fatal("Done channel was not closed")
	}
}

func TestNewSignalHasNoWaiter(t *testing.T) {
	cmd := NewSignal()
	assert.Equal(t, Signal, cmd.Tag)
	assert.Nil(t, cmd.Done)
}
