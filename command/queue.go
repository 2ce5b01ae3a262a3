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

import "sync"

// Queue is a per-device FIFO of *Record, guarded by a mutex with a
// condition variable standing in for the C implementation's counting
// semaphore: Pop blocks until Push (or Close) makes progress possible,
// exactly as the driver thread blocks in semWait(&sd->semCommands).
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Record
	closed bool
}

// NewQueue returns an empty, ready-to-use Queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends cmd to the tail of the queue and wakes one blocked Pop.
// Never blocks.
func (q *Queue) Push(cmd *Record) {
	q.mu.Lock()
	q.items = append(q.items, cmd)
	q.mu.Unlock()
	q.cond.Signal()
}

// Pop waits for and removes the head of the queue. It returns ok=false only
// if the queue was closed and drained (used to let a driver loop exit
// cleanly on hangup instead of blocking forever).
func (q *Queue) Pop() (cmd *Record, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	cmd = q.items[0]
	q.items = q.items[1:]
	return cmd, true
}

// Len reports the number of commands currently queued, for diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes every blocked Pop. Commands
// already queued are still returned by subsequent Pop calls (the command
// queue continues to drain until the driver's own reference is released);
// only once it is empty does Pop start returning ok=false.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
