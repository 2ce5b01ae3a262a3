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

// Package driver describes the block-device driver contract: the driver
// consumes *command.Record values from a device's Queue, and for
// each one writes its Block/Status fields before calling
// command.PostComplete. The core never depends on a concrete driver; it
// only ever talks to this interface and to the Queue.
package driver

import "github.com/mendersoftware/blockstore/command"

// Driver consumes commands from a queue until it is closed and drained.
// Implementations are opaque producers/consumers: everything they do with
// READ_TRACK, WRITE_TRACK, GET_SIZE and EJECT is driver-specific, but they
// must follow this contract:
//
//   - Block is 32 KiB of contiguous buffer for READ_TRACK/WRITE_TRACK, and
//     Pos is always 32 KiB aligned.
//   - Status, if non-nil, is written with 0 on success or non-zero on I/O
//     failure before completion is signalled.
//   - For GET_SIZE, Size points at the uint64 to fill in.
//   - command.PostComplete is called exactly once per popped record.
//
// Serve normally runs for the lifetime of the device, on its own goroutine,
// and returns once the queue reports no more commands (i.e. it was closed
// and drained). StorageDevice.Hangup does not close the queue.
type Driver interface {
	Serve(q *command.Queue)
}
