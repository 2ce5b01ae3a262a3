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

// Package blockerr classifies the errors the block storage subsystem
// surfaces to its callers: resource exhaustion, a device that has hung up,
// a driver I/O failure, or a usage conflict.
package blockerr

import "github.com/pkg/errors"

// Sentinel errors surfaced to callers. Wrap these with errors.Wrap at call
// sites for context; match them with errors.Cause/errors.Is, never by
// string comparison.
var (
	// ErrNoMemory is returned when a physical frame or interior node
	// could not be allocated.
	ErrNoMemory = errors.New("no memory")
	// ErrIO is returned when the driver reported a track read/write
	// failure.
	ErrIO = errors.New("device I/O error")
	// ErrNoDevice is returned by every entry point once a device has
	// hung up. Sticky: it never clears.
	ErrNoDevice = errors.New("no such device")
	// ErrBusy is returned on an open-mask conflict (master vs.
	// partition) or an eject attempted on a non-removable device.
	ErrBusy = errors.New("device or resource busy")
)

// Kind classifies an error for callers that want to branch on it without
// depending on a specific sentinel (e.g. deciding whether a retry makes
// sense).
type Kind int

const (
	// KindUnknown is the zero value; Classify never returns it for one
	// of the four sentinels above, only for errors it doesn't recognize.
	KindUnknown Kind = iota
	KindResourceExhausted
	KindDeviceGone
	KindIOFailure
	KindUsage
)

// Classify maps an error (or a wrapped one) to its Kind.
func Classify(err error) Kind {
	switch errors.Cause(err) {
	case ErrNoMemory:
		return KindResourceExhausted
	case ErrNoDevice:
		return KindDeviceGone
	case ErrIO:
		return KindIOFailure
	case ErrBusy:
		return KindUsage
	default:
		return KindUnknown
	}
}
