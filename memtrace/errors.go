// Copyright 2022-2025 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memtrace

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleOutput is returned when a tracker whose output was lost to a
	// write failure is asked to start a new session. No I/O is attempted.
	ErrStaleOutput = errors.New("tracker has stale output")

	// ErrTrackerActive is returned when a second tracker tries to start
	// while another one holds the process-wide capture hook.
	ErrTrackerActive = errors.New("another tracker is already active")

	// ErrTransportClosed is returned by every write to a transport that has
	// already been closed. It is deterministic: repeated writes fail the
	// same way.
	ErrTransportClosed = errors.New("write on closed transport")
)

// ConnectionError reports that the consumer could not reach the producer's
// address. It is raised synchronously at connect time and never retried
// internally; retry policy belongs to the caller.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("Failed to resolve host IP and port %q: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("Failed to resolve host IP and port %q", e.Addr)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CorruptFrameError reports a frame whose declared structure cannot be
// decoded. It ends the consumer's record sequence.
type CorruptFrameError struct {
	Reason string
}

func (e *CorruptFrameError) Error() string {
	return "corrupt frame: " + e.Reason
}
