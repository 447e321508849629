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
	"bufio"
	"errors"
	"io"
	"iter"
)

// Reader is the consumer side of a record stream. It owns its transport
// exclusively for its whole lifetime and produces a one-shot sequence of
// records: each advance pulls exactly one frame off the wire. The sequence
// ends cleanly at end-of-stream or peer disconnect and cannot be restarted.
type Reader struct {
	in   Transport
	br   *bufio.Reader
	err  error
	done bool
}

// Connect opens the consumer side of the destination's transport. For a
// socket destination a bad host or port fails immediately with a
// ConnectionError; no retry is attempted.
func Connect(dest Destination) (*Reader, error) {
	in, err := dest.openInput()
	if err != nil {
		return nil, err
	}
	return &Reader{in: in, br: bufio.NewReader(in)}, nil
}

// NewSocketReader connects out to a tracker listening on (host, port).
// An empty host means "localhost".
func NewSocketReader(host string, port int) (*Reader, error) {
	return Connect(SocketDestination{Host: host, Port: port})
}

// NewFileReader reads a capture file written by a file-destination tracker.
func NewFileReader(path string) (*Reader, error) {
	return Connect(FileDestination{Path: path})
}

// Next returns the next record in the stream. It returns io.EOF once the
// stream has terminated cleanly, which includes the producer disconnecting
// mid-frame. A CorruptFrameError is sticky: once returned, every further
// call returns it again.
func (r *Reader) Next() (*AllocationRecord, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.done {
		return nil, io.EOF
	}
	rec, err := decodeRecord(r.br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.done = true
			return nil, io.EOF
		}
		r.err = err
		return nil, err
	}
	return rec, nil
}

// Records returns the stream as a lazy, single-pass iterator over Next.
// The iteration stops at clean end-of-stream or on a corrupt frame; after
// a corrupt frame Err reports it.
func (r *Reader) Records() iter.Seq[*AllocationRecord] {
	return func(yield func(*AllocationRecord) bool) {
		for {
			rec, err := r.Next()
			if err != nil {
				return
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Err returns the fault that terminated the sequence, if any. A clean
// end-of-stream is not a fault.
func (r *Reader) Err() error {
	return r.err
}

// Close disconnects the reader. Closing while the producer is still
// tracking is supported; the producer's next write fails on its side and
// is handled there. Close is idempotent.
func (r *Reader) Close() error {
	r.done = true
	return r.in.Close()
}
