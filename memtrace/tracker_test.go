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
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// startSocketSession starts the tracker in the background (Start blocks in
// accept until a consumer appears), connects a reader with test-side retry,
// and waits for the session to be live.
func startSocketSession(t *testing.T, tracker *Tracker, port int) *Reader {
	t.Helper()

	started := make(chan error, 1)
	go func() { started <- tracker.Start() }()

	var reader *Reader
	require.Eventually(t, func() bool {
		r, err := NewSocketReader("localhost", port)
		if err != nil {
			return false
		}
		reader = r
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, <-started)
	return reader
}

func TestSocketStreamDelivery(t *testing.T) {
	port := freePort(t)
	tracker := NewTracker(SocketDestination{Port: port}, nil)
	reader := startSocketSession(t, tracker, port)
	defer reader.Close()

	allocator := NewMemoryAllocator()
	allocator.Valloc(1234)
	allocator.Free()
	require.NoError(t, tracker.Stop())

	alloc, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, AllocatorValloc, alloc.Allocator)
	require.Equal(t, uint64(1234), alloc.Size)
	require.NotEmpty(t, alloc.StackTrace)
	require.Equal(t, "valloc", alloc.StackTrace[0].Symbol)
	require.Contains(t, alloc.StackTrace[0].File, "allocator.go")
	require.Greater(t, alloc.StackTrace[0].Line, uint32(0))

	free, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, AllocatorFree, free.Allocator)
	require.Equal(t, uint64(0), free.Size)

	_, err = reader.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestOrderedDelivery(t *testing.T) {
	const n = 500

	port := freePort(t)
	tracker := NewTracker(SocketDestination{Port: port}, nil)
	reader := startSocketSession(t, tracker, port)
	defer reader.Close()

	// Drain concurrently so a full socket buffer can never stall the
	// producer against a reader that has not started yet.
	var got []*AllocationRecord
	done := make(chan struct{})
	go func() {
		defer close(done)
		for rec := range reader.Records() {
			got = append(got, rec)
		}
	}()

	allocator := NewMemoryAllocator()
	for i := 1; i <= n; i++ {
		allocator.Malloc(uint64(i))
	}
	require.NoError(t, tracker.Stop())
	<-done

	require.NoError(t, reader.Err())
	require.Len(t, got, n)
	for i, rec := range got {
		require.Equal(t, AllocatorMalloc, rec.Allocator)
		require.Equal(t, uint64(i+1), rec.Size)
	}
}

func TestConcurrentObserversKeepPerGoroutineOrder(t *testing.T) {
	const perKind = 200
	kinds := []AllocatorKind{AllocatorMalloc, AllocatorCalloc, AllocatorValloc, AllocatorMemalign}

	port := freePort(t)
	tracker := NewTracker(SocketDestination{Port: port}, nil)
	reader := startSocketSession(t, tracker, port)
	defer reader.Close()

	var got []*AllocationRecord
	done := make(chan struct{})
	go func() {
		defer close(done)
		for rec := range reader.Records() {
			got = append(got, rec)
		}
	}()

	var wg sync.WaitGroup
	for _, kind := range kinds {
		wg.Add(1)
		go func(kind AllocatorKind) {
			defer wg.Done()
			stack := []StackFrame{{Symbol: kind.String(), File: "stress.go", Line: 1}}
			for i := 1; i <= perKind; i++ {
				tracker.Observe(kind, uint64(i), stack)
			}
		}(kind)
	}
	wg.Wait()
	require.NoError(t, tracker.Stop())
	<-done

	// Interleaving across goroutines is arbitrary, but every frame must
	// decode and each goroutine's own event order must survive.
	lastSize := make(map[AllocatorKind]uint64)
	total := 0
	for _, rec := range got {
		total++
		require.Greater(t, rec.Size, lastSize[rec.Allocator])
		lastSize[rec.Allocator] = rec.Size
	}
	require.NoError(t, reader.Err())
	require.Equal(t, len(kinds)*perKind, total)
	for _, kind := range kinds {
		require.Equal(t, uint64(perKind), lastSize[kind])
	}
}

func TestReaderDisconnectMarksTrackerStale(t *testing.T) {
	port := freePort(t)
	tracker := NewTracker(SocketDestination{Port: port}, nil)
	reader := startSocketSession(t, tracker, port)

	allocator := NewMemoryAllocator()
	allocator.Valloc(1234)

	rec, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, AllocatorValloc, rec.Allocator)
	require.NoError(t, reader.Close())

	// The disconnect surfaces on the producer only once a write actually
	// fails; until then events land in the socket buffer. They must never
	// reach the traced application as a failure either way.
	require.Eventually(t, func() bool {
		allocator.Free()
		return tracker.Stale()
	}, 5*time.Second, 10*time.Millisecond)

	// Ending the session is still clean.
	require.NoError(t, tracker.Stop())

	// And the tracker stays disabled forever.
	err = tracker.Start()
	require.ErrorIs(t, err, ErrStaleOutput)
	require.ErrorContains(t, err, "stale output")
}

func TestTrackerRestartAfterCleanStop(t *testing.T) {
	port := freePort(t)
	tracker := NewTracker(SocketDestination{Port: port}, nil)
	allocator := NewMemoryAllocator()

	reader1 := startSocketSession(t, tracker, port)
	allocator.Valloc(111)
	require.NoError(t, tracker.Stop())

	rec, err := reader1.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(111), rec.Size)
	_, err = reader1.Next()
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, reader1.Close())

	// Same tracker, fresh listen/accept cycle, independent stream.
	reader2 := startSocketSession(t, tracker, port)
	allocator.Malloc(222)
	require.NoError(t, tracker.Stop())

	rec, err = reader2.Next()
	require.NoError(t, err)
	require.Equal(t, AllocatorMalloc, rec.Allocator)
	require.Equal(t, uint64(222), rec.Size)
	_, err = reader2.Next()
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, reader2.Close())
}

func TestSecondTrackerRefusedWhileActive(t *testing.T) {
	port := freePort(t)
	tracker := NewTracker(SocketDestination{Port: port}, nil)
	reader := startSocketSession(t, tracker, port)
	defer reader.Close()
	defer tracker.Stop()

	other := NewTracker(FileDestination{Path: filepath.Join(t.TempDir(), "other.bin")}, nil)
	require.ErrorIs(t, other.Start(), ErrTrackerActive)

	// The losing tracker is not poisoned, just rejected.
	require.False(t, other.Stale())
}

func TestStopIsIdempotent(t *testing.T) {
	tracker := NewTracker(FileDestination{Path: filepath.Join(t.TempDir(), "out.bin")}, nil)
	require.NoError(t, tracker.Start())
	require.NoError(t, tracker.Stop())
	require.NoError(t, tracker.Stop())
}

func TestFileDestinationRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.bin")
	tracker := NewTracker(FileDestination{Path: path}, nil)
	require.NoError(t, tracker.Start())

	allocator := NewMemoryAllocator()
	for i := 0; i < 5; i++ {
		allocator.PosixMemalign(4096)
	}
	allocator.Free()
	require.NoError(t, tracker.Stop())

	reader, err := NewFileReader(path)
	require.NoError(t, err)
	defer reader.Close()

	var kinds []AllocatorKind
	for rec := range reader.Records() {
		kinds = append(kinds, rec.Allocator)
	}
	require.NoError(t, reader.Err())
	require.Equal(t, []AllocatorKind{
		AllocatorPosixMemalign, AllocatorPosixMemalign, AllocatorPosixMemalign,
		AllocatorPosixMemalign, AllocatorPosixMemalign, AllocatorFree,
	}, kinds)
}

func TestObserveWithoutSessionIsNoop(t *testing.T) {
	tracker := NewTracker(FileDestination{Path: filepath.Join(t.TempDir(), "out.bin")}, nil)
	// Must not panic or perform I/O.
	tracker.Observe(AllocatorMalloc, 10, nil)
	require.False(t, tracker.Stale())
}

func TestAllocatorWithoutTrackerIsNoop(t *testing.T) {
	allocator := NewMemoryAllocator()
	for i := 0; i < 10; i++ {
		allocator.Malloc(uint64(i))
	}
	allocator.Free()
}

func TestTrackerStaleAcrossManyEvents(t *testing.T) {
	// A stale tracker must swallow an arbitrary amount of traffic without
	// ever surfacing a failure to the event source.
	port := freePort(t)
	tracker := NewTracker(SocketDestination{Port: port}, nil)
	reader := startSocketSession(t, tracker, port)
	require.NoError(t, reader.Close())

	allocator := NewMemoryAllocator()
	require.Eventually(t, func() bool {
		allocator.Malloc(1 << 16)
		return tracker.Stale()
	}, 5*time.Second, time.Millisecond)

	for i := 0; i < 1000; i++ {
		allocator.Malloc(uint64(i))
		allocator.Free()
	}
	require.NoError(t, tracker.Stop())
}

func TestConcurrentStartsSingleWinner(t *testing.T) {
	tracker := NewTracker(FileDestination{Path: filepath.Join(t.TempDir(), "out.bin")}, nil)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- tracker.Start()
		}()
	}
	wg.Wait()
	close(errs)

	var winners, losers int
	for err := range errs {
		if err == nil {
			winners++
		} else {
			require.ErrorIs(t, err, ErrTrackerActive)
			losers++
		}
	}
	require.Equal(t, 1, winners)
	require.Equal(t, 1, losers)
	require.False(t, tracker.Stale())
	require.NoError(t, tracker.Stop())
}

func TestStartRefusedWhileAcceptPending(t *testing.T) {
	port := freePort(t)
	tracker := NewTracker(SocketDestination{Port: port}, nil)

	started := make(chan error, 1)
	go func() { started <- tracker.Start() }()

	// Wait until the background Start holds the session slot and is
	// blocking in accept.
	require.Eventually(t, func() bool {
		tracker.mu.Lock()
		defer tracker.mu.Unlock()
		return tracker.starting
	}, 5*time.Second, time.Millisecond)

	// A second Start must fail immediately, without touching the socket.
	require.ErrorIs(t, tracker.Start(), ErrTrackerActive)

	reader, err := NewSocketReader("localhost", port)
	require.NoError(t, err)
	defer reader.Close()
	require.NoError(t, <-started)
	require.NoError(t, tracker.Stop())
}

func TestStaleSessionFaultMessage(t *testing.T) {
	tracker := NewTracker(FileDestination{Path: filepath.Join(t.TempDir(), "out.bin")}, nil)
	tracker.stale = true

	err := tracker.Start()
	require.ErrorIs(t, err, ErrStaleOutput)
	require.Contains(t, fmt.Sprint(err), "stale output")
}
