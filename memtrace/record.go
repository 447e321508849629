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

// Package memtrace streams allocation events out of a traced process.
//
// A Tracker on the producer side turns captured allocator calls into
// AllocationRecords and pushes them, one binary frame per event, through a
// file or socket transport. A Reader on the consumer side pulls the frames
// back out as a lazy record sequence.
package memtrace

import "fmt"

// AllocatorKind identifies the intercepted allocation primitive. The set is
// closed and fixed at process start; the 1-byte value is written to the wire
// as-is.
type AllocatorKind uint8

const (
	AllocatorMalloc AllocatorKind = iota + 1
	AllocatorFree
	AllocatorCalloc
	AllocatorCfree
	AllocatorRealloc
	AllocatorPosixMemalign
	AllocatorAlignedAlloc
	AllocatorMemalign
	AllocatorValloc
	AllocatorPvalloc
	AllocatorMmap
	AllocatorMunmap
)

var allocatorNames = map[AllocatorKind]string{
	AllocatorMalloc:        "malloc",
	AllocatorFree:          "free",
	AllocatorCalloc:        "calloc",
	AllocatorCfree:         "cfree",
	AllocatorRealloc:       "realloc",
	AllocatorPosixMemalign: "posix_memalign",
	AllocatorAlignedAlloc:  "aligned_alloc",
	AllocatorMemalign:      "memalign",
	AllocatorValloc:        "valloc",
	AllocatorPvalloc:       "pvalloc",
	AllocatorMmap:          "mmap",
	AllocatorMunmap:        "munmap",
}

func (k AllocatorKind) String() string {
	if name, ok := allocatorNames[k]; ok {
		return name
	}
	return fmt.Sprintf("allocator(%d)", uint8(k))
}

func (k AllocatorKind) valid() bool {
	_, ok := allocatorNames[k]
	return ok
}

// Deallocator reports whether the primitive releases memory rather than
// acquiring it. Deallocation events carry a size of zero.
func (k AllocatorKind) Deallocator() bool {
	switch k {
	case AllocatorFree, AllocatorCfree, AllocatorMunmap:
		return true
	}
	return false
}

// StackFrame is one already-symbolized frame of an allocation call stack.
// The symbolizer produces it; the stream treats it as an opaque triple.
type StackFrame struct {
	// Symbol is the function name.
	Symbol string
	// File is the path of the source file.
	File string
	// Line is the line number within File.
	Line uint32
}

// AllocationRecord is the unit of the stream: one allocator call together
// with the stack that made it, innermost frame first. Records are immutable
// once constructed and cross the wire whole, never partially.
type AllocationRecord struct {
	// Allocator is the primitive that produced the event.
	Allocator AllocatorKind
	// Size is the number of bytes requested. Zero for deallocations.
	Size uint64
	// StackTrace holds the call stack, innermost frame first. It is fixed
	// at capture time and never re-walked.
	StackTrace []StackFrame
}
