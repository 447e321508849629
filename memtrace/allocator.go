package memtrace

import (
	"runtime"
	"sync"
)

// MemoryAllocator is an in-process event source that exercises the tracker
// the way intercepted libc calls would: each primitive performs a real
// allocation, captures its own call stack already symbolized via the Go
// runtime, and delivers the event to the active tracker. The innermost
// frame names the primitive itself.
//
// It backs the integration tests and the demo producer; with no tracker
// active its primitives are plain allocations.
type MemoryAllocator struct {
	mu   sync.Mutex
	held [][]byte
}

func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{}
}

func (a *MemoryAllocator) Malloc(size uint64)        { a.alloc(AllocatorMalloc, size) }
func (a *MemoryAllocator) Calloc(size uint64)        { a.alloc(AllocatorCalloc, size) }
func (a *MemoryAllocator) Realloc(size uint64)       { a.alloc(AllocatorRealloc, size) }
func (a *MemoryAllocator) Valloc(size uint64)        { a.alloc(AllocatorValloc, size) }
func (a *MemoryAllocator) Pvalloc(size uint64)       { a.alloc(AllocatorPvalloc, size) }
func (a *MemoryAllocator) Memalign(size uint64)      { a.alloc(AllocatorMemalign, size) }
func (a *MemoryAllocator) PosixMemalign(size uint64) { a.alloc(AllocatorPosixMemalign, size) }

// Free releases the most recent allocation and reports it with size zero,
// matching the wire convention for deallocation events.
func (a *MemoryAllocator) Free() {
	a.mu.Lock()
	if n := len(a.held); n > 0 {
		a.held = a.held[:n-1]
	}
	a.mu.Unlock()
	// Free calls emit directly, one level shallower than alloc does.
	a.emit(AllocatorFree, 0, 3)
}

func (a *MemoryAllocator) alloc(kind AllocatorKind, size uint64) {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i)
	}
	a.mu.Lock()
	a.held = append(a.held, buf)
	a.mu.Unlock()
	a.emit(kind, size, 4)
}

// emit delivers the event to the active tracker. skip is the number of
// runtime frames between runtime.Callers and the allocation primitive, so
// the primitive's own frame is the innermost one captured.
func (a *MemoryAllocator) emit(kind AllocatorKind, size uint64, skip int) {
	sink := currentSink()
	if sink == nil {
		return
	}
	sink(kind, size, captureStack(kind.String(), skip))
}

// captureStack resolves the caller stack through the runtime, innermost
// frame first. The innermost frame keeps its real file and line but is
// renamed to the allocation primitive, mirroring how the interception
// layer reports the allocator entry point as the call site.
func captureStack(primitive string, skip int) []StackFrame {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	var stack []StackFrame
	for {
		frame, more := frames.Next()
		symbol := frame.Function
		if len(stack) == 0 {
			symbol = primitive
		}
		stack = append(stack, StackFrame{
			Symbol: symbol,
			File:   frame.File,
			Line:   uint32(frame.Line),
		})
		if !more {
			break
		}
	}
	return stack
}
