package memtrace

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// EventSink receives one captured allocation event with its pre-resolved
// stack, innermost frame first. It may be invoked from any goroutine and
// must not be held longer than one encode+write.
type EventSink func(kind AllocatorKind, size uint64, stack []StackFrame)

// CaptureEngine intercepts allocator calls in the traced process and feeds
// them to the sink it was installed with. The tracker installs the engine
// after its transport is open and uninstalls it before closing the
// transport, so the engine never sees a session without an output.
type CaptureEngine interface {
	Install(sink EventSink) error
	Uninstall() error
}

// Interception is process-wide, so at most one tracker may be active at a
// time. The registration doubles as the hook the in-process event sources
// (MemoryAllocator) deliver into.
var (
	activeMu      sync.Mutex
	activeTracker *Tracker
)

func installActive(t *Tracker) error {
	activeMu.Lock()
	defer activeMu.Unlock()
	if activeTracker != nil {
		return ErrTrackerActive
	}
	activeTracker = t
	return nil
}

func uninstallActive(t *Tracker) {
	activeMu.Lock()
	defer activeMu.Unlock()
	if activeTracker == t {
		activeTracker = nil
	}
}

func currentSink() EventSink {
	activeMu.Lock()
	defer activeMu.Unlock()
	if activeTracker == nil {
		return nil
	}
	return activeTracker.Observe
}

type trackerState int

const (
	stateIdle trackerState = iota
	stateActive
	stateStopped
)

// Tracker owns one recording session at a time: it opens the destination's
// transport, registers itself as the process-wide capture hook, and pushes
// every captured event through the frame codec in arrival order.
//
// A tracker that stopped normally can be started again for a fresh session.
// A tracker whose output was lost mid-session is stale forever: it keeps
// the traced application running, silently discards the rest of the
// session's events, and refuses any later Start.
type Tracker struct {
	dest   Destination
	engine CaptureEngine

	// mu serializes encode+write across the traced process's goroutines,
	// imposing the single frame ordering the consumer replays. It is held
	// only for the duration of one encode+write.
	mu    sync.Mutex
	state trackerState
	stale bool
	// starting covers the window between the state check and the
	// transport open, where mu cannot be held because the open blocks.
	// A concurrent Start fails on it before performing any I/O.
	starting bool
	out      Transport
}

// NewTracker creates an idle tracker for the given destination. engine may
// be nil when events are delivered only by in-process sources such as
// MemoryAllocator.
func NewTracker(dest Destination, engine CaptureEngine) *Tracker {
	return &Tracker{dest: dest, engine: engine}
}

// Start opens the destination's transport (for a socket destination this
// blocks until a consumer connects) and installs the capture hook. It fails
// with ErrStaleOutput, before any I/O, if the tracker is stale, and with
// ErrTrackerActive if this tracker is already starting or active, or if
// another tracker holds the process-wide hook.
func (t *Tracker) Start() error {
	t.mu.Lock()
	if t.stale {
		t.mu.Unlock()
		return ErrStaleOutput
	}
	if t.state == stateActive || t.starting {
		t.mu.Unlock()
		return ErrTrackerActive
	}
	t.starting = true
	t.mu.Unlock()

	// The accept/connect step blocks without the lock so event sources are
	// never stalled by a session that is still waiting for its peer.
	out, err := t.dest.openOutput()
	if err != nil {
		t.mu.Lock()
		t.starting = false
		t.mu.Unlock()
		return err
	}
	if err := installActive(t); err != nil {
		out.Close()
		t.mu.Lock()
		t.starting = false
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	t.out = out
	t.state = stateActive
	t.starting = false
	t.mu.Unlock()

	if t.engine != nil {
		if err := t.engine.Install(t.Observe); err != nil {
			t.Stop()
			return err
		}
	}
	log.WithField("destination", t.dest.String()).Debug("tracking started")
	return nil
}

// Observe is the capture hook: it encodes the event and writes it as one
// frame, serialized against concurrent callers. Write failures never reach
// the traced application; the first one flips the tracker to stale and all
// later events are discarded.
func (t *Tracker) Observe(kind AllocatorKind, size uint64, stack []StackFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateActive || t.stale {
		return
	}
	frame, err := encodeRecord(&AllocationRecord{Allocator: kind, Size: size, StackTrace: stack})
	if err != nil {
		return
	}
	if _, err := t.out.Write(frame); err != nil {
		t.stale = true
		log.WithError(err).Debug("tracker output lost, discarding remaining events")
	}
}

// Stop ends the session: the capture hook is uninstalled first, so no
// further events can be generated, then the transport is closed. Stop is
// idempotent and must run on every exit path of a session, including
// panics in the traced application's own code.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	if t.state != stateActive {
		t.mu.Unlock()
		return nil
	}
	t.state = stateStopped
	out := t.out
	t.out = nil
	t.mu.Unlock()

	if t.engine != nil {
		if err := t.engine.Uninstall(); err != nil {
			log.WithError(err).Debug("capture engine uninstall failed")
		}
	}
	uninstallActive(t)

	if err := out.Close(); err != nil {
		t.mu.Lock()
		t.stale = true
		t.mu.Unlock()
		log.WithError(err).Debug("tracker output close failed")
	}
	return nil
}

// Stale reports whether this tracker's output has been lost for good.
func (t *Tracker) Stale() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stale
}
