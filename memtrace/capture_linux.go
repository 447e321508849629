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

//go:build linux

package memtrace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"
	log "github.com/sirupsen/logrus"
)

// maxRawFrames bounds the per-sample stack the BPF side ships.
const maxRawFrames = 64

// rawAllocEvent mirrors the C struct the allocator uprobes push into the
// perf ring. Field order and padding must match the BPF side exactly.
type rawAllocEvent struct {
	Size uint64
	Kind uint8
	_    [3]byte
	Nstk uint32
	Stk  [maxRawFrames]uint64
}

// PerfCaptureEngine drains allocation samples from an eBPF perf event map
// and feeds them, symbolized, to the tracker sink. The caller owns the BPF
// program lifecycle and hands over only the events map, the same split the
// bpf2go-generated objects use.
type PerfCaptureEngine struct {
	events *ebpf.Map
	sym    *Symbolizer

	reader *perf.Reader
	done   chan struct{}
}

func NewPerfCaptureEngine(events *ebpf.Map, sym *Symbolizer) *PerfCaptureEngine {
	return &PerfCaptureEngine{events: events, sym: sym}
}

func (e *PerfCaptureEngine) Install(sink EventSink) error {
	if e.reader != nil {
		return errors.New("capture engine already installed")
	}
	rd, err := perf.NewReader(e.events, 4*os.Getpagesize())
	if err != nil {
		return fmt.Errorf("creating perf reader: %w", err)
	}
	e.reader = rd
	e.done = make(chan struct{})
	go e.run(sink)
	return nil
}

func (e *PerfCaptureEngine) run(sink EventSink) {
	defer close(e.done)
	for {
		rec, err := e.reader.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return
			}
			log.WithError(err).Error("reading from perf event reader")
			continue
		}
		if rec.LostSamples != 0 {
			log.WithField("lost", rec.LostSamples).Warn("perf event ring buffer full, dropped samples")
			continue
		}

		kind, size, addrs, err := parseRawEvent(rec.RawSample)
		if err != nil {
			log.WithError(err).Warn("dropping unparseable perf sample")
			continue
		}

		var stack []StackFrame
		if e.sym != nil {
			stack = e.sym.Frames(addrs)
		}
		sink(kind, size, stack)
	}
}

// parseRawEvent decodes one perf sample into its allocator kind, size and
// captured addresses, innermost first. The address list stops at the first
// zero slot; the BPF side zero-fills the unused tail of the stack array.
func parseRawEvent(sample []byte) (AllocatorKind, uint64, []uint64, error) {
	var ev rawAllocEvent
	if err := binary.Read(bytes.NewReader(sample), binary.LittleEndian, &ev); err != nil {
		return 0, 0, nil, fmt.Errorf("parsing perf event: %w", err)
	}
	kind := AllocatorKind(ev.Kind)
	if !kind.valid() {
		return 0, 0, nil, fmt.Errorf("unknown allocator kind %d", ev.Kind)
	}

	nstk := ev.Nstk
	if nstk > maxRawFrames {
		nstk = maxRawFrames
	}
	addrs := make([]uint64, 0, nstk)
	for _, addr := range ev.Stk[:nstk] {
		if addr == 0 {
			break
		}
		addrs = append(addrs, addr)
	}
	return kind, ev.Size, addrs, nil
}

// Uninstall closes the ring and waits for the drain goroutine, so no event
// can reach the sink once it returns.
func (e *PerfCaptureEngine) Uninstall() error {
	if e.reader == nil {
		return nil
	}
	err := e.reader.Close()
	<-e.done
	e.reader = nil
	return err
}
