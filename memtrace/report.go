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
	"sort"
	"strings"

	"github.com/google/pprof/profile"
)

// PprofReporter aggregates allocation records by stack into a pprof
// profile with alloc_objects/alloc_space sample types. Deallocation
// events carry no size and are skipped.
type PprofReporter struct {
	prof *profile.Profile

	locations map[StackFrame]*profile.Location
	functions map[StackFrame]*profile.Function
	samples   map[string]*profile.Sample

	nextLocationID uint64
	nextFunctionID uint64
}

func NewPprofReporter() *PprofReporter {
	return &PprofReporter{
		prof: &profile.Profile{
			DefaultSampleType: "alloc_space",
			SampleType: []*profile.ValueType{
				{Type: "alloc_objects", Unit: "count"},
				{Type: "alloc_space", Unit: "bytes"},
			},
			PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
			Period:     1,
		},
		locations:      make(map[StackFrame]*profile.Location),
		functions:      make(map[StackFrame]*profile.Function),
		samples:        make(map[string]*profile.Sample),
		nextLocationID: 1,
		nextFunctionID: 1,
	}
}

func (r *PprofReporter) Consume(rec *AllocationRecord) error {
	if rec.Allocator.Deallocator() {
		return nil
	}

	locs := make([]*profile.Location, 0, len(rec.StackTrace))
	var key strings.Builder
	for _, frame := range rec.StackTrace {
		locs = append(locs, r.location(frame))
		fmt.Fprintf(&key, "%s\x00%s\x00%d\x00", frame.Symbol, frame.File, frame.Line)
	}

	sample, ok := r.samples[key.String()]
	if !ok {
		sample = &profile.Sample{
			Location: locs,
			Value:    []int64{0, 0},
		}
		r.samples[key.String()] = sample
		r.prof.Sample = append(r.prof.Sample, sample)
	}
	sample.Value[0]++
	sample.Value[1] += int64(rec.Size)
	return nil
}

func (r *PprofReporter) location(frame StackFrame) *profile.Location {
	if loc, ok := r.locations[frame]; ok {
		return loc
	}

	fn, ok := r.functions[frame]
	if !ok {
		fn = &profile.Function{
			ID:         r.nextFunctionID,
			Name:       frame.Symbol,
			SystemName: frame.Symbol,
			Filename:   frame.File,
			StartLine:  int64(frame.Line),
		}
		r.nextFunctionID++
		r.functions[frame] = fn
		r.prof.Function = append(r.prof.Function, fn)
	}

	loc := &profile.Location{
		ID: r.nextLocationID,
		Line: []profile.Line{
			{Function: fn, Line: int64(frame.Line)},
		},
	}
	r.nextLocationID++
	r.locations[frame] = loc
	r.prof.Location = append(r.prof.Location, loc)
	return loc
}

// Flush orders the location table by ID so the profile serializes
// deterministically.
func (r *PprofReporter) Flush() error {
	sort.Slice(r.prof.Location, func(i, j int) bool {
		return r.prof.Location[i].ID < r.prof.Location[j].ID
	})
	return nil
}

// Profile returns the aggregated profile.
func (r *PprofReporter) Profile() *profile.Profile {
	return r.prof
}

// WriteTo writes the profile in compressed protobuf form.
func (r *PprofReporter) WriteTo(w io.Writer) error {
	return r.prof.Write(w)
}
