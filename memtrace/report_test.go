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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPprofAggregation(t *testing.T) {
	siteA := []StackFrame{
		{Symbol: "parse_input", File: "parser.c", Line: 88},
		{Symbol: "main", File: "main.c", Line: 12},
	}
	siteB := []StackFrame{
		{Symbol: "grow_buffer", File: "buffer.c", Line: 41},
		{Symbol: "main", File: "main.c", Line: 14},
	}

	rep := NewPprofReporter()
	require.NoError(t, rep.Consume(&AllocationRecord{Allocator: AllocatorMalloc, Size: 100, StackTrace: siteA}))
	require.NoError(t, rep.Consume(&AllocationRecord{Allocator: AllocatorMalloc, Size: 50, StackTrace: siteA}))
	require.NoError(t, rep.Consume(&AllocationRecord{Allocator: AllocatorValloc, Size: 4096, StackTrace: siteB}))
	// Deallocations are not samples.
	require.NoError(t, rep.Consume(&AllocationRecord{Allocator: AllocatorFree, Size: 0, StackTrace: siteA}))
	require.NoError(t, rep.Flush())

	prof := rep.Profile()
	require.Len(t, prof.SampleType, 2)
	require.Len(t, prof.Sample, 2)

	// siteA: 2 allocations, 150 bytes.
	require.Equal(t, []int64{2, 150}, prof.Sample[0].Value)
	require.Equal(t, "parse_input", prof.Sample[0].Location[0].Line[0].Function.Name)
	// siteB: 1 allocation, 4096 bytes.
	require.Equal(t, []int64{1, 4096}, prof.Sample[1].Value)

	// "main" appears in both stacks but at different lines, so each frame
	// is its own function entry; the shared frame identity is exact.
	require.Len(t, prof.Function, 4)
	require.Len(t, prof.Location, 4)
}

func TestPprofProfileSerializes(t *testing.T) {
	rep := NewPprofReporter()
	require.NoError(t, rep.Consume(&AllocationRecord{
		Allocator:  AllocatorMalloc,
		Size:       64,
		StackTrace: []StackFrame{{Symbol: "malloc", File: "alloc.c", Line: 1}},
	}))
	require.NoError(t, rep.Flush())

	var buf bytes.Buffer
	require.NoError(t, rep.WriteTo(&buf))
	require.NotZero(t, buf.Len())

	require.NoError(t, rep.Profile().CheckValid())
}

func TestPprofZeroFrameRecord(t *testing.T) {
	rep := NewPprofReporter()
	require.NoError(t, rep.Consume(&AllocationRecord{Allocator: AllocatorMmap, Size: 1 << 20}))
	require.NoError(t, rep.Flush())

	prof := rep.Profile()
	require.Len(t, prof.Sample, 1)
	require.Empty(t, prof.Sample[0].Location)
	require.Equal(t, []int64{1, 1 << 20}, prof.Sample[0].Value)
}
