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
	"encoding/binary"
	"fmt"
	"io"
)

// Wire format, all integers little-endian, no version negotiation:
//
//	header:  kind u8 | size u64 | frame_count u32
//	frame:   sym_len u32 | sym bytes | file_len u32 | file bytes | line u32
//
// repeated frame_count times. One encoded record is written with a single
// transport write so a record is never partially transmitted.
const frameHeaderSize = 1 + 8 + 4

// Decoder-side bounds. A header declaring more than these is treated as
// corrupt rather than allocated for, so a malformed peer cannot force
// amplified allocations.
const (
	maxStackDepth = 2048
	maxStringLen  = 1 << 16
)

func encodeRecord(rec *AllocationRecord) ([]byte, error) {
	if len(rec.StackTrace) > maxStackDepth {
		return nil, fmt.Errorf("stack depth %d exceeds frame limit %d", len(rec.StackTrace), maxStackDepth)
	}

	n := frameHeaderSize
	for _, f := range rec.StackTrace {
		if len(f.Symbol) > maxStringLen || len(f.File) > maxStringLen {
			return nil, fmt.Errorf("stack frame string exceeds length limit %d", maxStringLen)
		}
		n += 4 + len(f.Symbol) + 4 + len(f.File) + 4
	}

	buf := make([]byte, 0, n)
	buf = append(buf, byte(rec.Allocator))
	buf = binary.LittleEndian.AppendUint64(buf, rec.Size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.StackTrace)))
	for _, f := range rec.StackTrace {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Symbol)))
		buf = append(buf, f.Symbol...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.File)))
		buf = append(buf, f.File...)
		buf = binary.LittleEndian.AppendUint32(buf, f.Line)
	}
	return buf, nil
}

// decodeRecord reads exactly one frame. A read that comes up short at any
// point, including zero bytes before the header, signals clean stream
// termination and is reported as io.EOF: the producer either finished or
// went away mid-frame, and in both cases the stream is simply over. Only
// bytes that arrive intact but violate the declared structure are a
// CorruptFrameError.
func decodeRecord(r io.Reader) (*AllocationRecord, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, io.EOF
	}

	kind := AllocatorKind(hdr[0])
	if !kind.valid() {
		return nil, &CorruptFrameError{Reason: fmt.Sprintf("unknown allocator tag %d", hdr[0])}
	}
	size := binary.LittleEndian.Uint64(hdr[1:9])
	frameCount := binary.LittleEndian.Uint32(hdr[9:13])
	if frameCount > maxStackDepth {
		return nil, &CorruptFrameError{Reason: fmt.Sprintf("frame count %d exceeds limit %d", frameCount, maxStackDepth)}
	}

	rec := &AllocationRecord{Allocator: kind, Size: size}
	if frameCount > 0 {
		rec.StackTrace = make([]StackFrame, 0, frameCount)
	}
	for i := uint32(0); i < frameCount; i++ {
		symbol, err := decodeString(r)
		if err != nil {
			return nil, err
		}
		file, err := decodeString(r)
		if err != nil {
			return nil, err
		}
		var line [4]byte
		if _, err := io.ReadFull(r, line[:]); err != nil {
			return nil, io.EOF
		}
		rec.StackTrace = append(rec.StackTrace, StackFrame{
			Symbol: symbol,
			File:   file,
			Line:   binary.LittleEndian.Uint32(line[:]),
		})
	}
	return rec, nil
}

func decodeString(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", io.EOF
	}
	strLen := binary.LittleEndian.Uint32(lenBuf[:])
	if strLen > maxStringLen {
		return "", &CorruptFrameError{Reason: fmt.Sprintf("string length %d exceeds limit %d", strLen, maxStringLen)}
	}
	if strLen == 0 {
		return "", nil
	}
	buf := make([]byte, strLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", io.EOF
	}
	return string(buf), nil
}
