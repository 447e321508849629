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
	"os/exec"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/ebpf-profiler/libpf/pfelf"
)

// Symbolizer resolves raw stack addresses from a capture engine into the
// pre-resolved StackFrames the record stream carries. Resolution shells out
// to addr2line in one batch per stack; addresses it cannot resolve get a
// synthetic func_<addr> symbol so the frame count on the wire still matches
// the captured stack.
type Symbolizer struct {
	binaryPath string
}

// NewSymbolizer validates the binary with pfelf before any resolution is
// attempted, so a bad path fails at setup time rather than per event.
func NewSymbolizer(binaryPath string) (*Symbolizer, error) {
	ef, err := pfelf.Open(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("opening ELF file %s: %v", binaryPath, err)
	}
	ef.Close()
	return &Symbolizer{binaryPath: binaryPath}, nil
}

// Frames resolves addrs in order, innermost first.
func (s *Symbolizer) Frames(addrs []uint64) []StackFrame {
	if len(addrs) == 0 {
		return nil
	}
	resolved := s.resolve(addrs)
	frames := make([]StackFrame, 0, len(addrs))
	for _, addr := range addrs {
		frames = append(frames, resolved[addr])
	}
	return frames
}

// resolve uses a single addr2line call to resolve all addresses at once.
func (s *Symbolizer) resolve(addrs []uint64) map[uint64]StackFrame {
	result := make(map[uint64]StackFrame, len(addrs))

	var addrList []string
	var addrOrder []uint64
	seen := make(map[uint64]bool, len(addrs))
	for _, addr := range addrs {
		if seen[addr] {
			continue
		}
		seen[addr] = true
		addrList = append(addrList, fmt.Sprintf("0x%x", addr))
		addrOrder = append(addrOrder, addr)
	}

	log.WithField("count", len(addrList)).Debug("Batch symbolizing addresses")
	startTime := time.Now()

	cmd := exec.Command("addr2line", append([]string{"-e", s.binaryPath, "-f", "-C"}, addrList...)...)
	output, err := cmd.Output()
	if err != nil {
		log.WithError(err).Debug("addr2line batch call failed")
		for _, addr := range addrOrder {
			result[addr] = StackFrame{Symbol: fmt.Sprintf("func_%x", addr)}
		}
		return result
	}

	result = parseAddr2lineOutput(addrOrder, output)
	log.WithField("duration", time.Since(startTime)).Debug("Batch symbolization completed")
	return result
}

// parseAddr2lineOutput maps addr2line's output back onto the addresses it
// was invoked with. addr2line prints 2 lines per address: function name,
// then file:line. Every address gets a frame; unresolved or skipped ones
// fall back to a synthetic func_<addr> symbol.
func parseAddr2lineOutput(addrOrder []uint64, output []byte) map[uint64]StackFrame {
	result := make(map[uint64]StackFrame, len(addrOrder))
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")

	for i := 0; i < len(addrOrder) && i*2+1 < len(lines); i++ {
		addr := addrOrder[i]
		funcName := strings.TrimSpace(lines[i*2])
		location := strings.TrimSpace(lines[i*2+1])

		var lineNum uint32
		fileName := location

		if parts := strings.Split(location, ":"); len(parts) >= 2 {
			fileName = parts[0]
			if num, err := strconv.ParseUint(parts[1], 10, 32); err == nil {
				lineNum = uint32(num)
			}
		}

		if funcName == "??" || location == "??:0" {
			funcName = fmt.Sprintf("func_%x", addr)
			fileName = ""
			lineNum = 0
		}

		result[addr] = StackFrame{Symbol: funcName, File: fileName, Line: lineNum}
	}

	// Any address addr2line skipped still gets a frame.
	for _, addr := range addrOrder {
		if _, ok := result[addr]; !ok {
			result[addr] = StackFrame{Symbol: fmt.Sprintf("func_%x", addr)}
		}
	}
	return result
}
