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
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/ebpf-profiler/libpf/pfelf"
)

// ProcessInfo describes a running process a capture engine can attach to.
type ProcessInfo struct {
	PID       uint32 // Process ID
	Comm      string // Command name
	CmdLine   string // Command line
	ExePath   string // Path to executable
	GoVersion string // Go version, empty for non-Go binaries
}

// ScanProcess inspects /proc for the given PID and validates its executable
// with pfelf. The resolved executable path is what a Symbolizer should be
// built against.
func ScanProcess(pid uint32) (*ProcessInfo, error) {
	exePath := fmt.Sprintf("/proc/%d/exe", pid)

	// Resolve the actual executable path by following the symlink
	realExePath, err := os.Readlink(exePath)
	if err != nil {
		return nil, fmt.Errorf("error reading exe link for PID %d: %v", pid, err)
	}

	cmdlinePath := fmt.Sprintf("/proc/%d/cmdline", pid)
	cmdline, err := os.ReadFile(cmdlinePath)
	if err != nil {
		return nil, fmt.Errorf("error reading cmdline for PID %d: %v", pid, err)
	}
	commPath := fmt.Sprintf("/proc/%d/comm", pid)
	comm, err := os.ReadFile(commPath)
	if err != nil {
		return nil, fmt.Errorf("error reading comm for PID %d: %v", pid, err)
	}

	cmdlineStr := strings.Replace(string(cmdline), "\x00", " ", -1)

	elfFile, err := pfelf.Open(exePath)
	if err != nil {
		return nil, fmt.Errorf("error opening ELF file for PID %d: %v", pid, err)
	}
	defer elfFile.Close()

	// Best effort: only Go binaries report a version.
	goVersion, err := elfFile.GoVersion()
	if err != nil {
		goVersion = ""
	}

	info := &ProcessInfo{
		PID:       pid,
		Comm:      strings.TrimSpace(string(comm)),
		CmdLine:   strings.TrimSpace(cmdlineStr),
		ExePath:   realExePath,
		GoVersion: goVersion,
	}
	log.WithFields(log.Fields{"pid": pid, "comm": info.Comm, "exe": info.ExePath}).Debug("Scanned process")
	return info, nil
}
