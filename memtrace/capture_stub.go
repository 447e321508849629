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

//go:build !linux

package memtrace

import "errors"

var ErrNotLinux = errors.New("perf capture requires a Linux kernel with eBPF support")

// PerfCaptureEngine is only functional on Linux; elsewhere every operation
// reports ErrNotLinux.
type PerfCaptureEngine struct{}

func NewPerfCaptureEngine() *PerfCaptureEngine { return &PerfCaptureEngine{} }

func (e *PerfCaptureEngine) Install(sink EventSink) error { return ErrNotLinux }

func (e *PerfCaptureEngine) Uninstall() error { return ErrNotLinux }
