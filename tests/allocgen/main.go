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

// allocgen is a standalone producer for manual socket testing: it serves a
// record stream on -port and keeps allocating until -count events have been
// emitted or the consumer goes away.
package main

import (
	"flag"
	"time"

	log "github.com/sirupsen/logrus"

	"parca.dev/memtrace/memtrace"
)

func main() {
	port := flag.Int("port", 9092, "TCP port to serve the record stream on")
	count := flag.Int("count", 1000, "number of allocate/free pairs to emit")
	size := flag.Uint64("size", 4096, "size of each allocation in bytes")
	delay := flag.Duration("delay", 10*time.Millisecond, "pause between pairs")
	flag.Parse()

	tracker := memtrace.NewTracker(memtrace.SocketDestination{Port: *port}, nil)
	log.WithField("port", *port).Info("waiting for a consumer")
	if err := tracker.Start(); err != nil {
		log.WithError(err).Fatal("failed to start tracking")
	}
	defer tracker.Stop()

	allocator := memtrace.NewMemoryAllocator()
	for i := 0; i < *count; i++ {
		allocator.Malloc(*size)
		allocator.Free()
		if tracker.Stale() {
			log.Info("consumer disconnected, stopping workload")
			break
		}
		time.Sleep(*delay)
	}
}
