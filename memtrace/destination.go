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

import "fmt"

// Destination describes where a tracker's record stream goes. It is an
// immutable configuration value and holds no live connection; a transport
// is opened from it each time a session starts. The same Destination may
// describe consecutive sessions as long as no tracker went stale on it.
type Destination interface {
	// openOutput opens the producer side of the transport. For sockets
	// this listens and blocks until one consumer connects.
	openOutput() (Transport, error)
	// openInput opens the consumer side of the transport.
	openInput() (Transport, error)

	fmt.Stringer
}

// FileDestination streams records to a file on disk, opened for append by
// the producer and for sequential read by the consumer.
type FileDestination struct {
	Path string
}

func (d FileDestination) openOutput() (Transport, error) { return openFileAppend(d.Path) }
func (d FileDestination) openInput() (Transport, error)  { return openFileRead(d.Path) }
func (d FileDestination) String() string                 { return "file://" + d.Path }

// SocketDestination streams records over a TCP connection. The producer
// listens on Port; the consumer dials Host:Port. Host defaults to
// "localhost" and only matters on the consumer side.
type SocketDestination struct {
	Port int
	Host string
}

func (d SocketDestination) openOutput() (Transport, error) { return listenSocket(d.Port) }
func (d SocketDestination) openInput() (Transport, error)  { return dialSocket(d.Host, d.Port) }

func (d SocketDestination) String() string {
	host := d.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("tcp://%s:%d", host, d.Port)
}
