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
	"net"
	"os"
	"strconv"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Transport is the byte stream carrying encoded frames between producer and
// consumer. Implementations wrap a file or a single TCP connection; a
// Transport is owned by exactly one Tracker or Reader and is not shared.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// streamTransport adapts a file or connection to the Transport contract:
// writes are all-or-nothing, Close is idempotent, and a write after Close
// fails with the same error every time.
type streamTransport struct {
	rw     io.ReadWriteCloser
	closed atomic.Bool
}

func (t *streamTransport) Write(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, ErrTransportClosed
	}
	n, err := t.rw.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return n, fmt.Errorf("transport write: %w", err)
	}
	return n, nil
}

func (t *streamTransport) Read(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, io.EOF
	}
	return t.rw.Read(p)
}

func (t *streamTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.rw.Close()
}

// listenSocket binds the producer's port and blocks until exactly one
// client connects. The listener is closed as soon as the connection is
// accepted; there is no multi-client fan-out.
func listenSocket(port int) (Transport, error) {
	addr := ":" + strconv.Itoa(port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	log.WithField("addr", ln.Addr().String()).Debug("waiting for consumer to connect")
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		return nil, fmt.Errorf("accept on %s: %w", addr, err)
	}
	log.WithField("peer", conn.RemoteAddr().String()).Debug("consumer connected")
	return &streamTransport{rw: conn}, nil
}

// dialSocket connects the consumer out to (host, port). Failures surface
// immediately as a ConnectionError; the caller owns any retry policy.
func dialSocket(host string, port int) (Transport, error) {
	if host == "" {
		host = "localhost"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if port < 0 || port > 65535 {
		return nil, &ConnectionError{Addr: addr}
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}
	return &streamTransport{rw: conn}, nil
}

func openFileAppend(path string) (Transport, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s for append: %w", path, err)
	}
	return &streamTransport{rw: f}, nil
}

func openFileRead(path string) (Transport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s for read: %w", path, err)
	}
	return &streamTransport{rw: f}, nil
}
