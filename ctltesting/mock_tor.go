// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ctltesting provides an in-process stand-in for a tor control
// port, for exercising controllers without a running tor.
package ctltesting

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/net/context"
)

// Handler maps a received command to the raw reply the mock writes back.
// Replies must use "\r\n" line endings, e.g. "250 OK\r\n".
type Handler func(command string) string

// MockTor listens on a local TCP port and speaks the server side of the
// control protocol: it reads commands, answers them through a programmable
// handler, and can inject asynchronous events at any time. It accepts
// reconnects, serving one connection at a time.
type MockTor struct {
	listener net.Listener

	// Received commands, in arrival order, for tests that assert on the
	// exact wire form.
	commands chan string

	mu sync.Mutex

	// GUARDED_BY(mu)
	handler Handler

	// GUARDED_BY(mu)
	conn net.Conn
}

// NewMockTor starts a mock listening on an ephemeral localhost port. The
// initial handler acknowledges everything with "250 OK".
func NewMockTor() (*MockTor, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("Listen: %v", err)
	}

	m := &MockTor{
		listener: listener,
		commands: make(chan string, 64),
		handler: func(command string) string {
			return "250 OK\r\n"
		},
	}

	go m.acceptLoop()
	return m, nil
}

// Addr returns the address and port the mock is listening on, in the form
// FromPort expects.
func (m *MockTor) Addr() (string, uint16) {
	tcpAddr := m.listener.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), uint16(tcpAddr.Port)
}

// SetHandler replaces the reply handler. A handler returning the empty
// string suppresses the reply entirely.
func (m *MockTor) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handler = h
}

// AwaitCommand returns the next command received, blocking until one
// arrives or the context is done.
func (m *MockTor) AwaitCommand(ctx context.Context) (string, error) {
	select {
	case command := <-m.commands:
		return command, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SendRaw writes raw bytes to the current client, for injecting events or
// malformed traffic. Fails if no client is connected.
func (m *MockTor) SendRaw(raw string) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("no client connected")
	}

	_, err := conn.Write([]byte(raw))
	return err
}

// SendEvent writes an asynchronous event with the given content, e.g.
// SendEvent("BW 1600 1600") puts "650 BW 1600 1600\r\n" on the wire.
func (m *MockTor) SendEvent(content string) error {
	return m.SendRaw("650 " + content + "\r\n")
}

// CloseClient hangs up on the current client, simulating tor going away.
// The listener stays up so the client may reconnect.
func (m *MockTor) CloseClient() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Close shuts down the listener and any connected client.
func (m *MockTor) Close() error {
	err := m.listener.Close()
	m.CloseClient()
	return err
}

func (m *MockTor) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}

		m.mu.Lock()
		old := m.conn
		m.conn = conn
		m.mu.Unlock()

		if old != nil {
			old.Close()
		}

		m.serve(conn)
	}
}

func (m *MockTor) serve(conn net.Conn) {
	br := bufio.NewReader(conn)

	for {
		command, err := readCommand(br)
		if err != nil {
			return
		}

		select {
		case m.commands <- command:
		default:
			// Nobody is asserting on commands; don't wedge the server.
		}

		m.mu.Lock()
		handler := m.handler
		m.mu.Unlock()

		if reply := handler(command); reply != "" {
			if _, err := conn.Write([]byte(reply)); err != nil {
				return
			}
		}
	}
}

// Read one command, undoing the client's framing: "\r\n" termination, and
// "+...\r\n.\r\n" data blocks for multi-line commands.
func readCommand(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}

	line = strings.TrimSuffix(line, "\r\n")
	if !strings.HasPrefix(line, "+") {
		return line, nil
	}

	parts := []string{strings.TrimPrefix(line, "+")}
	for {
		line, err = br.ReadString('\n')
		if err != nil {
			return "", err
		}

		line = strings.TrimSuffix(line, "\r\n")
		if line == "." {
			break
		}

		parts = append(parts, line)
	}

	return strings.Join(parts, "\n"), nil
}
