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

// Package ctlsock provides the byte-stream transport to a tor control port
// or control socket file: command framing, reply parsing into
// ControlMessages, and connection lifecycle.
package ctlsock

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/jacobsa/syncutil"

	"github.com/oniongate/torctl/internal/reentrant"
)

// ControlSocket is the byte-stream transport to a tor control port or
// control socket file. It frames outgoing commands, parses incoming replies
// into ControlMessages, and tracks connection liveness.
//
// A controller owns its socket exclusively. Talking to the socket directly
// while a controller is attached will confuse the controller.
type ControlSocket struct {
	dial func() (net.Conn, error)

	// Serializes writers and the connection state transitions made by
	// Connect, Close and Send. Controllers also acquire this lock to hold
	// IsAlive observations steady, and may do so while already holding it on
	// the same goroutine, hence re-entrant. See SendLock.
	sendMu *reentrant.Mutex

	// Serializes readers.
	recvMu *reentrant.Mutex

	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	alive bool

	// GUARDED_BY(mu)
	conn net.Conn

	// GUARDED_BY(mu)
	br *bufio.Reader

	// Callbacks interposed by a controller; see OverrideHooks.
	connectHook func() error
	closeHook   func() error
}

func newControlSocket(dial func() (net.Conn, error)) *ControlSocket {
	s := &ControlSocket{
		dial:   dial,
		sendMu: reentrant.New(),
		recvMu: reentrant.New(),
	}

	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	return s
}

// LOCKS_REQUIRED(s.mu)
func (s *ControlSocket) checkInvariants() {
	if s.alive && (s.conn == nil || s.br == nil) {
		panic("alive control socket without a connection")
	}
}

// NewControlPort returns a socket connected to tor's ControlPort at the
// given TCP address, dialing before it returns.
func NewControlPort(addr string, port uint16) (*ControlSocket, error) {
	target := net.JoinHostPort(addr, strconv.Itoa(int(port)))
	s := newControlSocket(func() (net.Conn, error) {
		return net.Dial("tcp", target)
	})

	if err := s.Connect(); err != nil {
		return nil, err
	}

	return s, nil
}

// NewControlSocketFile returns a socket connected to tor's ControlSocket
// domain socket at the given path, dialing before it returns.
func NewControlSocketFile(path string) (*ControlSocket, error) {
	s := newControlSocket(func() (net.Conn, error) {
		if err := checkSocketFile(path); err != nil {
			return nil, err
		}

		return net.Dial("unix", path)
	})

	if err := s.Connect(); err != nil {
		return nil, err
	}

	return s, nil
}

// OverrideHooks installs callbacks run at the tail of Connect and Close,
// after the connection state change has been applied. This is how a
// controller arranges for its workers and status listeners to track the
// socket's lifecycle regardless of who initiated the transition. Not
// intended for use beyond that.
func (s *ControlSocket) OverrideHooks(onConnect, onClose func() error) {
	s.connectHook = onConnect
	s.closeHook = onClose
}

// SendLock returns the lock under which all writes happen, along with the
// liveness transitions made by Connect, Close and Send. Holding it keeps
// those from changing the result of IsAlive; a transport fault seen by Recv
// marks the socket dead without taking it.
func (s *ControlSocket) SendLock() *reentrant.Mutex {
	return s.sendMu
}

// IsAlive reports whether the socket is currently connected.
func (s *ControlSocket) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.alive
}

// Connect establishes or re-establishes the connection, closing any prior
// one first, then runs the connect hook if one is installed.
func (s *ControlSocket) Connect() error {
	if s.IsAlive() {
		if err := s.Close(); err != nil {
			return err
		}
	}

	s.sendMu.Lock()
	conn, err := s.dial()
	if err != nil {
		s.sendMu.Unlock()
		return &SocketError{Err: err}
	}

	s.mu.Lock()
	s.conn = conn
	s.br = bufio.NewReader(conn)
	s.alive = true
	s.mu.Unlock()
	s.sendMu.Unlock()

	if s.connectHook != nil {
		return s.connectHook()
	}

	return nil
}

// Close shuts the connection down, waking any blocked reader, then runs the
// close hook if one is installed. Closing an already closed socket is fine;
// the hook still runs.
func (s *ControlSocket) Close() error {
	s.sendMu.Lock()

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.br = nil
	s.alive = false
	s.mu.Unlock()

	var connErr error
	if conn != nil {
		connErr = conn.Close()
	}
	s.sendMu.Unlock()

	if s.closeHook != nil {
		if err := s.closeHook(); err != nil {
			return err
		}
	}

	return connErr
}

// Send writes one command to the socket. Commands containing newlines are
// framed as a data block ("+...\r\n.\r\n") per the control protocol.
func (s *ControlSocket) Send(message string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	alive := s.alive
	s.mu.Unlock()

	if !alive || conn == nil {
		return &SocketClosedError{}
	}

	if _, err := io.WriteString(conn, formatCommand(message)); err != nil {
		// The connection is unusable after a partial write.
		s.markDead(conn)

		if isClosedConnError(err) {
			return &SocketClosedError{Reason: err.Error()}
		}

		return &SocketError{Err: err}
	}

	return nil
}

// Recv reads one complete reply or event from the socket, blocking until a
// full message is available.
func (s *ControlSocket) Recv() (*ControlMessage, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	br := s.br
	s.mu.Unlock()

	if conn == nil || br == nil {
		return nil, &SocketClosedError{}
	}

	msg, err := readMessage(br)
	if err == nil {
		return msg, nil
	}

	// Protocol violations don't invalidate the connection; everything else
	// does.
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return nil, err
	}

	s.markDead(conn)

	if err == io.EOF || isClosedConnError(err) {
		return nil, &SocketClosedError{Reason: "connection closed while receiving a message"}
	}

	return nil, &SocketError{Err: err}
}

// Mark the socket dead after a transport fault on the supplied connection,
// unless it has already been replaced by a reconnect.
func (s *ControlSocket) markDead(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != conn {
		return
	}

	s.alive = false
	s.conn.Close()
	s.conn = nil
	s.br = nil
}

func formatCommand(message string) string {
	payload := strings.ReplaceAll(message, "\n", "\r\n")
	if strings.Contains(message, "\n") {
		return fmt.Sprintf("+%s\r\n.\r\n", payload)
	}

	return payload + "\r\n"
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
