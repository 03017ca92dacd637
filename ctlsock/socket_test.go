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

package ctlsock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"

	"github.com/oniongate/torctl/ctlsock"
	"github.com/oniongate/torctl/ctltesting"
)

func newSocketPair(t *testing.T) (*ctlsock.ControlSocket, *ctltesting.MockTor) {
	mock, err := ctltesting.NewMockTor()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	addr, port := mock.Addr()
	socket, err := ctlsock.NewControlPort(addr, port)
	require.NoError(t, err)
	t.Cleanup(func() { socket.Close() })

	return socket, mock
}

func awaitCommand(t *testing.T, mock *ctltesting.MockTor) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	command, err := mock.AwaitCommand(ctx)
	require.NoError(t, err)
	return command
}

func TestSendRecv(t *testing.T) {
	socket, mock := newSocketPair(t)
	assert.True(t, socket.IsAlive())

	require.NoError(t, socket.Send("GETINFO version"))
	assert.Equal(t, "GETINFO version", awaitCommand(t, mock))

	msg, err := socket.Recv()
	require.NoError(t, err)
	assert.True(t, msg.IsOK())
}

func TestSendMultiLineFraming(t *testing.T) {
	socket, mock := newSocketPair(t)

	require.NoError(t, socket.Send("LOADCONF\nNickname caerSidi\nORPort 9050"))

	// The mock undoes the data block framing, so seeing the original text
	// back means the "+...\r\n.\r\n" form went over the wire.
	assert.Equal(
		t,
		"LOADCONF\nNickname caerSidi\nORPort 9050",
		awaitCommand(t, mock))
}

func TestRecvProtocolErrorKeepsSocketAlive(t *testing.T) {
	socket, mock := newSocketPair(t)

	require.NoError(t, mock.SendRaw("garbage\r\n"))

	_, err := socket.Recv()
	require.Error(t, err)
	assert.IsType(t, &ctlsock.ProtocolError{}, err)
	assert.True(t, socket.IsAlive())

	// The connection is still usable.
	require.NoError(t, mock.SendRaw("250 OK\r\n"))
	msg, err := socket.Recv()
	require.NoError(t, err)
	assert.True(t, msg.IsOK())
}

func TestPeerCloseSurfacesAsSocketClosed(t *testing.T) {
	socket, mock := newSocketPair(t)

	mock.CloseClient()

	_, err := socket.Recv()
	require.Error(t, err)
	assert.IsType(t, &ctlsock.SocketClosedError{}, err)
	assert.False(t, socket.IsAlive())
}

func TestLocalCloseStopsIO(t *testing.T) {
	socket, _ := newSocketPair(t)

	require.NoError(t, socket.Close())
	assert.False(t, socket.IsAlive())

	err := socket.Send("GETINFO version")
	assert.IsType(t, &ctlsock.SocketClosedError{}, err)

	_, err = socket.Recv()
	assert.IsType(t, &ctlsock.SocketClosedError{}, err)
}

func TestCloseUnblocksRecv(t *testing.T) {
	socket, _ := newSocketPair(t)

	errs := make(chan error, 1)
	go func() {
		_, err := socket.Recv()
		errs <- err
	}()

	// Give the reader a moment to block.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, socket.Close())

	select {
	case err := <-errs:
		assert.IsType(t, &ctlsock.SocketClosedError{}, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close didn't unblock Recv")
	}
}

func TestReconnect(t *testing.T) {
	socket, mock := newSocketPair(t)

	require.NoError(t, socket.Close())
	require.NoError(t, socket.Connect())
	assert.True(t, socket.IsAlive())

	require.NoError(t, socket.Send("GETINFO version"))
	assert.Equal(t, "GETINFO version", awaitCommand(t, mock))
}

func TestHooksRunOnConnectAndClose(t *testing.T) {
	socket, _ := newSocketPair(t)

	var connects, closes int
	socket.OverrideHooks(
		func() error { connects++; return nil },
		func() error { closes++; return nil })

	require.NoError(t, socket.Close())
	assert.Equal(t, 1, closes)

	require.NoError(t, socket.Connect())
	assert.Equal(t, 1, connects)
}
