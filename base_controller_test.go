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

package torctl_test

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"sync"
	"testing"
	"time"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"

	"github.com/oniongate/torctl"
	"github.com/oniongate/torctl/ctlsock"
	"github.com/oniongate/torctl/ctltesting"
)

func TestBaseController(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

// A fixture with a controller attached to a mock tor, embedded by the suites
// in this package.
type controllerFixture struct {
	mock       *ctltesting.MockTor
	clock      timeutil.SimulatedClock
	logBuf     bytes.Buffer
	controller *torctl.Controller
}

func (t *controllerFixture) SetUp(ti *TestInfo) {
	var err error

	t.logBuf.Reset()
	t.clock.SetTime(time.Date(2012, 8, 15, 22, 56, 0, 0, time.Local))

	t.mock, err = ctltesting.NewMockTor()
	AssertEq(nil, err)

	addr, port := t.mock.Addr()
	socket, err := ctlsock.NewControlPort(addr, port)
	AssertEq(nil, err)

	t.controller = torctl.NewController(socket, &torctl.ControllerConfig{
		Clock:       &t.clock,
		ErrorLogger: log.New(&t.logBuf, "", 0),
	})
}

func (t *controllerFixture) TearDown() {
	t.controller.Close()
	t.mock.Close()
}

func echoHandler(command string) string {
	return fmt.Sprintf("250-echo=%s\r\n250 OK\r\n", command)
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}

		time.Sleep(time.Millisecond)
	}

	return cond()
}

type BaseControllerTest struct {
	controllerFixture
}

func init() { RegisterTestSuite(&BaseControllerTest{}) }

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *BaseControllerTest) MsgReturnsTheReply() {
	t.mock.SetHandler(echoHandler)

	reply, err := t.controller.Msg("GETINFO version")
	AssertEq(nil, err)
	ExpectEq("echo=GETINFO version", reply.ContentLines()[0])
	ExpectTrue(reply.IsOK())
}

func (t *BaseControllerTest) ConcurrentCallersGetTheirOwnReplies() {
	t.mock.SetHandler(echoHandler)

	const numCallers = 8
	const numCalls = 20

	var wg sync.WaitGroup
	failures := make(chan error, numCallers*numCalls)

	for i := 0; i < numCallers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numCalls; j++ {
				command := fmt.Sprintf("PING %d-%d", id, j)
				reply, err := t.controller.Msg(command)
				if err != nil {
					failures <- fmt.Errorf("Msg(%q): %v", command, err)
					return
				}

				if got := reply.ContentLines()[0]; got != "echo="+command {
					failures <- fmt.Errorf("mis-paired reply: sent %q, got %q", command, got)
				}
			}
		}(i)
	}

	wg.Wait()
	close(failures)

	for err := range failures {
		ExpectEq(nil, err)
	}
}

func (t *BaseControllerTest) EventsDeliveredInArrivalOrder() {
	var mu sync.Mutex
	var events []string
	t.controller.SetEventHandler(func(msg *ctlsock.ControlMessage) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, msg.ContentLines()[0])
	})

	// Round-trip once so the mock has surely accepted our connection before
	// we inject raw traffic.
	_, err := t.controller.Msg("GETINFO version")
	AssertEq(nil, err)

	const numEvents = 5
	for i := 0; i < numEvents; i++ {
		AssertEq(nil, t.mock.SendEvent(fmt.Sprintf("BW %d %d", i, i)))
	}

	AssertTrue(waitFor(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= numEvents
	}))

	mu.Lock()
	defer mu.Unlock()

	AssertEq(numEvents, len(events))
	for i := 0; i < numEvents; i++ {
		ExpectEq(fmt.Sprintf("BW %d %d", i, i), events[i])
	}
}

func (t *BaseControllerTest) EventsInterleavedWithReplies() {
	// Answer each command with an event followed by the reply.
	t.mock.SetHandler(func(command string) string {
		return "650 BW 1600 1600\r\n" + echoHandler(command)
	})

	var mu sync.Mutex
	var events []string
	t.controller.SetEventHandler(func(msg *ctlsock.ControlMessage) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, msg.ContentLines()[0])
	})

	reply, err := t.controller.Msg("PING 1")
	AssertEq(nil, err)
	ExpectEq("echo=PING 1", reply.ContentLines()[0])

	AssertTrue(waitFor(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}))

	mu.Lock()
	defer mu.Unlock()
	ExpectEq("BW 1600 1600", events[0])
}

func (t *BaseControllerTest) SocketClosedLeavesControllerClosed() {
	t.mock.CloseClient()

	// The reader notices the hangup.
	AssertTrue(waitFor(func() bool { return !t.controller.IsAlive() }))

	_, err := t.controller.Msg("GETINFO version")
	AssertNe(nil, err)

	var closedErr *ctlsock.SocketClosedError
	ExpectTrue(errors.As(err, &closedErr))
	ExpectFalse(t.controller.IsAlive())

	// Subsequent calls fail immediately.
	_, err = t.controller.Msg("GETINFO version")
	ExpectTrue(errors.As(err, &closedErr))
}

func (t *BaseControllerTest) StrayRepliesAreDrained() {
	t.mock.SetHandler(echoHandler)

	_, err := t.controller.Msg("PING 1")
	AssertEq(nil, err)

	// An unsolicited non-event reply lands in the reply queue.
	AssertEq(nil, t.mock.SendRaw("250-stray\r\n250 OK\r\n"))
	time.Sleep(100 * time.Millisecond)

	// The next call drains it, notes the bug, and still gets its own reply.
	reply, err := t.controller.Msg("PING 2")
	AssertEq(nil, err)
	ExpectEq("echo=PING 2", reply.ContentLines()[0])
	ExpectThat(t.logBuf.String(), HasSubstr("BUG"))
}

func (t *BaseControllerTest) ListenerTimestampsAreOrdered() {
	type notification struct {
		state torctl.State
		ts    time.Time
	}

	var mu sync.Mutex
	var notes []notification
	t.controller.AddStatusListener(
		func(_ *torctl.BaseController, state torctl.State, ts time.Time) {
			mu.Lock()
			defer mu.Unlock()
			notes = append(notes, notification{state, ts})
		},
		false)

	AssertEq(nil, t.controller.Connect())
	t.clock.AdvanceTime(time.Second)
	AssertEq(nil, t.controller.Close())

	mu.Lock()
	defer mu.Unlock()

	var initTime, closedTime time.Time
	sawInit, sawClosed := false, false
	for _, n := range notes {
		switch n.state {
		case torctl.StateInit:
			sawInit = true
			initTime = n.ts
		case torctl.StateClosed:
			sawClosed = true
			closedTime = n.ts
		}
	}

	AssertTrue(sawInit)
	AssertTrue(sawClosed)
	ExpectFalse(closedTime.Before(initTime))
}

func (t *BaseControllerTest) ListenersShareOneTimestampPerTransition() {
	var mu sync.Mutex
	var stamps []time.Time
	listener := func(_ *torctl.BaseController, state torctl.State, ts time.Time) {
		mu.Lock()
		defer mu.Unlock()
		stamps = append(stamps, ts)
	}

	t.controller.AddStatusListener(listener, false)
	t.controller.AddStatusListener(listener, false)

	AssertEq(nil, t.controller.Close())

	mu.Lock()
	defer mu.Unlock()

	AssertEq(2, len(stamps))
	ExpectTrue(stamps[0].Equal(stamps[1]))
}

func (t *BaseControllerTest) RemovedListenersHearNothing() {
	var mu sync.Mutex
	calls := 0
	listener := func(_ *torctl.BaseController, state torctl.State, ts time.Time) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	}

	t.controller.AddStatusListener(listener, false)
	ExpectTrue(t.controller.RemoveStatusListener(listener))
	ExpectFalse(t.controller.RemoveStatusListener(listener))

	AssertEq(nil, t.controller.Close())

	mu.Lock()
	defer mu.Unlock()
	ExpectEq(0, calls)
}

func (t *BaseControllerTest) DoClosesOnError() {
	someErr := errors.New("taco")

	err := t.controller.Do(func() error { return someErr })
	ExpectEq(someErr, err)
	ExpectFalse(t.controller.IsAlive())
}

func (t *BaseControllerTest) DoClosesOnPanic() {
	func() {
		defer func() { recover() }()
		t.controller.Do(func() error { panic("taco") })
	}()

	ExpectFalse(t.controller.IsAlive())
}

func (t *BaseControllerTest) WorkersRecreatedAcrossReconnect() {
	t.mock.SetHandler(echoHandler)

	_, err := t.controller.Msg("PING 1")
	AssertEq(nil, err)

	AssertEq(nil, t.controller.Close())
	ExpectFalse(t.controller.IsAlive())

	AssertEq(nil, t.controller.Connect())
	AssertTrue(t.controller.IsAlive())

	// A fresh reader is servicing the new connection.
	reply, err := t.controller.Msg("PING 2")
	AssertEq(nil, err)
	ExpectEq("echo=PING 2", reply.ContentLines()[0])
}

func (t *BaseControllerTest) GetSocketReturnsTheAdapter() {
	ExpectNe(nil, t.controller.GetSocket())
	ExpectEq(t.controller.GetSocket().IsAlive(), t.controller.IsAlive())
}
