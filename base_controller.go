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

package torctl

import (
	"errors"
	"log"
	"reflect"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/petermattis/goid"

	"github.com/oniongate/torctl/ctlsock"
	"github.com/oniongate/torctl/internal/queue"
	"github.com/oniongate/torctl/internal/reentrant"
)

// State is a change in a controller's connection status, as reported to
// status listeners.
type State string

const (
	// StateInit is emitted when a control connection is (re-)established.
	StateInit State = "INIT"

	// StateReset is reserved for extensions that track reset/sighup signals;
	// the kernel itself never emits it.
	StateReset State = "RESET"

	// StateClosed is emitted when a control connection is shut down.
	StateClosed State = "CLOSED"
)

// StatusListener is notified when the state of a controller's socket
// changes. Listeners must allow for new State values. The timestamp is
// captured when the change occurred and is shared by every listener
// notified for one transition.
type StatusListener func(c *BaseController, state State, timestamp time.Time)

// Optional configuration accepted by NewBaseController and NewController.
type ControllerConfig struct {
	// Destination for debugging messages: stray replies discarded, socket
	// glitches noticed while pulling for events, and the like. May be nil.
	DebugLogger *log.Logger

	// Destination for messages that indicate a bug, such as an undelivered
	// reply found in the queue. When nil, the package's flag-gated default
	// logger is used.
	ErrorLogger *log.Logger

	// Source for status transition timestamps. Defaults to the real clock;
	// tests substitute a timeutil.SimulatedClock.
	Clock timeutil.Clock

	// Invoked with each asynchronous event read from the socket, in arrival
	// order. May also be installed later with SetEventHandler.
	EventHandler func(*ctlsock.ControlMessage)
}

type statusListenerEntry struct {
	callback StatusListener
	spawn    bool
}

// BaseController provides basic process communication over a control
// socket: sending commands and pairing them with their replies, routing
// asynchronous events, and notifying status listeners. It is a minimal
// kernel; Controller provides the user friendly command surface on top.
type BaseController struct {
	socket *ctlsock.ControlSocket

	clock       timeutil.Clock
	debugLogger *log.Logger
	errorLogger *log.Logger

	// Serializes Msg calls so concurrent callers cannot have their replies
	// mis-paired. Re-entrant so helpers layered on Msg can issue commands of
	// their own from the same goroutine.
	msgLock *reentrant.Mutex

	// Where the reader directs incoming messages. replyQueue carries either
	// a *ctlsock.ControlMessage or an error; eventQueue carries only
	// messages with a terminal 650 status.
	replyQueue *queue.Queue
	eventQueue *queue.Queue

	// One-slot latch used to wake the event dispatcher, set on new event
	// arrival and on shutdown.
	eventNotice chan struct{}

	// Guards the listener registry and the event handler. Re-entrant
	// because inline listeners run under it and may legitimately call back
	// into the controller.
	mu *reentrant.Mutex

	// GUARDED_BY(mu)
	listeners []statusListenerEntry

	// GUARDED_BY(mu)
	eventHandler func(*ctlsock.ControlMessage)

	// Worker goroutines can't be restarted in place, so they are recreated
	// per connect cycle. Spawning is serialized by the socket's send lock,
	// as are the socket's Connect and Close.
	//
	// GUARDED_BY(socket.SendLock())
	readerWorker *worker
	eventWorker  *worker
}

// NewBaseController wraps the supplied socket, taking exclusive ownership
// of it. If the socket is already connected the background workers start
// immediately.
func NewBaseController(
	socket *ctlsock.ControlSocket,
	config *ControllerConfig) *BaseController {
	if config == nil {
		config = &ControllerConfig{}
	}

	c := &BaseController{
		socket:       socket,
		clock:        config.Clock,
		debugLogger:  config.DebugLogger,
		errorLogger:  config.ErrorLogger,
		msgLock:      reentrant.New(),
		mu:           reentrant.New(),
		replyQueue:   queue.New(),
		eventQueue:   queue.New(),
		eventNotice:  make(chan struct{}, 1),
		eventHandler: config.EventHandler,
	}

	if c.clock == nil {
		c.clock = timeutil.RealClock()
	}

	socket.OverrideHooks(c.connect, c.close)

	if socket.IsAlive() {
		c.launchWorkers()
	}

	return c
}

// Msg sends a command to the control socket and returns its reply.
//
// Errors are *ctlsock.ProtocolError when the content from the socket is
// malformed, *ctlsock.SocketError when a problem arises in using the
// socket, and *ctlsock.SocketClosedError when the socket is shut down. In
// the latter case the controller is guaranteed closed by the time the error
// is returned.
func (c *BaseController) Msg(message string) (*ctlsock.ControlMessage, error) {
	c.msgLock.Lock()
	defer c.msgLock.Unlock()

	// If the reply queue isn't empty then one of a few things happened...
	//
	//  -  Our connection was closed and probably re-established. This was in
	//     reply to pulling for an asynchronous event and getting this is
	//     expected, so ignore it.
	//
	//  -  Pulling for asynchronous events produced an error. A protocol
	//     error means a tor bug, a non-closure socket error was probably a
	//     socket glitch.
	//
	//  -  This is a leftover response to a Msg call. We can't tell who an
	//     error was earmarked for, so we only know this was the case when
	//     it's a ControlMessage: one of our callers didn't get their reply,
	//     which indicates a bug here.
	for {
		item, ok := c.replyQueue.TryGet()
		if !ok {
			break
		}

		switch stray := item.(type) {
		case error:
			var closedErr *ctlsock.SocketClosedError
			var protoErr *ctlsock.ProtocolError

			switch {
			case errors.As(stray, &closedErr):
				// This is fine.
			case errors.As(stray, &protoErr):
				c.debugLog("Tor provided a malformed message (%v)", stray)
			default:
				c.debugLog("Socket experienced a problem (%v)", stray)
			}

		case *ctlsock.ControlMessage:
			c.errorLog("BUG: the Msg function failed to deliver a response: %v", stray)
		}
	}

	if err := c.socket.Send(message); err != nil {
		if isSocketClosed(err) {
			c.Close()
		}

		return nil, err
	}

	item := c.replyQueue.Get()
	if err, ok := item.(error); ok {
		// If the reader caused the closure then we could still be in the
		// process of closing. Close here so we can assure the caller that
		// after a SocketClosedError surfaces we are shut down for real.
		if isSocketClosed(err) {
			c.Close()
		}

		return nil, err
	}

	return item.(*ctlsock.ControlMessage), nil
}

// IsAlive reports whether the socket is currently connected. This is a
// passthrough for the socket's IsAlive method.
func (c *BaseController) IsAlive() bool {
	return c.socket.IsAlive()
}

// Connect reconnects the control socket. This is a passthrough for the
// socket's Connect method; the background workers are respawned as part of
// the cycle.
func (c *BaseController) Connect() error {
	return c.socket.Connect()
}

// Close shuts down the connection. This is a passthrough for the socket's
// Close method; the background workers are signaled and, where safe,
// joined, and status listeners are notified of StateClosed.
func (c *BaseController) Close() error {
	return c.socket.Close()
}

// GetSocket returns the socket used to speak with the tor process.
// Communicating with it directly isn't advised since it may confuse the
// controller.
func (c *BaseController) GetSocket() *ctlsock.ControlSocket {
	return c.socket
}

// Do invokes f and closes the controller when f returns, on every exit path
// including panics. It returns f's error, or the close error if f
// succeeded.
func (c *BaseController) Do(f func() error) (err error) {
	defer func() {
		closeErr := c.Close()
		if err == nil {
			err = closeErr
		}
	}()

	return f()
}

// AddStatusListener arranges for callback to be notified when the state of
// the socket changes. The kernel itself only emits StateInit and
// StateClosed.
//
// If spawn is true the callback runs on a new goroutine per notification.
// If false it runs inline, under the controller's locks, within the
// connect or close call where the change occurred; that is generally not
// advised, especially for callbacks that could block for a while.
func (c *BaseController) AddStatusListener(callback StatusListener, spawn bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listeners = append(c.listeners, statusListenerEntry{callback, spawn})
}

// RemoveStatusListener stops the callback from being notified of further
// state changes, returning whether one or more registrations were removed.
// Callbacks are matched by function identity.
func (c *BaseController) RemoveStatusListener(callback StatusListener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := reflect.ValueOf(callback).Pointer()

	var kept []statusListenerEntry
	changed := false
	for _, entry := range c.listeners {
		if reflect.ValueOf(entry.callback).Pointer() == target {
			changed = true
			continue
		}

		kept = append(kept, entry)
	}

	c.listeners = kept
	return changed
}

// SetEventHandler installs the hook invoked with each asynchronous event,
// replacing any prior one. A nil handler drops events.
func (c *BaseController) SetEventHandler(handler func(*ctlsock.ControlMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.eventHandler = handler
}

// Runs at the tail of every socket Connect, whether initiated through the
// controller or the socket itself.
func (c *BaseController) connect() error {
	c.launchWorkers()
	c.notifyStatusListeners(StateInit, expectAlive(true))
	return nil
}

// Runs at the tail of every socket Close. The socket's liveness is already
// false and the reader is already awake from its Recv failing; wake the
// event dispatcher too so it can end.
func (c *BaseController) close() error {
	c.setEventNotice()

	// Join the workers where it's safe to do so: never on a worker that has
	// already finished, and never on ourselves.
	me := goid.Get()

	lock := c.socket.SendLock()
	lock.Lock()
	workers := []*worker{c.readerWorker, c.eventWorker}
	lock.Unlock()

	for _, w := range workers {
		if w != nil && w.gid != me {
			w.join()
		}
	}

	c.notifyStatusListeners(StateClosed, expectAlive(false))
	return nil
}

// Informs status listeners that a state change occurred.
//
// States imply that the socket is either alive or not, which may not hold
// when multiple transitions occur in quick succession; there's no guarantee
// of the order their notifications run in, and it would be bad if listeners
// got a StateReset after a StateClosed, implying we were alive. When
// expect is non-nil the notification is dropped if it disagrees with the
// current IsAlive observation.
func (c *BaseController) notifyStatusListeners(state State, expect *bool) {
	// The socket's Connect, Close and Send change the IsAlive state under its
	// send lock, so holding it keeps those from shifting the observation
	// beneath us. A transport fault noticed by Recv marks the socket dead
	// without that lock.
	lock := c.socket.SendLock()
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	changeTimestamp := c.clock.Now()

	if expect != nil && *expect != c.IsAlive() {
		return
	}

	for _, entry := range c.listeners {
		if entry.spawn {
			go entry.callback(c, state, changeTimestamp)
		} else {
			entry.callback(c, state, changeTimestamp)
		}
	}
}

// Spawns the background workers that aren't running. Workers can't be
// reused, so each connect cycle gets fresh ones.
func (c *BaseController) launchWorkers() {
	// Concurrent calls could otherwise start a worker twice.
	lock := c.socket.SendLock()
	lock.Lock()
	defer lock.Unlock()

	if c.readerWorker == nil || !c.readerWorker.running() {
		c.readerWorker = spawnWorker(c.readerLoop)
	}

	if c.eventWorker == nil || !c.eventWorker.running() {
		c.eventWorker = spawnWorker(c.eventLoop)
	}
}

// Continually pulls from the control socket, directing messages into the
// queues based on their type. Messages come in two varieties: responses to
// commands we've sent, and asynchronous events identified by a status code
// of 650.
func (c *BaseController) readerLoop() {
	for c.IsAlive() {
		msg, err := c.socket.Recv()
		if err != nil {
			// Assume all failures belong to the reader. That isn't always
			// true, but the Msg call is the one positioned to sort it out.
			// Msg also relies on this to unblock its caller.
			c.replyQueue.Put(err)
			continue
		}

		if msg.IsEvent() {
			c.eventQueue.Put(msg)
			c.setEventNotice()
		} else {
			c.replyQueue.Put(msg)
		}
	}
}

// Continually pulls from the event queue and hands each message to the
// event handler. Dispatching runs on its own worker so a slow handler
// doesn't block further reading from the socket.
func (c *BaseController) eventLoop() {
	for {
		item, ok := c.eventQueue.TryGet()
		if ok {
			c.handleEvent(item.(*ctlsock.ControlMessage))
			continue
		}

		if !c.IsAlive() {
			return
		}

		<-c.eventNotice
	}
}

func (c *BaseController) handleEvent(msg *ctlsock.ControlMessage) {
	c.mu.Lock()
	handler := c.eventHandler
	c.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}

func (c *BaseController) setEventNotice() {
	select {
	case c.eventNotice <- struct{}{}:
	default:
	}
}

func (c *BaseController) debugLog(format string, v ...interface{}) {
	if c.debugLogger != nil {
		c.debugLogger.Printf(format, v...)
	}
}

func (c *BaseController) errorLog(format string, v ...interface{}) {
	logger := c.errorLogger
	if logger == nil {
		logger = getLogger()
	}

	logger.Printf(format, v...)
}

func isSocketClosed(err error) bool {
	var closedErr *ctlsock.SocketClosedError
	return errors.As(err, &closedErr)
}

func expectAlive(v bool) *bool {
	return &v
}

// A background worker goroutine, with enough bookkeeping to ask whether it
// is still running and to join it without ever joining ourselves.
type worker struct {
	gid  int64
	done chan struct{}
}

func spawnWorker(f func()) *worker {
	w := &worker{done: make(chan struct{})}

	started := make(chan struct{})
	go func() {
		w.gid = goid.Get()
		close(started)

		defer close(w.done)
		f()
	}()

	<-started
	return w
}

func (w *worker) running() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *worker) join() {
	<-w.done
}
