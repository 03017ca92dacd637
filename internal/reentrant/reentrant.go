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

// Package reentrant provides a mutex that may be re-acquired by the
// goroutine already holding it. The controller's message lock must allow
// this so helpers layered on Msg can issue further commands from the same
// goroutine without deadlocking.
package reentrant

import (
	"sync"

	"github.com/petermattis/goid"
)

// Mutex is a re-entrant mutual exclusion lock. The zero value is not usable;
// call New.
type Mutex struct {
	mu   sync.Mutex
	cond *sync.Cond

	// The goroutine currently holding the lock, and how many times it has
	// acquired it. A depth of zero means the lock is free.
	//
	// GUARDED_BY(mu)
	owner int64
	depth int
}

func New() *Mutex {
	m := &Mutex{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Lock acquires the mutex, re-entrantly if the calling goroutine already
// holds it. Each Lock must be matched by an Unlock.
func (m *Mutex) Lock() {
	me := goid.Get()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.depth > 0 && m.owner == me {
		m.depth++
		return
	}

	for m.depth > 0 {
		m.cond.Wait()
	}

	m.owner = me
	m.depth = 1
}

// Unlock releases one acquisition of the mutex. It panics if the calling
// goroutine is not the holder.
func (m *Mutex) Unlock() {
	me := goid.Get()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.depth == 0 || m.owner != me {
		panic("reentrant: unlock of mutex not held by this goroutine")
	}

	m.depth--
	if m.depth == 0 {
		m.owner = 0
		m.cond.Signal()
	}
}
