// Copyright 2025 The prestosql Authors.
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

package memory

import (
	"sync"
	"sync/atomic"
)

// Future is a one-shot resolvable signal. It starts unresolved; Set resolves
// it exactly once and releases every waiter parked on Done. Listeners
// registered after resolution run immediately on the caller's goroutine,
// listeners registered before resolution run on the resolving goroutine.
// There is no cancellation: a waiter that no longer cares simply stops
// checking.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	resolved  bool
	listeners []func()
}

// NewFuture creates an unresolved Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func newResolvedFuture() *Future {
	f := NewFuture()
	f.Set()
	return f
}

// Set resolves the future. Calling Set more than once is a no-op.
func (f *Future) Set() {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return
	}
	f.resolved = true
	close(f.done)
	listeners := f.listeners
	f.listeners = nil
	f.mu.Unlock()

	for _, l := range listeners {
		l()
	}
}

// IsDone reports whether the future has been resolved.
func (f *Future) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved
}

// Done returns a channel that is closed when the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// AddListener registers fn to run when the future resolves. If the future is
// already resolved, fn runs synchronously before AddListener returns.
func (f *Future) AddListener(fn func()) {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		fn()
		return
	}
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

// FutureSlot holds the current blocking signal for one memory class. At most
// one unresolved Future is visible to new waiters at any instant; a resolved
// one is swapped out for a fresh unresolved one before any listener is
// attached, so earlier waiters never lose a wakeup and later reservation
// attempts get their own signal.
type FutureSlot struct {
	cur atomic.Pointer[Future]
}

// NewFutureSlot creates a slot whose initial signal is already resolved,
// meaning memory is available.
func NewFutureSlot() *FutureSlot {
	s := &FutureSlot{}
	s.cur.Store(newResolvedFuture())
	return s
}

// Current returns the signal new waiters should park on.
func (s *FutureSlot) Current() *Future {
	return s.cur.Load()
}

// ResolveCurrent resolves the current signal, releasing all parked waiters.
// Called by the shared pool when memory becomes available.
func (s *FutureSlot) ResolveCurrent() {
	s.cur.Load().Set()
}

// Update arms the slot against poolFuture. If poolFuture is already resolved
// there is nothing to wait for. Otherwise the current signal is inspected:
// a resolved one is replaced via compare-and-swap with a fresh unresolved
// signal, retrying against the latest observed value on CAS failure. We can't
// replace a signal that is not resolved because a task may be parked on it.
// The captured signal is then resolved when poolFuture resolves, so the
// operator can un-block before the pool does if it is moved to a new pool.
func (s *FutureSlot) Update(poolFuture *Future) {
	if poolFuture.IsDone() {
		return
	}
	cur := s.cur.Load()
	for cur.IsDone() {
		fresh := NewFuture()
		if s.cur.CompareAndSwap(cur, fresh) {
			cur = fresh
		} else {
			cur = s.cur.Load()
		}
	}
	captured := cur
	poolFuture.AddListener(func() {
		captured.Set()
	})
}
