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
	"fmt"
	"sync"

	"github.com/pingcap/errors"
)

// LocalMemoryContext is a single named allocation slot bound to one ledger
// class. It is not shareable between goroutines of different operators; all
// methods are safe for concurrent use within one operator.
type LocalMemoryContext interface {
	// GetBytes returns the current reservation of this slot.
	GetBytes() int64
	// SetBytes fully replaces the previous reservation; bytes must be >= 0.
	// The returned Future is unresolved iff the shared pool signals
	// backpressure; the caller must wait for it before allocating more.
	SetBytes(bytes int64) *Future
	// TrySetBytes replaces the reservation only if the growth fits within
	// the pool's remaining headroom. It reports whether it did.
	TrySetBytes(bytes int64) bool
	// Close releases the reservation held by this slot. Contexts owned by an
	// operator context reject Close.
	Close() error
}

// AggregatedMemoryContext is a fan-in node that creates child contexts and
// sums their usage. Parent/child form a tree: each child has exactly one
// parent and is owned by the context that created it.
type AggregatedMemoryContext interface {
	// NewLocalMemoryContext creates a caller-owned child allocation slot.
	NewLocalMemoryContext(tag string) LocalMemoryContext
	// NewAggregatedMemoryContext creates a caller-owned child fan-in node.
	NewAggregatedMemoryContext() AggregatedMemoryContext
	// GetBytes returns the sum of the current reservations of all children.
	GetBytes() int64
	// Close closes the children this context created, depth first.
	Close() error
}

// memorySink is where a context forwards its deltas: either a parent
// aggregated context or, at the root, the ledger plus the shared pool.
type memorySink interface {
	addBytes(delta int64) *Future
	tryAddBytes(delta int64) bool
}

// ledgerSink is the root sink of one memory class: deltas land in the ledger
// and are reserved from (or freed to) the shared pool.
type ledgerSink struct {
	ledger *Ledger
	class  Class
	pool   *Pool
}

func (s ledgerSink) addBytes(delta int64) *Future {
	s.ledger.add(s.class, delta)
	if delta > 0 {
		return s.pool.Reserve(delta)
	}
	if delta < 0 {
		s.pool.Free(-delta)
	}
	return newResolvedFuture()
}

func (s ledgerSink) tryAddBytes(delta int64) bool {
	if delta > 0 {
		if !s.pool.TryReserve(delta) {
			return false
		}
		s.ledger.add(s.class, delta)
		return true
	}
	s.ledger.add(s.class, delta)
	if delta < 0 {
		s.pool.Free(-delta)
	}
	return true
}

type aggregatedMemoryContext struct {
	sink memorySink

	mu       sync.Mutex
	children []interface{ Close() error }
	used     int64
	closed   bool
}

// NewAggregatedMemoryContextRoot creates the root fan-in node for one class,
// draining into the given ledger and pool.
func NewAggregatedMemoryContextRoot(ledger *Ledger, class Class, pool *Pool) AggregatedMemoryContext {
	return &aggregatedMemoryContext{sink: ledgerSink{ledger: ledger, class: class, pool: pool}}
}

func (c *aggregatedMemoryContext) NewLocalMemoryContext(tag string) LocalMemoryContext {
	child := &localMemoryContext{tag: tag, parent: c}
	c.register(child)
	return child
}

func (c *aggregatedMemoryContext) NewAggregatedMemoryContext() AggregatedMemoryContext {
	child := &aggregatedMemoryContext{sink: c}
	c.register(child)
	return child
}

func (c *aggregatedMemoryContext) register(child interface{ Close() error }) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		panic("cannot create a child of a closed memory context")
	}
	c.children = append(c.children, child)
}

func (c *aggregatedMemoryContext) addBytes(delta int64) *Future {
	c.mu.Lock()
	c.used += delta
	c.mu.Unlock()
	return c.sink.addBytes(delta)
}

func (c *aggregatedMemoryContext) tryAddBytes(delta int64) bool {
	if !c.sink.tryAddBytes(delta) {
		return false
	}
	c.mu.Lock()
	c.used += delta
	c.mu.Unlock()
	return true
}

func (c *aggregatedMemoryContext) GetBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *aggregatedMemoryContext) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	children := c.children
	c.children = nil
	c.mu.Unlock()

	var firstErr error
	for _, child := range children {
		if err := child.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return errors.Trace(firstErr)
}

type localMemoryContext struct {
	tag    string
	parent memorySink

	mu     sync.Mutex
	bytes  int64
	closed bool
}

func (c *localMemoryContext) GetBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *localMemoryContext) SetBytes(bytes int64) *Future {
	if bytes < 0 {
		panic(fmt.Sprintf("cannot set negative bytes (%d) for memory context %q", bytes, c.tag))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		panic(fmt.Sprintf("SetBytes on closed memory context %q", c.tag))
	}
	delta := bytes - c.bytes
	if delta == 0 {
		return newResolvedFuture()
	}
	c.bytes = bytes
	return c.parent.addBytes(delta)
}

func (c *localMemoryContext) TrySetBytes(bytes int64) bool {
	if bytes < 0 {
		panic(fmt.Sprintf("cannot set negative bytes (%d) for memory context %q", bytes, c.tag))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		panic(fmt.Sprintf("TrySetBytes on closed memory context %q", c.tag))
	}
	delta := bytes - c.bytes
	if delta == 0 {
		return true
	}
	if !c.parent.tryAddBytes(delta) {
		return false
	}
	c.bytes = bytes
	return true
}

func (c *localMemoryContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.bytes != 0 {
		c.parent.addBytes(-c.bytes)
		c.bytes = 0
	}
	return nil
}
