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

package executor

import (
	"github.com/javainthinking/prestosql/util/memory"
	"github.com/pingcap/errors"
)

// ErrUnclosableMemoryContext is returned when Close is called on a memory
// context owned by the operator context. Rejecting the close protects the
// ledger from being torn down from under the operator.
var ErrUnclosableMemoryContext = errors.New("memory context is owned by the operator context and cannot be closed")

// operatorLocalMemoryContext wraps a local memory context so that every size
// change arms the operator's blocking-signal slot and refreshes the peak
// memory reservations.
type operatorLocalMemoryContext struct {
	delegate  memory.LocalMemoryContext
	slot      *memory.FutureSlot
	onAlloc   func()
	closeable bool
}

func (c *operatorLocalMemoryContext) GetBytes() int64 {
	return c.delegate.GetBytes()
}

func (c *operatorLocalMemoryContext) SetBytes(bytes int64) *memory.Future {
	blocked := c.delegate.SetBytes(bytes)
	c.slot.Update(blocked)
	c.onAlloc()
	return blocked
}

func (c *operatorLocalMemoryContext) TrySetBytes(bytes int64) bool {
	if !c.delegate.TrySetBytes(bytes) {
		return false
	}
	c.onAlloc()
	return true
}

func (c *operatorLocalMemoryContext) Close() error {
	if !c.closeable {
		return errors.Trace(ErrUnclosableMemoryContext)
	}
	return errors.Trace(c.delegate.Close())
}

// operatorAggregatedMemoryContext wraps an aggregated memory context the same
// way, so children created through it inherit the hooks.
type operatorAggregatedMemoryContext struct {
	delegate  memory.AggregatedMemoryContext
	slot      *memory.FutureSlot
	onAlloc   func()
	closeable bool
}

func (c *operatorAggregatedMemoryContext) NewLocalMemoryContext(tag string) memory.LocalMemoryContext {
	return &operatorLocalMemoryContext{
		delegate:  c.delegate.NewLocalMemoryContext(tag),
		slot:      c.slot,
		onAlloc:   c.onAlloc,
		closeable: true,
	}
}

func (c *operatorAggregatedMemoryContext) NewAggregatedMemoryContext() memory.AggregatedMemoryContext {
	return &operatorAggregatedMemoryContext{
		delegate:  c.delegate.NewAggregatedMemoryContext(),
		slot:      c.slot,
		onAlloc:   c.onAlloc,
		closeable: true,
	}
}

func (c *operatorAggregatedMemoryContext) GetBytes() int64 {
	return c.delegate.GetBytes()
}

func (c *operatorAggregatedMemoryContext) Close() error {
	if !c.closeable {
		return errors.Trace(ErrUnclosableMemoryContext)
	}
	return errors.Trace(c.delegate.Close())
}
