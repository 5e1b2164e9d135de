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
	"time"

	"github.com/javainthinking/prestosql/metrics"
	"github.com/javainthinking/prestosql/util/logutil"
	"github.com/pingcap/failpoint"
	"go.uber.org/zap"
)

// Pool is a shared memory pool. Reservations above capacity do not fail:
// Reserve always applies the delta and returns a Future that resolves once
// the pool has headroom again, so callers park instead of erroring out.
// "capacity <= 0" means no limit.
type Pool struct {
	name     string
	capacity int64

	mu        sync.Mutex
	reserved  int64
	available *Future // non-nil iff the pool is currently exhausted
}

// NewPool creates a memory pool.
func NewPool(name string, capacity int64) *Pool {
	return &Pool{name: name, capacity: capacity}
}

// Name returns the pool name, used for metrics labeling.
func (p *Pool) Name() string {
	return p.name
}

// Capacity returns the configured capacity. "capacity <= 0" means no limit.
func (p *Pool) Capacity() int64 {
	return p.capacity
}

// Reserve applies a positive delta to the pool. The returned Future is
// already resolved when the pool still has headroom; otherwise it resolves
// when enough memory is freed.
func (p *Pool) Reserve(bytes int64) *Future {
	if bytes < 0 {
		panic(fmt.Sprintf("cannot reserve negative bytes (%d) from pool %s", bytes, p.name))
	}
	failpoint.Inject("testPoolReserveSlow", func(val failpoint.Value) {
		if v, ok := val.(int); ok {
			time.Sleep(time.Duration(v) * time.Millisecond)
		}
	})
	p.mu.Lock()
	p.reserved += bytes
	reserved := p.reserved
	if p.capacity > 0 && p.reserved > p.capacity {
		if p.available == nil {
			p.available = NewFuture()
			logutil.BgLogger().Warn("memory pool exhausted",
				zap.String("pool", p.name),
				zap.String("reserved", FormatBytes(p.reserved)),
				zap.String("capacity", FormatBytes(p.capacity)))
		}
		f := p.available
		p.mu.Unlock()
		metrics.MemoryPoolUsageGauge.WithLabelValues(p.name).Set(float64(reserved))
		return f
	}
	p.mu.Unlock()
	metrics.MemoryPoolUsageGauge.WithLabelValues(p.name).Set(float64(reserved))
	return newResolvedFuture()
}

// TryReserve applies the delta only if it fits within capacity.
func (p *Pool) TryReserve(bytes int64) bool {
	if bytes < 0 {
		panic(fmt.Sprintf("cannot reserve negative bytes (%d) from pool %s", bytes, p.name))
	}
	p.mu.Lock()
	if p.capacity > 0 && p.reserved+bytes > p.capacity {
		p.mu.Unlock()
		return false
	}
	p.reserved += bytes
	reserved := p.reserved
	p.mu.Unlock()
	metrics.MemoryPoolUsageGauge.WithLabelValues(p.name).Set(float64(reserved))
	return true
}

// Free returns bytes to the pool. If the pool leaves the exhausted state the
// current availability future is resolved and retired, releasing every parked
// waiter; later reservation attempts get a fresh future.
func (p *Pool) Free(bytes int64) {
	if bytes < 0 {
		panic(fmt.Sprintf("cannot free negative bytes (%d) to pool %s", bytes, p.name))
	}
	p.mu.Lock()
	if bytes > p.reserved {
		p.mu.Unlock()
		panic(fmt.Sprintf("tried to free %d bytes from pool %s with %d bytes reserved", bytes, p.name, p.reserved))
	}
	p.reserved -= bytes
	reserved := p.reserved
	var resolved *Future
	if p.available != nil && (p.capacity <= 0 || p.reserved <= p.capacity) {
		resolved = p.available
		p.available = nil
	}
	p.mu.Unlock()
	metrics.MemoryPoolUsageGauge.WithLabelValues(p.name).Set(float64(reserved))
	if resolved != nil {
		resolved.Set()
	}
}

// ReservedBytes returns the bytes currently reserved from the pool.
func (p *Pool) ReservedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved
}

// FreeBytes returns the remaining headroom, or -1 for an unlimited pool.
func (p *Pool) FreeBytes() int64 {
	if p.capacity <= 0 {
		return -1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - p.reserved
}
