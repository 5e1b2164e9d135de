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
	"fmt"
	"sync/atomic"
	"time"

	"github.com/javainthinking/prestosql/metrics"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
)

// SpillContext accounts the disk bytes an operator uses for spilling.
type SpillContext interface {
	// UpdateBytes applies a delta to the spill reservation. A positive delta
	// reserves that many more bytes and records them as spilled in the same
	// call; spill accounting is eager, there is no separate
	// reserved-but-not-yet-written state. A negative delta frees bytes and
	// must not drop the reservation below zero.
	UpdateBytes(bytes int64)
	// Close releases the context. The operator-level spill context rejects
	// Close; only derived local spill contexts may be closed.
	Close() error
}

// ErrUnclosableSpillContext is returned when Close is called on the
// operator-level spill context.
var ErrUnclosableSpillContext = errors.New("operator spill context should not be closed directly")

// operatorSpillContext tracks one operator's spill reservation and forwards
// the deltas to the driver-level spill budget.
type operatorSpillContext struct {
	driverContext *DriverContext

	reservedBytes int64
	spilledBytes  int64
}

func newOperatorSpillContext(driverContext *DriverContext) *operatorSpillContext {
	return &operatorSpillContext{driverContext: driverContext}
}

func (c *operatorSpillContext) UpdateBytes(bytes int64) {
	failpoint.Inject("testSlowSpillReserve", func(val failpoint.Value) {
		if v, ok := val.(int); ok {
			time.Sleep(time.Duration(v) * time.Millisecond)
		}
	})
	if bytes >= 0 {
		atomic.AddInt64(&c.reservedBytes, bytes)
		c.driverContext.ReserveSpill(bytes)
		atomic.AddInt64(&c.spilledBytes, bytes)
		metrics.SpilledBytesCounter.Add(float64(bytes))
		return
	}
	freed := -bytes
	for {
		reserved := atomic.LoadInt64(&c.reservedBytes)
		if freed > reserved {
			panic(fmt.Sprintf("tried to free %d spilled bytes from %d bytes reserved", freed, reserved))
		}
		if atomic.CompareAndSwapInt64(&c.reservedBytes, reserved, reserved-freed) {
			break
		}
	}
	c.driverContext.FreeSpill(freed)
}

// ReservedBytes returns the bytes currently reserved for spill.
func (c *operatorSpillContext) ReservedBytes() int64 {
	return atomic.LoadInt64(&c.reservedBytes)
}

// SpilledBytes returns the cumulative bytes spilled. It never decreases,
// regardless of subsequent frees.
func (c *operatorSpillContext) SpilledBytes() int64 {
	return atomic.LoadInt64(&c.spilledBytes)
}

func (c *operatorSpillContext) Close() error {
	return errors.Trace(ErrUnclosableSpillContext)
}

// String implements the fmt.Stringer interface.
func (c *operatorSpillContext) String() string {
	return fmt.Sprintf("operatorSpillContext{usedBytes=%d}", c.ReservedBytes())
}
