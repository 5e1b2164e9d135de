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
	"sync"
	"testing"
	"time"

	"github.com/javainthinking/prestosql/util/memory"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func newTestOperatorContext(t *testing.T, capacity int64) (*OperatorContext, *memory.Pool) {
	pool := memory.NewPool("test", capacity)
	driver := NewDriverContext(1, 2, pool)
	op := driver.NewOperatorContext(3, "plan-3", "TestOperator")
	t.Cleanup(func() {
		// Tests that leave reservations behind verify Destroy themselves.
		_ = op.Destroy()
	})
	return op, pool
}

func TestNewOperatorContext(t *testing.T) {
	op, _ := newTestOperatorContext(t, 0)
	require.Equal(t, 3, op.OperatorID())
	require.Equal(t, "plan-3", op.PlanNodeID())
	require.Equal(t, "TestOperator", op.OperatorType())
	require.Equal(t, "TestOperator-plan-3", op.String())
	require.True(t, op.WaitingForMemory().IsDone())
	require.True(t, op.WaitingForRevocableMemory().IsDone())

	driver := op.DriverContext()
	require.Panics(t, func() { NewOperatorContext(-1, "p", "T", driver) })
}

func TestMemoryReservationAndPeak(t *testing.T) {
	op, pool := newTestOperatorContext(t, 0)
	user := op.LocalUserMemoryContext()

	require.True(t, user.SetBytes(100).IsDone())
	require.True(t, user.SetBytes(40).IsDone())

	stats := op.OperatorStats()
	require.Equal(t, int64(40), stats.UserMemoryBytes)
	require.Equal(t, int64(0), stats.SystemMemoryBytes)
	require.Equal(t, int64(100), stats.PeakUserMemoryBytes)
	require.Equal(t, int64(100), stats.PeakTotalMemoryBytes)
	require.Equal(t, int64(40), pool.ReservedBytes())

	system := op.LocalSystemMemoryContext()
	system.SetBytes(30)
	stats = op.OperatorStats()
	require.Equal(t, int64(30), stats.SystemMemoryBytes)
	require.Equal(t, int64(30), stats.PeakSystemMemoryBytes)
	// Peak total is sampled at allocation time, 40 user + 30 system.
	require.Equal(t, int64(100), stats.PeakTotalMemoryBytes)

	user.SetBytes(0)
	system.SetBytes(0)
	require.Equal(t, int64(0), pool.ReservedBytes())
}

func TestBlockedOnMemorySignal(t *testing.T) {
	op, pool := newTestOperatorContext(t, 100)
	user := op.LocalUserMemoryContext()

	blocked := user.SetBytes(150)
	require.False(t, blocked.IsDone())
	require.False(t, op.WaitingForMemory().IsDone())
	require.Equal(t, BlockedReasonWaitingForMemory, op.OperatorStats().BlockedReason)

	// Shrinking frees pool headroom; the pool signal resolves and with it
	// the operator's signal.
	require.True(t, user.SetBytes(40).IsDone())
	require.True(t, blocked.IsDone())
	require.True(t, op.WaitingForMemory().IsDone())
	require.Equal(t, BlockedReason(""), op.OperatorStats().BlockedReason)
	require.Equal(t, int64(40), pool.ReservedBytes())

	user.SetBytes(0)
}

func TestMoreMemoryAvailable(t *testing.T) {
	op, _ := newTestOperatorContext(t, 100)
	user := op.LocalUserMemoryContext()
	user.SetBytes(150)
	require.False(t, op.WaitingForMemory().IsDone())

	op.MoreMemoryAvailable()
	require.True(t, op.WaitingForMemory().IsDone())

	user.SetBytes(0)
}

func TestRevocableMemoryUsesItsOwnSignal(t *testing.T) {
	op, _ := newTestOperatorContext(t, 100)
	revocable := op.LocalRevocableMemoryContext()

	blocked := revocable.SetBytes(150)
	require.False(t, blocked.IsDone())
	require.False(t, op.WaitingForRevocableMemory().IsDone())
	// The regular memory signal is untouched.
	require.True(t, op.WaitingForMemory().IsDone())

	stats := op.OperatorStats()
	require.Equal(t, int64(150), stats.RevocableMemoryBytes)
	// Revocable memory does not move the peaks.
	require.Equal(t, int64(0), stats.PeakUserMemoryBytes)
	require.Equal(t, int64(0), stats.PeakTotalMemoryBytes)

	revocable.SetBytes(0)
}

func TestOperatorOwnedContextsRejectClose(t *testing.T) {
	op, _ := newTestOperatorContext(t, 0)

	require.ErrorIs(t, op.LocalUserMemoryContext().Close(), ErrUnclosableMemoryContext)
	require.ErrorIs(t, op.LocalSystemMemoryContext().Close(), ErrUnclosableMemoryContext)
	require.ErrorIs(t, op.LocalRevocableMemoryContext().Close(), ErrUnclosableMemoryContext)
	require.ErrorIs(t, op.AggregateUserMemoryContext().Close(), ErrUnclosableMemoryContext)

	// Caller-created contexts are closeable.
	local := op.NewLocalSystemMemoryContext("spill")
	local.SetBytes(10)
	require.NoError(t, local.Close())

	agg := op.NewAggregateSystemMemoryContext()
	child := agg.NewLocalMemoryContext("build")
	child.SetBytes(10)
	require.NoError(t, agg.Close())
	require.Equal(t, int64(0), op.OperatorStats().SystemMemoryBytes)
}

func TestAggregateChildrenInheritInstrumentation(t *testing.T) {
	op, _ := newTestOperatorContext(t, 100)
	agg := op.AggregateUserMemoryContext()
	child := agg.NewLocalMemoryContext("probe")

	blocked := child.SetBytes(150)
	require.False(t, blocked.IsDone())
	require.False(t, op.WaitingForMemory().IsDone())
	require.Equal(t, int64(150), op.OperatorStats().PeakUserMemoryBytes)

	require.NoError(t, child.Close())
	require.True(t, op.WaitingForMemory().IsDone())
}

func TestRequestMemoryRevoking(t *testing.T) {
	op, _ := newTestOperatorContext(t, 0)
	revocable := op.LocalRevocableMemoryContext()
	revocable.SetBytes(500)

	calls := 0
	require.NoError(t, op.SetMemoryRevocationRequestListener(func() error {
		calls++
		return nil
	}))

	revoked, err := op.RequestMemoryRevoking()
	require.NoError(t, err)
	require.Equal(t, int64(500), revoked)
	require.Equal(t, 1, calls)
	require.True(t, op.IsMemoryRevokingRequested())

	// A pending request makes further requests no-ops.
	revoked, err = op.RequestMemoryRevoking()
	require.NoError(t, err)
	require.Equal(t, int64(0), revoked)
	require.Equal(t, 1, calls)

	op.ResetMemoryRevokingRequested()
	require.False(t, op.IsMemoryRevokingRequested())

	// With no revocable memory there is nothing to revoke.
	revocable.SetBytes(0)
	revoked, err = op.RequestMemoryRevoking()
	require.NoError(t, err)
	require.Equal(t, int64(0), revoked)
	require.Equal(t, 1, calls)
}

func TestRevocationListenerRegisteredAfterRequest(t *testing.T) {
	op, _ := newTestOperatorContext(t, 0)
	revocable := op.LocalRevocableMemoryContext()
	revocable.SetBytes(100)

	revoked, err := op.RequestMemoryRevoking()
	require.NoError(t, err)
	require.Equal(t, int64(100), revoked)

	// Late registration must not lose the pending request.
	calls := 0
	require.NoError(t, op.SetMemoryRevocationRequestListener(func() error {
		calls++
		return nil
	}))
	require.Equal(t, 1, calls)

	revocable.SetBytes(0)
}

func TestRevocationListenerErrors(t *testing.T) {
	op, _ := newTestOperatorContext(t, 0)
	revocable := op.LocalRevocableMemoryContext()
	revocable.SetBytes(100)

	require.Error(t, op.SetMemoryRevocationRequestListener(nil))

	cause := errors.New("spill failed")
	require.NoError(t, op.SetMemoryRevocationRequestListener(func() error {
		return cause
	}))
	require.Error(t, op.SetMemoryRevocationRequestListener(func() error { return nil }))

	_, err := op.RequestMemoryRevoking()
	require.ErrorIs(t, err, cause)

	revocable.SetBytes(0)
}

func TestRevocationListenerPanicIsWrapped(t *testing.T) {
	op, _ := newTestOperatorContext(t, 0)
	revocable := op.LocalRevocableMemoryContext()
	revocable.SetBytes(100)

	require.NoError(t, op.SetMemoryRevocationRequestListener(func() error {
		panic("boom")
	}))
	_, err := op.RequestMemoryRevoking()
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")

	revocable.SetBytes(0)
}

func TestDestroyReportsLeaks(t *testing.T) {
	pool := memory.NewPool("test", 0)
	driver := NewDriverContext(0, 0, pool)
	op := driver.NewOperatorContext(0, "plan-0", "LeakyOperator")

	user := op.LocalUserMemoryContext()
	user.SetBytes(10)
	err := op.Destroy()
	require.Error(t, err)
	require.Contains(t, err.Error(), "user memory")
	require.Contains(t, err.Error(), "10")

	// Once the leak is released, destroy succeeds and the pool is clean.
	user.SetBytes(0)
	require.NoError(t, op.Destroy())
	require.Equal(t, int64(0), pool.ReservedBytes())
}

func TestDestroyReportsRevocableLeak(t *testing.T) {
	pool := memory.NewPool("test", 0)
	driver := NewDriverContext(0, 0, pool)
	op := driver.NewOperatorContext(0, "plan-0", "LeakyOperator")

	op.LocalRevocableMemoryContext().SetBytes(7)
	err := op.Destroy()
	require.Error(t, err)
	require.Contains(t, err.Error(), "revocable memory")

	op.LocalRevocableMemoryContext().SetBytes(0)
	require.NoError(t, op.Destroy())
}

func TestSpillAccounting(t *testing.T) {
	op, _ := newTestOperatorContext(t, 0)
	spill := op.SpillContext()

	spill.UpdateBytes(100)
	require.Equal(t, int64(100), op.DriverContext().ReservedSpillBytes())
	require.Equal(t, int64(100), op.OperatorStats().SpilledBytes)

	spill.UpdateBytes(-40)
	require.Equal(t, int64(60), op.DriverContext().ReservedSpillBytes())
	// Spilled bytes are cumulative, frees do not shrink them.
	require.Equal(t, int64(100), op.OperatorStats().SpilledBytes)

	require.Panics(t, func() { spill.UpdateBytes(-61) })
	require.ErrorIs(t, spill.Close(), ErrUnclosableSpillContext)

	spill.UpdateBytes(-60)
	require.Equal(t, int64(0), op.DriverContext().ReservedSpillBytes())
}

func TestRecordBlocked(t *testing.T) {
	op, _ := newTestOperatorContext(t, 0)

	blocked := memory.NewFuture()
	op.RecordBlocked(blocked)
	time.Sleep(10 * time.Millisecond)
	blocked.Set()

	stats := op.OperatorStats()
	require.Greater(t, stats.BlockedWallTime, time.Duration(0))

	// The settled monitor must not account the period twice.
	before := stats.BlockedWallTime
	blocked.AddListener(func() {})
	require.Equal(t, before, op.OperatorStats().BlockedWallTime)
}

func TestRecordInputOutput(t *testing.T) {
	op, _ := newTestOperatorContext(t, 0)

	timer := NewOperationTimer()
	op.RecordAddInput(timer, 1000, 10)
	op.RecordAddInput(timer, 500, 5)
	op.RecordGetOutput(timer, 300, 3)
	op.RecordFinish(timer)
	op.RecordPhysicalInputWithTiming(2000, 5*time.Millisecond)
	op.RecordNetworkInput(100)
	op.RecordProcessedInput(50, 1)
	op.RecordOutput(20, 2)
	op.RecordPhysicalWrittenData(77)

	stats := op.OperatorStats()
	require.Equal(t, int64(2), stats.AddInputCalls)
	require.Equal(t, int64(1550), stats.InputBytes)
	require.Equal(t, int64(16), stats.InputPositions)
	require.Equal(t, int64(1), stats.GetOutputCalls)
	require.Equal(t, int64(320), stats.OutputBytes)
	require.Equal(t, int64(5), stats.OutputPositions)
	require.Equal(t, int64(1), stats.FinishCalls)
	require.Equal(t, int64(2000), stats.PhysicalInputBytes)
	require.Equal(t, int64(100), stats.NetworkInputBytes)
	require.Equal(t, int64(2100), stats.TotalInputBytes)
	require.Equal(t, int64(77), stats.PhysicalWrittenBytes)
	require.GreaterOrEqual(t, stats.AddInputWallTime, 5*time.Millisecond)
}

func TestInfoSupplier(t *testing.T) {
	op, _ := newTestOperatorContext(t, 0)
	require.Nil(t, op.OperatorStats().Info)

	op.SetInfoSupplier(func() any {
		return map[string]int{"buckets": 4}
	})
	require.Equal(t, map[string]int{"buckets": 4}, op.OperatorStats().Info)
	require.Panics(t, func() { op.SetInfoSupplier(nil) })
}

func TestOperatorStatsIdentity(t *testing.T) {
	op, _ := newTestOperatorContext(t, 0)
	stats := op.OperatorStats()
	require.Equal(t, 1, stats.StageID)
	require.Equal(t, 2, stats.PipelineID)
	require.Equal(t, 3, stats.OperatorID)
	require.Equal(t, "plan-3", stats.PlanNodeID)
	require.Equal(t, "TestOperator", stats.OperatorType)
	require.Contains(t, stats.String(), "TestOperator-plan-3")
}

func TestPeakMonotonicUnderConcurrency(t *testing.T) {
	op, pool := newTestOperatorContext(t, 0)

	const workers = 8
	const bytesPerWorker = int64(1000)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			local := op.NewLocalSystemMemoryContext(fmt.Sprintf("worker-%d", i))
			for j := 0; j < 50; j++ {
				local.SetBytes(bytesPerWorker)
				local.SetBytes(bytesPerWorker / 2)
			}
			require.NoError(t, local.Close())
		}(i)
	}
	wg.Wait()

	stats := op.OperatorStats()
	// Each worker held its full reservation at some instant, so the peak is
	// at least that much even though everything is freed now.
	require.GreaterOrEqual(t, stats.PeakSystemMemoryBytes, bytesPerWorker)
	require.GreaterOrEqual(t, stats.PeakTotalMemoryBytes, stats.PeakSystemMemoryBytes)
	require.Equal(t, int64(0), stats.SystemMemoryBytes)
	require.Equal(t, int64(0), pool.ReservedBytes())
}

func TestDriverSpillBudget(t *testing.T) {
	pool := memory.NewPool("test", 0)
	driver := NewDriverContext(0, 0, pool)

	driver.ReserveSpill(100)
	require.Equal(t, int64(100), driver.ReservedSpillBytes())
	driver.FreeSpill(40)
	require.Equal(t, int64(60), driver.ReservedSpillBytes())

	require.Panics(t, func() { driver.ReserveSpill(-1) })
	require.Panics(t, func() { driver.FreeSpill(-1) })
	require.Panics(t, func() { driver.FreeSpill(61) })
}
