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
	stdatomic "sync/atomic"
	"time"

	"github.com/javainthinking/prestosql/metrics"
	"github.com/javainthinking/prestosql/util/logutil"
	"github.com/javainthinking/prestosql/util/memory"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// OperatorInfoSupplier produces operator-specific info for stats snapshots.
type OperatorInfoSupplier func() any

// MemoryRevocationRequestListener is invoked when memory revoking is
// requested, so the operator can spill synchronously or kick off an
// asynchronous spill. A returned error fails the revoke request; it is never
// swallowed because a silently-failed spill would corrupt accounting.
type MemoryRevocationRequestListener func() error

// OperatorContext is the resource context of one running operator: it owns
// the operator's memory ledger, the blocking signals for regular and
// revocable memory, the spill accounting, the peak-usage counters, the
// timing/throughput counters and the memory revocation protocol.
//
// Only OperatorStats and the revocable-memory-related operations are safe
// for arbitrary threads; the Record* methods are called by the single
// goroutine driving the operator.
type OperatorContext struct {
	operatorID    int
	planNodeID    string
	operatorType  string
	driverContext *DriverContext

	physicalInputBytes Counter
	networkInputBytes  Counter

	addInputTiming OperationTiming
	inputBytes     Counter
	inputPositions Counter

	getOutputTiming OperationTiming
	outputBytes     Counter
	outputPositions Counter

	physicalWrittenBytes atomic.Int64

	memoryFuture          *memory.FutureSlot
	revocableMemoryFuture *memory.FutureSlot
	blockedMonitor        stdatomic.Pointer[blockedMonitor]
	blockedWallNanos      atomic.Int64

	finishTiming OperationTiming

	spillContext *operatorSpillContext
	infoSupplier stdatomic.Pointer[OperatorInfoSupplier]

	peakUserMemoryBytes   int64
	peakSystemMemoryBytes int64
	peakTotalMemoryBytes  int64

	revoking struct {
		sync.Mutex
		requested bool
		listener  MemoryRevocationRequestListener
	}

	memoryContext *memory.TrackingContext
}

// NewOperatorContext creates the resource context for one operator instance.
func NewOperatorContext(operatorID int, planNodeID, operatorType string, driverContext *DriverContext) *OperatorContext {
	if operatorID < 0 {
		panic(fmt.Sprintf("operatorID is negative (%d)", operatorID))
	}
	c := &OperatorContext{
		operatorID:            operatorID,
		planNodeID:            planNodeID,
		operatorType:          operatorType,
		driverContext:         driverContext,
		memoryFuture:          memory.NewFutureSlot(),
		revocableMemoryFuture: memory.NewFutureSlot(),
		spillContext:          newOperatorSpillContext(driverContext),
		memoryContext:         memory.NewTrackingContext(driverContext.MemoryPool()),
	}
	c.memoryContext.InitializeLocalContexts(operatorType)
	return c
}

// OperatorID returns the operator's id within its pipeline.
func (c *OperatorContext) OperatorID() int {
	return c.operatorID
}

// PlanNodeID returns the plan node this operator executes.
func (c *OperatorContext) PlanNodeID() string {
	return c.planNodeID
}

// OperatorType returns the human-readable operator kind.
func (c *OperatorContext) OperatorType() string {
	return c.operatorType
}

// DriverContext returns the owning driver context.
func (c *OperatorContext) DriverContext() *DriverContext {
	return c.driverContext
}

// String implements the fmt.Stringer interface.
func (c *OperatorContext) String() string {
	return fmt.Sprintf("%s-%s", c.operatorType, c.planNodeID)
}

// RecordAddInput records one completed add-input call and the batch it
// consumed.
func (c *OperatorContext) RecordAddInput(timer *OperationTimer, sizeBytes, positions int64) {
	timer.RecordOperationComplete(&c.addInputTiming)
	if sizeBytes > 0 || positions > 0 {
		c.inputBytes.Add(sizeBytes)
		c.inputPositions.Add(positions)
	}
}

// RecordPhysicalInputWithTiming records the amount of physical bytes an
// operator read and the time it took to read them. Valid only for source
// operators.
func (c *OperatorContext) RecordPhysicalInputWithTiming(sizeBytes int64, readDuration time.Duration) {
	c.physicalInputBytes.Add(sizeBytes)
	c.addInputTiming.Record(readDuration, 0)
}

// RecordNetworkInput records the amount of network bytes an operator read.
// Valid only for source operators.
func (c *OperatorContext) RecordNetworkInput(sizeBytes int64) {
	c.networkInputBytes.Add(sizeBytes)
}

// RecordProcessedInput records the size of input batches an operator
// processed. Valid only for source operators.
func (c *OperatorContext) RecordProcessedInput(sizeBytes, positions int64) {
	c.inputBytes.Add(sizeBytes)
	c.inputPositions.Add(positions)
}

// RecordGetOutput records one completed get-output call and the batch it
// produced.
func (c *OperatorContext) RecordGetOutput(timer *OperationTimer, sizeBytes, positions int64) {
	timer.RecordOperationComplete(&c.getOutputTiming)
	if sizeBytes > 0 || positions > 0 {
		c.outputBytes.Add(sizeBytes)
		c.outputPositions.Add(positions)
	}
}

// RecordOutput records output produced outside a get-output call.
func (c *OperatorContext) RecordOutput(sizeBytes, positions int64) {
	c.outputBytes.Add(sizeBytes)
	c.outputPositions.Add(positions)
}

// RecordPhysicalWrittenData records bytes the operator physically wrote.
func (c *OperatorContext) RecordPhysicalWrittenData(sizeBytes int64) {
	c.physicalWrittenBytes.Add(sizeBytes)
}

// RecordFinish records one completed finish call.
func (c *OperatorContext) RecordFinish(timer *OperationTimer) {
	timer.RecordOperationComplete(&c.finishTiming)
}

// RecordBlocked accounts the wall time the operator spends blocked on the
// given future. Replacing an unfinished monitor settles it first, so blocked
// time is never double counted.
func (c *OperatorContext) RecordBlocked(blocked *memory.Future) {
	monitor := &blockedMonitor{ctx: c, start: time.Now()}
	if old := c.blockedMonitor.Swap(monitor); old != nil {
		old.run()
	}
	blocked.AddListener(monitor.run)
}

// WaitingForMemory returns the signal the driving goroutine must await
// before calling the operator again when regular memory is exhausted.
func (c *OperatorContext) WaitingForMemory() *memory.Future {
	return c.memoryFuture.Current()
}

// WaitingForRevocableMemory is the revocable-memory counterpart of
// WaitingForMemory.
func (c *OperatorContext) WaitingForRevocableMemory() *memory.Future {
	return c.revocableMemoryFuture.Current()
}

// MoreMemoryAvailable resolves the current regular-memory signal. Called by
// the shared pool when memory frees up.
func (c *OperatorContext) MoreMemoryAvailable() {
	c.memoryFuture.ResolveCurrent()
}

// NewLocalSystemMemoryContext creates a caller-owned system memory slot; the
// caller must close it.
func (c *OperatorContext) NewLocalSystemMemoryContext(tag string) memory.LocalMemoryContext {
	return &operatorLocalMemoryContext{
		delegate:  c.memoryContext.NewLocalSystemMemoryContext(tag),
		slot:      c.memoryFuture,
		onAlloc:   c.updatePeakMemoryReservations,
		closeable: true,
	}
}

// LocalUserMemoryContext returns the operator-owned user memory slot; the
// caller must not close it.
func (c *OperatorContext) LocalUserMemoryContext() memory.LocalMemoryContext {
	return &operatorLocalMemoryContext{
		delegate: c.memoryContext.LocalUserMemoryContext(),
		slot:     c.memoryFuture,
		onAlloc:  c.updatePeakMemoryReservations,
	}
}

// LocalSystemMemoryContext returns the operator-owned system memory slot; the
// caller must not close it.
func (c *OperatorContext) LocalSystemMemoryContext() memory.LocalMemoryContext {
	return &operatorLocalMemoryContext{
		delegate: c.memoryContext.LocalSystemMemoryContext(),
		slot:     c.memoryFuture,
		onAlloc:  c.updatePeakMemoryReservations,
	}
}

// LocalRevocableMemoryContext returns the operator-owned revocable memory
// slot; the caller must not close it. Revocable allocations arm the
// revocable-memory signal and do not move the peak counters.
func (c *OperatorContext) LocalRevocableMemoryContext() memory.LocalMemoryContext {
	return &operatorLocalMemoryContext{
		delegate: c.memoryContext.LocalRevocableMemoryContext(),
		slot:     c.revocableMemoryFuture,
		onAlloc:  func() {},
	}
}

// AggregateUserMemoryContext returns the operator-owned user memory fan-in
// node; the caller must not close it.
func (c *OperatorContext) AggregateUserMemoryContext() memory.AggregatedMemoryContext {
	return &operatorAggregatedMemoryContext{
		delegate: c.memoryContext.AggregateUserMemoryContext(),
		slot:     c.memoryFuture,
		onAlloc:  c.updatePeakMemoryReservations,
	}
}

// NewAggregateSystemMemoryContext creates a caller-owned system memory
// fan-in node; the caller must close it.
func (c *OperatorContext) NewAggregateSystemMemoryContext() memory.AggregatedMemoryContext {
	return &operatorAggregatedMemoryContext{
		delegate:  c.memoryContext.NewAggregateSystemMemoryContext(),
		slot:      c.memoryFuture,
		onAlloc:   c.updatePeakMemoryReservations,
		closeable: true,
	}
}

// updatePeakMemoryReservations listens to all memory allocations and
// max-accumulates the peak reservations. The CAS loop is lock-free and safe
// under any interleaving of concurrent updaters.
func (c *OperatorContext) updatePeakMemoryReservations() {
	userMemory := c.memoryContext.UserBytes()
	systemMemory := c.memoryContext.SystemBytes()
	accumulateMax(&c.peakUserMemoryBytes, userMemory)
	accumulateMax(&c.peakSystemMemoryBytes, systemMemory)
	accumulateMax(&c.peakTotalMemoryBytes, userMemory+systemMemory)
}

func accumulateMax(addr *int64, value int64) {
	for {
		old := stdatomic.LoadInt64(addr)
		if value <= old || stdatomic.CompareAndSwapInt64(addr, old, value) {
			return
		}
	}
}

// ReservedRevocableBytes returns the operator's current revocable memory.
func (c *OperatorContext) ReservedRevocableBytes() int64 {
	return c.memoryContext.RevocableBytes()
}

// SpillContext returns the operator's spill accounting context.
func (c *OperatorContext) SpillContext() SpillContext {
	return c.spillContext
}

// SetInfoSupplier installs the supplier of operator-specific info for stats
// snapshots.
func (c *OperatorContext) SetInfoSupplier(supplier OperatorInfoSupplier) {
	if supplier == nil {
		panic("info supplier is nil")
	}
	c.infoSupplier.Store(&supplier)
}

// IsMemoryRevokingRequested reports whether a revoke request is pending.
func (c *OperatorContext) IsMemoryRevokingRequested() bool {
	c.revoking.Lock()
	defer c.revoking.Unlock()
	return c.revoking.requested
}

// RequestMemoryRevoking asks the operator to give back its revocable memory.
// It returns how much revocable memory will be revoked. If a request is
// already pending or there is no revocable memory, it is a no-op returning 0.
// The registered listener runs outside the critical section so it may
// re-enter the context without deadlocking.
func (c *OperatorContext) RequestMemoryRevoking() (int64, error) {
	var revokedBytes int64
	var listener MemoryRevocationRequestListener
	c.revoking.Lock()
	if !c.revoking.requested && c.memoryContext.RevocableBytes() > 0 {
		c.revoking.requested = true
		revokedBytes = c.memoryContext.RevocableBytes()
		listener = c.revoking.listener
	}
	c.revoking.Unlock()

	if revokedBytes > 0 {
		metrics.MemoryRevokingRequestCounter.Inc()
		logutil.BgLogger().Info("memory revoking requested",
			zap.String("operator", c.String()),
			zap.String("revocable", memory.FormatBytes(revokedBytes)))
	}
	if listener != nil {
		if err := runRevocationListener(listener); err != nil {
			return revokedBytes, err
		}
	}
	return revokedBytes, nil
}

// ResetMemoryRevokingRequested clears the pending revoke request. The driver
// calls it once it has verified through the ledger that the revocable memory
// was actually freed.
func (c *OperatorContext) ResetMemoryRevokingRequested() {
	c.revoking.Lock()
	defer c.revoking.Unlock()
	c.revoking.requested = false
}

// SetMemoryRevocationRequestListener registers the revocation listener. It
// may be called at most once per context. If a revoke request is already
// pending, the listener runs immediately so no request is lost to a
// registration race.
func (c *OperatorContext) SetMemoryRevocationRequestListener(listener MemoryRevocationRequestListener) error {
	if listener == nil {
		return errors.New("listener is nil")
	}
	c.revoking.Lock()
	if c.revoking.listener != nil {
		c.revoking.Unlock()
		return errors.Errorf("memory revocation request listener already set for operator %s", c)
	}
	c.revoking.listener = listener
	shouldNotify := c.revoking.requested
	c.revoking.Unlock()

	if shouldNotify {
		return runRevocationListener(listener)
	}
	return nil
}

func runRevocationListener(listener MemoryRevocationRequestListener) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic while running the memory revocation listener: %v", r)
		}
	}()
	if err := listener(); err != nil {
		return errors.Annotate(err, "error while running the memory revocation listener")
	}
	return nil
}

// Destroy is the terminal call on the context. It asserts that all three
// ledger counters are zero; a residual reservation is an engine bug reported
// per memory class so the leak site is diagnosable.
func (c *OperatorContext) Destroy() error {
	// Drop the revocation listener so the context holds no reference to the
	// driver once the operator finishes.
	c.revoking.Lock()
	c.revoking.listener = nil
	c.revoking.Unlock()

	if bytes := c.memoryContext.SystemBytes(); bytes != 0 {
		return errors.Errorf("operator %s has non-zero system memory (%d bytes) after destroy", c, bytes)
	}
	if bytes := c.memoryContext.UserBytes(); bytes != 0 {
		return errors.Errorf("operator %s has non-zero user memory (%d bytes) after destroy", c, bytes)
	}
	if bytes := c.memoryContext.RevocableBytes(); bytes != 0 {
		return errors.Errorf("operator %s has non-zero revocable memory (%d bytes) after destroy", c, bytes)
	}
	return errors.Trace(c.memoryContext.Close())
}

// OperatorStats produces a point-in-time snapshot of the operator. It is
// safe to call concurrently with all mutators; fields are sampled
// independently, skew between them is part of the contract.
func (c *OperatorContext) OperatorStats() *OperatorStats {
	var info any
	if supplier := c.infoSupplier.Load(); supplier != nil {
		info = (*supplier)()
	}

	var blockedReason BlockedReason
	if !c.memoryFuture.Current().IsDone() {
		blockedReason = BlockedReasonWaitingForMemory
	}

	return &OperatorStats{
		StageID:      c.driverContext.StageID(),
		PipelineID:   c.driverContext.PipelineID(),
		OperatorID:   c.operatorID,
		PlanNodeID:   c.planNodeID,
		OperatorType: c.operatorType,

		AddInputCalls:    c.addInputTiming.Calls(),
		AddInputWallTime: c.addInputTiming.WallTime(),
		AddInputCPUTime:  c.addInputTiming.CPUTime(),

		PhysicalInputBytes: c.physicalInputBytes.Total(),
		NetworkInputBytes:  c.networkInputBytes.Total(),
		TotalInputBytes:    c.physicalInputBytes.Total() + c.networkInputBytes.Total(),
		InputBytes:         c.inputBytes.Total(),
		InputPositions:     c.inputPositions.Total(),

		GetOutputCalls:    c.getOutputTiming.Calls(),
		GetOutputWallTime: c.getOutputTiming.WallTime(),
		GetOutputCPUTime:  c.getOutputTiming.CPUTime(),
		OutputBytes:       c.outputBytes.Total(),
		OutputPositions:   c.outputPositions.Total(),

		PhysicalWrittenBytes: c.physicalWrittenBytes.Load(),

		BlockedWallTime: time.Duration(c.blockedWallNanos.Load()),

		FinishCalls:    c.finishTiming.Calls(),
		FinishWallTime: c.finishTiming.WallTime(),
		FinishCPUTime:  c.finishTiming.CPUTime(),

		UserMemoryBytes:      c.memoryContext.UserBytes(),
		RevocableMemoryBytes: c.memoryContext.RevocableBytes(),
		SystemMemoryBytes:    c.memoryContext.SystemBytes(),

		PeakUserMemoryBytes:   stdatomic.LoadInt64(&c.peakUserMemoryBytes),
		PeakSystemMemoryBytes: stdatomic.LoadInt64(&c.peakSystemMemoryBytes),
		PeakTotalMemoryBytes:  stdatomic.LoadInt64(&c.peakTotalMemoryBytes),

		SpilledBytes: c.spillContext.SpilledBytes(),

		BlockedReason: blockedReason,
		Info:          info,
	}
}

// blockedMonitor accounts one blocked period at most once, either when the
// blocking future resolves or when the next RecordBlocked replaces it.
type blockedMonitor struct {
	ctx   *OperatorContext
	start time.Time

	mu       sync.Mutex
	finished bool
}

func (m *blockedMonitor) run() {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return
	}
	m.finished = true
	m.mu.Unlock()

	elapsed := time.Since(m.start)
	m.ctx.blockedMonitor.CompareAndSwap(m, nil)
	m.ctx.blockedWallNanos.Add(int64(elapsed))
	metrics.OperatorBlockedSeconds.Add(elapsed.Seconds())
}
