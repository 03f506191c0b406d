package interrupt

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorTable_RegisterAndHandle(t *testing.T) {
	table := NewVectorTable()
	var fired atomic.Bool
	require.NoError(t, table.Register(1, func(irq uint32) { fired.Store(true) }, PriorityNormal))
	require.NoError(t, table.Enable(1))

	table.Handle(1)
	assert.True(t, fired.Load())
	assert.Equal(t, uint64(1), table.Stats().TotalCount())
}

func TestVectorTable_RegisterDuplicateFails(t *testing.T) {
	table := NewVectorTable()
	require.NoError(t, table.Register(1, nil, PriorityNormal))
	err := table.Register(1, nil, PriorityNormal)
	assert.Error(t, err)
}

func TestVectorTable_HandleDisabledRecordsSpurious(t *testing.T) {
	table := NewVectorTable()
	require.NoError(t, table.Register(1, func(uint32) {}, PriorityNormal))
	table.Handle(1)
	assert.Equal(t, uint64(1), table.Stats().SpuriousCount())
}

func TestVectorTable_HandleUnregisteredRecordsUnhandled(t *testing.T) {
	table := NewVectorTable()
	table.Handle(99)
	assert.Equal(t, uint64(1), table.Stats().UnhandledCount())
}

func TestVectorTable_PendingFlag(t *testing.T) {
	table := NewVectorTable()
	require.NoError(t, table.Register(1, func(uint32) {}, PriorityNormal))
	require.NoError(t, table.SetPending(1))
	assert.True(t, table.IsPending(1))
	require.NoError(t, table.ClearPending(1))
	assert.False(t, table.IsPending(1))
}

func TestVectorTable_StatsTrackLatency(t *testing.T) {
	table := NewVectorTable()
	require.NoError(t, table.Register(1, func(uint32) { time.Sleep(time.Millisecond) }, PriorityNormal))
	require.NoError(t, table.Enable(1))
	table.Handle(1)

	avg := table.Stats().IRQAvgLatency(1)
	assert.Greater(t, avg, time.Duration(0))
}

func TestNestedController_RejectsExcessNesting(t *testing.T) {
	table := NewVectorTable()
	require.NoError(t, table.Register(1, func(irq uint32) {}, PriorityNormal))
	require.NoError(t, table.Enable(1))

	ctrl := NewNestedController(table, 1)
	// Simulate already-nested by bumping the level directly via a handler
	// that recurses one level deeper than maxNesting allows.
	var innerErr error
	require.NoError(t, table.Register(2, func(irq uint32) {
		innerErr = ctrl.HandleInterrupt(2)
	}, PriorityHigh))
	require.NoError(t, table.Enable(2))

	err := ctrl.HandleInterrupt(2)
	require.NoError(t, err)
	assert.Error(t, innerErr)
}

func TestNestedController_CanPreemptHigherPriority(t *testing.T) {
	table := NewVectorTable()
	require.NoError(t, table.Register(1, func(uint32) {}, PriorityNormal))
	require.NoError(t, table.Register(2, func(uint32) {}, PriorityCritical))
	ctrl := NewNestedController(table, 8)

	assert.True(t, ctrl.CanPreempt(1)) // nothing active yet

	// With vector 1 (Normal) executing, Critical vector 2 may preempt it
	// but another Normal-priority entry may not.
	ctrl.active = append(ctrl.active, 1)
	assert.True(t, ctrl.CanPreempt(2))
	assert.False(t, ctrl.CanPreempt(1))
}

func TestDeferredQueue_ProcessOrdersByPriority(t *testing.T) {
	table := NewVectorTable()
	require.NoError(t, table.Register(1, nil, PriorityLow))
	require.NoError(t, table.Register(2, nil, PriorityCritical))

	q := NewDeferredQueue(table)
	var order []uint32
	q.Queue(DeferredWork{IRQ: 1, Handler: func(irq uint32) { order = append(order, irq) }})
	q.Queue(DeferredWork{IRQ: 2, Handler: func(irq uint32) { order = append(order, irq) }})

	q.Process()
	assert.Equal(t, []uint32{2, 1}, order)
	assert.False(t, q.HasWork())
}

func TestDeferredQueue_DisabledDropsNewWork(t *testing.T) {
	table := NewVectorTable()
	q := NewDeferredQueue(table)
	q.Disable()
	q.Queue(DeferredWork{IRQ: 1, Handler: func(uint32) {}})
	assert.False(t, q.HasWork())
}

func TestGlobalControl_CriticalSectionRunsExclusively(t *testing.T) {
	var g GlobalControl
	ran := false
	g.CriticalSection(func() { ran = true })
	assert.True(t, ran)
}
