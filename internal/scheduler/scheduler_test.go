package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	initCalls     atomic.Int32
	tickCalls     atomic.Int32
	shutdownCalls atomic.Int32
	initErr       error
	tickErr       error
}

func (n *fakeNode) Init(ctx *NodeContext) error {
	n.initCalls.Add(1)
	return n.initErr
}

func (n *fakeNode) Tick(ctx *NodeContext) error {
	n.tickCalls.Add(1)
	return n.tickErr
}

func (n *fakeNode) Shutdown(ctx *NodeContext) error {
	n.shutdownCalls.Add(1)
	return nil
}

func TestScheduler_RegisterOrdersByPriority(t *testing.T) {
	s := New("test")
	s.Register(&fakeNode{}, "low", 100, false)
	s.Register(&fakeNode{}, "high", 1, false)

	sorted := s.sortedRegistrations()
	require.Len(t, sorted, 2)
	assert.Equal(t, "high", sorted[0].name)
	assert.Equal(t, "low", sorted[1].name)
}

func TestScheduler_InitNodesSkipsFilteredOut(t *testing.T) {
	s := New("test")
	a := &fakeNode{}
	b := &fakeNode{}
	s.Register(a, "a", 1, false)
	s.Register(b, "b", 2, false)

	filter := NodeFilter(func(name string) bool { return name == "a" })
	s.initNodes(filter)

	assert.Equal(t, int32(1), a.initCalls.Load())
	assert.Equal(t, int32(0), b.initCalls.Load())
}

func TestScheduler_InitFailureMarksError(t *testing.T) {
	s := New("test")
	n := &fakeNode{initErr: errors.New("boom")}
	s.Register(n, "a", 1, false)

	s.initNodes(nil)

	reg := s.sortedRegistrations()[0]
	assert.False(t, reg.initialized)
	state, _, _, _, _, _, _ := reg.ctx.snapshot()
	assert.Equal(t, StateError, state)
}

func TestScheduler_TickOnceRecordsCounts(t *testing.T) {
	s := New("test")
	n := &fakeNode{}
	s.Register(n, "a", 1, false)
	s.initNodes(nil)

	s.tickOnce(nil)
	s.tickOnce(nil)

	reg := s.sortedRegistrations()[0]
	_, _, tickCount, errorCount, _, _, _ := reg.ctx.snapshot()
	assert.Equal(t, uint64(2), tickCount)
	assert.Equal(t, uint64(0), errorCount)
}

func TestScheduler_TickErrorIncrementsErrorCount(t *testing.T) {
	s := New("test")
	n := &fakeNode{tickErr: errors.New("tick failed")}
	s.Register(n, "a", 1, true)
	s.initNodes(nil)

	s.tickOnce(nil)

	reg := s.sortedRegistrations()[0]
	state, _, _, errorCount, _, _, _ := reg.ctx.snapshot()
	assert.Equal(t, uint64(1), errorCount)
	assert.Equal(t, StateError, state)
}

func TestScheduler_SafeTickRecoversPanic(t *testing.T) {
	s := New("test")
	reg := &registration{
		node: nodeFunc{tick: func(*NodeContext) error { panic("kaboom") }},
		name: "panicky",
		ctx:  newNodeContext("panicky"),
	}
	err := s.safeTick(reg)
	assert.ErrorIs(t, err, errPanic)
}

func TestScheduler_ShutdownNodesCallsEachOnce(t *testing.T) {
	s := New("test")
	a := &fakeNode{}
	b := &fakeNode{}
	s.Register(a, "a", 1, false)
	s.Register(b, "b", 2, false)
	s.initNodes(nil)

	s.shutdownNodes(nil)

	assert.Equal(t, int32(1), a.shutdownCalls.Load())
	assert.Equal(t, int32(1), b.shutdownCalls.Load())
}

func TestScheduler_RunStopsOnSecondCall(t *testing.T) {
	s := New("test")
	s.running.Store(true)
	require.NoError(t, s.run(nil))
}

type nodeFunc struct {
	tick func(*NodeContext) error
}

func (n nodeFunc) Init(ctx *NodeContext) error     { return nil }
func (n nodeFunc) Tick(ctx *NodeContext) error      { return n.tick(ctx) }
func (n nodeFunc) Shutdown(ctx *NodeContext) error { return nil }

func TestNodeContext_StartTickSetsRunning(t *testing.T) {
	ctx := newNodeContext("n")
	ctx.startTick()
	state, _, _, _, _, _, _ := ctx.snapshot()
	assert.Equal(t, StateRunning, state)
}

func TestNodeContext_RecordTickUpdatesLastTickTime(t *testing.T) {
	ctx := newNodeContext("n")
	before := time.Now().UnixNano()
	ctx.recordTick(nil)
	_, _, _, _, lastTickNS, _, _ := ctx.snapshot()
	assert.GreaterOrEqual(t, lastTickNS, before)
}
