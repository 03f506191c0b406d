// Package interrupt implements the RTOS-style interrupt abstraction HORUS
// uses to model hardware events (sensor ready, actuator fault, GPIO edge)
// as vectored, prioritized, nestable handlers, with deferred (bottom-half)
// work and per-vector dispatch counts with average and maximum handler
// latency. No latency histogram is kept.
package interrupt

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/horus-robotics/horus/internal/herrors"
)

// Priority orders interrupt vectors; lower numeric value preempts higher.
type Priority uint8

const (
	PriorityHighest  Priority = 0
	PriorityCritical Priority = 16
	PriorityHigh     Priority = 64
	PriorityNormal   Priority = 128
	PriorityLow      Priority = 192
	PriorityLowest   Priority = 255
)

// Handler processes a fired interrupt vector.
type Handler func(irq uint32)

type vector struct {
	handler  Handler
	priority Priority
	enabled  atomic.Bool
	pending  atomic.Bool
}

// Stats are the per-vector and aggregate counters a VectorTable maintains.
type Stats struct {
	mu              sync.Mutex
	total           atomic.Uint64
	spurious        atomic.Uint64
	unhandled       atomic.Uint64
	perIRQCount     map[uint32]*atomic.Uint64
	perIRQTotalNS   map[uint32]*atomic.Uint64
	maxLatencyNS    atomic.Uint64
	maxLatencyIRQ   atomic.Uint64
}

func newStats() *Stats {
	return &Stats{
		perIRQCount:   make(map[uint32]*atomic.Uint64),
		perIRQTotalNS: make(map[uint32]*atomic.Uint64),
	}
}

func (s *Stats) counterFor(m map[uint32]*atomic.Uint64, irq uint32) *atomic.Uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := m[irq]
	if !ok {
		c = &atomic.Uint64{}
		m[irq] = c
	}
	return c
}

func (s *Stats) recordHandled(irq uint32, d time.Duration) {
	s.total.Add(1)
	s.counterFor(s.perIRQCount, irq).Add(1)
	ns := uint64(d.Nanoseconds())
	s.counterFor(s.perIRQTotalNS, irq).Add(ns)

	for {
		max := s.maxLatencyNS.Load()
		if ns <= max {
			break
		}
		if s.maxLatencyNS.CompareAndSwap(max, ns) {
			s.maxLatencyIRQ.Store(uint64(irq))
			break
		}
	}
}

func (s *Stats) recordSpurious() { s.spurious.Add(1) }
func (s *Stats) recordUnhandled() { s.unhandled.Add(1) }

// TotalCount returns the number of interrupts dispatched to a handler.
func (s *Stats) TotalCount() uint64 { return s.total.Load() }

// SpuriousCount returns the number of interrupts fired while disabled.
func (s *Stats) SpuriousCount() uint64 { return s.spurious.Load() }

// UnhandledCount returns the number of interrupts with no registered handler.
func (s *Stats) UnhandledCount() uint64 { return s.unhandled.Load() }

// IRQCount returns the dispatch count for a specific vector.
func (s *Stats) IRQCount(irq uint32) uint64 {
	s.mu.Lock()
	c, ok := s.perIRQCount[irq]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return c.Load()
}

// IRQAvgLatency returns the mean handler execution time for a vector.
func (s *Stats) IRQAvgLatency(irq uint32) time.Duration {
	count := s.IRQCount(irq)
	if count == 0 {
		return 0
	}
	s.mu.Lock()
	total, ok := s.perIRQTotalNS[irq]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return time.Duration(total.Load() / count)
}

// MaxLatency returns the single longest handler execution time observed
// and the vector it occurred on.
func (s *Stats) MaxLatency() (time.Duration, uint32) {
	return time.Duration(s.maxLatencyNS.Load()), uint32(s.maxLatencyIRQ.Load())
}

// VectorTable maps interrupt request numbers to handlers, priorities, and
// enabled/pending state, mirroring a hardware vector table.
type VectorTable struct {
	mu       sync.RWMutex
	vectors  map[uint32]*vector
	stats    *Stats
}

// NewVectorTable creates an empty vector table.
func NewVectorTable() *VectorTable {
	return &VectorTable{vectors: make(map[uint32]*vector), stats: newStats()}
}

// Register installs a handler for irq at the given priority. Returns a
// wrapped "vector already registered" error if irq is already registered.
func (t *VectorTable) Register(irq uint32, handler Handler, priority Priority) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.vectors[irq]; ok {
		return herrors.Wrap("interrupt: register", errAlreadyRegistered(irq))
	}
	t.vectors[irq] = &vector{handler: handler, priority: priority}
	return nil
}

// Unregister removes irq's handler.
func (t *VectorTable) Unregister(irq uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.vectors[irq]; !ok {
		return herrors.Wrap("interrupt: unregister", errNotRegistered(irq))
	}
	delete(t.vectors, irq)
	return nil
}

func (t *VectorTable) lookup(irq uint32) (*vector, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.vectors[irq]
	return v, ok
}

// Enable arms irq for dispatch.
func (t *VectorTable) Enable(irq uint32) error {
	v, ok := t.lookup(irq)
	if !ok {
		return herrors.Wrap("interrupt: enable", errNotRegistered(irq))
	}
	v.enabled.Store(true)
	return nil
}

// Disable disarms irq; fired-while-disabled interrupts count as spurious.
func (t *VectorTable) Disable(irq uint32) error {
	v, ok := t.lookup(irq)
	if !ok {
		return herrors.Wrap("interrupt: disable", errNotRegistered(irq))
	}
	v.enabled.Store(false)
	return nil
}

// IsEnabled reports whether irq is currently armed.
func (t *VectorTable) IsEnabled(irq uint32) bool {
	v, ok := t.lookup(irq)
	return ok && v.enabled.Load()
}

// SetPending marks irq as awaiting dispatch.
func (t *VectorTable) SetPending(irq uint32) error {
	v, ok := t.lookup(irq)
	if !ok {
		return herrors.Wrap("interrupt: set_pending", errNotRegistered(irq))
	}
	v.pending.Store(true)
	return nil
}

// ClearPending clears irq's pending flag.
func (t *VectorTable) ClearPending(irq uint32) error {
	v, ok := t.lookup(irq)
	if !ok {
		return herrors.Wrap("interrupt: clear_pending", errNotRegistered(irq))
	}
	v.pending.Store(false)
	return nil
}

// IsPending reports whether irq is awaiting dispatch.
func (t *VectorTable) IsPending(irq uint32) bool {
	v, ok := t.lookup(irq)
	return ok && v.pending.Load()
}

// Handle dispatches irq: clears pending, records spurious if disabled or
// unhandled if no handler is installed, otherwise runs the handler and
// records its execution latency.
func (t *VectorTable) Handle(irq uint32) {
	v, ok := t.lookup(irq)
	if !ok {
		t.stats.recordUnhandled()
		return
	}
	v.pending.Store(false)

	if !v.enabled.Load() {
		t.stats.recordSpurious()
		return
	}
	if v.handler == nil {
		t.stats.recordUnhandled()
		return
	}

	start := time.Now()
	v.handler(irq)
	t.stats.recordHandled(irq, time.Since(start))
}

// Priority returns irq's configured priority.
func (t *VectorTable) Priority(irq uint32) (Priority, bool) {
	v, ok := t.lookup(irq)
	if !ok {
		return 0, false
	}
	return v.priority, true
}

// SetPriority changes irq's priority.
func (t *VectorTable) SetPriority(irq uint32, priority Priority) error {
	v, ok := t.lookup(irq)
	if !ok {
		return herrors.Wrap("interrupt: set_priority", errNotRegistered(irq))
	}
	v.priority = priority
	return nil
}

// Stats returns the table's running statistics.
func (t *VectorTable) Stats() *Stats { return t.stats }

type registrationError struct {
	irq     uint32
	already bool
}

func errAlreadyRegistered(irq uint32) error { return &registrationError{irq: irq, already: true} }
func errNotRegistered(irq uint32) error     { return &registrationError{irq: irq, already: false} }

func (e *registrationError) Error() string {
	if e.already {
		return "vector already registered"
	}
	return "vector not registered"
}

// NestedController layers preemption and nesting-depth limits on top of a
// VectorTable: a handler for a higher-priority vector may preempt a
// lower-priority one already executing, up to a configured nesting depth.
type NestedController struct {
	table      *VectorTable
	maxNesting uint32

	mu     sync.Mutex
	active []uint32
	level  atomic.Uint64
}

// NewNestedController wraps table with nesting support bounded by maxNesting.
func NewNestedController(table *VectorTable, maxNesting uint32) *NestedController {
	return &NestedController{table: table, maxNesting: maxNesting}
}

// HandleInterrupt dispatches irq with nesting bookkeeping, refusing entry
// past maxNesting.
func (c *NestedController) HandleInterrupt(irq uint32) error {
	level := c.level.Add(1) - 1
	if level >= uint64(c.maxNesting) {
		c.level.Add(^uint64(0))
		return &nestingExceededError{max: c.maxNesting}
	}

	c.mu.Lock()
	c.active = append(c.active, irq)
	c.mu.Unlock()

	c.table.Handle(irq)

	c.mu.Lock()
	c.active = c.active[:len(c.active)-1]
	c.mu.Unlock()

	c.level.Add(^uint64(0))
	return nil
}

// CanPreempt reports whether irq's priority is high enough to interrupt
// whatever vector is currently executing (empty active stack always
// allows entry).
func (c *NestedController) CanPreempt(irq uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.active) == 0 {
		return true
	}
	newPriority, _ := c.table.Priority(irq)
	currentPriority, _ := c.table.Priority(c.active[len(c.active)-1])
	return newPriority < currentPriority
}

// NestingLevel returns the current interrupt nesting depth.
func (c *NestedController) NestingLevel() uint64 { return c.level.Load() }

// InInterrupt reports whether any interrupt handler is currently executing.
func (c *NestedController) InInterrupt() bool { return c.NestingLevel() > 0 }

type nestingExceededError struct{ max uint32 }

func (e *nestingExceededError) Error() string {
	return "interrupt: maximum nesting level exceeded"
}

// DeferredWork is one unit of bottom-half processing queued by a
// time-critical handler for execution outside interrupt context.
type DeferredWork struct {
	IRQ     uint32
	Handler Handler
}

// DeferredQueue defers work from interrupt context to a lower-priority
// processing pass, ordered by the originating vector's priority.
type DeferredQueue struct {
	table *VectorTable

	mu      sync.Mutex
	work    []DeferredWork
	enabled atomic.Bool
}

// NewDeferredQueue creates an enabled deferred work queue, ordering
// drained work by priority as recorded in table.
func NewDeferredQueue(table *VectorTable) *DeferredQueue {
	q := &DeferredQueue{table: table}
	q.enabled.Store(true)
	return q
}

// Queue appends work for later processing if the queue is enabled.
func (q *DeferredQueue) Queue(work DeferredWork) {
	if !q.enabled.Load() {
		return
	}
	q.mu.Lock()
	q.work = append(q.work, work)
	q.mu.Unlock()
}

// Process runs all queued work, highest priority (lowest numeric value)
// first, then clears the queue.
func (q *DeferredQueue) Process() {
	q.mu.Lock()
	batch := q.work
	q.work = nil
	q.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		pi, _ := q.table.Priority(batch[i].IRQ)
		pj, _ := q.table.Priority(batch[j].IRQ)
		return pi < pj
	})

	for _, w := range batch {
		if w.Handler != nil {
			w.Handler(w.IRQ)
		}
	}
}

// Enable arms deferred processing.
func (q *DeferredQueue) Enable() { q.enabled.Store(true) }

// Disable stops new work from being queued.
func (q *DeferredQueue) Disable() { q.enabled.Store(false) }

// HasWork reports whether any work is queued.
func (q *DeferredQueue) HasWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.work) > 0
}

// Clear discards all queued work.
func (q *DeferredQueue) Clear() {
	q.mu.Lock()
	q.work = nil
	q.mu.Unlock()
}
