//go:build !linux

package rtos

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/horus-robotics/horus/internal/log"
)

// PortableBackend runs tasks as plain goroutines with no real-time
// scheduling guarantees, used on platforms without PREEMPT_RT.
type PortableBackend struct {
	log       *log.Logger
	tickCount atomic.Uint64

	mu    sync.Mutex
	tasks map[uint64]*portableTask

	criticalMu sync.Mutex
}

type portableTask struct {
	priority  TaskPriority
	suspended atomic.Bool
	resumeCh  chan struct{}
}

// NewPortableBackend constructs the non-Linux fallback Backend.
func NewPortableBackend() *PortableBackend {
	return &PortableBackend{log: log.Default("rtos-portable"), tasks: make(map[uint64]*portableTask)}
}

// New returns the best Backend available on this platform: plain
// goroutines with no real-time scheduling guarantees.
func New() Backend { return NewPortableBackend() }

func (b *PortableBackend) Platform() string { return "portable" }

func (b *PortableBackend) Init() error {
	b.log.Warn("running without real-time scheduling guarantees on this platform")
	return nil
}

func (b *PortableBackend) CreateTask(attrs TaskAttributes, fn func()) (TaskHandle, error) {
	handle := newTaskHandle()
	task := &portableTask{priority: attrs.Priority, resumeCh: make(chan struct{}, 1)}

	b.mu.Lock()
	b.tasks[handle.ID] = task
	b.mu.Unlock()

	go func() {
		if task.suspended.Load() {
			<-task.resumeCh
		}
		fn()
	}()

	return handle, nil
}

func (b *PortableBackend) SuspendTask(h TaskHandle) error {
	b.mu.Lock()
	task, ok := b.tasks[h.ID]
	b.mu.Unlock()
	if !ok {
		return errUnknownTask(h)
	}
	task.suspended.Store(true)
	return nil
}

func (b *PortableBackend) ResumeTask(h TaskHandle) error {
	b.mu.Lock()
	task, ok := b.tasks[h.ID]
	b.mu.Unlock()
	if !ok {
		return errUnknownTask(h)
	}
	if task.suspended.CompareAndSwap(true, false) {
		select {
		case task.resumeCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *PortableBackend) TaskYield()               {}
func (b *PortableBackend) TaskDelay(d time.Duration) { time.Sleep(d) }
func (b *PortableBackend) TickCount() uint64         { return b.tickCount.Add(1) }
func (b *PortableBackend) TickFrequency() uint32     { return 1000 }
func (b *PortableBackend) EnterCritical()            { b.criticalMu.Lock() }
func (b *PortableBackend) ExitCritical()             { b.criticalMu.Unlock() }

func (b *PortableBackend) SetTaskPriority(h TaskHandle, p TaskPriority) error {
	b.mu.Lock()
	task, ok := b.tasks[h.ID]
	b.mu.Unlock()
	if !ok {
		return errUnknownTask(h)
	}
	task.priority = p
	return nil
}

func (b *PortableBackend) GetTaskPriority(h TaskHandle) (TaskPriority, error) {
	b.mu.Lock()
	task, ok := b.tasks[h.ID]
	b.mu.Unlock()
	if !ok {
		return 0, errUnknownTask(h)
	}
	return task.priority, nil
}

func (b *PortableBackend) FreeHeapBytes() uint64 { return 0 }

// SetIRQAffinity has no portable equivalent outside Linux's
// /proc/irq/<n>/smp_affinity interface.
func (b *PortableBackend) SetIRQAffinity(irq uint32, cpu int) error { return ErrUnsupported }

// CheckRTPrivileges always reports false off Linux; there is no
// SCHED_FIFO to probe.
func (b *PortableBackend) CheckRTPrivileges() bool { return false }

// IsolateCPUs has no portable equivalent outside Linux's cpuset isolation.
func (b *PortableBackend) IsolateCPUs(cpus []int) error { return ErrUnsupported }

// SetCPUGovernor has no portable equivalent outside Linux's cpufreq sysfs.
func (b *PortableBackend) SetCPUGovernor(name string) error { return ErrUnsupported }

// GetIsolatedCPUs reports no isolated CPUs off Linux.
func (b *PortableBackend) GetIsolatedCPUs() ([]int, error) { return nil, nil }

type unknownTaskError struct{ id uint64 }

func errUnknownTask(h TaskHandle) error { return &unknownTaskError{id: h.ID} }

func (e *unknownTaskError) Error() string {
	return "rtos: unknown task handle"
}
