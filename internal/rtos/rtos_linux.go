//go:build linux

package rtos

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/horus-robotics/horus/internal/log"
)

// lockOSThreadForTask pins the calling goroutine to its OS thread for
// its lifetime, required before sched_setscheduler/sched_setaffinity
// calls: Go may otherwise migrate the goroutine to a different thread
// that never received the RT priority or affinity mask.
func lockOSThreadForTask() {
	runtime.LockOSThread()
}

// RTLinuxBackend runs tasks as locked-priority OS threads under a
// PREEMPT_RT kernel: SCHED_FIFO scheduling, CPU affinity pinning, and
// mlockall to avoid page-fault jitter.
type RTLinuxBackend struct {
	log         *log.Logger
	initialized atomic.Bool
	tickCount   atomic.Uint64

	mu    sync.Mutex
	tasks map[uint64]*rtLinuxTask

	criticalMu sync.Mutex
}

type rtLinuxTask struct {
	name      string
	priority  TaskPriority
	suspended atomic.Bool
	resumeCh  chan struct{}
}

// NewRTLinuxBackend constructs an uninitialized PREEMPT_RT backend.
func NewRTLinuxBackend() *RTLinuxBackend {
	return &RTLinuxBackend{log: log.Default("rtos-linux"), tasks: make(map[uint64]*rtLinuxTask)}
}

// New returns the best Backend available on this platform: PREEMPT_RT
// scheduling on Linux.
func New() Backend { return NewRTLinuxBackend() }

func (b *RTLinuxBackend) Platform() string { return "rt_linux" }

// Init locks process memory and warns (never fails) if PREEMPT_RT or
// unthrottled SCHED_FIFO aren't available.
func (b *RTLinuxBackend) Init() error {
	if b.initialized.Swap(true) {
		return nil
	}

	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		b.log.Warn("mlockall failed, page faults may add jitter (needs CAP_IPC_LOCK or root)", log.Err(err))
	}

	if version, err := os.ReadFile("/proc/version"); err == nil {
		v := string(version)
		if !strings.Contains(v, "PREEMPT") && !strings.Contains(v, "RT") {
			b.log.Warn("RT kernel not detected; real-time guarantees will be limited")
		}
	}

	if content, err := os.ReadFile("/proc/sys/kernel/sched_rt_runtime_us"); err == nil {
		if runtimeUS, err := strconv.Atoi(strings.TrimSpace(string(content))); err == nil && runtimeUS != -1 {
			b.log.Warn("RT throttling enabled, consider disabling for hard real-time", log.Int("sched_rt_runtime_us", runtimeUS))
		}
	}

	b.log.Info("rt_linux backend initialized")
	return nil
}

func setRTPriority(priority TaskPriority) error {
	param := &unix.SchedParam{Priority: int32(priority.schedFIFOPriority())}
	if err := unix.SchedSetscheduler(0, unix.SCHED_FIFO, param); err != nil {
		if err == unix.EPERM {
			return fmt.Errorf("rtos: SCHED_FIFO requires CAP_SYS_NICE or root: %w", err)
		}
		return fmt.Errorf("rtos: sched_setscheduler: %w", err)
	}
	return nil
}

func setCPUAffinity(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("rtos: sched_setaffinity: %w", err)
	}
	return nil
}

// CreateTask spawns fn on a dedicated OS thread (runtime.LockOSThread),
// applying RT priority and optional CPU affinity before running it.
func (b *RTLinuxBackend) CreateTask(attrs TaskAttributes, fn func()) (TaskHandle, error) {
	handle := newTaskHandle()
	task := &rtLinuxTask{name: attrs.Name, priority: attrs.Priority, resumeCh: make(chan struct{}, 1)}

	b.mu.Lock()
	b.tasks[handle.ID] = task
	b.mu.Unlock()

	go func() {
		lockOSThreadForTask()
		if err := setRTPriority(attrs.Priority); err != nil {
			b.log.Warn("failed to set RT priority, continuing at default scheduling", log.String("task", attrs.Name), log.Err(err))
		}
		if attrs.Affinity != nil {
			if err := setCPUAffinity(*attrs.Affinity); err != nil {
				b.log.Warn("failed to set CPU affinity", log.String("task", attrs.Name), log.Err(err))
			}
		}

		if task.suspended.Load() {
			<-task.resumeCh
		}
		fn()
	}()

	return handle, nil
}

func (b *RTLinuxBackend) SuspendTask(h TaskHandle) error {
	b.mu.Lock()
	task, ok := b.tasks[h.ID]
	b.mu.Unlock()
	if !ok {
		return errUnknownTask(h)
	}
	task.suspended.Store(true)
	return nil
}

func (b *RTLinuxBackend) ResumeTask(h TaskHandle) error {
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

func (b *RTLinuxBackend) TaskYield() {
	unix.Sched_yield()
}

// TaskDelay uses clock_nanosleep for sub-millisecond precision sleeps
// rather than time.Sleep's coarser runtime timer wheel.
func (b *RTLinuxBackend) TaskDelay(d time.Duration) {
	ts := unix.NsecToTimespec(d.Nanoseconds())
	for {
		rem := &unix.Timespec{}
		err := unix.ClockNanosleep(unix.CLOCK_MONOTONIC, 0, &ts, rem)
		if err != unix.EINTR {
			return
		}
		ts = *rem
	}
}

func (b *RTLinuxBackend) TickCount() uint64   { return b.tickCount.Add(1) }
func (b *RTLinuxBackend) TickFrequency() uint32 { return 1000 }

// EnterCritical/ExitCritical serialize against concurrent RT-sensitive
// work; PREEMPT_RT has no userspace cli/sti equivalent; a mutex is the
// portable stand-in the interrupt package's GlobalControl also uses.
func (b *RTLinuxBackend) EnterCritical() { b.criticalMu.Lock() }
func (b *RTLinuxBackend) ExitCritical()  { b.criticalMu.Unlock() }

func (b *RTLinuxBackend) SetTaskPriority(h TaskHandle, p TaskPriority) error {
	b.mu.Lock()
	task, ok := b.tasks[h.ID]
	b.mu.Unlock()
	if !ok {
		return errUnknownTask(h)
	}
	task.priority = p
	return setRTPriority(p)
}

func (b *RTLinuxBackend) GetTaskPriority(h TaskHandle) (TaskPriority, error) {
	b.mu.Lock()
	task, ok := b.tasks[h.ID]
	b.mu.Unlock()
	if !ok {
		return 0, errUnknownTask(h)
	}
	return task.priority, nil
}

// FreeHeapBytes reads MemAvailable from /proc/meminfo.
func (b *RTLinuxBackend) FreeHeapBytes() uint64 {
	content, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(content), "\n") {
		if strings.HasPrefix(line, "MemAvailable:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, _ := strconv.ParseUint(fields[1], 10, 64)
				return kb * 1024
			}
		}
	}
	return 0
}

// SetIRQAffinity pins irq's handling to cpu via /proc/irq/<irq>/smp_affinity.
func (b *RTLinuxBackend) SetIRQAffinity(irq uint32, cpu int) error {
	path := fmt.Sprintf("/proc/irq/%d/smp_affinity", irq)
	mask := fmt.Sprintf("%x", uint64(1)<<uint(cpu))
	if err := os.WriteFile(path, []byte(mask), 0644); err != nil {
		return fmt.Errorf("rtos: set irq affinity: %w", err)
	}
	return nil
}

// CheckRTPrivileges reports whether SCHED_FIFO priority 99 is available,
// a proxy for whether the process has the privileges real-time scheduling
// needs.
func (b *RTLinuxBackend) CheckRTPrivileges() bool {
	max, err := unix.SchedGetPriorityMax(unix.SCHED_FIFO)
	return err == nil && max >= 99
}

// IsolateCPUs requests that cpus be excluded from the general scheduler
// load-balancing pool by writing the kernel's isolated-CPU cpuset. This
// only takes effect for cgroups created after the write; it cannot move
// threads already running on those CPUs.
func (b *RTLinuxBackend) IsolateCPUs(cpus []int) error {
	const path = "/sys/devices/system/cpu/isolated"
	mask := make([]string, len(cpus))
	for i, cpu := range cpus {
		mask[i] = strconv.Itoa(cpu)
	}
	if err := os.WriteFile(path, []byte(strings.Join(mask, ",")), 0644); err != nil {
		return fmt.Errorf("rtos: isolate cpus: %w", err)
	}
	return nil
}

// SetCPUGovernor sets the cpufreq scaling governor (e.g. "performance")
// on every online CPU, warning rather than failing on any CPU it can't
// write (offline CPUs, missing cpufreq driver).
func (b *RTLinuxBackend) SetCPUGovernor(name string) error {
	matches, err := filepath.Glob("/sys/devices/system/cpu/cpu[0-9]*/cpufreq/scaling_governor")
	if err != nil {
		return fmt.Errorf("rtos: glob cpufreq governors: %w", err)
	}
	var lastErr error
	for _, path := range matches {
		if err := os.WriteFile(path, []byte(name), 0644); err != nil {
			b.log.Warn("failed to set cpu governor", log.String("path", path), log.Err(err))
			lastErr = err
		}
	}
	return lastErr
}

// GetIsolatedCPUs reads the kernel's isolated-CPU list from
// /sys/devices/system/cpu/isolated, parsing its comma-separated
// range/scalar syntax ("0-1,4").
func (b *RTLinuxBackend) GetIsolatedCPUs() ([]int, error) {
	content, err := os.ReadFile("/sys/devices/system/cpu/isolated")
	if err != nil {
		return nil, fmt.Errorf("rtos: read isolated cpus: %w", err)
	}
	return parseCPUList(strings.TrimSpace(string(content)))
}

func parseCPUList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("rtos: parse cpu range %q: %w", part, err)
			}
			end, err := strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("rtos: parse cpu range %q: %w", part, err)
			}
			for cpu := start; cpu <= end; cpu++ {
				cpus = append(cpus, cpu)
			}
			continue
		}
		cpu, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("rtos: parse cpu %q: %w", part, err)
		}
		cpus = append(cpus, cpu)
	}
	return cpus, nil
}

type unknownTaskError struct{ id uint64 }

func errUnknownTask(h TaskHandle) error { return &unknownTaskError{id: h.ID} }

func (e *unknownTaskError) Error() string {
	return fmt.Sprintf("rtos: unknown task handle %d", e.id)
}
