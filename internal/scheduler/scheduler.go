package scheduler

import (
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/horus-robotics/horus/internal/log"
)

const (
	tickInterval     = 16 * time.Millisecond // cooperative ≈60Hz
	snapshotInterval = 5 * time.Second
	hardExitGrace    = 100 * time.Millisecond
)

// Scheduler is the central orchestrator: it owns the tick loop, drives
// registered nodes in priority order, and publishes registry/heartbeat
// state for external monitors.
type Scheduler struct {
	name string
	log  *log.Logger

	mu    sync.Mutex
	nodes []*registration

	running atomic.Bool
}

// New creates a named scheduler.
func New(name string) *Scheduler {
	return &Scheduler{
		name: name,
		log:  log.Default("scheduler").With(log.String("scheduler", name)),
	}
}

// Register appends node to the registry under priority (lower priority
// values tick earlier) with an optional per-node logging flag. Chainable.
func (s *Scheduler) Register(node Node, name string, priority uint32, loggingEnabled bool) *Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append(s.nodes, &registration{
		node:           node,
		name:           name,
		priority:       priority,
		loggingEnabled: loggingEnabled,
		ctx:            newNodeContext(name),
	})
	return s
}

func (s *Scheduler) sortedRegistrations() []*registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := append([]*registration(nil), s.nodes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].priority < sorted[j].priority })
	return sorted
}

// TickAll runs the full scheduler lifecycle (signal handling, init,
// registry bootstrap, tick loop, teardown) until interrupted. filter, if
// non-nil, restricts which nodes participate in init and every tick.
func (s *Scheduler) TickAll(filter NodeFilter) error {
	return s.run(filter)
}

// TickNode runs the scheduler lifecycle restricted to the named nodes
// (intersected with filter, if non-nil).
func (s *Scheduler) TickNode(names []string, filter NodeFilter) error {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	combined := func(name string) bool {
		return allowed[name] && filter.allows(name)
	}
	return s.run(combined)
}

func (s *Scheduler) run(filter NodeFilter) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	defer s.running.Store(false)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	stop := make(chan struct{})
	var stopOnce sync.Once
	go func() {
		<-sigCh
		s.log.Info("interrupt received, shutting down")
		stopOnce.Do(func() { close(stop) })
		time.AfterFunc(hardExitGrace, func() {
			s.log.Warn("graceful shutdown exceeded grace period, forcing exit")
			os.Exit(0)
		})
	}()

	s.initNodes(filter)

	if err := ensureHeartbeatDir(); err != nil {
		s.log.Warn("failed to create heartbeat directory", log.Err(err))
	}

	if err := s.writeSnapshot(nil); err != nil {
		s.log.Warn("failed to write initial registry snapshot", log.Err(err))
	}

	lastSnapshot := time.Now()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			s.tickOnce(filter)

			if time.Since(lastSnapshot) >= snapshotInterval {
				now := time.Now().Unix()
				if err := s.writeSnapshot(&now); err != nil {
					s.log.Warn("failed to write registry snapshot", log.Err(err))
				}
				lastSnapshot = time.Now()
			}
		}
	}

	s.shutdownNodes(filter)

	if err := removeRegistry(); err != nil {
		s.log.Warn("failed to remove registry file", log.Err(err))
	}
	if err := removeHeartbeatDir(); err != nil {
		s.log.Warn("failed to remove heartbeat directory", log.Err(err))
	}

	return nil
}

func (s *Scheduler) initNodes(filter NodeFilter) {
	for _, reg := range s.sortedRegistrations() {
		if reg.initialized || !filter.allows(reg.name) {
			continue
		}
		if err := reg.node.Init(reg.ctx); err != nil {
			reg.ctx.setState(StateError)
			s.log.Error("node init failed", log.String("node", reg.name), log.Err(err))
			continue
		}
		reg.initialized = true
	}
}

func (s *Scheduler) tickOnce(filter NodeFilter) {
	for _, reg := range s.sortedRegistrations() {
		if !reg.initialized || !filter.allows(reg.name) {
			continue
		}

		reg.ctx.startTick()
		err := s.safeTick(reg)
		reg.ctx.recordTick(err)

		if err != nil && reg.loggingEnabled {
			s.log.Error("node tick failed", log.String("node", reg.name), log.Err(err))
		}

		state, health, tickCount, _, lastTickNS, _, _ := reg.ctx.snapshot()
		hb := Heartbeat{
			State:      state.String(),
			Health:     health.String(),
			TickCount:  tickCount,
			LastTickNS: lastTickNS,
		}
		if err := writeHeartbeat(reg.name, hb); err != nil && reg.loggingEnabled {
			s.log.Warn("failed to write heartbeat", log.String("node", reg.name), log.Err(err))
		}
	}
}

func (s *Scheduler) safeTick(reg *registration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("node tick panicked", log.String("node", reg.name), log.Any("panic", r))
			err = errPanic
		}
	}()
	return reg.node.Tick(reg.ctx)
}

func (s *Scheduler) shutdownNodes(filter NodeFilter) {
	for _, reg := range s.sortedRegistrations() {
		if !reg.initialized || !filter.allows(reg.name) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("node shutdown panicked", log.String("node", reg.name), log.Any("panic", r))
				}
			}()
			if err := reg.node.Shutdown(reg.ctx); err != nil {
				s.log.Error("node shutdown failed", log.String("node", reg.name), log.Err(err))
			}
		}()
		reg.ctx.setState(StateStopped)
	}
}

func (s *Scheduler) writeSnapshot(lastSnapshot *int64) error {
	wd, _ := os.Getwd()
	snapshot := RegistrySnapshot{
		PID:           os.Getpid(),
		SchedulerName: s.name,
		WorkingDir:    wd,
		LastSnapshot:  lastSnapshot,
	}
	for _, reg := range s.sortedRegistrations() {
		state, health, tickCount, errorCount, _, pubs, subs := reg.ctx.snapshot()
		snapshot.Nodes = append(snapshot.Nodes, NodeSnapshot{
			Name:        reg.name,
			Priority:    reg.priority,
			State:       state.String(),
			Health:      health.String(),
			ErrorCount:  errorCount,
			TickCount:   tickCount,
			Publishers:  pubs,
			Subscribers: subs,
		})
	}
	return writeRegistry(snapshot)
}

var errPanic = &panicError{}

type panicError struct{}

func (*panicError) Error() string { return "node panicked during tick" }
