package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/horus-robotics/horus/internal/log"
)

// Location classifies a remote address by network proximity.
type Location int

const (
	SameMachine Location = iota
	LocalNetwork
	WideArea
)

// ClassifyAddr determines the Location of a remote address per the
// loopback/private/link-local classification table.
func ClassifyAddr(ip net.IP) Location {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return SameMachine
	}
	if v4 := ip.To4(); v4 != nil {
		if v4.IsPrivate() || v4.IsLinkLocalUnicast() {
			return LocalNetwork
		}
		return WideArea
	}
	if ip.IsLinkLocalUnicast() || isIPv6UniqueLocal(ip) {
		return LocalNetwork
	}
	return WideArea
}

// isIPv6UniqueLocal reports fc00::/7 membership.
func isIPv6UniqueLocal(ip net.IP) bool {
	ip16 := ip.To16()
	if ip16 == nil {
		return false
	}
	return ip16[0]&0xfe == 0xfc
}

// Preferences tune transport selection behavior.
type Preferences struct {
	PreferLowLatency  bool
	PreferReliability bool
	AllowUnencrypted  bool
	ForceTransport     *Type
	EnableFallback     bool
}

// DefaultPreferences favors low latency with fallback enabled.
func DefaultPreferences() Preferences {
	return Preferences{PreferLowLatency: true, AllowUnencrypted: true, EnableFallback: true}
}

// ReliablePreferences favors reliable transports for critical data.
func ReliablePreferences() Preferences {
	return Preferences{PreferReliability: true, AllowUnencrypted: true, EnableFallback: true}
}

// SecurePreferences requires encryption.
func SecurePreferences() Preferences {
	return Preferences{PreferReliability: true, AllowUnencrypted: false, EnableFallback: true}
}

// MaxPerformancePreferences favors raw throughput, accepting packet loss
// and disabling fallback.
func MaxPerformancePreferences() Preferences {
	return Preferences{PreferLowLatency: true, AllowUnencrypted: true, EnableFallback: false}
}

// SelectorStats counts selection decisions per transport plus fallback events.
type SelectorStats struct {
	selections     map[Type]*atomic.Uint64
	fallbackEvents atomic.Uint64
}

func newSelectorStats() *SelectorStats {
	s := &SelectorStats{selections: make(map[Type]*atomic.Uint64)}
	for _, t := range []Type{SharedMemory, IoUring, BatchUDP, UDP, TCP, QUIC, UnixSocket} {
		s.selections[t] = &atomic.Uint64{}
	}
	return s
}

func (s *SelectorStats) record(t Type) {
	if c, ok := s.selections[t]; ok {
		c.Add(1)
	}
}

// Selections returns the recorded selection count for t.
func (s *SelectorStats) Selections(t Type) uint64 {
	if c, ok := s.selections[t]; ok {
		return c.Load()
	}
	return 0
}

// FallbackEvents returns the total number of fallback transitions recorded.
func (s *SelectorStats) FallbackEvents() uint64 { return s.fallbackEvents.Load() }

// AvailabilityFunc reports whether a transport Type can be used on this host.
type AvailabilityFunc func(Type) bool

// DefaultAvailability is the platform-probe used when a Selector isn't
// given an explicit AvailabilityFunc. Backend packages may override
// individual entries (e.g. io_uring's kernel-version probe) by wrapping
// this with their own checks before constructing a Selector.
var DefaultAvailability AvailabilityFunc = func(t Type) bool {
	switch t {
	case SharedMemory, UDP, TCP, UnixSocket:
		return true
	case IoUring:
		return ioUringAvailable()
	case BatchUDP:
		return batchUDPAvailable()
	case QUIC:
		return true
	default:
		return false
	}
}

// Selector classifies remote addresses and picks the best available
// backend, with circuit breakers per backend, a bloom filter tracking
// recently-failed (peer, transport) pairs, rate-limited fallback/
// reconnect attempts, and a sticky per-address transport cache.
type Selector struct {
	prefs        Preferences
	availability AvailabilityFunc
	stats        *SelectorStats
	log          *log.Logger

	breakersMu sync.Mutex
	breakers   map[Type]*gobreaker.CircuitBreaker

	failedMu     sync.Mutex
	failedFilter *bloom.BloomFilter

	limiterStore store.Store
	limiter      *limiter.TokenBucket

	stickyMu sync.RWMutex
	sticky   map[string]Type
}

// NewSelector creates a Selector with the given preferences and the
// default platform availability probe.
func NewSelector(prefs Preferences) *Selector {
	return NewSelectorWithAvailability(prefs, DefaultAvailability)
}

// NewSelectorWithAvailability is NewSelector with an injectable
// availability probe, primarily for tests.
func NewSelectorWithAvailability(prefs Preferences, availability AvailabilityFunc) *Selector {
	limiterStore := store.NewMemoryStore(time.Minute)
	tb, _ := limiter.NewTokenBucket(limiter.Config{
		Rate:     10,
		Duration: time.Second,
		Burst:    20,
	}, limiterStore)

	return &Selector{
		prefs:        prefs,
		availability: availability,
		stats:        newSelectorStats(),
		log:          log.Default("transport-selector"),
		breakers:     make(map[Type]*gobreaker.CircuitBreaker),
		failedFilter: bloom.NewWithEstimates(10000, 0.01),
		limiterStore: limiterStore,
		limiter:      tb,
		sticky:       make(map[string]Type),
	}
}

func (s *Selector) breaker(t Type) *gobreaker.CircuitBreaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	if b, ok := s.breakers[t]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        t.String(),
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	s.breakers[t] = b
	return b
}

// BreakerOpen reports whether t's circuit breaker is currently open
// (tripped), meaning recent sends to it have been failing.
func (s *Selector) BreakerOpen(t Type) bool {
	return s.breaker(t).State() == gobreaker.StateOpen
}

// failedKey identifies a (remote, transport) pair for the bloom filter.
func failedKey(remote string, t Type) []byte {
	return []byte(remote + "|" + t.String())
}

// RecordFailure marks (remote, t) as recently failed, trips t's circuit
// breaker bookkeeping, invalidates any sticky choice for remote, and
// records a fallback event.
func (s *Selector) RecordFailure(remote string, t Type) {
	s.failedMu.Lock()
	s.failedFilter.Add(failedKey(remote, t))
	s.failedMu.Unlock()

	s.breaker(t).Execute(func() (interface{}, error) { return nil, errTransportFailure })

	s.stickyMu.Lock()
	delete(s.sticky, remote)
	s.stickyMu.Unlock()

	s.stats.fallbackEvents.Add(1)
}

var errTransportFailure = &transportFailureError{}

type transportFailureError struct{}

func (*transportFailureError) Error() string { return "transport send failed" }

// recentlyFailed reports whether (remote, t) is probably in the
// recent-failure set (bloom filter — may false-positive, never false-negative).
func (s *Selector) recentlyFailed(remote string, t Type) bool {
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	return s.failedFilter.Test(failedKey(remote, t))
}

// AllowReconnect token-bucket throttles fallback/reconnect attempts per
// remote address, preventing fallback storms.
func (s *Selector) AllowReconnect(remote string) bool {
	return s.limiter.Allow(remote)
}

// Select picks the best transport for target, honoring a forced
// transport preference, a sticky prior choice, and availability. A
// sticky choice is only honored if it hasn't recently failed for this
// target; a recent failure forces recomputation even though
// RecordFailure already clears the sticky entry for the failing remote,
// since another caller may have recorded the failure for a different
// remote sharing the same bloom-filter key collision.
func (s *Selector) Select(target net.IP) Type {
	if s.prefs.ForceTransport != nil && s.availability(*s.prefs.ForceTransport) {
		return *s.prefs.ForceTransport
	}

	key := target.String()
	s.stickyMu.RLock()
	t, ok := s.sticky[key]
	s.stickyMu.RUnlock()
	if ok && !s.recentlyFailed(key, t) {
		return t
	}

	t = s.selectForLocation(key, ClassifyAddr(target))
	s.stats.record(t)

	s.stickyMu.Lock()
	s.sticky[key] = t
	s.stickyMu.Unlock()

	return t
}

func (s *Selector) available(t Type) bool {
	return s.availability(t) && !s.BreakerOpen(t)
}

// availableFor additionally excludes transports the bloom filter marks
// as recently failed for this specific remote, so a peer that just
// dropped its shared-memory channel doesn't keep getting offered it
// while other remotes still do.
func (s *Selector) availableFor(remote string, t Type) bool {
	return s.available(t) && !s.recentlyFailed(remote, t)
}

func (s *Selector) selectForLocation(remote string, loc Location) Type {
	switch loc {
	case SameMachine:
		return s.selectLocal(remote)
	case LocalNetwork:
		return s.selectLAN(remote)
	default:
		return s.selectWAN(remote)
	}
}

func (s *Selector) selectLocal(remote string) Type {
	for _, t := range []Type{SharedMemory, UnixSocket, IoUring, BatchUDP} {
		if s.availableFor(remote, t) {
			return t
		}
	}
	return TCP
}

func (s *Selector) selectLAN(remote string) Type {
	if s.prefs.PreferReliability {
		if !s.prefs.AllowUnencrypted && s.availableFor(remote, QUIC) {
			return QUIC
		}
		return TCP
	}
	if s.prefs.PreferLowLatency {
		if s.availableFor(remote, IoUring) {
			return IoUring
		}
		if s.availableFor(remote, BatchUDP) {
			return BatchUDP
		}
	}
	return UDP
}

func (s *Selector) selectWAN(remote string) Type {
	if s.availableFor(remote, QUIC) {
		return QUIC
	}
	if s.prefs.PreferReliability {
		return TCP
	}
	return UDP
}

// fallbackChain mirrors the spec's two fallback sequences, indexed by
// current transport.
var fallbackChain = map[Type]Type{
	SharedMemory: UnixSocket,
	UnixSocket:   TCP,
	IoUring:      BatchUDP,
	BatchUDP:     UDP,
	UDP:          TCP,
	TCP:          QUIC,
}

// Fallback returns the next transport to try for remote after current
// has failed, honoring EnableFallback, availability, and the
// reconnect-rate limiter: if remote has exceeded its reconnect token
// budget, Fallback refuses to hand out a next transport at all rather
// than let a flapping peer retry in a tight loop.
func (s *Selector) Fallback(remote string, current Type) (Type, bool) {
	if !s.prefs.EnableFallback {
		return 0, false
	}
	if !s.AllowReconnect(remote) {
		return 0, false
	}
	return s.fallbackFrom(remote, current)
}

func (s *Selector) fallbackFrom(remote string, current Type) (Type, bool) {
	next, ok := fallbackChain[current]
	if !ok {
		return 0, false
	}
	if !s.availableFor(remote, next) {
		return s.fallbackFrom(remote, next)
	}
	return next, true
}

// Stats returns the selector's running statistics.
func (s *Selector) Stats() *SelectorStats { return s.stats }

// Preferences returns the selector's active preferences.
func (s *Selector) Preferences() Preferences { return s.prefs }

// SetPreferences replaces the selector's preferences.
func (s *Selector) SetPreferences(p Preferences) { s.prefs = p }
