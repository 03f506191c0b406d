// Package transport implements the pluggable send/recv backends HORUS
// dispatches messages through: shared memory, UDP, batch UDP, io_uring,
// QUIC, TCP, and Unix domain sockets, all behind one uniform interface.
package transport

import (
	"context"
	"sync/atomic"
)

// Type identifies a transport backend.
type Type int

const (
	SharedMemory Type = iota
	IoUring
	BatchUDP
	UDP
	TCP
	QUIC
	UnixSocket
)

func (t Type) String() string {
	switch t {
	case SharedMemory:
		return "shared_memory"
	case IoUring:
		return "io_uring"
	case BatchUDP:
		return "batch_udp"
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	case QUIC:
		return "quic"
	case UnixSocket:
		return "unix_socket"
	default:
		return "unknown"
	}
}

// ExpectedLatencyUS returns the (min, max) expected one-way latency in
// microseconds for this transport type. Purely informational.
func (t Type) ExpectedLatencyUS() (min, max uint32) {
	switch t {
	case SharedMemory:
		return 0, 1
	case IoUring:
		return 2, 5
	case UnixSocket:
		return 1, 3
	case BatchUDP:
		return 5, 15
	case UDP:
		return 5, 20
	case TCP:
		return 10, 50
	case QUIC:
		return 20, 100
	default:
		return 0, 0
	}
}

// Priority ranks backends for tie-breaks; higher is preferred. The
// Selector does not consult it: it picks from fixed per-location orders.
func (t Type) Priority() uint8 {
	switch t {
	case SharedMemory:
		return 100
	case IoUring:
		return 95
	case UnixSocket:
		return 85
	case BatchUDP:
		return 70
	case QUIC:
		return 60
	case UDP:
		return 50
	case TCP:
		return 40
	default:
		return 0
	}
}

// Stats are the per-backend atomic counters every backend maintains.
type Stats struct {
	Submissions              atomic.Uint64
	Completions              atomic.Uint64
	BytesSent                atomic.Uint64
	BytesReceived            atomic.Uint64
	ZeroCopySends            atomic.Uint64
	StreamsOpened            atomic.Uint64
	StreamsClosed            atomic.Uint64
	ConnectionsEstablished   atomic.Uint64
	ConnectionsClosed        atomic.Uint64
	ZeroRTTAccepted          atomic.Uint64
	ZeroRTTRejected          atomic.Uint64
}

// Snapshot is an immutable point-in-time copy of Stats, safe to log or
// serialize.
type Snapshot struct {
	Submissions            uint64 `json:"submissions"`
	Completions            uint64 `json:"completions"`
	BytesSent              uint64 `json:"bytes_sent"`
	BytesReceived          uint64 `json:"bytes_received"`
	ZeroCopySends          uint64 `json:"zero_copy_sends"`
	StreamsOpened          uint64 `json:"streams_opened"`
	StreamsClosed          uint64 `json:"streams_closed"`
	ConnectionsEstablished uint64 `json:"connections_established"`
	ConnectionsClosed      uint64 `json:"connections_closed"`
	ZeroRTTAccepted        uint64 `json:"zero_rtt_accepted"`
	ZeroRTTRejected        uint64 `json:"zero_rtt_rejected"`
}

// Snapshot returns a consistent-enough (not atomically joint) copy of the
// counters, suitable for monitoring.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Submissions:            s.Submissions.Load(),
		Completions:            s.Completions.Load(),
		BytesSent:              s.BytesSent.Load(),
		BytesReceived:          s.BytesReceived.Load(),
		ZeroCopySends:          s.ZeroCopySends.Load(),
		StreamsOpened:          s.StreamsOpened.Load(),
		StreamsClosed:          s.StreamsClosed.Load(),
		ConnectionsEstablished: s.ConnectionsEstablished.Load(),
		ConnectionsClosed:      s.ConnectionsClosed.Load(),
		ZeroRTTAccepted:        s.ZeroRTTAccepted.Load(),
		ZeroRTTRejected:        s.ZeroRTTRejected.Load(),
	}
}

// Config carries the addressing and tuning parameters passed to Open.
type Config struct {
	LocalAddr  string
	RemoteAddr string

	// QUIC-specific; zero values select sensible defaults.
	MaxIdleTimeoutMS     int
	KeepAliveIntervalMS  int
	MaxConcurrentStreams int
	InitialRTTMS         int
	MaxUDPPayloadSize    int
	InsecureSkipVerify   bool

	// BatchUDP batch size (datagrams per syscall); io_uring ignores it.
	BatchSize int
}

// Backend is the uniform capability set every transport variant exposes.
type Backend interface {
	// Send transmits data to the backend's configured remote and returns
	// the number of bytes accepted.
	Send(ctx context.Context, data []byte) (int, error)
	// Recv blocks (subject to ctx) until a message arrives, writing it
	// into buf and returning the number of bytes written.
	Recv(ctx context.Context, buf []byte) (int, error)
	// Stats returns the backend's running counters.
	Stats() *Stats
	// Close releases any resources (sockets, rings, connection caches).
	Close() error
	// Type identifies which Type this Backend implements.
	Type() Type
}

// Opener constructs a Backend from a Config. Each backend package
// registers one via RegisterOpener so the selector can open backends by
// Type without importing every concrete implementation.
type Opener func(cfg Config) (Backend, error)

var openers = map[Type]Opener{}

// RegisterOpener associates an Opener with a Type, called from each
// backend's init().
func RegisterOpener(t Type, open Opener) {
	openers[t] = open
}

// Open constructs a Backend of the given type using its registered
// Opener.
func Open(t Type, cfg Config) (Backend, error) {
	open, ok := openers[t]
	if !ok {
		return nil, &ErrUnsupportedTransport{Type: t}
	}
	return open(cfg)
}

// ErrUnsupportedTransport is returned by Open when no Opener is
// registered for the requested Type, and by the openers of
// platform-gated backends (batch UDP, io_uring) where the OS or kernel
// lacks them.
type ErrUnsupportedTransport struct {
	Type Type
}

func (e *ErrUnsupportedTransport) Error() string {
	return "transport: unsupported backend type " + e.Type.String()
}
