// Package copier implements threshold-driven adaptive copy: small payloads
// take the normal-copy fast path, large payloads borrow a pooled buffer
// (falling back to a single-use overflow buffer when the pool is empty).
package copier

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/andybalholm/brotli"
)

// Strategy is the copy strategy selected for a given payload size.
type Strategy int

const (
	// NormalCopy passes the payload by value/reference; used for small
	// payloads or when zero-copy is disabled.
	NormalCopy Strategy = iota
	// ZeroCopy hands a pooled (or overflow) buffer to the transport.
	ZeroCopy
)

func (s Strategy) String() string {
	if s == ZeroCopy {
		return "zero_copy"
	}
	return "normal_copy"
}

// Config controls threshold, buffer sizing, and pool depth.
type Config struct {
	ZeroCopyThreshold int
	BufferSize        int
	PoolSize          int
	EnableZeroCopy    bool
	MaxMessageSize    int
	// CompressionThreshold, when non-zero, brotli-compresses ZeroCopy
	// payloads at or above this size before handoff to the transport.
	CompressionThreshold int
}

// DefaultConfig is the general-purpose preset (64 KiB threshold, 1 MiB × 8 pool).
func DefaultConfig() Config {
	return Config{
		ZeroCopyThreshold: 64 * 1024,
		BufferSize:        1024 * 1024,
		PoolSize:          8,
		EnableZeroCopy:    true,
		MaxMessageSize:    16 * 1024 * 1024,
	}
}

// RoboticsConfig favors large buffers for images and point clouds (32 KiB
// threshold, 4 MiB × 4 pool).
func RoboticsConfig() Config {
	return Config{
		ZeroCopyThreshold: 32 * 1024,
		BufferSize:        4 * 1024 * 1024,
		PoolSize:          4,
		EnableZeroCopy:    true,
		MaxMessageSize:    64 * 1024 * 1024,
	}
}

// LowMemoryConfig trims footprint for embedded targets (128 KiB threshold,
// 512 KiB × 4 pool).
func LowMemoryConfig() Config {
	return Config{
		ZeroCopyThreshold: 128 * 1024,
		BufferSize:        512 * 1024,
		PoolSize:          4,
		EnableZeroCopy:    true,
		MaxMessageSize:    4 * 1024 * 1024,
	}
}

// NoZeroCopyConfig disables zero-copy entirely (debugging/compatibility).
func NoZeroCopyConfig() Config {
	cfg := DefaultConfig()
	cfg.EnableZeroCopy = false
	return cfg
}

// Stats are the atomic counters tracked per Sender.
type Stats struct {
	normalCopyCount    atomic.Uint64
	zeroCopyCount      atomic.Uint64
	normalCopyBytes    atomic.Uint64
	zeroCopyBytes      atomic.Uint64
	poolExhaustedCount atomic.Uint64
	buffersInUse       atomic.Int64
	peakBuffersInUse   atomic.Int64
}

func (s *Stats) TotalMessages() uint64 {
	return s.normalCopyCount.Load() + s.zeroCopyCount.Load()
}

func (s *Stats) TotalBytes() uint64 {
	return s.normalCopyBytes.Load() + s.zeroCopyBytes.Load()
}

// ZeroCopyRatio is zero_copy_count / total_messages, 0 when no messages sent.
func (s *Stats) ZeroCopyRatio() float64 {
	total := s.TotalMessages()
	if total == 0 {
		return 0
	}
	return float64(s.zeroCopyCount.Load()) / float64(total)
}

// AvgMessageSize is total_bytes / total_messages, 0 when no messages sent.
func (s *Stats) AvgMessageSize() uint64 {
	total := s.TotalMessages()
	if total == 0 {
		return 0
	}
	return s.TotalBytes() / total
}

func (s *Stats) NormalCopyCount() uint64    { return s.normalCopyCount.Load() }
func (s *Stats) ZeroCopyCount() uint64      { return s.zeroCopyCount.Load() }
func (s *Stats) NormalCopyBytes() uint64    { return s.normalCopyBytes.Load() }
func (s *Stats) ZeroCopyBytes() uint64      { return s.zeroCopyBytes.Load() }
func (s *Stats) PoolExhaustedCount() uint64 { return s.poolExhaustedCount.Load() }
func (s *Stats) BuffersInUse() int64        { return s.buffersInUse.Load() }
func (s *Stats) PeakBuffersInUse() int64    { return s.peakBuffersInUse.Load() }

// RegisteredBuffer is a pooled or overflow buffer used for ZeroCopy sends.
type RegisteredBuffer struct {
	data []byte
	len  int
	id   int
}

func newRegisteredBuffer(size, id int) *RegisteredBuffer {
	return &RegisteredBuffer{data: make([]byte, size), id: id}
}

// Bytes returns the valid (written) portion of the buffer.
func (b *RegisteredBuffer) Bytes() []byte { return b.data[:b.len] }

// Capacity is the buffer's total allocated size.
func (b *RegisteredBuffer) Capacity() int { return len(b.data) }

// ID is the buffer's pool slot (ids < pool size are pooled; ids >= pool
// size are single-use overflow buffers).
func (b *RegisteredBuffer) ID() int { return b.id }

// CopyFrom copies data into the buffer, returning false if data doesn't
// fit within the buffer's capacity.
func (b *RegisteredBuffer) CopyFrom(data []byte) bool {
	if len(data) > len(b.data) {
		return false
	}
	n := copy(b.data, data)
	b.len = n
	return true
}

// bufferPool is a fixed-depth pool of pre-allocated buffers, falling back
// to single-use overflow allocations once exhausted.
type bufferPool struct {
	mu        sync.Mutex
	available []*RegisteredBuffer
	poolSize  int
	bufSize   int
	nextID    atomic.Int64
	stats     *Stats
}

func newBufferPool(cfg Config, stats *Stats) *bufferPool {
	p := &bufferPool{
		poolSize: cfg.PoolSize,
		bufSize:  cfg.BufferSize,
		stats:    stats,
	}
	p.available = make([]*RegisteredBuffer, cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		p.available[i] = newRegisteredBuffer(cfg.BufferSize, i)
	}
	p.nextID.Store(int64(cfg.PoolSize))
	return p
}

func (p *bufferPool) acquire() *RegisteredBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.available)
	if n == 0 {
		p.stats.poolExhaustedCount.Add(1)
		return nil
	}
	buf := p.available[n-1]
	p.available = p.available[:n-1]

	inUse := int64(p.poolSize - len(p.available))
	p.stats.buffersInUse.Store(inUse)
	if peak := p.stats.peakBuffersInUse.Load(); inUse > peak {
		p.stats.peakBuffersInUse.Store(inUse)
	}
	return buf
}

func (p *bufferPool) release(buf *RegisteredBuffer) {
	if buf == nil || buf.id >= p.poolSize {
		return // overflow buffers are single-use, just dropped
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) < p.poolSize {
		buf.len = 0
		p.available = append(p.available, buf)
	}
	inUse := int64(p.poolSize - len(p.available))
	if inUse < 0 {
		inUse = 0
	}
	p.stats.buffersInUse.Store(inUse)
}

func (p *bufferPool) allocateOverflow(size int) *RegisteredBuffer {
	id := int(p.nextID.Add(1) - 1)
	return newRegisteredBuffer(size, id)
}

func (p *bufferPool) availableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Sender selects a copy strategy per payload and manages the backing
// buffer pool. A Sender is safe for concurrent use.
type Sender struct {
	cfg   Config
	pool  *bufferPool
	stats *Stats
}

// New creates a Sender from cfg.
func New(cfg Config) *Sender {
	stats := &Stats{}
	return &Sender{cfg: cfg, pool: newBufferPool(cfg, stats), stats: stats}
}

// SelectStrategy reports which strategy a payload of the given size would take.
func (s *Sender) SelectStrategy(size int) Strategy {
	if !s.cfg.EnableZeroCopy || size < s.cfg.ZeroCopyThreshold {
		return NormalCopy
	}
	return ZeroCopy
}

// ErrTooLarge is returned by PrepareSend when data exceeds MaxMessageSize.
type ErrTooLarge struct {
	Size, Max int
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("payload of %d bytes exceeds max message size %d", e.Size, e.Max)
}

// PrepareSend selects a strategy for data and, for ZeroCopy, acquires (or
// overflow-allocates) a buffer and copies data into it. The caller must
// pass the returned buffer to CompleteSend once the transport is done
// with it. Callers must reject oversized payloads before calling this;
// PrepareSend itself returns ErrTooLarge rather than silently truncating.
func (s *Sender) PrepareSend(data []byte) (Strategy, *RegisteredBuffer, error) {
	if s.cfg.MaxMessageSize > 0 && len(data) > s.cfg.MaxMessageSize {
		return NormalCopy, nil, &ErrTooLarge{Size: len(data), Max: s.cfg.MaxMessageSize}
	}

	strategy := s.SelectStrategy(len(data))
	if strategy == NormalCopy {
		s.stats.normalCopyCount.Add(1)
		s.stats.normalCopyBytes.Add(uint64(len(data)))
		return NormalCopy, nil, nil
	}

	payload := data
	if s.cfg.CompressionThreshold > 0 && len(data) >= s.cfg.CompressionThreshold {
		if compressed, ok := compress(data); ok && len(compressed) < len(data) {
			payload = compressed
		}
	}

	if buf := s.pool.acquire(); buf != nil {
		if buf.CopyFrom(payload) {
			s.stats.zeroCopyCount.Add(1)
			s.stats.zeroCopyBytes.Add(uint64(len(data)))
			return ZeroCopy, buf, nil
		}
		s.pool.release(buf) // too small for payload, fall through to overflow
	}

	overflow := s.pool.allocateOverflow(len(payload))
	overflow.CopyFrom(payload)
	s.stats.zeroCopyCount.Add(1)
	s.stats.zeroCopyBytes.Add(uint64(len(data)))
	return ZeroCopy, overflow, nil
}

// CompleteSend returns buf to the pool if it was pooled; overflow buffers
// are simply dropped. Safe to call with a nil buffer (NormalCopy sends).
func (s *Sender) CompleteSend(buf *RegisteredBuffer) {
	if buf == nil {
		return
	}
	s.pool.release(buf)
}

// Stats returns the sender's running statistics.
func (s *Sender) Stats() *Stats { return s.stats }

// Config returns the sender's configuration.
func (s *Sender) Config() Config { return s.cfg }

// PoolStatus returns (available, total) pooled buffer counts.
func (s *Sender) PoolStatus() (int, int) { return s.pool.availableCount(), s.cfg.PoolSize }

func compress(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

// Decompress reverses compress; used by receivers of brotli-compressed payloads.
func Decompress(data []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
