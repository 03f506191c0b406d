//go:build linux

package transport

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// io_uring opcodes this backend submits. The kernel ABI defines many
// more; only the ones the bus needs are listed.
const (
	ioringOpNop     = 0
	ioringOpSend    = 26
	ioringOpRecv    = 27
	ioringOpSendZC  = 47

	sysIoUringSetup  = 425
	sysIoUringEnter  = 426
	ioringEnterGetEvents = 1

	minSockBufBytes = 4 * 1024 * 1024 // SO_SNDBUF/RCVBUF floor, 4 MiB
)

// ioUringParams mirrors struct io_uring_params from the kernel ABI.
type ioUringParams struct {
	SQEntries    uint32
	CQEntries    uint32
	Flags        uint32
	SQThreadCPU  uint32
	SQThreadIdle uint32
	Features     uint32
	WQFd         uint32
	Resv         [3]uint32
	SQOff        ioSqringOffsets
	CQOff        ioCqringOffsets
}

type ioSqringOffsets struct {
	Head, Tail, RingMask, RingEntries, Flags, Dropped, Array, Resv1 uint32
	Resv2                                                            uint64
}

type ioCqringOffsets struct {
	Head, Tail, RingMask, RingEntries, Overflow, CQEs, Flags, Resv1 uint32
	Resv2                                                            uint64
}

// ioSQE mirrors the 64-byte struct io_uring_sqe; the trailing fields this
// backend never sets are left as padding.
type ioSQE struct {
	Opcode   uint8
	Flags    uint8
	IoPrio   uint16
	Fd       int32
	Off      uint64
	Addr     uint64
	Len      uint32
	Flags2   uint32
	UserData uint64
	_        [24]byte
}

// ioCQE mirrors struct io_uring_cqe.
type ioCQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// ring is a minimal io_uring submission/completion ring pair, built from
// two mmap'd regions over the ring fd.
type ring struct {
	fd int

	sqMmap []byte
	cqMmap []byte
	sqes   []byte

	sqHead, sqTail, sqMask, sqEntries *uint32
	sqArray                           []uint32

	cqHead, cqTail, cqMask *uint32
	cqEntriesPtr           uint32
	cqesOffset             uint32

	sqeTail uint32
}

func setupRing(entries uint32) (*ring, error) {
	var params ioUringParams
	fdRaw, _, errno := unix.Syscall(sysIoUringSetup, uintptr(entries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}
	fd := int(fdRaw)

	sqRingSize := int(params.SQOff.Array) + int(params.SQEntries)*4
	cqRingSize := int(params.CQOff.CQEs) + int(params.CQEntries)*int(unsafe.Sizeof(ioCQE{}))

	sqMmap, err := unix.Mmap(fd, 0, sqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap sq ring: %w", err)
	}
	cqMmap, err := unix.Mmap(fd, 0x8000000, cqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMmap)
		unix.Close(fd)
		return nil, fmt.Errorf("mmap cq ring: %w", err)
	}
	sqes, err := unix.Mmap(fd, 0x10000000, int(params.SQEntries)*int(unsafe.Sizeof(ioSQE{})), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMmap)
		unix.Munmap(cqMmap)
		unix.Close(fd)
		return nil, fmt.Errorf("mmap sqes: %w", err)
	}

	at := func(buf []byte, off uint32) *uint32 { return (*uint32)(unsafe.Pointer(&buf[off])) }

	r := &ring{
		fd:      fd,
		sqMmap:  sqMmap,
		cqMmap:  cqMmap,
		sqes:    sqes,
		sqHead:  at(sqMmap, params.SQOff.Head),
		sqTail:  at(sqMmap, params.SQOff.Tail),
		sqMask:  at(sqMmap, params.SQOff.RingMask),
		cqHead:  at(cqMmap, params.CQOff.Head),
		cqTail:  at(cqMmap, params.CQOff.Tail),
		cqMask:  at(cqMmap, params.CQOff.RingMask),
	}
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Pointer(&sqMmap[params.SQOff.Array])), params.SQEntries)
	r.cqEntriesPtr = params.CQEntries
	r.cqesOffset = params.CQOff.CQEs
	return r, nil
}

func (r *ring) sqeAt(idx uint32) *ioSQE {
	return (*ioSQE)(unsafe.Pointer(&r.sqes[idx*uint32(unsafe.Sizeof(ioSQE{}))]))
}

// submit writes one SQE and advances the tail; returns the user_data
// tag the caller should match against completions.
func (r *ring) submit(opcode uint8, fd int32, addr uintptr, length uint32, userData uint64) {
	idx := r.sqeTail & *r.sqMask
	sqe := r.sqeAt(idx)
	*sqe = ioSQE{Opcode: opcode, Fd: fd, Addr: uint64(addr), Len: length, UserData: userData}

	r.sqArray[idx] = idx
	r.sqeTail++
	atomicStoreUint32(r.sqTail, r.sqeTail)
}

// enter calls io_uring_enter to submit toSubmit SQEs and optionally wait
// for minComplete completions.
func (r *ring) enter(toSubmit, minComplete uint32, flags uint32) (int, error) {
	n, _, errno := unix.Syscall6(sysIoUringEnter, uintptr(r.fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// drain reads completed CQEs (non-blocking), returning up to max entries.
func (r *ring) drain(max int) []ioCQE {
	head := atomicLoadUint32(r.cqHead)
	tail := atomicLoadUint32(r.cqTail)

	out := make([]ioCQE, 0, max)
	for head != tail && len(out) < max {
		idx := head & *r.cqMask
		off := int(idx)*int(unsafe.Sizeof(ioCQE{})) + int(r.cqesOffset)
		cqe := (*ioCQE)(unsafe.Pointer(&r.cqMmap[off]))
		out = append(out, *cqe)
		head++
	}
	atomicStoreUint32(r.cqHead, head)
	return out
}

func (r *ring) close() {
	unix.Munmap(r.sqes)
	unix.Munmap(r.cqMmap)
	unix.Munmap(r.sqMmap)
	unix.Close(r.fd)
}

// ioUringAvailable parses /proc/sys/kernel/osrelease for a kernel major
// version >=5 with minor >=1, the floor for io_uring network ops.
func ioUringAvailable() bool {
	f, err := os.Open("/proc/sys/kernel/osrelease")
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return false
	}
	release := strings.TrimSpace(scanner.Text())
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return false
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(strings.TrimRight(parts[1], "abcdefghijklmnopqrstuvwxyz"))
	if err1 != nil || err2 != nil {
		return false
	}
	return major > 5 || (major == 5 && minor >= 1)
}

// IoUringBackend submits Send/SendZc/Recv/Nop operations and drains
// completions, re-queueing EAGAIN/EWOULDBLOCK and surfacing other errno
// values as errors. It keeps a fixed pool of Go-allocated buffers that
// Send copies full-buffer payloads into; the pool is not registered with
// the kernel, and Recv reads straight into the caller's buffer.
type IoUringBackend struct {
	sockFd int
	r      *ring

	mu        sync.Mutex
	bufPool   [][]byte
	bufFree   []int
	stats     Stats
	nextTag   uint64
	pending   map[uint64]chan ioCQE
}

const (
	ioUringQueueDepth = 256
	ioUringBufCount   = 64
	ioUringBufSize    = 64 * 1024
)

func openIoUring(cfg Config) (Backend, error) {
	if !ioUringAvailable() {
		return nil, &ErrUnsupportedTransport{Type: IoUring}
	}

	sockFd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("io_uring: socket: %w", err)
	}
	if err := unix.SetsockoptInt(sockFd, unix.SOL_SOCKET, unix.SO_SNDBUF, minSockBufBytes); err != nil {
		unix.Close(sockFd)
		return nil, fmt.Errorf("io_uring: setsockopt SO_SNDBUF: %w", err)
	}
	if err := unix.SetsockoptInt(sockFd, unix.SOL_SOCKET, unix.SO_RCVBUF, minSockBufBytes); err != nil {
		unix.Close(sockFd)
		return nil, fmt.Errorf("io_uring: setsockopt SO_RCVBUF: %w", err)
	}

	r, err := setupRing(ioUringQueueDepth)
	if err != nil {
		unix.Close(sockFd)
		return nil, err
	}

	pool := make([][]byte, ioUringBufCount)
	free := make([]int, ioUringBufCount)
	for i := range pool {
		pool[i] = make([]byte, ioUringBufSize)
		free[i] = i
	}

	return &IoUringBackend{
		sockFd:  sockFd,
		r:       r,
		bufPool: pool,
		bufFree: free,
		pending: make(map[uint64]chan ioCQE),
	}, nil
}

func init() {
	RegisterOpener(IoUring, openIoUring)
}

func (b *IoUringBackend) acquireBuf() (int, []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.bufFree) == 0 {
		return -1, nil
	}
	n := len(b.bufFree) - 1
	id := b.bufFree[n]
	b.bufFree = b.bufFree[:n]
	return id, b.bufPool[id]
}

func (b *IoUringBackend) releaseBuf(id int) {
	if id < 0 {
		return
	}
	b.mu.Lock()
	b.bufFree = append(b.bufFree, id)
	b.mu.Unlock()
}

// Send submits an IORING_OP_SEND (or IORING_OP_SEND_ZC for payloads
// filling a full pooled buffer) and waits for its completion.
func (b *IoUringBackend) Send(ctx context.Context, data []byte) (int, error) {
	id, buf := b.acquireBuf()
	opcode := uint8(ioringOpSend)
	if id >= 0 && len(data) == len(buf) {
		opcode = ioringOpSendZC
		copy(buf, data)
	} else {
		buf = data
	}
	defer b.releaseBuf(id)

	cqe, err := b.submitAndWait(opcode, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)))
	if err != nil {
		return 0, err
	}
	if cqe.Res < 0 {
		return 0, fmt.Errorf("io_uring send failed: errno %d", -cqe.Res)
	}

	b.stats.Submissions.Add(1)
	b.stats.Completions.Add(1)
	b.stats.BytesSent.Add(uint64(cqe.Res))
	if opcode == ioringOpSendZC {
		b.stats.ZeroCopySends.Add(1)
	}
	return int(cqe.Res), nil
}

// Recv submits an IORING_OP_RECV into buf and waits for its completion.
func (b *IoUringBackend) Recv(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	cqe, err := b.submitAndWait(ioringOpRecv, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)))
	if err != nil {
		return 0, err
	}
	if cqe.Res < 0 {
		return 0, fmt.Errorf("io_uring recv failed: errno %d", -cqe.Res)
	}
	b.stats.Completions.Add(1)
	b.stats.BytesReceived.Add(uint64(cqe.Res))
	return int(cqe.Res), nil
}

// Nop submits an IORING_OP_NOP, useful for ring-liveness checks.
func (b *IoUringBackend) Nop(ctx context.Context) error {
	_, err := b.submitAndWait(ioringOpNop, 0, 0)
	return err
}

// submitAndWait submits one SQE and drains the completion queue until its
// completion appears, re-queuing on EAGAIN/EWOULDBLOCK.
func (b *IoUringBackend) submitAndWait(opcode uint8, addr uintptr, length uint32) (ioCQE, error) {
	b.mu.Lock()
	tag := b.nextTag
	b.nextTag++
	b.mu.Unlock()

	for {
		b.r.submit(opcode, int32(b.sockFd), addr, length, tag)
		if _, err := b.r.enter(1, 1, ioringEnterGetEvents); err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			return ioCQE{}, err
		}

		for _, cqe := range b.r.drain(16) {
			if cqe.UserData == tag {
				if cqe.Res == -int32(unix.EAGAIN) || cqe.Res == -int32(unix.EWOULDBLOCK) {
					break // re-submit
				}
				return cqe, nil
			}
		}
	}
}

func (b *IoUringBackend) Stats() *Stats { return &b.stats }

func (b *IoUringBackend) Close() error {
	b.r.close()
	return unix.Close(b.sockFd)
}

func (b *IoUringBackend) Type() Type { return IoUring }

func atomicStoreUint32(p *uint32, v uint32) {
	*(*uint32)(unsafe.Pointer(p)) = v
}

func atomicLoadUint32(p *uint32) uint32 {
	return *(*uint32)(unsafe.Pointer(p))
}
