package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/net/netutil"
)

const maxUnixConnections = 256

// UnixSocketBackend is the same-host cross-process fallback used when
// shared memory is unavailable (different memory namespaces, containers
// without a shared /dev/shm).
type UnixSocketBackend struct {
	cfg Config

	listener net.Listener
	accepted chan net.Conn

	connMu   sync.Mutex
	conns    map[string]net.Conn
	inboundN atomic.Uint64

	stats Stats
}

func openUnixSocket(cfg Config) (Backend, error) {
	b := &UnixSocketBackend{cfg: cfg, conns: make(map[string]net.Conn)}

	if cfg.LocalAddr != "" {
		ln, err := net.Listen("unix", cfg.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("unix listen: %w", err)
		}
		b.listener = netutil.LimitListener(ln, maxUnixConnections)
		b.accepted = make(chan net.Conn, 1)
		go b.acceptLoop()
	}

	return b, nil
}

func init() {
	RegisterOpener(UnixSocket, openUnixSocket)
}

func (b *UnixSocketBackend) acceptLoop() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		b.stats.ConnectionsEstablished.Add(1)
		select {
		case b.accepted <- conn:
		default:
			b.connMu.Lock()
			b.conns[b.inboundKey()] = conn
			b.connMu.Unlock()
		}
	}
}

// inboundKey generates a unique key for an accepted connection: unnamed
// unix sockets report an empty RemoteAddr, so the peer address can't be
// used as a cache key the way TCP's can.
func (b *UnixSocketBackend) inboundKey() string {
	return "accepted#" + strconv.FormatUint(b.inboundN.Add(1), 10)
}

func (b *UnixSocketBackend) dial(addr string) (net.Conn, error) {
	b.connMu.Lock()
	conn, ok := b.conns[addr]
	b.connMu.Unlock()
	if ok {
		return conn, nil
	}

	conn, err := net.Dial("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("unix dial %s: %w", addr, err)
	}
	b.stats.ConnectionsEstablished.Add(1)

	b.connMu.Lock()
	b.conns[addr] = conn
	b.connMu.Unlock()
	return conn, nil
}

func (b *UnixSocketBackend) Send(ctx context.Context, data []byte) (int, error) {
	if b.cfg.RemoteAddr == "" {
		return 0, errNoRemote
	}
	conn, err := b.dial(b.cfg.RemoteAddr)
	if err != nil {
		return 0, err
	}

	n, err := writeFramed(conn, data)
	if err != nil {
		b.dropConn(b.cfg.RemoteAddr)
		return 0, err
	}
	b.stats.BytesSent.Add(uint64(n))
	return n, nil
}

func (b *UnixSocketBackend) Recv(ctx context.Context, buf []byte) (int, error) {
	conn, key, err := b.inboundConn(ctx)
	if err != nil {
		return 0, err
	}

	n, err := readFramed(conn, buf)
	if err != nil {
		b.dropConn(key)
		return 0, err
	}
	b.stats.BytesReceived.Add(uint64(n))
	return n, nil
}

// inboundConn returns the next accepted connection (server role) or the
// dialed connection to the configured remote (client role), along with
// the key it's cached under for later eviction.
func (b *UnixSocketBackend) inboundConn(ctx context.Context) (net.Conn, string, error) {
	if b.accepted != nil {
		select {
		case conn := <-b.accepted:
			key := b.inboundKey()
			b.connMu.Lock()
			b.conns[key] = conn
			b.connMu.Unlock()
			return conn, key, nil
		case <-ctx.Done():
			return nil, "", ctx.Err()
		default:
		}
	}
	if b.cfg.RemoteAddr == "" {
		return nil, "", errNoRemote
	}
	conn, err := b.dial(b.cfg.RemoteAddr)
	return conn, b.cfg.RemoteAddr, err
}

func (b *UnixSocketBackend) dropConn(addr string) {
	b.connMu.Lock()
	if conn, ok := b.conns[addr]; ok {
		conn.Close()
		delete(b.conns, addr)
		b.stats.ConnectionsClosed.Add(1)
	}
	b.connMu.Unlock()
}

func (b *UnixSocketBackend) Stats() *Stats { return &b.stats }

func (b *UnixSocketBackend) Close() error {
	if b.listener != nil {
		b.listener.Close()
	}
	b.connMu.Lock()
	for addr, conn := range b.conns {
		conn.Close()
		delete(b.conns, addr)
	}
	b.connMu.Unlock()
	return nil
}

func (b *UnixSocketBackend) Type() Type { return UnixSocket }
