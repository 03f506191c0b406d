package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/netutil"
)

const maxTCPConnections = 256

// TCPBackend is the reliable, ordered fallback transport: one persistent
// length-prefixed stream per remote, cached by address.
type TCPBackend struct {
	cfg Config

	listener net.Listener
	accepted chan net.Conn

	connMu sync.Mutex
	conns  map[string]net.Conn

	stats Stats
}

func openTCP(cfg Config) (Backend, error) {
	b := &TCPBackend{cfg: cfg, conns: make(map[string]net.Conn)}

	if cfg.LocalAddr != "" {
		ln, err := net.Listen("tcp", cfg.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("tcp listen: %w", err)
		}
		b.listener = netutil.LimitListener(ln, maxTCPConnections)
		b.accepted = make(chan net.Conn, 1)
		go b.acceptLoop()
	}

	return b, nil
}

func init() {
	RegisterOpener(TCP, openTCP)
}

func (b *TCPBackend) acceptLoop() {
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
			b.conns[conn.RemoteAddr().String()] = conn
			b.connMu.Unlock()
		}
	}
}

// dial returns a cached connection to addr or dials a fresh one.
func (b *TCPBackend) dial(addr string) (net.Conn, error) {
	b.connMu.Lock()
	conn, ok := b.conns[addr]
	b.connMu.Unlock()
	if ok {
		return conn, nil
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	b.stats.ConnectionsEstablished.Add(1)

	b.connMu.Lock()
	b.conns[addr] = conn
	b.connMu.Unlock()
	return conn, nil
}

func (b *TCPBackend) Send(ctx context.Context, data []byte) (int, error) {
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

func (b *TCPBackend) Recv(ctx context.Context, buf []byte) (int, error) {
	conn, err := b.inboundConn(ctx)
	if err != nil {
		return 0, err
	}

	n, err := readFramed(conn, buf)
	if err != nil {
		b.dropConn(conn.RemoteAddr().String())
		return 0, err
	}
	b.stats.BytesReceived.Add(uint64(n))
	return n, nil
}

// inboundConn returns the next accepted connection (server role) or the
// dialed connection to the configured remote (client role).
func (b *TCPBackend) inboundConn(ctx context.Context) (net.Conn, error) {
	if b.accepted != nil {
		select {
		case conn := <-b.accepted:
			b.connMu.Lock()
			b.conns[conn.RemoteAddr().String()] = conn
			b.connMu.Unlock()
			return conn, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	if b.cfg.RemoteAddr == "" {
		return nil, errNoRemote
	}
	return b.dial(b.cfg.RemoteAddr)
}

func (b *TCPBackend) dropConn(addr string) {
	b.connMu.Lock()
	if conn, ok := b.conns[addr]; ok {
		conn.Close()
		delete(b.conns, addr)
		b.stats.ConnectionsClosed.Add(1)
	}
	b.connMu.Unlock()
}

func (b *TCPBackend) Stats() *Stats { return &b.stats }

func (b *TCPBackend) Close() error {
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

func (b *TCPBackend) Type() Type { return TCP }
