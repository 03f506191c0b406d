package transport

import (
	"context"
	"net"
)

// UDPBackend is the connectionless standard UDP transport: one datagram
// per message, no reassembly, losses possible.
type UDPBackend struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	stats  Stats
}

func openUDP(cfg Config) (Backend, error) {
	var laddr *net.UDPAddr
	if cfg.LocalAddr != "" {
		a, err := net.ResolveUDPAddr("udp", cfg.LocalAddr)
		if err != nil {
			return nil, err
		}
		laddr = a
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	var raddr *net.UDPAddr
	if cfg.RemoteAddr != "" {
		raddr, err = net.ResolveUDPAddr("udp", cfg.RemoteAddr)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}

	return &UDPBackend{conn: conn, remote: raddr}, nil
}

func init() {
	RegisterOpener(UDP, openUDP)
}

func (b *UDPBackend) Send(ctx context.Context, data []byte) (int, error) {
	var (
		n   int
		err error
	)
	if b.remote != nil {
		n, err = b.conn.WriteToUDP(data, b.remote)
	} else {
		return 0, errNoRemote
	}
	if err != nil {
		return 0, err
	}
	b.stats.Submissions.Add(1)
	b.stats.Completions.Add(1)
	b.stats.BytesSent.Add(uint64(n))
	return n, nil
}

func (b *UDPBackend) Recv(ctx context.Context, buf []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, _, err := b.conn.ReadFromUDP(buf)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return 0, r.err
		}
		b.stats.BytesReceived.Add(uint64(r.n))
		return r.n, nil
	case <-ctx.Done():
		b.conn.SetReadDeadline(deadlineNow())
		return 0, ctx.Err()
	}
}

func (b *UDPBackend) Stats() *Stats { return &b.stats }
func (b *UDPBackend) Close() error  { return b.conn.Close() }
func (b *UDPBackend) Type() Type    { return UDP }

var errNoRemote = &noRemoteError{}

type noRemoteError struct{}

func (*noRemoteError) Error() string { return "transport: no remote address configured" }
