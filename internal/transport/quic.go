package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICBackend is the reliable, encrypted WAN transport: independent
// streams (no head-of-line blocking), connection migration. Its config
// sets Allow0RTT, but connections are dialed with Dial and no TLS session
// cache, so they always complete a full handshake rather than resuming
// with 0-RTT.
type QUICBackend struct {
	transport *quic.Transport
	cfg       Config
	tlsConf   *tls.Config

	connMu sync.RWMutex
	conns  map[string]quic.Connection

	stats  Stats
	remote string
}

func openQUIC(cfg Config) (Backend, error) {
	udpConn, err := listenUDPConn(cfg.LocalAddr)
	if err != nil {
		return nil, err
	}
	tr := &quic.Transport{Conn: udpConn}

	tlsConf := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		NextProtos:         []string{"horus"},
	}

	return &QUICBackend{
		transport: tr,
		cfg:       cfg,
		tlsConf:   tlsConf,
		conns:     make(map[string]quic.Connection),
		remote:    cfg.RemoteAddr,
	}, nil
}

func init() {
	RegisterOpener(QUIC, openQUIC)
}

func (b *QUICBackend) quicConfig() *quic.Config {
	idle := durationOrDefault(b.cfg.MaxIdleTimeoutMS, 30000)
	keepAlive := durationOrDefault(b.cfg.KeepAliveIntervalMS, 5000)
	initialRTT := durationOrDefault(b.cfg.InitialRTTMS, 10)

	maxStreams := int64(b.cfg.MaxConcurrentStreams)
	if maxStreams <= 0 {
		maxStreams = 100
	}

	return &quic.Config{
		MaxIdleTimeout:                 idle,
		KeepAlivePeriod:                keepAlive,
		MaxIncomingStreams:             maxStreams,
		MaxIncomingUniStreams:          maxStreams,
		InitialPacketSize:              uint16(b.cfg.MaxUDPPayloadSize),
		HandshakeIdleTimeout:           initialRTT * 4,
		Allow0RTT:                      true,
	}
}

func durationOrDefault(ms, defaultMS int) time.Duration {
	if ms <= 0 {
		ms = defaultMS
	}
	return time.Duration(ms) * time.Millisecond
}

// getConnection returns a cached connection to addr, dialing a fresh one
// (pruning any stale entry) when absent.
func (b *QUICBackend) getConnection(ctx context.Context, addr string) (quic.Connection, error) {
	b.connMu.RLock()
	conn, ok := b.conns[addr]
	b.connMu.RUnlock()
	if ok && conn.Context().Err() == nil {
		return conn, nil
	}

	udpAddr, err := resolveUDPAddr(addr)
	if err != nil {
		return nil, err
	}

	newConn, err := b.transport.Dial(ctx, udpAddr, b.tlsConf, b.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}

	b.stats.ConnectionsEstablished.Add(1)
	b.connMu.Lock()
	b.conns[addr] = newConn
	b.connMu.Unlock()
	return newConn, nil
}

// Send opens a unidirectional stream to the configured remote and writes
// a length-prefixed frame.
func (b *QUICBackend) Send(ctx context.Context, data []byte) (int, error) {
	if b.remote == "" {
		return 0, errNoRemote
	}
	conn, err := b.getConnection(ctx, b.remote)
	if err != nil {
		return 0, err
	}

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return 0, fmt.Errorf("quic open stream: %w", err)
	}
	b.stats.StreamsOpened.Add(1)

	n, err := writeFramed(stream, data)
	if err != nil {
		stream.Close()
		return 0, err
	}
	if err := stream.Close(); err != nil {
		return n, err
	}

	b.stats.StreamsClosed.Add(1)
	b.stats.BytesSent.Add(uint64(n))
	return n, nil
}

// Recv accepts the next incoming unidirectional stream from any cached
// connection and reads its length-prefixed frame into buf.
func (b *QUICBackend) Recv(ctx context.Context, buf []byte) (int, error) {
	conn, err := b.acceptOrReuseConnection(ctx)
	if err != nil {
		return 0, err
	}

	stream, err := conn.AcceptUniStream(ctx)
	if err != nil {
		return 0, fmt.Errorf("quic accept stream: %w", err)
	}
	b.stats.StreamsOpened.Add(1)

	n, err := readFramed(stream, buf)
	if err != nil {
		return 0, err
	}
	b.stats.StreamsClosed.Add(1)
	b.stats.BytesReceived.Add(uint64(n))
	return n, nil
}

// acceptOrReuseConnection accepts a fresh inbound connection if this
// backend is acting as a server, otherwise reuses the dialed connection
// to the configured remote.
func (b *QUICBackend) acceptOrReuseConnection(ctx context.Context) (quic.Connection, error) {
	if b.remote != "" {
		return b.getConnection(ctx, b.remote)
	}

	ln, err := quic.Listen(b.transport.Conn, b.tlsConf, b.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	conn, err := ln.Accept(ctx)
	if err != nil {
		return nil, err
	}

	b.stats.ConnectionsEstablished.Add(1)
	b.connMu.Lock()
	b.conns[conn.RemoteAddr().String()] = conn
	b.connMu.Unlock()
	return conn, nil
}

// CleanupConnections prunes cached connections whose context has ended
// (closed or timed out).
func (b *QUICBackend) CleanupConnections() {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	for addr, conn := range b.conns {
		if conn.Context().Err() != nil {
			delete(b.conns, addr)
			b.stats.ConnectionsClosed.Add(1)
		}
	}
}

func (b *QUICBackend) Stats() *Stats { return &b.stats }

func (b *QUICBackend) Close() error {
	b.connMu.Lock()
	for addr, conn := range b.conns {
		conn.CloseWithError(0, "shutdown")
		delete(b.conns, addr)
	}
	b.connMu.Unlock()
	return b.transport.Close()
}

func (b *QUICBackend) Type() Type { return QUIC }
