// Package hub implements the publish/subscribe endpoint HORUS nodes use
// to exchange topic messages: it composes the topic cache, the transport
// selector, and the adaptive copier into send/recv operations over a
// tracked set of peer connections, one per (topic, remote node).
package hub

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/horus-robotics/horus/internal/cache"
	"github.com/horus-robotics/horus/internal/copier"
	"github.com/horus-robotics/horus/internal/herrors"
	"github.com/horus-robotics/horus/internal/log"
	"github.com/horus-robotics/horus/internal/transport"
)

const defaultMaxMessageSize = 4 * 1024 * 1024

// Config configures an Endpoint.
type Config struct {
	NodeID         string
	MaxMessageSize int
}

// PeerInfo describes one peer connection for introspection.
type PeerInfo struct {
	NodeID      string
	Topic       string
	Addr        string
	Transport   transport.Type
	Publisher   bool
	Subscriber  bool
	ConnectedAt time.Time
	LastContact time.Time
	Stats       transport.Snapshot
}

type peerBinding struct {
	nodeID    string
	topic     string
	addr      string
	transport transport.Type
	backend   transport.Backend

	roleMu     sync.RWMutex
	publisher  bool
	subscriber bool

	contactMu   sync.RWMutex
	connectedAt time.Time
	lastContact time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

func (b *peerBinding) touch() {
	b.contactMu.Lock()
	b.lastContact = time.Now()
	b.contactMu.Unlock()
}

func (b *peerBinding) info() PeerInfo {
	b.roleMu.RLock()
	pub, sub := b.publisher, b.subscriber
	b.roleMu.RUnlock()

	b.contactMu.RLock()
	connectedAt, lastContact := b.connectedAt, b.lastContact
	b.contactMu.RUnlock()

	return PeerInfo{
		NodeID:      b.nodeID,
		Topic:       b.topic,
		Addr:        b.addr,
		Transport:   b.transport,
		Publisher:   pub,
		Subscriber:  sub,
		ConnectedAt: connectedAt,
		LastContact: lastContact,
		Stats:       b.backend.Stats().Snapshot(),
	}
}

func (b *peerBinding) stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// topicState holds the latest delivered payload for a topic and a
// broadcast channel Recv callers wait on for the next delivery.
type topicState struct {
	mu     sync.Mutex
	latest []byte
	ready  chan struct{}
}

func newTopicState() *topicState { return &topicState{ready: make(chan struct{})} }

func (t *topicState) deliver(data []byte) {
	t.mu.Lock()
	t.latest = data
	old := t.ready
	t.ready = make(chan struct{})
	t.mu.Unlock()
	close(old)
}

func (t *topicState) snapshot() ([]byte, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest, t.ready
}

// Endpoint is a publish/subscribe hub for one node. It holds shared
// references to a Cache and Selector owned by the caller — Close never
// shuts either down, only the peer connections and backends the Endpoint
// itself opened.
type Endpoint struct {
	cfg Config
	log *log.Logger

	cache    *cache.Cache
	selector *transport.Selector
	sender   *copier.Sender

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.RWMutex
	peers map[string]map[string]*peerBinding // topic -> nodeID -> binding

	topicMu sync.Mutex
	topics  map[string]*topicState
}

// New constructs an Endpoint over shared cache/selector/sender instances.
func New(cfg Config, c *cache.Cache, sel *transport.Selector, sender *copier.Sender) *Endpoint {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		cfg:      cfg,
		log:      log.Default("hub"),
		cache:    c,
		selector: sel,
		sender:   sender,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[string]map[string]*peerBinding),
		topics:   make(map[string]*topicState),
	}
	e.running.Store(true)
	return e
}

func (e *Endpoint) stateFor(topic string) *topicState {
	e.topicMu.Lock()
	defer e.topicMu.Unlock()
	s, ok := e.topics[topic]
	if !ok {
		s = newTopicState()
		e.topics[topic] = s
	}
	return s
}

// resolveHostIP extracts the IP the selector should classify from addr,
// which may be a "host:port" pair, a bare IP, or (for address schemes
// with no real network identity, e.g. shared-memory channel names) an
// arbitrary string that resolves to nothing.
func resolveHostIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	if ips, err := net.LookupIP(host); err == nil && len(ips) > 0 {
		return ips[0]
	}
	return nil
}

// remoteKey normalizes addr to the same string the selector uses
// internally to key its sticky cache, bloom filter, and rate limiter
// (Select keys on the resolved IP, not the raw host:port string).
func remoteKey(addr string) string {
	return resolveHostIP(addr).String()
}

func (e *Endpoint) openBackend(addr string) (transport.Backend, transport.Type, error) {
	key := remoteKey(addr)
	chosen := e.selector.Select(resolveHostIP(addr))
	cfg := transport.Config{RemoteAddr: addr, LocalAddr: addr}

	for tries := 0; tries < 8; tries++ {
		backend, err := transport.Open(chosen, cfg)
		if err == nil {
			return backend, chosen, nil
		}
		e.log.Warn("backend open failed, trying fallback", log.String("transport", chosen.String()), log.String("addr", addr), log.Err(err))
		next, ok := e.selector.Fallback(key, chosen)
		if !ok {
			return nil, chosen, herrors.Wrap(fmt.Sprintf("hub: open backend for %s", addr), err)
		}
		chosen = next
	}
	return nil, chosen, herrors.Wrap("hub: open backend", fmt.Errorf("exhausted fallback chain for %s", addr))
}

// AddPeer registers (or updates the roles of) a peer connection for
// topic. A peer may be a publisher, a subscriber, or both; calling this
// again for an existing (topic, nodeID) pair merges in the new roles
// rather than opening a second connection.
func (e *Endpoint) AddPeer(topic, nodeID, addr string, asPublisher, asSubscriber bool) (PeerInfo, error) {
	e.mu.Lock()
	byNode, ok := e.peers[topic]
	if !ok {
		byNode = make(map[string]*peerBinding)
		e.peers[topic] = byNode
	}
	if existing, ok := byNode[nodeID]; ok {
		e.mu.Unlock()
		existing.roleMu.Lock()
		becamePublisher := asPublisher && !existing.publisher
		existing.publisher = existing.publisher || asPublisher
		existing.subscriber = existing.subscriber || asSubscriber
		existing.roleMu.Unlock()
		if becamePublisher {
			e.wg.Add(1)
			go e.receiveLoop(existing)
		}
		return existing.info(), nil
	}
	e.mu.Unlock()

	backend, transportType, err := e.openBackend(addr)
	if err != nil {
		return PeerInfo{}, err
	}

	binding := &peerBinding{
		nodeID:      nodeID,
		topic:       topic,
		addr:        addr,
		transport:   transportType,
		backend:     backend,
		publisher:   asPublisher,
		subscriber:  asSubscriber,
		connectedAt: time.Now(),
		lastContact: time.Now(),
		stopCh:      make(chan struct{}),
	}

	e.mu.Lock()
	byNode, ok = e.peers[topic]
	if !ok {
		byNode = make(map[string]*peerBinding)
		e.peers[topic] = byNode
	}
	byNode[nodeID] = binding
	e.mu.Unlock()

	if asPublisher {
		e.wg.Add(1)
		go e.receiveLoop(binding)
	}

	return binding.info(), nil
}

// RemovePeer closes and forgets a peer connection.
func (e *Endpoint) RemovePeer(topic, nodeID string) error {
	e.mu.Lock()
	byNode, ok := e.peers[topic]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	binding, ok := byNode[nodeID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(byNode, nodeID)
	if len(byNode) == 0 {
		delete(e.peers, topic)
	}
	e.mu.Unlock()

	binding.stop()
	return binding.backend.Close()
}

func (e *Endpoint) receiveLoop(b *peerBinding) {
	defer e.wg.Done()
	buf := make([]byte, e.cfg.MaxMessageSize)
	state := e.stateFor(b.topic)

	for {
		select {
		case <-b.stopCh:
			return
		case <-e.ctx.Done():
			return
		default:
		}

		n, err := b.backend.Recv(e.ctx, buf)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			select {
			case <-b.stopCh:
				return
			default:
			}
			e.log.Warn("publisher recv failed", log.String("topic", b.topic), log.String("node", b.nodeID), log.Err(err))
			e.selector.RecordFailure(remoteKey(b.addr), b.transport)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		b.touch()
		e.cache.Put(b.topic, data)
		state.deliver(data)
	}
}

// Publish fans data out to every registered subscriber of topic and
// stores it in the topic cache. It reports how many subscribers the
// send succeeded for and the first error encountered, if any.
func (e *Endpoint) Publish(ctx context.Context, topic string, data []byte) (int, error) {
	e.cache.Put(topic, data)
	e.stateFor(topic).deliver(data)

	e.mu.RLock()
	byNode := e.peers[topic]
	targets := make([]*peerBinding, 0, len(byNode))
	for _, b := range byNode {
		b.roleMu.RLock()
		isSub := b.subscriber
		b.roleMu.RUnlock()
		if isSub {
			targets = append(targets, b)
		}
	}
	e.mu.RUnlock()

	if len(targets) == 0 {
		return 0, nil
	}

	strategy, buf, err := e.sender.PrepareSend(data)
	if err != nil {
		return 0, herrors.Wrap("hub: publish", err)
	}
	payload := data
	if strategy == copier.ZeroCopy {
		payload = buf.Bytes()
	}

	var delivered int
	var firstErr error
	for _, b := range targets {
		if _, sendErr := b.backend.Send(ctx, payload); sendErr != nil {
			e.selector.RecordFailure(remoteKey(b.addr), b.transport)
			if firstErr == nil {
				firstErr = sendErr
			}
			continue
		}
		b.touch()
		delivered++
	}
	e.sender.CompleteSend(buf)

	return delivered, firstErr
}

// Get reads topic's last known value from the cache without blocking.
func (e *Endpoint) Get(topic string) ([]byte, bool) {
	return e.cache.Get(topic)
}

// Recv blocks until at least one value has been delivered for topic
// (by a publisher's receive loop or a local Publish), then returns it.
func (e *Endpoint) Recv(ctx context.Context, topic string) ([]byte, error) {
	state := e.stateFor(topic)
	for {
		if data, ready := state.snapshot(); data != nil {
			return data, nil
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ready:
			}
		}
	}
}

// Publishers returns every peer currently registered as a publisher on topic.
func (e *Endpoint) Publishers(topic string) []PeerInfo {
	return e.peersWithRole(topic, func(b *peerBinding) bool { return b.publisher })
}

// Subscribers returns every peer currently registered as a subscriber on topic.
func (e *Endpoint) Subscribers(topic string) []PeerInfo {
	return e.peersWithRole(topic, func(b *peerBinding) bool { return b.subscriber })
}

func (e *Endpoint) peersWithRole(topic string, has func(*peerBinding) bool) []PeerInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	byNode := e.peers[topic]
	out := make([]PeerInfo, 0, len(byNode))
	for _, b := range byNode {
		b.roleMu.RLock()
		match := has(b)
		b.roleMu.RUnlock()
		if match {
			out = append(out, b.info())
		}
	}
	return out
}

// Topics lists every topic with at least one registered peer.
func (e *Endpoint) Topics() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	topics := make([]string, 0, len(e.peers))
	for t := range e.peers {
		topics = append(topics, t)
	}
	return topics
}

// Close stops every receive loop and closes every backend the Endpoint
// opened. The shared cache and selector are left running.
func (e *Endpoint) Close() error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.cancel()

	e.mu.Lock()
	var bindings []*peerBinding
	for _, byNode := range e.peers {
		for _, b := range byNode {
			bindings = append(bindings, b)
		}
	}
	e.peers = make(map[string]map[string]*peerBinding)
	e.mu.Unlock()

	for _, b := range bindings {
		b.stop()
	}
	e.wg.Wait()

	var firstErr error
	for _, b := range bindings {
		if err := b.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
