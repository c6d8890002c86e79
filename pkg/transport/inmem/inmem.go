// Package inmem provides an in-process Transport. Every Transport created
// from the same Network can connect to the others by address; connections are
// symmetric like a TCP connection, so both ends see PeerUp and PeerDown.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amirimatin/go-clusteradmin/pkg/transport"
)

const (
	defaultQueue  = 1024
	defaultEvents = 1024
)

// Network is a registry of in-process endpoints keyed by address.
type Network struct {
	mu    sync.Mutex
	nodes map[string]*Transport
}

func NewNetwork() *Network { return &Network{nodes: make(map[string]*Transport)} }

// NewTransport creates an endpoint reachable at addr. The address only needs
// to be unique within the network.
func (n *Network) NewTransport(addr string) *Transport {
	return &Transport{
		net:   n,
		self:  transport.NewPeerID(),
		addr:  addr,
		links: make(map[transport.PeerID]*link),
		evts:  make(chan transport.PeerEvent, defaultEvents),
		done:  make(chan struct{}),
	}
}

// Partition tears down the connection between a and b, if any.
func (n *Network) Partition(a, b *Transport) {
	_ = a.Disconnect(b.Self())
}

func (n *Network) lookup(addr string) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[addr]
}

// Transport is one endpoint on a Network.
type Transport struct {
	net  *Network
	self transport.PeerID
	addr string

	mu      sync.Mutex
	started bool
	closed  bool
	handler transport.Handler
	links   map[transport.PeerID]*link
	done    chan struct{}

	evMu     sync.RWMutex
	evClosed bool
	evts     chan transport.PeerEvent
}

// link carries payloads from one endpoint to another in order.
type link struct {
	from  *Transport
	to    *Transport
	queue chan []byte

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
}

func (t *Transport) Self() transport.PeerID { return t.self }
func (t *Transport) Addr() string           { return t.addr }

func (t *Transport) Start(ctx context.Context, h transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	if t.started {
		return nil
	}
	t.net.mu.Lock()
	if _, dup := t.net.nodes[t.addr]; dup {
		t.net.mu.Unlock()
		return fmt.Errorf("inmem: address %q already in use", t.addr)
	}
	t.net.nodes[t.addr] = t
	t.net.mu.Unlock()
	t.handler = h
	t.started = true
	go func() {
		select {
		case <-ctx.Done():
			_ = t.Stop()
		case <-t.done:
		}
	}()
	return nil
}

func (t *Transport) Connect(ctx context.Context, addr string) (transport.PeerID, error) {
	if err := t.ready(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	remote := t.net.lookup(addr)
	if remote == nil || remote == t {
		return "", fmt.Errorf("inmem: no endpoint at %q: %w", addr, transport.ErrPeerUnreachable)
	}
	if err := remote.ready(); err != nil {
		return "", fmt.Errorf("inmem: %q: %w", addr, transport.ErrPeerUnreachable)
	}
	// Lock both ends in a fixed order so concurrent dials in opposite
	// directions cannot deadlock.
	first, second := t, remote
	if second.self < first.self {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	if _, ok := t.links[remote.self]; ok {
		second.mu.Unlock()
		first.mu.Unlock()
		return remote.self, nil
	}
	out := newLink(t, remote)
	in := newLink(remote, t)
	t.links[remote.self] = out
	remote.links[t.self] = in
	second.mu.Unlock()
	first.mu.Unlock()

	go out.run()
	go in.run()
	now := time.Now()
	t.emit(transport.PeerEvent{Type: transport.PeerUp, Peer: remote.self, Addr: remote.addr, At: now})
	remote.emit(transport.PeerEvent{Type: transport.PeerUp, Peer: t.self, Addr: t.addr, At: now})
	return remote.self, nil
}

func (t *Transport) Send(peer transport.PeerID, payload []byte) error {
	t.mu.Lock()
	l, ok := t.links[peer]
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if !ok {
		return transport.ErrPeerUnreachable
	}
	buf := append([]byte(nil), payload...)
	select {
	case l.queue <- buf:
		return nil
	case <-l.stop:
		return transport.ErrPeerUnreachable
	}
}

func (t *Transport) Disconnect(peer transport.PeerID) error {
	t.mu.Lock()
	out, ok := t.links[peer]
	if ok {
		delete(t.links, peer)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	remote := out.to
	remote.mu.Lock()
	in := remote.links[t.self]
	delete(remote.links, t.self)
	remote.mu.Unlock()

	out.close()
	if in != nil {
		in.close()
	}
	now := time.Now()
	t.emit(transport.PeerEvent{Type: transport.PeerDown, Peer: remote.self, Addr: remote.addr, At: now})
	remote.emit(transport.PeerEvent{Type: transport.PeerDown, Peer: t.self, Addr: t.addr, At: now})
	return nil
}

func (t *Transport) Peers() []transport.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.PeerID, 0, len(t.links))
	for id := range t.links {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *Transport) Events() <-chan transport.PeerEvent { return t.evts }

func (t *Transport) Stop() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	peers := make([]transport.PeerID, 0, len(t.links))
	for id := range t.links {
		peers = append(peers, id)
	}
	t.mu.Unlock()

	for _, p := range peers {
		_ = t.Disconnect(p)
	}

	t.mu.Lock()
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.evMu.Lock()
	t.evClosed = true
	close(t.evts)
	t.evMu.Unlock()

	t.net.mu.Lock()
	if t.net.nodes[t.addr] == t {
		delete(t.net.nodes, t.addr)
	}
	t.net.mu.Unlock()
	return nil
}

func (t *Transport) ready() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	if !t.started {
		return transport.ErrNotStarted
	}
	return nil
}

func (t *Transport) emit(e transport.PeerEvent) {
	t.evMu.RLock()
	defer t.evMu.RUnlock()
	if t.evClosed {
		return
	}
	select {
	case t.evts <- e:
	case <-time.After(time.Second):
		// consumer stalled; a lost event is recovered by the next up/down
	}
}

func (t *Transport) deliver(from transport.PeerID, payload []byte) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(from, payload)
	}
}

func newLink(from, to *Transport) *link {
	return &link{from: from, to: to, queue: make(chan []byte, defaultQueue), stop: make(chan struct{})}
}

func (l *link) run() {
	for {
		select {
		case <-l.stop:
			return
		case p := <-l.queue:
			// Holding l.mu across delivery guarantees nothing is delivered
			// after close returns.
			l.mu.Lock()
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.to.deliver(l.from.self, p)
			l.mu.Unlock()
		}
	}
}

func (l *link) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.stop)
}

var _ transport.Transport = (*Transport)(nil)
