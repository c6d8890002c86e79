// Package mailbox multiplexes named logical channels over one Transport.
//
// Each subsystem registers a channel once at startup and then sends opaque
// payloads to peers on it. Messages from one sender on one channel are
// handled in the order they were sent; there is no ordering across channels
// and no delivery guarantee across a disconnect.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/amirimatin/go-clusteradmin/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-clusteradmin/pkg/observability/metrics"
	"github.com/amirimatin/go-clusteradmin/pkg/transport"
)

var (
	// ErrDuplicateChannel is returned when a channel name is registered twice.
	ErrDuplicateChannel = errors.New("mailbox: duplicate channel")
	// ErrUnknownChannel is returned when a required channel is missing.
	ErrUnknownChannel = errors.New("mailbox: unknown channel")
	// ErrAlreadyStarted is returned by Register after Start.
	ErrAlreadyStarted = errors.New("mailbox: multiplexer already started")
	// ErrQueueFull is returned when a peer's queue stayed full for SendTimeout.
	ErrQueueFull = errors.New("mailbox: peer queue full")
)

// IsRegistrationError reports whether err is a channel registration failure.
// These are startup errors and are fatal for the process.
func IsRegistrationError(err error) bool {
	return errors.Is(err, ErrDuplicateChannel) || errors.Is(err, ErrUnknownChannel) || errors.Is(err, ErrAlreadyStarted)
}

// Handler receives the payloads of one channel. Receive runs on the reader of
// the connection the message arrived on and should not block for long.
type Handler interface {
	Receive(from transport.PeerID, payload []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(from transport.PeerID, payload []byte)

func (f HandlerFunc) Receive(from transport.PeerID, payload []byte) { f(from, payload) }

// PeerObserver may be implemented by a Handler to learn about peer
// connectivity. Calls happen after the multiplexer has updated its queues, in
// channel registration order.
type PeerObserver interface {
	PeerUp(peer transport.PeerID)
	PeerDown(peer transport.PeerID)
}

const (
	defaultQueueSize   = 1024
	defaultSendTimeout = 5 * time.Second
)

// Options configures a Multiplexer.
type Options struct {
	// QueueSize bounds the outbound queue per peer.
	QueueSize int
	// SendTimeout is how long Send waits on a full queue before dropping.
	SendTimeout time.Duration
	// DropLogEvery limits warn lines about dropped inbound messages.
	DropLogEvery time.Duration
	Logger       *log.Logger
}

func (o *Options) Validate() error {
	if o.QueueSize < 0 {
		return errors.New("mailbox: negative queue size")
	}
	if o.SendTimeout < 0 {
		return errors.New("mailbox: negative send timeout")
	}
	return nil
}

// Multiplexer owns the channel registry and the per-peer outbound queues.
type Multiplexer struct {
	tr     transport.Transport
	opts   Options
	logger *log.Logger
	warn   *rate.Limiter

	mu       sync.RWMutex
	started  bool
	channels map[string]*Channel
	order    []*Channel
	extra    []PeerObserver
	peers    map[transport.PeerID]*peerQueue

	wg sync.WaitGroup
}

// Channel is the handle returned by Register.
type Channel struct {
	name string
	m    *Multiplexer
	h    Handler
}

type peerQueue struct {
	peer transport.PeerID
	ch   chan outMsg
	done chan struct{}
	once sync.Once
}

type outMsg struct {
	channel string
	data    []byte
}

// New creates a multiplexer over tr. Channels must be registered before Start.
func New(tr transport.Transport, opts Options) (*Multiplexer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.SendTimeout == 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.DropLogEvery == 0 {
		opts.DropLogEvery = time.Second
	}
	lg := opts.Logger
	if lg == nil {
		lg = log.Default()
	}
	return &Multiplexer{
		tr:       tr,
		opts:     opts,
		logger:   lg,
		warn:     rate.NewLimiter(rate.Every(opts.DropLogEvery), 5),
		channels: make(map[string]*Channel),
		peers:    make(map[transport.PeerID]*peerQueue),
	}, nil
}

// Register adds a named channel. Names are unique for the life of the
// multiplexer.
func (m *Multiplexer) Register(name string, h Handler) (*Channel, error) {
	if name == "" || h == nil {
		return nil, fmt.Errorf("mailbox: register %q: %w", name, ErrUnknownChannel)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil, fmt.Errorf("mailbox: register %q: %w", name, ErrAlreadyStarted)
	}
	if _, dup := m.channels[name]; dup {
		return nil, fmt.Errorf("mailbox: register %q: %w", name, ErrDuplicateChannel)
	}
	c := &Channel{name: name, m: m, h: h}
	m.channels[name] = c
	m.order = append(m.order, c)
	return c, nil
}

// Observe adds o to the peer observers without registering a channel. Such
// observers are told after every channel handler.
func (m *Multiplexer) Observe(o PeerObserver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("mailbox: observe: %w", ErrAlreadyStarted)
	}
	m.extra = append(m.extra, o)
	return nil
}

// Lookup returns the channel registered under name.
func (m *Multiplexer) Lookup(name string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[name]
	if !ok {
		return nil, fmt.Errorf("mailbox: %q: %w", name, ErrUnknownChannel)
	}
	return c, nil
}

// Channels lists registered channel names in registration order.
func (m *Multiplexer) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.order))
	for _, c := range m.order {
		out = append(out, c.name)
	}
	return out
}

// Self returns the local peer identity.
func (m *Multiplexer) Self() transport.PeerID { return m.tr.Self() }

// Peers lists peers with an open outbound queue.
func (m *Multiplexer) Peers() []transport.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]transport.PeerID, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Start freezes the channel registry, starts the transport and begins
// tracking peers.
func (m *Multiplexer) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()
	obsmetrics.Register()

	if err := m.tr.Start(ctx, m.receive); err != nil {
		return err
	}
	m.wg.Add(1)
	go m.eventLoop()
	return nil
}

// Stop stops the transport and waits for the peer queues to wind down.
func (m *Multiplexer) Stop() error {
	err := m.tr.Stop()
	m.wg.Wait()
	return err
}

func (m *Multiplexer) eventLoop() {
	defer m.wg.Done()
	for ev := range m.tr.Events() {
		obsmetrics.PeerEvents.WithLabelValues(string(ev.Type)).Inc()
		switch ev.Type {
		case transport.PeerUp:
			m.peerUp(ev.Peer)
		case transport.PeerDown:
			m.peerDown(ev.Peer)
		}
	}
	// Transport stopped; anything still queued is discarded.
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[transport.PeerID]*peerQueue)
	m.mu.Unlock()
	for _, q := range peers {
		m.discard(q)
	}
	obsmetrics.PeersConnected.Set(0)
}

func (m *Multiplexer) peerUp(peer transport.PeerID) {
	m.mu.Lock()
	if _, ok := m.peers[peer]; ok {
		m.mu.Unlock()
		return
	}
	q := &peerQueue{peer: peer, ch: make(chan outMsg, m.opts.QueueSize), done: make(chan struct{})}
	m.peers[peer] = q
	n := len(m.peers)
	observers := m.observersLocked()
	m.mu.Unlock()

	obsmetrics.PeersConnected.Set(float64(n))
	m.wg.Add(1)
	go m.writeLoop(q)
	logutil.Debugf(m.logger, "mailbox: peer %s up", peer)
	for _, o := range observers {
		o.PeerUp(peer)
	}
}

func (m *Multiplexer) peerDown(peer transport.PeerID) {
	m.mu.Lock()
	q, ok := m.peers[peer]
	delete(m.peers, peer)
	n := len(m.peers)
	observers := m.observersLocked()
	m.mu.Unlock()
	if !ok {
		return
	}
	m.discard(q)
	obsmetrics.PeersConnected.Set(float64(n))
	obsmetrics.MailboxQueueDepth.DeleteLabelValues(string(peer))
	logutil.Debugf(m.logger, "mailbox: peer %s down", peer)
	for _, o := range observers {
		o.PeerDown(peer)
	}
}

func (m *Multiplexer) observersLocked() []PeerObserver {
	var out []PeerObserver
	for _, c := range m.order {
		if o, ok := c.h.(PeerObserver); ok {
			out = append(out, o)
		}
	}
	return append(out, m.extra...)
}

// discard closes q and drops whatever it still holds.
func (m *Multiplexer) discard(q *peerQueue) {
	q.once.Do(func() { close(q.done) })
	for {
		select {
		case msg := <-q.ch:
			obsmetrics.MailboxDropped.WithLabelValues(msg.channel, "peer_down").Inc()
		default:
			return
		}
	}
}

func (m *Multiplexer) writeLoop(q *peerQueue) {
	defer m.wg.Done()
	for {
		select {
		case <-q.done:
			return
		default:
		}
		select {
		case <-q.done:
			return
		case msg := <-q.ch:
			obsmetrics.MailboxQueueDepth.WithLabelValues(string(q.peer)).Set(float64(len(q.ch)))
			if err := m.tr.Send(q.peer, msg.data); err != nil {
				obsmetrics.MailboxDropped.WithLabelValues(msg.channel, "unreachable").Inc()
				logutil.Debugf(m.logger, "mailbox: %s to %s dropped: %v", msg.channel, q.peer, err)
				continue
			}
			obsmetrics.MailboxSent.WithLabelValues(msg.channel).Inc()
		}
	}
}

func (m *Multiplexer) receive(from transport.PeerID, data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		obsmetrics.MalformedPayloads.WithLabelValues("mailbox").Inc()
		if m.warn.Allow() {
			logutil.Warnf(m.logger, "mailbox: malformed envelope from %s: %v", from, err)
		}
		return
	}
	m.mu.RLock()
	c, ok := m.channels[env.Channel]
	m.mu.RUnlock()
	if !ok {
		obsmetrics.MailboxDropped.WithLabelValues(env.Channel, "unknown_channel").Inc()
		if m.warn.Allow() {
			logutil.Warnf(m.logger, "mailbox: message from %s on unknown channel %q dropped", from, env.Channel)
		}
		return
	}
	obsmetrics.MailboxReceived.WithLabelValues(c.name).Inc()
	c.h.Receive(from, env.Payload)
}

func (m *Multiplexer) enqueue(c *Channel, peer transport.PeerID, payload []byte) error {
	m.mu.RLock()
	q, ok := m.peers[peer]
	m.mu.RUnlock()
	if !ok {
		obsmetrics.MailboxDropped.WithLabelValues(c.name, "unreachable").Inc()
		return transport.ErrPeerUnreachable
	}
	data, err := encodeEnvelope(envelope{Channel: c.name, Payload: payload})
	if err != nil {
		return err
	}
	msg := outMsg{channel: c.name, data: data}
	select {
	case <-q.done:
		obsmetrics.MailboxDropped.WithLabelValues(c.name, "unreachable").Inc()
		return transport.ErrPeerUnreachable
	case q.ch <- msg:
		return nil
	default:
	}
	timer := time.NewTimer(m.opts.SendTimeout)
	defer timer.Stop()
	select {
	case <-q.done:
		obsmetrics.MailboxDropped.WithLabelValues(c.name, "unreachable").Inc()
		return transport.ErrPeerUnreachable
	case q.ch <- msg:
		return nil
	case <-timer.C:
		obsmetrics.MailboxDropped.WithLabelValues(c.name, "queue_full").Inc()
		logutil.Warnf(m.logger, "mailbox: queue to %s full, %s message dropped", peer, c.name)
		return ErrQueueFull
	}
}

func (c *Channel) Name() string { return c.name }

// Send queues payload for peer and returns without waiting for delivery.
// transport.ErrPeerUnreachable means the peer is not connected; the message
// is dropped and not retried.
func (c *Channel) Send(peer transport.PeerID, payload []byte) error {
	return c.m.enqueue(c, peer, payload)
}

// Broadcast sends payload to every connected peer and returns how many sends
// were queued.
func (c *Channel) Broadcast(payload []byte) int {
	n := 0
	for _, p := range c.m.Peers() {
		if err := c.Send(p, payload); err == nil {
			n++
		}
	}
	return n
}
