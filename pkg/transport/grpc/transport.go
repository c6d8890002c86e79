// Package grpc implements transport.Transport over long-lived gRPC streams.
//
// Every node serves the client-streaming method cluster.v1.Peer/Stream. A
// node sends to a peer only over its own outbound stream to that peer, so a
// pair of connected nodes holds two streams, one per direction.
package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/amirimatin/go-clusteradmin/pkg/internal/logutil"
	"github.com/amirimatin/go-clusteradmin/pkg/observability/tracing"
	"github.com/amirimatin/go-clusteradmin/pkg/transport"
)

const (
	defaultDialTimeout = 3 * time.Second
	defaultQueueSize   = 1024
	eventBuffer        = 1024
)

// Options configures a gRPC transport.
type Options struct {
	// Bind is the listen address, e.g. ":7946" or "127.0.0.1:0".
	Bind string
	// Advertise is the address peers should dial. Defaults to the bound
	// listener address.
	Advertise string
	// ServerTLS enables TLS on the listener; ClientTLS on outbound dials.
	ServerTLS   *tls.Config
	ClientTLS   *tls.Config
	DialTimeout time.Duration
	// QueueSize bounds frames waiting on one outbound stream.
	QueueSize int
	Logger    *log.Logger
}

func (o *Options) Validate() error {
	if o.Bind == "" {
		return errors.New("grpc transport: bind address required")
	}
	if o.DialTimeout < 0 {
		return errors.New("grpc transport: negative dial timeout")
	}
	if o.QueueSize < 0 {
		return errors.New("grpc transport: negative queue size")
	}
	return nil
}

// Transport is a gRPC backed transport.Transport.
type Transport struct {
	opts   Options
	self   transport.PeerID
	logger *log.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	handler transport.Handler
	lis     net.Listener
	srv     *grpc.Server
	out     map[transport.PeerID]*outbound
	in      map[transport.PeerID]map[*inbound]struct{}
	dialing map[string]*dialCall

	evMu     sync.RWMutex
	evClosed bool
	evts     chan transport.PeerEvent
}

type dialCall struct {
	done chan struct{}
	id   transport.PeerID
	err  error
}

// New creates a transport with a fresh peer id. Nothing listens until Start.
func New(opts Options) (*Transport, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = defaultQueueSize
	}
	lg := opts.Logger
	if lg == nil {
		lg = log.Default()
	}
	return &Transport{
		opts:    opts,
		self:    transport.NewPeerID(),
		logger:  lg,
		out:     make(map[transport.PeerID]*outbound),
		in:      make(map[transport.PeerID]map[*inbound]struct{}),
		dialing: make(map[string]*dialCall),
		evts:    make(chan transport.PeerEvent, eventBuffer),
	}, nil
}

func (t *Transport) Self() transport.PeerID { return t.self }

func (t *Transport) Addr() string {
	if t.opts.Advertise != "" {
		return t.opts.Advertise
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lis != nil {
		return t.lis.Addr().String()
	}
	return t.opts.Bind
}

func (t *Transport) Start(ctx context.Context, h transport.Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return nil
	}
	lis, err := net.Listen("tcp", t.opts.Bind)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.lis = lis
	t.handler = h
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.srv = newServer(t)
	t.started = true
	srv := t.srv
	t.mu.Unlock()

	go func() { _ = srv.Serve(lis) }()
	go func() {
		select {
		case <-ctx.Done():
			_ = t.Stop()
		case <-t.ctx.Done():
		}
	}()
	logutil.Infof(t.logger, "transport: peer %s listening on %s", t.self, lis.Addr())
	return nil
}

// Connect dials addr unless an outbound stream to the node there already
// exists. Concurrent calls for the same address share one dial.
func (t *Transport) Connect(ctx context.Context, addr string) (transport.PeerID, error) {
	t.mu.Lock()
	if err := t.readyLocked(); err != nil {
		t.mu.Unlock()
		return "", err
	}
	for id, o := range t.out {
		if o.addr == addr {
			t.mu.Unlock()
			return id, nil
		}
	}
	if call, ok := t.dialing[addr]; ok {
		t.mu.Unlock()
		select {
		case <-call.done:
			return call.id, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &dialCall{done: make(chan struct{})}
	t.dialing[addr] = call
	base := t.ctx
	t.mu.Unlock()

	call.id, call.err = t.connect(ctx, base, addr)

	t.mu.Lock()
	delete(t.dialing, addr)
	t.mu.Unlock()
	close(call.done)
	return call.id, call.err
}

func (t *Transport) connect(ctx, base context.Context, addr string) (transport.PeerID, error) {
	ctx, end := tracing.StartSpan(ctx, "transport.connect", "addr", addr)
	defer end()

	o, err := t.dial(ctx, base, addr)
	if err != nil {
		logutil.Debugf(t.logger, "transport: dial %s failed: %v", addr, err)
		return "", fmt.Errorf("grpc transport: connect %s: %w", addr, transport.ErrPeerUnreachable)
	}
	if o.id == t.self {
		o.close()
		return "", fmt.Errorf("grpc transport: %s is this node", addr)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		o.close()
		return "", transport.ErrClosed
	}
	if _, ok := t.out[o.id]; ok {
		// Reached the same peer under another address.
		t.mu.Unlock()
		o.close()
		return o.id, nil
	}
	t.out[o.id] = o
	t.mu.Unlock()

	logutil.Infof(t.logger, "transport: peer %s up (%s)", o.id, addr)
	t.emit(transport.PeerEvent{Type: transport.PeerUp, Peer: o.id, Addr: addr, At: time.Now()})
	t.mu.Lock()
	o.upSent = true
	gone := o.gone
	t.mu.Unlock()
	if gone {
		t.emit(transport.PeerEvent{Type: transport.PeerDown, Peer: o.id, Addr: addr, At: time.Now()})
		return "", fmt.Errorf("grpc transport: connect %s: %w", addr, transport.ErrPeerUnreachable)
	}
	go o.writeLoop(t)
	go o.watch(t)
	return o.id, nil
}

func (t *Transport) Send(peer transport.PeerID, payload []byte) error {
	t.mu.Lock()
	o, ok := t.out[peer]
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if !ok {
		return transport.ErrPeerUnreachable
	}
	return o.enqueue(payload)
}

func (t *Transport) Disconnect(peer transport.PeerID) error {
	t.drop(peer, "disconnect requested")
	return nil
}

func (t *Transport) Peers() []transport.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.PeerID, 0, len(t.out))
	for id := range t.out {
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
	t.closed = true
	outs := t.out
	ins := t.in
	t.out = make(map[transport.PeerID]*outbound)
	t.in = make(map[transport.PeerID]map[*inbound]struct{})
	srv, cancel := t.srv, t.cancel
	var down []*outbound
	for _, o := range outs {
		if o.upSent {
			down = append(down, o)
		} else {
			o.gone = true
		}
	}
	t.mu.Unlock()

	// Unblocks emits waiting on a slow consumer.
	if cancel != nil {
		cancel()
	}
	for _, o := range outs {
		o.close()
	}
	for _, o := range down {
		t.emit(transport.PeerEvent{Type: transport.PeerDown, Peer: o.id, Addr: o.addr, At: time.Now()})
	}
	for _, set := range ins {
		for in := range set {
			in.stop()
		}
	}
	if srv != nil {
		ch := make(chan struct{})
		go func() { srv.GracefulStop(); close(ch) }()
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			srv.Stop()
		}
	}

	t.evMu.Lock()
	t.evClosed = true
	close(t.evts)
	t.evMu.Unlock()
	logutil.Infof(t.logger, "transport: peer %s stopped", t.self)
	return nil
}

// drop tears down both directions to peer. PeerDown is emitted only when an
// outbound stream existed, matching when PeerUp was emitted.
func (t *Transport) drop(peer transport.PeerID, reason string) {
	t.mu.Lock()
	o := t.out[peer]
	delete(t.out, peer)
	ins := t.in[peer]
	delete(t.in, peer)
	pending := o != nil && !o.upSent
	if pending {
		o.gone = true
	}
	t.mu.Unlock()

	for in := range ins {
		in.stop()
	}
	if o == nil {
		return
	}
	o.close()
	logutil.Infof(t.logger, "transport: peer %s down: %s", peer, reason)
	if pending {
		return
	}
	t.emit(transport.PeerEvent{Type: transport.PeerDown, Peer: peer, Addr: o.addr, At: time.Now()})
}

// lost is called by an outbound stream's goroutines when the stream fails.
func (t *Transport) lost(o *outbound, err error) {
	t.mu.Lock()
	current := t.out[o.id] == o
	t.mu.Unlock()
	if !current {
		o.close()
		return
	}
	t.drop(o.id, fmt.Sprintf("outbound stream: %v", err))
}

func (t *Transport) readyLocked() error {
	if t.closed {
		return transport.ErrClosed
	}
	if !t.started {
		return transport.ErrNotStarted
	}
	return nil
}

// emit delivers e after every earlier event. It waits for a slow consumer
// and only gives up once the transport is stopping.
func (t *Transport) emit(e transport.PeerEvent) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()

	t.evMu.RLock()
	defer t.evMu.RUnlock()
	if t.evClosed {
		return
	}
	select {
	case t.evts <- e:
		return
	default:
	}
	if ctx == nil {
		logutil.Warnf(t.logger, "transport: event buffer full, dropped %s event for %s", e.Type, e.Peer)
		return
	}
	select {
	case t.evts <- e:
	case <-ctx.Done():
		logutil.Warnf(t.logger, "transport: stopping, dropped %s event for %s", e.Type, e.Peer)
	}
}

var _ transport.Transport = (*Transport)(nil)
