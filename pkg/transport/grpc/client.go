package grpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-clusteradmin/pkg/transport"
)

// outbound is our sending half of a peer connection. One goroutine drains
// queue onto the stream so frames reach the peer in Send order.
type outbound struct {
	id     transport.PeerID
	addr   string
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	queue  chan []byte
	done   chan struct{}
	once   sync.Once

	// Guarded by Transport.mu. A drop that lands before PeerUp is out
	// leaves PeerDown to connect.
	upSent bool
	gone   bool
}

func (t *Transport) dialOptions() []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
		grpc.WithBlock(),
	}
	if t.opts.ClientTLS != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(t.opts.ClientTLS)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return opts
}

// dial connects to addr, opens the peer stream, sends the hello frame and
// waits for the header naming the remote peer. The stream lives under base,
// not ctx, so it outlives the Connect call.
func (t *Transport) dial(ctx context.Context, base context.Context, addr string) (*outbound, error) {
	dctx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()
	cc, err := grpc.DialContext(dctx, addr, t.dialOptions()...)
	if err != nil {
		return nil, err
	}

	sctx, scancel := context.WithCancel(base)
	stream, err := cc.NewStream(sctx, &_Peer_serviceDesc.Streams[0], streamMethod)
	if err != nil {
		scancel()
		_ = cc.Close()
		return nil, err
	}
	if err := stream.SendMsg(&frame{From: string(t.self), Addr: t.Addr()}); err != nil {
		scancel()
		_ = cc.Close()
		return nil, err
	}
	// Header blocks until the server answers the hello; bound it by the
	// dial timeout by cancelling the stream if it takes too long.
	timer := time.AfterFunc(t.opts.DialTimeout, scancel)
	md, err := stream.Header()
	if !timer.Stop() && err == nil {
		err = context.DeadlineExceeded
	}
	if err != nil {
		scancel()
		_ = cc.Close()
		return nil, err
	}
	ids := md.Get(peerHeader)
	if len(ids) == 0 || ids[0] == "" {
		scancel()
		_ = cc.Close()
		return nil, errMissingPeerHeader
	}
	return &outbound{
		id:     transport.PeerID(ids[0]),
		addr:   addr,
		cc:     cc,
		stream: stream,
		cancel: scancel,
		queue:  make(chan []byte, t.opts.QueueSize),
		done:   make(chan struct{}),
	}, nil
}

func (o *outbound) enqueue(payload []byte) error {
	buf := append([]byte(nil), payload...)
	select {
	case <-o.done:
		return transport.ErrPeerUnreachable
	default:
	}
	select {
	case o.queue <- buf:
		return nil
	case <-o.done:
		return transport.ErrPeerUnreachable
	}
}

func (o *outbound) writeLoop(t *Transport) {
	for {
		select {
		case <-o.done:
			return
		case p := <-o.queue:
			if err := o.stream.SendMsg(&frame{Data: p}); err != nil {
				t.lost(o, err)
				return
			}
		}
	}
}

// watch notices a dead stream while idle. The server never sends a message
// on the peer stream, so RecvMsg returns only when the stream ends.
func (o *outbound) watch(t *Transport) {
	err := o.stream.RecvMsg(new(frame))
	select {
	case <-o.done:
		return
	default:
	}
	t.lost(o, err)
}

func (o *outbound) close() {
	o.once.Do(func() {
		close(o.done)
		o.cancel()
		_ = o.cc.Close()
	})
}
