package grpc

import (
	"errors"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/amirimatin/go-clusteradmin/pkg/internal/logutil"
	"github.com/amirimatin/go-clusteradmin/pkg/transport"
)

const (
	streamMethod = "/cluster.v1.Peer/Stream"
	peerHeader   = "x-cluster-peer"
)

var errMissingPeerHeader = errors.New("grpc transport: peer header missing")

// frame is the unit on a peer stream. The first frame of a stream is the
// hello (From, Addr); every later frame carries Data only.
type frame struct {
	From string `json:"from,omitempty"`
	Addr string `json:"addr,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// inbound is the receiving half of a peer connection: one server stream.
type inbound struct {
	kill chan struct{}
	once sync.Once
}

func (in *inbound) stop() { in.once.Do(func() { close(in.kill) }) }

type peerServer interface {
	Stream(grpc.ServerStream) error
}

type peerService struct{ t *Transport }

// Service descriptor (hand-written, no codegen required)
var _Peer_serviceDesc = grpc.ServiceDesc{
	ServiceName: "cluster.v1.Peer",
	HandlerType: (*peerServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Stream",
		ClientStreams: true,
		Handler:       _Peer_Stream_Handler,
	}},
}

func _Peer_Stream_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(peerServer).Stream(stream)
}

func newServer(t *Transport) *grpc.Server {
	var opts []grpc.ServerOption
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
	opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
	if t.opts.ServerTLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(t.opts.ServerTLS)))
	}
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	srv.RegisterService(&_Peer_serviceDesc, &peerService{t: t})
	return srv
}

// Stream serves one inbound peer stream until the remote closes it, it
// fails, or the peer is dropped locally.
func (s *peerService) Stream(stream grpc.ServerStream) error {
	t := s.t
	hello := new(frame)
	if err := stream.RecvMsg(hello); err != nil {
		return err
	}
	if hello.From == "" {
		return status.Error(codes.InvalidArgument, "hello frame required")
	}
	from := transport.PeerID(hello.From)
	if err := stream.SendHeader(metadata.Pairs(peerHeader, string(t.self))); err != nil {
		return err
	}
	if from == t.self {
		return nil
	}

	in := &inbound{kill: make(chan struct{})}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return status.Error(codes.Unavailable, "transport closed")
	}
	if t.in[from] == nil {
		t.in[from] = make(map[*inbound]struct{})
	}
	t.in[from][in] = struct{}{}
	_, known := t.out[from]
	base := t.ctx
	h := t.handler
	t.mu.Unlock()

	if !known && hello.Addr != "" {
		go func() {
			if _, err := t.Connect(base, hello.Addr); err != nil {
				logutil.Warnf(t.logger, "transport: dial-back to %s (%s) failed: %v", from, hello.Addr, err)
			}
		}()
	}

	errc := make(chan error, 1)
	go func() {
		for {
			f := new(frame)
			if err := stream.RecvMsg(f); err != nil {
				errc <- err
				return
			}
			if h != nil {
				h(from, f.Data)
			}
		}
	}()

	var err error
	killed := false
	select {
	case err = <-errc:
	case <-in.kill:
		killed = true
	case <-stream.Context().Done():
		err = stream.Context().Err()
	}

	t.mu.Lock()
	last := false
	if set, ok := t.in[from]; ok {
		if _, mine := set[in]; mine {
			delete(set, in)
			if len(set) == 0 {
				delete(t.in, from)
				last = true
			}
		}
	}
	t.mu.Unlock()
	if !killed && last {
		t.drop(from, "inbound stream ended: "+errString(err))
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
