package transport

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPeerUnreachable is returned when a send targets a peer that is not
	// currently connected. Callers drop the message; it is not retried.
	ErrPeerUnreachable = errors.New("transport: peer unreachable")
	// ErrClosed is returned by operations on a stopped transport.
	ErrClosed = errors.New("transport: closed")
	// ErrNotStarted is returned when Connect/Send run before Start.
	ErrNotStarted = errors.New("transport: not started")
)

// PeerID identifies one running process. It is generated at startup and is
// not reused across restarts, so a reconnecting process with the same address
// is still a new peer.
type PeerID string

// NewPeerID returns a fresh random identity.
func NewPeerID() PeerID { return PeerID(uuid.NewString()) }

func (p PeerID) String() string { return string(p) }

type PeerEventType string

const (
	// PeerUp is emitted once the outbound stream to a peer is usable.
	PeerUp PeerEventType = "up"
	// PeerDown is emitted when a peer's streams are gone. Messages queued for
	// it are discarded by the layers above.
	PeerDown PeerEventType = "down"
)

// PeerEvent is a connectivity change for one peer.
type PeerEvent struct {
	Type PeerEventType
	Peer PeerID
	Addr string
	At   time.Time
}

// Handler receives every inbound payload. It is called from the reader of the
// connection the payload arrived on, so payloads from one peer are delivered
// in the order that peer sent them.
type Handler func(from PeerID, payload []byte)

// Transport gives each process a stable identity and ordered, reliable
// delivery of opaque payloads to every connected peer. Framing, handshake and
// connection teardown live here; retry and reconnection policy do not.
type Transport interface {
	// Self returns the identity of this process.
	Self() PeerID
	// Addr returns the address other peers should dial.
	Addr() string
	// Start begins accepting connections; h receives all inbound payloads.
	Start(ctx context.Context, h Handler) error
	// Connect dials addr and returns the identity of the process there. It is
	// a no-op returning the known id when already connected.
	Connect(ctx context.Context, addr string) (PeerID, error)
	// Send queues payload on the stream to peer. Payloads to the same peer
	// are delivered in call order.
	Send(peer PeerID, payload []byte) error
	// Disconnect tears down the streams to peer and emits PeerDown.
	Disconnect(peer PeerID) error
	// Peers lists currently connected peers.
	Peers() []PeerID
	// Events delivers PeerUp/PeerDown notifications. Closed on Stop.
	Events() <-chan PeerEvent
	Stop() error
}
