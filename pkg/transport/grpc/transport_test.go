package grpc

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-clusteradmin/pkg/transport"
)

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (b *inbox) handle(_ transport.PeerID, p []byte) {
	b.mu.Lock()
	b.msgs = append(b.msgs, string(p))
	b.mu.Unlock()
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func (b *inbox) get() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.msgs...)
}

func startNode(t *testing.T) (*Transport, *inbox) {
	t.Helper()
	return startNodeWith(t, nil)
}

// startNodeWith lets mutate adjust the transport before it starts.
func startNodeWith(t *testing.T, mutate func(*Transport)) (*Transport, *inbox) {
	t.Helper()
	tr, err := New(Options{Bind: "127.0.0.1:0", Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	if mutate != nil {
		mutate(tr)
	}
	box := &inbox{}
	require.NoError(t, tr.Start(context.Background(), box.handle))
	t.Cleanup(func() { _ = tr.Stop() })
	return tr, box
}

func awaitEvent(t *testing.T, tr *Transport, typ transport.PeerEventType, peer transport.PeerID) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-tr.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %s %s", typ, peer)
			}
			if e.Type == typ && e.Peer == peer {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s %s", typ, peer)
		}
	}
}

func TestConnectHandshakeAndDialBack(t *testing.T) {
	a, _ := startNode(t)
	b, _ := startNode(t)

	id, err := a.Connect(context.Background(), b.Addr())
	require.NoError(t, err)
	require.Equal(t, b.Self(), id)
	awaitEvent(t, a, transport.PeerUp, b.Self())
	// b learns of a from the inbound stream and dials back.
	awaitEvent(t, b, transport.PeerUp, a.Self())

	again, err := a.Connect(context.Background(), b.Addr())
	require.NoError(t, err)
	require.Equal(t, id, again)
}

func TestFramesArriveInOrder(t *testing.T) {
	a, _ := startNode(t)
	b, boxB := startNode(t)
	_, err := a.Connect(context.Background(), b.Addr())
	require.NoError(t, err)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, a.Send(b.Self(), []byte(fmt.Sprintf("f%03d", i))))
	}
	require.Eventually(t, func() bool { return boxB.len() == n }, 5*time.Second, 10*time.Millisecond)
	for i, m := range boxB.get() {
		require.Equal(t, fmt.Sprintf("f%03d", i), m)
	}
}

func TestStopEmitsPeerDown(t *testing.T) {
	a, _ := startNode(t)
	b, _ := startNode(t)
	_, err := a.Connect(context.Background(), b.Addr())
	require.NoError(t, err)
	awaitEvent(t, a, transport.PeerUp, b.Self())

	require.NoError(t, b.Stop())
	awaitEvent(t, a, transport.PeerDown, b.Self())
	require.ErrorIs(t, a.Send(b.Self(), []byte("x")), transport.ErrPeerUnreachable)
}

// unbuffered leaves no room for events, so every emit waits for a reader.
func unbuffered(tr *Transport) { tr.evts = make(chan transport.PeerEvent) }

func nextEvent(t *testing.T, tr *Transport, peer transport.PeerID) transport.PeerEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-tr.Events():
			require.True(t, ok, "events closed")
			if e.Peer == peer {
				return e
			}
		case <-deadline:
			t.Fatalf("timeout waiting for an event for %s", peer)
		}
	}
}

func TestSlowEventConsumerLosesNothing(t *testing.T) {
	a, _ := startNodeWith(t, unbuffered)
	b, _ := startNode(t)

	connected := make(chan error, 1)
	go func() {
		_, err := a.Connect(context.Background(), b.Addr())
		connected <- err
	}()
	// Longer than any fixed give-up delay.
	time.Sleep(1500 * time.Millisecond)
	awaitEvent(t, a, transport.PeerUp, b.Self())
	require.NoError(t, <-connected)

	stopped := make(chan struct{})
	go func() {
		_ = a.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop hung on an event nobody reads")
	}
}

func TestDropDuringPeerUpKeepsOrder(t *testing.T) {
	a, _ := startNodeWith(t, unbuffered)
	b, _ := startNode(t)

	connected := make(chan error, 1)
	go func() {
		_, err := a.Connect(context.Background(), b.Addr())
		connected <- err
	}()
	// The outbound is registered and its PeerUp is waiting for a reader.
	require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Disconnect(b.Self()))

	require.Equal(t, transport.PeerUp, nextEvent(t, a, b.Self()).Type)
	require.Equal(t, transport.PeerDown, nextEvent(t, a, b.Self()).Type)
	require.ErrorIs(t, <-connected, transport.ErrPeerUnreachable)
	require.Empty(t, a.Peers())
}

func TestConnectUnreachable(t *testing.T) {
	a, _ := startNode(t)
	a.opts.DialTimeout = 300 * time.Millisecond
	_, err := a.Connect(context.Background(), "127.0.0.1:1")
	require.ErrorIs(t, err, transport.ErrPeerUnreachable)
}

func TestOptionsValidate(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
