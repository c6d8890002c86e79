package inmem

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-clusteradmin/pkg/transport"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
	from []transport.PeerID
}

func (r *recorder) handle(from transport.PeerID, p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, string(p))
	r.from = append(r.from, from)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func startPair(t *testing.T) (*Network, *Transport, *Transport, *recorder, *recorder) {
	t.Helper()
	n := NewNetwork()
	a, b := n.NewTransport("a"), n.NewTransport("b")
	ra, rb := &recorder{}, &recorder{}
	ctx := context.Background()
	require.NoError(t, a.Start(ctx, ra.handle))
	require.NoError(t, b.Start(ctx, rb.handle))
	t.Cleanup(func() { _ = a.Stop(); _ = b.Stop() })
	return n, a, b, ra, rb
}

func nextEvent(t *testing.T, tr *Transport) transport.PeerEvent {
	t.Helper()
	select {
	case e := <-tr.Events():
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("no peer event on %s", tr.Addr())
		return transport.PeerEvent{}
	}
}

func TestConnectEmitsUpOnBothSides(t *testing.T) {
	_, a, b, _, _ := startPair(t)
	id, err := a.Connect(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, b.Self(), id)

	ea := nextEvent(t, a)
	eb := nextEvent(t, b)
	assert.Equal(t, transport.PeerUp, ea.Type)
	assert.Equal(t, b.Self(), ea.Peer)
	assert.Equal(t, transport.PeerUp, eb.Type)
	assert.Equal(t, a.Self(), eb.Peer)

	again, err := a.Connect(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, []transport.PeerID{b.Self()}, a.Peers())
}

func TestSendPreservesOrder(t *testing.T) {
	_, a, b, _, rb := startPair(t)
	_, err := a.Connect(context.Background(), "b")
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, a.Send(b.Self(), []byte(fmt.Sprintf("m%03d", i))))
	}
	require.Eventually(t, func() bool { return len(rb.snapshot()) == n }, 2*time.Second, 5*time.Millisecond)
	got := rb.snapshot()
	for i := 0; i < n; i++ {
		require.Equal(t, fmt.Sprintf("m%03d", i), got[i])
	}
}

func TestSendToUnknownPeer(t *testing.T) {
	_, a, _, _, _ := startPair(t)
	err := a.Send(transport.PeerID("nobody"), []byte("x"))
	assert.ErrorIs(t, err, transport.ErrPeerUnreachable)

	_, err = a.Connect(context.Background(), "missing")
	assert.ErrorIs(t, err, transport.ErrPeerUnreachable)
}

func TestPartitionEmitsDownOnBothSides(t *testing.T) {
	n, a, b, _, _ := startPair(t)
	_, err := a.Connect(context.Background(), "b")
	require.NoError(t, err)
	nextEvent(t, a)
	nextEvent(t, b)

	n.Partition(a, b)
	assert.Equal(t, transport.PeerDown, nextEvent(t, a).Type)
	assert.Equal(t, transport.PeerDown, nextEvent(t, b).Type)
	assert.Empty(t, a.Peers())
	assert.Empty(t, b.Peers())
	assert.ErrorIs(t, b.Send(a.Self(), []byte("late")), transport.ErrPeerUnreachable)
}

func TestStopClosesEvents(t *testing.T) {
	n := NewNetwork()
	a := n.NewTransport("a")
	require.NoError(t, a.Start(context.Background(), func(transport.PeerID, []byte) {}))
	require.NoError(t, a.Stop())
	_, ok := <-a.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, a.Send("x", nil), transport.ErrClosed)
}

func TestNotStarted(t *testing.T) {
	n := NewNetwork()
	a := n.NewTransport("a")
	_, err := a.Connect(context.Background(), "b")
	assert.ErrorIs(t, err, transport.ErrNotStarted)
}
