package mailbox

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	obsmetrics "github.com/amirimatin/go-clusteradmin/pkg/observability/metrics"
	"github.com/amirimatin/go-clusteradmin/pkg/transport"
	"github.com/amirimatin/go-clusteradmin/pkg/transport/inmem"
)

var quiet = log.New(io.Discard, "", 0)

type sink struct {
	mu   sync.Mutex
	msgs []string
	ups  []transport.PeerID
	down []transport.PeerID
}

func (s *sink) Receive(_ transport.PeerID, p []byte) {
	s.mu.Lock()
	s.msgs = append(s.msgs, string(p))
	s.mu.Unlock()
}

func (s *sink) PeerUp(p transport.PeerID) {
	s.mu.Lock()
	s.ups = append(s.ups, p)
	s.mu.Unlock()
}

func (s *sink) PeerDown(p transport.PeerID) {
	s.mu.Lock()
	s.down = append(s.down, p)
	s.mu.Unlock()
}

func (s *sink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func (s *sink) downs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.down)
}

func newMux(t *testing.T, tr transport.Transport) *Multiplexer {
	t.Helper()
	m, err := New(tr, Options{Logger: quiet})
	require.NoError(t, err)
	return m
}

func connect(t *testing.T, a, b *inmem.Transport, ma, mb *Multiplexer) {
	t.Helper()
	_, err := a.Connect(context.Background(), b.Addr())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(ma.Peers()) == 1 && len(mb.Peers()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestChannelsAreIsolated(t *testing.T) {
	net := inmem.NewNetwork()
	ta, tb := net.NewTransport("a"), net.NewTransport("b")
	ma, mb := newMux(t, ta), newMux(t, tb)

	x, y := &sink{}, &sink{}
	cxA, err := ma.Register("iso-x", &sink{})
	require.NoError(t, err)
	cyA, err := ma.Register("iso-y", &sink{})
	require.NoError(t, err)
	_, err = mb.Register("iso-x", x)
	require.NoError(t, err)
	_, err = mb.Register("iso-y", y)
	require.NoError(t, err)

	require.NoError(t, ma.Start(context.Background()))
	require.NoError(t, mb.Start(context.Background()))
	t.Cleanup(func() { _ = ma.Stop(); _ = mb.Stop() })
	connect(t, ta, tb, ma, mb)

	require.NoError(t, cxA.Send(tb.Self(), []byte("to-x")))
	require.NoError(t, cyA.Send(tb.Self(), []byte("to-y")))
	require.Eventually(t, func() bool { return len(x.got()) == 1 && len(y.got()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"to-x"}, x.got())
	assert.Equal(t, []string{"to-y"}, y.got())
}

func TestPerChannelFIFO(t *testing.T) {
	net := inmem.NewNetwork()
	ta, tb := net.NewTransport("a"), net.NewTransport("b")
	ma, mb := newMux(t, ta), newMux(t, tb)
	recv := &sink{}
	c, err := ma.Register("fifo", &sink{})
	require.NoError(t, err)
	_, err = mb.Register("fifo", recv)
	require.NoError(t, err)
	require.NoError(t, ma.Start(context.Background()))
	require.NoError(t, mb.Start(context.Background()))
	t.Cleanup(func() { _ = ma.Stop(); _ = mb.Stop() })
	connect(t, ta, tb, ma, mb)

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, c.Send(tb.Self(), []byte(fmt.Sprintf("%04d", i))))
	}
	require.Eventually(t, func() bool { return len(recv.got()) == n }, 5*time.Second, 5*time.Millisecond)
	for i, m := range recv.got() {
		require.Equal(t, fmt.Sprintf("%04d", i), m)
	}
}

func TestRegistrationErrors(t *testing.T) {
	net := inmem.NewNetwork()
	m := newMux(t, net.NewTransport("a"))
	_, err := m.Register("dup", &sink{})
	require.NoError(t, err)
	_, err = m.Register("dup", &sink{})
	require.ErrorIs(t, err, ErrDuplicateChannel)
	assert.True(t, IsRegistrationError(err))

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })
	_, err = m.Register("late", &sink{})
	require.ErrorIs(t, err, ErrAlreadyStarted)
	assert.True(t, IsRegistrationError(err))

	_, err = m.Lookup("missing")
	require.ErrorIs(t, err, ErrUnknownChannel)
	assert.Equal(t, []string{"dup"}, m.Channels())
}

func TestUnknownChannelIsDropped(t *testing.T) {
	net := inmem.NewNetwork()
	ta, tb := net.NewTransport("a"), net.NewTransport("b")
	ma, mb := newMux(t, ta), newMux(t, tb)
	known := &sink{}
	ghost, err := ma.Register("ghost-only-on-a", &sink{})
	require.NoError(t, err)
	shared, err := ma.Register("shared", &sink{})
	require.NoError(t, err)
	_, err = mb.Register("shared", known)
	require.NoError(t, err)
	require.NoError(t, ma.Start(context.Background()))
	require.NoError(t, mb.Start(context.Background()))
	t.Cleanup(func() { _ = ma.Stop(); _ = mb.Stop() })
	connect(t, ta, tb, ma, mb)

	before := testutil.ToFloat64(obsmetrics.MailboxDropped.WithLabelValues("ghost-only-on-a", "unknown_channel"))
	require.NoError(t, ghost.Send(tb.Self(), []byte("lost")))
	require.NoError(t, shared.Send(tb.Self(), []byte("kept")))

	require.Eventually(t, func() bool { return len(known.got()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"kept"}, known.got())
	assert.Equal(t, before+1, testutil.ToFloat64(obsmetrics.MailboxDropped.WithLabelValues("ghost-only-on-a", "unknown_channel")))
}

func TestMalformedEnvelopeIsDropped(t *testing.T) {
	net := inmem.NewNetwork()
	ta, tb := net.NewTransport("a"), net.NewTransport("b")
	mb := newMux(t, tb)
	recv := &sink{}
	_, err := mb.Register("m", recv)
	require.NoError(t, err)
	require.NoError(t, mb.Start(context.Background()))
	require.NoError(t, ta.Start(context.Background(), func(transport.PeerID, []byte) {}))
	t.Cleanup(func() { _ = mb.Stop(); _ = ta.Stop() })

	_, err = ta.Connect(context.Background(), "b")
	require.NoError(t, err)
	before := testutil.ToFloat64(obsmetrics.MalformedPayloads.WithLabelValues("mailbox"))
	require.NoError(t, ta.Send(tb.Self(), []byte{0xc1, 0xff, 0x00}))
	good, err := encodeEnvelope(envelope{Channel: "m", Payload: []byte("after")})
	require.NoError(t, err)
	require.NoError(t, ta.Send(tb.Self(), good))

	require.Eventually(t, func() bool { return len(recv.got()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(obsmetrics.MalformedPayloads.WithLabelValues("mailbox")))
}

func TestSendToDisconnectedPeer(t *testing.T) {
	net := inmem.NewNetwork()
	m := newMux(t, net.NewTransport("a"))
	c, err := m.Register("nowhere", &sink{})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })
	require.ErrorIs(t, c.Send("unknown-peer", []byte("x")), transport.ErrPeerUnreachable)
	assert.Equal(t, 0, c.Broadcast([]byte("x")))
}

// gated holds every Send until release is closed.
type gated struct {
	*inmem.Transport
	release chan struct{}
}

func (g *gated) Send(p transport.PeerID, b []byte) error {
	<-g.release
	return g.Transport.Send(p, b)
}

func TestPeerDownDiscardsQueued(t *testing.T) {
	net := inmem.NewNetwork()
	ta, tb := net.NewTransport("a"), net.NewTransport("b")
	ga := &gated{Transport: ta, release: make(chan struct{})}
	ma, mb := newMux(t, ga), newMux(t, tb)
	obs := &sink{}
	recv := &sink{}
	c, err := ma.Register("discard", obs)
	require.NoError(t, err)
	_, err = mb.Register("discard", recv)
	require.NoError(t, err)
	require.NoError(t, ma.Start(context.Background()))
	require.NoError(t, mb.Start(context.Background()))
	t.Cleanup(func() { _ = ma.Stop(); _ = mb.Stop() })
	connect(t, ta, tb, ma, mb)

	before := testutil.ToFloat64(obsmetrics.MailboxDropped.WithLabelValues("discard", "peer_down"))
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Send(tb.Self(), []byte(fmt.Sprintf("q%d", i))))
	}
	// The writer holds q0 in the gated Send; q1..q4 wait in the queue.
	net.Partition(ta, tb)
	require.Eventually(t, func() bool { return obs.downs() == 1 }, 2*time.Second, 5*time.Millisecond)
	close(ga.release)

	assert.Equal(t, before+4, testutil.ToFloat64(obsmetrics.MailboxDropped.WithLabelValues("discard", "peer_down")))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, recv.got())
}

func TestObserversSeePeerEvents(t *testing.T) {
	net := inmem.NewNetwork()
	ta, tb := net.NewTransport("a"), net.NewTransport("b")
	ma, mb := newMux(t, ta), newMux(t, tb)
	obs := &sink{}
	_, err := ma.Register("obs", obs)
	require.NoError(t, err)
	_, err = ma.Register("plain", HandlerFunc(func(transport.PeerID, []byte) {}))
	require.NoError(t, err)
	watcher := &sink{}
	require.NoError(t, ma.Observe(watcher))
	require.NoError(t, ma.Start(context.Background()))
	assert.ErrorIs(t, ma.Observe(&sink{}), ErrAlreadyStarted)
	require.NoError(t, mb.Start(context.Background()))
	t.Cleanup(func() { _ = ma.Stop(); _ = mb.Stop() })
	connect(t, ta, tb, ma, mb)

	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.ups) == 1 && obs.ups[0] == tb.Self()
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		watcher.mu.Lock()
		defer watcher.mu.Unlock()
		return len(watcher.ups) == 1
	}, 2*time.Second, 5*time.Millisecond)
}
