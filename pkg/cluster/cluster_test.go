package cluster

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-clusteradmin/pkg/discovery/static"
	"github.com/amirimatin/go-clusteradmin/pkg/issues"
	"github.com/amirimatin/go-clusteradmin/pkg/metadata"
	"github.com/amirimatin/go-clusteradmin/pkg/transport/inmem"
)

var quiet = log.New(io.Discard, "", 0)

const (
	wait = 5 * time.Second
	tick = 10 * time.Millisecond
)

type memPersister struct {
	mu   sync.Mutex
	doc  metadata.Cluster
	ok   bool
	fail error
}

func (p *memPersister) Load() (metadata.Cluster, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc.Clone(), p.ok, nil
}

func (p *memPersister) Save(doc metadata.Cluster) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.doc, p.ok = doc.Clone(), true
	return nil
}

func (p *memPersister) setFail(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

var everyone = []string{"n1", "n2", "n3"}

func newNode(t *testing.T, net *inmem.Network, addr string, machine metadata.ID, mutate func(*Options)) *Node {
	t.Helper()
	opts := Options{
		MachineID:         machine,
		Transport:         net.NewTransport(addr),
		Discovery:         static.New(everyone...),
		MachineDownGrace:  100 * time.Millisecond,
		ReconnectInterval: 20 * time.Millisecond,
		DirectoryRefresh:  time.Hour,
		Logger:            quiet,
	}
	if mutate != nil {
		mutate(&opts)
	}
	n, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func startAll(t *testing.T, nodes ...*Node) {
	t.Helper()
	for _, n := range nodes {
		require.NoError(t, n.Start(context.Background()))
	}
}

func TestNodesConverge(t *testing.T) {
	net := inmem.NewNetwork()
	founding := func(o *Options) {
		o.Founding = []metadata.FoundingMachine{{ID: "m1", Name: "one"}, {ID: "m2", Name: "two"}, {ID: "m3", Name: "three"}}
	}
	n1 := newNode(t, net, "n1", "m1", founding)
	n2 := newNode(t, net, "n2", "m2", founding)
	n3 := newNode(t, net, "n3", "m3", founding)
	startAll(t, n1, n2, n3)

	for _, n := range []*Node{n1, n2, n3} {
		n := n
		require.Eventually(t, func() bool {
			return len(n.Directory().Entries()) == 3 && len(n.Metadata().Get().LiveMachines()) == 3
		}, wait, tick)
	}
	require.Eventually(t, func() bool {
		doc := n1.Metadata().Get()
		return doc.Equal(n2.Metadata().Get()) && doc.Equal(n3.Metadata().Get())
	}, wait, tick)
	assert.Empty(t, n1.Metadata().Get().Conflicts(), "independent founding writes agree")

	require.NoError(t, n2.Edit(context.Background(), func(c *metadata.Cluster) error {
		return c.RenameMachine(n2.MachineID(), "m3", "drei")
	}))
	require.Eventually(t, func() bool {
		return n1.Metadata().Get().Machines["m3"].Name.Value() == "drei" &&
			n3.Metadata().Get().Machines["m3"].Name.Value() == "drei"
	}, wait, tick)

	st, err := n1.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "one", st.Name)
	assert.Equal(t, 3, st.Machines)
	assert.Len(t, st.Peers, 2)
	assert.Equal(t, []string{"metadata", "directory"}, st.Channels)
	assert.True(t, st.Healthy)
}

func TestJoiningMachineAddsItself(t *testing.T) {
	net := inmem.NewNetwork()
	n1 := newNode(t, net, "n1", "m1", nil)
	n2 := newNode(t, net, "n2", "m2", func(o *Options) { o.MachineName = "late" })
	startAll(t, n1, n2)

	require.Eventually(t, func() bool {
		id, ok := n1.Metadata().Get().MachineByName("late")
		return ok && id == "m2"
	}, wait, tick)
}

func TestStoppedMachineIsReportedDown(t *testing.T) {
	net := inmem.NewNetwork()
	n1 := newNode(t, net, "n1", "m1", nil)
	n2 := newNode(t, net, "n2", "m2", nil)
	startAll(t, n1, n2)
	require.Eventually(t, func() bool { return len(n1.Directory().Entries()) == 2 && len(n1.Metadata().Get().LiveMachines()) == 2 }, wait, tick)
	require.Eventually(t, func() bool { return n1.Issues().Count() == 0 }, wait, tick)

	require.NoError(t, n2.Stop(context.Background()))
	require.Eventually(t, func() bool {
		for _, is := range n1.Issues().All() {
			if is.Kind == issues.KindMachineDown && is.Subject == "machine/m2" {
				return true
			}
		}
		return false
	}, wait, tick)

	st, err := n1.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Healthy)
	assert.Contains(t, st.Warnings, "no peers connected")

	require.NoError(t, n1.Edit(context.Background(), func(c *metadata.Cluster) error { return c.RemoveMachine("m2") }))
	assert.Zero(t, n1.Issues().Count())
}

func TestPersistFailureIsPublished(t *testing.T) {
	net := inmem.NewNetwork()
	p := &memPersister{fail: errors.New("disk full")}
	n1 := newNode(t, net, "n1", "m1", func(o *Options) { o.Persister = p })
	n2 := newNode(t, net, "n2", "m2", nil)
	startAll(t, n1, n2)

	has := func(n *Node, reporter string) bool {
		for _, is := range n.Issues().All() {
			if is.Kind == issues.KindPersistenceFailed && is.Reporter == reporter {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool { return has(n1, "") }, wait, tick, "bootstrap write fails to save")
	require.Eventually(t, func() bool { return has(n2, "m1") }, wait, tick)

	p.setFail(nil)
	require.NoError(t, n1.Edit(context.Background(), func(c *metadata.Cluster) error { return c.RenameMachine("m1", "m1", "saved") }))
	require.Eventually(t, func() bool { return !has(n1, "") }, wait, tick)
	require.Eventually(t, func() bool { return !has(n2, "m1") }, wait, tick)

	require.Eventually(t, func() bool {
		doc, ok, _ := p.Load()
		return ok && doc.Machines["m1"].Name.Value() == "saved"
	}, wait, tick)
}

func TestRestartKeepsDocument(t *testing.T) {
	p := &memPersister{}
	n := newNode(t, inmem.NewNetwork(), "n1", "m1", func(o *Options) { o.Persister = p })
	startAll(t, n)
	_, ok := n.Metadata().Get().MachineByName("m1")
	require.True(t, ok)
	require.NoError(t, n.Edit(context.Background(), func(c *metadata.Cluster) error {
		_, err := c.AddDatacenter("m1", "east")
		return err
	}))
	require.NoError(t, n.Close())

	again := newNode(t, inmem.NewNetwork(), "n1", "m1", func(o *Options) { o.Persister = p })
	_, ok = again.Metadata().Get().DatacenterByName("east")
	assert.True(t, ok, "document is loaded by New")
}

func TestSubscribeSeesPeers(t *testing.T) {
	net := inmem.NewNetwork()
	n1 := newNode(t, net, "n1", "m1", nil)
	n2 := newNode(t, net, "n2", "m2", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := n1.Subscribe(ctx)
	startAll(t, n1, n2)

	seen := make(map[EventType]bool)
	timeout := time.After(wait)
	for !seen[EventPeerUp] || !seen[EventMetadataChanged] || !seen[EventDirectoryChanged] {
		select {
		case ev := <-events:
			seen[ev.Type] = true
			if ev.Type == EventPeerUp {
				assert.Equal(t, n2.Self(), ev.Peer)
			}
		case <-timeout:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
}

func TestLifecycle(t *testing.T) {
	n := newNode(t, inmem.NewNetwork(), "n1", "m1", nil)
	_, err := n.Status(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, 6, n.Issues().Sources())

	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Stop(context.Background()))
	require.NoError(t, n.Stop(context.Background()))
	assert.Zero(t, n.Issues().Sources(), "sources are unregistered on stop")
	assert.ErrorIs(t, n.Start(context.Background()), ErrStopped)
	_, err = n.Status(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestOptionsValidate(t *testing.T) {
	tr := inmem.NewNetwork().NewTransport("x")
	assert.Error(t, Options{Transport: tr}.Validate())
	assert.Error(t, Options{MachineID: "m1"}.Validate())
	assert.Error(t, Options{MachineID: "m1", Transport: tr, MachineDownGrace: -1}.Validate())
	assert.Error(t, Options{MachineID: "m1", Transport: tr, Founding: []metadata.FoundingMachine{{Name: "x"}}}.Validate())
	assert.NoError(t, Options{MachineID: "m1", Transport: tr}.Validate())

	o := Options{MachineID: "m1", Transport: tr, Founding: []metadata.FoundingMachine{{ID: "m1", Name: "first"}}}
	o.setDefaults()
	assert.Equal(t, "first", o.MachineName)
	assert.Equal(t, defaultMachineDownGrace, o.MachineDownGrace)
}
