// Package cluster assembles one node: peer transport, mailbox, directory,
// replicated metadata and the issue sources that watch them. A Node holds
// all of its state; nothing is kept in package variables, so several nodes
// can live in one process.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/amirimatin/go-clusteradmin/pkg/directory"
	"github.com/amirimatin/go-clusteradmin/pkg/internal/logutil"
	"github.com/amirimatin/go-clusteradmin/pkg/issues"
	"github.com/amirimatin/go-clusteradmin/pkg/mailbox"
	"github.com/amirimatin/go-clusteradmin/pkg/membership"
	"github.com/amirimatin/go-clusteradmin/pkg/metadata"
	obsmetrics "github.com/amirimatin/go-clusteradmin/pkg/observability/metrics"
	"github.com/amirimatin/go-clusteradmin/pkg/observability/tracing"
	"github.com/amirimatin/go-clusteradmin/pkg/semilattice"
	"github.com/amirimatin/go-clusteradmin/pkg/transport"
)

// persistSubject is the subject of the issue raised while the metadata
// document cannot be saved.
const persistSubject = "metadata"

// Facade is the high-level API consumers embed.
type Facade interface {
	Start(ctx context.Context) error
	Status(ctx context.Context) (*Status, error)
	Stop(ctx context.Context) error
}

// Node is the concrete Facade. Channels are registered in a fixed order,
// metadata first and directory second, so every node agrees on them.
type Node struct {
	opts   Options
	logger *log.Logger

	tr      transport.Transport
	mem     membership.Membership
	mux     *mailbox.Multiplexer
	meta    *semilattice.Manager[metadata.Cluster]
	dir     *directory.Service
	agg     *issues.Aggregator
	tracker *issues.LocalTracker
	handles []issues.Handle
	eb      eventBus

	mu  sync.Mutex
	run struct {
		started bool
		stopped bool
		at      time.Time
	}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dialMu sync.Mutex
	dialed map[string]transport.PeerID
}

// New constructs a Node from validated options and loads the persisted
// metadata document, if any. It performs no network activity; call Start
// to launch the node.
func New(opts Options) (*Node, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts.setDefaults()
	n := &Node{
		opts:   opts,
		logger: opts.Logger,
		tr:     opts.Transport,
		mem:    opts.Membership,
		dialed: make(map[string]transport.PeerID),
	}

	mux, err := mailbox.New(opts.Transport, mailbox.Options{QueueSize: opts.MailboxQueue, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	n.mux = mux
	n.meta, err = semilattice.NewManager(mux, metadata.Cluster{}, semilattice.Options[metadata.Cluster]{
		Persister:      opts.Persister,
		OnPersistError: n.persistResult,
		Logger:         opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	n.dir, err = directory.New(mux, directory.Entry{
		Machine:    string(opts.MachineID),
		Datacenter: opts.Datacenter,
		Roles:      opts.Roles,
		AdminAddr:  opts.AdminAddr,
	}, directory.Options{Refresh: opts.DirectoryRefresh, Logger: opts.Logger, Now: opts.Now})
	if err != nil {
		n.meta.Close()
		return nil, err
	}
	n.tracker = issues.NewLocalTracker(n.dir)
	n.agg = issues.NewAggregator(string(opts.MachineID))
	for _, src := range []issues.Source{
		issues.NewMachineDown(n.meta, n.dir, opts.MachineDownGrace, opts.Now),
		issues.NewNameConflict(n.meta),
		issues.NewVectorClockConflict(n.meta),
		issues.NewPinningsMismatch(n.meta),
		issues.NewRemote(n.dir),
		n.tracker,
	} {
		n.handles = append(n.handles, n.agg.Register(src))
	}
	if err := mux.Observe(peerEvents{n: n}); err != nil {
		n.meta.Close()
		return nil, err
	}
	if err := n.meta.Load(); err != nil {
		n.meta.Close()
		return nil, err
	}
	return n, nil
}

// Close is a convenience alias for Stop with a background context.
func (n *Node) Close() error {
	return n.Stop(context.Background())
}

// Start launches the transport and multiplexer, makes sure this machine is
// in the metadata document, joins membership and begins the loops that keep
// connections to every known peer.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.run.stopped {
		return ErrStopped
	}
	if n.run.started {
		return nil
	}
	// Register metrics once
	obsmetrics.Register()

	ctx, cancel := context.WithCancel(ctx)
	metaCh, dirCh := n.meta.Watch(ctx), n.dir.Watch(ctx)
	if err := n.mux.Start(ctx); err != nil {
		cancel()
		return err
	}
	n.dir.Update(func(e *directory.Entry) { e.Addr = n.tr.Addr() })
	n.dir.Start(ctx)
	abort := func(err error) error {
		n.dir.Stop()
		_ = n.mux.Stop()
		cancel()
		return err
	}
	if err := n.bootstrap(ctx); err != nil {
		return abort(fmt.Errorf("cluster: bootstrap metadata: %w", err))
	}
	if n.mem != nil {
		if err := n.mem.Start(ctx); err != nil {
			return abort(err)
		}
		n.joinSeeds(ctx)
	}

	n.run.started = true
	n.run.at = n.opts.Now()
	n.cancel = cancel
	n.wg.Add(2)
	go n.watchLoop(ctx, metaCh, dirCh)
	go n.reconnectLoop(ctx)
	if n.mem != nil {
		n.wg.Add(1)
		go n.membershipEventsLoop(ctx)
	}
	logutil.Infof(n.logger, "cluster: machine %s started as peer %s on %s", n.opts.MachineID, n.tr.Self(), n.tr.Addr())
	return nil
}

// bootstrap adds the founding machines and this machine to the document
// when they are missing.
func (n *Node) bootstrap(ctx context.Context) error {
	self := n.opts.MachineID
	return n.meta.Apply(ctx, metadata.Edit(func(c *metadata.Cluster) error {
		if err := c.Bootstrap(self, n.opts.Founding...); err != nil {
			return err
		}
		m, ok := c.Machines[self]
		if !ok {
			return c.AddMachine(self, self, n.opts.MachineName)
		}
		if m.Removed {
			logutil.Warnf(n.logger, "cluster: machine %s is removed from the metadata document", self)
		}
		return nil
	}))
}

// Stop leaves membership, unregisters every issue source, tears down the
// multiplexer and transport and waits for the last metadata save. It is
// safe to call more than once.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.run.stopped {
		n.mu.Unlock()
		return nil
	}
	n.run.stopped = true
	started, cancel := n.run.started, n.cancel
	n.mu.Unlock()

	for _, h := range n.handles {
		n.agg.Unregister(h)
	}
	n.agg.Forget()
	if !started {
		n.meta.Close()
		return nil
	}
	var errs []error
	if n.mem != nil {
		if err := n.mem.Leave(); err != nil {
			logutil.Warnf(n.logger, "cluster: leave membership: %v", err)
		}
		if err := n.mem.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	n.dir.Stop()
	if err := n.mux.Stop(); err != nil {
		errs = append(errs, err)
	}
	cancel()
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	// Flush the last metadata change before the store is released.
	n.meta.Close()
	logutil.Infof(n.logger, "cluster: machine %s stopped", n.opts.MachineID)
	return errors.Join(errs...)
}

// MachineID returns the id this node writes metadata as.
func (n *Node) MachineID() metadata.ID { return n.opts.MachineID }

// Self returns the peer id of this process.
func (n *Node) Self() transport.PeerID { return n.tr.Self() }

// Metadata returns the replicated document manager.
func (n *Node) Metadata() *semilattice.Manager[metadata.Cluster] { return n.meta }

func (n *Node) Directory() *directory.Service { return n.dir }

func (n *Node) Issues() *issues.Aggregator { return n.agg }

// Tracker records problems this node has with itself; peers see them
// through the directory.
func (n *Node) Tracker() *issues.LocalTracker { return n.tracker }

// Edit applies fn to the metadata document with this machine as origin.
func (n *Node) Edit(ctx context.Context, fn func(c *metadata.Cluster) error) error {
	return n.meta.Apply(ctx, metadata.Edit(fn))
}

// Status returns a snapshot of this node's view of the cluster.
func (n *Node) Status(ctx context.Context) (*Status, error) {
	_, end := tracing.StartSpan(ctx, "cluster.status", "machine", string(n.opts.MachineID))
	defer end()
	n.mu.Lock()
	started, stopped, at := n.run.started, n.run.stopped, n.run.at
	n.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}
	if !started {
		return nil, ErrNotStarted
	}

	doc := n.meta.Get()
	all := n.agg.All()
	local := n.dir.Local()
	s := &Status{
		Peer:      n.tr.Self(),
		Machine:   n.opts.MachineID,
		Name:      n.opts.MachineName,
		Addr:      local.Addr,
		AdminAddr: local.AdminAddr,
		Healthy:   true,
		Peers:     n.mux.Peers(),
		Channels:  n.mux.Channels(),
		Machines:  len(doc.LiveMachines()),
		Issues:    len(all),
		Conflicts: len(doc.Conflicts()),
		StartedAt: at,
	}
	if m, ok := doc.Machines[n.opts.MachineID]; ok {
		s.Name = m.Name.Value()
		if m.Removed {
			s.Warnings = append(s.Warnings, "this machine is removed from the metadata document")
		}
	}
	for _, is := range all {
		if is.Severity == issues.SeverityCritical {
			s.Healthy = false
			break
		}
	}
	if n.mem != nil {
		s.Members = n.mem.Members()
		sort.Slice(s.Members, func(i, j int) bool { return s.Members[i].ID < s.Members[j].ID })
		if hr, ok := n.mem.(membership.HealthReporter); ok {
			score := hr.HealthScore()
			s.GossipHealth = &score
		}
	}
	if s.Machines > 1 && len(s.Peers) == 0 {
		s.Warnings = append(s.Warnings, "no peers connected")
	}
	return s, nil
}

func (n *Node) persistResult(err error) {
	if err == nil {
		n.tracker.Clear(issues.KindPersistenceFailed, persistSubject)
		return
	}
	n.tracker.Set(issues.Issue{
		Kind:        issues.KindPersistenceFailed,
		Severity:    issues.SeverityCritical,
		Description: fmt.Sprintf("metadata could not be saved: %v", err),
		Subject:     persistSubject,
	})
}

func (n *Node) seeds(ctx context.Context) []string {
	if n.opts.Discovery == nil {
		return nil
	}
	return n.opts.Discovery.Seeds(ctx)
}

func (n *Node) joinSeeds(ctx context.Context) {
	seeds := n.seeds(ctx)
	if len(seeds) == 0 {
		return
	}
	logutil.Infof(n.logger, "cluster: joining membership seeds %v", seeds)
	if err := n.mem.Join(seeds); err != nil {
		logutil.Warnf(n.logger, "cluster: membership join: %v", err)
	}
}

// targets lists the peer addresses this node should be connected to.
func (n *Node) targets(ctx context.Context) []string {
	set := make(map[string]struct{})
	if n.mem != nil {
		members := n.mem.Members()
		if len(members) <= 1 {
			n.joinSeeds(ctx)
		}
		for _, m := range members {
			if a := m.PeerAddr(); a != "" {
				set[a] = struct{}{}
			}
		}
	} else {
		for _, s := range n.seeds(ctx) {
			set[s] = struct{}{}
		}
	}
	delete(set, n.tr.Addr())
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (n *Node) reconnectLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.opts.ReconnectInterval)
	defer ticker.Stop()
	for {
		n.reconnect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *Node) reconnect(ctx context.Context) {
	connected := make(map[transport.PeerID]bool)
	for _, p := range n.tr.Peers() {
		connected[p] = true
	}
	for _, addr := range n.targets(ctx) {
		if ctx.Err() != nil {
			return
		}
		n.dialMu.Lock()
		id, ok := n.dialed[addr]
		n.dialMu.Unlock()
		if ok && connected[id] {
			continue
		}
		n.connect(ctx, addr)
	}
}

func (n *Node) connect(ctx context.Context, addr string) {
	ctx, cancel := context.WithTimeout(ctx, n.opts.DialTimeout)
	defer cancel()
	id, err := n.tr.Connect(ctx, addr)
	if err != nil {
		logutil.Debugf(n.logger, "cluster: connect %s: %v", addr, err)
		return
	}
	n.dialMu.Lock()
	n.dialed[addr] = id
	n.dialMu.Unlock()
}

func (n *Node) membershipEventsLoop(ctx context.Context) {
	defer n.wg.Done()
	self := n.tr.Addr()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-n.mem.Events():
			if !ok {
				return
			}
			m := ev.Member
			switch ev.Type {
			case membership.EventJoin, membership.EventUpdate:
				if ev.Type == membership.EventJoin {
					n.eb.publish(Event{Type: EventMemberJoin, At: ev.At, Member: &m})
				}
				if a := m.PeerAddr(); a != "" && a != self {
					n.connect(ctx, a)
				}
			case membership.EventLeave:
				logutil.Infof(n.logger, "cluster: member %s left", m.ID)
				n.eb.publish(Event{Type: EventMemberLeave, At: ev.At, Member: &m})
			}
		}
	}
}

// watchLoop turns document and directory notifications into events.
func (n *Node) watchLoop(ctx context.Context, metaCh, dirCh <-chan struct{}) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-metaCh:
			if !ok {
				return
			}
			n.eb.publish(Event{Type: EventMetadataChanged, At: n.opts.Now()})
		case _, ok := <-dirCh:
			if !ok {
				return
			}
			n.eb.publish(Event{Type: EventDirectoryChanged, At: n.opts.Now()})
		}
	}
}
