// Package memberlist implements membership.Membership on HashiCorp memberlist.
package memberlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/amirimatin/go-clusteradmin/pkg/internal/logutil"
	base "github.com/amirimatin/go-clusteradmin/pkg/membership"
)

// Options configures the memberlist-based membership implementation.
type Options struct {
	// NodeID is the gossip node name. The machine id is a good choice.
	NodeID string
	// Bind is the bind address in host:port form (e.g. ":7946").
	Bind string
	// Advertise is the address peers use to reach this node. If empty,
	// memberlist derives it from Bind.
	Advertise string
	// Meta is gossiped with the node, e.g. membership.MetaPeerAddr.
	Meta map[string]string
	// Logger is optional. If nil, log.Default() is used.
	Logger *log.Logger

	// Tuning parameters. Zero means memberlist's LAN defaults.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SuspicionMult int
}

func (o *Options) Validate() error {
	if o.NodeID == "" {
		return errors.New("memberlist: empty NodeID")
	}
	if o.Bind == "" {
		return errors.New("memberlist: empty Bind address")
	}
	if o.ProbeInterval < 0 || o.ProbeTimeout < 0 || o.SuspicionMult < 0 {
		return errors.New("memberlist: negative tuning parameter")
	}
	return nil
}

// Membership wraps a memberlist instance.
type Membership struct {
	mu     sync.RWMutex
	opts   Options
	logger *log.Logger
	ml     *memberlist.Memberlist
	meta   []byte
	evts   chan base.Event
	closed bool
}

// New validates opts. Nothing listens until Start.
func New(opts Options) (*Membership, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	lg := opts.Logger
	if lg == nil {
		lg = log.Default()
	}
	meta, err := json.Marshal(opts.Meta)
	if err != nil {
		return nil, fmt.Errorf("memberlist: encode meta: %w", err)
	}
	if len(meta) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("memberlist: meta is %d bytes, limit %d", len(meta), memberlist.MetaMaxSize)
	}
	return &Membership{opts: opts, logger: lg, meta: meta, evts: make(chan base.Event, 64)}, nil
}

// Start creates the memberlist instance and begins gossiping.
func (m *Membership) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("memberlist: stopped")
	}
	if m.ml != nil {
		return nil
	}

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = m.opts.NodeID
	host, port, err := splitHostPort(m.opts.Bind)
	if err != nil {
		return err
	}
	cfg.BindAddr, cfg.BindPort = host, port
	if m.opts.Advertise != "" {
		ahost, aport, err := splitHostPort(m.opts.Advertise)
		if err != nil {
			return err
		}
		cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
	}
	if m.opts.ProbeInterval > 0 {
		cfg.ProbeInterval = m.opts.ProbeInterval
	}
	if m.opts.ProbeTimeout > 0 {
		cfg.ProbeTimeout = m.opts.ProbeTimeout
	}
	if m.opts.SuspicionMult > 0 {
		cfg.SuspicionMult = m.opts.SuspicionMult
	}
	// memberlist's own chatter only shows up in debug mode.
	cfg.LogOutput = io.Discard
	if logutil.DebugEnabled() {
		cfg.LogOutput = m.logger.Writer()
	}
	cfg.Events = &eventDelegate{emit: m.emit}
	cfg.Delegate = &nodeDelegate{meta: m.meta}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return fmt.Errorf("memberlist: create: %w", err)
	}
	m.ml = ml
	logutil.Infof(m.logger, "memberlist: %s gossiping on %s", m.opts.NodeID, m.localLocked().Addr)

	go func() {
		<-ctx.Done()
		_ = m.Stop()
	}()
	return nil
}

func (m *Membership) Join(seeds []string) error {
	m.mu.RLock()
	ml := m.ml
	m.mu.RUnlock()
	if ml == nil {
		return errors.New("memberlist: not started")
	}
	if len(seeds) == 0 {
		return nil
	}
	n, err := ml.Join(seeds)
	if err != nil && n == 0 {
		return fmt.Errorf("memberlist: join %v: %w", seeds, err)
	}
	return nil
}

func (m *Membership) Local() base.MemberInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localLocked()
}

func (m *Membership) localLocked() base.MemberInfo {
	if m.ml == nil {
		return base.MemberInfo{ID: m.opts.NodeID, Meta: m.opts.Meta}
	}
	return memberInfo(m.ml.LocalNode())
}

func (m *Membership) Members() []base.MemberInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ml == nil {
		return nil
	}
	nodes := m.ml.Members()
	out := make([]base.MemberInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, memberInfo(n))
	}
	return out
}

func (m *Membership) Events() <-chan base.Event { return m.evts }

// Leave announces departure and waits up to a second for it to spread.
func (m *Membership) Leave() error {
	m.mu.RLock()
	ml := m.ml
	m.mu.RUnlock()
	if ml == nil {
		return nil
	}
	return ml.Leave(time.Second)
}

func (m *Membership) Stop() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ml := m.ml
	m.ml = nil
	close(m.evts)
	m.mu.Unlock()
	// Shutdown waits for memberlist's listeners, which may be calling emit.
	if ml != nil {
		return ml.Shutdown()
	}
	return nil
}

// HealthScore exposes memberlist's awareness score.
func (m *Membership) HealthScore() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ml == nil {
		return -1
	}
	return m.ml.GetHealthScore()
}

// emit runs on memberlist's goroutines; it never blocks them.
func (m *Membership) emit(e base.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.evts <- e:
	default:
		logutil.Warnf(m.logger, "memberlist: dropping %s event for %s: channel full", e.Type, e.Member.ID)
	}
}

func memberInfo(n *memberlist.Node) base.MemberInfo {
	mi := base.MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))}
	if len(n.Meta) > 0 {
		meta := map[string]string{}
		if json.Unmarshal(n.Meta, &meta) == nil {
			mi.Meta = meta
		}
	}
	return mi
}

func splitHostPort(addr string) (string, int, error) {
	host, ps, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("memberlist: address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(ps)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("memberlist: address %q: invalid port", addr)
	}
	return host, port, nil
}

type eventDelegate struct {
	emit func(base.Event)
}

func (d *eventDelegate) notify(t base.EventType, n *memberlist.Node) {
	if n == nil {
		return
	}
	d.emit(base.Event{Type: t, Member: memberInfo(n), At: time.Now()})
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.notify(base.EventJoin, n) }
func (d *eventDelegate) NotifyLeave(n *memberlist.Node)  { d.notify(base.EventLeave, n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.notify(base.EventUpdate, n) }

// nodeDelegate gossips the static node metadata.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *nodeDelegate) NotifyMsg([]byte)                {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte { return nil }
func (d *nodeDelegate) LocalState(bool) []byte          { return nil }
func (d *nodeDelegate) MergeRemoteState([]byte, bool)   {}

var _ base.Membership = (*Membership)(nil)
var _ base.HealthReporter = (*Membership)(nil)
