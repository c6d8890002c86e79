// Package directory keeps a view of what every connected peer says about
// itself. Each peer is the only writer of its own entry; readers overwrite
// whatever they held with the latest entry received and forget it when the
// peer disconnects.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/amirimatin/go-clusteradmin/pkg/internal/logutil"
	"github.com/amirimatin/go-clusteradmin/pkg/mailbox"
	obsmetrics "github.com/amirimatin/go-clusteradmin/pkg/observability/metrics"
	"github.com/amirimatin/go-clusteradmin/pkg/transport"
)

// DefaultChannel is the mailbox channel the directory talks on.
const DefaultChannel = "directory"

// Issue is a problem a peer reports about itself.
type Issue struct {
	Kind        string `json:"kind"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Subject     string `json:"subject,omitempty"`
}

// Entry is one peer's self-description.
type Entry struct {
	Peer       transport.PeerID `json:"peer"`
	Machine    string           `json:"machine"`
	Datacenter string           `json:"datacenter,omitempty"`
	Roles      []string         `json:"roles,omitempty"`
	Addr       string           `json:"addr,omitempty"`
	AdminAddr  string           `json:"adminAddr,omitempty"`
	Issues     []Issue          `json:"issues,omitempty"`
	Seq        uint64           `json:"seq"`
	Updated    time.Time        `json:"updated"`
}

func (e Entry) clone() Entry {
	e.Roles = append([]string(nil), e.Roles...)
	e.Issues = append([]Issue(nil), e.Issues...)
	if len(e.Roles) == 0 {
		e.Roles = nil
	}
	if len(e.Issues) == 0 {
		e.Issues = nil
	}
	return e
}

// Options configures a Service.
type Options struct {
	Channel string
	// Refresh is the period of the unconditional rebroadcast of the local
	// entry. Zero means 5s.
	Refresh time.Duration
	Logger  *log.Logger
	Now     func() time.Time
}

func (o *Options) Validate() error {
	if o.Refresh < 0 {
		return errors.New("directory: negative refresh interval")
	}
	return nil
}

// Service is both the write side for the local entry and the read side for
// everyone else's.
type Service struct {
	ch     *mailbox.Channel
	self   transport.PeerID
	opts   Options
	logger *log.Logger
	warn   *rate.Limiter

	mu        sync.RWMutex
	local     Entry
	entries   map[transport.PeerID]Entry
	pending   map[transport.PeerID]Entry
	connected map[transport.PeerID]bool
	departed  map[string]time.Time
	watchers  map[chan struct{}]struct{}

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New registers the directory channel on mux. local is the initial entry
// for this peer; its Peer field is forced to mux.Self().
func New(mux *mailbox.Multiplexer, local Entry, opts Options) (*Service, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.Refresh == 0 {
		opts.Refresh = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	lg := opts.Logger
	if lg == nil {
		lg = log.Default()
	}
	s := &Service{
		self:      mux.Self(),
		opts:      opts,
		logger:    lg,
		warn:      rate.NewLimiter(rate.Every(time.Second), 5),
		entries:   make(map[transport.PeerID]Entry),
		pending:   make(map[transport.PeerID]Entry),
		connected: make(map[transport.PeerID]bool),
		departed:  make(map[string]time.Time),
		watchers:  make(map[chan struct{}]struct{}),
		stop:      make(chan struct{}),
	}
	local = local.clone()
	local.Peer = s.self
	local.Updated = opts.Now()
	s.local = local
	ch, err := mux.Register(opts.Channel, &handler{s: s})
	if err != nil {
		return nil, err
	}
	s.ch = ch
	return s, nil
}

// Start begins the periodic rebroadcast. It returns immediately.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.Refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.broadcast()
			}
		}
	}()
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Self returns the local peer id.
func (s *Service) Self() transport.PeerID { return s.self }

// Local returns a copy of the local entry.
func (s *Service) Local() Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local.clone()
}

// Set replaces the local entry and broadcasts it.
func (s *Service) Set(e Entry) {
	s.Update(func(cur *Entry) {
		seq := cur.Seq
		*cur = e.clone()
		cur.Seq = seq
	})
}

// Update applies fn to the local entry, bumps its sequence and broadcasts
// the result.
func (s *Service) Update(fn func(*Entry)) {
	s.mu.Lock()
	e := s.local.clone()
	fn(&e)
	e.Peer = s.self
	e.Seq = s.local.Seq + 1
	e.Updated = s.opts.Now()
	s.local = e
	s.mu.Unlock()
	s.notify()
	s.broadcast()
}

// View returns every known entry, the local one included, keyed by peer.
func (s *Service) View() map[transport.PeerID]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[transport.PeerID]Entry, len(s.entries)+1)
	for id, e := range s.entries {
		out[id] = e.clone()
	}
	out[s.self] = s.local.clone()
	return out
}

// Entries returns View sorted by peer id.
func (s *Service) Entries() []Entry {
	view := s.View()
	out := make([]Entry, 0, len(view))
	for _, e := range view {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Get returns the entry for peer.
func (s *Service) Get(peer transport.PeerID) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if peer == s.self {
		return s.local.clone(), true
	}
	e, ok := s.entries[peer]
	return e.clone(), ok
}

// Departed reports when the last entry naming machine was removed. It is
// false while the machine is present or if it was never seen.
func (s *Service) Departed(machine string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.departed[machine]
	return at, ok
}

// Watch returns a channel that receives a value after the view changes.
// Notifications coalesce. The channel is closed when ctx is done.
func (s *Service) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (s *Service) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	obsmetrics.DirectoryEntries.Set(float64(len(s.entries) + 1))
}

func (s *Service) encodeLocal() ([]byte, error) {
	s.mu.RLock()
	e := s.local
	s.mu.RUnlock()
	return json.Marshal(e)
}

func (s *Service) broadcast() {
	b, err := s.encodeLocal()
	if err != nil {
		logutil.Errorf(s.logger, "directory: encode local entry: %v", err)
		return
	}
	s.ch.Broadcast(b)
}

func (s *Service) sendTo(peer transport.PeerID) {
	b, err := s.encodeLocal()
	if err != nil {
		logutil.Errorf(s.logger, "directory: encode local entry: %v", err)
		return
	}
	if err := s.ch.Send(peer, b); err != nil {
		logutil.Debugf(s.logger, "directory: send to %s: %v", peer, err)
	}
}

// handler keeps the mailbox callbacks off the Service's exported API.
type handler struct{ s *Service }

func (h *handler) Receive(from transport.PeerID, payload []byte) {
	s := h.s
	var e Entry
	if err := json.Unmarshal(payload, &e); err != nil || e.Peer != from {
		if err == nil {
			err = fmt.Errorf("entry for %s sent by %s", e.Peer, from)
		}
		obsmetrics.MalformedPayloads.WithLabelValues(s.opts.Channel).Inc()
		if s.warn.Allow() {
			logutil.Warnf(s.logger, "directory: malformed entry from %s: %v", from, err)
		}
		return
	}
	e = e.clone()
	s.mu.Lock()
	if !s.connected[from] {
		// Entries can race ahead of the peer-up event; hold them until then.
		s.pending[from] = e
		s.mu.Unlock()
		return
	}
	s.entries[from] = e
	delete(s.departed, e.Machine)
	s.mu.Unlock()
	obsmetrics.DirectoryUpdates.Inc()
	s.notify()
}

func (h *handler) PeerUp(peer transport.PeerID) {
	s := h.s
	s.mu.Lock()
	s.connected[peer] = true
	e, ok := s.pending[peer]
	delete(s.pending, peer)
	if ok {
		s.entries[peer] = e
		delete(s.departed, e.Machine)
	}
	s.mu.Unlock()
	if ok {
		obsmetrics.DirectoryUpdates.Inc()
		s.notify()
	}
	s.sendTo(peer)
}

func (h *handler) PeerDown(peer transport.PeerID) {
	s := h.s
	s.mu.Lock()
	delete(s.connected, peer)
	delete(s.pending, peer)
	e, ok := s.entries[peer]
	delete(s.entries, peer)
	if ok && e.Machine != "" && e.Machine != s.local.Machine {
		stillThere := false
		for _, other := range s.entries {
			if other.Machine == e.Machine {
				stillThere = true
				break
			}
		}
		if !stillThere {
			s.departed[e.Machine] = s.opts.Now()
		}
	}
	s.mu.Unlock()
	if ok {
		logutil.Debugf(s.logger, "directory: removed entry of %s (machine %s)", peer, e.Machine)
		s.notify()
	}
}
