// Package semilattice replicates a document whose merge is a join: an
// operation that is commutative, associative and idempotent. Every node
// holds a full copy, applies local changes to it, and sends the whole
// document to its peers whenever it changes. Receiving a copy joins it in.
// Repeated, reordered or duplicated deliveries all converge.
package semilattice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/amirimatin/go-clusteradmin/pkg/internal/logutil"
	"github.com/amirimatin/go-clusteradmin/pkg/mailbox"
	obsmetrics "github.com/amirimatin/go-clusteradmin/pkg/observability/metrics"
	"github.com/amirimatin/go-clusteradmin/pkg/observability/tracing"
	"github.com/amirimatin/go-clusteradmin/pkg/transport"
)

// ErrMalformedPayload marks a document from a peer that could not be decoded.
var ErrMalformedPayload = errors.New("semilattice: malformed payload")

// DefaultChannel is the mailbox channel the manager gossips on.
const DefaultChannel = "metadata"

// Lattice is a join-semilattice value. Join must not modify its operands.
type Lattice[T any] interface {
	Join(other T) T
	Clone() T
	Equal(other T) bool
}

// Persister stores the document between restarts.
type Persister[T any] interface {
	// Load returns the stored document; ok is false if none was stored.
	Load() (doc T, ok bool, err error)
	Save(doc T) error
}

// Options configures a Manager.
type Options[T any] struct {
	Channel   string
	Persister Persister[T]
	// OnPersistError is told about failed saves; the document stays in
	// memory and replication continues.
	OnPersistError func(error)
	Logger         *log.Logger
}

// Manager holds the local copy of a replicated document.
type Manager[T Lattice[T]] struct {
	ch     *mailbox.Channel
	opts   Options[T]
	logger *log.Logger
	warn   *rate.Limiter

	mu       sync.RWMutex
	value    T
	watchers map[chan struct{}]struct{}

	// save holds at most one pending request; the saver always writes the
	// latest document.
	save      chan struct{}
	stop      chan struct{}
	saverDone chan struct{}
	closeOnce sync.Once
}

// NewManager registers the manager's channel on mux. initial is the
// document before anything is loaded or received.
func NewManager[T Lattice[T]](mux *mailbox.Multiplexer, initial T, opts Options[T]) (*Manager[T], error) {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	lg := opts.Logger
	if lg == nil {
		lg = log.Default()
	}
	m := &Manager[T]{
		opts:     opts,
		logger:   lg,
		warn:     rate.NewLimiter(rate.Every(time.Second), 5),
		value:    initial.Clone(),
		watchers: make(map[chan struct{}]struct{}),
	}
	ch, err := mux.Register(opts.Channel, &handler[T]{m: m})
	if err != nil {
		return nil, err
	}
	m.ch = ch
	if opts.Persister != nil {
		m.save = make(chan struct{}, 1)
		m.stop = make(chan struct{})
		m.saverDone = make(chan struct{})
		go m.saver()
	}
	return m, nil
}

// Close stops the background saver after writing any pending change. The
// document stays readable and mergeable, but later changes are no longer
// saved. It is safe to call more than once.
func (m *Manager[T]) Close() {
	if m.stop == nil {
		return
	}
	m.closeOnce.Do(func() { close(m.stop) })
	<-m.saverDone
}

func (m *Manager[T]) saver() {
	defer close(m.saverDone)
	for {
		select {
		case <-m.save:
			m.persist()
		case <-m.stop:
			select {
			case <-m.save:
				m.persist()
			default:
			}
			return
		}
	}
}

func (m *Manager[T]) persist() {
	err := m.opts.Persister.Save(m.Get())
	if err != nil {
		logutil.Errorf(m.logger, "semilattice: persist %s: %v", m.opts.Channel, err)
	}
	if m.opts.OnPersistError != nil {
		m.opts.OnPersistError(err)
	}
}

// Load joins the persisted document, if any, into the local copy. Call it
// before the multiplexer starts.
func (m *Manager[T]) Load() error {
	if m.opts.Persister == nil {
		return nil
	}
	doc, ok, err := m.opts.Persister.Load()
	if err != nil {
		return fmt.Errorf("semilattice: load %s: %w", m.opts.Channel, err)
	}
	if !ok {
		return nil
	}
	m.mu.Lock()
	m.value = m.value.Join(doc)
	m.mu.Unlock()
	logutil.Infof(m.logger, "semilattice: loaded %s from disk", m.opts.Channel)
	return nil
}

// Get returns a copy of the current document.
func (m *Manager[T]) Get() T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.value.Clone()
}

// Apply runs mutator on a copy of the document and stores the join of the
// old document and the result, so a change can only add information. If
// mutator fails nothing changes. A change that adds nothing is not sent.
// mutator runs under the manager's lock and must not call back into it.
func (m *Manager[T]) Apply(ctx context.Context, mutator func(T) (T, error)) error {
	_, end := tracing.StartSpan(ctx, "semilattice.apply", "channel", m.opts.Channel)
	defer end()

	m.mu.Lock()
	next, err := mutator(m.value.Clone())
	if err != nil {
		m.mu.Unlock()
		return err
	}
	joined := m.value.Join(next)
	if joined.Equal(m.value) {
		m.mu.Unlock()
		return nil
	}
	m.value = joined
	payload, encErr := json.Marshal(joined)
	m.mu.Unlock()

	obsmetrics.MetadataLocalChanges.WithLabelValues(m.opts.Channel).Inc()
	m.changed()
	if encErr != nil {
		logutil.Errorf(m.logger, "semilattice: encode %s: %v", m.opts.Channel, encErr)
		return nil
	}
	m.broadcast(payload)
	return nil
}

// Merge joins a document received from elsewhere and reports whether the
// local copy changed. A change is gossiped to every connected peer.
func (m *Manager[T]) Merge(remote T) bool {
	m.mu.Lock()
	joined := m.value.Join(remote)
	if joined.Equal(m.value) {
		m.mu.Unlock()
		obsmetrics.MetadataMerges.WithLabelValues(m.opts.Channel, "false").Inc()
		return false
	}
	m.value = joined
	payload, err := json.Marshal(joined)
	m.mu.Unlock()

	obsmetrics.MetadataMerges.WithLabelValues(m.opts.Channel, "true").Inc()
	m.changed()
	if err != nil {
		logutil.Errorf(m.logger, "semilattice: encode %s: %v", m.opts.Channel, err)
		return true
	}
	m.broadcast(payload)
	return true
}

// Watch returns a channel that receives a value after the document
// changes. Notifications coalesce. The channel is closed when ctx is done.
func (m *Manager[T]) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		m.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (m *Manager[T]) changed() {
	if m.save != nil {
		select {
		case m.save <- struct{}{}:
		default:
		}
	}
	m.mu.RLock()
	for w := range m.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	m.mu.RUnlock()
}

func (m *Manager[T]) broadcast(payload []byte) {
	n := m.ch.Broadcast(payload)
	obsmetrics.MetadataBroadcasts.WithLabelValues(m.opts.Channel).Add(float64(n))
	logutil.Debugf(m.logger, "semilattice: sent %s (%d bytes) to %d peers", m.opts.Channel, len(payload), n)
}

func (m *Manager[T]) sendTo(peer transport.PeerID) {
	m.mu.RLock()
	payload, err := json.Marshal(m.value)
	m.mu.RUnlock()
	if err != nil {
		logutil.Errorf(m.logger, "semilattice: encode %s: %v", m.opts.Channel, err)
		return
	}
	if err := m.ch.Send(peer, payload); err != nil {
		logutil.Debugf(m.logger, "semilattice: send %s to %s: %v", m.opts.Channel, peer, err)
		return
	}
	obsmetrics.MetadataBroadcasts.WithLabelValues(m.opts.Channel).Inc()
}

func (m *Manager[T]) decode(payload []byte) (T, error) {
	var doc T
	if err := json.Unmarshal(payload, &doc); err != nil {
		return doc, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return doc, nil
}

type handler[T Lattice[T]] struct{ m *Manager[T] }

func (h *handler[T]) Receive(from transport.PeerID, payload []byte) {
	m := h.m
	_, end := tracing.StartSpan(context.Background(), "semilattice.merge",
		"channel", m.opts.Channel, "from", string(from), "bytes", strconv.Itoa(len(payload)))
	defer end()
	doc, err := m.decode(payload)
	if err != nil {
		obsmetrics.MalformedPayloads.WithLabelValues(m.opts.Channel).Inc()
		if m.warn.Allow() {
			logutil.Warnf(m.logger, "semilattice: %s from %s dropped: %v", m.opts.Channel, from, err)
		}
		return
	}
	m.Merge(doc)
}

// PeerUp sends the whole document to a newly connected peer.
func (h *handler[T]) PeerUp(peer transport.PeerID) { h.m.sendTo(peer) }

func (h *handler[T]) PeerDown(transport.PeerID) {}
