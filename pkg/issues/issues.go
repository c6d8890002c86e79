// Package issues collects problem reports from independent detectors into
// one feed. Sources are polled on every read; the aggregator keeps nothing
// between calls.
package issues

import (
	"sync"

	obsmetrics "github.com/amirimatin/go-clusteradmin/pkg/observability/metrics"
)

// Severity of an Issue.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Kinds reported by the built-in sources.
const (
	KindMachineDown       = "machine-down"
	KindNameConflict      = "name-conflict"
	KindVClockConflict    = "vector-clock-conflict"
	KindPinningsMismatch  = "pinnings-shards-mismatch"
	KindPersistenceFailed = "persistence-failed"
)

// Issue is one detected problem. Sources build fresh values on every poll.
type Issue struct {
	Kind        string `json:"kind"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	// Subject locates the problem, e.g. machine/<id> or namespace/<id>/name.
	Subject string `json:"subject,omitempty"`
	// Reporter is the machine the issue came from when it was published by
	// another peer.
	Reporter string `json:"reporter,omitempty"`
}

// Source produces the current list of issues.
type Source interface {
	Issues() []Issue
}

// SourceFunc adapts a function to Source.
type SourceFunc func() []Issue

func (f SourceFunc) Issues() []Issue { return f() }

// Handle identifies one registration.
type Handle uint64

type registration struct {
	h   Handle
	src Source
}

// Aggregator holds borrowed references to sources. Registering a source does
// not tie its lifetime to the aggregator; owners unregister on teardown.
type Aggregator struct {
	machine string

	mu   sync.Mutex
	next Handle
	regs []registration

	pubMu     sync.Mutex
	published map[string]struct{}
}

// NewAggregator returns an empty aggregator whose issue counts are exported
// under the given machine label.
func NewAggregator(machine string) *Aggregator {
	return &Aggregator{machine: machine, published: make(map[string]struct{})}
}

// Register adds src to the polling set. The same source may be registered
// more than once; each registration reports separately.
func (a *Aggregator) Register(src Source) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	a.regs = append(a.regs, registration{h: a.next, src: src})
	return a.next
}

// Unregister removes a registration. Unknown handles are ignored.
func (a *Aggregator) Unregister(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, r := range a.regs {
		if r.h == h {
			a.regs = append(a.regs[:i:i], a.regs[i+1:]...)
			return
		}
	}
}

// Sources reports how many registrations are live.
func (a *Aggregator) Sources() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.regs)
}

// All polls every source in registration order and concatenates the results.
// Sources are polled outside the aggregator's lock.
func (a *Aggregator) All() []Issue {
	a.mu.Lock()
	regs := append([]registration(nil), a.regs...)
	a.mu.Unlock()

	var out []Issue
	for _, r := range regs {
		out = append(out, r.src.Issues()...)
	}
	byKind := make(map[string]int)
	for _, is := range out {
		byKind[is.Kind]++
	}
	a.publish(byKind)
	return out
}

// publish replaces this aggregator's series in the issues gauge. Series of
// other aggregators are left alone.
func (a *Aggregator) publish(byKind map[string]int) {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	for k := range a.published {
		if _, ok := byKind[k]; !ok {
			obsmetrics.Issues.DeleteLabelValues(a.machine, k)
			delete(a.published, k)
		}
	}
	for k, n := range byKind {
		obsmetrics.Issues.WithLabelValues(a.machine, k).Set(float64(n))
		a.published[k] = struct{}{}
	}
}

// Forget removes this aggregator's series from the issues gauge.
func (a *Aggregator) Forget() {
	a.publish(nil)
}

// Count is len(All()).
func (a *Aggregator) Count() int { return len(a.All()) }
