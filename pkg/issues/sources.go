package issues

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amirimatin/go-clusteradmin/pkg/directory"
	"github.com/amirimatin/go-clusteradmin/pkg/metadata"
	"github.com/amirimatin/go-clusteradmin/pkg/transport"
)

// Document is the read side of the metadata manager.
type Document interface {
	Get() metadata.Cluster
}

// Directory is the read side of the directory service.
type Directory interface {
	Self() transport.PeerID
	Local() directory.Entry
	Entries() []directory.Entry
	Departed(machine string) (time.Time, bool)
}

// MachineDown reports live machines of the document that no connected peer
// claims, once they have been missing for longer than the grace interval.
type MachineDown struct {
	meta  Document
	dir   Directory
	grace time.Duration
	now   func() time.Time
	start time.Time
}

// NewMachineDown builds the source. A machine that was never seen counts as
// missing from the moment the source is created. now defaults to time.Now.
func NewMachineDown(meta Document, dir Directory, grace time.Duration, now func() time.Time) *MachineDown {
	if now == nil {
		now = time.Now
	}
	return &MachineDown{meta: meta, dir: dir, grace: grace, now: now, start: now()}
}

func (s *MachineDown) Issues() []Issue {
	doc := s.meta.Get()
	present := make(map[string]bool)
	for _, e := range s.dir.Entries() {
		if e.Machine != "" {
			present[e.Machine] = true
		}
	}
	self := s.dir.Local().Machine
	now := s.now()
	var out []Issue
	for _, id := range doc.LiveMachines() {
		if string(id) == self || present[string(id)] {
			continue
		}
		since, ok := s.dir.Departed(string(id))
		if !ok || since.Before(s.start) {
			since = s.start
		}
		gone := now.Sub(since)
		if gone < s.grace {
			continue
		}
		out = append(out, Issue{
			Kind:        KindMachineDown,
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("machine %q (%s) has not been reachable for %s", doc.Machines[id].Name.Value(), id, gone.Round(time.Second)),
			Subject:     metadata.KindMachine + "/" + string(id),
		})
	}
	return out
}

// NameConflict reports names shared by two or more live records of the same
// kind. A record whose name is itself in conflict answers to every value.
type NameConflict struct{ meta Document }

func NewNameConflict(meta Document) *NameConflict { return &NameConflict{meta: meta} }

func (s *NameConflict) Issues() []Issue {
	doc := s.meta.Get()
	var out []Issue
	names := make(map[string][]metadata.ID)
	for id, m := range doc.Machines {
		if !m.Removed {
			addNames(names, id, m.Name.Values())
		}
	}
	out = appendCollisions(out, metadata.KindMachine, names)

	names = make(map[string][]metadata.ID)
	for id, d := range doc.Datacenters {
		if !d.Removed {
			addNames(names, id, d.Name.Values())
		}
	}
	out = appendCollisions(out, metadata.KindDatacenter, names)

	names = make(map[string][]metadata.ID)
	for id, n := range doc.Namespaces {
		if !n.Removed {
			addNames(names, id, n.Name.Values())
		}
	}
	return appendCollisions(out, metadata.KindNamespace, names)
}

func addNames(names map[string][]metadata.ID, id metadata.ID, values []string) {
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			names[v] = append(names[v], id)
		}
	}
}

func appendCollisions(out []Issue, kind string, names map[string][]metadata.ID) []Issue {
	keys := make([]string, 0, len(names))
	for name, ids := range names {
		if len(ids) > 1 {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	for _, name := range keys {
		ids := names[name]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		strs := make([]string, len(ids))
		for i, id := range ids {
			strs[i] = string(id)
		}
		out = append(out, Issue{
			Kind:        KindNameConflict,
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("%d %ss are named %q: %s", len(ids), kind, name, strings.Join(strs, ", ")),
			Subject:     kind + "/name/" + name,
		})
	}
	return out
}

// VectorClockConflict reports every field holding concurrently written
// values. The report goes away once a write dominates all of them.
type VectorClockConflict struct{ meta Document }

func NewVectorClockConflict(meta Document) *VectorClockConflict {
	return &VectorClockConflict{meta: meta}
}

func (s *VectorClockConflict) Issues() []Issue {
	conflicts := s.meta.Get().Conflicts()
	out := make([]Issue, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, Issue{
			Kind:        KindVClockConflict,
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("%s %s has conflicting values for %s: %s", c.Kind, c.ID, c.Field, strings.Join(c.Values, ", ")),
			Subject:     c.Subject(),
		})
	}
	return out
}

// PinningsMismatch reports shards of live namespaces pinned to a machine
// that is unknown or removed. Unpinned shards are fine.
type PinningsMismatch struct{ meta Document }

func NewPinningsMismatch(meta Document) *PinningsMismatch { return &PinningsMismatch{meta: meta} }

func (s *PinningsMismatch) Issues() []Issue {
	doc := s.meta.Get()
	nsIDs := make([]metadata.ID, 0, len(doc.Namespaces))
	for id, n := range doc.Namespaces {
		if !n.Removed {
			nsIDs = append(nsIDs, id)
		}
	}
	sort.Slice(nsIDs, func(i, j int) bool { return nsIDs[i] < nsIDs[j] })

	var out []Issue
	for _, nsID := range nsIDs {
		ns := doc.Namespaces[nsID]
		shards := make([]metadata.ShardID, 0, len(ns.Pinnings))
		for shard := range ns.Pinnings {
			shards = append(shards, shard)
		}
		sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })
		for _, shard := range shards {
			var bad []string
			for _, target := range ns.Pinnings[shard].Values() {
				if target == "" {
					continue
				}
				m, ok := doc.Machines[target]
				switch {
				case !ok:
					bad = append(bad, fmt.Sprintf("%s (unknown)", target))
				case m.Removed:
					bad = append(bad, fmt.Sprintf("%s (removed)", target))
				}
			}
			if len(bad) == 0 {
				continue
			}
			out = append(out, Issue{
				Kind:     KindPinningsMismatch,
				Severity: SeverityCritical,
				Description: fmt.Sprintf("shard %s of namespace %q is pinned to %s",
					shard, ns.Name.Value(), strings.Join(bad, ", ")),
				Subject: metadata.KindNamespace + "/" + string(nsID) + "/pinnings/" + string(shard),
			})
		}
	}
	return out
}

// Remote reports the issues other peers publish in their directory entries.
type Remote struct{ dir Directory }

func NewRemote(dir Directory) *Remote { return &Remote{dir: dir} }

func (s *Remote) Issues() []Issue {
	self := s.dir.Self()
	var out []Issue
	for _, e := range s.dir.Entries() {
		if e.Peer == self {
			continue
		}
		for _, is := range e.Issues {
			out = append(out, Issue{
				Kind:        is.Kind,
				Severity:    is.Severity,
				Description: is.Description,
				Subject:     is.Subject,
				Reporter:    e.Machine,
			})
		}
	}
	return out
}

// Publisher is the write side of the directory service.
type Publisher interface {
	Update(fn func(*directory.Entry))
}

// LocalTracker holds problems this node found about itself and publishes
// them in its directory entry so that every peer sees them.
type LocalTracker struct {
	pub Publisher

	mu     sync.Mutex
	issues map[string]Issue
}

// NewLocalTracker returns a tracker. pub may be nil, in which case issues
// are only reported locally.
func NewLocalTracker(pub Publisher) *LocalTracker {
	return &LocalTracker{pub: pub, issues: make(map[string]Issue)}
}

func trackerKey(kind, subject string) string { return kind + "\x00" + subject }

// Set records is, replacing any issue with the same kind and subject.
func (t *LocalTracker) Set(is Issue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := trackerKey(is.Kind, is.Subject)
	if cur, ok := t.issues[k]; ok && cur == is {
		return
	}
	t.issues[k] = is
	t.publish()
}

// Clear drops the issue with kind and subject, if any.
func (t *LocalTracker) Clear(kind, subject string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := trackerKey(kind, subject)
	if _, ok := t.issues[k]; !ok {
		return
	}
	delete(t.issues, k)
	t.publish()
}

func (t *LocalTracker) Issues() []Issue {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sorted()
}

func (t *LocalTracker) sorted() []Issue {
	out := make([]Issue, 0, len(t.issues))
	for _, is := range t.issues {
		out = append(out, is)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Subject < out[j].Subject
	})
	return out
}

// publish runs under t.mu so entries reach the directory in order.
func (t *LocalTracker) publish() {
	if t.pub == nil {
		return
	}
	cur := t.sorted()
	var published []directory.Issue
	for _, is := range cur {
		published = append(published, directory.Issue{
			Kind:        is.Kind,
			Severity:    is.Severity,
			Description: is.Description,
			Subject:     is.Subject,
		})
	}
	t.pub.Update(func(e *directory.Entry) { e.Issues = published })
}
