// Package metadata defines the cluster configuration document: machines,
// datacenters and namespaces. Every mutable field is a semilattice.Register
// and records are removed by tombstone only, so the whole document is a
// join-semilattice and can be replicated by semilattice.Manager.
package metadata

import (
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/amirimatin/go-clusteradmin/pkg/semilattice"
)

var (
	ErrNotFound = errors.New("metadata: not found")
	ErrRemoved  = errors.New("metadata: record removed")
	ErrInvalid  = errors.New("metadata: invalid argument")
)

// ID identifies a record. Machine ids double as vector clock origins.
type ID string

// NewID returns a fresh random record id.
func NewID() ID { return ID(uuid.NewString()) }

// ShardID names one shard of a namespace.
type ShardID string

// Protocols a namespace can serve.
const (
	ProtocolMemcached = "memcached"
	ProtocolDummy     = "dummy"
)

type Machine struct {
	Removed    bool                         `json:"removed,omitempty"`
	Name       semilattice.Register[string] `json:"name"`
	Datacenter semilattice.Register[ID]     `json:"datacenter"`
}

type Datacenter struct {
	Removed bool                         `json:"removed,omitempty"`
	Name    semilattice.Register[string] `json:"name"`
}

type Namespace struct {
	Removed           bool                         `json:"removed,omitempty"`
	Protocol          semilattice.Register[string] `json:"protocol"`
	Name              semilattice.Register[string] `json:"name"`
	PrimaryDatacenter semilattice.Register[ID]     `json:"primaryDatacenter"`
	Port              semilattice.Register[int]    `json:"port"`
	// Replicas is the replica count per datacenter.
	Replicas map[ID]semilattice.Register[int] `json:"replicas,omitempty"`
	// Pinnings maps a shard to the machine it must live on. An empty
	// machine id means unpinned.
	Pinnings map[ShardID]semilattice.Register[ID] `json:"pinnings,omitempty"`
}

// Cluster is the whole replicated document.
type Cluster struct {
	Machines    map[ID]Machine    `json:"machines,omitempty"`
	Datacenters map[ID]Datacenter `json:"datacenters,omitempty"`
	Namespaces  map[ID]Namespace  `json:"namespaces,omitempty"`
}

func (m Machine) join(o Machine) Machine {
	return Machine{
		Removed:    m.Removed || o.Removed,
		Name:       m.Name.Join(o.Name),
		Datacenter: m.Datacenter.Join(o.Datacenter),
	}
}

func (m Machine) equal(o Machine) bool {
	return m.Removed == o.Removed && m.Name.Equal(o.Name) && m.Datacenter.Equal(o.Datacenter)
}

func (d Datacenter) join(o Datacenter) Datacenter {
	return Datacenter{Removed: d.Removed || o.Removed, Name: d.Name.Join(o.Name)}
}

func (d Datacenter) equal(o Datacenter) bool {
	return d.Removed == o.Removed && d.Name.Equal(o.Name)
}

func (n Namespace) join(o Namespace) Namespace {
	return Namespace{
		Removed:           n.Removed || o.Removed,
		Protocol:          n.Protocol.Join(o.Protocol),
		Name:              n.Name.Join(o.Name),
		PrimaryDatacenter: n.PrimaryDatacenter.Join(o.PrimaryDatacenter),
		Port:              n.Port.Join(o.Port),
		Replicas:          joinRegisters(n.Replicas, o.Replicas),
		Pinnings:          joinRegisters(n.Pinnings, o.Pinnings),
	}
}

func (n Namespace) equal(o Namespace) bool {
	return n.Removed == o.Removed &&
		n.Protocol.Equal(o.Protocol) &&
		n.Name.Equal(o.Name) &&
		n.PrimaryDatacenter.Equal(o.PrimaryDatacenter) &&
		n.Port.Equal(o.Port) &&
		equalRegisters(n.Replicas, o.Replicas) &&
		equalRegisters(n.Pinnings, o.Pinnings)
}

func (n Namespace) clone() Namespace {
	n.Protocol = n.Protocol.Clone()
	n.Name = n.Name.Clone()
	n.PrimaryDatacenter = n.PrimaryDatacenter.Clone()
	n.Port = n.Port.Clone()
	n.Replicas = cloneRegisters(n.Replicas)
	n.Pinnings = cloneRegisters(n.Pinnings)
	return n
}

func joinRegisters[K comparable, V comparable](a, b map[K]semilattice.Register[V]) map[K]semilattice.Register[V] {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[K]semilattice.Register[V], len(a)+len(b))
	for k, r := range a {
		out[k] = r.Join(b[k])
	}
	for k, r := range b {
		if _, done := out[k]; !done {
			out[k] = r.Normalize()
		}
	}
	return out
}

func equalRegisters[K comparable, V comparable](a, b map[K]semilattice.Register[V]) bool {
	if len(a) != len(b) {
		return false
	}
	for k, r := range a {
		o, ok := b[k]
		if !ok || !r.Equal(o) {
			return false
		}
	}
	return true
}

func cloneRegisters[K comparable, V comparable](a map[K]semilattice.Register[V]) map[K]semilattice.Register[V] {
	if len(a) == 0 {
		return nil
	}
	out := make(map[K]semilattice.Register[V], len(a))
	for k, r := range a {
		out[k] = r.Clone()
	}
	return out
}

// joinRecords merges two record maps key-wise with join; keys present on
// one side only are normalized by joining with the zero record.
func joinRecords[R any](a, b map[ID]R, join func(R, R) R) map[ID]R {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[ID]R, len(a)+len(b))
	for k, r := range a {
		if o, ok := b[k]; ok {
			out[k] = join(r, o)
		} else {
			var zero R
			out[k] = join(r, zero)
		}
	}
	for k, r := range b {
		if _, done := out[k]; !done {
			var zero R
			out[k] = join(r, zero)
		}
	}
	return out
}

func equalRecords[R any](a, b map[ID]R, eq func(R, R) bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k, r := range a {
		o, ok := b[k]
		if !ok || !eq(r, o) {
			return false
		}
	}
	return true
}

// Join merges two documents field by field.
func (c Cluster) Join(o Cluster) Cluster {
	return Cluster{
		Machines:    joinRecords(c.Machines, o.Machines, Machine.join),
		Datacenters: joinRecords(c.Datacenters, o.Datacenters, Datacenter.join),
		Namespaces:  joinRecords(c.Namespaces, o.Namespaces, Namespace.join),
	}
}

func (c Cluster) Equal(o Cluster) bool {
	return equalRecords(c.Machines, o.Machines, Machine.equal) &&
		equalRecords(c.Datacenters, o.Datacenters, Datacenter.equal) &&
		equalRecords(c.Namespaces, o.Namespaces, Namespace.equal)
}

func (c Cluster) Clone() Cluster {
	var out Cluster
	if len(c.Machines) > 0 {
		out.Machines = make(map[ID]Machine, len(c.Machines))
		for id, m := range c.Machines {
			out.Machines[id] = Machine{Removed: m.Removed, Name: m.Name.Clone(), Datacenter: m.Datacenter.Clone()}
		}
	}
	if len(c.Datacenters) > 0 {
		out.Datacenters = make(map[ID]Datacenter, len(c.Datacenters))
		for id, d := range c.Datacenters {
			out.Datacenters[id] = Datacenter{Removed: d.Removed, Name: d.Name.Clone()}
		}
	}
	if len(c.Namespaces) > 0 {
		out.Namespaces = make(map[ID]Namespace, len(c.Namespaces))
		for id, n := range c.Namespaces {
			out.Namespaces[id] = n.clone()
		}
	}
	return out
}

// LiveMachines returns the ids of machines that are not removed, sorted.
func (c Cluster) LiveMachines() []ID {
	var out []ID
	for id, m := range c.Machines {
		if !m.Removed {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out
}

// MachineByName finds a live machine by name. With several matches the
// smallest id wins.
func (c Cluster) MachineByName(name string) (ID, bool) {
	return byName(c.Machines, name, func(m Machine) (semilattice.Register[string], bool) { return m.Name, m.Removed })
}

func (c Cluster) DatacenterByName(name string) (ID, bool) {
	return byName(c.Datacenters, name, func(d Datacenter) (semilattice.Register[string], bool) { return d.Name, d.Removed })
}

func (c Cluster) NamespaceByName(name string) (ID, bool) {
	return byName(c.Namespaces, name, func(n Namespace) (semilattice.Register[string], bool) { return n.Name, n.Removed })
}

func byName[R any](records map[ID]R, name string, get func(R) (semilattice.Register[string], bool)) (ID, bool) {
	var hits []ID
	for id, r := range records {
		n, removed := get(r)
		if removed {
			continue
		}
		for _, v := range n.Values() {
			if v == name {
				hits = append(hits, id)
				break
			}
		}
	}
	if len(hits) == 0 {
		return "", false
	}
	sortIDs(hits)
	return hits[0], true
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
