package metadata

import (
	"fmt"
	"sort"

	"github.com/amirimatin/go-clusteradmin/pkg/semilattice"
)

// Record kinds as they appear in conflicts and issues.
const (
	KindMachine    = "machine"
	KindDatacenter = "datacenter"
	KindNamespace  = "namespace"
)

// Conflict is one field holding more than one concurrently written value.
type Conflict struct {
	Kind   string   `json:"kind"`
	ID     ID       `json:"id"`
	Field  string   `json:"field"`
	Values []string `json:"values"`
}

// Subject renders the conflict location as kind/id/field.
func (c Conflict) Subject() string { return c.Kind + "/" + string(c.ID) + "/" + c.Field }

// Conflicts lists every conflicted field of a live record, ordered by kind,
// id and field. Removed records are skipped.
func (c Cluster) Conflicts() []Conflict {
	var out []Conflict
	for id, m := range c.Machines {
		if m.Removed {
			continue
		}
		out = addConflict(out, KindMachine, id, "name", m.Name)
		out = addConflict(out, KindMachine, id, "datacenter", m.Datacenter)
	}
	for id, d := range c.Datacenters {
		if d.Removed {
			continue
		}
		out = addConflict(out, KindDatacenter, id, "name", d.Name)
	}
	for id, n := range c.Namespaces {
		if n.Removed {
			continue
		}
		out = addConflict(out, KindNamespace, id, "protocol", n.Protocol)
		out = addConflict(out, KindNamespace, id, "name", n.Name)
		out = addConflict(out, KindNamespace, id, "primary_datacenter", n.PrimaryDatacenter)
		out = addConflict(out, KindNamespace, id, "port", n.Port)
		for dc, r := range n.Replicas {
			out = addConflict(out, KindNamespace, id, "replicas/"+string(dc), r)
		}
		for shard, r := range n.Pinnings {
			out = addConflict(out, KindNamespace, id, "pinnings/"+string(shard), r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Field < out[j].Field
	})
	return out
}

func addConflict[T comparable](out []Conflict, kind string, id ID, field string, r semilattice.Register[T]) []Conflict {
	if !r.InConflict() {
		return out
	}
	vals := make([]string, 0, len(r.Versions))
	for _, v := range r.Values() {
		vals = append(vals, fmt.Sprint(v))
	}
	return append(out, Conflict{Kind: kind, ID: id, Field: field, Values: vals})
}
