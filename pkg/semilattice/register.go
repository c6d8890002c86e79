package semilattice

import (
	"fmt"
	"sort"
)

// Versioned is one value of a Register with the clock it was written at.
type Versioned[T comparable] struct {
	Clock VClock `json:"clock,omitempty"`
	Value T      `json:"value"`
}

// Register is a multi-value register. It holds the values whose clocks no
// other held value dominates: one value normally, several after concurrent
// writes. Join keeps the maximal elements of both sides, so it is
// commutative, associative and idempotent.
type Register[T comparable] struct {
	Versions []Versioned[T] `json:"versions,omitempty"`
}

// NewRegister returns a register holding v as origin's first write.
func NewRegister[T comparable](origin string, v T) Register[T] {
	return Register[T]{}.Write(origin, v)
}

// Write returns a register holding only v, with a clock that dominates every
// value r holds. This is how a conflict is resolved.
func (r Register[T]) Write(origin string, v T) Register[T] {
	var clock VClock
	for _, e := range r.Versions {
		clock = clock.Join(e.Clock)
	}
	return Register[T]{Versions: []Versioned[T]{{Clock: clock.Increment(origin), Value: v}}}
}

func (r Register[T]) Join(o Register[T]) Register[T] {
	all := make([]Versioned[T], 0, len(r.Versions)+len(o.Versions))
	all = append(all, r.Versions...)
	all = append(all, o.Versions...)

	var keep []Versioned[T]
	for i, e := range all {
		dominated := false
		for j, f := range all {
			if i == j {
				continue
			}
			if e.Clock.Compare(f.Clock) == Before {
				dominated = true
				break
			}
		}
		if dominated {
			continue
		}
		dup := false
		for _, k := range keep {
			if k.Value == e.Value && k.Clock.Compare(e.Clock) == Equal {
				dup = true
				break
			}
		}
		if !dup {
			keep = append(keep, Versioned[T]{Clock: e.Clock.Clone(), Value: e.Value})
		}
	}
	sortVersions(keep)
	return Register[T]{Versions: keep}
}

func sortVersions[T comparable](vs []Versioned[T]) {
	sort.Slice(vs, func(i, j int) bool {
		ci, cj := vs[i].Clock.String(), vs[j].Clock.String()
		if ci != cj {
			return ci < cj
		}
		return fmt.Sprint(vs[i].Value) < fmt.Sprint(vs[j].Value)
	})
}

// Value returns a deterministic pick among the held values: the same on
// every node holding the same register. The zero value if empty.
func (r Register[T]) Value() T {
	var zero T
	if len(r.Versions) == 0 {
		return zero
	}
	best := r.Versions[0].Value
	for _, e := range r.Versions[1:] {
		if fmt.Sprint(e.Value) < fmt.Sprint(best) {
			best = e.Value
		}
	}
	return best
}

// Values returns every distinct held value in canonical order.
func (r Register[T]) Values() []T {
	out := make([]T, 0, len(r.Versions))
	seen := make(map[T]bool, len(r.Versions))
	for _, e := range r.Versions {
		if !seen[e.Value] {
			seen[e.Value] = true
			out = append(out, e.Value)
		}
	}
	return out
}

// InConflict reports whether concurrent writes left more than one distinct
// value. Concurrent writes of the same value agree and are not a conflict.
func (r Register[T]) InConflict() bool { return len(r.Values()) > 1 }

// IsZero reports whether the register was never written.
func (r Register[T]) IsZero() bool { return len(r.Versions) == 0 }

func (r Register[T]) Clone() Register[T] {
	if len(r.Versions) == 0 {
		return Register[T]{}
	}
	out := make([]Versioned[T], len(r.Versions))
	for i, e := range r.Versions {
		out[i] = Versioned[T]{Clock: e.Clock.Clone(), Value: e.Value}
	}
	return Register[T]{Versions: out}
}

func (r Register[T]) Equal(o Register[T]) bool {
	if len(r.Versions) != len(o.Versions) {
		return false
	}
	for i := range r.Versions {
		if r.Versions[i].Value != o.Versions[i].Value || r.Versions[i].Clock.Compare(o.Versions[i].Clock) != Equal {
			return false
		}
	}
	return true
}

// Normalize returns r with versions deduplicated and sorted, as Join would
// produce. Decoded registers from peers are normalized before use.
func (r Register[T]) Normalize() Register[T] {
	return r.Join(Register[T]{})
}
