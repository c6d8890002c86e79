package semilattice

import (
	"sort"
	"strconv"
	"strings"
)

// VClock is a vector clock keyed by machine id. Missing keys count as zero
// and zero counters are not stored.
type VClock map[string]uint64

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Compare reports how v relates to o.
func (v VClock) Compare(o VClock) Ordering {
	less, greater := false, false
	for k, a := range v {
		b := o[k]
		if a < b {
			less = true
		} else if a > b {
			greater = true
		}
	}
	for k, b := range o {
		if _, seen := v[k]; seen {
			continue
		}
		if b > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Dominates reports whether v has seen everything o has.
func (v VClock) Dominates(o VClock) bool {
	c := v.Compare(o)
	return c == After || c == Equal
}

// Join returns the pointwise maximum of v and o.
func (v VClock) Join(o VClock) VClock {
	out := make(VClock, len(v)+len(o))
	for k, a := range v {
		if a > 0 {
			out[k] = a
		}
	}
	for k, b := range o {
		if b > out[k] {
			out[k] = b
		}
	}
	return out.normalize()
}

// Increment returns a copy of v with origin's counter advanced by one.
func (v VClock) Increment(origin string) VClock {
	out := v.Clone()
	if out == nil {
		out = make(VClock, 1)
	}
	out[origin]++
	return out
}

func (v VClock) Clone() VClock {
	if len(v) == 0 {
		return nil
	}
	out := make(VClock, len(v))
	for k, n := range v {
		out[k] = n
	}
	return out
}

func (v VClock) normalize() VClock {
	for k, n := range v {
		if n == 0 {
			delete(v, k)
		}
	}
	if len(v) == 0 {
		return nil
	}
	return v
}

// String renders the clock with sorted keys, e.g. "m1:2,m2:1".
func (v VClock) String() string {
	keys := make([]string, 0, len(v))
	for k, n := range v {
		if n > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(v[k], 10))
	}
	return b.String()
}
