package semilattice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVClockCompare(t *testing.T) {
	a := VClock{"m1": 1}
	b := VClock{"m1": 2}
	c := VClock{"m2": 1}
	assert.Equal(t, Before, a.Compare(b))
	assert.Equal(t, After, b.Compare(a))
	assert.Equal(t, Concurrent, a.Compare(c))
	assert.Equal(t, Equal, a.Compare(VClock{"m1": 1, "m9": 0}))
	assert.Equal(t, Equal, VClock(nil).Compare(VClock{}))
	assert.True(t, b.Dominates(a))
	assert.False(t, a.Dominates(c))

	j := a.Join(c)
	assert.True(t, j.Dominates(a))
	assert.True(t, j.Dominates(c))
	assert.Equal(t, "m1:1,m2:1", j.String())
	assert.Equal(t, "m1:1,m2:2", j.Increment("m2").String())
	assert.Equal(t, "m1:1,m2:1", j.String(), "Increment must not modify its receiver")
}

// samples returns registers covering empty, single, dominated and
// concurrent shapes.
func samples() []Register[string] {
	r0 := Register[string]{}
	r1 := NewRegister("m1", "alpha")
	r2 := r1.Write("m1", "beta")
	r3 := r1.Write("m2", "gamma")
	r4 := r2.Join(r3)
	r5 := r4.Write("m3", "delta")
	return []Register[string]{r0, r1, r2, r3, r4, r5}
}

func TestRegisterJoinLaws(t *testing.T) {
	rs := samples()
	for i, a := range rs {
		require.True(t, a.Join(a).Equal(a.Normalize()), "idempotent %d", i)
		for j, b := range rs {
			ab, ba := a.Join(b), b.Join(a)
			require.True(t, ab.Equal(ba), "commutative %d,%d: %v vs %v", i, j, ab, ba)
			for k, c := range rs {
				l := a.Join(b).Join(c)
				r := a.Join(b.Join(c))
				require.True(t, l.Equal(r), "associative %d,%d,%d", i, j, k)
			}
		}
	}
}

func TestRegisterJoinIsMonotonic(t *testing.T) {
	rs := samples()
	for _, a := range rs {
		for _, b := range rs {
			j := a.Join(b)
			// Every version of a is either kept or dominated by a kept one.
			for _, v := range a.Versions {
				covered := false
				for _, w := range j.Versions {
					if w.Clock.Dominates(v.Clock) {
						covered = true
						break
					}
				}
				require.True(t, covered)
			}
		}
	}
}

func TestConcurrentWritesConflict(t *testing.T) {
	base := NewRegister("m1", "x")
	left := base.Write("m1", "y")
	right := base.Write("m2", "z")
	merged := left.Join(right)
	assert.True(t, merged.InConflict())
	assert.ElementsMatch(t, []string{"y", "z"}, merged.Values())
	assert.Equal(t, merged.Value(), right.Join(left).Value())

	resolved := merged.Write("m3", "w")
	assert.False(t, resolved.InConflict())
	assert.Equal(t, "w", resolved.Value())
	assert.True(t, resolved.Join(left).Equal(resolved))
	assert.True(t, resolved.Join(right).Equal(resolved))
}

func TestConcurrentWritesOfOneValueAgree(t *testing.T) {
	merged := NewRegister("m1", "same").Join(NewRegister("m2", "same"))
	assert.Len(t, merged.Versions, 2)
	assert.False(t, merged.InConflict())
	assert.Equal(t, []string{"same"}, merged.Values())
}

func TestDominatedWriteReplaces(t *testing.T) {
	r := NewRegister("m1", 1)
	r2 := r.Write("m2", 2)
	j := r.Join(r2)
	assert.False(t, j.InConflict())
	assert.Equal(t, 2, j.Value())
}

func TestRegisterClone(t *testing.T) {
	r := NewRegister("m1", "a")
	c := r.Clone()
	c.Versions[0].Clock["m1"] = 99
	assert.Equal(t, uint64(1), r.Versions[0].Clock["m1"])
	assert.True(t, Register[string]{}.IsZero())
}
