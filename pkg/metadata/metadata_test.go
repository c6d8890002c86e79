package metadata

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	nodeA ID = "machine-a"
	nodeB ID = "machine-b"
	nodeC ID = "machine-c"
)

func edit(t *testing.T, c Cluster, fn func(c *Cluster) error) Cluster {
	t.Helper()
	out, err := Edit(fn)(c.Clone())
	require.NoError(t, err)
	return out
}

// fixture builds a small document and three replicas that diverged from it.
func fixture(t *testing.T) (base, a, b, c Cluster) {
	t.Helper()
	var dc ID
	base = edit(t, Cluster{}, func(c *Cluster) error {
		if err := c.Bootstrap(nodeA, FoundingMachine{ID: nodeA, Name: "a"}, FoundingMachine{ID: nodeB}, FoundingMachine{ID: nodeC}); err != nil {
			return err
		}
		var err error
		dc, err = c.AddDatacenter(nodeA, "east")
		return err
	})
	a = edit(t, base, func(c *Cluster) error { return c.RenameMachine(nodeA, nodeB, "alpha") })
	b = edit(t, base, func(c *Cluster) error {
		if err := c.RenameMachine(nodeB, nodeB, "beta"); err != nil {
			return err
		}
		return c.SetMachineDatacenter(nodeB, nodeB, dc)
	})
	c = edit(t, base, func(c *Cluster) error {
		if err := c.RemoveMachine(nodeC); err != nil {
			return err
		}
		_, err := c.AddNamespace(nodeC, ProtocolMemcached, "users", 11211, dc)
		return err
	})
	return base, a, b, c
}

func TestClusterJoinLaws(t *testing.T) {
	base, a, b, c := fixture(t)
	docs := []Cluster{{}, base, a, b, c, a.Join(b)}
	for i, x := range docs {
		require.True(t, x.Join(x).Equal(x.Join(Cluster{})), "idempotent %d", i)
		for j, y := range docs {
			require.True(t, x.Join(y).Equal(y.Join(x)), "commutative %d,%d", i, j)
			for k, z := range docs {
				require.True(t, x.Join(y).Join(z).Equal(x.Join(y.Join(z))), "associative %d,%d,%d", i, j, k)
			}
		}
	}
}

func TestJoinKeepsEveryContribution(t *testing.T) {
	base, a, b, c := fixture(t)
	all := a.Join(b).Join(c)
	assert.True(t, all.Join(base).Equal(all))
	assert.True(t, all.Machines[nodeC].Removed, "tombstones survive merge")
	assert.Len(t, all.Namespaces, 1)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, all.Machines[nodeB].Name.Values())
	assert.Equal(t, []ID{nodeA, nodeB}, all.LiveMachines())
}

func TestConcurrentRenameIsOneConflict(t *testing.T) {
	_, a, b, _ := fixture(t)
	merged := a.Join(b)
	conflicts := merged.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, KindMachine, conflicts[0].Kind)
	assert.Equal(t, nodeB, conflicts[0].ID)
	assert.Equal(t, "name", conflicts[0].Field)
	assert.Equal(t, "machine/machine-b/name", conflicts[0].Subject())

	resolved := edit(t, merged, func(c *Cluster) error { return c.RenameMachine(nodeA, nodeB, "gamma") })
	assert.Empty(t, resolved.Conflicts())
	assert.Empty(t, resolved.Join(a).Join(b).Conflicts())
}

func TestMutatorErrors(t *testing.T) {
	base, _, _, c := fixture(t)
	_, err := Edit(func(x *Cluster) error { return x.RenameMachine(nodeA, "ghost", "x") })(base.Clone())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = Edit(func(x *Cluster) error { return x.RenameMachine(nodeA, nodeC, "x") })(c.Clone())
	assert.ErrorIs(t, err, ErrRemoved)
	_, err = Edit(func(x *Cluster) error { return x.RenameMachine(nodeA, nodeA, " ") })(base.Clone())
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Edit(func(x *Cluster) error { return x.AddMachine(nodeA, nodeA, "again") })(base.Clone())
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Edit(func(x *Cluster) error {
		_, err := x.AddNamespace(nodeA, "http", "web", 80, "")
		return err
	})(base.Clone())
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Edit(func(x *Cluster) error { return x.PinShard(nodeA, "nope", "s1", nodeA) })(base.Clone())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPinningsAndReplicas(t *testing.T) {
	_, _, _, c := fixture(t)
	ns, ok := c.NamespaceByName("users")
	require.True(t, ok)
	dc, ok := c.DatacenterByName("east")
	require.True(t, ok)

	c = edit(t, c, func(x *Cluster) error {
		if err := x.PinShard(nodeA, ns, "s1", nodeA); err != nil {
			return err
		}
		if err := x.PinShard(nodeA, ns, "s2", nodeB); err != nil {
			return err
		}
		return x.SetReplicas(nodeA, ns, dc, 3)
	})
	assert.Equal(t, nodeB, c.Namespaces[ns].Pinnings["s2"].Value())
	assert.Equal(t, 3, c.Namespaces[ns].Replicas[dc].Value())

	c = edit(t, c, func(x *Cluster) error { return x.UnpinShard(nodeA, ns, "s2") })
	assert.Equal(t, ID(""), c.Namespaces[ns].Pinnings["s2"].Value())

	_, err := Edit(func(x *Cluster) error { return x.PinShard(nodeA, ns, "s3", nodeC) })(c.Clone())
	assert.ErrorIs(t, err, ErrRemoved)
}

func TestCloneIsDeep(t *testing.T) {
	base, _, _, _ := fixture(t)
	cp := base.Clone()
	cp = edit(t, cp, func(x *Cluster) error { return x.RenameMachine(nodeA, nodeA, "changed") })
	assert.Equal(t, "a", base.Machines[nodeA].Name.Value())
	assert.Equal(t, "changed", cp.Machines[nodeA].Name.Value())
}

func TestJSONRoundTripKeepsClocks(t *testing.T) {
	_, a, b, c := fixture(t)
	doc := a.Join(b).Join(c)
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	var back Cluster
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, back.Join(Cluster{}).Equal(doc))
	assert.Len(t, back.Conflicts(), 1)
}

func TestMachineByName(t *testing.T) {
	base, _, _, c := fixture(t)
	id, ok := base.MachineByName("a")
	require.True(t, ok)
	assert.Equal(t, nodeA, id)
	_, ok = c.MachineByName(string(nodeC))
	assert.False(t, ok, "removed machines are not found by name")
}
