package metadata

import (
	"fmt"
	"strings"

	"github.com/amirimatin/go-clusteradmin/pkg/semilattice"
)

// Edit adapts an in-place change of the document to the mutator signature
// semilattice.Manager.Apply expects.
//
//	mgr.Apply(ctx, metadata.Edit(func(c *metadata.Cluster) error {
//		return c.RenameMachine(self, id, "alpha")
//	}))
func Edit(fn func(c *Cluster) error) func(Cluster) (Cluster, error) {
	return func(c Cluster) (Cluster, error) {
		if err := fn(&c); err != nil {
			return c, err
		}
		return c, nil
	}
}

// FoundingMachine is a machine present when the cluster is created.
type FoundingMachine struct {
	ID   ID
	Name string
}

// Bootstrap adds a record for every founding machine not already known.
// A missing name defaults to the machine id.
func (c *Cluster) Bootstrap(origin ID, machines ...FoundingMachine) error {
	for _, fm := range machines {
		if fm.ID == "" {
			return fmt.Errorf("bootstrap: empty machine id: %w", ErrInvalid)
		}
		if _, ok := c.Machines[fm.ID]; ok {
			continue
		}
		name := fm.Name
		if name == "" {
			name = string(fm.ID)
		}
		if err := c.AddMachine(origin, fm.ID, name); err != nil {
			return err
		}
	}
	return nil
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("empty name: %w", ErrInvalid)
	}
	return nil
}

// AddMachine creates a machine record. Machine ids are chosen by the
// machine itself, so the id is an argument.
func (c *Cluster) AddMachine(origin, id ID, name string) error {
	if id == "" {
		return fmt.Errorf("add machine: empty id: %w", ErrInvalid)
	}
	if err := validName(name); err != nil {
		return err
	}
	if _, ok := c.Machines[id]; ok {
		return fmt.Errorf("add machine %s: already exists: %w", id, ErrInvalid)
	}
	if c.Machines == nil {
		c.Machines = make(map[ID]Machine)
	}
	var m Machine
	m.Name = m.Name.Write(string(origin), name)
	c.Machines[id] = m
	return nil
}

func (c *Cluster) machine(id ID) (Machine, error) {
	m, ok := c.Machines[id]
	if !ok {
		return m, fmt.Errorf("machine %s: %w", id, ErrNotFound)
	}
	if m.Removed {
		return m, fmt.Errorf("machine %s: %w", id, ErrRemoved)
	}
	return m, nil
}

func (c *Cluster) RenameMachine(origin, id ID, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	m, err := c.machine(id)
	if err != nil {
		return err
	}
	m.Name = m.Name.Write(string(origin), name)
	c.Machines[id] = m
	return nil
}

// RemoveMachine tombstones a machine. The record stays in the document.
func (c *Cluster) RemoveMachine(id ID) error {
	m, err := c.machine(id)
	if err != nil {
		return err
	}
	m.Removed = true
	c.Machines[id] = m
	return nil
}

// SetMachineDatacenter moves a machine into dc. An empty dc clears it.
func (c *Cluster) SetMachineDatacenter(origin, id, dc ID) error {
	m, err := c.machine(id)
	if err != nil {
		return err
	}
	if dc != "" {
		if _, err := c.datacenter(dc); err != nil {
			return err
		}
	}
	m.Datacenter = m.Datacenter.Write(string(origin), dc)
	c.Machines[id] = m
	return nil
}

func (c *Cluster) AddDatacenter(origin ID, name string) (ID, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if c.Datacenters == nil {
		c.Datacenters = make(map[ID]Datacenter)
	}
	id := NewID()
	var d Datacenter
	d.Name = d.Name.Write(string(origin), name)
	c.Datacenters[id] = d
	return id, nil
}

func (c *Cluster) datacenter(id ID) (Datacenter, error) {
	d, ok := c.Datacenters[id]
	if !ok {
		return d, fmt.Errorf("datacenter %s: %w", id, ErrNotFound)
	}
	if d.Removed {
		return d, fmt.Errorf("datacenter %s: %w", id, ErrRemoved)
	}
	return d, nil
}

func (c *Cluster) RenameDatacenter(origin, id ID, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	d, err := c.datacenter(id)
	if err != nil {
		return err
	}
	d.Name = d.Name.Write(string(origin), name)
	c.Datacenters[id] = d
	return nil
}

func (c *Cluster) RemoveDatacenter(id ID) error {
	d, err := c.datacenter(id)
	if err != nil {
		return err
	}
	d.Removed = true
	c.Datacenters[id] = d
	return nil
}

// AddNamespace creates a namespace serving protocol on port. primary may be
// empty.
func (c *Cluster) AddNamespace(origin ID, protocol, name string, port int, primary ID) (ID, error) {
	if protocol != ProtocolMemcached && protocol != ProtocolDummy {
		return "", fmt.Errorf("add namespace: protocol %q: %w", protocol, ErrInvalid)
	}
	if err := validName(name); err != nil {
		return "", err
	}
	if port < 0 || port > 65535 {
		return "", fmt.Errorf("add namespace: port %d: %w", port, ErrInvalid)
	}
	if primary != "" {
		if _, err := c.datacenter(primary); err != nil {
			return "", err
		}
	}
	if c.Namespaces == nil {
		c.Namespaces = make(map[ID]Namespace)
	}
	o := string(origin)
	id := NewID()
	var n Namespace
	n.Protocol = n.Protocol.Write(o, protocol)
	n.Name = n.Name.Write(o, name)
	n.Port = n.Port.Write(o, port)
	n.PrimaryDatacenter = n.PrimaryDatacenter.Write(o, primary)
	c.Namespaces[id] = n
	return id, nil
}

func (c *Cluster) namespace(id ID) (Namespace, error) {
	n, ok := c.Namespaces[id]
	if !ok {
		return n, fmt.Errorf("namespace %s: %w", id, ErrNotFound)
	}
	if n.Removed {
		return n, fmt.Errorf("namespace %s: %w", id, ErrRemoved)
	}
	return n, nil
}

func (c *Cluster) RenameNamespace(origin, id ID, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	n, err := c.namespace(id)
	if err != nil {
		return err
	}
	n.Name = n.Name.Write(string(origin), name)
	c.Namespaces[id] = n
	return nil
}

func (c *Cluster) RemoveNamespace(id ID) error {
	n, err := c.namespace(id)
	if err != nil {
		return err
	}
	n.Removed = true
	c.Namespaces[id] = n
	return nil
}

func (c *Cluster) SetPrimaryDatacenter(origin, id, dc ID) error {
	n, err := c.namespace(id)
	if err != nil {
		return err
	}
	if dc != "" {
		if _, err := c.datacenter(dc); err != nil {
			return err
		}
	}
	n.PrimaryDatacenter = n.PrimaryDatacenter.Write(string(origin), dc)
	c.Namespaces[id] = n
	return nil
}

func (c *Cluster) SetPort(origin, id ID, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("set port %d: %w", port, ErrInvalid)
	}
	n, err := c.namespace(id)
	if err != nil {
		return err
	}
	n.Port = n.Port.Write(string(origin), port)
	c.Namespaces[id] = n
	return nil
}

// SetReplicas sets how many replicas of namespace id live in dc.
func (c *Cluster) SetReplicas(origin, id, dc ID, count int) error {
	if count < 0 {
		return fmt.Errorf("set replicas %d: %w", count, ErrInvalid)
	}
	n, err := c.namespace(id)
	if err != nil {
		return err
	}
	if _, err := c.datacenter(dc); err != nil {
		return err
	}
	n = n.clone()
	if n.Replicas == nil {
		n.Replicas = make(map[ID]semilattice.Register[int])
	}
	n.Replicas[dc] = n.Replicas[dc].Write(string(origin), count)
	c.Namespaces[id] = n
	return nil
}

// PinShard requires shard of namespace id to live on machine.
func (c *Cluster) PinShard(origin, id ID, shard ShardID, machine ID) error {
	if shard == "" {
		return fmt.Errorf("pin: empty shard: %w", ErrInvalid)
	}
	if _, err := c.machine(machine); err != nil {
		return err
	}
	return c.writePin(origin, id, shard, machine)
}

// UnpinShard clears a pin. The pinning entry stays with an empty machine.
func (c *Cluster) UnpinShard(origin, id ID, shard ShardID) error {
	n, err := c.namespace(id)
	if err != nil {
		return err
	}
	if _, ok := n.Pinnings[shard]; !ok {
		return fmt.Errorf("shard %s: %w", shard, ErrNotFound)
	}
	return c.writePin(origin, id, shard, "")
}

func (c *Cluster) writePin(origin, id ID, shard ShardID, machine ID) error {
	n, err := c.namespace(id)
	if err != nil {
		return err
	}
	n = n.clone()
	if n.Pinnings == nil {
		n.Pinnings = make(map[ShardID]semilattice.Register[ID])
	}
	n.Pinnings[shard] = n.Pinnings[shard].Write(string(origin), machine)
	c.Namespaces[id] = n
	return nil
}
