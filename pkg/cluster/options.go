package cluster

import (
	"errors"
	"log"
	"time"

	"github.com/amirimatin/go-clusteradmin/pkg/discovery"
	"github.com/amirimatin/go-clusteradmin/pkg/membership"
	"github.com/amirimatin/go-clusteradmin/pkg/metadata"
	"github.com/amirimatin/go-clusteradmin/pkg/semilattice"
	"github.com/amirimatin/go-clusteradmin/pkg/transport"
)

const (
	defaultMachineDownGrace  = 30 * time.Second
	defaultReconnectInterval = 2 * time.Second
	defaultDialTimeout       = 5 * time.Second
)

// Options carries dependency-injected components and runtime configuration
// used to assemble a Node. Instances are typically produced from
// bootstrap.Config.
type Options struct {
	// MachineID identifies this machine in the metadata document and is the
	// origin of every vector clock entry this node writes.
	MachineID metadata.ID
	// MachineName is the name given to this machine if the document does
	// not know it yet. Defaults to MachineID.
	MachineName string
	Datacenter  string
	Roles       []string

	// Transport carries all peer traffic (required).
	Transport transport.Transport
	// Membership is optional; when set, every member advertising a peer
	// address is dialed.
	Membership membership.Membership
	// Discovery provides seeds. With Membership they are gossip addresses,
	// without it they are peer addresses dialed directly.
	Discovery discovery.Discovery

	// Persister keeps the metadata document across restarts. Optional.
	Persister semilattice.Persister[metadata.Cluster]
	// Founding lists the machines a brand-new cluster starts with.
	Founding []metadata.FoundingMachine
	// AdminAddr is advertised to peers through the directory.
	AdminAddr string

	DirectoryRefresh time.Duration
	// MachineDownGrace is how long a machine may be missing from the
	// directory before it is reported down.
	MachineDownGrace time.Duration
	// ReconnectInterval is the period of the loop that re-dials seeds and
	// members that are not connected.
	ReconnectInterval time.Duration
	DialTimeout       time.Duration
	MailboxQueue      int

	Logger *log.Logger
	Now    func() time.Time
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
	if o.MachineID == "" {
		return errors.New("cluster: empty MachineID")
	}
	if o.Transport == nil {
		return errors.New("cluster: nil Transport")
	}
	if o.MachineDownGrace < 0 || o.ReconnectInterval < 0 || o.DialTimeout < 0 || o.DirectoryRefresh < 0 {
		return errors.New("cluster: negative interval")
	}
	if o.MailboxQueue < 0 {
		return errors.New("cluster: negative mailbox queue")
	}
	for _, fm := range o.Founding {
		if fm.ID == "" {
			return errors.New("cluster: founding machine without id")
		}
	}
	return nil
}

func (o *Options) setDefaults() {
	if o.MachineName == "" {
		o.MachineName = string(o.MachineID)
		for _, fm := range o.Founding {
			if fm.ID == o.MachineID && fm.Name != "" {
				o.MachineName = fm.Name
			}
		}
	}
	if o.MachineDownGrace == 0 {
		o.MachineDownGrace = defaultMachineDownGrace
	}
	if o.ReconnectInterval == 0 {
		o.ReconnectInterval = defaultReconnectInterval
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}
