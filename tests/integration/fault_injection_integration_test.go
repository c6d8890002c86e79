//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/amirimatin/go-clusteradmin/pkg/admin"
	"github.com/amirimatin/go-clusteradmin/pkg/bootstrap"
	"github.com/amirimatin/go-clusteradmin/pkg/issues"
	"github.com/amirimatin/go-clusteradmin/pkg/metadata"
)

// Simulate a short disconnection of n3 and verify that it rejoins with its
// persisted document and that the machine-down issue clears.
func TestTemporaryDisconnect_RejoinConverges(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dir3 := t.TempDir()
	n1, n2, n3 := mustStartThreeNodes(t, ctx, func(i int, cfg *bootstrap.Config) {
		if i == 3 {
			cfg.DataDir = dir3
		}
	})
	defer n2.Close()
	defer n1.Close()

	cli := admin.NewClient(3 * time.Second)
	waitForPeers(t, ctx, cli, 2, adminAddrs...)

	// Simulate short disconnection: stop n3
	_ = n3.Close()

	machineDown := func() error {
		list, err := cli.Issues(ctx, adminAddrs[0])
		if err != nil {
			return err
		}
		for _, is := range list {
			if is.Kind == issues.KindMachineDown && is.Subject == "machine/n3" {
				return nil
			}
		}
		return errNotYet
	}
	waitUntil(t, 15*time.Second, machineDown)

	// The cluster keeps changing while n3 is away.
	err := n1.Node.Edit(ctx, func(c *metadata.Cluster) error {
		return c.RenameMachine(n1.Node.MachineID(), "n2", "second")
	})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}

	// Start n3 again from its data dir.
	n3b, err := bootstrap.Run(ctx, nodeConfig(3, dir3))
	if err != nil {
		t.Fatalf("n3 restart: %v", err)
	}
	defer n3b.Close()

	waitUntil(t, 20*time.Second, func() error {
		if machineDown() == nil {
			return errNotYet
		}
		return nil
	})
	waitUntil(t, 10*time.Second, func() error {
		if n3b.Node.Metadata().Get().Machines["n2"].Name.Value() != "second" {
			return errNotYet
		}
		return nil
	})
}
