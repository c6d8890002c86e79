package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-clusteradmin/pkg/admin"
	"github.com/amirimatin/go-clusteradmin/pkg/bootstrap"
	"github.com/amirimatin/go-clusteradmin/pkg/cluster"
	"github.com/amirimatin/go-clusteradmin/pkg/directory"
	"github.com/amirimatin/go-clusteradmin/pkg/issues"
	"github.com/amirimatin/go-clusteradmin/pkg/metadata"
	"github.com/amirimatin/go-clusteradmin/pkg/semilattice"
)

func TestRunFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
machineId: m1
datacenter: dc-a
peerBind: 127.0.0.1:7401
seeds: [a:1, b:2]
machineDownGrace: 10s
`), 0o644))

	cmd, cfg, rf := newRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", path,
		"--datacenter", "dc-b",
		"--founding", "m1=alpha, m2",
		"--roles", "api,db",
	}))
	require.NoError(t, resolveRunConfig(cmd.Flags(), cfg, *rf))

	assert.Equal(t, "m1", cfg.MachineID)
	assert.Equal(t, "dc-b", cfg.Datacenter, "flag wins over file")
	assert.Equal(t, "127.0.0.1:7401", cfg.PeerBind)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Seeds, "unset CSV flag keeps the file value")
	assert.Equal(t, 10*time.Second, cfg.MachineDownGrace)
	assert.Equal(t, []string{"api", "db"}, cfg.Roles)
	assert.Equal(t, []bootstrap.Founding{{ID: "m1", Name: "alpha"}, {ID: "m2"}}, cfg.Founding)
}

func TestRunRequiresID(t *testing.T) {
	cmd, cfg, rf := newRunCmd()
	require.NoError(t, cmd.ParseFlags(nil))
	err := resolveRunConfig(cmd.Flags(), cfg, *rf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--id")
}

func fakeAdmin(t *testing.T) (string, *admin.RenameRequest) {
	t.Helper()
	doc := metadata.Cluster{Machines: map[metadata.ID]metadata.Machine{
		"m1": {Name: semilattice.NewRegister("m1", "alpha")},
		"m2": {Name: semilattice.NewRegister("m2", "beta").Join(semilattice.NewRegister("m3", "gamma"))},
	}}
	renamed := &admin.RenameRequest{}
	h := admin.Handlers{
		Status: func(context.Context) (*cluster.Status, error) {
			return &cluster.Status{Machine: "m1", Name: "alpha", Healthy: false, Machines: 2, Channels: []string{"metadata", "directory"}, Warnings: []string{"no peers connected"}}, nil
		},
		Issues: func() []issues.Issue {
			return []issues.Issue{{Kind: issues.KindMachineDown, Severity: issues.SeverityCritical, Subject: "machine/m2", Description: "machine beta is down"}}
		},
		Directory: func() []directory.Entry {
			return []directory.Entry{{Peer: "n1", Machine: "m1", Datacenter: "dc-a", Addr: "n1", Seq: 4}}
		},
		Metadata: func() metadata.Cluster { return doc },
		Rename: func(_ context.Context, req admin.RenameRequest) error {
			*renamed = req
			return nil
		},
	}
	ts := httptest.NewServer(admin.Handler(h))
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://"), renamed
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewClusterCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatusCommandPrintsJSON(t *testing.T) {
	addr, _ := fakeAdmin(t)
	out, err := execute(t, "status", "--addr", addr)
	require.NoError(t, err)
	var st cluster.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "alpha", st.Name)
	assert.False(t, st.Healthy)

	out, err = execute(t, "status", "--addr", addr, "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "unhealthy")
	assert.Contains(t, out, "no peers connected")
}

func TestIssuesAndDirectoryTables(t *testing.T) {
	addr, _ := fakeAdmin(t)
	out, err := execute(t, "issues", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "SEVERITY")
	assert.Contains(t, out, "machine/m2")
	assert.Contains(t, out, "local")

	out, err = execute(t, "directory", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "dc-a")
	assert.Contains(t, out, "MACHINE")
}

func TestMetadataTableShowsConflicts(t *testing.T) {
	addr, _ := fakeAdmin(t)
	out, err := execute(t, "metadata", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "beta")
	assert.Contains(t, out, "gamma")
	assert.Contains(t, out, "machine/m2/name")

	_, err = execute(t, "metadata", "--addr", addr, "-o", "yaml")
	require.Error(t, err)
}

func TestRenameCommand(t *testing.T) {
	addr, renamed := fakeAdmin(t)
	out, err := execute(t, "rename", "machine", "beta", "delta", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "renamed to delta")
	assert.Equal(t, admin.RenameRequest{Kind: "machine", From: "beta", Name: "delta"}, *renamed)

	_, err = execute(t, "rename", "machine", "beta", "--addr", addr)
	require.Error(t, err)
}

func TestUnreachableNode(t *testing.T) {
	_, err := execute(t, "issues", "--addr", "127.0.0.1:1", "--timeout", "200ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issues error")
}
