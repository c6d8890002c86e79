package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/amirimatin/go-clusteradmin/pkg/admin"
	"github.com/amirimatin/go-clusteradmin/pkg/bootstrap"
	"github.com/amirimatin/go-clusteradmin/pkg/cluster"
	"github.com/amirimatin/go-clusteradmin/pkg/directory"
	dStatic "github.com/amirimatin/go-clusteradmin/pkg/discovery/static"
	"github.com/amirimatin/go-clusteradmin/pkg/issues"
	"github.com/amirimatin/go-clusteradmin/pkg/metadata"
	tlsx "github.com/amirimatin/go-clusteradmin/pkg/security/tlsconfig"
)

// AddAll attaches the node and admin subcommands to the provided root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewIssuesCmd())
	root.AddCommand(NewDirectoryCmd())
	root.AddCommand(NewMetadataCmd())
	root.AddCommand(NewRenameCmd())
}

// NewClusterCommand returns a parent command "cluster" holding every
// subcommand, for services that embed the CLI.
func NewClusterCommand() *cobra.Command {
	parent := &cobra.Command{Use: "cluster", Short: "cluster administration commands"}
	AddAll(parent)
	return parent
}

// runFlags holds the list-valued run flags; they are given as CSV.
type runFlags struct {
	config   string
	seeds    string
	roles    string
	dnsNames string
	founding string
}

// NewRunCmd returns the "run" command used to start a node.
func NewRunCmd() *cobra.Command {
	cmd, _, _ := newRunCmd()
	return cmd
}

// newRunCmd also returns the config and CSV flags the command's flags are
// bound to.
func newRunCmd() (*cobra.Command, *bootstrap.Config, *runFlags) {
	cfg := bootstrap.Default()
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a cluster node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolveRunConfig(cmd.Flags(), &cfg, *rf); err != nil {
				return err
			}
			cfg.Logger = log.Default()
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			fmt.Fprintln(cmd.OutOrStdout(), "node running. Press Ctrl+C to exit.")
			<-ctx.Done()
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&rf.config, "config", "", "YAML config file; flags given explicitly override it")
	fs.StringVar(&cfg.MachineID, "id", cfg.MachineID, "machine id (required)")
	fs.StringVar(&cfg.MachineName, "name", cfg.MachineName, "machine name used when the cluster does not know this machine yet")
	fs.StringVar(&cfg.Datacenter, "datacenter", cfg.Datacenter, "datacenter label published in the directory")
	fs.StringVar(&rf.roles, "roles", "", "comma-separated roles published in the directory")
	fs.StringVar(&cfg.PeerBind, "peer-bind", cfg.PeerBind, "peer transport bind addr (host:port)")
	fs.StringVar(&cfg.PeerAdvertise, "peer-adv", cfg.PeerAdvertise, "peer transport advertise addr (host:port, optional)")
	fs.StringVar(&cfg.MemBind, "mem-bind", cfg.MemBind, "membership bind addr (host:port); empty disables gossip")
	fs.StringVar(&cfg.MemAdvertise, "mem-adv", cfg.MemAdvertise, "membership advertise addr (host:port, optional)")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "admin HTTP address; empty disables it")
	fs.StringVar(&rf.seeds, "join", "", "comma-separated seeds (host:port), used by discovery=static")
	fs.StringVar(&cfg.DiscoveryKind, "discovery", cfg.DiscoveryKind, "discovery backend: static|dns|file")
	fs.StringVar(&rf.dnsNames, "dns-names", "", "comma-separated DNS names or SRV records (e.g., _peer._tcp.example.com)")
	fs.IntVar(&cfg.DNSPort, "dns-port", cfg.DNSPort, "port used for A/AAAA lookups")
	fs.DurationVar(&cfg.DiscRefresh, "disc-refresh", cfg.DiscRefresh, "discovery refresh/cache duration")
	fs.StringVar(&cfg.FilePath, "file-path", cfg.FilePath, "path or glob to a file with seeds (one per line or CSV)")
	fs.StringVar(&cfg.FileEnv, "file-env", cfg.FileEnv, "ENV var name containing CSV seeds; overrides file when set")
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "data dir for the metadata file; empty keeps it in memory")
	fs.StringVar(&rf.founding, "founding", "", "founding machines of a new cluster as id[=name],...")
	fs.DurationVar(&cfg.DirectoryRefresh, "directory-refresh", cfg.DirectoryRefresh, "directory rebroadcast interval")
	fs.DurationVar(&cfg.MachineDownGrace, "machine-down-grace", cfg.MachineDownGrace, "how long a machine may be unseen before it is reported down")
	fs.DurationVar(&cfg.ReconnectInterval, "reconnect", cfg.ReconnectInterval, "interval of the reconnect loop")
	fs.BoolVar(&cfg.TLS.Enable, "tls-enable", cfg.TLS.Enable, "enable mTLS for the peer transport and admin API")
	fs.StringVar(&cfg.TLS.CA, "tls-ca", cfg.TLS.CA, "path to CA cert (PEM)")
	fs.StringVar(&cfg.TLS.Cert, "tls-cert", cfg.TLS.Cert, "path to node certificate (PEM)")
	fs.StringVar(&cfg.TLS.Key, "tls-key", cfg.TLS.Key, "path to node private key (PEM)")
	fs.BoolVar(&cfg.TLS.SkipVerify, "tls-skip-verify", cfg.TLS.SkipVerify, "skip server cert verification (DEV ONLY)")
	fs.StringVar(&cfg.TLS.ServerName, "tls-server-name", cfg.TLS.ServerName, "expected server name (for TLS validation)")
	fs.BoolVar(&cfg.Tracing, "trace", cfg.Tracing, "enable OpenTelemetry stdout tracing (dev)")
	fs.BoolVar(&cfg.Log.JSON, "log-json", cfg.Log.JSON, "log one JSON object per line")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level (debug enables debug lines)")
	return cmd, &cfg, rf
}

// resolveRunConfig loads the config file, if any, into cfg and then
// re-applies every flag set on the command line so that flags win.
func resolveRunConfig(fs *pflag.FlagSet, cfg *bootstrap.Config, rf runFlags) error {
	if rf.config != "" {
		changed := make(map[string]string)
		fs.Visit(func(f *pflag.Flag) { changed[f.Name] = f.Value.String() })
		loaded, err := bootstrap.LoadFile(rf.config)
		if err != nil {
			return err
		}
		*cfg = loaded
		for name, val := range changed {
			if err := fs.Set(name, val); err != nil {
				return fmt.Errorf("flag --%s: %w", name, err)
			}
		}
	}
	if fs.Changed("join") {
		cfg.Seeds = dStatic.Parse(rf.seeds)
	}
	if fs.Changed("roles") {
		cfg.Roles = dStatic.Parse(rf.roles)
	}
	if fs.Changed("dns-names") {
		cfg.DNSNames = dStatic.Parse(rf.dnsNames)
	}
	if fs.Changed("founding") {
		cfg.Founding = parseFounding(rf.founding)
	}
	if cfg.MachineID == "" {
		return fmt.Errorf("missing --id")
	}
	return nil
}

func parseFounding(csv string) []bootstrap.Founding {
	var out []bootstrap.Founding
	for _, item := range dStatic.Parse(csv) {
		id, name, _ := strings.Cut(item, "=")
		out = append(out, bootstrap.Founding{ID: strings.TrimSpace(id), Name: strings.TrimSpace(name)})
	}
	return out
}

// clientFlags are shared by every command that talks to a node's admin API.
type clientFlags struct {
	addr      string
	timeout   time.Duration
	output    string
	tlsEnable bool
	tlsSkip   bool
	tlsCA     string
	tlsCert   string
	tlsKey    string
	tlsServer string
}

func (c *clientFlags) bind(cmd *cobra.Command, defaultOutput string) {
	fs := cmd.Flags()
	fs.StringVar(&c.addr, "addr", "127.0.0.1:7480", "admin HTTP address of a node (host:port)")
	fs.DurationVar(&c.timeout, "timeout", 3*time.Second, "request timeout")
	fs.StringVarP(&c.output, "output", "o", defaultOutput, "output format: table|json")
	fs.BoolVar(&c.tlsEnable, "tls-enable", false, "use mTLS towards the admin API")
	fs.StringVar(&c.tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	fs.StringVar(&c.tlsCert, "tls-cert", "", "path to client certificate (PEM)")
	fs.StringVar(&c.tlsKey, "tls-key", "", "path to client private key (PEM)")
	fs.BoolVar(&c.tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	fs.StringVar(&c.tlsServer, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (c *clientFlags) client() (*admin.Client, error) {
	cli := admin.NewClient(c.timeout)
	if c.tlsEnable {
		topts := tlsx.Options{Enable: true, CAFile: c.tlsCA, CertFile: c.tlsCert, KeyFile: c.tlsKey, InsecureSkipVerify: c.tlsSkip, ServerName: c.tlsServer}
		cfg, err := topts.Client()
		if err != nil {
			return nil, fmt.Errorf("tls client config: %w", err)
		}
		cli.UseTLS(cfg)
	}
	return cli, nil
}

// fetch runs one admin request and prints its result as JSON or with table.
func fetch[T any](cmd *cobra.Command, cf *clientFlags, what string, get func(context.Context, *admin.Client) (T, error), table func(io.Writer, T)) error {
	cli, err := cf.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
	defer cancel()
	v, err := get(ctx, cli)
	if err != nil {
		return fmt.Errorf("%s error: %w", what, err)
	}
	out := cmd.OutOrStdout()
	switch cf.output {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "table":
		table(out, v)
		return nil
	}
	return fmt.Errorf("unknown output format %q", cf.output)
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a node's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, &cf, "status", func(ctx context.Context, c *admin.Client) (*cluster.Status, error) {
				return c.Status(ctx, cf.addr)
			}, renderStatus)
		},
	}
	cf.bind(cmd, "json")
	return cmd
}

// NewIssuesCmd returns the "issues" command.
func NewIssuesCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "List the issues a node currently sees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, &cf, "issues", func(ctx context.Context, c *admin.Client) ([]issues.Issue, error) {
				return c.Issues(ctx, cf.addr)
			}, renderIssues)
		},
	}
	cf.bind(cmd, "table")
	return cmd
}

// NewDirectoryCmd returns the "directory" command.
func NewDirectoryCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "directory",
		Short: "List the directory entries a node holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, &cf, "directory", func(ctx context.Context, c *admin.Client) ([]directory.Entry, error) {
				return c.Directory(ctx, cf.addr)
			}, renderDirectory)
		},
	}
	cf.bind(cmd, "table")
	return cmd
}

// NewMetadataCmd returns the "metadata" command.
func NewMetadataCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "Show a node's copy of the cluster metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, &cf, "metadata", func(ctx context.Context, c *admin.Client) (*admin.MetadataView, error) {
				return c.Metadata(ctx, cf.addr)
			}, renderMetadata)
		},
	}
	cf.bind(cmd, "table")
	return cmd
}

// NewRenameCmd returns the "rename" command. Renaming a record writes a
// new version that supersedes every concurrent one, which is how a name
// or vector clock conflict is resolved.
func NewRenameCmd() *cobra.Command {
	var (
		cf clientFlags
		id string
	)
	cmd := &cobra.Command{
		Use:   "rename <machine|datacenter|namespace> <current-name> <new-name>",
		Short: "Rename a machine, datacenter or namespace",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cf.client()
			if err != nil {
				return err
			}
			req := admin.RenameRequest{Kind: args[0], From: args[1], ID: metadata.ID(id), Name: args[2]}
			ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
			defer cancel()
			if err := cli.Rename(ctx, cf.addr, req); err != nil {
				return fmt.Errorf("rename error: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s renamed to %s\n", args[0], args[1], args[2])
			return nil
		},
	}
	cf.bind(cmd, "table")
	cmd.Flags().StringVar(&id, "by-id", "", "address the record by id instead of its current name")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
