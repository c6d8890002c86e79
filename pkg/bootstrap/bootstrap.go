// Package bootstrap turns a flat Config, typically read from flags or a YAML
// file, into a running node with its transport, membership, discovery,
// persistence and admin endpoint.
package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/amirimatin/go-clusteradmin/pkg/admin"
	"github.com/amirimatin/go-clusteradmin/pkg/cluster"
	"github.com/amirimatin/go-clusteradmin/pkg/discovery"
	dDNS "github.com/amirimatin/go-clusteradmin/pkg/discovery/dns"
	dFile "github.com/amirimatin/go-clusteradmin/pkg/discovery/file"
	dStatic "github.com/amirimatin/go-clusteradmin/pkg/discovery/static"
	"github.com/amirimatin/go-clusteradmin/pkg/internal/logutil"
	"github.com/amirimatin/go-clusteradmin/pkg/membership"
	ml "github.com/amirimatin/go-clusteradmin/pkg/membership/memberlist"
	"github.com/amirimatin/go-clusteradmin/pkg/metadata"
	"github.com/amirimatin/go-clusteradmin/pkg/metadata/boltstore"
	"github.com/amirimatin/go-clusteradmin/pkg/observability/tracing"
	tlsx "github.com/amirimatin/go-clusteradmin/pkg/security/tlsconfig"
	peergrpc "github.com/amirimatin/go-clusteradmin/pkg/transport/grpc"
)

// Founding is one machine of a brand-new cluster.
type Founding struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type TLS struct {
	Enable     bool   `yaml:"enable"`
	CA         string `yaml:"ca"`
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	ServerName string `yaml:"serverName"`
	SkipVerify bool   `yaml:"skipVerify"`
}

type Log struct {
	JSON  bool   `yaml:"json"`
	Level string `yaml:"level"`
}

// Config defines high-level inputs to assemble a node with sensible
// defaults. Applications embed the node by providing this structure and
// calling Build/Run.
type Config struct {
	// Identity
	MachineID   string   `yaml:"machineId"`
	MachineName string   `yaml:"machineName"`
	Datacenter  string   `yaml:"datacenter"`
	Roles       []string `yaml:"roles"`

	// Peer transport (gRPC)
	PeerBind      string `yaml:"peerBind"`
	PeerAdvertise string `yaml:"peerAdvertise"`

	// Membership (memberlist). An empty MemBind disables gossip; seeds are
	// then peer addresses dialed directly.
	MemBind      string `yaml:"memBind"`
	MemAdvertise string `yaml:"memAdvertise"`

	// Admin API (status/issues/directory/metadata/metrics). Empty disables it.
	AdminAddr string `yaml:"adminAddr"`

	// Discovery settings
	DiscoveryKind string        `yaml:"discovery"` // "static" (default), "dns", or "file"
	Seeds         []string      `yaml:"seeds"`     // used when DiscoveryKind=static
	DNSNames      []string      `yaml:"dnsNames"`  // used when kind=dns
	DNSPort       int           `yaml:"dnsPort"`   // used when kind=dns (A/AAAA)
	DiscRefresh   time.Duration `yaml:"discoveryRefresh"`
	FilePath      string        `yaml:"seedFile"` // used when kind=file
	FileEnv       string        `yaml:"seedEnv"`  // used when kind=file

	// Persistence and bootstrap
	DataDir  string     `yaml:"dataDir"` // empty → in-memory
	Founding []Founding `yaml:"founding"`

	// Timing
	DirectoryRefresh  time.Duration `yaml:"directoryRefresh"`
	MachineDownGrace  time.Duration `yaml:"machineDownGrace"`
	ReconnectInterval time.Duration `yaml:"reconnectInterval"`

	// TLS (optional) for the peer transport and the admin API
	TLS TLS `yaml:"tls"`

	Tracing bool `yaml:"tracing"`
	Log     Log  `yaml:"log"`

	// Logger (optional). If nil, log.Default() is used.
	Logger *log.Logger `yaml:"-"`
}

// Default returns the configuration used for anything a file or flag does
// not set.
func Default() Config {
	return Config{
		PeerBind:      ":7400",
		AdminAddr:     "127.0.0.1:7480",
		DiscoveryKind: "static",
	}
}

// LoadFile reads a YAML config on top of Default. A missing file is an
// error; durations are Go duration strings such as "30s".
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("bootstrap: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields Build cannot default.
func (c Config) Validate() error {
	if c.MachineID == "" {
		return errors.New("bootstrap: machine id required")
	}
	if c.PeerBind == "" {
		return errors.New("bootstrap: peer bind address required")
	}
	switch c.DiscoveryKind {
	case "", "static", "dns", "file":
	default:
		return fmt.Errorf("bootstrap: unknown discovery kind %q", c.DiscoveryKind)
	}
	for _, f := range c.Founding {
		if f.ID == "" {
			return errors.New("bootstrap: founding machine without id")
		}
	}
	return c.tlsOptions().Validate()
}

func (c Config) tlsOptions() tlsx.Options {
	return tlsx.Options{
		Enable:             c.TLS.Enable,
		CAFile:             c.TLS.CA,
		CertFile:           c.TLS.Cert,
		KeyFile:            c.TLS.Key,
		InsecureSkipVerify: c.TLS.SkipVerify,
		ServerName:         c.TLS.ServerName,
	}
}

// advertise returns the address peers should dial for a bind address. An
// unspecified host becomes loopback. It is empty for an ephemeral port,
// which is only known once the listener is open.
func advertise(bind, adv string, logger *log.Logger) string {
	if adv != "" {
		return adv
	}
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return bind
	}
	if port == "0" {
		return ""
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		logutil.Warnf(logger, "bootstrap: %s binds every interface and no advertise address is set; advertising loopback", bind)
		return net.JoinHostPort("127.0.0.1", port)
	}
	return bind
}

func (c Config) discovery() discovery.Discovery {
	switch c.DiscoveryKind {
	case "dns":
		opts := dDNS.Options{Names: c.DNSNames, Port: c.DNSPort, Logger: c.Logger}
		if c.DiscRefresh > 0 {
			opts.Refresh = c.DiscRefresh
		}
		return dDNS.New(opts)
	case "file":
		opts := dFile.Options{Path: c.FilePath, Env: c.FileEnv}
		if c.DiscRefresh > 0 {
			opts.Refresh = c.DiscRefresh
		}
		return dFile.New(opts)
	default:
		return dStatic.New(c.Seeds...)
	}
}

// Runtime is a built node together with what Build created around it.
type Runtime struct {
	Node  *cluster.Node
	Admin *admin.Server

	store    *boltstore.Store
	shutdown func(context.Context) error
}

// Build assembles a node from Config without starting it.
func Build(cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Log.JSON {
		logutil.SetJSON(true)
	}
	if cfg.Log.Level == "debug" {
		logutil.SetDebug(true)
	}
	shutdown, err := tracing.Setup(cfg.Tracing)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{shutdown: shutdown}

	var srvTLS, cliTLS *tls.Config
	if cfg.TLS.Enable {
		topts := cfg.tlsOptions()
		if srvTLS, err = topts.Server(); err != nil {
			return nil, err
		}
		if cliTLS, err = topts.Client(); err != nil {
			return nil, err
		}
	}

	peerAddr := advertise(cfg.PeerBind, cfg.PeerAdvertise, cfg.Logger)
	tr, err := peergrpc.New(peergrpc.Options{
		Bind:      cfg.PeerBind,
		Advertise: peerAddr,
		ServerTLS: srvTLS,
		ClientTLS: cliTLS,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	var adminAddr string
	if cfg.AdminAddr != "" {
		rt.Admin = admin.NewServer(cfg.AdminAddr, cfg.Logger)
		if srvTLS != nil {
			rt.Admin.UseTLS(srvTLS)
		}
		adminAddr = advertise(cfg.AdminAddr, "", cfg.Logger)
	}

	// Membership (memberlist). The peer and admin addresses ride in node
	// metadata so that every member can be dialed and inspected.
	var mem membership.Membership
	if cfg.MemBind != "" {
		meta := map[string]string{membership.MetaMachine: cfg.MachineID}
		if peerAddr != "" {
			meta[membership.MetaPeerAddr] = peerAddr
		}
		if adminAddr != "" {
			meta[membership.MetaAdminAddr] = adminAddr
		}
		m, err := ml.New(ml.Options{NodeID: cfg.MachineID, Bind: cfg.MemBind, Advertise: cfg.MemAdvertise, Meta: meta, Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		mem = m
	}

	opts := cluster.Options{
		MachineID:         metadata.ID(cfg.MachineID),
		MachineName:       cfg.MachineName,
		Datacenter:        cfg.Datacenter,
		Roles:             cfg.Roles,
		Transport:         tr,
		Membership:        mem,
		Discovery:         cfg.discovery(),
		AdminAddr:         adminAddr,
		DirectoryRefresh:  cfg.DirectoryRefresh,
		MachineDownGrace:  cfg.MachineDownGrace,
		ReconnectInterval: cfg.ReconnectInterval,
		Logger:            cfg.Logger,
	}
	for _, f := range cfg.Founding {
		opts.Founding = append(opts.Founding, metadata.FoundingMachine{ID: metadata.ID(f.ID), Name: f.Name})
	}
	if cfg.DataDir != "" {
		st, err := boltstore.Open(filepath.Join(cfg.DataDir, boltstore.FileName))
		if err != nil {
			return nil, err
		}
		rt.store = st
		opts.Persister = st
	}
	node, err := cluster.New(opts)
	if err != nil {
		_ = rt.closeStore()
		return nil, err
	}
	rt.Node = node
	return rt, nil
}

// Start starts the node, then the admin endpoint.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Node.Start(ctx); err != nil {
		return err
	}
	if r.Admin != nil {
		if err := r.Admin.Start(ctx, admin.NodeHandlers(r.Node)); err != nil {
			_ = r.Node.Close()
			return err
		}
	}
	return nil
}

// Close stops the admin endpoint and the node and releases the data file.
func (r *Runtime) Close() error {
	var errs []error
	if r.Admin != nil {
		errs = append(errs, r.Admin.Stop(context.Background()))
	}
	errs = append(errs, r.Node.Close(), r.closeStore())
	if r.shutdown != nil {
		errs = append(errs, r.shutdown(context.Background()))
	}
	return errors.Join(errs...)
}

func (r *Runtime) closeStore() error {
	if r.store == nil {
		return nil
	}
	err := r.store.Close()
	r.store = nil
	return err
}

// Run builds and starts the node, returning the runtime for lifecycle
// control. The caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*Runtime, error) {
	rt, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := rt.Start(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}
