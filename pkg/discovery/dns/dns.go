// Package dns resolves seeds from SRV records or A/AAAA names.
package dns

import (
	"context"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amirimatin/go-clusteradmin/pkg/discovery"
	"github.com/amirimatin/go-clusteradmin/pkg/internal/logutil"
)

// DefaultPort is used for A/AAAA answers when Options.Port is zero.
const DefaultPort = 7400

// Options configures DNS discovery.
type Options struct {
	// Names are SRV records ("_peer._tcp.example.com"), host names, or
	// literal host:port pairs passed through unchanged.
	Names []string
	// Port is appended to A/AAAA answers.
	Port int
	// Refresh bounds how long an answer is reused. Zero means 5s.
	Refresh time.Duration
	// Timeout bounds one resolution round. Zero means 2s.
	Timeout  time.Duration
	Resolver *net.Resolver
	Logger   *log.Logger
}

type resolver struct {
	opts  Options
	mu    sync.Mutex
	last  time.Time
	cache []string
}

func New(opts Options) discovery.Discovery {
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &resolver{opts: opts}
}

func (d *resolver) Seeds(ctx context.Context) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.cache) > 0 && time.Since(d.last) < d.opts.Refresh {
		return append([]string(nil), d.cache...)
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	d.cache = d.resolveAll(ctx)
	d.last = time.Now()
	return append([]string(nil), d.cache...)
}

func (d *resolver) resolveAll(ctx context.Context) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(hp string) {
		if _, ok := seen[hp]; !ok {
			seen[hp] = struct{}{}
			out = append(out, hp)
		}
	}
	for _, name := range d.opts.Names {
		name = strings.TrimSpace(name)
		switch {
		case name == "":
		case strings.HasPrefix(name, "_") && strings.Contains(name, "._"):
			for _, hp := range d.lookupSRV(ctx, name) {
				add(hp)
			}
		case isHostPort(name):
			add(name)
		default:
			for _, hp := range d.lookupHost(ctx, name) {
				add(hp)
			}
		}
	}
	sort.Strings(out)
	return out
}

func isHostPort(s string) bool {
	_, port, err := net.SplitHostPort(s)
	return err == nil && port != ""
}

func (d *resolver) lookupSRV(ctx context.Context, fqdn string) []string {
	svc, proto, domain := parseSRVName(fqdn)
	if svc == "" {
		return nil
	}
	_, addrs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
	if err != nil {
		logutil.Warnf(d.opts.Logger, "dns: srv %s: %v", fqdn, err)
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
	}
	return out
}

func (d *resolver) lookupHost(ctx context.Context, host string) []string {
	ips, err := d.opts.Resolver.LookupHost(ctx, host)
	if err != nil {
		logutil.Warnf(d.opts.Logger, "dns: lookup %s: %v", host, err)
		return nil
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.JoinHostPort(ip, strconv.Itoa(d.opts.Port)))
	}
	return out
}

// parseSRVName splits _service._proto.name.
func parseSRVName(fqdn string) (service, proto, name string) {
	parts := strings.SplitN(fqdn, ".", 3)
	if len(parts) < 3 || !strings.HasPrefix(parts[0], "_") || !strings.HasPrefix(parts[1], "_") {
		return "", "", ""
	}
	return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}
