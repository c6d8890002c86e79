// Package static serves a fixed seed list.
package static

import (
	"context"
	"strings"

	"github.com/amirimatin/go-clusteradmin/pkg/discovery"
)

type staticSeeds struct {
	seeds []string
}

func (s *staticSeeds) Seeds(context.Context) []string { return append([]string(nil), s.seeds...) }

// New returns a Discovery that always returns the given seeds, trimmed and
// without empty entries.
func New(seeds ...string) discovery.Discovery {
	cleaned := make([]string, 0, len(seeds))
	for _, v := range seeds {
		if v = strings.TrimSpace(v); v != "" {
			cleaned = append(cleaned, v)
		}
	}
	return &staticSeeds{seeds: cleaned}
}

// Parse splits a comma-separated list.
func Parse(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
