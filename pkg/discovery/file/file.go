// Package file reads seeds from a file, a glob of files, or an environment
// variable. Lines hold one seed or a comma-separated list; # starts a comment.
package file

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amirimatin/go-clusteradmin/pkg/discovery"
)

// Options configures file discovery.
type Options struct {
	// Path is a file or a glob.
	Path string
	// Env names a variable that overrides the file when set.
	Env string
	// Refresh bounds how long a read is reused. Zero means 5s.
	Refresh time.Duration
	// Now is for tests.
	Now func() time.Time
}

type source struct {
	opts  Options
	mu    sync.Mutex
	last  time.Time
	mtime time.Time
	cache []string
}

func New(opts Options) discovery.Discovery {
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &source{opts: opts}
}

func (s *source) Seeds(context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.Env != "" {
		if v := strings.TrimSpace(os.Getenv(s.opts.Env)); v != "" {
			return normalize(strings.Split(v, ","))
		}
	}
	if s.opts.Path == "" {
		return nil
	}
	now := s.opts.Now()
	if st, err := os.Stat(s.opts.Path); err == nil {
		if st.ModTime().After(s.mtime) || now.Sub(s.last) >= s.opts.Refresh {
			s.cache = readFile(s.opts.Path)
			s.last = now
			s.mtime = st.ModTime()
		}
		return append([]string(nil), s.cache...)
	}
	if now.Sub(s.last) < s.opts.Refresh && s.cache != nil {
		return append([]string(nil), s.cache...)
	}
	matches, _ := filepath.Glob(s.opts.Path)
	var all []string
	for _, m := range matches {
		all = append(all, readFile(m)...)
	}
	s.cache = normalize(all)
	s.last = now
	return append([]string(nil), s.cache...)
}

func readFile(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var seeds []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		seeds = append(seeds, strings.Split(line, ",")...)
	}
	if sc.Err() != nil {
		return nil
	}
	return normalize(seeds)
}

// normalize trims, drops empties, de-duplicates and sorts.
func normalize(in []string) []string {
	set := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
