package dns

import (
	"context"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = log.New(io.Discard, "", 0)

func TestParseSRVName(t *testing.T) {
	s, p, n := parseSRVName("_peer._tcp.example.com")
	assert.Equal(t, []string{"peer", "tcp", "example.com"}, []string{s, p, n})
	s, p, n = parseSRVName("bad.srv")
	assert.Equal(t, []string{"", "", ""}, []string{s, p, n})
}

func TestPassthroughHostPort(t *testing.T) {
	d := New(Options{Names: []string{"1.2.3.4:7400", " ", "1.2.3.4:7400"}, Logger: quiet})
	assert.Equal(t, []string{"1.2.3.4:7400"}, d.Seeds(context.Background()))
}

func TestLookupHostLocalhost(t *testing.T) {
	d := New(Options{Names: []string{"localhost"}, Port: 12345, Refresh: 5 * time.Millisecond, Logger: quiet})
	got := d.Seeds(context.Background())
	require.NotEmpty(t, got)
	for _, s := range got {
		assert.True(t, strings.HasSuffix(s, ":12345"), s)
	}
}
