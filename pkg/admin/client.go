package admin

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/amirimatin/go-clusteradmin/pkg/cluster"
	"github.com/amirimatin/go-clusteradmin/pkg/directory"
	"github.com/amirimatin/go-clusteradmin/pkg/issues"
)

const attempts = 3

// Client is a thin HTTP client for the admin API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	if c.transport != nil {
		c.transport.TLSClientConfig = cfg
	}
	c.isTLS = cfg != nil
	return c
}

func (c *Client) url(addr, path string) string {
	scheme := "http"
	if c.isTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

func (c *Client) Status(ctx context.Context, addr string) (*cluster.Status, error) {
	var out cluster.Status
	if err := c.get(ctx, addr, "/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Issues(ctx context.Context, addr string) ([]issues.Issue, error) {
	var out []issues.Issue
	err := c.get(ctx, addr, "/issues", &out)
	return out, err
}

func (c *Client) Directory(ctx context.Context, addr string) ([]directory.Entry, error) {
	var out []directory.Entry
	err := c.get(ctx, addr, "/directory", &out)
	return out, err
}

func (c *Client) Metadata(ctx context.Context, addr string) (*MetadataView, error) {
	var out MetadataView
	if err := c.get(ctx, addr, "/metadata", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rename is not retried on a rejected request, only on transport errors.
func (c *Client) Rename(ctx context.Context, addr string, req RenameRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	var out RenameResponse
	err = c.do(ctx, http.MethodPost, c.url(addr, "/rename"), body, &out)
	if out.Error != "" {
		return errors.New(out.Error)
	}
	return err
}

func (c *Client) get(ctx context.Context, addr, path string, out any) error {
	return c.do(ctx, http.MethodGet, c.url(addr, path), nil, out)
}

// statusError is a non-200 answer; 4xx answers are not retried.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("status %d: %s", e.code, e.body) }

func (c *Client) do(ctx context.Context, method, url string, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = c.once(ctx, method, url, body, out)
		if lastErr == nil {
			return nil
		}
		var se *statusError
		if errors.As(lastErr, &se) && se.code < http.StatusInternalServerError {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		// backoff unless context is done
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, url string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		// Rename answers carry an envelope even on failure.
		_ = json.Unmarshal(b, out)
		return &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(b))}
	}
	return json.Unmarshal(b, out)
}
