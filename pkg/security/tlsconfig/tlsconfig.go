// Package tlsconfig builds mutual-TLS configurations for the peer transport
// and the admin endpoint from PEM files.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// reloadAfter is how long a loaded key pair is reused before the files are
// read again.
const reloadAfter = 10 * time.Second

// Options defines mTLS inputs.
type Options struct {
	Enable             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
	ServerName         string
}

func (o Options) Validate() error {
	if !o.Enable {
		return nil
	}
	if (o.CertFile == "") != (o.KeyFile == "") {
		return errors.New("tls: cert and key must be given together")
	}
	return nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("tls: no certificates in %s", path)
	}
	return pool, nil
}

// keyPair caches the certificate and re-reads it after reloadAfter so that
// replaced files take effect without a restart.
type keyPair struct {
	cert, key string

	mu     sync.Mutex
	cached *tls.Certificate
	loaded time.Time
}

func (k *keyPair) get() (*tls.Certificate, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cached != nil && time.Since(k.loaded) < reloadAfter {
		return k.cached, nil
	}
	c, err := tls.LoadX509KeyPair(k.cert, k.key)
	if err != nil {
		if k.cached != nil {
			// Keep serving the last good pair while files are being replaced.
			return k.cached, nil
		}
		return nil, err
	}
	k.cached, k.loaded = &c, time.Now()
	return k.cached, nil
}

// Server returns a server config, or nil when TLS is disabled. With a CA
// file, client certificates are required and verified.
func (o Options) Server() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, errors.New("tls: server cert/key required when TLS enabled")
	}
	kp := &keyPair{cert: o.CertFile, key: o.KeyFile}
	if _, err := kp.get(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.get() },
	}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// Client returns a client config, or nil when TLS is disabled.
func (o Options) Client() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: o.InsecureSkipVerify, //nolint:gosec
		ServerName:         o.ServerName,
	}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if o.CertFile != "" {
		kp := &keyPair{cert: o.CertFile, key: o.KeyFile}
		if _, err := kp.get(); err != nil {
			return nil, err
		}
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return kp.get() }
	}
	return cfg, nil
}
