// Package tlsconfig builds mutual TLS configs for the broker transport.
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

// reloadTTL bounds how long a loaded certificate is reused before the files
// are read again.
const reloadTTL = 10 * time.Second

var ErrMissingKeyPair = errors.New("tls: server cert/key required when TLS enabled")

// Options defines mTLS configuration inputs.
type Options struct {
	Enable             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
	ServerName         string
}

// Server returns a server config if enabled, otherwise nil. When a CA is set,
// client certificates are required.
func (o Options) Server() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, ErrMissingKeyPair
	}
	cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if err := o.requireClients(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Client returns a client config if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg, err := o.clientBase()
	if err != nil {
		return nil, err
	}
	if o.CertFile != "" && o.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerHotReload is like Server but rereads the key pair on handshakes
// (at most every reloadTTL), so certificates can be rotated in place.
func (o Options) ServerHotReload() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, ErrMissingKeyPair
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if err := o.requireClients(cfg); err != nil {
		return nil, err
	}
	r := &reloader{cert: o.CertFile, key: o.KeyFile}
	if _, err := r.load(); err != nil {
		return nil, err
	}
	cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return r.load() }
	return cfg, nil
}

// ClientHotReload is like Client but rereads the client key pair on demand.
func (o Options) ClientHotReload() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg, err := o.clientBase()
	if err != nil {
		return nil, err
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return cfg, nil
	}
	r := &reloader{cert: o.CertFile, key: o.KeyFile}
	cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return r.load() }
	return cfg, nil
}

func (o Options) clientBase() (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify, ServerName: o.ServerName, MinVersion: tls.VersionTLS12} //nolint:gosec
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func (o Options) requireClients(cfg *tls.Config) error {
	if o.CAFile == "" {
		return nil
	}
	pool, err := loadPool(o.CAFile)
	if err != nil {
		return err
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return nil
}

func loadPool(path string) (*x509.CertPool, error) {
	ca, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("tls: no certificates in %s", path)
	}
	return pool, nil
}

type reloader struct {
	cert, key string

	mu       sync.RWMutex
	cached   *tls.Certificate
	lastLoad time.Time
}

func (r *reloader) load() (*tls.Certificate, error) {
	r.mu.RLock()
	if r.cached != nil && time.Since(r.lastLoad) < reloadTTL {
		c := r.cached
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()
	cert, err := tls.LoadX509KeyPair(r.cert, r.key)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cached, r.lastLoad = &cert, time.Now()
	r.mu.Unlock()
	return &cert, nil
}
