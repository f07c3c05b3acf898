package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeSelfSigned writes a self-signed CA certificate and key into dir and
// returns their paths.
func writeSelfSigned(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "broker-test"},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	kder, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	certPath, keyPath = filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kder}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath
}

func TestDisabled(t *testing.T) {
	var o Options
	for name, fn := range map[string]func() (*tls.Config, error){
		"server": o.Server, "client": o.Client, "server-hot": o.ServerHotReload, "client-hot": o.ClientHotReload,
	} {
		cfg, err := fn()
		if cfg != nil || err != nil {
			t.Fatalf("%s: expected nil config and error, got %v %v", name, cfg, err)
		}
	}
}

func TestServerRequiresKeyPair(t *testing.T) {
	o := Options{Enable: true}
	if _, err := o.Server(); !errors.Is(err, ErrMissingKeyPair) {
		t.Fatalf("Server err = %v", err)
	}
	if _, err := o.ServerHotReload(); !errors.Is(err, ErrMissingKeyPair) {
		t.Fatalf("ServerHotReload err = %v", err)
	}
}

func TestMutualTLSConfigs(t *testing.T) {
	cert, key := writeSelfSigned(t, t.TempDir())
	o := Options{Enable: true, CAFile: cert, CertFile: cert, KeyFile: key, ServerName: "localhost"}

	srv, err := o.Server()
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	if srv.ClientAuth != tls.RequireAndVerifyClientCert || srv.ClientCAs == nil || len(srv.Certificates) != 1 {
		t.Fatalf("server config not mutual: %+v", srv)
	}

	cli, err := o.Client()
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if cli.RootCAs == nil || cli.ServerName != "localhost" || len(cli.Certificates) != 1 {
		t.Fatalf("client config incomplete: %+v", cli)
	}

	hot, err := o.ServerHotReload()
	if err != nil {
		t.Fatalf("server hot: %v", err)
	}
	c1, err := hot.GetCertificate(nil)
	if err != nil || c1 == nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	c2, _ := hot.GetCertificate(nil)
	if c1 != c2 {
		t.Fatalf("expected cached certificate within ttl")
	}

	chot, err := o.ClientHotReload()
	if err != nil {
		t.Fatalf("client hot: %v", err)
	}
	if cc, err := chot.GetClientCertificate(nil); err != nil || cc == nil {
		t.Fatalf("GetClientCertificate: %v", err)
	}
}

func TestBadCA(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(bad, []byte("not a cert"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := (Options{Enable: true, CAFile: bad}).Client(); err == nil {
		t.Fatalf("expected error for CA without certificates")
	}
	if _, err := (Options{Enable: true, CAFile: filepath.Join(dir, "missing.pem")}).Client(); err == nil {
		t.Fatalf("expected error for missing CA")
	}
}
