package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"geoipd/internal/logging"
)

// writePair generates a self-signed pair with the given common name.
func writePair(t *testing.T, certPath, keyPath, cn string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	// Key first, then certificate via rename, so the watcher never sees a
	// certificate without its key.
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	tmp := certPath + ".new"
	if err := os.WriteFile(tmp, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, certPath); err != nil {
		t.Fatal(err)
	}
}

func commonName(t *testing.T, c *tls.Certificate) string {
	t.Helper()
	if c == nil || len(c.Certificate) == 0 {
		t.Fatal("no certificate")
	}
	leaf, err := x509.ParseCertificate(c.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	return leaf.Subject.CommonName
}

func paths(t *testing.T) (string, string) {
	dir := t.TempDir()
	return filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key")
}

func TestNew(t *testing.T) {
	certPath, keyPath := paths(t)
	writePair(t, certPath, keyPath, "first")

	r, err := New(Config{CertFile: certPath, KeyFile: keyPath, Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	if got := commonName(t, r.Certificate()); got != "first" {
		t.Errorf("cn = %q", got)
	}
	got, err := r.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil || got != r.Certificate() {
		t.Errorf("GetCertificate = %v, %v", got, err)
	}
	cfg := r.TLSConfig()
	if cfg.MinVersion != tls.VersionTLS12 || cfg.NextProtos[0] != "h2" {
		t.Errorf("tls config = %+v", cfg)
	}
}

func TestNewErrors(t *testing.T) {
	certPath, keyPath := paths(t)
	if _, err := New(Config{CertFile: certPath}); err == nil {
		t.Error("expected error without key file")
	}
	if _, err := New(Config{CertFile: certPath, KeyFile: keyPath}); err == nil {
		t.Error("expected error for missing files")
	}
}

func TestReloadKeepsPreviousOnFailure(t *testing.T) {
	certPath, keyPath := paths(t)
	writePair(t, certPath, keyPath, "first")
	r, err := New(Config{CertFile: certPath, KeyFile: keyPath, Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(certPath, []byte("not pem"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := commonName(t, r.Certificate()); got != "first" {
		t.Errorf("cn = %q after failed reload", got)
	}
}

func TestWatchPicksUpRotation(t *testing.T) {
	certPath, keyPath := paths(t)
	writePair(t, certPath, keyPath, "first")
	r, err := New(Config{CertFile: certPath, KeyFile: keyPath, Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Watch(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })

	writePair(t, certPath, keyPath, "second")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if commonName(t, r.Certificate()) == "second" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("certificate not reloaded, cn = %q", commonName(t, r.Certificate()))
}

func TestCloseIdempotent(t *testing.T) {
	certPath, keyPath := paths(t)
	writePair(t, certPath, keyPath, "first")
	r, err := New(Config{CertFile: certPath, KeyFile: keyPath})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("close before watch: %v", err)
	}
	if err := r.Watch(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
