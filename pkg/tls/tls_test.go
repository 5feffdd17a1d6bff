package tls

import (
	"path/filepath"
	"testing"
)

func TestEnsureCertGeneratesAndLoads(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")

	if err := EnsureCert(certFile, keyFile, "work-manager"); err != nil {
		t.Fatalf("EnsureCert: %v", err)
	}

	// Second call finds the pair and leaves it alone
	if err := EnsureCert(certFile, keyFile, "work-manager"); err != nil {
		t.Fatalf("EnsureCert (existing): %v", err)
	}

	cfg, err := LoadServerConfig(certFile, keyFile, "", false)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("certificates = %d, want 1", len(cfg.Certificates))
	}

	clientCfg, err := LoadClientConfig("", "", certFile)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if clientCfg.RootCAs == nil {
		t.Error("expected a CA pool from the generated certificate")
	}
}

func TestEnsureCertRejectsHalfPair(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")

	if err := GenerateSelfSignedCert(certFile, filepath.Join(dir, "other.key"), "work-manager"); err != nil {
		t.Fatal(err)
	}
	if err := EnsureCert(certFile, keyFile, "work-manager"); err == nil {
		t.Error("expected an error for a cert without its key")
	}
}
