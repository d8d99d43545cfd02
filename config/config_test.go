package config

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func noEnv(string) (string, bool) { return "", false }

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	s, err := LoadEnv("", noEnv)
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if s.DefaultPaginationClass != "page_number" || s.PageSize != 100 || s.MaxPageSize != 1000 {
		t.Errorf("defaults = %+v", s)
	}
	if s.ProjectionDepth != 10 {
		t.Errorf("ProjectionDepth = %d, want 10", s.ProjectionDepth)
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeFile(t, "modelrpc.yaml", `
page_size: 20
max_page_size: 50
grpc_async: true
default_filter_backends: [search]
cache_ttl: 30s
store:
  driver: sqlite
  path: /tmp/app.db
log:
  level: debug
  format: json
`)
	env := map[string]string{
		"MODELRPC_PAGE_SIZE":               "25",
		"MODELRPC_DEFAULT_FILTER_BACKENDS": "field, search",
		"MODELRPC_ADDR":                    " :9000 ",
	}
	s, err := LoadEnv(path, func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if s.PageSize != 25 {
		t.Errorf("PageSize = %d, want env override 25", s.PageSize)
	}
	if s.MaxPageSize != 50 || !s.GRPCAsync || s.CacheTTL != 30*time.Second {
		t.Errorf("yaml values not applied: %+v", s)
	}
	if got := strings.Join(s.DefaultFilterBackends, ","); got != "field,search" {
		t.Errorf("DefaultFilterBackends = %q", got)
	}
	if s.Addr != ":9000" {
		t.Errorf("Addr = %q", s.Addr)
	}
	if s.Store.Driver != "sqlite" || s.Store.Path != "/tmp/app.db" {
		t.Errorf("Store = %+v", s.Store)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"page size above max", "page_size: 10\nmax_page_size: 5\n", "PageSize"},
		{"compression", "compression: gzip\n", "Compression"},
		{"sqlite without path", "store:\n  driver: sqlite\n", "Path"},
		{"half tls", "tls:\n  cert_file: a.pem\n", "KeyFile"},
		{"unknown key", "page_sise: 10\n", "page_sise"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadEnv(writeFile(t, "c.yaml", tt.yaml), noEnv)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_BadEnv(t *testing.T) {
	_, err := LoadEnv("", func(k string) (string, bool) {
		if k == "MODELRPC_MAX_WORKERS" {
			return "many", true
		}
		return "", false
	})
	if err == nil || !strings.Contains(err.Error(), "MODELRPC_MAX_WORKERS") {
		t.Errorf("err = %v", err)
	}
}

func TestLogHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(LogSettings{Level: "warn", Format: "json"}.Handler(&buf))
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Errorf("output = %s", buf.String())
	}
}

func selfSigned(t *testing.T) (certPEM, keyPEM string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	kder, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kder}))
	return certPEM, keyPEM
}

func TestLoadTLS(t *testing.T) {
	certPEM, keyPEM := selfSigned(t)
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		return p
	}
	cert := write("cert.pem", certPEM)
	key := write("key.pem", keyPEM)
	both := write("both.pem", certPEM+keyPEM)

	cfg, err := TLSSettings{CertFile: cert, KeyFile: key}.LoadTLS()
	if err != nil {
		t.Fatalf("LoadTLS: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("certificates = %d", len(cfg.Certificates))
	}

	tests := []struct {
		name       string
		cert, key  string
		wantSubstr string
	}{
		{"swapped", key, cert, "swapped"},
		{"same file", cert, cert, "same file"},
		{"combined", both, key, "ambiguous"},
		{"missing", cert, filepath.Join(dir, "nope.pem"), "no such file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TLSSettings{CertFile: tt.cert, KeyFile: tt.key}.LoadTLS()
			if err == nil || !strings.Contains(err.Error(), tt.wantSubstr) {
				t.Errorf("LoadTLS(%s) = %v, want error containing %q", tt.name, err, tt.wantSubstr)
			}
		})
	}
}
