package config

import (
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// pemKinds summarizes the blocks of one PEM file.
type pemKinds struct {
	certs, keys int
}

func scanPEM(data []byte) pemKinds {
	var k pemKinds
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return k
		}
		switch {
		case block.Type == "CERTIFICATE":
			k.certs++
		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			k.keys++
		}
	}
}

// LoadTLS loads the configured certificate and key. Each file must hold
// exactly the kind of material its setting names. Inputs that are swapped,
// identical or that mix certificates and keys in one file are rejected
// rather than reinterpreted.
func (t TLSSettings) LoadTLS() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, errors.New("config: tls: cert_file and key_file are both required")
	}
	if filepath.Clean(t.CertFile) == filepath.Clean(t.KeyFile) {
		return nil, fmt.Errorf("config: tls: cert_file and key_file are the same file %q", t.CertFile)
	}
	certPEM, err := os.ReadFile(t.CertFile)
	if err != nil {
		return nil, fmt.Errorf("config: tls: %w", err)
	}
	keyPEM, err := os.ReadFile(t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: tls: %w", err)
	}

	ck, kk := scanPEM(certPEM), scanPEM(keyPEM)
	switch {
	case ck.certs == 0 && ck.keys > 0 && kk.certs > 0 && kk.keys == 0:
		return nil, fmt.Errorf("config: tls: cert_file %q holds a private key and key_file %q a certificate; the paths appear swapped", t.CertFile, t.KeyFile)
	case ck.keys > 0 || kk.certs > 0:
		return nil, errors.New("config: tls: ambiguous input, each file must hold only its own kind of PEM block")
	case ck.certs == 0:
		return nil, fmt.Errorf("config: tls: cert_file %q holds no certificate", t.CertFile)
	case kk.keys != 1:
		return nil, fmt.Errorf("config: tls: key_file %q must hold exactly one private key, found %d", t.KeyFile, kk.keys)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("config: tls: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2"},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
