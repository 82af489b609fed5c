package network

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/p2p-ai-agents/node/internal/identity"
)

// EnsureSelfSignedMaterial returns TLSMaterial for id, generating a
// self-signed X.509 certificate bound to the node's existing Ed25519
// keypair the first time it is called for a given certPath/keyPath pair,
// and reusing it thereafter. There is no shared certificate authority in
// this network: every peer presents its own self-signed leaf, so CAFile is
// left empty and trust is established at the application layer by the
// signed Join/Hello exchange (spec.md §4.5 step 1) rather than by chain
// verification.
func EnsureSelfSignedMaterial(id *identity.NodeIdentity, certPath, keyPath string) (TLSMaterial, error) {
	if _, err := os.Stat(certPath); err == nil {
		if _, err := os.Stat(keyPath); err == nil {
			return TLSMaterial{CertFile: certPath, KeyFile: keyPath}, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(certPath), 0o700); err != nil {
		return TLSMaterial{}, fmt.Errorf("network: create tls dir: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return TLSMaterial{}, fmt.Errorf("network: generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: id.PeerID},
		NotBefore:             id.CreatedAt.Add(-time.Hour),
		NotAfter:              id.CreatedAt.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, id.PublicKey, id.PrivateKey)
	if err != nil {
		return TLSMaterial{}, fmt.Errorf("network: create self-signed certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalPKCS8PrivateKey(id.PrivateKey)
	if err != nil {
		return TLSMaterial{}, fmt.Errorf("network: marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		return TLSMaterial{}, fmt.Errorf("network: write cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return TLSMaterial{}, fmt.Errorf("network: write key: %w", err)
	}
	return TLSMaterial{CertFile: certPath, KeyFile: keyPath}, nil
}
