// Package network implements the node's peer transport: TLS 1.3 mutual
// auth over TCP, the join handshake, and a bounded peer registry.
//
// Transport security is grounded directly on the teacher's
// internal/gossip/server.go buildServerTLS/ListenAndServe: TLS 1.3 only,
// mutual certificate presentation, Ed25519 certificates. The gRPC layer
// itself is dropped (see DESIGN.md) in favour of the plain TCP
// length-prefixed JSON framing in internal/protocol, carried over the same
// *tls.Config.
//
// Unlike the teacher, which verifies client certs against an operator-
// managed CA, this network has no central authority: every peer presents a
// certificate self-signed by its own long-lived Ed25519 identity
// (selfsigned.go), and trust is established afterwards at the application
// layer by the signed Join/Hello exchange (spec.md §4.5), not by chain
// validation. TLS here provides confidentiality and channel binding; a
// configured CAFile adds chain verification of client certificates on the
// server side, while Transport.Dial skips server-certificate verification
// regardless of CAFile.
package network

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSMaterial holds the certificate/key/CA paths needed to build client and
// server TLS configs. CAFile may be empty, in which case certificates are
// accepted without chain verification and trust is left to the join
// handshake.
type TLSMaterial struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// ServerTLSConfig builds a TLS 1.3-only server config that always requests
// and requires a client certificate (mutual presentation), matching the
// teacher's buildServerTLS posture, but only chain-verifies it when a
// CAFile was configured.
func ServerTLSConfig(m TLSMaterial) (*tls.Config, error) {
	cert, caPool, err := loadCertAndCA(m)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}
	if caPool != nil {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = caPool
	} else {
		cfg.ClientAuth = tls.RequireAnyClientCert
	}
	return cfg, nil
}

// ClientTLSConfig builds a TLS 1.3-only client config: the node presents
// its own certificate and, when a CAFile was configured, verifies the
// remote peer's certificate against it. Without one, chain verification is
// skipped (peer identity is instead verified by the signed Hello).
func ClientTLSConfig(m TLSMaterial, serverName string) (*tls.Config, error) {
	cert, caPool, err := loadCertAndCA(m)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: caPool == nil,
	}
	if caPool != nil {
		cfg.RootCAs = caPool
	}
	return cfg, nil
}

func loadCertAndCA(m TLSMaterial) (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("network: load cert/key: %w", err)
	}
	if m.CAFile == "" {
		return cert, nil, nil
	}
	caData, err := os.ReadFile(m.CAFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("network: read CA file %q: %w", m.CAFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return tls.Certificate{}, nil, fmt.Errorf("network: parse CA certificate from %q", m.CAFile)
	}
	return cert, pool, nil
}
