// Package certs creates the self-signed TLS material the control socket
// serves when no operator-provided certificate is configured.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"net"
	"time"
)

const defaultValidity = 90 * 24 * time.Hour

// Config controls certificate generation. The zero value yields a
// loopback-only certificate valid for 90 days.
type Config struct {
	// CommonName is the certificate subject; empty means "fluxion".
	CommonName string
	// Hosts lists the DNS names and/or IP literals the certificate is
	// valid for. Empty means localhost plus both loopback addresses.
	Hosts []string
	// Validity is the certificate lifetime; non-positive means 90 days.
	Validity time.Duration
}

// CertInfo holds a generated TLS certificate and its SHA-256 fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64, the form
// operators pin on the client side.
func (c *CertInfo) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// splitHosts partitions host entries into IP addresses and DNS names for
// the certificate's subject alternative names.
func splitHosts(hosts []string) (ips []net.IP, dns []string) {
	if len(hosts) == 0 {
		return []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}, []string{"localhost"}
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		} else {
			dns = append(dns, h)
		}
	}
	return ips, dns
}

// Generate creates a new self-signed ECDSA P-256 certificate per cfg.
func Generate(cfg Config) (*CertInfo, error) {
	if cfg.CommonName == "" {
		cfg.CommonName = "fluxion"
	}
	if cfg.Validity <= 0 {
		cfg.Validity = defaultValidity
	}
	ips, dns := splitHosts(cfg.Hosts)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Minute) // slight backdate for clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cfg.CommonName},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(cfg.Validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dns,
		IPAddresses:  ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &CertInfo{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		},
		Fingerprint: sha256.Sum256(certDER),
		NotAfter:    template.NotAfter,
	}, nil
}
