// Package tlsengine generates a single self-signed certificate covering a
// wide set of subject alternative names and builds the server-side TLS
// configuration used to terminate MITM-tunneled connections, on both the
// recording proxy and the replay server.
package tlsengine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// wildcardSANs is the broad-coverage TLD list from spec.md §4.3: enough
// common and wildcard names that name-based TLS verification succeeds for
// arbitrary captured hosts when the client trusts this CA (or ignores
// hostname mismatches).
var wildcardSANs = []string{
	"*.com", "*.org", "*.net", "*.io", "*.dev", "*.app",
	"*.co", "*.us", "*.uk", "*.de", "*.fr", "*.jp", "*.cn",
	"*.ru", "*.br", "*.in", "*.ca", "*.au", "*.nl", "*.se",
	"*.edu", "*.gov", "*.info", "*.biz", "*.tv", "*.me",
}

// CA holds the self-signed leaf certificate used to terminate every MITM-ed
// connection of the proxy or replay server it is handed to. Each New call
// generates a fresh key and certificate; the CA is safe for concurrent use
// by every accepting goroutine thereafter — it never mutates after New
// returns.
type CA struct {
	cert tls.Certificate
}

// New generates a fresh ECDSA P-256 key and a self-signed leaf certificate
// covering localhost, loopback addresses, and the wildcard SAN list. The
// private key is never persisted; it exists only for this process's
// lifetime (spec.md §4.3).
func New() (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tlsengine: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("tlsengine: generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"WebMock Dynamic CA"},
			CommonName:   "WebMock Dynamic CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              append([]string{"localhost"}, wildcardSANs...),
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("tlsengine: create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("tlsengine: parse generated certificate: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}

	return &CA{cert: cert}, nil
}

// BuildAcceptor returns a *tls.Config suitable for a server-side Accept/
// Handshake, presenting the dynamic certificate and advertising both h2 and
// http/1.1 over ALPN so the client can negotiate either.
func (c *CA) BuildAcceptor() (*tls.Config, error) {
	if c == nil {
		return nil, fmt.Errorf("tlsengine: nil CA")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{c.cert},
		NextProtos:   []string{"h2", "http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
