package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// rotationWindow is how close to expiry a stored certificate is replaced
	rotationWindow = 30 * 24 * time.Hour

	// DefaultCertValidity is the lifetime of generated server certificates
	DefaultCertValidity = 365 * 24 * time.Hour

	certFile = "server.crt"
	keyFile  = "server.key"
)

// GenerateSelfSigned creates a P-256 self-signed server certificate for hosts.
// Entries that parse as IP addresses become IP SANs, the rest DNS SANs.
func GenerateSelfSigned(hosts []string, validFor time.Duration) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	notBefore := time.Now().Add(-time.Minute)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "runway-server", Organization: []string{"runway"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		switch ip := net.ParseIP(h); {
		case ip != nil:
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		case h != "":
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}

// SaveCertToFile writes server.crt and server.key (PKCS#8) into certDir
func SaveCertToFile(cert *tls.Certificate, certDir string) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}

	files := []struct {
		name  string
		block *pem.Block
	}{
		{certFile, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}},
		{keyFile, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(certDir, f.name), pem.EncodeToMemory(f.block), 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}
	return nil
}

// LoadCertFromFile reads the pair written by SaveCertToFile, with Leaf set
func LoadCertFromFile(certDir string) (*tls.Certificate, error) {
	pair, err := tls.LoadX509KeyPair(filepath.Join(certDir, certFile), filepath.Join(certDir, keyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	if pair.Leaf == nil {
		if pair.Leaf, err = x509.ParseCertificate(pair.Certificate[0]); err != nil {
			return nil, fmt.Errorf("failed to parse server certificate: %w", err)
		}
	}
	return &pair, nil
}

// LoadOrCreateServerCert returns the certificate in certDir, generating a
// new self-signed one when it is missing or close to expiry.
func LoadOrCreateServerCert(certDir string, hosts []string) (*tls.Certificate, error) {
	if cert, err := LoadCertFromFile(certDir); err == nil && !CertNeedsRotation(cert.Leaf) {
		return cert, nil
	}

	cert, err := GenerateSelfSigned(hosts, DefaultCertValidity)
	if err != nil {
		return nil, err
	}
	if err := SaveCertToFile(cert, certDir); err != nil {
		return nil, err
	}
	return cert, nil
}

// LoadCAPool reads a PEM bundle into a certificate pool
func LoadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// CertNeedsRotation is true for a missing certificate or one inside the
// rotation window
func CertNeedsRotation(cert *x509.Certificate) bool {
	return cert == nil || time.Until(cert.NotAfter) < rotationWindow
}

// Fingerprint is the SHA-256 digest of a certificate in the colon-separated
// hex form browsers and openssl print, so a self-signed server certificate can
// be checked by hand
func Fingerprint(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
