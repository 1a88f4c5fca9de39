package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// TLSConfig configures the certificate the QUIC listener presents to
// browsers. Browsers pinning the certificate via WebTransport
// serverCertificateHashes require an ECDSA certificate valid for at most
// two weeks, so generated certificates use ECDSA P-256 with a 13-day
// lifetime.
type TLSConfig struct {
	// CertPath is the path to the TLS certificate file in PEM format.
	CertPath string `json:"cert_path,omitzero"`

	// KeyPath is the path to the TLS private key file in PEM format.
	KeyPath string `json:"key_path,omitzero"`

	// GenerateCert enables automatic generation of a self-signed
	// certificate. This is the default when no paths are set.
	GenerateCert bool `json:"generate_cert,omitzero"`
}

// Validate checks that the TLS configuration is consistent.
func (c *TLSConfig) Validate() error {
	hasCert := c.CertPath != ""
	hasKey := c.KeyPath != ""
	if hasCert != hasKey {
		return errors.New("cert_path and key_path must both be set or both be empty")
	}
	if hasCert {
		if _, err := os.Stat(c.CertPath); err != nil {
			return fmt.Errorf("cert_path %q: %w", c.CertPath, err)
		}
		if _, err := os.Stat(c.KeyPath); err != nil {
			return fmt.Errorf("key_path %q: %w", c.KeyPath, err)
		}
	}
	return nil
}

// TLSResult is a loaded or generated server certificate plus the SHA-256
// fingerprint of its SubjectPublicKeyInfo, which pinning clients pass to
// the browser as a serverCertificateHashes entry.
type TLSResult struct {
	Config          *tls.Config
	SPKIFingerprint [sha256.Size]byte
}

// FingerprintHex returns the SPKI fingerprint as lowercase hex.
func (r TLSResult) FingerprintHex() string {
	return hex.EncodeToString(r.SPKIFingerprint[:])
}

// NewTLS loads the configured certificate, or generates a self-signed one
// when no paths are set. The caller should call Validate() first.
func (c *TLSConfig) NewTLS() (TLSResult, error) {
	var cert tls.Certificate
	var err error

	if c.CertPath != "" {
		cert, err = tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
		if err != nil {
			return TLSResult{}, fmt.Errorf("failed to load certificate: %w", err)
		}
	} else {
		cert, err = generateSelfSignedCert()
		if err != nil {
			return TLSResult{}, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
	}

	fingerprint, err := spkiFingerprint(cert)
	if err != nil {
		return TLSResult{}, err
	}

	return TLSResult{
		Config: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS13,
		},
		SPKIFingerprint: fingerprint,
	}, nil
}

// spkiFingerprint computes the SHA-256 hash of the certificate's
// SubjectPublicKeyInfo.
func spkiFingerprint(cert tls.Certificate) ([sha256.Size]byte, error) {
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return sha256.Sum256(leaf.RawSubjectPublicKeyInfo), nil
}

// generateSelfSignedCert creates a short-lived self-signed certificate
// suitable for serverCertificateHashes pinning.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"pgwarp"},
			CommonName:   "pgwarp",
		},
		NotBefore: time.Now().Add(-time.Hour),
		// serverCertificateHashes rejects certificates valid for more
		// than 14 days.
		NotAfter:              time.Now().Add(13 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})

	return tls.X509KeyPair(certPEM, keyPEM)
}
