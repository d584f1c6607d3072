// Package trust establishes the server's transport identity and the policy
// clients use to decide whether to trust it.
//
// The server generates a fresh self-signed certificate on every start and
// never persists it. Clients verify it through a Verifier; the default,
// AcceptAny, performs no verification at all and exists until a
// certificate-authority based policy replaces it.
package trust

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ServerName is the host name bound into the server certificate and
	// presented by clients.
	ServerName = "localhost"

	// ALPN identifies the protocol during the handshake.
	ALPN = "hank-sync"

	// MaxStreams caps concurrently open streams per connection, in each
	// direction.
	MaxStreams = 100

	certLifetime = 365 * 24 * time.Hour
)

// Config bundles the TLS and transport settings for one side.
type Config struct {
	TLS  *tls.Config
	QUIC *quic.Config
}

// BootstrapIdentity generates an ephemeral self-signed certificate for
// ServerName and returns its DER encoding with the private key.
func BootstrapIdentity() ([]byte, *ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	notBefore := time.Now().Add(-time.Minute)
	notAfter := notBefore.Add(certLifetime)

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: ServerName,
		},
		NotBefore: notBefore,
		NotAfter:  notAfter,

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,

		DNSNames: []string{ServerName},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	return der, priv, nil
}

// ServerConfig builds the server side transport configuration around the
// given identity.
func ServerConfig(certDER []byte, key crypto.Signer) (*Config, error) {
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &Config{
		TLS: &tls.Config{
			Certificates: []tls.Certificate{{
				Certificate: [][]byte{certDER},
				PrivateKey:  key,
				Leaf:        leaf,
			}},
			NextProtos: []string{ALPN},
			MinVersion: tls.VersionTLS13,
		},
		QUIC: &quic.Config{
			MaxIncomingStreams:    MaxStreams,
			MaxIncomingUniStreams: MaxStreams,
		},
	}, nil
}

// ClientConfig builds the client side transport configuration. All
// certificate checking is delegated to v; nil means AcceptAny.
func ClientConfig(v Verifier) *Config {
	if v == nil {
		v = AcceptAny{}
	}
	return &Config{
		TLS: &tls.Config{
			ServerName: ServerName,
			NextProtos: []string{ALPN},
			MinVersion: tls.VersionTLS13,
			// Go's own chain verification is replaced by v below.
			InsecureSkipVerify: true,
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				chain := make([]*x509.Certificate, 0, len(rawCerts))
				for _, raw := range rawCerts {
					cert, err := x509.ParseCertificate(raw)
					if err != nil {
						return fmt.Errorf("parse server certificate: %w", err)
					}
					chain = append(chain, cert)
				}
				return v.Verify(chain, ServerName)
			},
		},
		QUIC: &quic.Config{
			MaxIncomingStreams:    MaxStreams,
			MaxIncomingUniStreams: MaxStreams,
		},
	}
}

// Fingerprint returns the hex SHA-256 of a DER certificate, the value
// operators pass to Pinned.
func Fingerprint(certDER []byte) string {
	sum := sha256.Sum256(certDER)
	return hex.EncodeToString(sum[:])
}
