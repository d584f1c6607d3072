package trust

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
)

// ErrUntrusted is returned by verifiers that reject a server.
var ErrUntrusted = errors.New("untrusted server certificate")

// Verifier decides whether a presented certificate chain is acceptable
// for serverName. A nil error allows the connection.
type Verifier interface {
	Verify(chain []*x509.Certificate, serverName string) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(chain []*x509.Certificate, serverName string) error

func (f VerifierFunc) Verify(chain []*x509.Certificate, serverName string) error {
	return f(chain, serverName)
}

// AcceptAny trusts every server. It checks neither the chain, nor the
// host name, nor validity dates.
//
// INSECURE: anyone able to intercept traffic can impersonate the server.
type AcceptAny struct{}

func (AcceptAny) Verify([]*x509.Certificate, string) error { return nil }

// Pinned trusts only a leaf certificate whose SHA-256 fingerprint matches.
// Because the server regenerates its identity on every restart, the pin
// must be refreshed from the server's startup log after each restart.
type Pinned struct {
	Fingerprint string
}

func (p Pinned) Verify(chain []*x509.Certificate, _ string) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: no certificate presented", ErrUntrusted)
	}
	want := strings.ToLower(strings.ReplaceAll(p.Fingerprint, ":", ""))
	got := Fingerprint(chain[0].Raw)
	if got != want {
		return fmt.Errorf("%w: fingerprint %s does not match pin", ErrUntrusted, got)
	}
	return nil
}

// ForPin returns Pinned for a non-empty fingerprint and AcceptAny otherwise.
func ForPin(fingerprint string) Verifier {
	if fingerprint == "" {
		return AcceptAny{}
	}
	return Pinned{Fingerprint: fingerprint}
}
