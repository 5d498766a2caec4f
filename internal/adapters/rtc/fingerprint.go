package rtc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/dkeye/jinglecall/internal/domain"
	"github.com/dkeye/jinglecall/internal/jingle"
	"github.com/pion/webrtc/v4"
)

// Certificate is the local DTLS identity advertised in transports.
type Certificate struct {
	cert         *webrtc.Certificate
	fingerprints []jingle.Fingerprint
}

func NewCertificate() (*Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate dtls certificate: %w", err)
	}
	fps, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("dtls fingerprints: %w", err)
	}
	out := make([]jingle.Fingerprint, 0, len(fps))
	for _, fp := range fps {
		out = append(out, jingle.Fingerprint{Hash: fp.Algorithm, Value: strings.ToUpper(fp.Value)})
	}
	return &Certificate{cert: cert, fingerprints: out}, nil
}

// Fingerprints returns the fingerprints with the DTLS setup role that
// matches the negotiation role.
func (c *Certificate) Fingerprints(role domain.Role) []jingle.Fingerprint {
	if c == nil {
		return nil
	}
	setup := "actpass"
	if role == domain.RoleResponder {
		setup = "active"
	}
	out := make([]jingle.Fingerprint, len(c.fingerprints))
	for i, fp := range c.fingerprints {
		fp.Setup = setup
		out[i] = fp
	}
	return out
}
