// Package pairing performs the manual, operator-mediated exchange that
// supplies the 32-byte shared secret pkg/coordinator treats as an opaque
// caller-supplied input. It is deliberately not a key-agreement protocol
// in the X3DH/PAKE sense: one side's ephemeral public key is rendered as
// a QR code for a human to scan on the other device, the same trust
// model as a manual fingerprint comparison.
package pairing

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/mdp/qrterminal/v3"
	"golang.org/x/crypto/hkdf"
)

// Handshake holds one side's ephemeral key pair for a single pairing
// exchange. It is single-use: call Complete once and discard it.
type Handshake struct {
	private *ecdh.PrivateKey
}

// New generates a fresh ephemeral X25519 key pair for this pairing.
func New() (*Handshake, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pairing: generating ephemeral key: %w", err)
	}
	return &Handshake{private: priv}, nil
}

// PublicKey returns this side's 32-byte ephemeral public key.
func (h *Handshake) PublicKey() []byte {
	return h.private.PublicKey().Bytes()
}

// QRCode renders this side's public key as a terminal QR code for the
// operator to scan on the peer device, in place of copying 32 raw
// bytes by hand.
func (h *Handshake) QRCode() []byte {
	var buf bytes.Buffer
	qrterminal.Generate(fmt.Sprintf("duplex-pair:%x", h.PublicKey()), qrterminal.L, &buf)
	return buf.Bytes()
}

// Complete performs the ECDH exchange against the peer's scanned public
// key and derives the 32-byte shared secret pkg/coordinator's
// InitInitiator/InitResponder expects. The raw ECDH output is never
// used directly as the shared secret: it is passed through HKDF with a
// fixed info string, so a passive observer of one pairing's public keys
// cannot reuse the same transform to attack another protocol that might
// also consume raw X25519 output.
func (h *Handshake) Complete(peerPublic []byte) ([]byte, error) {
	pub, err := ecdh.X25519().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("pairing: parsing peer public key: %w", err)
	}
	raw, err := h.private.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("pairing: ecdh exchange: %w", err)
	}

	r := hkdf.New(sha256.New, raw, nil, []byte("duplex-pairing-shared-secret-v1"))
	secret := make([]byte, 32)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("pairing: deriving shared secret: %w", err)
	}
	return secret, nil
}
