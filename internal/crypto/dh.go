// Package crypto holds the concrete cryptographic primitives the duplex
// channel is built from: a Montgomery-curve DH, HKDF-SHA256, AES-256-GCM
// and a secure-wipe helper. Callers should not depend on this package
// directly; go through pkg/suite instead.
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
)

// KeyLen is the size, in bytes, of a public or private X25519 key and of
// every symmetric key derived in the duplex channel.
const KeyLen = 32

var (
	// ErrDHFailure indicates a curve operation returned no result.
	ErrDHFailure = errors.New("crypto: dh exchange failed")
	// ErrInvalidKey indicates a key of the wrong length or encoding.
	ErrInvalidKey = errors.New("crypto: invalid key")
)

// DHKeyPair is an X25519 key pair. The private scalar leaves this type
// only through PrivateBytes.
type DHKeyPair struct {
	private *ecdh.PrivateKey
	public  [KeyLen]byte
}

// GenerateDH creates a fresh X25519 key pair.
func GenerateDH() (*DHKeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDHFailure, err)
	}
	kp := &DHKeyPair{private: priv}
	copy(kp.public[:], priv.PublicKey().Bytes())
	return kp, nil
}

// RestoreDH reconstructs a key pair from a raw 32-byte private scalar.
func RestoreDH(privateBytes []byte) (*DHKeyPair, error) {
	priv, err := ecdh.X25519().NewPrivateKey(privateBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	kp := &DHKeyPair{private: priv}
	copy(kp.public[:], priv.PublicKey().Bytes())
	return kp, nil
}

// Public returns the raw 32-byte public key.
func (k *DHKeyPair) Public() []byte {
	b := make([]byte, KeyLen)
	copy(b, k.public[:])
	return b
}

// PrivateBytes returns the raw 32-byte private scalar. Callers must wipe
// the result once they are done with it.
func (k *DHKeyPair) PrivateBytes() []byte {
	return k.private.Bytes()
}

// Exchange performs X25519(private, peerPublic) and returns the 32-byte
// shared secret. A peer key of the wrong length yields ErrInvalidKey; a
// low-order peer key that the curve rejects yields ErrDHFailure.
func (k *DHKeyPair) Exchange(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != KeyLen {
		return nil, fmt.Errorf("%w: peer public key length %d", ErrInvalidKey, len(peerPublic))
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDHFailure, err)
	}
	secret, err := k.private.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDHFailure, err)
	}
	return secret, nil
}
