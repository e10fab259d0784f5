// Package suite names the capability set the duplex channel is
// parameterized by: DH, KDF, AEAD, randomness and a clock. Replacing the
// source's direct library calls with named capabilities keeps
// pkg/ratchet and pkg/streamcipher library-agnostic and lets tests swap
// in deterministic fakes.
package suite

import (
	"time"

	"github.com/nyx-systems/duplex/internal/crypto"
)

// DH is the Diffie-Hellman capability: key-pair generation and shared
// secret derivation on a 32-byte Montgomery curve.
type DH interface {
	Generate() (KeyPair, error)
	Restore(private []byte) (KeyPair, error)
}

// KeyPair is a DH key pair.
type KeyPair interface {
	Public() []byte
	PrivateBytes() []byte
	Exchange(peerPublic []byte) ([]byte, error)
}

// AEAD is the authenticated-encryption capability.
type AEAD interface {
	Seal(key, plaintext, ad []byte) ([]byte, error)
	Open(key, frame, ad []byte) ([]byte, error)
}

// KDF is the key-derivation capability used by both the ratchet and the
// stream cipher.
type KDF interface {
	RootKey(rootKey, dhOutput []byte) (newRoot, chainKey []byte, err error)
	ChainKey(chainKey []byte) (nextChainKey, messageKey []byte, err error)
	SessionMasterKey(rootKey, sendChainKey []byte) ([]byte, error)
	StreamKey(master []byte, generation uint64) ([]byte, error)
}

// Clock is the monotonic time source used for stream-cipher rotation
// timing.
type Clock interface {
	Now() time.Time
}

// Suite bundles the capability set an engine is parameterized by.
// Randomness is a capability too, but it lives inside the DH and AEAD
// implementations (key-pair generation, nonces) rather than being drawn
// by the engines themselves.
type Suite struct {
	DH    DH
	AEAD  AEAD
	KDF   KDF
	Clock Clock
}

type defaultDH struct{}

func (defaultDH) Generate() (KeyPair, error) { return crypto.GenerateDH() }

func (defaultDH) Restore(private []byte) (KeyPair, error) { return crypto.RestoreDH(private) }

type defaultAEAD struct{}

func (defaultAEAD) Seal(key, plaintext, ad []byte) ([]byte, error) {
	return crypto.Seal(key, plaintext, ad)
}

func (defaultAEAD) Open(key, frame, ad []byte) ([]byte, error) {
	return crypto.Open(key, frame, ad)
}

type defaultKDF struct{}

func (defaultKDF) RootKey(rootKey, dhOutput []byte) ([]byte, []byte, error) {
	return crypto.KDFRootKey(rootKey, dhOutput)
}

func (defaultKDF) ChainKey(chainKey []byte) ([]byte, []byte, error) {
	return crypto.KDFChainKey(chainKey)
}

func (defaultKDF) SessionMasterKey(rootKey, sendChainKey []byte) ([]byte, error) {
	return crypto.KDFSessionMasterKey(rootKey, sendChainKey)
}

func (defaultKDF) StreamKey(master []byte, generation uint64) ([]byte, error) {
	return crypto.KDFStreamKey(master, generation)
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Default returns the production capability set: X25519, HKDF-SHA256,
// AES-256-GCM, crypto/rand and the wall clock.
func Default() *Suite {
	return &Suite{
		DH:    defaultDH{},
		AEAD:  defaultAEAD{},
		KDF:   defaultKDF{},
		Clock: wallClock{},
	}
}
