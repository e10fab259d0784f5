package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Domain-separation labels. A distinct label is mandatory for every KDF
// role; reusing one across roles would let an attacker who recovers one
// derived key reason about another.
var (
	InfoRootKey    = []byte("duplex:root-key:v1")
	InfoChainKey   = []byte("duplex:chain-key:v1")
	InfoSessionKey = []byte("duplex:session-master-key:v1")
	InfoStreamKey  = []byte("duplex:stream-key:v1")
)

// HKDF expands (salt, ikm, info) into outLen bytes using HKDF-SHA256.
func HKDF(salt, ikm, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf expand: %w", err)
	}
	return out, nil
}

// KDFRootKey implements the Double Ratchet root KDF: it mixes the
// previous root key with a fresh DH output and returns a new root key and
// a new chain key, each 32 bytes. Salt is the old root key; the DH output
// is the input keying material, bound with InfoRootKey.
func KDFRootKey(rootKey, dhOutput []byte) (newRoot, chainKey []byte, err error) {
	out, err := HKDF(rootKey, dhOutput, InfoRootKey, 2*KeyLen)
	if err != nil {
		return nil, nil, err
	}
	return out[:KeyLen:KeyLen], out[KeyLen : 2*KeyLen : 2*KeyLen], nil
}

// KDFChainKey implements the symmetric-ratchet step: salt-only expansion
// of the chain key (no DH output is mixed in) yields the next chain key
// and a single-use message key.
func KDFChainKey(chainKey []byte) (nextChainKey, messageKey []byte, err error) {
	out, err := HKDF(chainKey, InfoChainKey, nil, 2*KeyLen)
	if err != nil {
		return nil, nil, err
	}
	return out[:KeyLen:KeyLen], out[KeyLen : 2*KeyLen : 2*KeyLen], nil
}

// KDFSessionMasterKey derives the key exported to the bulk data channel
// from a root key and the chain key derived alongside it (a send chain,
// or in a receive-triggered DH ratchet step the receive chain).
func KDFSessionMasterKey(rootKey, sendChainKey []byte) ([]byte, error) {
	return HKDF(rootKey, sendChainKey, InfoSessionKey, KeyLen)
}

// KDFStreamKey derives a per-generation stream-cipher key from the
// session master key and an 8-byte little-endian generation counter used
// as salt, so distinct generations yield unrelated keys.
func KDFStreamKey(master []byte, generation uint64) ([]byte, error) {
	salt := make([]byte, 8)
	for i := range salt {
		salt[i] = byte(generation >> (8 * i))
	}
	return HKDF(salt, master, InfoStreamKey, KeyLen)
}
