package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// NonceLen is the size, in bytes, of the AEAD nonce.
	NonceLen = 12
	// TagLen is the size, in bytes, of the AEAD authentication tag.
	TagLen = 16
)

// ErrAuthFailed indicates AEAD verification failed; no plaintext is ever
// returned alongside this error.
var ErrAuthFailed = errors.New("crypto: aead authentication failed")

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("%w: key length %d", ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceLen)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	if aead.Overhead() != TagLen {
		return nil, fmt.Errorf("crypto: unexpected gcm tag size %d", aead.Overhead())
	}
	return aead, nil
}

// Seal encrypts plaintext under a 256-bit AES-GCM key with a fresh random
// 12-byte nonce and the supplied associated data, returning
// nonce‖ciphertext‖tag.
func Seal(key, plaintext, ad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceLen, NonceLen+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: reading nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

// Open decrypts a nonce‖ciphertext‖tag frame produced by Seal. Any
// mismatch in key, ad, or frame integrity yields ErrAuthFailed; no
// partial plaintext is ever returned.
func Open(key, frame, ad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(frame) < NonceLen+aead.Overhead() {
		return nil, fmt.Errorf("%w: frame too short", ErrAuthFailed)
	}
	nonce, ciphertext := frame[:NonceLen], frame[NonceLen:]
	// A non-nil dst keeps an empty plaintext distinct from the nil
	// returned on failure.
	plaintext, err := aead.Open(make([]byte, 0, len(ciphertext)-TagLen), nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}
