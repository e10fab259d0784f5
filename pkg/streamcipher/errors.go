package streamcipher

import "errors"

var (
	// ErrNotReady means Encrypt was called before any key generation
	// had been installed via UpdateKey. Decrypt in that state reports
	// ErrUnknownGeneration for any chunk instead.
	ErrNotReady = errors.New("streamcipher: not ready")
	// ErrUnknownGeneration means a chunk names a key generation that is
	// neither the current nor the immediately previous one.
	ErrUnknownGeneration = errors.New("streamcipher: unknown key generation")
	// ErrAuthFailed means AEAD verification failed for some chunk in a
	// batch; none of that batch's plaintext is returned.
	ErrAuthFailed = errors.New("streamcipher: authentication failed")
	// ErrMalformedMessage means the chunk framing could not be parsed.
	ErrMalformedMessage = errors.New("streamcipher: malformed message")
)
