// Package streamcipher implements the chunked AEAD cipher that carries
// bulk data alongside the control-channel ratchet: plaintext is split
// into fixed-size chunks, each sealed under a generation-indexed key
// and framed with a header the decrypting side uses to pick the right
// key even across a rotation in flight.
package streamcipher

import (
	"fmt"
	"sync"
	"time"

	"github.com/nyx-systems/duplex/internal/crypto"
	"github.com/nyx-systems/duplex/pkg/suite"
	"github.com/nyx-systems/duplex/pkg/wire"
)

const (
	DefaultRotationBytes   = 10 * 1024 * 1024
	DefaultRotationSeconds = 300
	DefaultChunkSize       = 64 * 1024
)

// Config tunes the rotation policy and chunking size. RotationBytes and
// RotationSeconds are advisory thresholds only: crossing either makes
// NeedsRotation report true, but nothing forces a rotation until the
// coordinator acts on it.
type Config struct {
	RotationBytes   uint64
	RotationSeconds int64
	ChunkSize       uint32
}

// DefaultConfig returns the 10 MiB / 300 s / 64 KiB defaults.
func DefaultConfig() Config {
	return Config{
		RotationBytes:   DefaultRotationBytes,
		RotationSeconds: DefaultRotationSeconds,
		ChunkSize:       DefaultChunkSize,
	}
}

type keyRecord struct {
	key            []byte
	generation     uint64
	createdAt      time.Time
	bytesEncrypted uint64
}

// Cipher is the bulk-data channel: at most two live key generations
// (current and previous, the latter kept only so chunks sealed just
// before a rotation still decrypt), plus a send-side chunk counter that
// resets at every rotation.
type Cipher struct {
	mu sync.Mutex

	suite *suite.Suite
	cfg   Config

	current  *keyRecord
	previous *keyRecord

	sendIndex uint32

	onRotate func(generation uint64)
}

// New builds a Cipher with no key installed; UpdateKey must be called
// before Encrypt or Decrypt will do anything but fail with ErrNotReady
// or ErrUnknownGeneration.
func New(s *suite.Suite, cfg Config) *Cipher {
	return &Cipher{suite: s, cfg: cfg}
}

// OnRotate registers a callback invoked with the new generation number
// every time UpdateKey installs a later generation. Only one callback
// is held at a time; registering again replaces it.
func (c *Cipher) OnRotate(fn func(generation uint64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRotate = fn
}

// UpdateKey installs a new current key generation derived from master,
// demoting the existing current key to previous (wiping whatever was
// previously in that slot) and resetting the send chunk index. It is a
// pure mutator: the caller decides when and from what master key to
// rotate from.
func (c *Cipher) UpdateKey(master []byte, generation uint64) error {
	key, err := c.suite.KDF.StreamKey(master, generation)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.previous != nil {
		crypto.Wipe(c.previous.key)
	}
	c.previous = c.current
	c.current = &keyRecord{key: key, generation: generation, createdAt: c.suite.Clock.Now()}
	c.sendIndex = 0

	if c.onRotate != nil {
		c.onRotate(generation)
	}
	return nil
}

// NeedsRotation reports whether the current key generation has carried
// enough traffic, or lived long enough, that the coordinator should
// force a new one. It is false until a key has been installed.
func (c *Cipher) NeedsRotation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return false
	}
	if c.current.bytesEncrypted >= c.cfg.RotationBytes {
		return true
	}
	elapsed := int64(c.suite.Clock.Now().Sub(c.current.createdAt).Seconds())
	return elapsed >= c.cfg.RotationSeconds
}

// Generation returns the current key generation, or 0 if none has been
// installed yet.
func (c *Cipher) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0
	}
	return c.current.generation
}

// Encrypt splits plaintext into chunks of at most cfg.ChunkSize bytes
// and seals each under the current key, returning the concatenated
// wire form: chunk_header ‖ nonce ‖ ciphertext ‖ tag, repeated per
// chunk in ascending chunk_index order.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return nil, ErrNotReady
	}

	chunkSize := int(c.cfg.ChunkSize)
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	var out []byte
	offset := 0
	for offset < len(plaintext) || (len(plaintext) == 0 && offset == 0) {
		end := offset + chunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		chunk := plaintext[offset:end]

		header := wire.ChunkHeader{
			KeyGeneration: c.current.generation,
			ChunkIndex:    c.sendIndex,
			ChunkSize:     uint32(len(chunk)),
			Flags:         wire.NoFlags,
		}
		headerBytes := header.Encode()

		frame, err := c.suite.AEAD.Seal(c.current.key, chunk, headerBytes)
		if err != nil {
			return nil, err
		}

		out = append(out, headerBytes...)
		out = append(out, frame...)

		c.sendIndex++
		c.current.bytesEncrypted += uint64(len(chunk))

		offset = end
		if len(plaintext) == 0 {
			break
		}
	}
	return out, nil
}

// Decrypt parses a sequence of chunks and decrypts each against
// whichever of current/previous matches its key_generation. Any chunk
// failure — unknown generation, malformed framing, or authentication
// failure — aborts the whole batch; no partial plaintext is returned.
func (c *Cipher) Decrypt(frame []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []byte
	offset := 0
	for offset < len(frame) {
		if len(frame)-offset < wire.ChunkHeaderLen {
			return nil, fmt.Errorf("%w: truncated chunk header", ErrMalformedMessage)
		}
		headerBytes := frame[offset : offset+wire.ChunkHeaderLen]
		header, err := wire.DecodeChunkHeader(headerBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		offset += wire.ChunkHeaderLen

		sealedLen := crypto.NonceLen + int(header.ChunkSize) + crypto.TagLen
		if len(frame)-offset < sealedLen {
			return nil, fmt.Errorf("%w: truncated chunk body", ErrMalformedMessage)
		}
		sealed := frame[offset : offset+sealedLen]
		offset += sealedLen

		key, ok := c.keyForGeneration(header.KeyGeneration)
		if !ok {
			return nil, ErrUnknownGeneration
		}

		pt, err := c.suite.AEAD.Open(key, sealed, headerBytes)
		if err != nil {
			return nil, ErrAuthFailed
		}
		out = append(out, pt...)
	}
	return out, nil
}

func (c *Cipher) keyForGeneration(generation uint64) ([]byte, bool) {
	if c.current != nil && c.current.generation == generation {
		return c.current.key, true
	}
	if c.previous != nil && c.previous.generation == generation {
		return c.previous.key, true
	}
	return nil, false
}

// Close wipes every key generation this cipher holds.
func (c *Cipher) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		crypto.Wipe(c.current.key)
	}
	if c.previous != nil {
		crypto.Wipe(c.previous.key)
	}
}
