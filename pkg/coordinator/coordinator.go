// Package coordinator owns one Double Ratchet engine and one chunked
// stream cipher and keeps the latter's key generation synchronized to
// the former's, so that control-channel messages and bulk data share a
// single, coherent forward-secrecy timeline.
package coordinator

import (
	"fmt"
	"sync"

	"github.com/nyx-systems/duplex/pkg/ratchet"
	"github.com/nyx-systems/duplex/pkg/streamcipher"
	"github.com/nyx-systems/duplex/pkg/suite"
	"github.com/nyx-systems/duplex/pkg/wire"
)

// Stats reports both channels' bookkeeping for monitoring and tests.
type Stats struct {
	Ratchet          ratchet.Stats
	StreamGeneration uint64
}

// Coordinator is the single entry point a caller drives: it never
// exposes the ratchet or stream cipher directly, so every control or
// data operation also keeps the two in sync.
type Coordinator struct {
	mu sync.Mutex

	suite         *suite.Suite
	streamCfg     streamcipher.Config
	ratchetEngine *ratchet.Engine
	stream        *streamcipher.Cipher
	onRotate      func(generation uint64)
}

// New builds an uninitialized Coordinator. Call InitInitiator or
// InitResponder before encrypting or decrypting anything.
func New(s *suite.Suite, streamCfg streamcipher.Config) *Coordinator {
	return &Coordinator{suite: s, streamCfg: streamCfg}
}

// OnDataChannelRotate registers a callback invoked with the new
// generation number whenever the data channel re-keys. It may be called
// before initialization; the callback survives Init{Initiator,Responder}
// creating the stream cipher.
func (c *Coordinator) OnDataChannelRotate(fn func(generation uint64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRotate = fn
	if c.stream != nil {
		c.stream.OnRotate(fn)
	}
}

// InitInitiator starts the session as the party that already knows the
// peer's current DH public key.
func (c *Coordinator) InitInitiator(sharedSecret, peerPublic []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	engine, err := ratchet.NewInitiator(c.suite, sharedSecret, peerPublic)
	if err != nil {
		return err
	}
	c.ratchetEngine = engine
	c.stream = streamcipher.New(c.suite, c.streamCfg)
	if c.onRotate != nil {
		c.stream.OnRotate(c.onRotate)
	}
	return c.syncDataChannelKeyLocked()
}

// InitResponder starts the session as the party waiting to learn the
// peer's DH public key from the first incoming message.
func (c *Coordinator) InitResponder(sharedSecret []byte, ownKeyPair suite.KeyPair) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	engine, err := ratchet.NewResponder(c.suite, sharedSecret, ownKeyPair)
	if err != nil {
		return err
	}
	c.ratchetEngine = engine
	c.stream = streamcipher.New(c.suite, c.streamCfg)
	if c.onRotate != nil {
		c.stream.OnRotate(c.onRotate)
	}
	// A fresh responder has no session master key yet (generation 0),
	// so there is nothing to sync until its first DH ratchet step.
	return nil
}

// EncryptControl seals plaintext on the control channel and serializes
// the result as a wire envelope.
func (c *Coordinator) EncryptControl(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ratchetEngine == nil {
		return nil, ErrNotInitialized
	}

	header, frame, err := c.ratchetEngine.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	if err := c.syncDataChannelKeyLocked(); err != nil {
		return nil, err
	}
	env := wire.Envelope{Header: header, AEADFrame: frame}
	return env.Encode(), nil
}

// DecryptControl parses a wire envelope and opens it on the control
// channel.
func (c *Coordinator) DecryptControl(wireBytes []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ratchetEngine == nil {
		return nil, ErrNotInitialized
	}

	env, err := wire.DecodeEnvelope(wireBytes)
	if err != nil {
		return nil, err
	}
	plaintext, err := c.ratchetEngine.Decrypt(env.Header, env.AEADFrame)
	if err != nil {
		return nil, err
	}
	if err := c.syncDataChannelKeyLocked(); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// EncryptData seals plaintext on the bulk data channel. If the stream
// cipher's rotation policy says it's due, a control-channel DH ratchet
// is forced first and the data channel is re-synced to it.
func (c *Coordinator) EncryptData(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ratchetEngine == nil {
		return nil, ErrNotInitialized
	}

	if c.stream.NeedsRotation() {
		if err := c.ratchetEngine.ForceRatchet(); err != nil {
			return nil, err
		}
		if err := c.syncDataChannelKeyLocked(); err != nil {
			return nil, err
		}
	}
	return c.stream.Encrypt(plaintext)
}

// DecryptData opens a bulk data wire frame.
func (c *Coordinator) DecryptData(wireBytes []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ratchetEngine == nil {
		return nil, ErrNotInitialized
	}
	return c.stream.Decrypt(wireBytes)
}

// RotateKeys forces a control-channel DH ratchet step and re-syncs the
// data channel to it, independent of any traffic-driven rotation
// policy.
func (c *Coordinator) RotateKeys() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ratchetEngine == nil {
		return ErrNotInitialized
	}
	if err := c.ratchetEngine.ForceRatchet(); err != nil {
		return err
	}
	return c.syncDataChannelKeyLocked()
}

// PublicKey returns the control channel's current DH public key.
func (c *Coordinator) PublicKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ratchetEngine == nil {
		return nil
	}
	return c.ratchetEngine.OwnPublic()
}

// IsInitialized reports whether Init{Initiator,Responder} has run.
func (c *Coordinator) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ratchetEngine != nil
}

// Stats reports both channels' bookkeeping.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ratchetEngine == nil {
		return Stats{}
	}
	return Stats{
		Ratchet:          c.ratchetEngine.Stats(),
		StreamGeneration: c.stream.Generation(),
	}
}

// Close tears down both channels, wiping all secret material.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ratchetEngine != nil {
		c.ratchetEngine.Close()
	}
	if c.stream != nil {
		c.stream.Close()
	}
}

// syncDataChannelKeyLocked drains every session master key the ratchet
// has exported since the last sync and installs them into the stream
// cipher in order. Most DH ratchet steps export exactly one: the newly
// agreed receive epoch, which the peer's already in-flight data still
// uses. A responder's first-ever step exports two, catching it up to
// its peer's generation in a single call. Installing them in order
// leaves the stream cipher's previous/current pair straddling a
// rotation correctly. It never downgrades the stream cipher: a
// generation it has already adopted is never revisited.
func (c *Coordinator) syncDataChannelKeyLocked() error {
	for _, p := range c.ratchetEngine.DrainPendingSMK() {
		if p.Generation <= c.stream.Generation() {
			continue
		}
		if err := c.stream.UpdateKey(p.Key, p.Generation); err != nil {
			return fmt.Errorf("coordinator: sync data channel key: %w", err)
		}
	}
	return nil
}
