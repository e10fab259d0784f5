// Package ratchet implements the Double Ratchet engine that drives the
// control channel: a DH ratchet between message epochs and a symmetric
// chain-key ratchet within each epoch, producing forward-secret,
// post-compromise-secure message keys and an exported session master
// key for the paired stream cipher.
package ratchet

import (
	"fmt"

	"github.com/nyx-systems/duplex/internal/crypto"
	"github.com/nyx-systems/duplex/pkg/suite"
	"github.com/nyx-systems/duplex/pkg/wire"
)

// NewInitiator builds an Engine as the party that already knows the
// peer's current DH public key: it generates its own key pair, folds
// the shared secret into a fresh root key, and immediately derives a
// send chain and a session master key. sharedSecret must be the output
// of the key-agreement handshake that precedes this package's scope
// (at least 32 bytes of already-authenticated key material).
func NewInitiator(s *suite.Suite, sharedSecret, remotePublic []byte) (*Engine, error) {
	if len(sharedSecret) < KeyLen {
		return nil, fmt.Errorf("%w: shared secret shorter than %d bytes", ErrInvalidArg, KeyLen)
	}
	if len(remotePublic) != KeyLen {
		return nil, fmt.Errorf("%w: remote public key must be %d bytes", ErrInvalidArg, KeyLen)
	}

	own, err := s.DH.Generate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDHFailure, err)
	}

	e := &Engine{
		suite:        s,
		phase:        InitiatorReady,
		rootKey:      append([]byte(nil), sharedSecret...),
		ownDH:        own,
		remotePublic: append([]byte(nil), remotePublic...),
	}

	dhOut, err := own.Exchange(remotePublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDHFailure, err)
	}
	defer crypto.Wipe(dhOut)

	newRoot, sendCK, err := s.KDF.RootKey(e.rootKey, dhOut)
	if err != nil {
		return nil, err
	}
	crypto.Wipe(e.rootKey)
	e.rootKey = newRoot
	e.sendCK = sendCK

	if err := e.exportSMK(e.sendCK); err != nil {
		return nil, err
	}
	return e, nil
}

// NewResponder builds an Engine as the party that has not yet seen the
// peer's DH public key. It adopts an already-generated key pair (e.g.
// a pre-published identity key from the handshake that precedes this
// package) and waits for the first incoming message to learn the
// peer's public key and complete the DH ratchet.
func NewResponder(s *suite.Suite, sharedSecret []byte, ownKeyPair suite.KeyPair) (*Engine, error) {
	if len(sharedSecret) < KeyLen {
		return nil, fmt.Errorf("%w: shared secret shorter than %d bytes", ErrInvalidArg, KeyLen)
	}
	if ownKeyPair == nil {
		return nil, fmt.Errorf("%w: own key pair required", ErrInvalidArg)
	}
	return &Engine{
		suite:   s,
		phase:   ResponderPending,
		rootKey: append([]byte(nil), sharedSecret...),
		ownDH:   ownKeyPair,
	}, nil
}

// OwnPublic returns this engine's current DH public key.
func (e *Engine) OwnPublic() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.ownDH.Public()...)
}

// Phase returns the engine's current lifecycle state.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Generation returns how many session master keys this engine has
// exported so far.
func (e *Engine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// SessionMasterKey returns a copy of the current session master key.
// It returns ErrNotReady if no send chain has been derived yet.
func (e *Engine) SessionMasterKey() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionMasterKey == nil {
		return nil, ErrNotReady
	}
	return append([]byte(nil), e.sessionMasterKey...), nil
}

// DrainPendingSMK returns and clears every session master key exported
// since the last call, oldest first. A coordinator installs each one
// into the paired stream cipher in order, so a newly-agreed epoch lands
// as current/previous rather than skipping past a generation the
// peer's in-flight traffic still uses.
func (e *Engine) DrainPendingSMK() []PendingKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pending
	e.pending = nil
	return out
}

// Stats reports the engine's bookkeeping counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Phase:          e.phase,
		Generation:     e.generation,
		SendCount:      e.sendCount,
		RecvCount:      e.recvCount,
		PrevSendCount:  e.prevSendCount,
		SkippedKeys:    e.skipped.len(),
		TrackedSenders: e.received.trackedSenders(),
	}
}

// Encrypt advances the send chain by one step and seals plaintext under
// the resulting message key. The returned header binds the ciphertext
// as associated data and must accompany it on the wire.
func (e *Engine) Encrypt(plaintext []byte) (wire.Header, []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sendCK == nil {
		return wire.Header{}, nil, ErrNotReady
	}

	nextCK, mk, err := e.suite.KDF.ChainKey(e.sendCK)
	if err != nil {
		return wire.Header{}, nil, err
	}
	crypto.Wipe(e.sendCK)
	e.sendCK = nextCK
	defer crypto.Wipe(mk)

	var header wire.Header
	copy(header.DHPublic[:], e.ownDH.Public())
	header.PrevChainLen = e.prevSendCount
	header.MessageNum = e.sendCount

	frame, err := e.suite.AEAD.Seal(mk, plaintext, header.Encode())
	if err != nil {
		return wire.Header{}, nil, err
	}
	e.sendCount++
	return header, frame, nil
}

// Decrypt authenticates and opens a message, advancing whichever chains
// are needed to reach it: a replay check, then a cache hit against
// previously skipped keys, then (if the sender's DH public key has
// changed) a DH ratchet step, then an intra-chain skip up to the
// message's index, then the decrypt itself. No partial plaintext is
// ever returned: every error path returns nil alongside the error.
func (e *Engine) Decrypt(header wire.Header, frame []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.received.has(header.DHPublic, header.MessageNum) {
		return nil, ErrReplay
	}
	if mk, found := e.skipped.take(header.DHPublic, header.MessageNum); found {
		pt, err := e.suite.AEAD.Open(mk, frame, header.Encode())
		crypto.Wipe(mk)
		if err != nil {
			return nil, ErrAuthFailed
		}
		e.received.record(header.DHPublic, header.MessageNum)
		return pt, nil
	}

	if !e.hasRemotePublic() || header.DHPublic != [32]byte(e.remotePublic) {
		if e.recvCK != nil {
			e.skipReceiveChain(e.remotePublicArray(), header.PrevChainLen)
		}
		if err := e.dhRatchetStep(header.DHPublic[:]); err != nil {
			return nil, err
		}
		e.received.resetFor(header.DHPublic)
	}

	e.skipReceiveChain(header.DHPublic, header.MessageNum)

	if e.recvCK == nil {
		return nil, ErrNotReady
	}
	nextCK, mk, err := e.suite.KDF.ChainKey(e.recvCK)
	if err != nil {
		return nil, err
	}
	pt, err := e.suite.AEAD.Open(mk, frame, header.Encode())
	crypto.Wipe(mk)
	if err != nil {
		// The receive chain stays where it was; the advanced copy is
		// discarded, wiped, so a failed frame can be retried untampered.
		crypto.Wipe(nextCK)
		return nil, ErrAuthFailed
	}
	crypto.Wipe(e.recvCK)
	e.recvCK = nextCK
	e.recvCount++
	e.received.record(header.DHPublic, header.MessageNum)
	return pt, nil
}

// ForceRatchet advances the send side only, against the already-known
// remote public key, without waiting for an incoming DH change. The
// stream cipher coordinator uses this to rotate the data channel's key
// material on a schedule independent of control-channel traffic.
func (e *Engine) ForceRatchet() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasRemotePublic() {
		return ErrNotReady
	}

	own, err := e.suite.DH.Generate()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDHFailure, err)
	}
	dhOut, err := own.Exchange(e.remotePublic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDHFailure, err)
	}
	defer crypto.Wipe(dhOut)

	newRoot, sendCK, err := e.suite.KDF.RootKey(e.rootKey, dhOut)
	if err != nil {
		return err
	}
	crypto.Wipe(e.rootKey)
	e.rootKey = newRoot
	if e.sendCK != nil {
		crypto.Wipe(e.sendCK)
	}
	e.sendCK = sendCK
	e.ownDH = own
	e.prevSendCount = e.sendCount
	e.sendCount = 0

	return e.exportSMK(e.sendCK)
}

// Close wipes every secret this engine holds. The engine must not be
// used afterward.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	crypto.WipeAll(e.rootKey, e.sendCK, e.recvCK, e.sessionMasterKey)
	e.skipped.wipeAll()
	for _, p := range e.pending {
		crypto.Wipe(p.Key)
	}
	e.pending = nil
}

// dhRatchetStep performs the receive-triggered half of the Double
// Ratchet: adopt the peer's new public key, derive a fresh receive
// chain from it under the current own key pair, then generate a new
// own key pair and derive a fresh send chain from that.
//
// Session master keys are exported from the receive side only, because
// that is the one half of this step that is provably identical to
// whatever the peer most recently published as its own current
// generation: a receive chain derived here under (root, own key, new
// remote key) is the same KDF call, on the same inputs, that produced
// the peer's send chain when it introduced that new key. The send side
// this step also derives is ours alone until the peer processes
// something back under it, so exporting it now would hand the stream
// cipher a generation the peer cannot yet reconstruct.
//
// The one exception is a responder's first-ever step: Initialize-as-
// responder deliberately leaves generation at 0 with no session master
// key (it has no chains yet to derive one from), one bump behind where
// Initialize-as-initiator starts its peer. This step is what the
// responder uses to catch up, so it exports both halves here, once
// only, to land at parity with its peer's generation count.
func (e *Engine) dhRatchetStep(newRemotePublic []byte) error {
	bootstrapping := e.phase == ResponderPending

	// Every fallible derivation runs against locals first; engine
	// fields are only assigned once the whole step has succeeded, so a
	// hostile header (e.g. a low-order point the curve rejects) leaves
	// the engine exactly as it was.
	recvDH, err := e.ownDH.Exchange(newRemotePublic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDHFailure, err)
	}
	rootAfterRecv, recvCK, err := e.suite.KDF.RootKey(e.rootKey, recvDH)
	crypto.Wipe(recvDH)
	if err != nil {
		return err
	}

	// This receive chain agrees with whatever the peer's own most recent
	// send-side export produced, under the same label: derive its
	// session master key so a coordinator can hand it straight to the
	// stream cipher as the generation the peer's in-flight data still
	// uses.
	smkRecv, err := e.suite.KDF.SessionMasterKey(rootAfterRecv, recvCK)
	if err != nil {
		crypto.WipeAll(rootAfterRecv, recvCK)
		return err
	}

	own, err := e.suite.DH.Generate()
	if err != nil {
		crypto.WipeAll(rootAfterRecv, recvCK, smkRecv)
		return fmt.Errorf("%w: %v", ErrDHFailure, err)
	}
	sendDH, err := own.Exchange(newRemotePublic)
	if err != nil {
		crypto.WipeAll(rootAfterRecv, recvCK, smkRecv)
		return fmt.Errorf("%w: %v", ErrDHFailure, err)
	}
	rootAfterSend, sendCK, err := e.suite.KDF.RootKey(rootAfterRecv, sendDH)
	crypto.Wipe(sendDH)
	if err != nil {
		crypto.WipeAll(rootAfterRecv, recvCK, smkRecv)
		return err
	}

	// Only the responder's very first step also exports this send
	// chain; every later step leaves it unpublished until the peer's
	// own receive-triggered step catches up to it in turn.
	var smkSend []byte
	if bootstrapping {
		smkSend, err = e.suite.KDF.SessionMasterKey(rootAfterSend, sendCK)
		if err != nil {
			crypto.WipeAll(rootAfterRecv, recvCK, smkRecv, rootAfterSend, sendCK)
			return err
		}
	}

	// Commit. Nothing below can fail.
	e.prevSendCount = e.sendCount
	e.sendCount = 0
	e.recvCount = 0
	e.remotePublic = append([]byte(nil), newRemotePublic...)
	crypto.WipeAll(e.rootKey, rootAfterRecv)
	e.rootKey = rootAfterSend
	if e.recvCK != nil {
		crypto.Wipe(e.recvCK)
	}
	e.recvCK = recvCK
	if e.sendCK != nil {
		crypto.Wipe(e.sendCK)
	}
	e.sendCK = sendCK
	e.ownDH = own
	e.publishSMK(smkRecv)
	if bootstrapping {
		e.publishSMK(smkSend)
	}
	e.phase = Established
	return nil
}

// skipReceiveChain advances the receive chain from its current count up
// to (but not including) until, caching each derived message key under
// sender so an out-of-order arrival can still be decrypted later. If
// the gap exceeds MaxSkip the advance is refused entirely and the chain
// is left untouched; the caller's subsequent decrypt will then fail
// with ErrAuthFailed rather than exhaust memory on a hostile or corrupt
// message_num.
func (e *Engine) skipReceiveChain(sender [32]byte, until uint32) {
	if e.recvCK == nil {
		return
	}
	if until <= e.recvCount {
		return
	}
	if uint64(until)-uint64(e.recvCount) > MaxSkip {
		return
	}
	for e.recvCount < until {
		nextCK, mk, err := e.suite.KDF.ChainKey(e.recvCK)
		if err != nil {
			return
		}
		crypto.Wipe(e.recvCK)
		e.recvCK = nextCK
		e.skipped.add(sender, e.recvCount, mk)
		e.recvCount++
	}
}

// exportSMK derives a session master key from the current root key and
// the just-(re)derived send chain key and publishes it; NewInitiator
// and ForceRatchet use it after committing their new chain.
// dhRatchetStep instead derives its master keys against local
// intermediates up front and publishes them at commit time.
func (e *Engine) exportSMK(chainKey []byte) error {
	smk, err := e.suite.KDF.SessionMasterKey(e.rootKey, chainKey)
	if err != nil {
		return err
	}
	e.publishSMK(smk)
	return nil
}

// publishSMK installs an already-derived session master key, taking
// ownership of smk: the previous one is wiped, the generation bumped,
// and a copy queued for a coordinator to drain. It cannot fail.
func (e *Engine) publishSMK(smk []byte) {
	if e.sessionMasterKey != nil {
		crypto.Wipe(e.sessionMasterKey)
	}
	e.sessionMasterKey = smk
	e.generation++
	e.pending = append(e.pending, PendingKey{Generation: e.generation, Key: append([]byte(nil), smk...)})
}

func (e *Engine) hasRemotePublic() bool {
	return e.remotePublic != nil
}

func (e *Engine) remotePublicArray() [32]byte {
	var out [32]byte
	copy(out[:], e.remotePublic)
	return out
}
