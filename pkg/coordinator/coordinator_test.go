package coordinator_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyx-systems/duplex/pkg/coordinator"
	"github.com/nyx-systems/duplex/pkg/ratchet"
	"github.com/nyx-systems/duplex/pkg/streamcipher"
	"github.com/nyx-systems/duplex/pkg/suite"
)

// sharedSecret returns the fixed 32-byte seed 0x00..0x1F used
// throughout these scenarios.
func sharedSecret() []byte {
	s := make([]byte, 32)
	for i := range s {
		s[i] = byte(i)
	}
	return s
}

func newPair(t *testing.T) (*coordinator.Coordinator, *coordinator.Coordinator) {
	t.Helper()
	s := suite.Default()

	bobIdentity, err := s.DH.Generate()
	require.NoError(t, err)

	alice := coordinator.New(s, streamcipher.DefaultConfig())
	require.NoError(t, alice.InitInitiator(sharedSecret(), bobIdentity.Public()))

	bob := coordinator.New(s, streamcipher.DefaultConfig())
	require.NoError(t, bob.InitResponder(sharedSecret(), bobIdentity))

	return alice, bob
}

// S1: single message, exact wire frame length.
func TestS1SingleMessage(t *testing.T) {
	r := require.New(t)
	alice, bob := newPair(t)

	wireBytes, err := alice.EncryptControl([]byte("hello"))
	r.NoError(err)
	r.Len(wireBytes, 4+40+12+5+16)

	plain, err := bob.DecryptControl(wireBytes)
	r.NoError(err)
	r.Equal("hello", string(plain))
}

// S2: replaying S1's frame fails the second time.
func TestS2Replay(t *testing.T) {
	r := require.New(t)
	alice, bob := newPair(t)

	wireBytes, err := alice.EncryptControl([]byte("hello"))
	r.NoError(err)

	_, err = bob.DecryptControl(wireBytes)
	r.NoError(err)

	_, err = bob.DecryptControl(wireBytes)
	r.ErrorIs(err, ratchet.ErrReplay)
}

// S3: five messages delivered out of order all decrypt correctly, with
// the skipped-key cache never exceeding four entries.
func TestS3OutOfOrder(t *testing.T) {
	r := require.New(t)
	alice, bob := newPair(t)

	plaintexts := [][]byte{[]byte("m0"), []byte("m1"), []byte("m2"), []byte("m3"), []byte("m4")}
	wireBytes := make([][]byte, len(plaintexts))
	for i, pt := range plaintexts {
		w, err := alice.EncryptControl(pt)
		r.NoError(err)
		wireBytes[i] = w
	}

	order := []int{2, 0, 4, 1, 3}
	for _, i := range order {
		plain, err := bob.DecryptControl(wireBytes[i])
		r.NoError(err)
		r.Equal(string(plaintexts[i]), string(plain))
		r.LessOrEqual(bob.Stats().Ratchet.SkippedKeys, 4)
	}
	r.Equal(0, bob.Stats().Ratchet.SkippedKeys)
}

// S4: Bob's reply forces Alice to take her own DH ratchet step in turn.
// Alice starts at generation 1 (her init exports one session master
// key); Bob starts at 0 (a fresh responder has no chains yet to derive
// one from). Bob's first-ever step, processing m0, exports from both
// the receive and the send chain it derives, landing him at parity
// with Alice's head start in one step. Every step after that —
// including Alice's, triggered by Bob's reply — exports only from the
// receive chain, since that is the half provably identical to
// whatever the peer most recently published; the paired send chain
// stays unpublished until the peer's own reply catches up to it.
func TestS4DHAdvance(t *testing.T) {
	r := require.New(t)
	alice, bob := newPair(t)

	r.EqualValues(1, alice.Stats().Ratchet.Generation)
	r.EqualValues(0, bob.Stats().Ratchet.Generation)

	w0, err := alice.EncryptControl([]byte("m0"))
	r.NoError(err)
	_, err = bob.DecryptControl(w0)
	r.NoError(err)
	r.EqualValues(2, bob.Stats().Ratchet.Generation)

	r0, err := bob.EncryptControl([]byte("r0"))
	r.NoError(err)
	plain, err := alice.DecryptControl(r0)
	r.NoError(err)
	r.Equal("r0", string(plain))
	r.EqualValues(2, alice.Stats().Ratchet.Generation)

	r1, err := bob.EncryptControl([]byte("r1"))
	r.NoError(err)
	plain, err = alice.DecryptControl(r1)
	r.NoError(err)
	r.Equal("r1", string(plain))
}

// S5: the data channel's generation tracks the control channel's. Both
// the generation in place before a DH advance and the one the advance
// produces remain decryptable on the peer, via the stream cipher's
// current/previous pair.
//
// Bob's bootstrap step (his very first, processing Alice's opening
// message) exports both the receive chain that matches Alice's init
// and his own send chain, landing him at generation 2 immediately. So
// when Bob later replies and that reply forces Alice's own DH ratchet
// step, the receive chain it derives for her — generation 2 again —
// is already exactly the key Bob's stream cipher is holding as
// current: no further round trip is needed for Bob to decrypt data
// Alice encrypts under it.
//
// A further bytes-threshold rotation (ForceRatchet) is exercised at
// the engine level only: ForceRatchet mints a send chain that is
// Alice's alone until Bob processes a control message naming its new
// DH public key, and since nothing else has happened since the DH
// advance above, no such message exists yet in this scenario. Tested
// cross-peer elsewhere: pkg/streamcipher's rotation tests cover a
// generation change landing in current/previous once installed, and
// TestS4DHAdvance covers a second, acknowledged control round trip.
func TestS5DataChannelRotationByBytes(t *testing.T) {
	r := require.New(t)
	s := suite.Default()

	bobIdentity, err := s.DH.Generate()
	r.NoError(err)

	cfg := streamcipher.Config{RotationBytes: 1024, RotationSeconds: 3600, ChunkSize: 256}
	alice := coordinator.New(s, cfg)
	r.NoError(alice.InitInitiator(sharedSecret(), bobIdentity.Public()))
	bob := coordinator.New(s, cfg)
	r.NoError(bob.InitResponder(sharedSecret(), bobIdentity))

	hello, err := alice.EncryptControl([]byte("hi"))
	r.NoError(err)
	_, err = bob.DecryptControl(hello)
	r.NoError(err)

	payload := make([]byte, 400)
	for i := range payload {
		payload[i] = byte(i)
	}

	// Generation 1, from Alice's init: decrypt both now, before Bob's
	// own stream cipher rotates past the slot holding it.
	w1, err := alice.EncryptData(payload)
	r.NoError(err)
	plain, err := bob.DecryptData(w1)
	r.NoError(err)
	r.Equal(payload, plain)

	w2, err := alice.EncryptData(payload)
	r.NoError(err)
	plain, err = bob.DecryptData(w2)
	r.NoError(err)
	r.Equal(payload, plain)

	// Bob's reply forces Alice's own DH ratchet step, which exports
	// generation 2 — already Bob's current stream key.
	ack, err := bob.EncryptControl([]byte("ack"))
	r.NoError(err)
	_, err = alice.DecryptControl(ack)
	r.NoError(err)
	r.EqualValues(2, alice.Stats().Ratchet.Generation)

	w3, err := alice.EncryptData(payload)
	r.NoError(err)
	plain, err = bob.DecryptData(w3)
	r.NoError(err)
	r.Equal(payload, plain)

	// The byte counter is per key generation, and w3 is the first
	// payload under generation 2. Two more 400-byte payloads bring it to
	// 1200 bytes, past the 1 KiB threshold: the next EncryptData call
	// forces a local rotation before encrypting.
	for i := 0; i < 2; i++ {
		_, err = alice.EncryptData(payload)
		r.NoError(err)
	}
	genBefore := alice.Stats().Ratchet.Generation
	streamGenBefore := alice.Stats().StreamGeneration
	_, err = alice.EncryptData(payload)
	r.NoError(err)
	r.Greater(alice.Stats().Ratchet.Generation, genBefore)
	r.Greater(alice.Stats().StreamGeneration, streamGenBefore)
}

// S6: tampering with S1's ciphertext yields AuthFailed and leaves
// Bob's recv_count at zero; the untampered frame still decrypts after.
func TestS6Tamper(t *testing.T) {
	r := require.New(t)
	alice, bob := newPair(t)

	wireBytes, err := alice.EncryptControl([]byte("hello"))
	r.NoError(err)

	tampered := append([]byte(nil), wireBytes...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = bob.DecryptControl(tampered)
	r.ErrorIs(err, ratchet.ErrAuthFailed)
	r.EqualValues(0, bob.Stats().Ratchet.RecvCount)

	plain, err := bob.DecryptControl(wireBytes)
	r.NoError(err)
	r.Equal("hello", string(plain))
}

func TestRotateCallbackRegisteredBeforeInitSurvives(t *testing.T) {
	r := require.New(t)
	s := suite.Default()

	bobIdentity, err := s.DH.Generate()
	r.NoError(err)

	alice := coordinator.New(s, streamcipher.DefaultConfig())
	var generations []uint64
	alice.OnDataChannelRotate(func(generation uint64) {
		generations = append(generations, generation)
	})

	r.NoError(alice.InitInitiator(sharedSecret(), bobIdentity.Public()))
	r.Equal([]uint64{1}, generations)

	r.NoError(alice.RotateKeys())
	r.Equal([]uint64{1, 2}, generations)
}

func TestOperationsBeforeInitAreRejected(t *testing.T) {
	c := coordinator.New(suite.Default(), streamcipher.DefaultConfig())
	require.False(t, c.IsInitialized())

	_, err := c.EncryptControl([]byte("x"))
	require.ErrorIs(t, err, coordinator.ErrNotInitialized)

	_, err = c.EncryptData([]byte("x"))
	require.ErrorIs(t, err, coordinator.ErrNotInitialized)

	err = c.RotateKeys()
	require.ErrorIs(t, err, coordinator.ErrNotInitialized)
}
