package streamcipher_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nyx-systems/duplex/pkg/streamcipher"
	"github.com/nyx-systems/duplex/pkg/suite"
	"github.com/nyx-systems/duplex/pkg/wire"
)

// fakeClock lets tests advance time deterministically instead of
// sleeping for rotation_seconds.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newCipher(t *testing.T, cfg streamcipher.Config) (*streamcipher.Cipher, *fakeClock) {
	t.Helper()
	s := suite.Default()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s.Clock = clock
	return streamcipher.New(s, cfg), clock
}

func master(t *testing.T) []byte {
	t.Helper()
	m := make([]byte, 32)
	for i := range m {
		m[i] = byte(i * 3)
	}
	return m
}

func TestRoundTripUnderChunkSize(t *testing.T) {
	r := require.New(t)
	cipher, _ := newCipher(t, streamcipher.Config{RotationBytes: 1 << 20, RotationSeconds: 300, ChunkSize: 256})
	r.NoError(cipher.UpdateKey(master(t), 1))

	payload := []byte("a short payload")
	wire, err := cipher.Encrypt(payload)
	r.NoError(err)

	plain, err := cipher.Decrypt(wire)
	r.NoError(err)
	r.Equal(payload, plain)
}

func TestRoundTripEmptyPayload(t *testing.T) {
	r := require.New(t)
	cipher, _ := newCipher(t, streamcipher.DefaultConfig())
	r.NoError(cipher.UpdateKey(master(t), 1))

	wire, err := cipher.Encrypt(nil)
	r.NoError(err)
	r.NotEmpty(wire)

	plain, err := cipher.Decrypt(wire)
	r.NoError(err)
	r.Empty(plain)
}

func TestMultiChunkBoundary(t *testing.T) {
	r := require.New(t)
	cipher, _ := newCipher(t, streamcipher.Config{RotationBytes: 1 << 30, RotationSeconds: 3600, ChunkSize: 256})
	r.NoError(cipher.UpdateKey(master(t), 1))

	payload := bytes.Repeat([]byte{0xAB}, 256+1)
	wire, err := cipher.Encrypt(payload)
	r.NoError(err)

	plain, err := cipher.Decrypt(wire)
	r.NoError(err)
	r.Equal(payload, plain)
}

func TestChunkLayoutOnTheWire(t *testing.T) {
	r := require.New(t)
	const chunkSize = 256
	cipher, _ := newCipher(t, streamcipher.Config{RotationBytes: 1 << 30, RotationSeconds: 3600, ChunkSize: chunkSize})
	r.NoError(cipher.UpdateKey(master(t), 7))

	payload := bytes.Repeat([]byte{0x5C}, 3*chunkSize+10)
	frame, err := cipher.Encrypt(payload)
	r.NoError(err)

	// Walk the frame chunk by chunk: four chunks, strictly increasing
	// indices, sizes summing to the payload length, all generation 7.
	var indices []uint32
	var total uint32
	offset := 0
	for offset < len(frame) {
		header, err := wire.DecodeChunkHeader(frame[offset : offset+wire.ChunkHeaderLen])
		r.NoError(err)
		r.EqualValues(7, header.KeyGeneration)
		r.LessOrEqual(header.ChunkSize, uint32(chunkSize))
		indices = append(indices, header.ChunkIndex)
		total += header.ChunkSize
		offset += wire.ChunkHeaderLen + 12 + int(header.ChunkSize) + 16
	}
	r.Equal(len(frame), offset)
	r.Len(indices, 4)
	for i := 1; i < len(indices); i++ {
		r.Greater(indices[i], indices[i-1])
	}
	r.EqualValues(len(payload), total)

	plain, err := cipher.Decrypt(frame)
	r.NoError(err)
	r.Equal(payload, plain)
}

func TestExactChunkSizeIsOneChunk(t *testing.T) {
	r := require.New(t)
	const chunkSize = 256
	cipher, _ := newCipher(t, streamcipher.Config{RotationBytes: 1 << 30, RotationSeconds: 3600, ChunkSize: chunkSize})
	r.NoError(cipher.UpdateKey(master(t), 1))

	payload := bytes.Repeat([]byte{0x42}, chunkSize)
	frame, err := cipher.Encrypt(payload)
	r.NoError(err)
	r.Len(frame, wire.ChunkHeaderLen+12+chunkSize+16)

	plain, err := cipher.Decrypt(frame)
	r.NoError(err)
	r.Equal(payload, plain)
}

func TestRotationByBytesThreshold(t *testing.T) {
	r := require.New(t)
	cipher, _ := newCipher(t, streamcipher.Config{RotationBytes: 1024, RotationSeconds: 3600, ChunkSize: 256})
	r.NoError(cipher.UpdateKey(master(t), 1))

	payload := bytes.Repeat([]byte{0x01}, 400)
	_, err := cipher.Encrypt(payload)
	r.NoError(err)
	r.False(cipher.NeedsRotation())

	_, err = cipher.Encrypt(payload)
	r.NoError(err)
	r.False(cipher.NeedsRotation())

	_, err = cipher.Encrypt(payload)
	r.NoError(err)
	r.True(cipher.NeedsRotation())
}

func TestRotationBySecondsThreshold(t *testing.T) {
	r := require.New(t)
	cipher, clock := newCipher(t, streamcipher.Config{RotationBytes: 1 << 30, RotationSeconds: 60, ChunkSize: 256})
	r.NoError(cipher.UpdateKey(master(t), 1))
	r.False(cipher.NeedsRotation())

	clock.now = clock.now.Add(61 * time.Second)
	r.True(cipher.NeedsRotation())
}

func TestOldGenerationDecryptsOnceAfterRotation(t *testing.T) {
	r := require.New(t)
	cipher, _ := newCipher(t, streamcipher.DefaultConfig())
	r.NoError(cipher.UpdateKey(master(t), 1))

	oldWire, err := cipher.Encrypt([]byte("before rotation"))
	r.NoError(err)

	r.NoError(cipher.UpdateKey(master(t), 2))

	plain, err := cipher.Decrypt(oldWire)
	r.NoError(err)
	r.Equal("before rotation", string(plain))

	// A second rotation retires generation 1 entirely.
	r.NoError(cipher.UpdateKey(master(t), 3))
	_, err = cipher.Decrypt(oldWire)
	r.ErrorIs(err, streamcipher.ErrUnknownGeneration)
}

func TestTamperedChunkFailsAuth(t *testing.T) {
	r := require.New(t)
	cipher, _ := newCipher(t, streamcipher.DefaultConfig())
	r.NoError(cipher.UpdateKey(master(t), 1))

	wireBytes, err := cipher.Encrypt([]byte("integrity matters"))
	r.NoError(err)
	wireBytes[len(wireBytes)-1] ^= 0xFF

	_, err = cipher.Decrypt(wireBytes)
	r.ErrorIs(err, streamcipher.ErrAuthFailed)
}

func TestRotationInvokesCallback(t *testing.T) {
	r := require.New(t)
	cipher, _ := newCipher(t, streamcipher.DefaultConfig())

	var gotGeneration uint64
	cipher.OnRotate(func(generation uint64) { gotGeneration = generation })

	r.NoError(cipher.UpdateKey(master(t), 1))
	r.EqualValues(1, gotGeneration)

	r.NoError(cipher.UpdateKey(master(t), 2))
	r.EqualValues(2, gotGeneration)
}

func TestEncryptBeforeUpdateKeyIsNotReady(t *testing.T) {
	cipher, _ := newCipher(t, streamcipher.DefaultConfig())
	_, err := cipher.Encrypt([]byte("x"))
	require.ErrorIs(t, err, streamcipher.ErrNotReady)
}
