// Package wire implements the fixed-layout binary codecs for the control
// and stream channels: the 40-byte message header, its length-prefixed
// envelope, and the 20-byte stream chunk header. All multibyte integers
// are little-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// DHPubLen is the size, in bytes, of a DH public key on the wire.
	DHPubLen = 32
	// HeaderLen is the size, in bytes, of a serialized message header.
	HeaderLen = DHPubLen + 4 + 4
	// ChunkHeaderLen is the size, in bytes, of a serialized chunk header.
	ChunkHeaderLen = 8 + 4 + 4 + 4
	// envelopeLenFieldSize is the size of the envelope's length prefix.
	envelopeLenFieldSize = 4
)

// ErrMalformedMessage indicates the wire framing could not be parsed:
// a short buffer, a header-length field that disagrees with this
// version, or a stated length exceeding the buffer.
var ErrMalformedMessage = errors.New("wire: malformed message")

// Header is the per-control-message header: the sender's current DH
// public key, the length of their previous sending chain, and the
// message's index within the current chain.
type Header struct {
	DHPublic     [DHPubLen]byte
	PrevChainLen uint32
	MessageNum   uint32
}

// Encode serializes h into its fixed 40-byte wire form.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderLen)
	copy(buf[:DHPubLen], h.DHPublic[:])
	binary.LittleEndian.PutUint32(buf[DHPubLen:DHPubLen+4], h.PrevChainLen)
	binary.LittleEndian.PutUint32(buf[DHPubLen+4:DHPubLen+8], h.MessageNum)
	return buf
}

// DecodeHeader parses a 40-byte wire header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("%w: header length %d, want %d", ErrMalformedMessage, len(b), HeaderLen)
	}
	var h Header
	copy(h.DHPublic[:], b[:DHPubLen])
	h.PrevChainLen = binary.LittleEndian.Uint32(b[DHPubLen : DHPubLen+4])
	h.MessageNum = binary.LittleEndian.Uint32(b[DHPubLen+4 : DHPubLen+8])
	return h, nil
}

// Envelope is the on-wire control message: a length-prefixed header
// followed by an AEAD frame (nonce‖ciphertext‖tag) the header binds as
// associated data.
type Envelope struct {
	Header    Header
	AEADFrame []byte
}

// Encode serializes the envelope as
// u32-le(header length) ‖ header ‖ aead frame.
func (e Envelope) Encode() []byte {
	headerBytes := e.Header.Encode()
	out := make([]byte, envelopeLenFieldSize+len(headerBytes)+len(e.AEADFrame))
	binary.LittleEndian.PutUint32(out[:envelopeLenFieldSize], uint32(len(headerBytes)))
	copy(out[envelopeLenFieldSize:], headerBytes)
	copy(out[envelopeLenFieldSize+len(headerBytes):], e.AEADFrame)
	return out
}

// DecodeEnvelope parses a wire envelope. The header-length field is
// parsed, not assumed: any value other than HeaderLen is rejected so
// that a future wire version cannot be silently misread as this one.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) < envelopeLenFieldSize {
		return Envelope{}, fmt.Errorf("%w: envelope shorter than length prefix", ErrMalformedMessage)
	}
	headerLen := binary.LittleEndian.Uint32(b[:envelopeLenFieldSize])
	if headerLen != HeaderLen {
		return Envelope{}, fmt.Errorf("%w: unsupported header length %d", ErrMalformedMessage, headerLen)
	}
	rest := b[envelopeLenFieldSize:]
	if uint32(len(rest)) < headerLen {
		return Envelope{}, fmt.Errorf("%w: envelope shorter than stated header", ErrMalformedMessage)
	}
	header, err := DecodeHeader(rest[:headerLen])
	if err != nil {
		return Envelope{}, err
	}
	frame := make([]byte, len(rest)-int(headerLen))
	copy(frame, rest[headerLen:])
	return Envelope{Header: header, AEADFrame: frame}, nil
}

// ChunkFlags are reserved for future stream-format versions; a decoder
// must reject any chunk bearing an unrecognized flag.
type ChunkFlags uint32

// NoFlags is the only flag value this version of the format accepts.
const NoFlags ChunkFlags = 0

// ChunkHeader is the per-chunk header of the bulk data stream. It is
// also the associated data for that chunk's AEAD.
type ChunkHeader struct {
	KeyGeneration uint64
	ChunkIndex    uint32
	ChunkSize     uint32
	Flags         ChunkFlags
}

// Encode serializes h into its fixed 20-byte wire form.
func (h ChunkHeader) Encode() []byte {
	buf := make([]byte, ChunkHeaderLen)
	binary.LittleEndian.PutUint64(buf[0:8], h.KeyGeneration)
	binary.LittleEndian.PutUint32(buf[8:12], h.ChunkIndex)
	binary.LittleEndian.PutUint32(buf[12:16], h.ChunkSize)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.Flags))
	return buf
}

// DecodeChunkHeader parses a 20-byte chunk header. A non-zero flags
// field is reserved for a future version and is rejected here.
func DecodeChunkHeader(b []byte) (ChunkHeader, error) {
	if len(b) != ChunkHeaderLen {
		return ChunkHeader{}, fmt.Errorf("%w: chunk header length %d, want %d", ErrMalformedMessage, len(b), ChunkHeaderLen)
	}
	h := ChunkHeader{
		KeyGeneration: binary.LittleEndian.Uint64(b[0:8]),
		ChunkIndex:    binary.LittleEndian.Uint32(b[8:12]),
		ChunkSize:     binary.LittleEndian.Uint32(b[12:16]),
		Flags:         ChunkFlags(binary.LittleEndian.Uint32(b[16:20])),
	}
	if h.Flags != NoFlags {
		return ChunkHeader{}, fmt.Errorf("%w: unsupported chunk flags %d", ErrMalformedMessage, h.Flags)
	}
	return h, nil
}
