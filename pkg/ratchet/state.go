package ratchet

import (
	"sync"

	"github.com/nyx-systems/duplex/pkg/suite"
)

// Phase names the coarse state of an Engine, per the state machine in the
// Double-Ratchet design: an engine starts Uninit, becomes InitiatorReady
// or ResponderPending after the first initialization call, and reaches
// Established once both a send and a receive chain exist.
type Phase int

const (
	Uninit Phase = iota
	InitiatorReady
	ResponderPending
	Established
)

func (p Phase) String() string {
	switch p {
	case Uninit:
		return "uninit"
	case InitiatorReady:
		return "initiator-ready"
	case ResponderPending:
		return "responder-pending"
	case Established:
		return "established"
	default:
		return "unknown"
	}
}

// MaxSkip bounds how many undelivered message keys the engine will cache
// for out-of-order delivery, and how far behind a peer's prev_chain_len
// or message_num may lag before a skip is refused.
const MaxSkip = 1000

// KeyLen is the size, in bytes, of every key this package handles.
const KeyLen = 32

// Stats is a read-only snapshot of an Engine's bookkeeping counters,
// exposed for monitoring and tests. It never exposes key material.
type Stats struct {
	Phase          Phase
	Generation     uint64
	SendCount      uint32
	RecvCount      uint32
	PrevSendCount  uint32
	SkippedKeys    int
	TrackedSenders int
}

// Engine owns the mutable state of one side of a Double Ratchet session.
// Exactly one goroutine may be inside a public method at a time; mu
// enforces that serialization. The engine is move-only: copying an
// Engine by value would duplicate secrets that must stay unique, so
// callers should only ever hold a *Engine.
type Engine struct {
	mu sync.Mutex

	suite *suite.Suite

	phase Phase

	rootKey []byte // RK
	sendCK  []byte // send chain key, nil until a send chain exists
	recvCK  []byte // recv chain key, nil until a recv chain exists

	ownDH        suite.KeyPair
	remotePublic []byte // nil until the peer's first DH public is known

	sendCount     uint32
	recvCount     uint32
	prevSendCount uint32

	skipped  skippedKeyList
	received receivedSets

	sessionMasterKey []byte
	generation       uint64
	pending          []PendingKey
}

// PendingKey is a session master key exported at a specific generation,
// awaiting hand-off to the paired stream cipher. Most DH ratchet steps
// export exactly one of these, from the receive chain that just came
// to agree with the peer's most recent send chain; a responder's
// first-ever step exports two, from that receive chain and then from the
// send chain it produced; NewInitiator and ForceRatchet export one from
// the send chain they produced. A coordinator drains and
// installs these in order so the stream cipher's current/previous pair
// straddles a rotation correctly rather than skipping past a
// generation the peer's in-flight data still uses.
type PendingKey struct {
	Generation uint64
	Key        []byte
}
