package ratchet

// receivedSets tracks which (sender DH public, message number) pairs
// have already been accepted, so a replayed ciphertext is rejected
// before any AEAD work is attempted.
//
// Only one sender key's set is tracked at a time: a DH ratchet step
// (resetFor), or a record under a different sender key, discards the
// previous set. This keeps the structure's size bounded by one chain's
// worth of message numbers instead of growing for every DH key a
// long-lived session ever saw. Keys skipped on an older sender key's
// chain stay cached across a step, so a message from that older key can
// still be accepted through the skipped-key cache; once the set has
// moved on, a repeat of such a message is no longer found here.
type receivedSets struct {
	sender [32]byte
	seen   map[uint32]struct{}
	valid  bool
}

func (r *receivedSets) has(sender [32]byte, messageNum uint32) bool {
	if !r.valid || r.sender != sender {
		return false
	}
	_, ok := r.seen[messageNum]
	return ok
}

func (r *receivedSets) record(sender [32]byte, messageNum uint32) {
	if !r.valid || r.sender != sender {
		r.sender = sender
		r.seen = make(map[uint32]struct{})
		r.valid = true
	}
	r.seen[messageNum] = struct{}{}
}

// resetFor discards the tracked set and starts a fresh one for sender,
// called on every DH ratchet step so an old sender key's history can't
// leak into the new epoch's bookkeeping.
func (r *receivedSets) resetFor(sender [32]byte) {
	r.sender = sender
	r.seen = make(map[uint32]struct{})
	r.valid = true
}

func (r *receivedSets) trackedSenders() int {
	if r.valid {
		return 1
	}
	return 0
}
