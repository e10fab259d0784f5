package ratchet

import "github.com/nyx-systems/duplex/internal/crypto"

// skippedKey is a message key cached for a message that arrived out of
// order, indexed by the sender's DH public key and message number so a
// later DH ratchet step can't confuse keys from different chains.
type skippedKey struct {
	sender     [32]byte
	messageNum uint32
	key        []byte
}

// skippedKeyList is a bounded FIFO of cached message keys. Insertion
// beyond MaxSkip evicts the oldest entry, wiping its key first; nothing
// here ever grows unbounded regardless of how far a peer skips ahead.
type skippedKeyList struct {
	entries []skippedKey
}

func (l *skippedKeyList) add(sender [32]byte, messageNum uint32, key []byte) {
	if len(l.entries) >= MaxSkip {
		crypto.Wipe(l.entries[0].key)
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, skippedKey{sender: sender, messageNum: messageNum, key: key})
}

// take removes and returns the cached key for (sender, messageNum), if
// present.
func (l *skippedKeyList) take(sender [32]byte, messageNum uint32) ([]byte, bool) {
	for i, e := range l.entries {
		if e.sender == sender && e.messageNum == messageNum {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return e.key, true
		}
	}
	return nil, false
}

func (l *skippedKeyList) len() int {
	return len(l.entries)
}

// wipeAll zeroes every cached key, for use when the engine is torn down.
func (l *skippedKeyList) wipeAll() {
	for _, e := range l.entries {
		crypto.Wipe(e.key)
	}
	l.entries = nil
}
