package peerstore_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyx-systems/duplex/pkg/peerstore"
	"github.com/nyx-systems/duplex/pkg/streamcipher"
)

func TestFindOrPromptRecordsNewPeerOnce(t *testing.T) {
	r := require.New(t)
	dbPath := filepath.Join(t.TempDir(), "peers.db")

	store, err := peerstore.Open([]byte("correct horse battery staple"), peerstore.WithPath(dbPath))
	r.NoError(err)
	defer store.Close()

	pub := make([]byte, 32)
	calls := 0
	verify := func([]byte) error { calls++; return nil }

	p1, err := store.FindOrPrompt(pub, "alice's phone", streamcipher.DefaultConfig(), verify)
	r.NoError(err)
	r.Equal("alice's phone", p1.Title)
	r.Equal(1, calls)

	p2, err := store.FindOrPrompt(pub, "ignored title", streamcipher.DefaultConfig(), verify)
	r.NoError(err)
	r.Equal("alice's phone", p2.Title)
	r.Equal(1, calls, "verify must not be called again for a known peer")
}

func TestFindOrPromptRefusalIsNotRecorded(t *testing.T) {
	r := require.New(t)
	dbPath := filepath.Join(t.TempDir(), "peers.db")

	store, err := peerstore.Open([]byte("pw"), peerstore.WithPath(dbPath))
	r.NoError(err)
	defer store.Close()

	pub := make([]byte, 32)
	refuse := errors.New("operator declined")
	_, err = store.FindOrPrompt(pub, "x", streamcipher.DefaultConfig(), func([]byte) error { return refuse })
	r.ErrorIs(err, refuse)

	_, err = store.Find(pub)
	r.ErrorIs(err, peerstore.ErrNotFound)
}

func TestRecordsAreEncryptedAtRest(t *testing.T) {
	r := require.New(t)
	dbPath := filepath.Join(t.TempDir(), "peers.db")

	store, err := peerstore.Open([]byte("pw"), peerstore.WithPath(dbPath))
	r.NoError(err)

	pub := bytes.Repeat([]byte{0xA5}, 32)
	_, err = store.FindOrPrompt(pub, "alice's phone", streamcipher.DefaultConfig(), nil)
	r.NoError(err)
	r.NoError(store.Close())

	// Neither the operator's label nor the peer's public key may be
	// readable from the database file without the passphrase.
	raw, err := os.ReadFile(dbPath)
	r.NoError(err)
	r.NotContains(string(raw), "alice's phone")
	r.False(bytes.Contains(raw, pub))

	// The record survives a reopen with the right passphrase.
	store, err = peerstore.Open([]byte("pw"), peerstore.WithPath(dbPath))
	r.NoError(err)
	defer store.Close()

	p, err := store.Find(pub)
	r.NoError(err)
	r.Equal("alice's phone", p.Title)
	r.Equal(pub, p.PublicKey)
}

func TestOpenRejectsWrongPassphrase(t *testing.T) {
	r := require.New(t)
	dbPath := filepath.Join(t.TempDir(), "peers.db")

	store, err := peerstore.Open([]byte("correct"), peerstore.WithPath(dbPath))
	r.NoError(err)
	store.Close()

	_, err = peerstore.Open([]byte("wrong"), peerstore.WithPath(dbPath))
	r.ErrorIs(err, peerstore.ErrWrongPassphrase)
}
