// Package peerstore remembers which peers this side of a duplex channel
// has already agreed to talk to, and under what rotation policy, in a
// bbolt database encrypted at rest: record values are sealed, and record
// keys are a keyed hash, under keys derived from a random data secret
// that is itself wrapped by a key derived from the operator's
// passphrase, so the database file alone reveals
// nothing about who has been paired. It holds no ratchet or session
// state: once a control or data channel is established, this package is
// never consulted again until the next pairing.
package peerstore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/nyx-systems/duplex/internal/crypto"
	"github.com/nyx-systems/duplex/pkg/streamcipher"
)

var (
	// ErrNotFound means no peer is recorded under the given public key.
	ErrNotFound = errors.New("peerstore: peer not found")
	// ErrWrongPassphrase means the passphrase could not unwrap the
	// store's data secret.
	ErrWrongPassphrase = errors.New("peerstore: wrong passphrase")
	// ErrFailedDecryption means a stored record could not be opened;
	// the database file was modified outside this package.
	ErrFailedDecryption = errors.New("peerstore: record decryption failed")
)

var (
	peersBucket = []byte("peers")
	authBucket  = []byte("auth")
)

const (
	deriveSaltKey = "derive-salt"
	wrappedKeyKey = "wrapped-key"
)

// Key-derivation labels. The passphrase only ever wraps the data
// secret; record encryption and record-key hashing each get their own
// key derived from that secret, so a passphrase change only needs to
// re-wrap 32 bytes.
var (
	infoWrapKey   = []byte("duplex-peerstore-kek-v1")
	infoRecordKey = []byte("duplex-peerstore-dek-v1")
	infoLookupKey = []byte("duplex-peerstore-mac-v1")
)

// Peer is one remembered counterpart, keyed by its long-term DH public
// key. Title is an operator-assigned label.
type Peer struct {
	PublicKey []byte              `json:"public_key"`
	Title     string              `json:"title"`
	FirstSeen time.Time           `json:"first_seen"`
	Rotation  streamcipher.Config `json:"rotation"`
}

// VerifyFunc is consulted before a never-before-seen peer is recorded.
// Returning an error refuses to trust the peer; FindOrPrompt does not
// record it.
type VerifyFunc func(publicKey []byte) error

// Store is a bbolt-backed peer registry. Records are sealed with a key
// derived from a random data secret, and looked up by a keyed hash of
// the peer's public key, so neither identities nor metadata appear in
// the file in the clear.
type Store struct {
	db        *bolt.DB
	recordKey []byte
	lookupKey []byte
}

type options struct {
	path string
}

// Option configures Open.
type Option func(*options)

// WithPath overrides the default database location.
func WithPath(path string) Option {
	return func(o *options) { o.path = path }
}

// Open creates or opens the peer database at path (default
// "duplex-peers.db" in the working directory). On first open a random
// data secret is minted and wrapped under a key derived from
// passphrase; later opens unwrap it, so a wrong passphrase is detected
// at open time rather than silently accepted.
func Open(passphrase []byte, opts ...Option) (*Store, error) {
	o := options{path: "duplex-peers.db"}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := bolt.Open(o.path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("peerstore: open %s: %w", o.path, err)
	}

	s := &Store{db: db}
	if err := s.unlock(passphrase); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// unlock loads (or, on first open, creates) the wrapped data secret and
// derives the record and lookup keys from it.
func (s *Store) unlock(passphrase []byte) error {
	var deriveSalt, wrapped []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(peersBucket); err != nil {
			return err
		}
		bucket, err := tx.CreateBucketIfNotExists(authBucket)
		if err != nil {
			return err
		}

		deriveSalt = bucket.Get([]byte(deriveSaltKey))
		wrapped = bucket.Get([]byte(wrappedKeyKey))
		if deriveSalt != nil && wrapped != nil {
			return nil
		}

		deriveSalt = make([]byte, 32)
		secret := make([]byte, 32)
		if _, err := rand.Read(deriveSalt); err != nil {
			return fmt.Errorf("generating salt: %w", err)
		}
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generating data secret: %w", err)
		}
		defer crypto.Wipe(secret)

		wrapKey, err := hkdfDerive(passphrase, deriveSalt, infoWrapKey)
		if err != nil {
			return fmt.Errorf("deriving wrap key: %w", err)
		}
		defer crypto.Wipe(wrapKey)
		wrapped, err = sealWith(wrapKey, secret)
		if err != nil {
			return fmt.Errorf("wrapping data secret: %w", err)
		}

		if err := bucket.Put([]byte(deriveSaltKey), deriveSalt); err != nil {
			return err
		}
		return bucket.Put([]byte(wrappedKeyKey), wrapped)
	})
	if err != nil {
		return fmt.Errorf("peerstore: %w", err)
	}

	wrapKey, err := hkdfDerive(passphrase, deriveSalt, infoWrapKey)
	if err != nil {
		return fmt.Errorf("peerstore: deriving wrap key: %w", err)
	}
	defer crypto.Wipe(wrapKey)

	secret, err := openWith(wrapKey, wrapped)
	if err != nil {
		return ErrWrongPassphrase
	}
	defer crypto.Wipe(secret)

	if s.recordKey, err = hkdfDerive(secret, nil, infoRecordKey); err != nil {
		return fmt.Errorf("peerstore: deriving record key: %w", err)
	}
	if s.lookupKey, err = hkdfDerive(secret, nil, infoLookupKey); err != nil {
		return fmt.Errorf("peerstore: deriving lookup key: %w", err)
	}
	return nil
}

func hkdfDerive(secret, salt, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// sealWith encrypts plaintext under key with XChaCha20-Poly1305 and a
// fresh random nonce, returning nonce‖ciphertext‖tag.
func sealWith(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// openWith decrypts a frame produced by sealWith.
func openWith(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrFailedDecryption
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrFailedDecryption
	}
	return plaintext, nil
}

// boltKey maps a peer's public key to its bolt key: a keyed hash, so
// lookups are deterministic but the file never holds the public key
// itself.
func (s *Store) boltKey(publicKey []byte) []byte {
	mac := hmac.New(sha256.New, s.lookupKey)
	mac.Write(publicKey)
	return mac.Sum(nil)
}

// Find returns the recorded peer for publicKey, or ErrNotFound.
func (s *Store) Find(publicKey []byte) (*Peer, error) {
	var p *Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		sealed := tx.Bucket(peersBucket).Get(s.boltKey(publicKey))
		if sealed == nil {
			return ErrNotFound
		}
		raw, err := openWith(s.recordKey, sealed)
		if err != nil {
			return err
		}
		p = &Peer{}
		return json.Unmarshal(raw, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FindOrPrompt returns the recorded peer for publicKey, calling verify
// and recording a new Peer (with the given title and rotation policy)
// only if none is known yet. verify is never called for an
// already-known peer.
func (s *Store) FindOrPrompt(publicKey []byte, title string, rotation streamcipher.Config, verify VerifyFunc) (*Peer, error) {
	p, err := s.Find(publicKey)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if verify != nil {
		if err := verify(publicKey); err != nil {
			return nil, fmt.Errorf("peerstore: verification refused: %w", err)
		}
	}

	p = &Peer{
		PublicKey: append([]byte(nil), publicKey...),
		Title:     title,
		FirstSeen: time.Now(),
		Rotation:  rotation,
	}
	if err := s.put(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) put(p *Peer) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("peerstore: marshaling peer: %w", err)
	}
	sealed, err := sealWith(s.recordKey, raw)
	if err != nil {
		return fmt.Errorf("peerstore: sealing peer record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).Put(s.boltKey(p.PublicKey), sealed)
	})
}

// Close wipes the derived keys and releases the database file.
func (s *Store) Close() error {
	crypto.WipeAll(s.recordKey, s.lookupKey)
	return s.db.Close()
}
