// Package peerstore persists the set of known neighbours to an
// encrypted snapshot file, autosaved on an interval. The forwarder
// never touches disk; only cmd/qorpd wires this in.
package peerstore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/QORP-community/qorp-go/internal/node"
)

// magic tags the encrypted snapshot file format: a short ASCII header
// before the salt/nonce/ciphertext.
var magic = []byte("QPRS1")

const saltSize = 16

// Record is one known peer: its address, a transport hint (a libp2p
// multiaddr string, opaque to this package) and when it was last seen.
type Record struct {
	Addr      node.Address `json:"addr"`
	Multiaddr string       `json:"multiaddr"`
	Hostname  string       `json:"hostname,omitempty"`
	LastSeen  time.Time    `json:"last_seen"`
}

// Store holds the in-memory working set of known peers.
type Store struct {
	mu    sync.RWMutex
	peers map[node.Address]Record
}

func NewStore() *Store {
	return &Store{peers: make(map[node.Address]Record)}
}

// Upsert inserts or updates a peer record by address.
func (s *Store) Upsert(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[r.Addr] = r
}

// List returns a snapshot copy of all known peer records.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.peers))
	for _, r := range s.peers {
		out = append(out, r)
	}
	return out
}

// Get looks up a single peer record by address.
func (s *Store) Get(addr node.Address) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.peers[addr]
	return r, ok
}

// Snapshot is the JSON payload sealed into the encrypted peer file.
type Snapshot struct {
	Version int       `json:"version"`
	Self    string    `json:"self"`
	Created time.Time `json:"created"`
	Peers   []Record  `json:"peers"`
}

// kdf derives a 32-byte key from a passphrase and salt using Argon2id
// (m=64MiB, t=2, p=1).
func kdf(pass, salt []byte) []byte {
	return argon2.IDKey(pass, salt, 2, 64*1024, 1, 32)
}

// Export builds a Snapshot of the store's current contents.
func (s *Store) Export(self node.Address) Snapshot {
	return Snapshot{
		Version: 1,
		Self:    self.String(),
		Created: time.Now().UTC(),
		Peers:   s.List(),
	}
}

// Seal encrypts a Snapshot under a key derived from passphrase and a
// fresh random salt, producing the file format
// MAGIC || salt || nonce || ct.
func Seal(pass []byte, snap Snapshot) ([]byte, error) {
	plain, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := kdf(pass, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plain, nil)

	out := make([]byte, 0, len(magic)+saltSize+len(nonce)+len(ct))
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// Open decrypts a blob produced by Seal.
func Open(pass, blob []byte) (Snapshot, error) {
	var zero Snapshot
	min := len(magic) + saltSize + chacha20poly1305.NonceSizeX
	if len(blob) < min {
		return zero, errors.New("peerstore: snapshot file too short")
	}
	if string(blob[:len(magic)]) != string(magic) {
		return zero, errors.New("peerstore: bad snapshot magic")
	}
	off := len(magic)
	salt := blob[off : off+saltSize]
	off += saltSize
	nonce := blob[off : off+chacha20poly1305.NonceSizeX]
	off += chacha20poly1305.NonceSizeX
	ct := blob[off:]

	key := kdf(pass, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return zero, err
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return zero, errors.New("peerstore: decrypt failed (wrong passphrase?)")
	}
	var snap Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return zero, err
	}
	return snap, nil
}

// Merge upserts every record from snap into the store, returning how
// many were applied.
func (s *Store) Merge(snap Snapshot) int {
	for _, r := range snap.Peers {
		s.Upsert(r)
	}
	return len(snap.Peers)
}

// LoadFile decrypts path and merges its contents into the store. A
// missing file on first run is not an error.
func (s *Store) LoadFile(path string, pass []byte) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	snap, err := Open(pass, data)
	if err != nil {
		return err
	}
	n := s.Merge(snap)
	log.Printf("[peerstore] restored %d peers from %s", n, path)
	return nil
}

// SaveFile encrypts the store's current contents to path. An empty
// store writes nothing and leaves any existing file untouched.
func (s *Store) SaveFile(path string, self node.Address, pass []byte) error {
	peers := s.List()
	if len(peers) == 0 {
		return nil
	}
	blob, err := Seal(pass, s.Export(self))
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}

// AutosaveLoop saves the store to path every interval until ctx is
// cancelled, saving once immediately first.
func (s *Store) AutosaveLoop(ctx context.Context, path string, self node.Address, pass []byte, interval time.Duration) {
	if err := s.SaveFile(path, self, pass); err != nil {
		log.Printf("[peerstore] initial save failed: %v", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SaveFile(path, self, pass); err != nil {
				log.Printf("[peerstore] autosave failed: %v", err)
				continue
			}
			log.Printf("[peerstore] autosaved %d peers -> %s", len(s.List()), path)
		}
	}
}
