// Package session owns the per-route AEAD key derived from the X25519
// ECDH agreement in a discovered route. The raw shared secret is used
// directly as the key, with no KDF stage: X25519 output is already
// exactly the 32 bytes ChaCha20-Poly1305 requires.
package session

import (
	"errors"
	"sync"

	"github.com/QORP-community/qorp-go/internal/node"
	"github.com/QORP-community/qorp-go/internal/qcrypto"
)

// ErrNoSession means no session key is stored for the given peer.
var ErrNoSession = errors.New("session: no key for peer")

// ErrSessionDecrypt distinguishes an AEAD authentication failure from
// a codec decode error.
var ErrSessionDecrypt = errors.New("session: aead tag verification failed")

// Key is the 32-byte ChaCha20-Poly1305 key for a single discovered
// route, keyed by the address of the peer at the other end.
type Key [32]byte

// Derive computes the session key shared with a peer from our
// ephemeral X25519 private key and the peer's ephemeral public key.
// A future HKDF-based derivation changes only this function.
func Derive(priv, peerPub [qcrypto.X25519KeySize]byte) (Key, error) {
	secret, err := qcrypto.SharedSecret(priv, peerPub)
	if err != nil {
		return Key{}, err
	}
	return Key(secret), nil
}

// Store owns the AEAD session keys this node holds with its discovered
// route peers, populated by route origination on the requesting side
// and by RREQ responding on the destination side.
type Store struct {
	mu   sync.RWMutex
	keys map[node.Address]Key
}

func NewStore() *Store {
	return &Store{keys: make(map[node.Address]Key)}
}

func (s *Store) Set(peer node.Address, key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[peer] = key
}

func (s *Store) Get(peer node.Address) (Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[peer]
	return k, ok
}

func (s *Store) Delete(peer node.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, peer)
}

// Seal encrypts plaintext for peer using the stored session key.
func (s *Store) Seal(peer node.Address, nonce [qcrypto.NonceSize]byte, plaintext []byte) ([]byte, error) {
	key, ok := s.Get(peer)
	if !ok {
		return nil, ErrNoSession
	}
	return qcrypto.Seal([32]byte(key), nonce, plaintext)
}

// Open decrypts ciphertext received from peer using the stored
// session key, surfacing AEAD tag failures as ErrSessionDecrypt
// distinct from a missing session or a codec decode error.
func (s *Store) Open(peer node.Address, nonce [qcrypto.NonceSize]byte, ciphertext []byte) ([]byte, error) {
	key, ok := s.Get(peer)
	if !ok {
		return nil, ErrNoSession
	}
	pt, err := qcrypto.Open([32]byte(key), nonce, ciphertext)
	if err != nil {
		return nil, ErrSessionDecrypt
	}
	return pt, nil
}
