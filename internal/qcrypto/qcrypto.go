// Package qcrypto wraps the three primitives the routing core signs,
// agrees, and encrypts with: Ed25519, X25519 and ChaCha20-Poly1305.
package qcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SignatureSize  = ed25519.SignatureSize
	X25519KeySize  = 32
	NonceSize      = chacha20poly1305.NonceSize
)

var ErrShortSignature = errors.New("qcrypto: signature has wrong length")

// GenerateSigningKey creates a fresh Ed25519 identity keypair.
func GenerateSigningKey() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign signs msg with priv, always returning a SignatureSize slice.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature over msg by pub.
// It never panics: a malformed pub or sig simply fails verification.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// X25519KeyPair is an ephemeral Diffie-Hellman keypair used once per route
// discovery to agree on a session key with the other endpoint.
type X25519KeyPair struct {
	Priv [X25519KeySize]byte
	Pub  [X25519KeySize]byte
}

// NewX25519KeyPair generates a fresh ephemeral keypair.
func NewX25519KeyPair() (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := rand.Read(kp.Priv[:]); err != nil {
		return kp, fmt.Errorf("qcrypto: generate x25519 key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Priv[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("qcrypto: derive x25519 public key: %w", err)
	}
	copy(kp.Pub[:], pub)
	return kp, nil
}

// SharedSecret computes the raw X25519 ECDH output. The protocol has
// no KDF stage (see the session package), so this is used directly as
// an AEAD key.
func SharedSecret(priv, peerPub [X25519KeySize]byte) ([X25519KeySize]byte, error) {
	var out [X25519KeySize]byte
	secret, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return out, fmt.Errorf("qcrypto: x25519 ecdh: %w", err)
	}
	copy(out[:], secret)
	return out, nil
}

// Seal encrypts plaintext with a ChaCha20-Poly1305 AEAD under key and
// nonce, with no additional authenticated data, matching the wire
// format's fixed 12-byte nonce and empty AAD.
func Seal(key [32]byte, nonce [NonceSize]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("qcrypto: new aead: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// Open decrypts and authenticates ciphertext produced by Seal.
func Open(key [32]byte, nonce [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("qcrypto: new aead: %w", err)
	}
	pt, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("qcrypto: aead open: %w", err)
	}
	return pt, nil
}

// RandomNonce draws a fresh random nonce suitable for Seal/Open.
func RandomNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	_, err := rand.Read(n[:])
	return n, err
}
