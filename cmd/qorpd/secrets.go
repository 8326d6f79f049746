package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// identityMagic tags the encrypted identity file.
var identityMagic = []byte("QPID1")

const identitySaltSize = 16

// secrets is everything cmd/qorpd needs at startup that must survive a
// restart: the 32-byte seed of the node's long-term Ed25519 signing
// identity and the shared symmetric key used to encrypt discovery
// beacons.
type secrets struct {
	IdentitySeed [ed25519.SeedSize]byte
	BeaconKey    [32]byte
}

func newSecrets() (*secrets, error) {
	var s secrets
	if _, err := rand.Read(s.IdentitySeed[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(s.BeaconKey[:]); err != nil {
		return nil, err
	}
	return &s, nil
}

// privateKey reconstructs the Ed25519 private key from the stored seed.
func (s *secrets) privateKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(s.IdentitySeed[:])
}

// kdf derives the file-encryption key from a passphrase and salt:
// Argon2id (m=64MiB, t=2, p=1) hardens the passphrase, then HKDF widens
// the result into the key actually handed to the AEAD, so the Argon2
// output itself never leaves this function.
func kdf(pass, salt []byte) []byte {
	master := argon2.IDKey(pass, salt, 2, 64*1024, 1, 32)
	return hkdfBytes(master, "qorp-identity-file", 32)
}

func hkdfBytes(key []byte, info string, n int) []byte {
	h := hkdf.New(sha256.New, key, nil, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(h, out); err != nil {
		panic(err)
	}
	return out
}

type secretsWire struct {
	IdentitySeedHex string `json:"identity_seed_hex"`
	BeaconKeyHex    string `json:"beacon_key_hex"`
}

// sealSecrets encrypts s into path: MAGIC || salt || nonce || ct.
func sealSecrets(path string, pass []byte, s *secrets) error {
	plain, err := json.Marshal(secretsWire{
		IdentitySeedHex: hexEncode(s.IdentitySeed[:]),
		BeaconKeyHex:    hexEncode(s.BeaconKey[:]),
	})
	if err != nil {
		return err
	}
	salt := make([]byte, identitySaltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key := kdf(pass, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ct := aead.Seal(nil, nonce, plain, nil)

	out := make([]byte, 0, len(identityMagic)+identitySaltSize+len(nonce)+len(ct))
	out = append(out, identityMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return os.WriteFile(path, out, 0o600)
}

// openSecrets decrypts path with pass.
func openSecrets(path string, pass []byte) (*secrets, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	min := len(identityMagic) + identitySaltSize + chacha20poly1305.NonceSizeX
	if len(b) < min {
		return nil, errors.New("qorpd: identity file too short")
	}
	if string(b[:len(identityMagic)]) != string(identityMagic) {
		return nil, errors.New("qorpd: bad identity file magic")
	}
	off := len(identityMagic)
	salt := b[off : off+identitySaltSize]
	off += identitySaltSize
	nonce := b[off : off+chacha20poly1305.NonceSizeX]
	off += chacha20poly1305.NonceSizeX
	ct := b[off:]

	key := kdf(pass, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errors.New("qorpd: identity file decrypt failed (wrong passphrase?)")
	}
	var w secretsWire
	if err := json.Unmarshal(plain, &w); err != nil {
		return nil, err
	}
	var s secrets
	if err := hexDecodeInto(s.IdentitySeed[:], w.IdentitySeedHex); err != nil {
		return nil, fmt.Errorf("qorpd: identity seed: %w", err)
	}
	if err := hexDecodeInto(s.BeaconKey[:], w.BeaconKeyHex); err != nil {
		return nil, fmt.Errorf("qorpd: beacon key: %w", err)
	}
	return &s, nil
}
