package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSecretsSealOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.enc")
	pass := []byte("test-passphrase")

	s, err := newSecrets()
	if err != nil {
		t.Fatalf("newSecrets: %v", err)
	}
	if err := sealSecrets(path, pass, s); err != nil {
		t.Fatalf("sealSecrets: %v", err)
	}

	got, err := openSecrets(path, pass)
	if err != nil {
		t.Fatalf("openSecrets: %v", err)
	}
	if got.IdentitySeed != s.IdentitySeed {
		t.Fatal("identity seed did not survive the round trip")
	}
	if got.BeaconKey != s.BeaconKey {
		t.Fatal("beacon key did not survive the round trip")
	}
	if !got.privateKey().Equal(s.privateKey()) {
		t.Fatal("reconstructed private keys differ")
	}
}

func TestOpenSecretsWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.enc")

	s, err := newSecrets()
	if err != nil {
		t.Fatalf("newSecrets: %v", err)
	}
	if err := sealSecrets(path, []byte("right"), s); err != nil {
		t.Fatalf("sealSecrets: %v", err)
	}
	if _, err := openSecrets(path, []byte("wrong")); err == nil {
		t.Fatal("expected decrypt to fail with the wrong passphrase")
	}
}

func TestOpenSecretsRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.enc")
	if err := os.WriteFile(path, []byte("XXXXX this is not an identity file, just plain text padding"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := openSecrets(path, []byte("pass")); err == nil {
		t.Fatal("expected bad magic to be rejected")
	}
}
