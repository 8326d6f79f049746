// Package node defines node addresses and the Known/Opaque node
// distinction used throughout the routing core.
package node

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// Address is a node's raw Ed25519 public key. Equality and map-key hashing
// are over these 32 bytes only; any extra identity metadata is incidental.
type Address [32]byte

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// MarshalJSON encodes an Address as a hex string, so peerstore/discovery
// snapshots read as plain JSON rather than byte-array dumps.
func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON decodes the hex string form produced by MarshalJSON.
func (a *Address) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("node: invalid address JSON %q", data)
	}
	b, err := hex.DecodeString(string(data[1 : len(data)-1]))
	if err != nil {
		return fmt.Errorf("node: decode address hex: %w", err)
	}
	if len(b) != len(a) {
		return fmt.Errorf("node: address has wrong length %d", len(b))
	}
	copy(a[:], b)
	return nil
}

// AddressFromKey copies the raw bytes of an Ed25519 public key into an
// Address. It panics if pub is not a well-formed Ed25519 key.
func AddressFromKey(pub ed25519.PublicKey) Address {
	if len(pub) != ed25519.PublicKeySize {
		panic("node: public key has wrong length")
	}
	var a Address
	copy(a[:], pub)
	return a
}

// Node is implemented by Known and Opaque. Every Message's destination
// field, and every source field, is a Node.
type Node interface {
	Address() Address
	isNode()
}

// Known is a node whose full Ed25519 verification key is locally held.
type Known struct {
	PublicKey ed25519.PublicKey
}

func NewKnown(pub ed25519.PublicKey) Known {
	if len(pub) != ed25519.PublicKeySize {
		panic("node: public key has wrong length")
	}
	cp := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(cp, pub)
	return Known{PublicKey: cp}
}

func (k Known) Address() Address { return AddressFromKey(k.PublicKey) }
func (Known) isNode()            {}

// NewKnownFromAddress builds a Known node whose public key is exactly
// the given 32-byte address. Used by the wire codec, which only ever
// carries raw address bytes for a Known destination or route endpoint
// and never validates them as a curve point; the source field of an
// inbound frame is likewise trusted only after message.Verify runs.
func NewKnownFromAddress(addr Address) Known {
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, addr[:])
	return Known{PublicKey: pub}
}

// Opaque is a node referenced only by its 32-byte address, used when a
// route request targets an endpoint whose public key is not yet known
// locally. Opaque nodes may appear only as a RouteRequest destination,
// never as a message source.
type Opaque struct {
	addr Address
}

func NewOpaque(addr Address) Opaque {
	return Opaque{addr: addr}
}

func (o Opaque) Address() Address { return o.addr }
func (Opaque) isNode()            {}

// Equal reports whether two nodes share the same address, regardless of
// whether either is Known or Opaque.
func Equal(a, b Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Address() == b.Address()
}
