// Package message defines the four QORP message variants, their
// canonical signed-byte encoding, and Ed25519 sign/verify over that
// encoding.
package message

import (
	"encoding/binary"
	"errors"

	"github.com/QORP-community/qorp-go/internal/node"
	"github.com/QORP-community/qorp-go/internal/qcrypto"
)

// ErrUnknownVariant marks a Message value that is none of the four
// closed variants: a programmer error, fatal to the frame only.
var ErrUnknownVariant = errors.New("message: unknown variant")

// Kind tags which of the four variants a Message is.
type Kind byte

const (
	KindNetworkData   Kind = 0x01
	KindRouteRequest  Kind = 0x02
	KindRouteResponse Kind = 0x03
	KindRouteError    Kind = 0x04
)

// Message is implemented by all four variants. SignedBytes returns the
// canonical byte sequence the signature covers; Sign and Verify
// operate over it.
type Message interface {
	Kind() Kind
	MsgSource() node.Known
	MsgDestination() node.Node
	SignedBytes() []byte
	Signature() [qcrypto.SignatureSize]byte
	SetSignature(sig [qcrypto.SignatureSize]byte)
}

// Sign computes and stores the signature over m's canonical bytes using
// the source's private key. The caller is responsible for priv matching
// m.MsgSource().
func Sign(m Message, priv []byte) {
	sig := qcrypto.Sign(priv, m.SignedBytes())
	var out [qcrypto.SignatureSize]byte
	copy(out[:], sig)
	m.SetSignature(out)
}

// Verify reports whether m carries a valid Ed25519 signature from its
// declared source over its canonical bytes. It never panics.
func Verify(m Message) bool {
	sig := m.Signature()
	return qcrypto.Verify(m.MsgSource().PublicKey, m.SignedBytes(), sig[:])
}

func destBytes(dst node.Node) []byte {
	addr := dst.Address()
	return addr[:]
}

// NetworkData carries an encrypted application payload from source to
// destination across an established route.
type NetworkData struct {
	Source      node.Known
	Destination node.Known
	Nonce       [12]byte
	Length      uint16
	Payload     []byte
	Sig         [qcrypto.SignatureSize]byte
}

func (d *NetworkData) Kind() Kind                { return KindNetworkData }
func (d *NetworkData) MsgSource() node.Known     { return d.Source }
func (d *NetworkData) MsgDestination() node.Node { return d.Destination }

func (d *NetworkData) Signature() [qcrypto.SignatureSize]byte       { return d.Sig }
func (d *NetworkData) SetSignature(sig [qcrypto.SignatureSize]byte) { d.Sig = sig }

func (d *NetworkData) SignedBytes() []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], d.Length)
	out := make([]byte, 0, 32+32+12+2+len(d.Payload))
	out = append(out, d.Source.PublicKey...)
	out = append(out, destBytes(d.Destination)...)
	out = append(out, d.Nonce[:]...)
	out = append(out, lenBuf[:]...)
	out = append(out, d.Payload...)
	return out
}

// Equal compares two NetworkData messages field-wise, ignoring signatures.
func (d *NetworkData) Equal(other *NetworkData) bool {
	if other == nil {
		return false
	}
	return d.Source.Address() == other.Source.Address() &&
		d.Destination.Address() == other.Destination.Address() &&
		d.Nonce == other.Nonce &&
		d.Length == other.Length &&
		string(d.Payload) == string(other.Payload)
}

// RouteKey identifies an (src, dst) ordered route pair, used as a routes
// table key. Both NetworkData and RouteError reference one.
type RouteKey struct {
	Src node.Address
	Dst node.Address
}

func (d *NetworkData) RouteKey() RouteKey {
	return RouteKey{Src: d.Source.Address(), Dst: d.Destination.Address()}
}

// RouteRequest floods a search for a path to Destination, carrying an
// ephemeral X25519 public key for the eventual session agreement.
// Destination may be Known or Opaque.
type RouteRequest struct {
	Source      node.Known
	Destination node.Node
	PublicKey   [32]byte
	Sig         [qcrypto.SignatureSize]byte
}

func (r *RouteRequest) Kind() Kind                { return KindRouteRequest }
func (r *RouteRequest) MsgSource() node.Known     { return r.Source }
func (r *RouteRequest) MsgDestination() node.Node { return r.Destination }

func (r *RouteRequest) Signature() [qcrypto.SignatureSize]byte       { return r.Sig }
func (r *RouteRequest) SetSignature(sig [qcrypto.SignatureSize]byte) { r.Sig = sig }

func (r *RouteRequest) SignedBytes() []byte {
	out := make([]byte, 0, 32+32+32)
	out = append(out, r.Source.PublicKey...)
	out = append(out, destBytes(r.Destination)...)
	out = append(out, r.PublicKey[:]...)
	return out
}

// Equal compares two RouteRequests field-wise, ignoring signatures, as
// required by the deduplication predicate.
func (r *RouteRequest) Equal(other *RouteRequest) bool {
	if other == nil {
		return false
	}
	return r.Source.Address() == other.Source.Address() &&
		r.Destination.Address() == other.Destination.Address() &&
		r.PublicKey == other.PublicKey
}

// DestinationIsOpaque reports whether this request's destination was
// unresolved to a full key when the request was created.
func (r *RouteRequest) DestinationIsOpaque() bool {
	_, ok := r.Destination.(node.Opaque)
	return ok
}

// RouteResponse answers a RouteRequest, carrying the responder's own
// ephemeral X25519 public key plus an echo of the requester's key so the
// forwarder can match it to the right pending request.
type RouteResponse struct {
	Source       node.Known
	Destination  node.Known
	RequesterKey [32]byte
	PublicKey    [32]byte
	Sig          [qcrypto.SignatureSize]byte
}

func (r *RouteResponse) Kind() Kind                { return KindRouteResponse }
func (r *RouteResponse) MsgSource() node.Known     { return r.Source }
func (r *RouteResponse) MsgDestination() node.Node { return r.Destination }

func (r *RouteResponse) Signature() [qcrypto.SignatureSize]byte       { return r.Sig }
func (r *RouteResponse) SetSignature(sig [qcrypto.SignatureSize]byte) { r.Sig = sig }

func (r *RouteResponse) SignedBytes() []byte {
	out := make([]byte, 0, 32+32+32+32)
	out = append(out, r.Source.PublicKey...)
	out = append(out, destBytes(r.Destination)...)
	out = append(out, r.RequesterKey[:]...)
	out = append(out, r.PublicKey[:]...)
	return out
}

// Equal compares two RouteResponses field-wise, ignoring signatures.
func (r *RouteResponse) Equal(other *RouteResponse) bool {
	if other == nil {
		return false
	}
	return r.Source.Address() == other.Source.Address() &&
		r.Destination.Address() == other.Destination.Address() &&
		r.RequesterKey == other.RequesterKey &&
		r.PublicKey == other.PublicKey
}

// RouteError reports that the route between RouteSource and
// RouteDestination is no longer usable, sent back towards RouteSource.
type RouteError struct {
	Source           node.Known
	Destination      node.Known
	RouteSource      node.Known
	RouteDestination node.Known
	Sig              [qcrypto.SignatureSize]byte
}

func (e *RouteError) Kind() Kind                { return KindRouteError }
func (e *RouteError) MsgSource() node.Known     { return e.Source }
func (e *RouteError) MsgDestination() node.Node { return e.Destination }

func (e *RouteError) Signature() [qcrypto.SignatureSize]byte       { return e.Sig }
func (e *RouteError) SetSignature(sig [qcrypto.SignatureSize]byte) { e.Sig = sig }

func (e *RouteError) SignedBytes() []byte {
	out := make([]byte, 0, 32+32+32+32)
	out = append(out, e.Source.PublicKey...)
	out = append(out, destBytes(e.Destination)...)
	out = append(out, e.RouteSource.PublicKey...)
	out = append(out, e.RouteDestination.PublicKey...)
	return out
}

func (e *RouteError) RouteKey() RouteKey {
	return RouteKey{Src: e.RouteSource.Address(), Dst: e.RouteDestination.Address()}
}

// Equal compares two RouteErrors field-wise, ignoring signatures.
func (e *RouteError) Equal(other *RouteError) bool {
	if other == nil {
		return false
	}
	return e.Source.Address() == other.Source.Address() &&
		e.Destination.Address() == other.Destination.Address() &&
		e.RouteSource.Address() == other.RouteSource.Address() &&
		e.RouteDestination.Address() == other.RouteDestination.Address()
}

// Reverse returns the key for the opposite direction of a route.
func (k RouteKey) Reverse() RouteKey {
	return RouteKey{Src: k.Dst, Dst: k.Src}
}
