// Package wire implements the QORP frame codec: the bit-exact byte
// layout that carries a message between neighbours.
//
//	FRAME := src_pub(32) || dst_field(32) || type_tag(1) || body
package wire

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/QORP-community/qorp-go/internal/message"
	"github.com/QORP-community/qorp-go/internal/node"
	"github.com/QORP-community/qorp-go/internal/qcrypto"
)

// Decode errors. Both cause the transport to drop the frame without
// signalling the peer.
var (
	ErrUnknownKind = errors.New("wire: unknown type tag")
	ErrTruncated   = errors.New("wire: frame too short for its variant")
)

const (
	addrSize = 32
	headSize = addrSize + addrSize + 1
)

func destField(dst node.Node) [addrSize]byte {
	return dst.Address()
}

// Encode serialises m into its canonical frame bytes. It does not sign
// or verify m; callers must have already called message.Sign.
func Encode(m message.Message) ([]byte, error) {
	switch v := m.(type) {
	case *message.NetworkData:
		return encodeNetworkData(v), nil
	case *message.RouteRequest:
		return encodeRouteRequest(v), nil
	case *message.RouteResponse:
		return encodeRouteResponse(v), nil
	case *message.RouteError:
		return encodeRouteError(v), nil
	default:
		return nil, fmt.Errorf("wire: encode: %w", message.ErrUnknownVariant)
	}
}

func head(src node.Known, dst node.Node, tag message.Kind) []byte {
	out := make([]byte, 0, headSize)
	out = append(out, src.PublicKey...)
	df := destField(dst)
	out = append(out, df[:]...)
	out = append(out, byte(tag))
	return out
}

func encodeNetworkData(d *message.NetworkData) []byte {
	out := head(d.Source, d.Destination, message.KindNetworkData)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], d.Length)
	sig := d.Sig
	out = append(out, d.Nonce[:]...)
	out = append(out, lenBuf[:]...)
	out = append(out, sig[:]...)
	out = append(out, d.Payload...)
	return out
}

func encodeRouteRequest(r *message.RouteRequest) []byte {
	out := head(r.Source, r.Destination, message.KindRouteRequest)
	kind := byte(0x00)
	if r.DestinationIsOpaque() {
		kind = 0x01
	}
	sig := r.Sig
	out = append(out, kind)
	out = append(out, r.PublicKey[:]...)
	out = append(out, sig[:]...)
	return out
}

func encodeRouteResponse(r *message.RouteResponse) []byte {
	out := head(r.Source, r.Destination, message.KindRouteResponse)
	sig := r.Sig
	out = append(out, r.RequesterKey[:]...)
	out = append(out, r.PublicKey[:]...)
	out = append(out, sig[:]...)
	return out
}

func encodeRouteError(e *message.RouteError) []byte {
	out := head(e.Source, e.Destination, message.KindRouteError)
	sig := e.Sig
	out = append(out, e.RouteSource.PublicKey...)
	out = append(out, e.RouteDestination.PublicKey...)
	out = append(out, sig[:]...)
	return out
}

// Decode parses a frame into its concrete Message. It never verifies
// the signature; callers must call message.Verify before admitting the
// result into the forwarder.
func Decode(frame []byte) (message.Message, error) {
	if len(frame) < headSize {
		return nil, ErrTruncated
	}
	srcPub := ed25519.PublicKey(append([]byte(nil), frame[:addrSize]...))
	src := node.NewKnown(srcPub)

	var dstAddr node.Address
	copy(dstAddr[:], frame[addrSize:2*addrSize])

	tag := message.Kind(frame[2*addrSize])
	body := frame[headSize:]

	switch tag {
	case message.KindNetworkData:
		return decodeNetworkData(src, dstAddr, body)
	case message.KindRouteRequest:
		return decodeRouteRequest(src, dstAddr, body)
	case message.KindRouteResponse:
		return decodeRouteResponse(src, dstAddr, body)
	case message.KindRouteError:
		return decodeRouteError(src, dstAddr, body)
	default:
		return nil, ErrUnknownKind
	}
}

// networkDataFixedLen is nonce(12) + length(2) + signature(64).
const networkDataFixedLen = 12 + 2 + qcrypto.SignatureSize

func decodeNetworkData(src node.Known, dstAddr node.Address, body []byte) (message.Message, error) {
	if len(body) < networkDataFixedLen {
		return nil, ErrTruncated
	}
	d := &message.NetworkData{
		Source:      src,
		Destination: node.NewKnownFromAddress(dstAddr),
	}
	copy(d.Nonce[:], body[:12])
	d.Length = binary.BigEndian.Uint16(body[12:14])
	copy(d.Sig[:], body[14:14+qcrypto.SignatureSize])
	payload := body[14+qcrypto.SignatureSize:]
	d.Payload = append([]byte(nil), payload...)
	return d, nil
}

// routeRequestFixedLen is dst_kind(1) + x25519_pub(32) + signature(64).
const routeRequestFixedLen = 1 + 32 + qcrypto.SignatureSize

func decodeRouteRequest(src node.Known, dstAddr node.Address, body []byte) (message.Message, error) {
	if len(body) < routeRequestFixedLen {
		return nil, ErrTruncated
	}
	r := &message.RouteRequest{Source: src}
	switch body[0] {
	case 0x00:
		r.Destination = node.NewKnownFromAddress(dstAddr)
	case 0x01:
		r.Destination = node.NewOpaque(dstAddr)
	default:
		return nil, ErrUnknownKind
	}
	copy(r.PublicKey[:], body[1:33])
	copy(r.Sig[:], body[33:33+qcrypto.SignatureSize])
	return r, nil
}

// routeResponseFixedLen is requester_key(32) + x25519_pub(32) + signature(64).
const routeResponseFixedLen = 32 + 32 + qcrypto.SignatureSize

func decodeRouteResponse(src node.Known, dstAddr node.Address, body []byte) (message.Message, error) {
	if len(body) < routeResponseFixedLen {
		return nil, ErrTruncated
	}
	r := &message.RouteResponse{
		Source:      src,
		Destination: node.NewKnownFromAddress(dstAddr),
	}
	copy(r.RequesterKey[:], body[:32])
	copy(r.PublicKey[:], body[32:64])
	copy(r.Sig[:], body[64:64+qcrypto.SignatureSize])
	return r, nil
}

// routeErrorFixedLen is route_src_pub(32) + route_dst_pub(32) + signature(64).
const routeErrorFixedLen = 32 + 32 + qcrypto.SignatureSize

func decodeRouteError(src node.Known, dstAddr node.Address, body []byte) (message.Message, error) {
	if len(body) < routeErrorFixedLen {
		return nil, ErrTruncated
	}
	e := &message.RouteError{
		Source:      src,
		Destination: node.NewKnownFromAddress(dstAddr),
	}
	e.RouteSource = node.NewKnownFromAddress(addrFromBytes(body[:32]))
	e.RouteDestination = node.NewKnownFromAddress(addrFromBytes(body[32:64]))
	copy(e.Sig[:], body[64:64+qcrypto.SignatureSize])
	return e, nil
}

func addrFromBytes(b []byte) node.Address {
	var a node.Address
	copy(a[:], b)
	return a
}
