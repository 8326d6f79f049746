package message

import (
	"crypto/ed25519"
	"testing"

	"github.com/QORP-community/qorp-go/internal/node"
)

func testIdentity(t *testing.T) (node.Known, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return node.NewKnown(pub), priv
}

func TestSignVerifyAllVariants(t *testing.T) {
	src, srcPriv := testIdentity(t)
	dst, _ := testIdentity(t)
	var exchangeKey [32]byte

	cases := map[string]Message{
		"networkdata":   &NetworkData{Source: src, Destination: dst, Length: 1, Payload: []byte{0x00}},
		"routerequest":  &RouteRequest{Source: src, Destination: dst, PublicKey: exchangeKey},
		"routeresponse": &RouteResponse{Source: src, Destination: dst, RequesterKey: exchangeKey, PublicKey: exchangeKey},
		"routeerror":    &RouteError{Source: src, Destination: dst, RouteSource: src, RouteDestination: dst},
	}

	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			Sign(m, srcPriv)
			if !Verify(m) {
				t.Fatal("expected freshly signed message to verify")
			}
		})
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	src, srcPriv := testIdentity(t)
	dst, _ := testIdentity(t)

	d := &NetworkData{Source: src, Destination: dst, Length: 1, Payload: []byte{0x00}}
	Sign(d, srcPriv)
	d.Payload = []byte{0x01}
	if Verify(d) {
		t.Fatal("expected signature to fail after payload was tampered with")
	}
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	src, _ := testIdentity(t)
	dst, _ := testIdentity(t)
	_, otherPriv := testIdentity(t)

	rreq := &RouteRequest{Source: src, Destination: dst}
	Sign(rreq, otherPriv)
	if Verify(rreq) {
		t.Fatal("expected verify to fail when signed by a key other than the declared source")
	}
}

func TestRouteRequestEqualIgnoresSignature(t *testing.T) {
	src, srcPriv := testIdentity(t)
	dst, _ := testIdentity(t)
	var key [32]byte

	a := &RouteRequest{Source: src, Destination: dst, PublicKey: key}
	b := &RouteRequest{Source: src, Destination: dst, PublicKey: key}
	Sign(a, srcPriv)
	if !a.Equal(b) {
		t.Fatal("expected RouteRequests with identical fields but different signatures to compare equal")
	}
}

func TestRouteKeyReverse(t *testing.T) {
	src, _ := testIdentity(t)
	dst, _ := testIdentity(t)
	k := RouteKey{Src: src.Address(), Dst: dst.Address()}
	rev := k.Reverse()
	if rev.Src != k.Dst || rev.Dst != k.Src {
		t.Fatal("Reverse did not swap Src and Dst")
	}
}

func TestRouteRequestDestinationIsOpaque(t *testing.T) {
	src, _ := testIdentity(t)
	opaque := node.NewOpaque(node.Address{0x01})
	rreq := &RouteRequest{Source: src, Destination: opaque}
	if !rreq.DestinationIsOpaque() {
		t.Fatal("expected an Opaque destination to report DestinationIsOpaque")
	}

	known, _ := testIdentity(t)
	rreq2 := &RouteRequest{Source: src, Destination: known}
	if rreq2.DestinationIsOpaque() {
		t.Fatal("expected a Known destination to report DestinationIsOpaque false")
	}
}
