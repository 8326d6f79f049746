package forwarder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/QORP-community/qorp-go/internal/message"
	"github.com/QORP-community/qorp-go/internal/neighbour"
	"github.com/QORP-community/qorp-go/internal/node"
	"github.com/QORP-community/qorp-go/internal/qcrypto"
	"github.com/QORP-community/qorp-go/internal/session"
)

func newTestForwarder(t *testing.T, opts ...Option) *Forwarder {
	t.Helper()
	pub, priv, err := qcrypto.GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	self := node.NewKnown(pub)
	f := New(self, priv, opts...)
	t.Cleanup(f.Stop)
	return f
}

// installRoute sets up a routes table entry directly, bypassing
// RREQ/RREP discovery.
func (f *Forwarder) installRoute(key message.RouteKey, towardsSrc, towardsDst neighbour.Neighbour) {
	f.post(func() {
		f.routes[key] = routeEntry{towardsSrc: towardsSrc, towardsDst: towardsDst}
	})
}

func (f *Forwarder) hasRoute(key message.RouteKey) bool {
	var ok bool
	f.post(func() {
		_, ok = f.routes[key]
	})
	return ok
}

func (f *Forwarder) pendingCount(target node.Address) int {
	var n int
	f.post(func() {
		n = len(f.pendingRequests[target])
	})
	return n
}

func networkData(t *testing.T, src *neighbour.Mock, srcPriv []byte, dst node.Known, nonce [12]byte, payload []byte) *message.NetworkData {
	t.Helper()
	d := &message.NetworkData{
		Source:      src.Known(),
		Destination: dst,
		Nonce:       nonce,
		Length:      uint16(len(payload)),
		Payload:     payload,
	}
	message.Sign(d, srcPriv)
	return d
}

func TestNetworkDataForwarding(t *testing.T) {
	f := newTestForwarder(t)

	src, srcPriv := neighbour.NewMockIdentity()
	dst := neighbour.NewMock()

	key := message.RouteKey{Src: src.Known().Address(), Dst: dst.Known().Address()}
	f.installRoute(key, src, dst)

	var nonce [12]byte
	signed := networkData(t, src, srcPriv, dst.Known(), nonce, []byte{0x00})
	f.Ingest(src, signed)
	if got := dst.ReceivedCount(signed); got != 1 {
		t.Errorf("signed NetworkData not forwarded to next hop, count=%d", got)
	}

	unsigned := &message.NetworkData{
		Source:      src.Known(),
		Destination: dst.Known(),
		Nonce:       nonce,
		Length:      1,
		Payload:     []byte{0x01},
	}
	f.Ingest(src, unsigned)
	if got := dst.ReceivedCount(unsigned); got != 0 {
		t.Errorf("unsigned NetworkData was forwarded to next hop, count=%d", got)
	}
}

func TestNetworkDataDeliveredToSelf(t *testing.T) {
	fr := &recordingFrontend{}
	f := newTestForwarder(t, WithFrontend(fr))

	src, srcPriv := neighbour.NewMockIdentity()
	selfKey := message.RouteKey{Src: src.Known().Address(), Dst: f.Self().Address()}
	f.installRoute(selfKey, src, f.selfNb)

	shared, err := qcrypto.SharedSecret([32]byte{1}, [32]byte{2})
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}
	f.Sessions().Set(src.Known().Address(), session.Key(shared))

	var nonce [12]byte
	ciphertext, err := qcrypto.Seal(shared, nonce, []byte("hello"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	d := networkData(t, src, srcPriv, f.Self(), nonce, ciphertext)
	f.Ingest(src, d)

	got := fr.snapshot()
	if len(got) != 1 || string(got[0].plaintext) != "hello" {
		t.Errorf("frontend did not receive decrypted payload, got=%v", got)
	}
}

type recordingFrontend struct {
	mu   sync.Mutex
	msgs []frontendMsg
}

type frontendMsg struct {
	source, destination node.Address
	plaintext           []byte
}

func (r *recordingFrontend) HandleData(source, destination node.Address, plaintext []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, frontendMsg{source, destination, append([]byte(nil), plaintext...)})
}

func (r *recordingFrontend) snapshot() []frontendMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frontendMsg, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func TestRouteErrorEmitOnUnknownRoute(t *testing.T) {
	f := newTestForwarder(t)

	src, srcPriv := neighbour.NewMockIdentity()
	dst := neighbour.NewMock()

	var nonce [12]byte
	d := networkData(t, src, srcPriv, dst.Known(), nonce, []byte{0x00})
	f.Ingest(src, d)

	expected := &message.RouteError{
		Source:           f.Self(),
		Destination:      src.Known(),
		RouteSource:      src.Known(),
		RouteDestination: dst.Known(),
	}
	if got := src.ReceivedCount(expected); got != 1 {
		t.Errorf("forwarder did not reply with RouteError for unknown route, count=%d", got)
	}
}

func rreqFor(t *testing.T, source *neighbour.Mock, sourcePriv []byte, destination node.Node) (*message.RouteRequest, [32]byte) {
	t.Helper()
	kp, err := qcrypto.NewX25519KeyPair()
	if err != nil {
		t.Fatalf("x25519 keypair: %v", err)
	}
	req := &message.RouteRequest{Source: source.Known(), Destination: destination, PublicKey: kp.Pub}
	message.Sign(req, sourcePriv)
	return req, kp.Priv
}

func TestRouteRequestPropagation(t *testing.T) {
	f := newTestForwarder(t)

	source, sourcePriv := neighbour.NewMockIdentity()
	destination := neighbour.NewMock()

	neighbours := make([]*neighbour.Mock, 5)
	for i := range neighbours {
		neighbours[i] = neighbour.NewMock()
		f.AddNeighbour(neighbours[i])
	}
	rreqDirection := neighbours[0]
	rest := neighbours[1:]

	req, _ := rreqFor(t, source, sourcePriv, destination.Known())
	f.Ingest(rreqDirection, req)

	for _, n := range rest {
		if got := n.ReceivedCount(req); got != 1 {
			t.Errorf("neighbour did not receive flooded RouteRequest, count=%d", got)
		}
	}
	if got := rreqDirection.ReceivedCount(req); got != 0 {
		t.Errorf("forwarder echoed RouteRequest back to its ingress neighbour, count=%d", got)
	}
}

func TestRouteRequestDeduplication(t *testing.T) {
	f := newTestForwarder(t)

	source, sourcePriv := neighbour.NewMockIdentity()
	destination := neighbour.NewMock()

	neighbours := make([]*neighbour.Mock, 5)
	for i := range neighbours {
		neighbours[i] = neighbour.NewMock()
		f.AddNeighbour(neighbours[i])
	}
	rreqDirection, rreqOtherDirection := neighbours[0], neighbours[1]
	rest := neighbours[2:]

	req, _ := rreqFor(t, source, sourcePriv, destination.Known())
	f.Ingest(rreqDirection, req)
	f.Ingest(rreqOtherDirection, req)

	for _, n := range rest {
		if got := n.ReceivedCount(req); got != 1 {
			t.Errorf("forwarder duplicated RouteRequest, count=%d", got)
		}
	}
}

func TestRouteRequestResponding(t *testing.T) {
	f := newTestForwarder(t)

	source, sourcePriv := neighbour.NewMockIdentity()
	destination, destinationPriv := neighbour.NewMockIdentity()

	neighbours := []*neighbour.Mock{neighbour.NewMock(), neighbour.NewMock()}
	for _, n := range neighbours {
		f.AddNeighbour(n)
	}
	rreqDirection, rrepDirection := neighbours[0], neighbours[1]

	req, _ := rreqFor(t, source, sourcePriv, destination.Known())
	f.Ingest(rreqDirection, req)

	rrepKp, err := qcrypto.NewX25519KeyPair()
	if err != nil {
		t.Fatalf("x25519 keypair: %v", err)
	}
	rrep := &message.RouteResponse{
		Source:       destination.Known(),
		Destination:  source.Known(),
		RequesterKey: req.PublicKey,
		PublicKey:    rrepKp.Pub,
	}
	message.Sign(rrep, destinationPriv)
	f.Ingest(rrepDirection, rrep)

	if got := rreqDirection.ReceivedCount(rrep); got != 1 {
		t.Errorf("forwarder did not relay RouteResponse to requester, count=%d", got)
	}
}

func TestRouteResponsePropagation(t *testing.T) {
	f := newTestForwarder(t)

	source, sourcePriv := neighbour.NewMockIdentity()
	destination, destinationPriv := neighbour.NewMockIdentity()

	neighbours := make([]*neighbour.Mock, 5)
	for i := range neighbours {
		neighbours[i] = neighbour.NewMock()
		f.AddNeighbour(neighbours[i])
	}
	rreqDirection := neighbours[0]
	rest := neighbours[1:]
	rrepDirection := rest[0]
	rrepReceivers := rest[1:]

	req, _ := rreqFor(t, source, sourcePriv, destination.Known())
	f.Ingest(rreqDirection, req)

	rrepKp, err := qcrypto.NewX25519KeyPair()
	if err != nil {
		t.Fatalf("x25519 keypair: %v", err)
	}
	rrep := &message.RouteResponse{
		Source:       destination.Known(),
		Destination:  source.Known(),
		RequesterKey: req.PublicKey,
		PublicKey:    rrepKp.Pub,
	}
	message.Sign(rrep, destinationPriv)
	f.Ingest(rrepDirection, rrep)

	for _, n := range rrepReceivers {
		if got := n.ReceivedCount(rrep); got != 1 {
			t.Errorf("forwarder did not relay RouteResponse to neighbour, count=%d", got)
		}
	}
	if got := rrepDirection.ReceivedCount(rrep); got != 0 {
		t.Errorf("forwarder echoed RouteResponse back to its own ingress neighbour, count=%d", got)
	}

	fwd := message.RouteKey{Src: source.Known().Address(), Dst: destination.Known().Address()}
	if !f.hasRoute(fwd) || !f.hasRoute(fwd.Reverse()) {
		t.Error("matched RouteResponse did not install a bidirectional route")
	}
	f.post(func() {
		dir, ok := f.directions[destination.Known().Address()]
		if !ok || neighbour.Address(dir) != neighbour.Address(rrepDirection) {
			t.Error("matched RouteResponse did not set the direction to its ingress neighbour")
		}
	})
}

func TestRouteResponseWithWrongRequesterKeyDoesNotFulfil(t *testing.T) {
	f := newTestForwarder(t)

	source, sourcePriv := neighbour.NewMockIdentity()
	destination, destinationPriv := neighbour.NewMockIdentity()

	rreqDirection := neighbour.NewMock()
	rrepDirection := neighbour.NewMock()
	f.AddNeighbour(rreqDirection)
	f.AddNeighbour(rrepDirection)

	req, _ := rreqFor(t, source, sourcePriv, destination.Known())
	f.Ingest(rreqDirection, req)

	wrongKey := req.PublicKey
	wrongKey[0] ^= 0xFF
	rrepKp, err := qcrypto.NewX25519KeyPair()
	if err != nil {
		t.Fatalf("x25519 keypair: %v", err)
	}
	rrep := &message.RouteResponse{
		Source:       destination.Known(),
		Destination:  source.Known(),
		RequesterKey: wrongKey,
		PublicKey:    rrepKp.Pub,
	}
	message.Sign(rrep, destinationPriv)
	f.Ingest(rrepDirection, rrep)

	if got := rreqDirection.ReceivedCount(rrep); got != 0 {
		t.Errorf("RouteResponse with a non-matching requester key was relayed, count=%d", got)
	}
	if got := f.pendingCount(destination.Known().Address()); got != 1 {
		t.Errorf("pending slot was consumed by a non-matching RouteResponse, remaining=%d", got)
	}
	fwd := message.RouteKey{Src: source.Known().Address(), Dst: destination.Known().Address()}
	if f.hasRoute(fwd) {
		t.Error("non-matching RouteResponse installed a route")
	}
}

func TestRouteErrorFetch(t *testing.T) {
	f := newTestForwarder(t)

	source := neighbour.NewMock()
	destination := neighbour.NewMock()
	srcDirection := neighbour.NewMock()
	dstDirection, dstDirectionPriv := neighbour.NewMockIdentity()
	rndSource, rndSourcePriv := neighbour.NewMockIdentity()
	rndDestination := neighbour.NewMock()

	forward := message.RouteKey{Src: source.Known().Address(), Dst: destination.Known().Address()}
	backward := forward.Reverse()
	f.installRoute(forward, srcDirection, dstDirection)
	f.installRoute(backward, dstDirection, srcDirection)

	ignoredA := &message.RouteError{
		Source: rndSource.Known(), Destination: rndDestination.Known(),
		RouteSource: rndSource.Known(), RouteDestination: destination.Known(),
	}
	message.Sign(ignoredA, rndSourcePriv)
	ignoredB := &message.RouteError{
		Source: rndSource.Known(), Destination: destination.Known(),
		RouteSource: source.Known(), RouteDestination: destination.Known(),
	}
	message.Sign(ignoredB, rndSourcePriv)

	f.Ingest(rndSource, ignoredA)
	f.Ingest(rndSource, ignoredB)

	if !f.hasRoute(forward) || !f.hasRoute(backward) {
		t.Fatal("forwarder removed route after a RouteError from a non-participant")
	}

	rerr := &message.RouteError{
		Source: dstDirection.Known(), Destination: srcDirection.Known(),
		RouteSource: source.Known(), RouteDestination: destination.Known(),
	}
	message.Sign(rerr, dstDirectionPriv)
	f.Ingest(dstDirection, rerr)

	if f.hasRoute(forward) || f.hasRoute(backward) {
		t.Fatal("forwarder did not remove route after a RouteError from a route participant")
	}
}

func TestRREQTimeout(t *testing.T) {
	f := newTestForwarder(t, WithRREQTimeout(20*time.Millisecond))

	source, sourcePriv := neighbour.NewMockIdentity()
	destination := neighbour.NewMock()
	rreqDirection := neighbour.NewMock()
	f.AddNeighbour(rreqDirection)

	req, _ := rreqFor(t, source, sourcePriv, destination.Known())
	f.Ingest(rreqDirection, req)

	if f.pendingCount(destination.Known().Address()) == 0 {
		t.Fatal("pending slot not recorded immediately after flooding")
	}

	time.Sleep(100 * time.Millisecond)

	if got := f.pendingCount(destination.Known().Address()); got != 0 {
		t.Errorf("forwarder did not clear pending request after TTL, remaining=%d", got)
	}
}

func TestFindDirectionResolvesImmediatelyWhenKnown(t *testing.T) {
	f := newTestForwarder(t)
	n := neighbour.NewMock()
	f.AddNeighbour(n)
	f.post(func() {
		f.directions[n.Known().Address()] = n
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := f.FindDirection(ctx, n.Known())
	if err != nil {
		t.Fatalf("FindDirection: %v", err)
	}
	if neighbour.Address(res.Neighbour) != neighbour.Address(n) {
		t.Errorf("FindDirection resolved to the wrong neighbour")
	}
}

func TestFindDirectionTimesOutWithNoResponder(t *testing.T) {
	f := newTestForwarder(t, WithRREQTimeout(20*time.Millisecond))
	n := neighbour.NewMock()
	f.AddNeighbour(n)

	target := node.NewOpaque(node.Address{0xAA})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.FindDirection(ctx, target)
	if err != ErrRouteRequestTimeout {
		t.Errorf("expected ErrRouteRequestTimeout, got %v", err)
	}
}

func TestFindDirectionCancelledByContext(t *testing.T) {
	f := newTestForwarder(t, WithRREQTimeout(time.Hour))
	n := neighbour.NewMock()
	f.AddNeighbour(n)

	target := node.NewOpaque(node.Address{0xBB})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.FindDirection(ctx, target)
	if err != context.DeadlineExceeded {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestRespondAsDestinationInstallsRoute(t *testing.T) {
	fr := &recordingFrontend{}
	f := newTestForwarder(t, WithFrontend(fr))

	source, sourcePriv := neighbour.NewMockIdentity()
	rreqDirection := neighbour.NewMock()
	f.AddNeighbour(rreqDirection)
	f.post(func() {
		f.directions[f.Self().Address()] = f.selfNb
	})

	req, reqPriv := rreqFor(t, source, sourcePriv, f.Self())
	f.Ingest(rreqDirection, req)

	if got := rreqDirection.Snapshot(); len(got) != 1 {
		t.Fatalf("expected exactly one RouteResponse sent to ingress neighbour, got %d messages", len(got))
	} else if rrep, ok := got[0].(*message.RouteResponse); !ok {
		t.Fatalf("expected a RouteResponse, got %T", got[0])
	} else if rrep.RequesterKey != req.PublicKey {
		t.Errorf("RouteResponse echoes the wrong requester key")
	} else {
		shared, err := qcrypto.SharedSecret(reqPriv, rrep.PublicKey)
		if err != nil {
			t.Fatalf("shared secret: %v", err)
		}
		f.Sessions().Set(f.Self().Address(), session.Key(shared))
	}

	fwd := message.RouteKey{Src: source.Known().Address(), Dst: f.Self().Address()}
	if !f.hasRoute(fwd) || !f.hasRoute(fwd.Reverse()) {
		t.Error("responding as destination did not install a bidirectional route")
	}
}
