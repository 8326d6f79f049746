// Package neighbour defines the outbound channel a forwarder uses to
// reach a directly connected peer, plus an in-memory test double.
package neighbour

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync"

	"github.com/QORP-community/qorp-go/internal/message"
	"github.com/QORP-community/qorp-go/internal/node"
)

func newSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Neighbour is a directly reachable known node the forwarder can hand
// a message to. Send is best-effort from the forwarder's point of
// view: the forwarder discards its error and never retries. Send may
// block its caller: internal/transport/p2p's implementation opens a
// stream and writes the frame before returning, each step bounded by a
// 5-second timeout.
type Neighbour interface {
	Known() node.Known
	Send(m message.Message) error
}

// Address is a convenience wrapper over n.Known().Address(), since
// equality/hashing of neighbours is over the address alone.
func Address(n Neighbour) node.Address { return n.Known().Address() }

// Mock records every message sent to it, used throughout
// internal/forwarder's tests.
type Mock struct {
	known node.Known

	mu       sync.Mutex
	Received []message.Message
	SendErr  error
}

// NewMock builds a Mock identified by a freshly generated Ed25519
// keypair, discarding the private key; tests only need the public
// identity to address a neighbour.
func NewMock() *Mock {
	pub, _, err := newSigningKey()
	if err != nil {
		panic(err)
	}
	return &Mock{known: node.NewKnown(pub)}
}

// NewMockWithKnown builds a Mock over an existing Known identity, used
// when a test needs the neighbour's private key too (to sign messages
// attributed to it).
func NewMockWithKnown(k node.Known) *Mock {
	return &Mock{known: k}
}

// NewMockIdentity builds a Mock along with the Ed25519 private key
// backing it, for tests that need to sign messages as that neighbour.
func NewMockIdentity() (*Mock, ed25519.PrivateKey) {
	pub, priv, err := newSigningKey()
	if err != nil {
		panic(err)
	}
	return &Mock{known: node.NewKnown(pub)}, priv
}

func (m *Mock) Known() node.Known { return m.known }

func (m *Mock) Send(msg message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Received = append(m.Received, msg)
	return nil
}

// ReceivedCount returns how many messages equal to msg this mock has
// recorded, using the per-variant field-wise Equal.
func (m *Mock) ReceivedCount(msg message.Message) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, got := range m.Received {
		if messagesEqual(got, msg) {
			count++
		}
	}
	return count
}

func messagesEqual(a, b message.Message) bool {
	switch av := a.(type) {
	case *message.NetworkData:
		bv, ok := b.(*message.NetworkData)
		return ok && av.Equal(bv)
	case *message.RouteRequest:
		bv, ok := b.(*message.RouteRequest)
		return ok && av.Equal(bv)
	case *message.RouteResponse:
		bv, ok := b.(*message.RouteResponse)
		return ok && av.Equal(bv)
	case *message.RouteError:
		bv, ok := b.(*message.RouteError)
		return ok && av.Equal(bv)
	default:
		return a == b
	}
}

// Snapshot returns a copy of the messages recorded so far.
func (m *Mock) Snapshot() []message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]message.Message, len(m.Received))
	copy(out, m.Received)
	return out
}
