// Package frontend is the application-facing boundary of a QORP node:
// it receives decrypted NetworkData payloads from the forwarder and
// turns outgoing application messages into forwarder.SendData calls.
package frontend

import (
	"context"
	"log"
	"sync"

	"github.com/QORP-community/qorp-go/internal/node"
)

// Sender is the subset of *forwarder.Forwarder a Frontend needs to
// originate traffic, narrowed so this package need not import
// internal/forwarder (which defines its own Frontend interface, satisfied
// by LoggingFrontend and RouterFrontend).
type Sender interface {
	SendData(ctx context.Context, target node.Known, plaintext []byte) error
}

// LoggingFrontend implements forwarder.Frontend by logging every
// delivered payload. Useful for a headless node with no application
// above it.
type LoggingFrontend struct {
	Logger *log.Logger
}

func NewLoggingFrontend() *LoggingFrontend {
	return &LoggingFrontend{Logger: log.Default()}
}

func (f *LoggingFrontend) HandleData(source, destination node.Address, plaintext []byte) {
	logger := f.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("[frontend] data from=%s to=%s bytes=%d", source, destination, len(plaintext))
}

// Entry is one delivered or sent message, as exposed over the chat-style
// control API.
type Entry struct {
	Peer      node.Address
	Outgoing  bool
	Plaintext []byte
}

// RouterFrontend records inbound deliveries and lets a control surface
// (cmd/qorpd's HTTP API) originate outbound ones via Send, giving an
// operator a chat-style view over the session-encrypted NetworkData
// path.
type RouterFrontend struct {
	sender Sender

	mu  sync.Mutex
	log []Entry
}

func NewRouterFrontend(sender Sender) *RouterFrontend {
	return &RouterFrontend{sender: sender}
}

func (f *RouterFrontend) HandleData(source, destination node.Address, plaintext []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, Entry{Peer: source, Outgoing: false, Plaintext: append([]byte(nil), plaintext...)})
}

// Send originates an outgoing message to peer and records it in the
// log alongside inbound deliveries, so the log reads as a single
// ordered conversation.
func (f *RouterFrontend) Send(ctx context.Context, peer node.Known, plaintext []byte) error {
	if err := f.sender.SendData(ctx, peer, plaintext); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, Entry{Peer: peer.Address(), Outgoing: true, Plaintext: append([]byte(nil), plaintext...)})
	return nil
}

// Log returns a copy of every message sent or received so far, oldest
// first.
func (f *RouterFrontend) Log() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Entry, len(f.log))
	copy(out, f.log)
	return out
}
