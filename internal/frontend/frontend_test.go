package frontend

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/QORP-community/qorp-go/internal/node"
)

// stubSender records SendData calls and optionally fails them.
type stubSender struct {
	mu   sync.Mutex
	sent [][]byte
	fail error
}

func (s *stubSender) SendData(ctx context.Context, target node.Known, plaintext []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, append([]byte(nil), plaintext...))
	return nil
}

func TestRouterFrontendRecordsInboundDeliveries(t *testing.T) {
	f := NewRouterFrontend(&stubSender{})
	src := node.Address{0x01}
	dst := node.Address{0x02}

	f.HandleData(src, dst, []byte("hello"))

	log := f.Log()
	if len(log) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(log))
	}
	if log[0].Outgoing || log[0].Peer != src || string(log[0].Plaintext) != "hello" {
		t.Fatalf("unexpected entry: %+v", log[0])
	}
}

func TestRouterFrontendSendLogsOutgoing(t *testing.T) {
	sender := &stubSender{}
	f := NewRouterFrontend(sender)
	peer := node.NewKnownFromAddress(node.Address{0x03})

	if err := f.Send(context.Background(), peer, []byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sender.sent) != 1 || string(sender.sent[0]) != "ping" {
		t.Fatalf("sender did not receive the payload: %v", sender.sent)
	}
	log := f.Log()
	if len(log) != 1 || !log[0].Outgoing || log[0].Peer != peer.Address() {
		t.Fatalf("outgoing entry not recorded: %+v", log)
	}
}

func TestRouterFrontendSendFailureIsNotLogged(t *testing.T) {
	sendErr := errors.New("no route")
	f := NewRouterFrontend(&stubSender{fail: sendErr})
	peer := node.NewKnownFromAddress(node.Address{0x04})

	if err := f.Send(context.Background(), peer, []byte("ping")); !errors.Is(err, sendErr) {
		t.Fatalf("expected the sender's error, got %v", err)
	}
	if got := f.Log(); len(got) != 0 {
		t.Fatalf("failed send must not appear in the log, got %d entries", len(got))
	}
}

func TestLogReturnsACopy(t *testing.T) {
	f := NewRouterFrontend(&stubSender{})
	f.HandleData(node.Address{0x05}, node.Address{0x06}, []byte("x"))

	first := f.Log()
	first[0].Outgoing = true
	second := f.Log()
	if second[0].Outgoing {
		t.Fatal("Log exposed internal state instead of a copy")
	}
}
