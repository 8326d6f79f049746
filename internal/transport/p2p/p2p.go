// Package p2p is the transport layer of a QORP node: a
// neighbour.Neighbour backed by a libp2p stream per peer, with mDNS
// discovery and ping-based RTT sampling.
package p2p

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"golang.org/x/sync/errgroup"

	"github.com/QORP-community/qorp-go/internal/message"
	"github.com/QORP-community/qorp-go/internal/neighbour"
	"github.com/QORP-community/qorp-go/internal/node"
	"github.com/QORP-community/qorp-go/internal/wire"
)

// ProtocolID is the single stream protocol every QORP frame travels
// over; the message taxonomy is closed, so one protocol suffices.
const ProtocolID = protocol.ID("/qorp/route/1.0.0")

// mdnsTag names this node's local service for peer discovery.
const mdnsTag = "qorp-mdns"

// Ingester is the subset of *forwarder.Forwarder the transport needs:
// admit a decoded message arriving from a neighbour. Narrowed to avoid
// an import cycle with internal/forwarder.
type Ingester interface {
	Ingest(n neighbour.Neighbour, m message.Message)
	AddNeighbour(n neighbour.Neighbour)
	RemoveNeighbour(addr node.Address)
}

// Transport owns the libp2p host and turns its streams into
// forwarder.Ingest calls, and forwarder Neighbour.Send calls into
// outbound streams.
type Transport struct {
	host    host.Host
	fwd     Ingester
	ping    *ping.PingService
	mdnsSvc mdns.Service

	mu   sync.Mutex
	rtts map[peer.ID]time.Duration
}

// New constructs a libp2p host identified by priv, listening on
// listenAddrs, and wires its stream handler to fwd. priv is the same
// key that signs QORP messages, so a peer's libp2p peer.ID and its
// QORP node.Address both derive from one keypair.
func New(ctx context.Context, priv ed25519.PrivateKey, listenAddrs []string, fwd Ingester) (*Transport, error) {
	libPriv, _, err := libp2pcrypto.KeyPairFromStdKey(&priv)
	if err != nil {
		return nil, fmt.Errorf("p2p: convert identity key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(libPriv),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.DefaultTransports,
		libp2p.ListenAddrStrings(listenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p: construct host: %w", err)
	}

	t := &Transport{
		host: h,
		fwd:  fwd,
		ping: ping.NewPingService(h),
		rtts: make(map[peer.ID]time.Duration),
	}
	h.SetStreamHandler(ProtocolID, t.handleStream)

	svc := mdns.NewMdnsService(h, mdnsTag, &notifee{t: t})
	t.mdnsSvc = svc
	if err := svc.Start(); err != nil {
		return nil, fmt.Errorf("p2p: start mdns: %w", err)
	}

	go t.pingLoop(ctx)
	return t, nil
}

// Host exposes the underlying libp2p host, e.g. for printing dialable
// addresses at startup.
func (t *Transport) Host() host.Host { return t.host }

// Close tears down the host and mDNS service.
func (t *Transport) Close() error {
	if t.mdnsSvc != nil {
		_ = t.mdnsSvc.Close()
	}
	return t.host.Close()
}

// notifee connects to peers discovered via mDNS and registers them as
// forwarder neighbours.
type notifee struct{ t *Transport }

func (m *notifee) HandlePeerFound(info peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.t.host.Connect(ctx, info); err != nil {
		return
	}
	if err := m.t.AddNeighbour(info.ID); err != nil {
		log.Printf("[p2p] mdns peer %s could not be registered: %v", info.ID, err)
	}
}

// DialAndAdd connects to a peer at addr (a full multiaddr including
// /p2p/<peerID>) and registers it as a forwarder neighbour, used when a
// peer address arrives via internal/discovery instead of mDNS.
func (t *Transport) DialAndAdd(ctx context.Context, addrStr string) error {
	info, err := peer.AddrInfoFromString(addrStr)
	if err != nil {
		return fmt.Errorf("p2p: parse multiaddr %q: %w", addrStr, err)
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("p2p: connect to %s: %w", addrStr, err)
	}
	return t.AddNeighbour(info.ID)
}

// AddNeighbour resolves pid's QORP identity from the libp2p peerstore's
// cached public key and registers it with the forwarder.
func (t *Transport) AddNeighbour(pid peer.ID) error {
	known, err := knownFromPeer(t.host, pid)
	if err != nil {
		return err
	}
	t.fwd.AddNeighbour(&Neighbour{host: t.host, peerID: pid, known: known})
	return nil
}

func knownFromPeer(h host.Host, pid peer.ID) (node.Known, error) {
	pub := h.Peerstore().PubKey(pid)
	if pub == nil {
		return node.Known{}, fmt.Errorf("p2p: no cached public key for peer %s", pid)
	}
	raw, err := pub.Raw()
	if err != nil {
		return node.Known{}, fmt.Errorf("p2p: extract raw public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return node.Known{}, fmt.Errorf("p2p: peer %s key is not ed25519", pid)
	}
	return node.NewKnown(ed25519.PublicKey(raw)), nil
}

func (t *Transport) handleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()
	known, err := knownFromPeer(t.host, remote)
	if err != nil {
		log.Printf("[p2p] dropping stream from unresolvable peer %s: %v", remote, err)
		return
	}
	frame, err := io.ReadAll(bufio.NewReader(s))
	if err != nil {
		log.Printf("[p2p] read stream from %s failed: %v", remote, err)
		return
	}
	m, err := wire.Decode(frame)
	if err != nil {
		log.Printf("[p2p] decode frame from %s failed: %v", remote, err)
		return
	}
	nb := &Neighbour{host: t.host, peerID: remote, known: known}
	t.fwd.Ingest(nb, m)
}

func (t *Transport) pingLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		for _, pid := range t.host.Network().Peers() {
			ch := t.ping.Ping(ctx, pid)
			select {
			case res := <-ch:
				if res.Error == nil {
					t.mu.Lock()
					t.rtts[pid] = res.RTT
					t.mu.Unlock()
				}
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
}

// NearestPeer returns the connected peer with the lowest sampled RTT.
func (t *Transport) NearestPeer() (peer.ID, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	type item struct {
		id  peer.ID
		rtt time.Duration
	}
	var arr []item
	for _, p := range t.host.Network().Peers() {
		rtt, ok := t.rtts[p]
		if !ok {
			continue
		}
		arr = append(arr, item{p, rtt})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].rtt < arr[j].rtt })
	if len(arr) == 0 {
		return "", 0
	}
	return arr[0].id, arr[0].rtt
}

// BroadcastRaw sends frame to every currently connected peer
// concurrently, used by higher layers that want best-effort fan-out
// outside the forwarder's own neighbour table (e.g. a bootstrap
// announcement). The forwarder's own RREQ flood instead iterates its
// neighbour table and calls Neighbour.Send per entry; this helper
// exists for transport-level broadcasts that predate having any
// routes.
func (t *Transport) BroadcastRaw(ctx context.Context, frame []byte) error {
	peers := t.host.Network().Peers()
	g, ctx := errgroup.WithContext(ctx)
	for _, pid := range peers {
		pid := pid
		g.Go(func() error {
			s, err := t.host.NewStream(ctx, pid, ProtocolID)
			if err != nil {
				return nil // best-effort: one unreachable peer must not fail the rest
			}
			defer s.Close()
			_, err = s.Write(frame)
			return err
		})
	}
	return g.Wait()
}

// Neighbour is the neighbour.Neighbour implementation backed by a
// libp2p stream opened fresh per message; no long-lived stream is held
// open per peer. Send writes the frame before returning, so it blocks
// its caller for up to the 5-second stream-open and write timeouts.
type Neighbour struct {
	host   host.Host
	peerID peer.ID
	known  node.Known
}

func (n *Neighbour) Known() node.Known { return n.known }

func (n *Neighbour) Send(m message.Message) error {
	frame, err := wire.Encode(m)
	if err != nil {
		return fmt.Errorf("p2p: encode frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := n.host.NewStream(ctx, n.peerID, ProtocolID)
	if err != nil {
		return fmt.Errorf("p2p: open stream to %s: %w", n.peerID, err)
	}
	defer s.Close()
	_ = s.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := s.Write(frame); err != nil {
		return fmt.Errorf("p2p: write frame to %s: %w", n.peerID, err)
	}
	return s.CloseWrite()
}
