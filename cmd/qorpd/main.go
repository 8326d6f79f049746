// Command qorpd runs a single QORP overlay mesh node: it holds an
// Ed25519 routing identity, discovers neighbours over LAN multicast and
// libp2p mDNS, forwards RouteRequest/RouteResponse/RouteError floods and
// encrypted NetworkData, and exposes a localhost control API and a
// peer-facing public API.
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/QORP-community/qorp-go/internal/config"
	"github.com/QORP-community/qorp-go/internal/discovery"
	"github.com/QORP-community/qorp-go/internal/forwarder"
	"github.com/QORP-community/qorp-go/internal/frontend"
	"github.com/QORP-community/qorp-go/internal/metrics"
	"github.com/QORP-community/qorp-go/internal/node"
	"github.com/QORP-community/qorp-go/internal/peerstore"
	"github.com/QORP-community/qorp-go/internal/transport/p2p"
)

func main() {
	cfg := config.DefaultConfig()
	fs := flag.NewFlagSet("qorpd", flag.ExitOnError)
	cfg.BindFlags(fs)

	var (
		newIdentity bool
		identPass   string
	)
	fs.BoolVar(&newIdentity, "new-identity", false, "generate a fresh identity.enc and exit setup")
	fs.StringVar(&identPass, "identity-pass", "", "passphrase for identity.enc (or set QORP_IDENTITY_PASS)")
	fs.Parse(os.Args[1:])

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("data dir: %v", err)
		}
		cfg.DataDir = filepath.Join(home, ".qorp")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("data dir: %v", err)
	}

	if identPass == "" {
		identPass = os.Getenv("QORP_IDENTITY_PASS")
	}
	if identPass == "" {
		log.Fatalf("identity.enc passphrase missing. Supply --identity-pass or set QORP_IDENTITY_PASS")
	}

	identPath := filepath.Join(cfg.DataDir, "identity.enc")
	var sec *secrets
	if _, err := os.Stat(identPath); err == nil {
		sec, err = openSecrets(identPath, []byte(identPass))
		if err != nil {
			log.Fatalf("identity.enc load: %v", err)
		}
	} else {
		if !newIdentity {
			log.Fatalf("no identity found. Run with --new-identity and provide --identity-pass (or QORP_IDENTITY_PASS) to create %s", identPath)
		}
		sec, err = newSecrets()
		if err != nil {
			log.Fatalf("identity generate: %v", err)
		}
		if err := sealSecrets(identPath, []byte(identPass), sec); err != nil {
			log.Fatalf("identity.enc create: %v", err)
		}
		log.Printf("[identity] created %s", identPath)
	}

	priv := sec.privateKey()
	self := node.NewKnown(priv.Public().(ed25519.PublicKey))
	log.Printf("[node] address=%s", self.Address())

	pick, err := discovery.PickInterface(cfg.MCIface, cfg.MCSubnet)
	if err != nil {
		log.Fatalf("interface pick: %v", err)
	}
	log.Printf("[net] using discovery iface=%s ip=%s", pick.Iface.Name, pick.IP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	obs := metrics.NewForwarder(reg)
	rttGauge := metrics.NewNeighbourRTT(reg)

	fwd := forwarder.New(self, priv,
		forwarder.WithRREQTimeout(cfg.RREQTimeout),
		forwarder.WithObserver(obs),
	)
	defer fwd.Stop()
	// RouterFrontend needs the forwarder as a Sender, and the forwarder
	// needs a Frontend to deliver into; SetFrontend breaks the cycle.
	rf := frontend.NewRouterFrontend(fwd)
	fwd.SetFrontend(rf)

	tr, err := p2p.New(ctx, priv, []string{cfg.APIAddr}, fwd)
	if err != nil {
		log.Fatalf("p2p transport: %v", err)
	}
	defer tr.Close()
	for _, a := range tr.Host().Addrs() {
		log.Printf("[p2p] listening on %s/p2p/%s", a, tr.Host().ID())
	}
	selfMultiaddr := ""
	if addrs := tr.Host().Addrs(); len(addrs) > 0 {
		selfMultiaddr = fmt.Sprintf("%s/p2p/%s", addrs[0], tr.Host().ID())
	}

	store := peerstore.NewStore()
	peersPath := filepath.Join(cfg.DataDir, "peers.enc")
	if err := store.LoadFile(peersPath, []byte(identPass)); err != nil {
		log.Fatalf("peers.enc load: %v", err)
	}
	go store.AutosaveLoop(ctx, peersPath, self.Address(), []byte(identPass), time.Minute)

	if err := discovery.Broadcaster(ctx, cfg.MCGroup, cfg.MCPort, pick, cfg.BroadcastIntv, sec.BeaconKey[:], self.Address(), selfMultiaddr, hostnameOrEmpty()); err != nil {
		log.Fatalf("broadcaster: %v", err)
	}
	if err := discovery.Listener(ctx, cfg.MCGroup, cfg.MCPort, pick, sec.BeaconKey[:], store, self.Address()); err != nil {
		log.Fatalf("listener: %v", err)
	}

	go dialDiscoveredPeers(ctx, tr, store)
	go sampleNeighbourRTT(ctx, tr, rttGauge)

	srv := &apiServer{cfg: cfg, self: self, fwd: fwd, rf: rf, tr: tr, store: store, reg: reg}

	publicSrv := &http.Server{
		Addr:              cfg.PublicAddr,
		Handler:           srv.PublicHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	controlSrv := &http.Server{
		Addr:              cfg.ControlAddr,
		Handler:           srv.ControlHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("[public http] listening on %s", cfg.PublicAddr)
		if err := publicSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("public http: %v", err)
		}
	}()
	go func() {
		log.Printf("[control http] listening on %s (local only)", cfg.ControlAddr)
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("control http: %v", err)
		}
	}()

	select {} // block forever
}

func hostnameOrEmpty() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// dialDiscoveredPeers periodically dials any peerstore record that
// isn't yet a connected libp2p peer, bridging internal/discovery's
// multicast beacons into internal/transport/p2p neighbour connections.
func dialDiscoveredPeers(ctx context.Context, tr *p2p.Transport, store *peerstore.Store) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	connected := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, r := range store.List() {
				if r.Multiaddr == "" || connected[r.Multiaddr] {
					continue
				}
				dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := tr.DialAndAdd(dctx, r.Multiaddr)
				cancel()
				if err != nil {
					log.Printf("[qorpd] dial %s failed: %v", r.Multiaddr, err)
					continue
				}
				connected[r.Multiaddr] = true
				log.Printf("[qorpd] connected neighbour addr=%s via=%s", r.Addr, r.Multiaddr)
			}
		}
	}
}

// sampleNeighbourRTT copies the transport's ping-sampled RTTs into the
// prometheus gauge every few seconds.
func sampleNeighbourRTT(ctx context.Context, tr *p2p.Transport, g *metrics.NeighbourRTT) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pid, rtt := tr.NearestPeer()
			if pid == "" {
				continue
			}
			g.Set(pid.String(), rtt)
		}
	}
}
