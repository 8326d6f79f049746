package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/QORP-community/qorp-go/internal/config"
	"github.com/QORP-community/qorp-go/internal/forwarder"
	"github.com/QORP-community/qorp-go/internal/frontend"
	"github.com/QORP-community/qorp-go/internal/node"
	"github.com/QORP-community/qorp-go/internal/peerstore"
	"github.com/QORP-community/qorp-go/internal/transport/p2p"
)

// apiServer holds every wired component the control and public HTTP
// surfaces read from.
type apiServer struct {
	cfg   *config.Config
	self  node.Known
	fwd   *forwarder.Forwarder
	rf    *frontend.RouterFrontend
	tr    *p2p.Transport
	store *peerstore.Store
	reg   *prometheus.Registry
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// logReq logs every request's method, path and remote host.
func logReq(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		fmt.Printf("%s %s <- %s\n", r.Method, r.URL.Path, host)
		next.ServeHTTP(w, r)
	})
}

// PublicHandler serves the peer-facing surface: identity, the peer
// store's known-peer records, and /metrics for Prometheus scraping.
func (s *apiServer) PublicHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/id", func(w http.ResponseWriter, r *http.Request) {
		out := struct {
			Address string   `json:"address"`
			Addrs   []string `json:"addrs"`
		}{Address: s.self.Address().String()}
		for _, a := range s.tr.Host().Addrs() {
			out.Addrs = append(out.Addrs, fmt.Sprintf("%s/p2p/%s", a, s.tr.Host().ID()))
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.store.List())
	})

	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	return logReq(mux)
}

// ControlHandler serves the localhost-only surface: node status (with
// known and connected peer counts), and the send/log pair that lets an operator originate and
// inspect application traffic without a frontend of their own.
func (s *apiServer) ControlHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		pid, rtt := s.tr.NearestPeer()
		writeJSON(w, struct {
			Address        string `json:"address"`
			NearestPeer    string `json:"nearest_peer,omitempty"`
			NearestRTT     string `json:"nearest_rtt,omitempty"`
			KnownPeers     int    `json:"known_peers"`
			ConnectedPeers int    `json:"connected_peers"`
		}{
			Address:        s.self.Address().String(),
			NearestPeer:    pid.String(),
			NearestRTT:     rtt.String(),
			KnownPeers:     len(s.store.List()),
			ConnectedPeers: len(s.tr.Host().Network().Peers()),
		})
	})

	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		to := r.URL.Query().Get("to")
		addr, err := parseAddress(to)
		if err != nil {
			http.Error(w, "bad ?to=<hex address>: "+err.Error(), http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()
		if err := s.rf.Send(ctx, node.NewKnownFromAddress(addr), body); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/log", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.rf.Log())
	})

	return logReq(mux)
}

func parseAddress(s string) (node.Address, error) {
	var a node.Address
	err := hexDecodeInto(a[:], s)
	return a, err
}
