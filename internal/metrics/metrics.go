// Package metrics exposes prometheus counters and gauges for forwarder
// activity and neighbour RTT, scraped from the public API's /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Forwarder implements forwarder.Observer with prometheus counters.
type Forwarder struct {
	rreqSent     prometheus.Counter
	rreqDeduped  prometheus.Counter
	routesUp     prometheus.Counter
	routesDown   prometheus.Counter
	rreqTimedOut prometheus.Counter
}

// NewForwarder constructs and registers the forwarder counters on reg.
func NewForwarder(reg prometheus.Registerer) *Forwarder {
	f := &Forwarder{
		rreqSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qorp",
			Subsystem: "forwarder",
			Name:      "route_requests_sent_total",
			Help:      "RouteRequest floods broadcast to neighbours.",
		}),
		rreqDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qorp",
			Subsystem: "forwarder",
			Name:      "route_requests_deduped_total",
			Help:      "RouteRequests that piggybacked on an in-flight flood instead of rebroadcasting.",
		}),
		routesUp: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qorp",
			Subsystem: "forwarder",
			Name:      "routes_installed_total",
			Help:      "Routes installed by a matched RouteResponse.",
		}),
		routesDown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qorp",
			Subsystem: "forwarder",
			Name:      "routes_removed_total",
			Help:      "Routes removed by an accepted RouteError.",
		}),
		rreqTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qorp",
			Subsystem: "forwarder",
			Name:      "route_requests_timed_out_total",
			Help:      "Pending route requests whose TTL fired before a matching RouteResponse arrived.",
		}),
	}
	reg.MustRegister(f.rreqSent, f.rreqDeduped, f.routesUp, f.routesDown, f.rreqTimedOut)
	return f
}

func (f *Forwarder) RouteRequestSent()     { f.rreqSent.Inc() }
func (f *Forwarder) RouteRequestDeduped()  { f.rreqDeduped.Inc() }
func (f *Forwarder) RouteInstalled()       { f.routesUp.Inc() }
func (f *Forwarder) RouteRemoved()         { f.routesDown.Inc() }
func (f *Forwarder) RouteRequestTimedOut() { f.rreqTimedOut.Inc() }

// NeighbourRTT is a gauge vector keyed by peer id, sampled from
// internal/transport/p2p's ping loop.
type NeighbourRTT struct {
	gauge *prometheus.GaugeVec
}

func NewNeighbourRTT(reg prometheus.Registerer) *NeighbourRTT {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "qorp",
		Subsystem: "neighbour",
		Name:      "rtt_seconds",
		Help:      "Most recently sampled ping RTT to a connected neighbour.",
	}, []string{"peer"})
	reg.MustRegister(g)
	return &NeighbourRTT{gauge: g}
}

// Set records the latest RTT sample for peerAddr.
func (n *NeighbourRTT) Set(peerAddr string, rtt time.Duration) {
	n.gauge.WithLabelValues(peerAddr).Set(rtt.Seconds())
}
