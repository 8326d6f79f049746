// Package forwarder implements the core QORP routing engine: route
// discovery by flooding, deduplicated pending requests, RREP matching,
// route maintenance and RERR propagation.
//
// A Forwarder runs its own single goroutine: every dispatch method and
// timer callback is serialised onto it, so no two table mutations ever
// run concurrently. Callers on other goroutines (Ingest, FindDirection,
// AddNeighbour, ...) hand work to that goroutine and, except for
// FindDirection's await, block until it has run.
package forwarder

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/QORP-community/qorp-go/internal/message"
	"github.com/QORP-community/qorp-go/internal/neighbour"
	"github.com/QORP-community/qorp-go/internal/node"
	"github.com/QORP-community/qorp-go/internal/qcrypto"
	"github.com/QORP-community/qorp-go/internal/session"
)

// DefaultRREQTimeout is the TTL armed on every pending route request.
const DefaultRREQTimeout = 10 * time.Second

var (
	// ErrRouteRequestTimeout is observed by a FindDirection caller whose
	// pending slot's TTL fired before a matching RREP arrived.
	ErrRouteRequestTimeout = errors.New("forwarder: route request timed out")
	// ErrRouteRequestCancelled is observed when the caller's context is
	// cancelled before the pending slot resolves.
	ErrRouteRequestCancelled = errors.New("forwarder: route request cancelled")

	errSelfSendUnreachable = errors.New("forwarder: message dispatched to self pseudo-neighbour instead of being intercepted")
)

// Frontend receives decrypted payloads for NetworkData addressed to
// this node. Defined narrowly here (rather than importing
// internal/frontend) so internal/frontend can depend on forwarder for
// its RouterFrontend without an import cycle.
type Frontend interface {
	HandleData(source, destination node.Address, plaintext []byte)
}

// Observer receives forwarder activity counters; internal/metrics
// implements it to expose them on the public API's /metrics. Nil-safe via
// noopObserver when not configured.
type Observer interface {
	RouteRequestSent()
	RouteRequestDeduped()
	RouteInstalled()
	RouteRemoved()
	RouteRequestTimedOut()
}

type noopObserver struct{}

func (noopObserver) RouteRequestSent()     {}
func (noopObserver) RouteRequestDeduped()  {}
func (noopObserver) RouteInstalled()       {}
func (noopObserver) RouteRemoved()         {}
func (noopObserver) RouteRequestTimedOut() {}

// routeEntry pairs the two next-hop directions installed for an
// ordered (src,dst) pair. Both are populated from the same neighbour
// on RREP fulfilment; tracking each direction independently is a
// future extension.
type routeEntry struct {
	towardsSrc neighbour.Neighbour
	towardsDst neighbour.Neighbour
}

// slotResult is what a pendingSlot resolves to: either the neighbour
// and RouteResponse that fulfilled it, or a terminal error.
type slotResult struct {
	neighbour neighbour.Neighbour
	response  *message.RouteResponse
	err       error
}

// pendingSlot is an in-flight RREQ awaiting its RREP: a one-shot
// promise with an idempotent terminal transition. Every terminal
// transition erases the slot's requestDetails entry, so stale slots
// never need a separate purge pass.
type pendingSlot struct {
	id     string
	target node.Address
	result chan slotResult
	once   sync.Once
	timer  *time.Timer
}

func newPendingSlot(target node.Address) *pendingSlot {
	return &pendingSlot{
		id:     uuid.NewString(),
		target: target,
		result: make(chan slotResult, 1),
	}
}

func (p *pendingSlot) resolve(res slotResult) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.result <- res
	})
}

// selfNeighbour represents this node in its own neighbours/routes/
// directions tables, so the dispatch rules apply uniformly when this
// node is the ultimate source or destination.
// Its Send is never meant to run: every dispatch path that could route
// a message to self intercepts before reaching it (handleNetworkData,
// handleRouteRequest, handleRouteError). A call reaching it is a bug in that
// interception, not a transport failure.
type selfNeighbour struct{ known node.Known }

func (s selfNeighbour) Known() node.Known { return s.known }
func (s selfNeighbour) Send(message.Message) error {
	return errSelfSendUnreachable
}

// FindResult is what a successful route discovery returns to the
// caller of FindDirection.
type FindResult struct {
	Neighbour neighbour.Neighbour
	Peer      node.Known
}

// Forwarder is the per-node routing engine. Construct with New and
// Stop when done.
type Forwarder struct {
	self node.Known
	priv ed25519.PrivateKey

	selfNb      neighbour.Neighbour
	rreqTimeout time.Duration
	sessions    *session.Store
	frontend    Frontend
	observer    Observer
	logger      *log.Logger

	cmds chan func()
	done chan struct{}

	// actor-owned state: touched only from the goroutine started by
	// New, either directly (inside run) or via post/postAsync closures.
	neighbours      map[node.Address]neighbour.Neighbour
	routes          map[message.RouteKey]routeEntry
	directions      map[node.Address]neighbour.Neighbour
	pendingRequests map[node.Address][]*pendingSlot
	requestDetails  map[*pendingSlot]*message.RouteRequest
}

// Option configures a Forwarder at construction.
type Option func(*Forwarder)

func WithRREQTimeout(d time.Duration) Option {
	return func(f *Forwarder) { f.rreqTimeout = d }
}

func WithFrontend(fr Frontend) Option {
	return func(f *Forwarder) { f.frontend = fr }
}

func WithObserver(o Observer) Option {
	return func(f *Forwarder) { f.observer = o }
}

func WithLogger(l *log.Logger) Option {
	return func(f *Forwarder) { f.logger = l }
}

// New constructs a Forwarder for the given identity and starts its
// dispatch goroutine.
func New(self node.Known, priv ed25519.PrivateKey, opts ...Option) *Forwarder {
	f := &Forwarder{
		self:            self,
		priv:            priv,
		rreqTimeout:     DefaultRREQTimeout,
		sessions:        session.NewStore(),
		observer:        noopObserver{},
		logger:          log.Default(),
		cmds:            make(chan func()),
		done:            make(chan struct{}),
		neighbours:      make(map[node.Address]neighbour.Neighbour),
		routes:          make(map[message.RouteKey]routeEntry),
		directions:      make(map[node.Address]neighbour.Neighbour),
		pendingRequests: make(map[node.Address][]*pendingSlot),
		requestDetails:  make(map[*pendingSlot]*message.RouteRequest),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.selfNb = selfNeighbour{known: self}
	f.neighbours[self.Address()] = f.selfNb
	selfKey := message.RouteKey{Src: self.Address(), Dst: self.Address()}
	f.routes[selfKey] = routeEntry{towardsSrc: f.selfNb, towardsDst: f.selfNb}
	f.directions[self.Address()] = f.selfNb
	go f.run()
	return f
}

// Sessions exposes the AEAD session-key store backing established
// routes, for a frontend or control API that needs to originate or
// inspect sessions directly.
func (f *Forwarder) Sessions() *session.Store { return f.sessions }

// Self returns this forwarder's own identity.
func (f *Forwarder) Self() node.Known { return f.self }

func (f *Forwarder) run() {
	for {
		select {
		case fn := <-f.cmds:
			fn()
		case <-f.done:
			return
		}
	}
}

// Stop terminates the dispatch goroutine. The Forwarder must not be
// used afterwards.
func (f *Forwarder) Stop() {
	close(f.done)
}

// post runs fn on the forwarder's dispatch goroutine and blocks until
// it completes.
func (f *Forwarder) post(fn func()) {
	sync := make(chan struct{})
	f.cmds <- func() {
		fn()
		close(sync)
	}
	<-sync
}

func (f *Forwarder) logf(format string, args ...any) {
	f.logger.Printf(format, args...)
}

// SetFrontend wires fr in after construction, for callers that build
// their Frontend from the Forwarder itself (e.g. a frontend.Sender
// that calls back into SendData) and so cannot supply it as a
// WithFrontend option at New time.
func (f *Forwarder) SetFrontend(fr Frontend) {
	f.post(func() {
		f.frontend = fr
	})
}

// AddNeighbour registers n as directly reachable.
func (f *Forwarder) AddNeighbour(n neighbour.Neighbour) {
	f.post(func() {
		f.neighbours[neighbour.Address(n)] = n
	})
}

// RemoveNeighbour forgets a neighbour. Existing routes through it are
// left as-is; they will fail their next ingress check or be cleaned
// up by a subsequent RERR.
func (f *Forwarder) RemoveNeighbour(addr node.Address) {
	f.post(func() {
		delete(f.neighbours, addr)
	})
}

// Ingest admits a message arriving from neighbour n (decoded and
// handed up by the transport layer) into the forwarder's dispatch
// table. It blocks until dispatch for this message has completed, so
// from the caller's point of view ingress is synchronous, while still
// running on the forwarder's own goroutine underneath.
func (f *Forwarder) Ingest(n neighbour.Neighbour, m message.Message) {
	f.post(func() {
		f.dispatch(n, m)
	})
}

func (f *Forwarder) dispatch(n neighbour.Neighbour, m message.Message) {
	if neighbour.Address(n) != f.self.Address() && !message.Verify(m) {
		return
	}
	switch v := m.(type) {
	case *message.NetworkData:
		f.handleNetworkData(n, v)
	case *message.RouteRequest:
		f.handleRouteRequest(n, v)
	case *message.RouteResponse:
		f.handleRouteResponse(n, v)
	case *message.RouteError:
		f.handleRouteError(n, v)
	default:
		f.logf("[forwarder] dropping frame of unknown message variant")
	}
}

func (f *Forwarder) handleNetworkData(n neighbour.Neighbour, d *message.NetworkData) {
	key := d.RouteKey()
	entry, ok := f.routes[key]
	if !ok {
		f.emitRouteError(n, d)
		return
	}
	if neighbour.Address(entry.towardsSrc) != neighbour.Address(n) {
		return
	}
	if neighbour.Address(entry.towardsDst) == f.self.Address() {
		f.deliverToFrontend(d)
		return
	}
	_ = entry.towardsDst.Send(d)
}

func (f *Forwarder) emitRouteError(n neighbour.Neighbour, d *message.NetworkData) {
	rerr := &message.RouteError{
		Source:           f.self,
		Destination:      n.Known(),
		RouteSource:      d.Source,
		RouteDestination: d.Destination,
	}
	message.Sign(rerr, f.priv)
	_ = n.Send(rerr)
}

func (f *Forwarder) deliverToFrontend(d *message.NetworkData) {
	if f.frontend == nil {
		return
	}
	plaintext, err := f.sessions.Open(d.Source.Address(), d.Nonce, d.Payload)
	if err != nil {
		f.logf("[forwarder] session decrypt from=%s failed: %v", d.Source.Address(), err)
		return
	}
	f.frontend.HandleData(d.Source.Address(), d.Destination.Address(), plaintext)
}

// handleRouteRequest runs the RREQ dispatch rule and, when it parks a
// new pending slot, returns it (nil otherwise) so FindDirection can
// await the same slot it creates via this path.
func (f *Forwarder) handleRouteRequest(n neighbour.Neighbour, req *message.RouteRequest) *pendingSlot {
	targetAddr := req.Destination.Address()
	if dir, ok := f.directions[targetAddr]; ok {
		if targetAddr == f.self.Address() {
			f.respondAsDestination(n, req)
		} else {
			_ = dir.Send(req)
		}
		return nil
	}

	existing := f.pendingRequests[targetAddr]
	unique := len(existing) == 0

	slot := newPendingSlot(targetAddr)
	f.requestDetails[slot] = req
	f.pendingRequests[targetAddr] = append(existing, slot)
	slot.timer = time.AfterFunc(f.rreqTimeout, func() {
		f.post(func() { f.timeoutSlot(slot) })
	})

	if unique {
		for _, nb := range f.neighbours {
			addr := neighbour.Address(nb)
			if addr == neighbour.Address(n) || addr == f.self.Address() {
				continue
			}
			_ = nb.Send(req)
		}
		f.observer.RouteRequestSent()
		f.logf("[forwarder] rreq %s flooded for target=%s", slot.id, targetAddr)
	} else {
		f.observer.RouteRequestDeduped()
	}
	return slot
}

func (f *Forwarder) respondAsDestination(n neighbour.Neighbour, req *message.RouteRequest) {
	kp, err := qcrypto.NewX25519KeyPair()
	if err != nil {
		f.logf("[forwarder] respond-as-destination keygen failed: %v", err)
		return
	}
	key, err := session.Derive(kp.Priv, req.PublicKey)
	if err != nil {
		f.logf("[forwarder] respond-as-destination ecdh failed: %v", err)
		return
	}
	f.sessions.Set(req.Source.Address(), key)

	rrep := &message.RouteResponse{
		Source:       f.self,
		Destination:  req.Source,
		RequesterKey: req.PublicKey,
		PublicKey:    kp.Pub,
	}
	message.Sign(rrep, f.priv)

	srcAddr := req.Source.Address()
	selfAddr := f.self.Address()
	fwd := message.RouteKey{Src: srcAddr, Dst: selfAddr}
	f.routes[fwd] = routeEntry{towardsSrc: n, towardsDst: f.selfNb}
	f.routes[fwd.Reverse()] = routeEntry{towardsSrc: f.selfNb, towardsDst: n}
	if _, ok := f.directions[srcAddr]; !ok {
		f.directions[srcAddr] = n
	}
	f.observer.RouteInstalled()

	_ = n.Send(rrep)
}

func (f *Forwarder) handleRouteResponse(n neighbour.Neighbour, resp *message.RouteResponse) {
	targetAddr := resp.Source.Address()
	slots := f.pendingRequests[targetAddr]

	var matched, remaining []*pendingSlot
	for _, slot := range slots {
		req := f.requestDetails[slot]
		if req != nil && req.PublicKey == resp.RequesterKey {
			matched = append(matched, slot)
		} else {
			remaining = append(remaining, slot)
		}
	}
	if len(matched) == 0 {
		// Stale or spoofed RREP: silently dropped.
		return
	}
	if len(remaining) == 0 {
		delete(f.pendingRequests, targetAddr)
	} else {
		f.pendingRequests[targetAddr] = remaining
	}
	for _, slot := range matched {
		delete(f.requestDetails, slot)
	}

	fwd := message.RouteKey{Src: resp.Destination.Address(), Dst: resp.Source.Address()}
	f.routes[fwd] = routeEntry{towardsSrc: n, towardsDst: n}
	f.routes[fwd.Reverse()] = routeEntry{towardsSrc: n, towardsDst: n}
	if _, ok := f.directions[targetAddr]; !ok {
		f.directions[targetAddr] = n
	}
	f.observer.RouteInstalled()

	for _, slot := range matched {
		slot.resolve(slotResult{neighbour: n, response: resp})
	}

	selfAddr := f.self.Address()
	for _, nb := range f.neighbours {
		addr := neighbour.Address(nb)
		if addr == neighbour.Address(n) || addr == selfAddr {
			continue
		}
		_ = nb.Send(resp)
	}
}

func (f *Forwarder) handleRouteError(n neighbour.Neighbour, rerr *message.RouteError) {
	key := rerr.RouteKey()
	entry, ok := f.routes[key]
	if !ok || neighbour.Address(entry.towardsDst) != neighbour.Address(n) {
		return
	}
	towardsSrc := entry.towardsSrc
	delete(f.routes, key)
	delete(f.routes, key.Reverse())
	f.observer.RouteRemoved()
	if neighbour.Address(towardsSrc) == f.self.Address() {
		return
	}
	_ = towardsSrc.Send(rerr)
}

// timeoutSlot runs on the dispatch goroutine via the slot's TTL timer.
func (f *Forwarder) timeoutSlot(slot *pendingSlot) {
	f.removeSlot(slot)
	slot.resolve(slotResult{err: ErrRouteRequestTimeout})
	f.observer.RouteRequestTimedOut()
}

func (f *Forwarder) removeSlot(slot *pendingSlot) {
	list := f.pendingRequests[slot.target]
	for i, s := range list {
		if s == slot {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(f.pendingRequests, slot.target)
	} else {
		f.pendingRequests[slot.target] = list
	}
	delete(f.requestDetails, slot)
}

// FindDirection resolves the next hop towards target, flooding a
// RouteRequest and awaiting its RouteResponse if no direction is
// already known. On success it derives and stores the AEAD session
// key for the discovered peer.
func (f *Forwarder) FindDirection(ctx context.Context, target node.Node) (*FindResult, error) {
	type setup struct {
		direct  *FindResult
		slot    *pendingSlot
		kp      qcrypto.X25519KeyPair
		kpError error
	}
	setupCh := make(chan setup, 1)

	f.post(func() {
		targetAddr := target.Address()
		if dir, ok := f.directions[targetAddr]; ok {
			setupCh <- setup{direct: &FindResult{Neighbour: dir, Peer: f.knownFor(dir, targetAddr)}}
			return
		}
		kp, err := qcrypto.NewX25519KeyPair()
		if err != nil {
			setupCh <- setup{kpError: err}
			return
		}
		req := &message.RouteRequest{Source: f.self, Destination: target, PublicKey: kp.Pub}
		message.Sign(req, f.priv)
		slot := f.handleRouteRequest(f.selfNb, req)
		setupCh <- setup{slot: slot, kp: kp}
	})

	s := <-setupCh
	if s.direct != nil {
		return s.direct, nil
	}
	if s.kpError != nil {
		return nil, fmt.Errorf("forwarder: generate ephemeral key: %w", s.kpError)
	}
	if s.slot == nil {
		return nil, errors.New("forwarder: route request resolved with neither a direction nor a pending slot")
	}

	select {
	case res := <-s.slot.result:
		if res.err != nil {
			return nil, res.err
		}
		key, err := session.Derive(s.kp.Priv, res.response.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("forwarder: derive session key: %w", err)
		}
		f.sessions.Set(res.response.Source.Address(), key)
		return &FindResult{Neighbour: res.neighbour, Peer: res.response.Source}, nil
	case <-ctx.Done():
		f.cancelSlot(s.slot)
		return nil, ctx.Err()
	}
}

// knownFor resolves the Known identity of an already-discovered
// target when FindDirection returns immediately from the directions
// table. The neighbour itself may not literally be the target (it's
// the next hop), so when dir.Known().Address() doesn't match the
// requested target we build a Known from targetAddr itself; callers
// only use Peer for its address, which equals targetAddr either way.
func (f *Forwarder) knownFor(dir neighbour.Neighbour, targetAddr node.Address) node.Known {
	if dir.Known().Address() == targetAddr {
		return dir.Known()
	}
	return node.NewKnownFromAddress(targetAddr)
}

func (f *Forwarder) cancelSlot(slot *pendingSlot) {
	f.post(func() {
		f.removeSlot(slot)
		slot.resolve(slotResult{err: ErrRouteRequestCancelled})
	})
}

// SendData originates a NetworkData message to target, discovering a
// route first if none is known yet. It uses the direction already
// resolved by FindDirection directly, rather than re-entering
// handleNetworkData's ingress-matching gate: that gate validates
// traffic arriving from other neighbours and has no meaning for
// locally authored messages.
func (f *Forwarder) SendData(ctx context.Context, target node.Known, plaintext []byte) error {
	fr, err := f.FindDirection(ctx, target)
	if err != nil {
		return fmt.Errorf("forwarder: find direction: %w", err)
	}
	nonce, err := qcrypto.RandomNonce()
	if err != nil {
		return fmt.Errorf("forwarder: nonce: %w", err)
	}
	ciphertext, err := f.sessions.Seal(target.Address(), nonce, plaintext)
	if err != nil {
		return fmt.Errorf("forwarder: seal: %w", err)
	}
	d := &message.NetworkData{
		Source:      f.self,
		Destination: target,
		Nonce:       nonce,
		Length:      uint16(len(ciphertext)),
		Payload:     ciphertext,
	}
	message.Sign(d, f.priv)
	return fr.Neighbour.Send(d)
}
