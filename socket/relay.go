package socket

import (
	"context"
	"sync"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/graph"
)

// ForwardEntry is one haven's registered rendezvous-forward binding: which
// dock it bound on its own N2RSocket, recorded so HavenForwardDock
// traffic addressed to it can be relayed there.
type ForwardEntry struct {
	OnionKey crypt.OnionPublic
	Dock     crypt.Dock
}

// HavenRelay is the rendezvous side of haven forwarding: it owns an
// N2RSocket bound at HavenForwardDock under this relay's own identity,
// holds the registration table RegisterHaven calls populate, and relays
// inbound haven traffic to whichever dock the registered haven bound.
// Pairs with grpcrpc.Server's MethodRegisterHaven handler, which calls
// Register on every successful registration request.
type HavenRelay struct {
	n2r   *N2RSocket
	graph *graph.RelayGraph

	mu    sync.RWMutex
	table map[crypt.Fingerprint]ForwardEntry

	quit chan struct{}
	wg   sync.WaitGroup
}

// BindRelay wires a HavenRelay on top of n2r, which must already be bound
// at HavenForwardDock (see Bind with Config.Dock == HavenForwardDock).
func BindRelay(n2r *N2RSocket, g *graph.RelayGraph) *HavenRelay {
	return &HavenRelay{
		n2r:   n2r,
		graph: g,
		table: make(map[crypt.Fingerprint]ForwardEntry),
		quit:  make(chan struct{}),
	}
}

// Register records identity's forwarding binding and ensures the graph
// carries a vertex for it, so this relay's own onion path search can
// still reach it even if gossip hasn't propagated the haven's vertex yet.
func (r *HavenRelay) Register(identity crypt.Fingerprint, entry ForwardEntry) {
	r.mu.Lock()
	r.table[identity] = entry
	r.mu.Unlock()

	log.Debugf("relay: registered haven %s forwarding to dock %d", identity, entry.Dock)
	r.graph.AddVertex(graph.Vertex{Fingerprint: identity, OnionKey: entry.OnionKey})
}

// Serve starts the forwarding loop. Non-blocking; call Close to stop it.
func (r *HavenRelay) Serve() {
	r.wg.Add(1)
	go r.loop()
}

func (r *HavenRelay) loop() {
	defer r.wg.Done()
	for {
		msg, err := r.n2r.RecvFrom(context.Background())
		if err != nil {
			return
		}
		r.forward(msg)
	}
}

// forward decodes just enough of the haven envelope to learn its intended
// recipient, then re-sends the untouched envelope bytes on to that
// recipient's registered dock, preserving the inner (body, endpoint) pair
// the haven's own HavenSocket.RecvFrom expects to decode.
func (r *HavenRelay) forward(msg ReceivedMsg) {
	inner, err := decodeHavenMessage(msg.Body)
	if err != nil {
		return
	}

	r.mu.RLock()
	entry, ok := r.table[inner.Endpoint.Fingerprint]
	r.mu.RUnlock()
	if !ok {
		log.Debugf("relay: dropping haven message for unregistered identity %s", inner.Endpoint.Fingerprint)
		return
	}

	dest := crypt.NewEndpoint(inner.Endpoint.Fingerprint, entry.Dock)
	if err := r.n2r.SendTo(context.Background(), msg.Body, dest); err != nil {
		log.Debugf("relay: forwarding to %s failed: %v", inner.Endpoint.Fingerprint, err)
	}
}

// Close stops the forwarding loop and the underlying N2RSocket.
func (r *HavenRelay) Close() {
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
	r.n2r.Close()
	r.wg.Wait()
}
