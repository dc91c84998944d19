// Package graph implements RelayGraph: an in-memory, signed adjacency graph
// over relay fingerprints, plus bounded-hop path search. It takes the place
// of the teacher's routing package (which computes payment paths over a
// channel graph backed by channeldb); here the graph lives entirely
// in-memory and is replaced wholesale on epoch rollover rather than mutated
// in a database.
package graph

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/earendil-go/earendil/crypt"
)

// Vertex is one relay in the graph: its fingerprint and its onion DH public
// key, the two pieces of information a path search and onion construction
// need.
type Vertex struct {
	Fingerprint crypt.Fingerprint
	OnionKey    crypt.OnionPublic
}

// Edge is a signed adjacency claim between two relays. Both signatures must
// verify before the edge is accepted; VerifyAndInsertEdge enforces this.
type Edge struct {
	A, B     crypt.Fingerprint
	SigA     []byte
	SigB     []byte
	Latency  float64 // observed latency in seconds, secondary cost term
}

// claimMsg is the byte string both endpoints sign: simply the two
// fingerprints in canonical (lexicographic) order, so a signature can't be
// replayed onto a different pairing.
func claimMsg(a, b crypt.Fingerprint) []byte {
	lo, hi := a, b
	if bytes.Compare(lo[:], hi[:]) > 0 {
		lo, hi = hi, lo
	}
	return append(append([]byte{}, lo[:]...), hi[:]...)
}

// RelayGraph is the undirected graph of relay adjacency. It is safe for
// concurrent use: readers take RLock, the mutators (AddVertex, InsertEdge,
// Prune) take Lock, matching the read-preferring lock contract in the
// concurrency model.
type RelayGraph struct {
	mu sync.RWMutex

	vertices map[crypt.Fingerprint]Vertex
	edges    map[crypt.Fingerprint]map[crypt.Fingerprint]Edge
}

func New() *RelayGraph {
	return &RelayGraph{
		vertices: make(map[crypt.Fingerprint]Vertex),
		edges:    make(map[crypt.Fingerprint]map[crypt.Fingerprint]Edge),
	}
}

// AddVertex registers a relay's onion key. InsertEdge fails with
// UnknownVertex for either endpoint not yet added this way.
func (g *RelayGraph) AddVertex(v Vertex) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.vertices[v.Fingerprint] = v
	if _, ok := g.edges[v.Fingerprint]; !ok {
		g.edges[v.Fingerprint] = make(map[crypt.Fingerprint]Edge)
	}
}

var (
	ErrBadSignature  = fmt.Errorf("graph: bad edge signature")
	ErrUnknownVertex = fmt.Errorf("graph: unknown vertex")
)

// InsertEdge adds e in both adjacency directions once both endpoints are
// known vertices. It does not itself check signatures — callers that
// haven't already verified an edge claim must use VerifyAndInsertEdge
// instead. The graph is append-only within an epoch: InsertEdge never
// fails because an edge already exists, it just overwrites the
// observed-latency estimate.
func (g *RelayGraph) InsertEdge(e Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.vertices[e.A]; !ok {
		return ErrUnknownVertex
	}
	if _, ok := g.vertices[e.B]; !ok {
		return ErrUnknownVertex
	}

	g.edges[e.A][e.B] = e
	g.edges[e.B][e.A] = e
	return nil
}

// VerifyAndInsertEdge checks both ECDSA signatures over the canonical claim
// before delegating to InsertEdge. This is the entry point untrusted gossip
// must use. pubA/pubB must also fingerprint to e.A/e.B: otherwise a forged
// claim could carry a valid signature from an unrelated keypair while
// naming someone else's fingerprint as the signer.
func (g *RelayGraph) VerifyAndInsertEdge(e Edge, pubA, pubB crypt.IdentityPublic) error {
	if pubA.Fingerprint() != e.A || pubB.Fingerprint() != e.B {
		return ErrBadSignature
	}
	msg := claimMsg(e.A, e.B)
	if !pubA.Verify(msg, e.SigA) || !pubB.Verify(msg, e.SigB) {
		return ErrBadSignature
	}
	return g.InsertEdge(e)
}

// Prune removes any vertex with no signed edges, matching the invariant
// that vertices with no signed edges don't survive in the graph.
func (g *RelayGraph) Prune() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for fp, neighbors := range g.edges {
		if len(neighbors) == 0 {
			delete(g.edges, fp)
			delete(g.vertices, fp)
		}
	}
}

// Vertex looks up a relay's onion key.
func (g *RelayGraph) Vertex(fp crypt.Fingerprint) (Vertex, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	v, ok := g.vertices[fp]
	return v, ok
}

// Neighbors returns the fingerprints directly adjacent to fp.
func (g *RelayGraph) Neighbors(fp crypt.Fingerprint) []crypt.Fingerprint {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]crypt.Fingerprint, 0, len(g.edges[fp]))
	for n := range g.edges[fp] {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// Snapshot returns an independent copy of the graph's vertices and edges;
// later changes to either graph do not affect the other. The package has
// no operation that swaps a graph into place: callers that replace a graph
// on epoch rollover hold and replace the *RelayGraph themselves.
func (g *RelayGraph) Snapshot() *RelayGraph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ng := New()
	for fp, v := range g.vertices {
		ng.vertices[fp] = v
	}
	for fp, neighbors := range g.edges {
		m := make(map[crypt.Fingerprint]Edge, len(neighbors))
		for n, e := range neighbors {
			m[n] = e
		}
		ng.edges[fp] = m
	}
	return ng
}
