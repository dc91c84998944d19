package graph

import (
	"bytes"
	"sort"

	"github.com/earendil-go/earendil/crypt"
)

// Hop is one candidate path: an ordered list of relay fingerprints from the
// first hop after src up to and including dst.
type Hop []crypt.Fingerprint

// pathCost orders candidates the way DirectedEdge-based path scoring does
// in the teacher's routing package: hop count first, then a secondary,
// deterministic tiebreaker so two otherwise-equal candidates still compare
// consistently across runs.
type pathCost struct {
	hops      int
	latency   float64
	candidate Hop
}

func less(a, b pathCost) bool {
	if a.hops != b.hops {
		return a.hops < b.hops
	}
	if a.latency != b.latency {
		return a.latency < b.latency
	}
	// Tie broken by lexicographic fingerprint order of the full path, for
	// determinism across otherwise-identical candidates.
	for i := 0; i < len(a.candidate) && i < len(b.candidate); i++ {
		c := bytes.Compare(a.candidate[i][:], b.candidate[i][:])
		if c != 0 {
			return c < 0
		}
	}
	return len(a.candidate) < len(b.candidate)
}

// Path returns candidate hop-lists of length <= k from src to dst, ordered
// by cost (hop count primary, observed latency secondary, lexicographic
// fingerprint order as a final tiebreak). It explores via bounded-depth DFS
// over the current graph snapshot and returns every candidate found, most
// recently required by N2RSocket.send_to to pick a 3-5 hop onion path.
//
// Unlike the Rust original's lazy async stream, this returns a materialized,
// already-sorted slice: k is small (<=5) and the fan-out at each hop is
// bounded by relay degree, so there is no benefit to streaming here, and a
// slice is much easier for callers and tests to reason about.
func (g *RelayGraph) Path(src, dst crypt.Fingerprint, k int) []Hop {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if k <= 0 {
		return nil
	}

	var candidates []pathCost
	visited := map[crypt.Fingerprint]bool{src: true}
	var path Hop

	var dfs func(cur crypt.Fingerprint, latencySoFar float64)
	dfs = func(cur crypt.Fingerprint, latencySoFar float64) {
		if cur == dst && len(path) > 0 {
			full := make(Hop, len(path))
			copy(full, path)
			candidates = append(candidates, pathCost{
				hops:      len(full),
				latency:   latencySoFar,
				candidate: full,
			})
			return
		}
		if len(path) >= k {
			return
		}

		neighbors := make([]crypt.Fingerprint, 0, len(g.edges[cur]))
		for n := range g.edges[cur] {
			neighbors = append(neighbors, n)
		}
		sort.Slice(neighbors, func(i, j int) bool {
			return bytes.Compare(neighbors[i][:], neighbors[j][:]) < 0
		})

		for _, n := range neighbors {
			if visited[n] {
				continue
			}
			visited[n] = true
			path = append(path, n)

			edge := g.edges[cur][n]
			dfs(n, latencySoFar+edge.Latency)

			path = path[:len(path)-1]
			visited[n] = false
		}
	}
	dfs(src, 0)

	sort.Slice(candidates, func(i, j int) bool {
		return less(candidates[i], candidates[j])
	})

	out := make([]Hop, len(candidates))
	for i, c := range candidates {
		out[i] = c.candidate
	}
	return out
}
