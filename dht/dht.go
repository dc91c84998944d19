// Package dht implements the haven-locator distributed hash table: key
// space is relay fingerprints, values are signed HavenLocator records,
// and resolution is k-closest-by-XOR-distance the way
// cvsouth-tor-go/onion/hsdir.go selects hidden-service directories by
// hash-ring distance, adapted here from a hash ring to plain XOR distance
// since relay fingerprints (unlike Tor's consensus hash ring) are already
// uniformly distributed 160-bit identifiers.
package dht

import (
	"bytes"
	"sort"

	"github.com/earendil-go/earendil/crypt"
)

// K is the replication/query fan-out: inserts replicate to, and lookups
// query, this many of the closest relays to a key.
const K = 8

// xorDistance computes the XOR-metric distance between two fingerprints,
// returned as a byte array ordered so bytes.Compare on two distances acts
// as the numeric comparison Kademlia-style routing needs.
func xorDistance(a, b crypt.Fingerprint) [crypt.FingerprintSize]byte {
	var d [crypt.FingerprintSize]byte
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// KClosest returns up to k entries of candidates ordered by ascending XOR
// distance to target, breaking distance ties by lexicographic fingerprint
// order for determinism (the same tie-break RelayGraph.Path uses).
func KClosest(target crypt.Fingerprint, candidates []crypt.Fingerprint, k int) []crypt.Fingerprint {
	type scored struct {
		fp   crypt.Fingerprint
		dist [crypt.FingerprintSize]byte
	}

	scoredList := make([]scored, len(candidates))
	for i, c := range candidates {
		scoredList[i] = scored{fp: c, dist: xorDistance(target, c)}
	}

	sort.Slice(scoredList, func(i, j int) bool {
		cmp := bytes.Compare(scoredList[i].dist[:], scoredList[j].dist[:])
		if cmp != 0 {
			return cmp < 0
		}
		return bytes.Compare(scoredList[i].fp[:], scoredList[j].fp[:]) < 0
	})

	if k > len(scoredList) {
		k = len(scoredList)
	}
	out := make([]crypt.Fingerprint, k)
	for i := 0; i < k; i++ {
		out[i] = scoredList[i].fp
	}
	return out
}
