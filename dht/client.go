package dht

import (
	"context"
	"fmt"
	"sync"

	"github.com/decred/dcrd/lru"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/errs"
	"github.com/earendil-go/earendil/record"
)

// negativeCacheSize bounds how many recently-confirmed-absent keys a DHT
// remembers, so a client hammering the same nonexistent identity doesn't
// re-fan-out to K relays on every call.
const negativeCacheSize = 1024

// RPCClient is the global-RPC capability the DHT uses to talk to other
// relays, satisfied by the grpcrpc package's client so this package
// doesn't need to import the RPC transport directly.
type RPCClient interface {
	PutLocator(ctx context.Context, relay crypt.Fingerprint, loc record.HavenLocator) error
	GetLocator(ctx context.Context, relay crypt.Fingerprint, key crypt.Fingerprint) (record.HavenLocator, error)
}

// DHT is the client-facing view of the haven locator table: it knows the
// full relay set (supplied by the caller's relays function; the daemon
// passes its configured out_routes) and fans a lookup or insert
// out to the K relays closest to the key.
type DHT struct {
	rpc    RPCClient
	relays func() []crypt.Fingerprint

	// misses is a fixed-size, capacity-evicted set of keys every replica
	// recently reported absent, the same dedup-by-membership shape
	// dcrd's lru.Cache is built for (no values, no TTL: a stale miss is
	// only cleared once evicted to make room for a newer one).
	misses *lru.Cache
}

func New(rpc RPCClient, relays func() []crypt.Fingerprint) *DHT {
	return &DHT{rpc: rpc, relays: relays, misses: lru.NewCache(negativeCacheSize)}
}

// Insert replicates loc to the K relays closest to its own identity
// fingerprint. Individual replica failures are tolerated; Insert only
// fails if every replica attempt fails.
func (d *DHT) Insert(ctx context.Context, loc record.HavenLocator) error {
	targets := KClosest(loc.Identity, d.relays(), K)
	if len(targets) == 0 {
		return errs.Wrap(errs.CodeDhtError, "no known relays to insert into", nil)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for _, relay := range targets {
		wg.Add(1)
		go func(relay crypt.Fingerprint) {
			defer wg.Done()
			if err := d.rpc.PutLocator(ctx, relay, loc); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(relay)
	}
	wg.Wait()

	if succeeded == 0 {
		return errs.Wrap(errs.CodeDhtError, "insert failed on every replica", nil)
	}
	return nil
}

// Lookup queries the K relays closest to key in parallel and returns the
// first response that verifies (the locator embeds its own signer public
// key, so no out-of-band key is needed). A miss across every replica
// surfaces as errs.ErrDhtError.
func (d *DHT) Lookup(ctx context.Context, key crypt.Fingerprint) (record.HavenLocator, error) {
	if d.misses.Contains(key) {
		log.Debugf("dht: %s is a known-recent miss, skipping fanout", key)
		return record.HavenLocator{}, errs.ErrDhtError
	}

	targets := KClosest(key, d.relays(), K)
	if len(targets) == 0 {
		log.Debugf("dht: no known relays to look up %s", key)
		return record.HavenLocator{}, errs.ErrDhtError
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		loc record.HavenLocator
		err error
	}
	results := make(chan result, len(targets))

	var wg sync.WaitGroup
	for _, relay := range targets {
		wg.Add(1)
		go func(relay crypt.Fingerprint) {
			defer wg.Done()
			loc, err := d.rpc.GetLocator(ctx, relay, key)
			if err != nil {
				results <- result{err: err}
				return
			}
			if !loc.Verify() {
				results <- result{err: fmt.Errorf("dht: %s returned a locator with an invalid signature", relay)}
				return
			}
			results <- result{loc: loc}
		}(relay)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		if r.err == nil {
			cancel()
			return r.loc, nil
		}
	}
	log.Debugf("dht: %s missed on all %d replicas, caching as absent", key, len(targets))
	d.misses.Add(key)
	return record.HavenLocator{}, errs.ErrDhtError
}
