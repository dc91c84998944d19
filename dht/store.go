package dht

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/record"
)

// recordTTL is how long a locator stays valid once stored on a relay
// before it is evicted for staleness.
const recordTTL = 1 * time.Hour

// refreshInterval is how often a haven server that owns a locator
// re-inserts it into the DHT to keep it from expiring.
const refreshInterval = 50 * time.Minute

type storedLocator struct {
	loc      record.HavenLocator
	storedAt time.Time
}

// Store is the local half of the DHT: the set of locators this relay has
// been asked to hold for other identities, evicted once recordTTL has
// elapsed since they were last (re)inserted.
type Store struct {
	mu      sync.RWMutex
	records map[crypt.Fingerprint]storedLocator

	evictTicker ticker.Ticker
	quit        chan struct{}
	wg          sync.WaitGroup
}

// NewStore creates a Store and starts its background eviction sweep,
// ticking every refreshInterval the same way the teacher's link-level
// housekeeping uses lnd/ticker for periodic maintenance.
func NewStore() *Store {
	s := &Store{
		records:     make(map[crypt.Fingerprint]storedLocator),
		evictTicker: ticker.New(refreshInterval),
		quit:        make(chan struct{}),
	}
	s.evictTicker.Resume()
	s.wg.Add(1)
	go s.evictLoop()
	return s
}

// Put stores loc under its own identity fingerprint, overwriting any
// earlier record for the same identity (last-writer-wins, matching the
// idempotent alloc_forward semantics the haven server relies on).
func (s *Store) Put(loc record.HavenLocator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[loc.Identity] = storedLocator{loc: loc, storedAt: time.Now()}
}

// Get returns the locator stored for key, if present and not expired.
func (s *Store) Get(key crypt.Fingerprint) (record.HavenLocator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.records[key]
	if !ok {
		return record.HavenLocator{}, false
	}
	if time.Since(entry.storedAt) > recordTTL {
		return record.HavenLocator{}, false
	}
	return entry.loc, true
}

func (s *Store) evictLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case <-s.evictTicker.Ticks():
			s.evictExpired()
		}
	}
}

func (s *Store) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.records {
		if time.Since(entry.storedAt) > recordTTL {
			delete(s.records, key)
		}
	}
}

// Close stops the eviction sweep.
func (s *Store) Close() {
	s.evictTicker.Stop()
	close(s.quit)
	s.wg.Wait()
}
