// Package linknode implements LinkNode: the link table shared by every
// socket in the process, demuxing outgoing sends to the right Link and
// incoming packets to the right delivery queue, and tracking neighbor
// reachability for backoff.
package linknode

import (
	"hash/fnv"
	"sync"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/link"
)

// shardCount is the number of independent locks the link table is split
// across; a prime-ish power of two keeps hash distribution simple without
// needing a real concurrent-map dependency (the corpus has no Go analogue
// of Rust's DashMap).
const shardCount = 32

type linkShard struct {
	mu    sync.RWMutex
	links map[crypt.NeighborID]*link.Link
}

// shardedLinkTable is a NeighborId -> Link map split across shardCount
// independent RWMutex-guarded buckets, so lookups/sends to distinct
// neighbors never contend with each other.
type shardedLinkTable struct {
	shards [shardCount]*linkShard
}

func newShardedLinkTable() *shardedLinkTable {
	t := &shardedLinkTable{}
	for i := range t.shards {
		t.shards[i] = &linkShard{links: make(map[crypt.NeighborID]*link.Link)}
	}
	return t
}

func (t *shardedLinkTable) shardFor(n crypt.NeighborID) *linkShard {
	h := fnv.New32a()
	h.Write([]byte(n.String()))
	return t.shards[h.Sum32()%shardCount]
}

func (t *shardedLinkTable) Get(n crypt.NeighborID) (*link.Link, bool) {
	s := t.shardFor(n)
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[n]
	return l, ok
}

func (t *shardedLinkTable) Put(n crypt.NeighborID, l *link.Link) {
	s := t.shardFor(n)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[n] = l
}

func (t *shardedLinkTable) Delete(n crypt.NeighborID) {
	s := t.shardFor(n)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, n)
}

// Range calls f for every link currently in the table. f must not call
// back into the table (Put/Delete) from within its own shard or it will
// deadlock.
func (t *shardedLinkTable) Range(f func(crypt.NeighborID, *link.Link)) {
	for _, s := range t.shards {
		s.mu.RLock()
		for n, l := range s.links {
			f(n, l)
		}
		s.mu.RUnlock()
	}
}
