package linknode

import (
	"sync"
	"time"

	"github.com/earendil-go/earendil/crypt"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 5 * time.Minute
)

// neighborEvent mirrors chanfitness's channelEvent: a timestamped up/down
// observation for one neighbor, kept only to derive the current backoff
// rather than a full online-time history.
type neighborEvent struct {
	timestamp time.Time
	up        bool
}

// neighborHealth tracks reachability for one neighbor and computes the
// exponential cooldown the LinkNode must wait out before redialing it,
// the same "events in, derived state out" shape as chanfitness's
// chanEventLog, specialized from online/offline history to a live backoff
// value.
type neighborHealth struct {
	events       []neighborEvent
	backoff      time.Duration
	cooldownTill time.Time
	now          func() time.Time
}

func newNeighborHealth(now func() time.Time) *neighborHealth {
	if now == nil {
		now = time.Now
	}
	return &neighborHealth{now: now}
}

// recordFailure doubles the backoff (capped at maxBackoff) and starts a new
// cooldown window from the current time.
func (h *neighborHealth) recordFailure() {
	t := h.now()
	h.events = append(h.events, neighborEvent{timestamp: t, up: false})

	if h.backoff == 0 {
		h.backoff = minBackoff
	} else {
		h.backoff *= 2
		if h.backoff > maxBackoff {
			h.backoff = maxBackoff
		}
	}
	h.cooldownTill = t.Add(h.backoff)
}

// recordSuccess halves the backoff and clears any active cooldown.
func (h *neighborHealth) recordSuccess() {
	t := h.now()
	h.events = append(h.events, neighborEvent{timestamp: t, up: true})

	h.backoff /= 2
	h.cooldownTill = time.Time{}
}

// inCooldown reports whether the neighbor is still serving out its
// backoff window and should not be redialed yet.
func (h *neighborHealth) inCooldown() bool {
	return h.now().Before(h.cooldownTill)
}

// healthTracker is the process-wide table of per-neighbor backoff state,
// sharing the LinkNode's sharding scheme would be overkill at this
// cardinality (one entry per configured/dialed neighbor, not per packet),
// so a single mutex over a plain map is used here.
type healthTracker struct {
	mu    sync.Mutex
	table map[crypt.NeighborID]*neighborHealth
	now   func() time.Time
}

func newHealthTracker() *healthTracker {
	return &healthTracker{table: make(map[crypt.NeighborID]*neighborHealth)}
}

func (h *healthTracker) get(n crypt.NeighborID) *neighborHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	nh, ok := h.table[n]
	if !ok {
		nh = newNeighborHealth(h.now)
		h.table[n] = nh
	}
	return nh
}

func (h *healthTracker) RecordFailure(n crypt.NeighborID) {
	h.get(n).recordFailure()
}

func (h *healthTracker) RecordSuccess(n crypt.NeighborID) {
	h.get(n).recordSuccess()
}

func (h *healthTracker) InCooldown(n crypt.NeighborID) bool {
	return h.get(n).inCooldown()
}
