// Package paysystem implements PaymentSystem and Selector: the pluggable
// settlement backends a Link uses to zero out accumulated debt, plus the
// reputation bookkeeping that adjusts how much slack a neighbor earns after
// each settlement. The reputation math is adapted from the teacher's
// root-level reputationDelta helper, which scores whether an HTLC forward
// should raise or lower a peer's standing; here the same shape scores
// whether a settlement attempt succeeded, and on what timeline.
package paysystem

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/link"
)

// PaymentSystem is one pluggable settlement backend, named and addressed the
// way LinkPaymentInfo.Paysystems advertises them on the wire.
type PaymentSystem interface {
	Name() string
	Pay(ctx context.Context, address string, amount int64) error
}

// Selector picks, among the paysystems both sides of a Link advertised, the
// first one this node has a registered implementation for, and uses it to
// settle outstanding debt.
type Selector struct {
	mu         sync.Mutex
	systems    map[string]PaymentSystem
	reputation *Tracker
}

func NewSelector(reputation *Tracker) *Selector {
	return &Selector{systems: make(map[string]PaymentSystem), reputation: reputation}
}

// Register adds a backend this node is able to pay through.
func (s *Selector) Register(ps PaymentSystem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systems[ps.Name()] = ps
}

var ErrNoCommonPaysystem = fmt.Errorf("paysystem: no common payment system with neighbor")

// Settle implements link.Settler: it picks the first paysystem named in
// info.Paysystems that this node has registered and pays amount through it,
// recording a reputation delta for the attempt either way.
func (s *Selector) Settle(ctx context.Context, neighbor crypt.NeighborID, amount int64, info link.PaymentInfo) error {
	start := time.Now()

	s.mu.Lock()
	var chosen PaymentSystem
	var address string
	for _, ps := range info.Paysystems {
		if impl, ok := s.systems[ps.Name]; ok {
			chosen = impl
			address = ps.Address
			break
		}
	}
	s.mu.Unlock()

	if chosen == nil {
		log.Debugf("paysystem: no common payment system with %v", neighbor)
		if s.reputation != nil {
			s.reputation.Record(neighbor, false, amount, time.Since(start))
		}
		return ErrNoCommonPaysystem
	}

	err := chosen.Pay(ctx, address, amount)
	if s.reputation != nil {
		s.reputation.Record(neighbor, err == nil, amount, time.Since(start))
	}
	if err != nil {
		log.Errorf("paysystem: settling %d with %v via %s: %v", amount, neighbor, chosen.Name(), err)
		return fmt.Errorf("paysystem: settling via %s: %w", chosen.Name(), err)
	}
	log.Debugf("paysystem: settled %d with %v via %s", amount, neighbor, chosen.Name())
	return nil
}

// reasonableResolution is the settlement latency a neighbor is expected to
// stay within before it starts costing reputation, the same threshold the
// teacher's forwarding-reputation model uses for HTLC resolution time.
const reasonableResolution = 10 * time.Second

// Tracker accumulates a running reputation score per neighbor from
// settlement outcomes, readable through Score. LinkNode does not read it;
// debt limits come from the configured PaymentInfo.
type Tracker struct {
	mu     sync.Mutex
	scores map[crypt.NeighborID]int64
}

func NewTracker() *Tracker {
	return &Tracker{scores: make(map[crypt.NeighborID]int64)}
}

// Record applies a reputation delta for one settlement attempt, weighing
// whether it succeeded and how long it took against reasonableResolution.
func (t *Tracker) Record(neighbor crypt.NeighborID, success bool, amount int64, resolution time.Duration) {
	delta := reputationDelta(success, amount, resolution)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.scores[neighbor] += delta
}

func (t *Tracker) Score(neighbor crypt.NeighborID) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scores[neighbor]
}

// reputationDelta scores one settlement attempt: successes within the
// expected resolution window earn the full amount, slow successes earn
// less (an opportunity-cost deduction), and failures cost the amount plus
// the same opportunity cost.
func reputationDelta(success bool, amount int64, resolution time.Duration) int64 {
	opportunityCost := int64(math.Ceil(
		float64(resolution-reasonableResolution) / float64(reasonableResolution),
	)) * amount
	if opportunityCost < 0 {
		opportunityCost = 0
	}

	if success {
		return amount - opportunityCost
	}
	return -(amount + opportunityCost)
}
