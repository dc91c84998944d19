package paysystem

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/link"
	"github.com/earendil-go/earendil/record"
)

type failingPaysystem struct{ err error }

func (p failingPaysystem) Name() string { return "broken" }

func (p failingPaysystem) Pay(ctx context.Context, address string, amount int64) error {
	return p.err
}

func testNeighbor(t *testing.T) crypt.NeighborID {
	t.Helper()
	id, err := crypt.GenerateIdentity()
	require.NoError(t, err)
	return crypt.RelayNeighbor(id.Fingerprint())
}

func TestSelectorSettlesWithRegisteredPaysystem(t *testing.T) {
	t.Parallel()

	sel := NewSelector(NewTracker())
	sel.Register(Free{})

	info := link.PaymentInfo{
		Paysystems: []record.PaysystemNameAddr{{Name: "free", Address: "n/a"}},
	}

	err := sel.Settle(context.Background(), testNeighbor(t), 500, info)
	require.NoError(t, err)
}

func TestSelectorReturnsErrorWhenNoCommonPaysystem(t *testing.T) {
	t.Parallel()

	sel := NewSelector(NewTracker())
	sel.Register(Free{})

	info := link.PaymentInfo{
		Paysystems: []record.PaysystemNameAddr{{Name: "lightning", Address: "n/a"}},
	}

	err := sel.Settle(context.Background(), testNeighbor(t), 500, info)
	require.ErrorIs(t, err, ErrNoCommonPaysystem)
}

func TestSelectorPrefersEarliestCommonPaysystem(t *testing.T) {
	t.Parallel()

	sel := NewSelector(NewTracker())
	sel.Register(Free{})
	sel.Register(failingPaysystem{err: fmt.Errorf("unreachable")})

	info := link.PaymentInfo{
		Paysystems: []record.PaysystemNameAddr{
			{Name: "broken", Address: "n/a"},
			{Name: "free", Address: "n/a"},
		},
	}

	err := sel.Settle(context.Background(), testNeighbor(t), 500, info)
	require.Error(t, err)
}

func TestTrackerRecordsSuccessAndFailure(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	neighbor := testNeighbor(t)

	tracker.Record(neighbor, true, 100, 1*time.Second)
	require.EqualValues(t, 100, tracker.Score(neighbor))

	tracker.Record(neighbor, false, 100, 1*time.Second)
	require.EqualValues(t, 0, tracker.Score(neighbor))
}

func TestReputationDeltaPenalizesSlowSettlement(t *testing.T) {
	t.Parallel()

	fast := reputationDelta(true, 1000, 1*time.Second)
	slow := reputationDelta(true, 1000, 30*time.Second)
	require.Equal(t, int64(1000), fast)
	require.Less(t, slow, fast)
}

func TestReputationDeltaFailurePenaltyExceedsAmount(t *testing.T) {
	t.Parallel()

	delta := reputationDelta(false, 1000, 1*time.Second)
	require.Equal(t, int64(-1000), delta)

	slowFailure := reputationDelta(false, 1000, 30*time.Second)
	require.Less(t, slowFailure, delta)
}
