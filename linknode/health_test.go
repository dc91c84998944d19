package linknode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNeighborHealthBackoffDoublesOnRepeatedFailure(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	h := newNeighborHealth(func() time.Time { return now })

	h.recordFailure()
	require.Equal(t, minBackoff, h.backoff)

	h.recordFailure()
	require.Equal(t, 2*minBackoff, h.backoff)

	h.recordFailure()
	require.Equal(t, 4*minBackoff, h.backoff)
}

func TestNeighborHealthBackoffCapsAtMax(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	h := newNeighborHealth(func() time.Time { return now })

	for i := 0; i < 20; i++ {
		h.recordFailure()
	}
	require.Equal(t, maxBackoff, h.backoff)
}

func TestNeighborHealthSuccessHalvesAndClearsCooldown(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	h := newNeighborHealth(func() time.Time { return now })

	h.recordFailure()
	h.recordFailure()
	require.True(t, h.inCooldown())

	h.recordSuccess()
	require.False(t, h.inCooldown())
	require.Equal(t, minBackoff, h.backoff)
}

func TestHealthTrackerInCooldownAfterFailure(t *testing.T) {
	t.Parallel()

	tracker := newHealthTracker()
	neighbor := testNeighbor(t)

	require.False(t, tracker.InCooldown(neighbor))
	tracker.RecordFailure(neighbor)
	require.True(t, tracker.InCooldown(neighbor))
}
