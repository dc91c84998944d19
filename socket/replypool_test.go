package socket

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/onion"
)

func mintBlockFor(t *testing.T, dst crypt.Fingerprint) *onion.ReplyBlock {
	t.Helper()
	rb, _, err := onion.Mint([]onion.Hop{{Fingerprint: dst, OnionKey: onionPublicFor(t)}})
	require.NoError(t, err)
	return rb
}

func TestReplyPoolTakeOnEmptyReturnsNone(t *testing.T) {
	t.Parallel()

	pool := newReplyPool()
	peer := crypt.NewEndpoint(randomFingerprint(t), 1)

	require.True(t, pool.Take(peer).IsNone())
	require.Zero(t, pool.Count(peer))
}

func TestReplyPoolAddThenTakeFIFO(t *testing.T) {
	t.Parallel()

	pool := newReplyPool()
	peer := crypt.NewEndpoint(randomFingerprint(t), 1)

	first := mintBlockFor(t, randomFingerprint(t))
	second := mintBlockFor(t, randomFingerprint(t))
	pool.Add(peer, []*onion.ReplyBlock{first, second})
	require.Equal(t, 2, pool.Count(peer))

	got := pool.Take(peer)
	require.True(t, got.IsSome())
	require.Equal(t, first.ID, got.UnsafeFromSome().ID)
	require.Equal(t, 1, pool.Count(peer))

	got = pool.Take(peer)
	require.True(t, got.IsSome())
	require.Equal(t, second.ID, got.UnsafeFromSome().ID)
	require.Zero(t, pool.Count(peer))

	require.True(t, pool.Take(peer).IsNone())
}

func TestReplyPoolIsPerPeer(t *testing.T) {
	t.Parallel()

	pool := newReplyPool()
	a := crypt.NewEndpoint(randomFingerprint(t), 1)
	b := crypt.NewEndpoint(randomFingerprint(t), 1)

	pool.Add(a, []*onion.ReplyBlock{mintBlockFor(t, randomFingerprint(t))})
	require.Equal(t, 1, pool.Count(a))
	require.Zero(t, pool.Count(b))
}
