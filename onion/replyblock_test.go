package onion

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplyBlockRoundTrip(t *testing.T) {
	t.Parallel()

	r1 := newTestRelay(t)
	r2 := newTestRelay(t)
	minter := newTestRelay(t) // stand-in for the minter's own onion key material

	path := []Hop{r1.hop, r2.hop, minter.hop}

	block, seed, err := Mint(path)
	require.NoError(t, err)
	require.Equal(t, r1.hop.Fingerprint, block.FirstHop)

	plaintext := make([]byte, PayloadSlotSize)
	copy(plaintext, []byte("pong"))

	res, slot, err := PeelReply(block.Header, plaintext, r1.secret)
	require.NoError(t, err)
	require.True(t, res.Forward)
	require.Equal(t, r2.hop.Fingerprint, res.NextHop)

	res, slot, err = PeelReply(res.Remainder, slot, r2.secret)
	require.NoError(t, err)
	require.True(t, res.Forward)
	require.Equal(t, minter.hop.Fingerprint, res.NextHop)

	res, slot, err = PeelReply(res.Remainder, slot, minter.secret)
	require.NoError(t, err)
	require.False(t, res.Forward)
	require.Equal(t, block.ID, res.ID)

	recovered := Unseal(slot, seed)
	require.Equal(t, plaintext, recovered)
}

func TestMintRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, _, err := Mint(nil)
	require.Error(t, err)
}
