package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePaysystemsRoundTrip(t *testing.T) {
	t.Parallel()

	entries := []PaysystemNameAddr{
		{Name: "mel", Address: "mel1qsomeaddress"},
		{Name: "poke", Address: "poke:deadbeef"},
	}

	enc, err := EncodePaysystems(entries)
	require.NoError(t, err)

	dec, err := DecodePaysystems(enc)
	require.NoError(t, err)
	require.Equal(t, entries, dec)
}

func TestEncodePaysystemsEmpty(t *testing.T) {
	t.Parallel()

	enc, err := EncodePaysystems(nil)
	require.NoError(t, err)

	dec, err := DecodePaysystems(enc)
	require.NoError(t, err)
	require.Empty(t, dec)
}
