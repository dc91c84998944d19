package record

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/earendil-go/earendil/crypt"
)

func TestHavenLocatorSignAndVerify(t *testing.T) {
	t.Parallel()

	id, err := crypt.GenerateIdentity()
	require.NoError(t, err)
	onionSecret, err := crypt.GenerateOnionSecret()
	require.NoError(t, err)
	rendezvous, err := crypt.GenerateIdentity()
	require.NoError(t, err)

	loc := HavenLocator{
		Identity:   id.Fingerprint(),
		OnionKey:   onionSecret.Public(),
		Rendezvous: rendezvous.Fingerprint(),
	}
	loc.Sign(id)

	require.True(t, loc.Verify())
}

func TestHavenLocatorVerifyRejectsMismatchedSigner(t *testing.T) {
	t.Parallel()

	id, err := crypt.GenerateIdentity()
	require.NoError(t, err)
	other, err := crypt.GenerateIdentity()
	require.NoError(t, err)
	onionSecret, err := crypt.GenerateOnionSecret()
	require.NoError(t, err)

	loc := HavenLocator{Identity: id.Fingerprint(), OnionKey: onionSecret.Public(), Rendezvous: id.Fingerprint()}
	loc.Sign(other)

	require.False(t, loc.Verify())
}

func TestHavenLocatorVerifyRejectsTamperedSignature(t *testing.T) {
	t.Parallel()

	id, err := crypt.GenerateIdentity()
	require.NoError(t, err)
	onionSecret, err := crypt.GenerateOnionSecret()
	require.NoError(t, err)

	loc := HavenLocator{Identity: id.Fingerprint(), OnionKey: onionSecret.Public(), Rendezvous: id.Fingerprint()}
	loc.Sign(id)
	loc.Signature[0] ^= 0xFF

	require.False(t, loc.Verify())
}

func TestHavenLocatorEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	id, err := crypt.GenerateIdentity()
	require.NoError(t, err)
	onionSecret, err := crypt.GenerateOnionSecret()
	require.NoError(t, err)

	loc := HavenLocator{Identity: id.Fingerprint(), OnionKey: onionSecret.Public(), Rendezvous: id.Fingerprint()}
	loc.Sign(id)

	encoded, err := EncodeHavenLocator(loc)
	require.NoError(t, err)

	decoded, err := DecodeHavenLocator(encoded)
	require.NoError(t, err)

	require.Equal(t, loc.Identity, decoded.Identity)
	require.Equal(t, loc.Rendezvous, decoded.Rendezvous)
	require.Equal(t, loc.Signature, decoded.Signature)
	require.True(t, decoded.Verify())
}
