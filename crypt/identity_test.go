package crypt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentitySignAndVerify(t *testing.T) {
	t.Parallel()

	id, err := GenerateIdentity()
	require.NoError(t, err)

	msg := []byte("edge claim payload")
	sig := id.Sign(msg)

	pub := id.Public()
	require.True(t, pub.Verify(msg, sig))
	require.False(t, pub.Verify([]byte("tampered"), sig))
}

func TestOnionECDHAgreement(t *testing.T) {
	t.Parallel()

	alice, err := GenerateOnionSecret()
	require.NoError(t, err)
	bob, err := GenerateOnionSecret()
	require.NoError(t, err)

	aliceShared, err := alice.ECDH(bob.Public())
	require.NoError(t, err)
	bobShared, err := bob.ECDH(alice.Public())
	require.NoError(t, err)

	require.Equal(t, aliceShared, bobShared)
}

func TestFingerprintRoundTrip(t *testing.T) {
	t.Parallel()

	id, err := GenerateIdentity()
	require.NoError(t, err)

	fp := id.Fingerprint()
	parsed, err := ParseFingerprint(fp.String())
	require.NoError(t, err)
	require.Equal(t, fp, parsed)
	require.False(t, fp.IsZero())
}
