package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/record"
)

func testLocator(t *testing.T) record.HavenLocator {
	t.Helper()

	id, err := crypt.GenerateIdentity()
	require.NoError(t, err)
	onionSecret, err := crypt.GenerateOnionSecret()
	require.NoError(t, err)
	rendezvous, err := crypt.GenerateIdentity()
	require.NoError(t, err)

	loc := record.HavenLocator{
		Identity:   id.Fingerprint(),
		OnionKey:   onionSecret.Public(),
		Rendezvous: rendezvous.Fingerprint(),
	}
	loc.Sign(id)
	return loc
}

func TestStorePutGet(t *testing.T) {
	t.Parallel()

	s := NewStore()
	defer s.Close()

	loc := testLocator(t)
	s.Put(loc)

	got, ok := s.Get(loc.Identity)
	require.True(t, ok)
	require.Equal(t, loc.Identity, got.Identity)
}

func TestStoreGetMissingReturnsFalse(t *testing.T) {
	t.Parallel()

	s := NewStore()
	defer s.Close()

	_, ok := s.Get(randomFingerprint(t))
	require.False(t, ok)
}

func TestStoreExpiresRecordPastTTL(t *testing.T) {
	t.Parallel()

	s := NewStore()
	defer s.Close()

	loc := testLocator(t)
	s.mu.Lock()
	s.records[loc.Identity] = storedLocator{loc: loc, storedAt: time.Now().Add(-recordTTL - time.Minute)}
	s.mu.Unlock()

	_, ok := s.Get(loc.Identity)
	require.False(t, ok)
}

func TestStorePutOverwritesPreviousEntry(t *testing.T) {
	t.Parallel()

	s := NewStore()
	defer s.Close()

	loc := testLocator(t)
	s.Put(loc)

	loc2 := loc
	loc2.Rendezvous = randomFingerprint(t)
	s.Put(loc2)

	got, ok := s.Get(loc.Identity)
	require.True(t, ok)
	require.Equal(t, loc2.Rendezvous, got.Rendezvous)
}
