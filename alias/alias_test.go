package alias

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/earendil-go/earendil/crypt"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "alias.db")
	db, err := bbolt.Open(dbPath, 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m, err := NewManager(db)
	require.NoError(t, err)
	return m
}

func TestRequestAliasStartsAtStartingClientID(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	id, err := m.RequestAlias()
	require.NoError(t, err)
	require.Equal(t, StartingClientID, id)

	id2, err := m.RequestAlias()
	require.NoError(t, err)
	require.Equal(t, StartingClientID+1, id2)
}

func TestAssignOrReuseIsStableAcrossCalls(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	secret, err := crypt.GenerateOnionSecret()
	require.NoError(t, err)
	pub := secret.Public()

	first, err := m.AssignOrReuse(pub)
	require.NoError(t, err)

	second, err := m.AssignOrReuse(pub)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestAssignOrReuseDistinctForDifferentKeys(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	s1, err := crypt.GenerateOnionSecret()
	require.NoError(t, err)
	s2, err := crypt.GenerateOnionSecret()
	require.NoError(t, err)

	id1, err := m.AssignOrReuse(s1.Public())
	require.NoError(t, err)
	id2, err := m.AssignOrReuse(s2.Public())
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
}

func TestLookupMissingReturnsFalse(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	secret, err := crypt.GenerateOnionSecret()
	require.NoError(t, err)

	_, ok, err := m.Lookup(secret.Public())
	require.NoError(t, err)
	require.False(t, ok)
}
