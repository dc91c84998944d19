package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "earendil.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadRelayConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
identity_key_path: /var/lib/earendil/identity.key
onion_key_path: /var/lib/earendil/onion.key
db_path: /var/lib/earendil/node.db
dht_timeout: 45s
onion_path_min: 2
onion_path_max: 4
in_routes:
  public: "/ip4/0.0.0.0/tcp/4433"
out_routes:
  bootstrap:
    address: "/ip4/198.51.100.7/tcp/4433/p2p/QmBootstrapPeerID"
    fingerprint: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b"
payment_systems:
  - free
`)

	f, err := Load(path)
	require.NoError(t, err)

	require.True(t, f.IsRelay())
	require.Equal(t, "/var/lib/earendil/node.db", f.DBPath)
	require.Equal(t, 45*time.Second, time.Duration(f.DHTTimeout))
	require.Equal(t, 2, f.OnionPathMin)
	require.Equal(t, 4, f.OnionPathMax)
	require.Equal(t, "/ip4/0.0.0.0/tcp/4433", f.InRoutes["public"])
	require.Equal(t, "/ip4/198.51.100.7/tcp/4433/p2p/QmBootstrapPeerID", f.OutRoutes["bootstrap"].Address)
	require.Equal(t, []string{"free"}, f.PaymentSystems)
}

func TestLoadClientConfigAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "db_path: /tmp/earendil-client.db\n")

	f, err := Load(path)
	require.NoError(t, err)

	require.False(t, f.IsRelay())
	require.Equal(t, defaultDHTTimeout, time.Duration(f.DHTTimeout))
	require.Equal(t, defaultPathMin, f.OnionPathMin)
	require.Equal(t, defaultPathMax, f.OnionPathMax)
}

func TestLoadRejectsMissingDBPath(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "onion_path_min: 2\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidPathBounds(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "db_path: /tmp/x.db\nonion_path_min: 5\nonion_path_max: 2\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsOutRouteMissingFingerprint(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
db_path: /tmp/x.db
out_routes:
  bootstrap:
    address: "198.51.100.7:4433"
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnreadableFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
