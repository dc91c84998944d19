// Package config parses the daemon's declarative YAML configuration file:
// optional relay identity, the named in/out routes dialed or listened on
// at startup, which payment systems to enable, the on-disk database path,
// the DHT lookup timeout, and the onion path length bounds. Mirrors the
// teacher's lncfg package in spirit (small validated sub-structs
// assembled into one top-level struct) but reads YAML instead of the ini
// plus command-line flags lncfg itself parses, since this daemon has no
// flag library (see cmd/earendild).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultDHTTimeout is used when the file omits dht_timeout.
const defaultDHTTimeout = 30 * time.Second

// defaultPathMin/defaultPathMax bound onion path length when the file
// omits onion_path_min/onion_path_max, matching the range spec.md's
// walkthrough examples use.
const (
	defaultPathMin = 3
	defaultPathMax = 5
)

// OutRoute is one statically configured outbound connection: a full
// libp2p multiaddr (including the /p2p/<id> suffix) to dial, and the
// overlay fingerprint expected once the handshake completes.
type OutRoute struct {
	Address     string `yaml:"address"`
	Fingerprint string `yaml:"fingerprint"`
}

// Duration wraps time.Duration so the YAML file can write "30s" instead
// of a raw nanosecond count.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler, parsing a duration string the
// way flag.Duration-style config fields do throughout the teacher's
// sibling projects.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// File is the top-level schema of the daemon's config file, matching
// spec.md §6 exactly.
type File struct {
	// IdentityKeyPath points at a file holding this node's persisted
	// relay identity secret. Empty means this node runs client-only: it
	// still originates N2R/haven traffic under a throwaway identity but
	// never registers a RelayGraph vertex or accepts inbound links.
	IdentityKeyPath string `yaml:"identity_key_path,omitempty"`

	// OnionKeyPath points at a file holding this node's onion DH secret.
	// Empty means one is generated fresh on every start, which is fine
	// for a client but discards reply-block continuity for a relay
	// restarting across a crash.
	OnionKeyPath string `yaml:"onion_key_path,omitempty"`

	// InRoutes maps a name to a libp2p listen multiaddr (e.g.
	// "/ip4/0.0.0.0/tcp/4433") this node accepts inbound links on. Empty
	// for a client-only node.
	InRoutes map[string]string `yaml:"in_routes,omitempty"`

	// OutRoutes maps a name to a dial target plus the fingerprint
	// expected once connected.
	OutRoutes map[string]OutRoute `yaml:"out_routes,omitempty"`

	// PaymentSystems lists which paysystem.PaymentSystem implementations
	// to register with the Selector, by name, in priority order.
	PaymentSystems []string `yaml:"payment_systems,omitempty"`

	// DBPath is the LinkStore bbolt database file; the alias database is
	// kept beside it at DBPath + "-alias". The DHT locator store is in
	// memory and is not persisted.
	DBPath string `yaml:"db_path"`

	// DHTTimeout is parsed and defaulted here, but the daemon does not pass
	// it to the DHT client: a lookup is bounded only by its caller's
	// context.
	DHTTimeout Duration `yaml:"dht_timeout,omitempty"`

	// OnionPathMin/OnionPathMax bound onion path length for outgoing
	// N2R/haven sends.
	OnionPathMin int `yaml:"onion_path_min,omitempty"`
	OnionPathMax int `yaml:"onion_path_max,omitempty"`
}

// IsRelay reports whether this config configures a relay (vertex in the
// gossiped RelayGraph) rather than a client-only node.
func (f *File) IsRelay() bool {
	return f.IdentityKeyPath != ""
}

// applyDefaults fills in the zero-value fields Load tolerates being
// omitted from the file.
func (f *File) applyDefaults() {
	if f.DHTTimeout == 0 {
		f.DHTTimeout = Duration(defaultDHTTimeout)
	}
	if f.OnionPathMin == 0 {
		f.OnionPathMin = defaultPathMin
	}
	if f.OnionPathMax == 0 {
		f.OnionPathMax = defaultPathMax
	}
}

// validate rejects configs that would leave the daemon unable to start.
func (f *File) validate() error {
	if f.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}
	if f.OnionPathMin < 1 {
		return fmt.Errorf("config: onion_path_min must be >= 1, got %d", f.OnionPathMin)
	}
	if f.OnionPathMax < f.OnionPathMin {
		return fmt.Errorf("config: onion_path_max (%d) must be >= onion_path_min (%d)",
			f.OnionPathMax, f.OnionPathMin)
	}
	for name, route := range f.OutRoutes {
		if route.Address == "" {
			return fmt.Errorf("config: out_routes[%s]: address is required", name)
		}
		if route.Fingerprint == "" {
			return fmt.Errorf("config: out_routes[%s]: fingerprint is required", name)
		}
	}
	return nil
}

// Load reads and parses the YAML config file at path, applying defaults
// and validating the result.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	f.applyDefaults()
	if err := f.validate(); err != nil {
		log.Debugf("config: %s failed validation: %v", path, err)
		return nil, err
	}
	log.Debugf("config: loaded %s, relay=%v", path, f.IsRelay())
	return &f, nil
}
