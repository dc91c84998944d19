// Package alias allocates ClientID values for neighbors that connect without
// a stable relay fingerprint (plain clients dialing in directly), the same
// "assign a small local handle, persist it, hand back the same one next
// time" job the teacher's aliasmgr does for SCID aliases, just keyed by
// connection identity instead of channel ID.
package alias

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/earendil-go/earendil/crypt"
)

// StartingClientID is the first ClientID ever handed out, matching the
// teacher's convention of starting allocation from a fixed, documented
// constant rather than 0 (0 is reserved to mean "no client ID assigned").
const StartingClientID crypt.ClientID = 1

var (
	metaBucket   = []byte("alias-meta")
	lookupBucket = []byte("alias-lookup")
	nextIDKey    = []byte("next-id")
)

// Manager hands out ClientIDs on first contact and remembers the mapping
// from a connection's onion public key to the ClientID it was given, so a
// reconnecting client gets the same handle back.
type Manager struct {
	mu sync.Mutex
	db *bbolt.DB
}

// NewManager opens (or attaches to an already-open) bbolt handle and
// ensures its buckets exist, mirroring aliasmgr.NewManager's contract of
// taking an already-open backend rather than a path.
func NewManager(db *bbolt.DB) (*Manager, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(lookupBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializing alias manager: %w", err)
	}
	return &Manager{db: db}, nil
}

// RequestAlias returns the next unused ClientID, starting from
// StartingClientID, persisting the bump so restarts never reissue one.
func (m *Manager) RequestAlias() (crypt.ClientID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next crypt.ClientID
	err := m.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metaBucket)
		v := b.Get(nextIDKey)
		if v == nil {
			next = StartingClientID
		} else {
			next = crypt.ClientID(binary.BigEndian.Uint64(v)) + 1
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(next))
		return b.Put(nextIDKey, buf[:])
	})
	return next, err
}

// Lookup returns the ClientID previously assigned to onionKey, if any.
func (m *Manager) Lookup(onionKey crypt.OnionPublic) (crypt.ClientID, bool, error) {
	var id crypt.ClientID
	var found bool
	err := m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(lookupBucket)
		v := b.Get(onionKey.Bytes())
		if v == nil {
			return nil
		}
		found = true
		id = crypt.ClientID(binary.BigEndian.Uint64(v))
		return nil
	})
	return id, found, err
}

// AssignOrReuse returns the existing ClientID for onionKey if one was
// already handed out, or allocates and records a fresh one otherwise.
func (m *Manager) AssignOrReuse(onionKey crypt.OnionPublic) (crypt.ClientID, error) {
	if id, ok, err := m.Lookup(onionKey); err != nil {
		return 0, err
	} else if ok {
		log.Debugf("alias: reusing client id %d for known onion key", id)
		return id, nil
	}

	id, err := m.RequestAlias()
	if err != nil {
		return 0, err
	}
	log.Debugf("alias: assigned new client id %d", id)

	m.mu.Lock()
	defer m.mu.Unlock()
	err = m.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(lookupBucket)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(id))
		return b.Put(onionKey.Bytes(), buf[:])
	})
	if err != nil {
		return 0, fmt.Errorf("recording alias assignment: %w", err)
	}
	return id, nil
}
