// Package linkstore implements LinkStore: durable per-neighbor counters
// (settled balance, seen-nonce bitmap, last-seen timestamp), transactional
// per neighbor. It is the direct analogue of the teacher's aliasmgr.Manager,
// which opens a kvdb (bbolt-backed) handle and keeps small per-channel
// counters in nested buckets; LinkStore does the same thing one level up,
// keyed by NeighborID instead of channel ID.
package linkstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/earendil-go/earendil/crypt"
)

var (
	neighborsBucket = []byte("neighbors")
	balanceKey      = []byte("balance")
	lastSeenKey     = []byte("last-seen")
	nonceWindowKey  = []byte("nonce-window")
)

// Store is the durable per-neighbor counter store. One bbolt database backs
// the whole LinkNode, with one nested bucket per neighbor, the same shape
// aliasmgr.Manager uses for per-channel alias state.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt database at path, following the
// teacher's kvdb.Create(kvdb.BoltBackendName, path, ...) convention but
// calling bbolt directly since kvdb itself is not part of this slice.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening linkstore db at %v: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(neighborsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing linkstore buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func neighborKeyBytes(n crypt.NeighborID) []byte {
	b, _ := json.Marshal(n)
	return b
}

// Balance returns the locally settled balance (signed integer microunits)
// for a neighbor, 0 if never recorded.
func (s *Store) Balance(n crypt.NeighborID) (int64, error) {
	var bal int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		nb, err := neighborSubBucket(tx, n, false)
		if err != nil || nb == nil {
			return err
		}
		v := nb.Get(balanceKey)
		if v != nil {
			bal = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return bal, err
}

// AddBalance applies delta (positive or negative) to a neighbor's settled
// balance, transactionally, matching the "sum of locally debited packets ×
// price equals the running local-balance counter" invariant: every Link
// send/recv calls this exactly once per packet.
func (s *Store) AddBalance(n crypt.NeighborID, delta int64) (int64, error) {
	var newBal int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		nb, err := neighborSubBucket(tx, n, true)
		if err != nil {
			return err
		}

		var cur int64
		if v := nb.Get(balanceKey); v != nil {
			cur = int64(binary.BigEndian.Uint64(v))
		}
		newBal = cur + delta

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(newBal))
		return nb.Put(balanceKey, buf[:])
	})
	return newBal, err
}

// SetLastSeen records the unix-nano timestamp a neighbor was last observed
// live; Link calls it for every inbound frame. Redial backoff is tracked in
// memory by linknode and does not read it.
func (s *Store) SetLastSeen(n crypt.NeighborID, unixNano int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		nb, err := neighborSubBucket(tx, n, true)
		if err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(unixNano))
		return nb.Put(lastSeenKey, buf[:])
	})
}

func (s *Store) LastSeen(n crypt.NeighborID) (int64, error) {
	var ts int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		nb, err := neighborSubBucket(tx, n, false)
		if err != nil || nb == nil {
			return err
		}
		if v := nb.Get(lastSeenKey); v != nil {
			ts = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return ts, err
}

func neighborSubBucket(tx *bbolt.Tx, n crypt.NeighborID, create bool) (*bbolt.Bucket, error) {
	top := tx.Bucket(neighborsBucket)
	key := neighborKeyBytes(n)

	if create {
		return top.CreateBucketIfNotExists(key)
	}
	return top.Bucket(key), nil
}

// nonceWindowSize is the number of recent nonces tracked per neighbor, a
// sliding bitmap window comfortably above the spec's 2^16 minimum so a
// reordered burst of in-flight packets never false-positives as a replay.
const nonceWindowSize = 1 << 17

// nonceWindow is the durable replay-defense state for one neighbor: a
// highest-seen nonce plus a bitmap of the nonceWindowSize nonces trailing
// it, the same sliding-window shape a TCP receive window uses for SACK
// bookkeeping.
type nonceWindow struct {
	Highest uint64
	Bitmap  []byte
}

func loadNonceWindow(nb *bbolt.Bucket) nonceWindow {
	v := nb.Get(nonceWindowKey)
	if v == nil {
		return nonceWindow{Bitmap: make([]byte, nonceWindowSize/8)}
	}
	var w nonceWindow
	if err := json.Unmarshal(v, &w); err != nil || len(w.Bitmap) != nonceWindowSize/8 {
		return nonceWindow{Bitmap: make([]byte, nonceWindowSize/8)}
	}
	return w
}

func (w *nonceWindow) bitSet(bit uint64) bool {
	idx := bit / 8
	mask := byte(1) << (bit % 8)
	return w.Bitmap[idx]&mask != 0
}

func (w *nonceWindow) setBit(bit uint64) {
	idx := bit / 8
	mask := byte(1) << (bit % 8)
	w.Bitmap[idx] |= mask
}

func (w *nonceWindow) clearBit(bit uint64) {
	idx := bit / 8
	mask := byte(1) << (bit % 8)
	w.Bitmap[idx] &^= mask
}

// CheckAndSetNonce applies the one-time-use replay check for an incoming
// packet's nonce from neighbor n: nonces at or behind the trailing edge of
// the window are rejected outright, nonces already marked seen within the
// window are rejected as replays, and new nonces slide the window forward,
// clearing bits that fall out of range so the bitmap never grows unbounded.
// It returns true if the nonce is fresh (and has just been recorded),
// false if it must be treated as a replay.
func (s *Store) CheckAndSetNonce(n crypt.NeighborID, nonce uint64) (bool, error) {
	var fresh bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		nb, err := neighborSubBucket(tx, n, true)
		if err != nil {
			return err
		}

		uninitialized := nb.Get(nonceWindowKey) == nil
		w := loadNonceWindow(nb)

		switch {
		case uninitialized:
			// First nonce ever seen from this neighbor: accept
			// unconditionally and seed the window around it.
			w.Highest = nonce
			w.setBit(nonce % nonceWindowSize)
			fresh = true

		case nonce > w.Highest:
			advance := nonce - w.Highest
			if advance >= nonceWindowSize {
				// Whole window has rolled over; start clean.
				for i := range w.Bitmap {
					w.Bitmap[i] = 0
				}
			} else {
				for b := w.Highest + 1; b <= nonce; b++ {
					w.clearBit(b % nonceWindowSize)
				}
			}
			w.Highest = nonce
			w.setBit(nonce % nonceWindowSize)
			fresh = true

		case w.Highest-nonce >= nonceWindowSize:
			// Too far behind the trailing edge; reject.
			log.Debugf("linkstore: %v: nonce %d is outside the replay window (highest %d)", n, nonce, w.Highest)
			fresh = false
			return nil

		default:
			bit := nonce % nonceWindowSize
			if w.bitSet(bit) {
				log.Debugf("linkstore: %v: rejecting replayed nonce %d", n, nonce)
				fresh = false
				return nil
			}
			w.setBit(bit)
			fresh = true
		}

		encoded, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return nb.Put(nonceWindowKey, encoded)
	})
	return fresh, err
}
