// Package crypt implements the identity and key primitives of the overlay:
// fingerprints, relay/client identities, and the onion Diffie-Hellman keys
// used to seal packet layers. It follows the teacher's keychain package in
// keeping key material behind small typed wrappers rather than passing raw
// byte slices around.
package crypt

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/crypto/blake256"
)

// FingerprintSize is the length in bytes of a Fingerprint (160 bits).
const FingerprintSize = 20

// Fingerprint is the 160-bit identifier of a long-term signing key. Relay
// fingerprints are stable and advertised in the graph; client identities are
// ephemeral and locally scoped, but both are represented the same way.
type Fingerprint [FingerprintSize]byte

// FingerprintOf derives the fingerprint of a public key by truncating its
// blake256 digest, the same hash the teacher already pulls in transitively
// for short node identifiers.
func FingerprintOf(pub *btcec.PublicKey) Fingerprint {
	digest := blake256.Sum256(pub.SerializeCompressed())

	var fp Fingerprint
	copy(fp[:], digest[:FingerprintSize])
	return fp
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether f is the zero fingerprint (never a valid identity).
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// ParseFingerprint decodes a hex-encoded fingerprint, as used in config
// files for out-route expected-fingerprint fields.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("decoding fingerprint %q: %w", s, err)
	}
	if len(b) != FingerprintSize {
		return fp, fmt.Errorf("fingerprint %q has %d bytes, want %d",
			s, len(b), FingerprintSize)
	}
	copy(fp[:], b)
	return fp, nil
}

// ClientID is a 64-bit integer assigned locally on first contact with a
// neighbor that has no stable relay fingerprint. It carries no meaning
// outside the process that assigned it.
type ClientID uint64

// NeighborKind distinguishes the two NeighborID variants.
type NeighborKind uint8

const (
	NeighborRelay NeighborKind = iota
	NeighborClient
)

// NeighborID is the tagged union of Relay(fingerprint) | Client(client-id)
// used to key the link table. Unlike a Rust enum, Go has no sum type, so we
// carry both fields and a discriminant, zeroing whichever is unused.
type NeighborID struct {
	Kind     NeighborKind
	Relay    Fingerprint
	ClientID ClientID
}

func RelayNeighbor(fp Fingerprint) NeighborID {
	return NeighborID{Kind: NeighborRelay, Relay: fp}
}

func ClientNeighbor(id ClientID) NeighborID {
	return NeighborID{Kind: NeighborClient, ClientID: id}
}

func (n NeighborID) String() string {
	switch n.Kind {
	case NeighborRelay:
		return "relay:" + n.Relay.String()
	case NeighborClient:
		return fmt.Sprintf("client:%d", n.ClientID)
	default:
		return "unknown-neighbor"
	}
}

// Dock is the 16-bit demux port within an endpoint's address space.
type Dock uint16

// Endpoint is a (fingerprint, dock) pair identifying a logical delivery
// target, matching the glossary definition exactly.
type Endpoint struct {
	Fingerprint Fingerprint
	Dock        Dock
}

func NewEndpoint(fp Fingerprint, dock Dock) Endpoint {
	return Endpoint{Fingerprint: fp, Dock: dock}
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Fingerprint, e.Dock)
}

// Bytes encodes e as its fingerprint followed by the dock in big-endian,
// the wire form N2RSocket embeds as a deliver layer's fromTag so the
// receiving end can attribute an inbound message to an apparent endpoint.
func (e Endpoint) Bytes() []byte {
	out := make([]byte, FingerprintSize+2)
	copy(out, e.Fingerprint[:])
	out[FingerprintSize] = byte(e.Dock >> 8)
	out[FingerprintSize+1] = byte(e.Dock)
	return out
}

// EndpointFromBytes is the inverse of Endpoint.Bytes.
func EndpointFromBytes(b []byte) (Endpoint, error) {
	if len(b) != FingerprintSize+2 {
		return Endpoint{}, fmt.Errorf("endpoint tag is %d bytes, want %d", len(b), FingerprintSize+2)
	}
	var e Endpoint
	copy(e.Fingerprint[:], b[:FingerprintSize])
	e.Dock = Dock(b[FingerprintSize])<<8 | Dock(b[FingerprintSize+1])
	return e, nil
}
