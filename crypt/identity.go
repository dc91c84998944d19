package crypt

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/crypto/blake256"
)

// IdentitySecret is the long-term signing key of a relay or client, used
// for relay graph edges and handshake proofs. Diffie-Hellman for onion
// layers uses a separate OnionSecret on the same secp256k1 curve.
type IdentitySecret struct {
	priv *btcec.PrivateKey
}

// IdentityPublic is the public half of an IdentitySecret, as advertised in
// the relay graph or carried in a HavenLocator.
type IdentityPublic struct {
	pub *btcec.PublicKey
}

// GenerateIdentity creates a fresh random identity, used for the throwaway
// identity of a node with no identity_key_path and for the ephemeral
// identities anonymous clients mint for themselves. Identities read from
// config go through IdentityFromBytes instead.
func GenerateIdentity() (IdentitySecret, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return IdentitySecret{}, fmt.Errorf("generating identity key: %w", err)
	}
	return IdentitySecret{priv: priv}, nil
}

// IdentityFromBytes reconstructs a secret identity from 32 raw bytes, as
// read from the file config's identity_key_path names.
func IdentityFromBytes(b []byte) (IdentitySecret, error) {
	if len(b) != 32 {
		return IdentitySecret{}, fmt.Errorf("identity key must be 32 bytes, got %d", len(b))
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return IdentitySecret{priv: priv}, nil
}

func (s IdentitySecret) Bytes() []byte {
	return s.priv.Serialize()
}

func (s IdentitySecret) Public() IdentityPublic {
	return IdentityPublic{pub: s.priv.PubKey()}
}

func (s IdentitySecret) Fingerprint() Fingerprint {
	return FingerprintOf(s.priv.PubKey())
}

// Sign produces a deterministic ECDSA signature over msg, used for relay
// graph edge claims and handshake proofs.
func (s IdentitySecret) Sign(msg []byte) []byte {
	digest := hashMsg(msg)
	sig := ecdsa.Sign(s.priv, digest)
	return sig.Serialize()
}

func (p IdentityPublic) Fingerprint() Fingerprint {
	return FingerprintOf(p.pub)
}

func (p IdentityPublic) Bytes() []byte {
	return p.pub.SerializeCompressed()
}

func IdentityPublicFromBytes(b []byte) (IdentityPublic, error) {
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return IdentityPublic{}, fmt.Errorf("parsing identity public key: %w", err)
	}
	return IdentityPublic{pub: pub}, nil
}

// Verify checks sig over msg against this public key. It returns false
// rather than an error on any failure, matching the teacher's ECDSA verify
// helpers used throughout channel announcement validation.
func (p IdentityPublic) Verify(msg, sig []byte) bool {
	s, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return s.Verify(hashMsg(msg), p.pub)
}

func hashMsg(msg []byte) []byte {
	sum := sha256.Sum256(msg)
	return sum[:]
}

// OnionSecret is a Diffie-Hellman private share used to open onion layers
// addressed to this node. It is drawn from the same curve as identity keys
// but is a separate key: a node holds one OnionSecret for its lifetime,
// read from onion_key_path or generated at startup, while each sealed
// layer uses its own freshly generated ephemeral OnionSecret.
type OnionSecret struct {
	priv *btcec.PrivateKey
}

type OnionPublic struct {
	pub *btcec.PublicKey
}

// OnionSecretFromBytes reconstructs an onion DH secret from 32 raw bytes,
// as read out of config's onion_key_path, the same persistence path
// IdentityFromBytes provides for the long-term identity key.
func OnionSecretFromBytes(b []byte) (OnionSecret, error) {
	if len(b) != 32 {
		return OnionSecret{}, fmt.Errorf("onion key must be 32 bytes, got %d", len(b))
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return OnionSecret{priv: priv}, nil
}

func GenerateOnionSecret() (OnionSecret, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return OnionSecret{}, fmt.Errorf("generating onion key: %w", err)
	}
	return OnionSecret{priv: priv}, nil
}

func (s OnionSecret) Public() OnionPublic {
	return OnionPublic{pub: s.priv.PubKey()}
}

func (s OnionSecret) Bytes() []byte { return s.priv.Serialize() }

func (p OnionPublic) Bytes() []byte { return p.pub.SerializeCompressed() }

func OnionPublicFromBytes(b []byte) (OnionPublic, error) {
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return OnionPublic{}, fmt.Errorf("parsing onion public key: %w", err)
	}
	return OnionPublic{pub: pub}, nil
}

// ECDH is the capability the link handshake and the onion router both need:
// derive a shared secret from our private share and the peer's public
// share. Modeled on the teacher's keychain.SingleKeyECDH interface so the
// rest of the codebase depends on the capability, not the concrete key type.
type ECDH interface {
	ECDH(peer OnionPublic) ([32]byte, error)
}

func (s OnionSecret) ECDH(peer OnionPublic) ([32]byte, error) {
	var shared [32]byte

	var point btcec.JacobianPoint
	peer.pub.AsJacobian(&point)

	var result btcec.JacobianPoint
	btcec.ScalarMultNonConst(&s.priv.Key, &point, &result)
	result.ToAffine()

	xBytes := result.X.Bytes()
	digest := blake256.Sum256(xBytes[:])
	copy(shared[:], digest[:])
	return shared, nil
}
