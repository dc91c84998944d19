package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/earendil-go/earendil/crypt"
)

// HavenLocator is the signed record a haven server publishes into the DHT
// under its own identity-fingerprint: where its rendezvous relay is and
// which onion public key haven clients should encrypt payloads to.
type HavenLocator struct {
	Identity   crypt.Fingerprint
	Signer     crypt.IdentityPublic // the identity public key that hashes to Identity
	OnionKey   crypt.OnionPublic
	Rendezvous crypt.Fingerprint
	Signature  []byte
}

// SigningPayload returns the bytes the identity key signs: Identity,
// OnionKey and Rendezvous, in a fixed field order so signer and verifier
// always hash the same bytes. Signer and Signature are not covered; Verify
// ties Signer to Identity by fingerprint instead.
func (l HavenLocator) SigningPayload() []byte {
	var buf bytes.Buffer
	buf.Write(l.Identity[:])
	buf.Write(l.OnionKey.Bytes())
	buf.Write(l.Rendezvous[:])
	return buf.Bytes()
}

// Sign fills in Signer and Signature using identity, which must own
// l.Identity. Embedding the signer's public key lets a DHT lookup verify a
// fetched locator on its own, without a separate out-of-band key exchange.
func (l *HavenLocator) Sign(identity crypt.IdentitySecret) {
	l.Signer = identity.Public()
	l.Signature = identity.Sign(l.SigningPayload())
}

// Verify checks that Signer's fingerprint matches Identity and that
// Signature is valid over SigningPayload() under Signer.
func (l HavenLocator) Verify() bool {
	if l.Signer.Fingerprint() != l.Identity {
		return false
	}
	return l.Signer.Verify(l.SigningPayload(), l.Signature)
}

// EncodeHavenLocator serializes a HavenLocator for storage or transport
// over global RPC, in the same length-prefixed style as EncodePaysystems.
func EncodeHavenLocator(l HavenLocator) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(l.Identity[:])

	signer := l.Signer.Bytes()
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(signer))); err != nil {
		return nil, err
	}
	buf.Write(signer)

	onionKey := l.OnionKey.Bytes()
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(onionKey))); err != nil {
		return nil, err
	}
	buf.Write(onionKey)
	buf.Write(l.Rendezvous[:])
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(l.Signature))); err != nil {
		return nil, err
	}
	buf.Write(l.Signature)
	return buf.Bytes(), nil
}

// DecodeHavenLocator is the inverse of EncodeHavenLocator.
func DecodeHavenLocator(b []byte) (HavenLocator, error) {
	r := bytes.NewReader(b)
	var l HavenLocator

	if _, err := io.ReadFull(r, l.Identity[:]); err != nil {
		return HavenLocator{}, fmt.Errorf("reading identity: %w", err)
	}

	var signerLen uint32
	if err := binary.Read(r, binary.BigEndian, &signerLen); err != nil {
		return HavenLocator{}, fmt.Errorf("reading signer length: %w", err)
	}
	signerBytes := make([]byte, signerLen)
	if _, err := io.ReadFull(r, signerBytes); err != nil {
		return HavenLocator{}, fmt.Errorf("reading signer: %w", err)
	}
	signer, err := crypt.IdentityPublicFromBytes(signerBytes)
	if err != nil {
		return HavenLocator{}, fmt.Errorf("parsing signer: %w", err)
	}
	l.Signer = signer

	var onionLen uint32
	if err := binary.Read(r, binary.BigEndian, &onionLen); err != nil {
		return HavenLocator{}, fmt.Errorf("reading onion key length: %w", err)
	}
	onionBytes := make([]byte, onionLen)
	if _, err := io.ReadFull(r, onionBytes); err != nil {
		return HavenLocator{}, fmt.Errorf("reading onion key: %w", err)
	}
	onionKey, err := crypt.OnionPublicFromBytes(onionBytes)
	if err != nil {
		return HavenLocator{}, fmt.Errorf("parsing onion key: %w", err)
	}
	l.OnionKey = onionKey

	if _, err := io.ReadFull(r, l.Rendezvous[:]); err != nil {
		return HavenLocator{}, fmt.Errorf("reading rendezvous: %w", err)
	}

	var sigLen uint32
	if err := binary.Read(r, binary.BigEndian, &sigLen); err != nil {
		return HavenLocator{}, fmt.Errorf("reading signature length: %w", err)
	}
	l.Signature = make([]byte, sigLen)
	if _, err := io.ReadFull(r, l.Signature); err != nil {
		return HavenLocator{}, fmt.Errorf("reading signature: %w", err)
	}

	return l, nil
}
