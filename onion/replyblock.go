package onion

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20"

	"github.com/earendil-go/earendil/crypt"
)

// PayloadSlotSize is the fixed capacity of a reply block's payload region,
// smaller than a forward packet's since a reply block is meant for short
// acknowledgements and control traffic rather than general haven bodies.
const PayloadSlotSize = 2048

const layerReplyDeliver byte = 2

// ReplyBlock is a single-use, pre-built return header: a chain of onion
// layers addressed back to the identity that minted it, handed to a peer
// so that peer can reply without knowing the minter's real route. This is
// the Go analogue of the spec's "reply blocks are constructed identically
// [to forward packets] but with the originator filling in only the
// outermost envelope at reply time, having pre-shared the inner layers with
// intermediate hops via the forward packet."
//
// The payload itself never passes through AEAD at each hop (the replying
// peer holds none of the hop keys to do so); instead each hop XORs the
// trailing payload slot with a keystream derived from the same ECDH shared
// secret it uses to open its header layer. XOR is commutative and
// self-inverse, so the minter recovers the plaintext by XORing the
// delivered slot against the sum of all per-hop keystreams it recorded at
// mint time — regardless of the order hops applied theirs in.
type ReplyBlock struct {
	ID       [16]byte
	FirstHop crypt.Fingerprint
	Header   *Packet
}

// Mint builds a ReplyBlock routed through path (in the order the reply
// travels, path[0] first and the minter's own hop last) and returns the keystream sum the minter must
// retain to decrypt whatever eventually arrives tagged with this block's ID.
func Mint(path []Hop) (*ReplyBlock, []byte, error) {
	if len(path) == 0 {
		return nil, nil, fmt.Errorf("onion: reply block needs a non-empty path")
	}

	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, nil, err
	}

	seedTotal := make([]byte, PayloadSlotSize)

	finalPlain := encodeReplyDeliverLayer(id)
	pkt, keystream, err := sealReplyLayer(path[len(path)-1].OnionKey, finalPlain)
	if err != nil {
		return nil, nil, err
	}
	xorInto(seedTotal, keystream)

	for i := len(path) - 2; i >= 0; i-- {
		plaintext := encodeForwardLayer(path[i+1].Fingerprint, pkt.Encode())
		pkt, keystream, err = sealReplyLayer(path[i].OnionKey, plaintext)
		if err != nil {
			return nil, nil, err
		}
		xorInto(seedTotal, keystream)
	}

	return &ReplyBlock{ID: id, FirstHop: path[0].Fingerprint, Header: pkt}, seedTotal, nil
}

func encodeReplyDeliverLayer(id [16]byte) []byte {
	out := make([]byte, 1+16)
	out[0] = layerReplyDeliver
	copy(out[1:], id[:])
	return out
}

func sealReplyLayer(peerKey crypt.OnionPublic, plaintext []byte) (*Packet, []byte, error) {
	eph, nonce, cipher, shared, err := sealLayer(peerKey, plaintext)
	if err != nil {
		return nil, nil, err
	}
	pkt := &Packet{Version: versionByte, Ephemeral: eph, Nonce: nonce, Cipher: cipher}
	keystream, err := deriveKeystream(shared, PayloadSlotSize)
	if err != nil {
		return nil, nil, err
	}
	return pkt, keystream, nil
}

func deriveKeystream(key [32]byte, size int) ([]byte, error) {
	var zeroNonce [chacha20.NonceSize]byte
	cipher, err := chacha20.NewUnauthenticatedCipher(key[:], zeroNonce[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	cipher.XORKeyStream(out, out)
	return out, nil
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// ReplyPeelResult is the outcome of peeling one hop off a reply packet.
type ReplyPeelResult struct {
	// Forward is true when the packet continues to another hop; false
	// means this node is the minter and ID/Payload are populated.
	Forward bool

	NextHop   crypt.Fingerprint
	Remainder *Packet

	ID      [16]byte
	Payload []byte // still XORed; caller must XOR against its stored seed.
}

// PeelReply advances a reply packet by one hop: it opens the AEAD header
// layer with mySecret, XORs slot with the keystream derived from the same
// shared secret, and reports whether to keep forwarding or deliver locally.
func PeelReply(pkt *Packet, slot []byte, mySecret crypt.OnionSecret) (ReplyPeelResult, []byte, error) {
	if len(slot) != PayloadSlotSize {
		return ReplyPeelResult{}, nil, fmt.Errorf("onion: reply slot must be %d bytes, got %d",
			PayloadSlotSize, len(slot))
	}

	plain, shared, err := openLayer(pkt, mySecret)
	if err != nil {
		return ReplyPeelResult{}, nil, err
	}

	keystream, err := deriveKeystream(shared, PayloadSlotSize)
	if err != nil {
		return ReplyPeelResult{}, nil, err
	}
	newSlot := make([]byte, PayloadSlotSize)
	copy(newSlot, slot)
	xorInto(newSlot, keystream)

	if len(plain) == 0 {
		return ReplyPeelResult{}, nil, fmt.Errorf("onion: empty reply layer")
	}

	switch plain[0] {
	case layerForward:
		const fixedHdr = 1 + crypt.FingerprintSize + 4
		if len(plain) < fixedHdr {
			return ReplyPeelResult{}, nil, fmt.Errorf("onion: truncated reply forward layer")
		}
		var nextHop crypt.Fingerprint
		copy(nextHop[:], plain[1:1+crypt.FingerprintSize])

		remLen := int(binary.BigEndian.Uint32(plain[1+crypt.FingerprintSize : fixedHdr]))
		if remLen < 0 || len(plain) < fixedHdr+remLen {
			return ReplyPeelResult{}, nil, fmt.Errorf("onion: truncated reply forward remainder")
		}
		remainder, err := DecodePacket(plain[fixedHdr : fixedHdr+remLen])
		if err != nil {
			return ReplyPeelResult{}, nil, err
		}
		return ReplyPeelResult{Forward: true, NextHop: nextHop, Remainder: remainder}, newSlot, nil

	case layerReplyDeliver:
		if len(plain) < 17 {
			return ReplyPeelResult{}, nil, fmt.Errorf("onion: truncated reply deliver layer")
		}
		var id [16]byte
		copy(id[:], plain[1:17])
		return ReplyPeelResult{Forward: false, ID: id, Payload: newSlot}, newSlot, nil

	default:
		return ReplyPeelResult{}, nil, fmt.Errorf("onion: unknown reply layer type %d", plain[0])
	}
}

// EncodeReplyBlock serializes a ReplyBlock for piggybacking onto a forward
// message: the minter hands this to the peer it's messaging so the peer can
// later reply without any route knowledge of its own.
func EncodeReplyBlock(rb *ReplyBlock) []byte {
	header := rb.Header.Encode()
	out := make([]byte, 0, 16+crypt.FingerprintSize+4+len(header))
	out = append(out, rb.ID[:]...)
	out = append(out, rb.FirstHop[:]...)
	var hdrLen [4]byte
	binary.BigEndian.PutUint32(hdrLen[:], uint32(len(header)))
	out = append(out, hdrLen[:]...)
	out = append(out, header...)
	return out
}

// DecodeReplyBlock is the inverse of EncodeReplyBlock.
func DecodeReplyBlock(b []byte) (*ReplyBlock, int, error) {
	const fixedHdr = 16 + crypt.FingerprintSize + 4
	if len(b) < fixedHdr {
		return nil, 0, fmt.Errorf("onion: truncated reply block")
	}
	rb := &ReplyBlock{}
	copy(rb.ID[:], b[:16])
	copy(rb.FirstHop[:], b[16:16+crypt.FingerprintSize])
	hdrLen := int(binary.BigEndian.Uint32(b[16+crypt.FingerprintSize : fixedHdr]))
	if hdrLen < 0 || len(b) < fixedHdr+hdrLen {
		return nil, 0, fmt.Errorf("onion: reply block header length out of range")
	}
	header, err := DecodePacket(b[fixedHdr : fixedHdr+hdrLen])
	if err != nil {
		return nil, 0, err
	}
	rb.Header = header
	return rb, fixedHdr + hdrLen, nil
}

// Unseal recovers the replying peer's plaintext given the slot bytes
// delivered at the minter and the keystream sum recorded at Mint time.
func Unseal(delivered, seedTotal []byte) []byte {
	out := make([]byte, len(delivered))
	copy(out, delivered)
	xorInto(out, seedTotal)
	return out
}
