package onion

import (
	"encoding/binary"
	"fmt"

	"github.com/earendil-go/earendil/crypt"
)

// Hop is one relay a forward packet traverses: its fingerprint (used as the
// routing directive the previous hop reads) and its onion DH public key
// (used to seal the layer addressed to it).
type Hop struct {
	Fingerprint crypt.Fingerprint
	OnionKey    crypt.OnionPublic
}

const (
	layerForward byte = iota
	layerDeliver
)

// plaintext layouts:
//
//	Forward: type(1) | nextHop(20) | remainderLen(4) | remainder (the next hop's encoded packet)
//	Deliver: type(1) | tagLen(2) | tag | bodyLen(4) | body

func encodeForwardLayer(nextHop crypt.Fingerprint, remainder []byte) []byte {
	out := make([]byte, 0, 1+crypt.FingerprintSize+4+len(remainder))
	out = append(out, layerForward)
	out = append(out, nextHop[:]...)

	var remLen [4]byte
	binary.BigEndian.PutUint32(remLen[:], uint32(len(remainder)))
	out = append(out, remLen[:]...)
	out = append(out, remainder...)
	return out
}

func encodeDeliverLayer(tag, body []byte) []byte {
	out := make([]byte, 0, 1+2+len(tag)+4+len(body))
	out = append(out, layerDeliver)

	var tagLen [2]byte
	binary.BigEndian.PutUint16(tagLen[:], uint16(len(tag)))
	out = append(out, tagLen[:]...)
	out = append(out, tag...)

	var bodyLen [4]byte
	binary.BigEndian.PutUint32(bodyLen[:], uint32(len(body)))
	out = append(out, bodyLen[:]...)
	out = append(out, body...)
	return out
}

// PeelResult is the outcome of peeling one layer off an incoming packet, the
// Go analogue of the spec's tagged-union Forward | Deliver | Invalid.
type PeelResult struct {
	Kind PeelKind

	// Populated when Kind == PeelForward.
	NextHop   crypt.Fingerprint
	Remainder *Packet

	// Populated when Kind == PeelDeliver.
	FromTag []byte
	Payload []byte

	// Populated when Kind == PeelReplyDeliver: the reply block's ID and its
	// still-XORed payload slot, for the minter to pair with a stored
	// seedTotal and Unseal.
	ReplyID []byte
}

type PeelKind int

const (
	PeelInvalid PeelKind = iota
	PeelForward
	PeelDeliver

	// PeelReplyDeliver marks a reply packet that terminated at this node
	// (the minter): ReplyID and Payload are populated, still XORed.
	PeelReplyDeliver
)

// Build constructs a forward onion packet addressed through path (in
// traversal order) ending in a Deliver layer carrying payload, tagged with
// fromTag so the final hop's N2RSocket can attribute the message to an
// anonymous endpoint or reply-block id.
//
// Layers are sealed from the innermost (destination) outward; the result
// grows by one header's worth of overhead per hop and must fit within one
// WireEncode frame, which bounds both path length and payload size.
func Build(path []Hop, fromTag, payload []byte) (*Packet, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("onion: empty path")
	}

	plaintext := encodeDeliverLayer(fromTag, payload)
	pkt, err := sealLayerInto(path[len(path)-1].OnionKey, plaintext)
	if err != nil {
		return nil, err
	}

	for i := len(path) - 2; i >= 0; i-- {
		plaintext := encodeForwardLayer(path[i+1].Fingerprint, pkt.Encode())
		pkt, err = sealLayerInto(path[i].OnionKey, plaintext)
		if err != nil {
			return nil, err
		}
	}

	if len(pkt.Encode())+4 > PacketSize {
		return nil, fmt.Errorf("onion: built packet exceeds wire frame capacity; shorten path or payload")
	}

	return pkt, nil
}

func sealLayerInto(peerKey crypt.OnionPublic, plaintext []byte) (*Packet, error) {
	eph, nonce, cipher, _, err := sealLayer(peerKey, plaintext)
	if err != nil {
		return nil, err
	}
	return &Packet{Version: versionByte, Ephemeral: eph, Nonce: nonce, Cipher: cipher}, nil
}

// NonceChecker reports whether a given neighbor-scoped replay nonce is
// fresh; LinkStore.CheckAndSetNonce satisfies this.
type NonceChecker func(nonce uint64) (bool, error)

// Peel decrypts one layer of pkt using mySecret and interprets the result.
// checkNonce, when non-nil, is consulted with the layer's replay-filter
// nonce before the layer is trusted; a stale nonce yields PeelInvalid
// without attempting to decode the plaintext.
func Peel(pkt *Packet, mySecret crypt.OnionSecret, checkNonce NonceChecker) (PeelResult, error) {
	if checkNonce != nil {
		fresh, err := checkNonce(replayNonce(pkt.Cipher))
		if err != nil {
			return PeelResult{}, err
		}
		if !fresh {
			log.Debugf("onion: dropping packet with stale/replayed nonce")
			return PeelResult{Kind: PeelInvalid}, nil
		}
	}

	plain, _, err := openLayer(pkt, mySecret)
	if err != nil {
		if err == ErrMACMismatch {
			log.Debugf("onion: dropping packet that failed to peel: MAC mismatch")
			return PeelResult{Kind: PeelInvalid}, nil
		}
		return PeelResult{}, err
	}

	if len(plain) == 0 {
		return PeelResult{Kind: PeelInvalid}, nil
	}

	switch plain[0] {
	case layerForward:
		const fixedHdr = 1 + crypt.FingerprintSize + 4
		if len(plain) < fixedHdr {
			return PeelResult{Kind: PeelInvalid}, nil
		}
		var nextHop crypt.Fingerprint
		copy(nextHop[:], plain[1:1+crypt.FingerprintSize])

		remLen := int(binary.BigEndian.Uint32(plain[1+crypt.FingerprintSize : fixedHdr]))
		if remLen < 0 || len(plain) < fixedHdr+remLen {
			return PeelResult{Kind: PeelInvalid}, nil
		}

		remainder, err := DecodePacket(plain[fixedHdr : fixedHdr+remLen])
		if err != nil {
			return PeelResult{Kind: PeelInvalid}, nil
		}
		return PeelResult{Kind: PeelForward, NextHop: nextHop, Remainder: remainder}, nil

	case layerDeliver:
		if len(plain) < 3 {
			return PeelResult{Kind: PeelInvalid}, nil
		}
		tagLen := int(binary.BigEndian.Uint16(plain[1:3]))
		if len(plain) < 3+tagLen+4 {
			return PeelResult{Kind: PeelInvalid}, nil
		}
		tag := plain[3 : 3+tagLen]

		bodyLenOff := 3 + tagLen
		bodyLen := int(binary.BigEndian.Uint32(plain[bodyLenOff : bodyLenOff+4]))
		bodyStart := bodyLenOff + 4
		if bodyLen < 0 || len(plain) < bodyStart+bodyLen {
			return PeelResult{Kind: PeelInvalid}, nil
		}
		body := plain[bodyStart : bodyStart+bodyLen]

		return PeelResult{
			Kind:    PeelDeliver,
			FromTag: append([]byte(nil), tag...),
			Payload: append([]byte(nil), body...),
		}, nil

	default:
		return PeelResult{Kind: PeelInvalid}, nil
	}
}
