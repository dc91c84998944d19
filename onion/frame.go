package onion

import (
	"encoding/binary"
	"fmt"
)

// Link frames carry either an ordinary forward/deliver packet or a reply
// packet plus its trailing payload slot; the marker byte lets LinkNode
// dispatch to onion.Peel or onion.PeelReply without needing to guess from
// the packet contents, which both share the same wire Packet shape.
const (
	FrameForward byte = iota
	FrameReply
)

// EncodeForwardFrame wraps pkt as a marked forward frame.
func EncodeForwardFrame(pkt *Packet) ([]byte, error) {
	wire, err := WireEncode(pkt)
	if err != nil {
		return nil, err
	}
	return append([]byte{FrameForward}, wire...), nil
}

// EncodeReplyFrame wraps pkt and its payload slot as a marked reply frame:
// marker | slotLen(4) | slot | WireEncode(pkt).
func EncodeReplyFrame(pkt *Packet, slot []byte) ([]byte, error) {
	wire, err := WireEncode(pkt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+4+len(slot)+len(wire))
	out = append(out, FrameReply)
	var slotLen [4]byte
	binary.BigEndian.PutUint32(slotLen[:], uint32(len(slot)))
	out = append(out, slotLen[:]...)
	out = append(out, slot...)
	out = append(out, wire...)
	return out, nil
}

// DecodeFrame reads the marker off frame and returns either a decoded
// Packet (FrameForward) or a decoded Packet plus its payload slot
// (FrameReply).
func DecodeFrame(frame []byte) (marker byte, pkt *Packet, slot []byte, err error) {
	if len(frame) < 1 {
		return 0, nil, nil, fmt.Errorf("onion: empty frame")
	}
	marker = frame[0]
	rest := frame[1:]

	switch marker {
	case FrameForward:
		pkt, err = WireDecode(rest)
		return marker, pkt, nil, err

	case FrameReply:
		if len(rest) < 4 {
			return 0, nil, nil, fmt.Errorf("onion: truncated reply frame")
		}
		slotLen := int(binary.BigEndian.Uint32(rest[:4]))
		if slotLen < 0 || len(rest) < 4+slotLen {
			return 0, nil, nil, fmt.Errorf("onion: reply frame slot length out of range")
		}
		slot = append([]byte(nil), rest[4:4+slotLen]...)
		pkt, err = WireDecode(rest[4+slotLen:])
		return marker, pkt, slot, err

	default:
		return 0, nil, nil, fmt.Errorf("onion: unknown frame marker %d", marker)
	}
}
