package socket

import (
	"encoding/binary"
	"fmt"

	"github.com/earendil-go/earendil/onion"
)

// envelope is the N2RSocket-level payload carried inside an onion deliver
// layer's body: which local dock to hand the message to, any freshly
// minted reply blocks the sender is piggybacking, and the application
// body. The deliver layer's own fromTag carries the sender's apparent
// endpoint, so it isn't duplicated here.
type envelope struct {
	destDock    uint16
	replyBlocks []*onion.ReplyBlock
	body        []byte
}

func encodeEnvelope(e envelope) []byte {
	out := make([]byte, 2, 2+1+len(e.body))
	binary.BigEndian.PutUint16(out, e.destDock)
	out = append(out, byte(len(e.replyBlocks)))
	for _, rb := range e.replyBlocks {
		enc := onion.EncodeReplyBlock(rb)
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(enc)))
		out = append(out, l[:]...)
		out = append(out, enc...)
	}
	out = append(out, e.body...)
	return out
}

func decodeEnvelope(b []byte) (envelope, error) {
	if len(b) < 3 {
		return envelope{}, fmt.Errorf("socket: truncated envelope")
	}
	var e envelope
	e.destDock = binary.BigEndian.Uint16(b[:2])
	numBlocks := int(b[2])
	rest := b[3:]

	for i := 0; i < numBlocks; i++ {
		if len(rest) < 4 {
			return envelope{}, fmt.Errorf("socket: truncated envelope reply block length")
		}
		l := int(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if l < 0 || len(rest) < l {
			return envelope{}, fmt.Errorf("socket: truncated envelope reply block")
		}
		rb, n, err := onion.DecodeReplyBlock(rest[:l])
		if err != nil {
			return envelope{}, fmt.Errorf("socket: decoding piggybacked reply block: %w", err)
		}
		_ = n
		e.replyBlocks = append(e.replyBlocks, rb)
		rest = rest[l:]
	}

	e.body = append([]byte(nil), rest...)
	return e, nil
}
