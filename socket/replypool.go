package socket

import (
	"sync"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/fn"
	"github.com/earendil-go/earendil/onion"
)

// replyPool holds, per peer endpoint, the reply blocks that peer has given
// this socket so it can message that peer without a direct route. Sending
// with one consumes it; receiving a message from that peer that piggybacks
// fresh blocks replenishes it.
type replyPool struct {
	mu     sync.Mutex
	byPeer map[crypt.Endpoint][]*onion.ReplyBlock
}

func newReplyPool() *replyPool {
	return &replyPool{byPeer: make(map[crypt.Endpoint][]*onion.ReplyBlock)}
}

// Take pops the oldest available block for peer, if any.
func (p *replyPool) Take(peer crypt.Endpoint) fn.Option[*onion.ReplyBlock] {
	p.mu.Lock()
	defer p.mu.Unlock()

	blocks := p.byPeer[peer]
	if len(blocks) == 0 {
		return fn.None[*onion.ReplyBlock]()
	}
	rb := blocks[0]
	p.byPeer[peer] = blocks[1:]
	return fn.Some(rb)
}

// Add appends freshly received blocks to peer's stock.
func (p *replyPool) Add(peer crypt.Endpoint, blocks []*onion.ReplyBlock) {
	if len(blocks) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byPeer[peer] = append(p.byPeer[peer], blocks...)
}

// Count reports how many blocks are currently available for peer.
func (p *replyPool) Count(peer crypt.Endpoint) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byPeer[peer])
}
