package socket

import (
	"context"
	"sync"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/errs"
	"github.com/earendil-go/earendil/graph"
	"github.com/earendil-go/earendil/linknode"
	"github.com/earendil-go/earendil/onion"
)

const (
	// replyLowWater and replyHighWater bound how many spare reply blocks
	// this socket keeps minted for a peer it has messaged anonymously,
	// matching spec.md's "high-water mark that triggers refill".
	replyLowWater  = 4
	replyHighWater = 8

	recvQueueDepth = 256
)

// Config is the fixed identity and routing parameters a bound N2RSocket
// uses for every send_to call.
type Config struct {
	// Self is this node's own relay fingerprint, the source vertex path
	// search starts from.
	Self crypt.Fingerprint
	// OnionKey is this node's own onion DH public key, used as the final
	// hop when minting reply blocks routed back to this socket.
	OnionKey crypt.OnionPublic
	// Identity is the fingerprint this socket advertises as its sender
	// endpoint. For an ordinary bind this equals Self; an anonymous bind
	// uses a throwaway identity with no graph vertex of its own.
	Identity crypt.Fingerprint
	// Dock is the local dock to bind; 0 auto-picks an ephemeral one.
	Dock crypt.Dock
	// Anonymous marks this socket's Identity as unreachable by a direct
	// onion path, so outgoing messages piggyback reply blocks for peers
	// to use when answering.
	Anonymous bool
	// PathMin/PathMax bound onion path length, matching the configured
	// "onion path length bounds" of the external config file.
	PathMin, PathMax int
}

// ReceivedMsg is one payload recv_from yields: the application body plus
// the apparent endpoint it arrived from (never the physical route).
type ReceivedMsg struct {
	Body []byte
	From crypt.Endpoint
}

type seedEntry struct {
	seed []byte
	peer crypt.Endpoint
}

// N2RSocket is the anonymous node-to-relay datagram endpoint: bind once,
// then send_to/recv_from freely. It owns its receive queue and reply-block
// pool exclusively but shares the LinkNode send path and Dispatcher with
// every other socket bound on the process.
type N2RSocket struct {
	cfg        Config
	node       *linknode.LinkNode
	graph      *graph.RelayGraph
	dispatcher *Dispatcher

	pool *replyPool

	seedsMu sync.Mutex
	seeds   map[[16]byte]seedEntry

	recvCh chan ReceivedMsg
	quit   chan struct{}
}

// Bind reserves cfg.Identity/cfg.Dock (auto-picking an ephemeral dock if
// cfg.Dock is 0) and registers the resulting socket with dispatcher so
// inbound traffic for that dock reaches it. Fails with errs.ErrDockInUse on
// collision.
func Bind(node *linknode.LinkNode, g *graph.RelayGraph, dispatcher *Dispatcher, cfg Config) (*N2RSocket, error) {
	dock, err := dispatcher.registry.bind(cfg.Identity, cfg.Dock)
	if err != nil {
		return nil, err
	}
	cfg.Dock = dock

	s := &N2RSocket{
		cfg:        cfg,
		node:       node,
		graph:      g,
		dispatcher: dispatcher,
		pool:       newReplyPool(),
		seeds:      make(map[[16]byte]seedEntry),
		recvCh:     make(chan ReceivedMsg, recvQueueDepth),
		quit:       make(chan struct{}),
	}
	dispatcher.bindDock(dock, s)
	return s, nil
}

// Dock reports the local dock this socket ended up bound to.
func (s *N2RSocket) Dock() crypt.Dock { return s.cfg.Dock }

// Endpoint returns the apparent (identity, dock) endpoint this socket
// advertises as its sender address.
func (s *N2RSocket) Endpoint() crypt.Endpoint {
	return crypt.NewEndpoint(s.cfg.Identity, s.cfg.Dock)
}

// SendTo selects a forward onion path of configured length to endpoint and
// ships body, falling back to a held reply block when no direct path
// exists (endpoint is itself an anonymous identity this socket only knows
// how to reach via a block it was given).
func (s *N2RSocket) SendTo(ctx context.Context, body []byte, endpoint crypt.Endpoint) error {
	hops, ok := s.buildForwardHops(endpoint.Fingerprint)
	if !ok {
		return s.sendViaPool(ctx, endpoint, body)
	}

	var piggyback []*onion.ReplyBlock
	if s.cfg.Anonymous {
		piggyback = s.mintRefillBlocks(hops, endpoint)
	}

	env := envelope{destDock: uint16(endpoint.Dock), replyBlocks: piggyback, body: body}
	payload := encodeEnvelope(env)
	fromTag := s.Endpoint().Bytes()

	pkt, err := onion.Build(hops, fromTag, payload)
	if err != nil {
		return err
	}
	return s.node.Send(ctx, hops[0].Fingerprint, pkt)
}

func (s *N2RSocket) sendViaPool(ctx context.Context, peer crypt.Endpoint, body []byte) error {
	opt := s.pool.Take(peer)
	if opt.IsNone() {
		return errs.ErrNoRoute
	}
	rb := opt.UnsafeFromSome()

	slot := make([]byte, onion.PayloadSlotSize)
	copy(slot, body)
	return s.node.SendReply(ctx, rb.FirstHop, rb.Header, slot)
}

// buildForwardHops picks the first candidate path of length within
// [PathMin, PathMax] from s.Self to dst, resolving each hop's onion key
// from the graph. ok is false if dst is unreachable (no graph vertex, or
// no path short enough).
func (s *N2RSocket) buildForwardHops(dst crypt.Fingerprint) ([]onion.Hop, bool) {
	candidates := s.graph.Path(s.cfg.Self, dst, s.cfg.PathMax)
	for _, c := range candidates {
		if len(c) < s.cfg.PathMin {
			continue
		}
		hops := make([]onion.Hop, 0, len(c))
		ok := true
		for _, fp := range c {
			v, found := s.graph.Vertex(fp)
			if !found {
				ok = false
				break
			}
			hops = append(hops, onion.Hop{Fingerprint: fp, OnionKey: v.OnionKey})
		}
		if ok {
			return hops, true
		}
	}
	return nil, false
}

// mintRefillBlocks tops up the reply blocks given to peer up to
// replyHighWater whenever this socket's outstanding count for peer has
// fallen below replyLowWater, piggybacked on an ordinary send so no extra
// round trip is needed; ties the spec's "proactively sends a ... message
// carrying fresh blocks" to traffic this socket is already generating.
func (s *N2RSocket) mintRefillBlocks(forwardHops []onion.Hop, peer crypt.Endpoint) []*onion.ReplyBlock {
	s.seedsMu.Lock()
	outstanding := 0
	for _, e := range s.seeds {
		if e.peer == peer {
			outstanding++
		}
	}
	s.seedsMu.Unlock()

	if outstanding >= replyLowWater {
		return nil
	}

	replyPath := make([]onion.Hop, 0, len(forwardHops))
	for i := len(forwardHops) - 2; i >= 0; i-- {
		replyPath = append(replyPath, forwardHops[i])
	}
	replyPath = append(replyPath, onion.Hop{Fingerprint: s.cfg.Self, OnionKey: s.cfg.OnionKey})

	var blocks []*onion.ReplyBlock
	for i := outstanding; i < replyHighWater; i++ {
		rb, seed, err := onion.Mint(replyPath)
		if err != nil {
			break
		}
		s.seedsMu.Lock()
		s.seeds[rb.ID] = seedEntry{seed: seed, peer: peer}
		s.seedsMu.Unlock()
		s.dispatcher.registerReply(rb.ID, s)
		blocks = append(blocks, rb)
	}
	return blocks
}

// KeepAlive proactively sends a zero-byte message to peer purely to
// refresh its reply-block stock, for use when no organic traffic is
// flowing to piggyback on.
func (s *N2RSocket) KeepAlive(ctx context.Context, peer crypt.Endpoint) error {
	return s.SendTo(ctx, nil, peer)
}

// RecvFrom blocks until a message is delivered to this socket's dock or
// ctx is canceled.
func (s *N2RSocket) RecvFrom(ctx context.Context) (ReceivedMsg, error) {
	select {
	case msg := <-s.recvCh:
		return msg, nil
	case <-ctx.Done():
		return ReceivedMsg{}, ctx.Err()
	case <-s.quit:
		return ReceivedMsg{}, errs.New(errs.CodeInvalid, "socket closed")
	}
}

func (s *N2RSocket) handleDeliver(ctx context.Context, src crypt.Endpoint, env envelope) {
	if len(env.replyBlocks) > 0 {
		s.pool.Add(src, env.replyBlocks)
	}
	select {
	case s.recvCh <- ReceivedMsg{Body: env.body, From: src}:
	case <-s.quit:
	}
}

func (s *N2RSocket) handleReplyDeliver(ctx context.Context, id [16]byte, payload []byte) {
	s.seedsMu.Lock()
	entry, ok := s.seeds[id]
	delete(s.seeds, id)
	s.seedsMu.Unlock()
	s.dispatcher.unregisterReply(id)
	if !ok {
		return
	}

	recovered := onion.Unseal(payload, entry.seed)
	select {
	case s.recvCh <- ReceivedMsg{Body: recovered, From: entry.peer}:
	case <-s.quit:
	}
}

// Close unbinds the socket's dock so later traffic addressed to it is
// dropped by the Dispatcher.
func (s *N2RSocket) Close() {
	select {
	case <-s.quit:
		return
	default:
		close(s.quit)
	}
	s.dispatcher.unbindDock(s.cfg.Dock)
	s.dispatcher.registry.release(s.cfg.Identity, s.cfg.Dock)
}
