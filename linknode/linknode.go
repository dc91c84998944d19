package linknode

import (
	"context"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/queue"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/errs"
	"github.com/earendil-go/earendil/link"
	"github.com/earendil-go/earendil/linkstore"
	"github.com/earendil-go/earendil/onion"
)

// Dialer opens a fresh transport to a relay's first hop, used by Send when
// the link table has no existing Link and the destination is dialable
// (an out-route target, in spec terms).
type Dialer interface {
	Dial(ctx context.Context, fp crypt.Fingerprint) (link.Transport, error)
}

// DeliverFunc receives onion peel results addressed to this node: either a
// Forward payload from an anonymous sender or a Backward reply-block
// payload. The socket layer registers one of these per process to route
// results into its IncomingMsg queues.
type DeliverFunc func(ctx context.Context, result onion.PeelResult)

// LinkNode is the process-wide owner of every Link: it demuxes outgoing
// sends to the right neighbor (dialing on demand) and pumps each Link's
// incoming frames through the OnionRouter, forwarding or delivering the
// peeled result.
type LinkNode struct {
	mu sync.RWMutex

	table  *shardedLinkTable
	health *healthTracker

	secret  crypt.OnionSecret
	store   *linkstore.Store
	dialer  Dialer
	info    link.PaymentInfo
	settler link.Settler
	deliver DeliverFunc

	incoming *queue.ConcurrentQueue

	wg   sync.WaitGroup
	quit chan struct{}
}

func New(secret crypt.OnionSecret, store *linkstore.Store, dialer Dialer, info link.PaymentInfo, settler link.Settler, deliver DeliverFunc) *LinkNode {
	n := &LinkNode{
		table:    newShardedLinkTable(),
		health:   newHealthTracker(),
		secret:   secret,
		store:    store,
		dialer:   dialer,
		info:     info,
		settler:  settler,
		deliver:  deliver,
		incoming: queue.NewConcurrentQueue(64),
		quit:     make(chan struct{}),
	}
	n.incoming.Start()
	n.wg.Add(1)
	go n.runDeliveryLoop()
	return n
}

// RegisterLink adopts an already-handshaken Link (constructed by the
// caller after verifying the neighbor's fingerprint proof) into the table
// and starts pumping its incoming frames.
func (n *LinkNode) RegisterLink(l *link.Link) {
	n.table.Put(l.Neighbor(), l)
	n.wg.Add(1)
	go n.pump(l)
}

// Send picks the Link to neighbor and writes pkt to it, dialing a fresh
// Link first if none exists and the neighbor isn't in its failure
// cooldown. It fails with errs.ErrNoRoute if no link exists and none can
// be dialed.
func (n *LinkNode) Send(ctx context.Context, next crypt.Fingerprint, pkt *onion.Packet) error {
	neighbor := crypt.RelayNeighbor(next)

	l, ok := n.table.Get(neighbor)
	if !ok {
		var err error
		l, err = n.dial(ctx, neighbor, next)
		if err != nil {
			return err
		}
	}

	if err := l.Send(ctx, pkt); err != nil {
		log.Debugf("linknode: send to %v failed, dropping link: %v", neighbor, err)
		n.health.RecordFailure(neighbor)
		n.table.Delete(neighbor)
		return fmt.Errorf("linknode: sending to %s: %w", neighbor, err)
	}
	n.health.RecordSuccess(neighbor)
	return nil
}

// SendReply writes a reply-block packet plus its trailing payload slot to
// neighbor, dialing on demand the same way Send does. Intermediate hops
// call this to forward a reply after PeelReply reports Forward; the
// minter's socket layer never calls it directly (replies travel toward the
// minter, not away from it).
func (n *LinkNode) SendReply(ctx context.Context, next crypt.Fingerprint, pkt *onion.Packet, slot []byte) error {
	neighbor := crypt.RelayNeighbor(next)

	l, ok := n.table.Get(neighbor)
	if !ok {
		var err error
		l, err = n.dial(ctx, neighbor, next)
		if err != nil {
			return err
		}
	}

	if err := l.SendReply(ctx, pkt, slot); err != nil {
		n.health.RecordFailure(neighbor)
		n.table.Delete(neighbor)
		return fmt.Errorf("linknode: sending reply to %s: %w", neighbor, err)
	}
	n.health.RecordSuccess(neighbor)
	return nil
}

func (n *LinkNode) dial(ctx context.Context, neighbor crypt.NeighborID, fp crypt.Fingerprint) (*link.Link, error) {
	if n.dialer == nil || n.health.InCooldown(neighbor) {
		return nil, errs.ErrNoRoute
	}

	transport, err := n.dialer.Dial(ctx, fp)
	if err != nil {
		log.Debugf("linknode: dial to %v (%v) failed: %v", neighbor, fp, err)
		n.health.RecordFailure(neighbor)
		return nil, errs.Wrap(errs.CodeNoRoute, "dial failed", err)
	}
	log.Debugf("linknode: dialed fresh link to %v (%v)", neighbor, fp)

	l := link.New(neighbor, transport, n.info, n.store, n.settler)
	n.RegisterLink(l)
	return l, nil
}

// pump continuously reads frames off l, peels them, and either forwards
// the remainder or hands the delivered payload to the incoming queue,
// until l errors out or the LinkNode is closed.
func (n *LinkNode) pump(l *link.Link) {
	defer n.wg.Done()

	ctx := context.Background()
	for {
		select {
		case <-n.quit:
			return
		default:
		}

		frame, err := l.RecvRaw(ctx)
		if err != nil {
			n.health.RecordFailure(l.Neighbor())
			n.table.Delete(l.Neighbor())
			return
		}

		marker, pkt, slot, err := onion.DecodeFrame(frame)
		if err != nil {
			continue
		}

		if marker == onion.FrameReply {
			n.handleReplyFrame(ctx, pkt, slot)
			continue
		}

		result, err := onion.Peel(pkt, n.secret, n.nonceChecker(l.Neighbor()))
		if err != nil || result.Kind == onion.PeelInvalid {
			continue
		}

		switch result.Kind {
		case onion.PeelForward:
			go func(r onion.PeelResult) {
				if sendErr := n.Send(ctx, r.NextHop, r.Remainder); sendErr != nil {
					n.table.Delete(crypt.RelayNeighbor(r.NextHop))
				}
			}(result)
		case onion.PeelDeliver:
			n.incoming.ChanIn() <- result
		}
	}
}

// handleReplyFrame peels one hop off a reply packet and either forwards the
// remainder toward the minter or, once this node is the minter itself,
// pushes the still-XORed payload onto the incoming queue for the socket
// layer to Unseal against its stored seedTotal.
func (n *LinkNode) handleReplyFrame(ctx context.Context, pkt *onion.Packet, slot []byte) {
	result, newSlot, err := onion.PeelReply(pkt, slot, n.secret)
	if err != nil {
		return
	}

	if result.Forward {
		go func() {
			if sendErr := n.SendReply(ctx, result.NextHop, result.Remainder, newSlot); sendErr != nil {
				n.table.Delete(crypt.RelayNeighbor(result.NextHop))
			}
		}()
		return
	}

	n.incoming.ChanIn() <- onion.PeelResult{
		Kind:    onion.PeelReplyDeliver,
		ReplyID: append([]byte(nil), result.ID[:]...),
		Payload: result.Payload,
	}
}

func (n *LinkNode) nonceChecker(neighbor crypt.NeighborID) onion.NonceChecker {
	return func(nonce uint64) (bool, error) {
		return n.store.CheckAndSetNonce(neighbor, nonce)
	}
}

// runDeliveryLoop drains the incoming queue into the registered
// DeliverFunc, decoupling per-link pump goroutines from however slow the
// socket layer is to consume a batch.
func (n *LinkNode) runDeliveryLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.quit:
			return
		case item, ok := <-n.incoming.ChanOut():
			if !ok {
				return
			}
			result := item.(onion.PeelResult)
			if n.deliver != nil {
				n.deliver(context.Background(), result)
			}
		}
	}
}

// Close tears down every registered Link and stops the delivery loop.
func (n *LinkNode) Close() error {
	close(n.quit)
	n.table.Range(func(_ crypt.NeighborID, l *link.Link) {
		l.Close()
	})
	n.incoming.Stop()
	n.wg.Wait()
	return nil
}
