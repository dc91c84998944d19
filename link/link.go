// Package link implements Link: the payment/debt-gated transport session to
// one neighbor. Its state machine is modeled directly on the teacher's
// quiescence.Quiescer — a small struct of booleans/state plus closures for
// the side effects a state transition triggers (send a message, persist a
// balance, notify a waiter) — generalized from "are we quiescent yet" to
// "can we still send packets to this neighbor".
package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/linkstore"
	"github.com/earendil-go/earendil/onion"
	"github.com/earendil-go/earendil/record"
)

// State is one state of the Link lifecycle.
type State int

const (
	Handshaking State = iota
	Live
	Throttled
	Settling
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Live:
		return "live"
	case Throttled:
		return "throttled"
	case Settling:
		return "settling"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// PaymentInfo is the LinkPaymentInfo exchanged during handshake: the signed
// per-packet price, the debt ceiling before throttling kicks in, and the
// payment systems either side is willing to settle through.
type PaymentInfo struct {
	Price      int64 // positive means the sender owes the receiver
	DebtLimit  int64
	Paysystems []record.PaysystemNameAddr
}

// Transport is the framed duplex byte-stream a Link rides on: a dialed or
// accepted connection capable of sending and receiving whole onion wire
// frames. Production implementations wrap a libp2p stream; tests use an
// in-memory pipe.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Settler is the capability a Link uses to move the needle on an
// out-of-band debt settlement when Throttled, supplied by the paysystem
// package's Selector so this package doesn't import it directly and create
// a cycle (paysystem depends on link's PaymentInfo type, not vice versa).
type Settler interface {
	Settle(ctx context.Context, neighbor crypt.NeighborID, amount int64, info PaymentInfo) error
}

const (
	// throttleMargin moves the throttle floor (-DebtLimit) and the settle
	// ceiling (+DebtLimit) inward by the same amount. Resuming Live uses
	// the same floor and ceiling, so there is no separate hysteresis band;
	// at 0 both thresholds sit exactly at the debt limit.
	throttleMargin = 0
	// closeGracePeriod is how long a Link may remain over its debt limit
	// before CheckGrace forces it Closed.
	closeGracePeriod = 60 * time.Second
	// maxSettleFailures is the number of consecutive settlement failures
	// before a Settling link gives up and transitions to Closed.
	maxSettleFailures = 3
)

// Link is the owned transport + debt-accounting session to one neighbor.
type Link struct {
	mu sync.Mutex

	neighbor  crypt.NeighborID
	transport Transport
	info      PaymentInfo
	store     *linkstore.Store
	settler   Settler

	state          State
	overLimitSince time.Time
	settleFailures int
}

// New creates a Link already past handshake (the handshake itself is
// orchestrated by the LinkNode, which owns dialing/accepting and proof
// verification before constructing a Link).
func New(neighbor crypt.NeighborID, transport Transport, info PaymentInfo, store *linkstore.Store, settler Settler) *Link {
	return &Link{
		neighbor:  neighbor,
		transport: transport,
		info:      info,
		store:     store,
		settler:   settler,
		state:     Live,
	}
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) Neighbor() crypt.NeighborID { return l.neighbor }

// Send debits the local balance by info.Price and writes pkt's wire frame.
// It refuses to send while Throttled, Settling, or Closed.
func (l *Link) Send(ctx context.Context, pkt *onion.Packet) error {
	frame, err := onion.EncodeForwardFrame(pkt)
	if err != nil {
		return fmt.Errorf("link: encoding packet: %w", err)
	}
	return l.sendFrame(ctx, frame)
}

// SendReply writes pkt and its trailing payload slot as a marked reply
// frame, for forwarding a reply-block packet hop by hop.
func (l *Link) SendReply(ctx context.Context, pkt *onion.Packet, slot []byte) error {
	frame, err := onion.EncodeReplyFrame(pkt, slot)
	if err != nil {
		return fmt.Errorf("link: encoding reply packet: %w", err)
	}
	return l.sendFrame(ctx, frame)
}

func (l *Link) sendFrame(ctx context.Context, frame []byte) error {
	l.mu.Lock()
	if l.state != Live {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("link: cannot send to %s in state %s", l.neighbor, state)
	}
	l.mu.Unlock()

	if err := l.transport.Send(ctx, frame); err != nil {
		l.fail()
		return fmt.Errorf("link: transport send to %s: %w", l.neighbor, err)
	}

	bal, err := l.store.AddBalance(l.neighbor, -l.info.Price)
	if err != nil {
		return fmt.Errorf("link: recording debit: %w", err)
	}
	l.onBalanceChanged(ctx, bal)
	return nil
}

// Recv reads one wire frame and decodes it, debiting the remote's balance
// (our counterparty owes us for this inbound packet, same sign convention
// inverted).
func (l *Link) Recv(ctx context.Context) (*onion.Packet, error) {
	frame, err := l.recvFrame(ctx)
	if err != nil {
		return nil, err
	}

	marker, pkt, _, err := onion.DecodeFrame(frame)
	if err != nil {
		return nil, fmt.Errorf("link: decoding frame from %s: %w", l.neighbor, err)
	}
	if marker != onion.FrameForward {
		return nil, fmt.Errorf("link: unexpected reply frame from %s on Recv, use RecvRaw", l.neighbor)
	}
	return pkt, nil
}

// RecvRaw reads one frame without interpreting it as an onion.Packet,
// applying the same credit/last-seen bookkeeping as Recv. LinkNode uses
// this to read frames that may be either ordinary onion packets or reply
// packets with a trailing payload slot, dispatching on a leading marker
// byte it owns.
func (l *Link) RecvRaw(ctx context.Context) ([]byte, error) {
	return l.recvFrame(ctx)
}

func (l *Link) recvFrame(ctx context.Context) ([]byte, error) {
	frame, err := l.transport.Recv(ctx)
	if err != nil {
		l.fail()
		return nil, fmt.Errorf("link: transport recv from %s: %w", l.neighbor, err)
	}

	bal, err := l.store.AddBalance(l.neighbor, l.info.Price)
	if err != nil {
		return nil, fmt.Errorf("link: recording credit: %w", err)
	}
	l.onBalanceChanged(ctx, bal)

	if err := l.store.SetLastSeen(l.neighbor, time.Now().UnixNano()); err != nil {
		return nil, fmt.Errorf("link: recording last-seen: %w", err)
	}

	return frame, nil
}

// onBalanceChanged applies the Live/Throttled transition rules from the
// debt floor/ceiling described in the component design.
func (l *Link) onBalanceChanged(ctx context.Context, bal int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	floor := -l.info.DebtLimit + throttleMargin
	ceiling := l.info.DebtLimit - throttleMargin

	switch {
	case l.state == Live && bal < floor:
		log.Debugf("link %v: balance %d below floor %d, throttling", l.neighbor, bal, floor)
		l.state = Throttled
		l.overLimitSince = time.Now()
		go l.beginSettlement(ctx)

	case l.state == Live && bal > ceiling:
		log.Debugf("link %v: balance %d above ceiling %d, settling", l.neighbor, bal, ceiling)
		l.state = Settling
		go l.beginSettlement(ctx)

	case (l.state == Settling || l.state == Throttled) && bal >= floor && bal <= ceiling:
		log.Debugf("link %v: balance %d back within bounds, resuming", l.neighbor, bal)
		l.state = Live
		l.settleFailures = 0
	}
}

// beginSettlement drives Throttled -> Settling -> (Live | Closed), calling
// out to the neighbor's chosen PaymentSystem via Settler.
func (l *Link) beginSettlement(ctx context.Context) {
	l.mu.Lock()
	if l.state != Throttled && l.state != Settling {
		l.mu.Unlock()
		return
	}
	l.state = Settling
	info := l.info
	neighbor := l.neighbor
	l.mu.Unlock()

	bal, err := l.store.Balance(neighbor)
	if err != nil {
		return
	}

	if l.settler != nil {
		err = l.settler.Settle(ctx, neighbor, bal, info)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.settleFailures++
		log.Errorf("link %v: settlement attempt %d/%d failed: %v",
			l.neighbor, l.settleFailures, maxSettleFailures, err)
		if l.settleFailures >= maxSettleFailures {
			log.Warnf("link %v: too many settlement failures, closing", l.neighbor)
			l.state = Closed
			l.transport.Close()
			return
		}
		go l.beginSettlement(ctx)
		return
	}

	log.Debugf("link %v: settlement succeeded, resuming", l.neighbor)
	l.settleFailures = 0
	l.state = Live
}

// CheckGrace forces the Link Closed if it has sat outside the debt limit
// longer than closeGracePeriod. It acts only when called; LinkNode does not
// call it, so no periodic grace check runs.
func (l *Link) CheckGrace() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Throttled && l.state != Settling {
		return
	}
	if l.overLimitSince.IsZero() {
		return
	}
	if time.Since(l.overLimitSince) > closeGracePeriod {
		l.state = Closed
		l.transport.Close()
	}
}

func (l *Link) fail() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = Closed
	l.transport.Close()
}

// Close tears down the transport and marks the link Closed.
func (l *Link) Close() error {
	l.mu.Lock()
	l.state = Closed
	l.mu.Unlock()
	return l.transport.Close()
}
