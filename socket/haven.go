package socket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/errs"
	"github.com/earendil-go/earendil/onion"
	"github.com/earendil-go/earendil/record"
)

const (
	registerAttemptTimeout = 30 * time.Second
	registerRetryDelay     = 1 * time.Second
	registerRefreshPeriod  = 50 * time.Minute
)

// DHT is the capability HavenSocket needs from the DHT layer: publish this
// server's locator, or look one up for a client send. Kept as a local
// interface, the same import-cycle-avoidance pattern link.Settler and
// dht.RPCClient use, so socket doesn't need to import package dht directly.
type DHT interface {
	Insert(ctx context.Context, loc record.HavenLocator) error
	Lookup(ctx context.Context, key crypt.Fingerprint) (record.HavenLocator, error)
}

// RendezvousRPC is the GlobalRPC call a haven server issues to ask a relay
// to forward haven traffic on its behalf.
type RendezvousRPC interface {
	RegisterHaven(ctx context.Context, rendezvous crypt.Fingerprint, req RegisterHavenReq) error
}

// RegisterHavenReq is the alloc_forward request body, JSON-encoded over
// GlobalRPC the way the teacher's original_source counterpart serialized
// with serde_json.
type RegisterHavenReq struct {
	Identity crypt.Fingerprint `json:"identity"`
	OnionKey []byte            `json:"onion_key"`
	Dock     crypt.Dock        `json:"dock"`
}

// havenMessage is the inner (body, endpoint) pair a HavenSocket wraps
// before handing it to the underlying N2RSocket; its own wire framing is
// independent of, and nested inside, the N2R envelope.
type havenMessage struct {
	Body     []byte
	Endpoint crypt.Endpoint
}

func encodeHavenMessage(m havenMessage) []byte {
	out := make([]byte, 0, crypt.FingerprintSize+2+len(m.Body))
	out = append(out, m.Endpoint.Bytes()...)
	out = append(out, m.Body...)
	return out
}

func decodeHavenMessage(b []byte) (havenMessage, error) {
	if len(b) < crypt.FingerprintSize+2 {
		return havenMessage{}, errs.ErrHavenMsgBadFormat
	}
	ep, err := crypt.EndpointFromBytes(b[:crypt.FingerprintSize+2])
	if err != nil {
		return havenMessage{}, errs.Wrap(errs.CodeHavenMsgBadFormat, "decoding endpoint", err)
	}
	return havenMessage{Endpoint: ep, Body: append([]byte(nil), b[crypt.FingerprintSize+2:]...)}, nil
}

// HavenSocket layers rendezvous registration and forwarding on top of an
// N2RSocket. BindServer makes it a server: once started it registers and
// republishes into the DHT on a loop. BindClient makes it a client:
// send_to resolves the peer's rendezvous via DHT lookup and forwards
// through it.
type HavenSocket struct {
	n2r         *N2RSocket
	dht         DHT
	rpc         RendezvousRPC
	identity    crypt.IdentitySecret
	onionSecret crypt.OnionSecret

	rendezvous crypt.Fingerprint // zero for client-role sockets
	isServer   bool

	started int32
	quit    chan struct{}
	wg      sync.WaitGroup
}

// BindServer creates a server-role HavenSocket: it registers with
// rendezvous via rpc and republishes its HavenLocator into dht until
// Close is called. onionSecret must be the secret half of the onion key
// advertised in this haven's own HavenLocator, so RecvFrom can open
// payloads sealed to it.
func BindServer(n2r *N2RSocket, dht DHT, rpc RendezvousRPC, identity crypt.IdentitySecret, onionSecret crypt.OnionSecret, rendezvous crypt.Fingerprint) *HavenSocket {
	h := &HavenSocket{
		n2r:         n2r,
		dht:         dht,
		rpc:         rpc,
		identity:    identity,
		onionSecret: onionSecret,
		rendezvous:  rendezvous,
		isServer:    true,
		quit:        make(chan struct{}),
	}
	return h
}

// BindClient creates a client-role HavenSocket: send_to resolves the
// destination's rendezvous via dht before forwarding. onionSecret is the
// secret half of this socket's own onion key, needed to open replies and
// any haven traffic delivered back to it.
func BindClient(n2r *N2RSocket, dht DHT, onionSecret crypt.OnionSecret) *HavenSocket {
	return &HavenSocket{n2r: n2r, dht: dht, onionSecret: onionSecret, quit: make(chan struct{})}
}

// Start launches the server registration loop. A no-op for client-role
// sockets.
func (h *HavenSocket) Start() {
	if !h.isServer {
		return
	}
	if !atomic.CompareAndSwapInt32(&h.started, 0, 1) {
		return
	}
	h.wg.Add(1)
	go h.registerLoop()
}

// registerLoop never terminates while the socket is live, per spec.md
// §4.6: on success it sleeps the full refresh period, on failure it backs
// off 1s and retries, modeled on healthcheck.Monitor's quit-channel-driven
// per-check goroutine.
func (h *HavenSocket) registerLoop() {
	defer h.wg.Done()

	for {
		if err := h.registerOnce(); err != nil {
			log.Debugf("haven %s: registration with rendezvous %s failed, retrying in %v: %v",
				h.identity.Fingerprint(), h.rendezvous, registerRetryDelay, err)
			select {
			case <-time.After(registerRetryDelay):
				continue
			case <-h.quit:
				return
			}
		}
		log.Debugf("haven %s: registered with rendezvous %s", h.identity.Fingerprint(), h.rendezvous)

		select {
		case <-time.After(registerRefreshPeriod):
		case <-h.quit:
			return
		}
	}
}

func (h *HavenSocket) registerOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), registerAttemptTimeout)
	defer cancel()

	req := RegisterHavenReq{
		Identity: h.identity.Fingerprint(),
		OnionKey: h.n2r.cfg.OnionKey.Bytes(),
		Dock:     h.n2r.Dock(),
	}
	if err := h.rpc.RegisterHaven(ctx, h.rendezvous, req); err != nil {
		return err
	}

	loc := record.HavenLocator{
		Identity:   h.identity.Fingerprint(),
		OnionKey:   h.n2r.cfg.OnionKey,
		Rendezvous: h.rendezvous,
	}
	loc.Sign(h.identity)
	return h.dht.Insert(ctx, loc)
}

// SendTo resolves endpoint.Fingerprint's rendezvous via DHT (client role)
// and forwards the wrapped (body, endpoint) pair there; a server-role
// socket can also originate messages this way using its own known peers.
// body is sealed to the recipient's onion key (the same key advertised in
// its HavenLocator) before handing it to the rendezvous relay, so the
// forwarding relay - which only ever sees the Endpoint it dispatches on -
// never sees the haven application payload in the clear.
func (h *HavenSocket) SendTo(ctx context.Context, body []byte, endpoint crypt.Endpoint) error {
	loc, err := h.dht.Lookup(ctx, endpoint.Fingerprint)
	if err != nil {
		return fmt.Errorf("haven: resolving rendezvous for %s: %w", endpoint, err)
	}

	sealed, err := onion.SealToPeer(loc.OnionKey, body)
	if err != nil {
		return fmt.Errorf("haven: sealing payload to %s: %w", endpoint, err)
	}

	inner := encodeHavenMessage(havenMessage{Body: sealed.Encode(), Endpoint: endpoint})
	rendezvousEp := crypt.NewEndpoint(loc.Rendezvous, HavenForwardDock)
	return h.n2r.SendTo(ctx, inner, rendezvousEp)
}

// RecvFrom yields the next haven message delivered to the underlying
// N2RSocket, decoded back into its (body, endpoint) pair and opened against
// this socket's own onion secret. A decode or decryption failure surfaces as
// a dropped delivery rather than an error, matching "dropped, logged" in the
// error policy - it is retried on the next delivery instead of returned.
func (h *HavenSocket) RecvFrom(ctx context.Context) (ReceivedMsg, error) {
	for {
		msg, err := h.n2r.RecvFrom(ctx)
		if err != nil {
			return ReceivedMsg{}, err
		}
		inner, err := decodeHavenMessage(msg.Body)
		if err != nil {
			log.Debugf("haven: dropping malformed message: %v", err)
			continue
		}
		pkt, err := onion.DecodePacket(inner.Body)
		if err != nil {
			log.Debugf("haven: dropping message from %s: bad packet: %v", inner.Endpoint, err)
			continue
		}
		plain, err := onion.OpenFromPeer(pkt, h.onionSecret)
		if err != nil {
			log.Debugf("haven: dropping message from %s: %v", inner.Endpoint, err)
			continue
		}
		return ReceivedMsg{Body: plain, From: inner.Endpoint}, nil
	}
}

// Close stops the registration loop, if any, and the underlying N2RSocket.
func (h *HavenSocket) Close() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
	h.wg.Wait()
	h.n2r.Close()
}
