package grpcrpc

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/errs"
	"github.com/earendil-go/earendil/record"
	"github.com/earendil-go/earendil/socket"
)

// maxAttempts bounds the exponential backoff schedule: attempt i (0
// indexed) waits up to 2^(i+1) seconds for a response before resending,
// for a worst-case total wait of Σ 2^(i+1) seconds across the schedule.
const maxAttempts = 5

// Transport is the socket capability a Client needs: send a body to an
// endpoint and block for the next inbound message. Satisfied directly by
// *socket.N2RSocket; kept as an interface so tests can swap in a fake.
type Transport interface {
	SendTo(ctx context.Context, body []byte, endpoint crypt.Endpoint) error
	RecvFrom(ctx context.Context) (socket.ReceivedMsg, error)
}

// Client issues GlobalRPC calls against a peer's GlobalRPCDock, demuxing
// responses off a single shared socket by correlation ID the same way
// Dispatcher demuxes reply blocks by ID.
type Client struct {
	sock Transport

	mu      sync.Mutex
	pending map[[16]byte]chan responseFrame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient starts the background receive loop that demuxes responses
// arriving on sock and returns a ready-to-use Client.
func NewClient(sock Transport) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		sock:    sock,
		pending: make(map[[16]byte]chan responseFrame),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.wg.Add(1)
	go c.recvLoop()
	return c
}

// Close cancels the receive loop's context and waits for the loop to
// exit. The underlying socket is the caller's to close.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Client) recvLoop() {
	defer c.wg.Done()
	for {
		msg, err := c.sock.RecvFrom(c.ctx)
		if err != nil {
			return
		}

		var resp responseFrame
		if err := json.Unmarshal(msg.Body, &resp); err != nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- resp
		}
	}
}

// Call issues method against dest's GlobalRPCDock, retrying on the
// 2^(n+1)-second exponential backoff schedule until a response arrives,
// ctx is canceled, or the schedule is exhausted. resp may be nil for
// calls with no response payload.
func (c *Client) Call(ctx context.Context, dest crypt.Fingerprint, method string, req, resp interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return errs.Wrap(errs.CodeRpcTransport, "marshaling request payload", err)
	}

	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		return errs.Wrap(errs.CodeRpcTransport, "generating request id", err)
	}

	body, err := json.Marshal(requestFrame{ID: id, Method: method, Payload: payload})
	if err != nil {
		return errs.Wrap(errs.CodeRpcTransport, "marshaling request frame", err)
	}

	ch := make(chan responseFrame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	endpoint := crypt.NewEndpoint(dest, socket.GlobalRPCDock)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if sendErr := c.sock.SendTo(ctx, body, endpoint); sendErr != nil {
			lastErr = sendErr
			log.Debugf("grpcrpc: %s to %s attempt %d/%d: send failed: %v",
				method, dest, attempt+1, maxAttempts, sendErr)
		} else {
			lastErr = nil
		}

		wait := time.Duration(1<<uint(attempt+1)) * time.Second
		timer := time.NewTimer(wait)

		select {
		case rf := <-ch:
			timer.Stop()
			if rf.Error != "" {
				log.Debugf("grpcrpc: %s to %s: remote error: %s", method, dest, rf.Error)
				return errs.Wrap(errs.CodeRpcTransport, "rpc call failed", errors.New(rf.Error))
			}
			if resp != nil {
				if err := json.Unmarshal(rf.Payload, resp); err != nil {
					return errs.Wrap(errs.CodeRpcTransport, "decoding response payload", err)
				}
			}
			return nil
		case <-timer.C:
			log.Debugf("grpcrpc: %s to %s attempt %d/%d timed out after %v, retrying",
				method, dest, attempt+1, maxAttempts, wait)
			continue
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	if lastErr != nil {
		return errs.Wrap(errs.CodeRpcTransport, "exhausted retry schedule", lastErr)
	}
	return errs.Wrap(errs.CodeRpcTransport, "exhausted retry schedule, no response", nil)
}

// RegisterHaven satisfies socket.RendezvousRPC.
func (c *Client) RegisterHaven(ctx context.Context, rendezvous crypt.Fingerprint, req socket.RegisterHavenReq) error {
	return c.Call(ctx, rendezvous, MethodRegisterHaven, req, nil)
}

// PutLocator satisfies dht.RPCClient.
func (c *Client) PutLocator(ctx context.Context, relay crypt.Fingerprint, loc record.HavenLocator) error {
	enc, err := record.EncodeHavenLocator(loc)
	if err != nil {
		return errs.Wrap(errs.CodeRpcTransport, "encoding locator", err)
	}
	return c.Call(ctx, relay, MethodPutLocator, PutLocatorReq{Locator: enc}, nil)
}

// GetLocator satisfies dht.RPCClient.
func (c *Client) GetLocator(ctx context.Context, relay, key crypt.Fingerprint) (record.HavenLocator, error) {
	var resp GetLocatorResp
	if err := c.Call(ctx, relay, MethodGetLocator, GetLocatorReq{Key: key}, &resp); err != nil {
		return record.HavenLocator{}, err
	}
	loc, err := record.DecodeHavenLocator(resp.Locator)
	if err != nil {
		return record.HavenLocator{}, errs.Wrap(errs.CodeRpcTransport, "decoding locator", err)
	}
	return loc, nil
}
