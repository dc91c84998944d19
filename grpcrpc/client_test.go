package grpcrpc

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/record"
	"github.com/earendil-go/earendil/socket"
)

// fakeTransport is an in-memory duplex pipe satisfying grpcrpc.Transport,
// the same shape as the mock transports socket's and link's own tests use.
type fakeTransport struct {
	self     crypt.Fingerprint
	toPeer   chan socket.ReceivedMsg
	fromPeer chan socket.ReceivedMsg

	// dropFirstN silently discards the first N sends instead of
	// delivering them, for exercising Client's retry schedule.
	dropFirstN int32
}

func newFakeTransportPair(clientID, serverID crypt.Fingerprint) (*fakeTransport, *fakeTransport) {
	ab := make(chan socket.ReceivedMsg, 8)
	ba := make(chan socket.ReceivedMsg, 8)
	client := &fakeTransport{self: clientID, toPeer: ab, fromPeer: ba}
	server := &fakeTransport{self: serverID, toPeer: ba, fromPeer: ab}
	return client, server
}

func (f *fakeTransport) SendTo(ctx context.Context, body []byte, endpoint crypt.Endpoint) error {
	if atomic.LoadInt32(&f.dropFirstN) > 0 {
		atomic.AddInt32(&f.dropFirstN, -1)
		return nil
	}
	select {
	case f.toPeer <- socket.ReceivedMsg{Body: body, From: crypt.NewEndpoint(f.self, 0)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) RecvFrom(ctx context.Context) (socket.ReceivedMsg, error) {
	select {
	case m := <-f.fromPeer:
		return m, nil
	case <-ctx.Done():
		return socket.ReceivedMsg{}, ctx.Err()
	}
}

func randomFingerprint(t *testing.T) crypt.Fingerprint {
	t.Helper()
	id, err := crypt.GenerateIdentity()
	require.NoError(t, err)
	return id.Fingerprint()
}

type echoReq struct {
	Text string `json:"text"`
}

type echoResp struct {
	Text string `json:"text"`
}

func TestClientServerCallRoundTrip(t *testing.T) {
	t.Parallel()

	clientID, serverID := randomFingerprint(t), randomFingerprint(t)
	clientT, serverT := newFakeTransportPair(clientID, serverID)

	server := NewServer(serverT)
	server.Handle("Echo", func(ctx context.Context, from crypt.Endpoint, payload json.RawMessage) (interface{}, error) {
		var req echoReq
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return echoResp{Text: req.Text}, nil
	})
	server.Serve()
	defer server.Close()

	client := NewClient(clientT)
	defer client.Close()

	var resp echoResp
	err := client.Call(context.Background(), serverID, "Echo", echoReq{Text: "hi"}, &resp)
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Text)
}

func TestClientCallRetriesOnSilentDrop(t *testing.T) {
	t.Parallel()

	clientID, serverID := randomFingerprint(t), randomFingerprint(t)
	clientT, serverT := newFakeTransportPair(clientID, serverID)
	clientT.dropFirstN = 1 // first send never reaches the server

	server := NewServer(serverT)
	server.Handle("Echo", func(ctx context.Context, from crypt.Endpoint, payload json.RawMessage) (interface{}, error) {
		return echoResp{Text: "pong"}, nil
	})
	server.Serve()
	defer server.Close()

	client := NewClient(clientT)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var resp echoResp
	err := client.Call(ctx, serverID, "Echo", echoReq{Text: "hi"}, &resp)
	require.NoError(t, err)
	require.Equal(t, "pong", resp.Text)
}

func TestClientCallSurfacesUnknownMethodError(t *testing.T) {
	t.Parallel()

	clientID, serverID := randomFingerprint(t), randomFingerprint(t)
	clientT, serverT := newFakeTransportPair(clientID, serverID)

	server := NewServer(serverT)
	server.Serve()
	defer server.Close()

	client := NewClient(clientT)
	defer client.Close()

	err := client.Call(context.Background(), serverID, "NoSuchMethod", echoReq{}, nil)
	require.Error(t, err)
}

func TestClientPutGetLocatorRoundTrip(t *testing.T) {
	t.Parallel()

	clientID, serverID := randomFingerprint(t), randomFingerprint(t)
	clientT, serverT := newFakeTransportPair(clientID, serverID)

	var stored record.HavenLocator
	server := NewServer(serverT)
	server.Handle(MethodPutLocator, func(ctx context.Context, from crypt.Endpoint, payload json.RawMessage) (interface{}, error) {
		var req PutLocatorReq
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		loc, err := record.DecodeHavenLocator(req.Locator)
		if err != nil {
			return nil, err
		}
		stored = loc
		return nil, nil
	})
	server.Handle(MethodGetLocator, func(ctx context.Context, from crypt.Endpoint, payload json.RawMessage) (interface{}, error) {
		enc, err := record.EncodeHavenLocator(stored)
		if err != nil {
			return nil, err
		}
		return GetLocatorResp{Locator: enc}, nil
	})
	server.Serve()
	defer server.Close()

	client := NewClient(clientT)
	defer client.Close()

	id, err := crypt.GenerateIdentity()
	require.NoError(t, err)
	onionSecret, err := crypt.GenerateOnionSecret()
	require.NoError(t, err)

	loc := record.HavenLocator{
		Identity:   id.Fingerprint(),
		OnionKey:   onionSecret.Public(),
		Rendezvous: serverID,
	}
	loc.Sign(id)

	require.NoError(t, client.PutLocator(context.Background(), serverID, loc))

	got, err := client.GetLocator(context.Background(), serverID, id.Fingerprint())
	require.NoError(t, err)
	require.True(t, got.Verify())
	require.Equal(t, loc.Identity, got.Identity)
}
