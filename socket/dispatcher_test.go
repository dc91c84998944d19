package socket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/onion"
)

// testSocket builds a bare N2RSocket sufficient to exercise Dispatcher
// demuxing, without a real LinkNode or graph behind it.
func testSocket(t *testing.T, identity crypt.Fingerprint, dock crypt.Dock) *N2RSocket {
	t.Helper()
	return &N2RSocket{
		cfg:    Config{Identity: identity, Dock: dock},
		pool:   newReplyPool(),
		seeds:  make(map[[16]byte]seedEntry),
		recvCh: make(chan ReceivedMsg, 4),
		quit:   make(chan struct{}),
	}
}

func TestDispatcherRoutesByDestDock(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	self := randomFingerprint(t)
	sock := testSocket(t, self, 50)
	d.bindDock(50, sock)

	sender := crypt.NewEndpoint(randomFingerprint(t), 9)
	env := envelope{destDock: 50, body: []byte("hi")}

	d.Deliver(context.Background(), onion.PeelResult{
		Kind:    onion.PeelDeliver,
		FromTag: sender.Bytes(),
		Payload: encodeEnvelope(env),
	})

	select {
	case msg := <-sock.recvCh:
		require.Equal(t, []byte("hi"), msg.Body)
		require.Equal(t, sender, msg.From)
	case <-time.After(time.Second):
		t.Fatal("message never reached the bound socket")
	}
}

func TestDispatcherDropsUndeliverableDock(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	env := envelope{destDock: 999, body: []byte("nobody home")}

	// Should not panic even though no socket is bound at dock 999.
	d.Deliver(context.Background(), onion.PeelResult{
		Kind:    onion.PeelDeliver,
		FromTag: crypt.NewEndpoint(randomFingerprint(t), 1).Bytes(),
		Payload: encodeEnvelope(env),
	})
}

func TestDispatcherRoutesReplyByID(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	sock := testSocket(t, randomFingerprint(t), 0)

	peer := crypt.NewEndpoint(randomFingerprint(t), 5)
	var id [16]byte
	copy(id[:], []byte("0123456789abcdef"))
	sock.seeds[id] = seedEntry{seed: make([]byte, onion.PayloadSlotSize), peer: peer}
	d.registerReply(id, sock)

	d.Deliver(context.Background(), onion.PeelResult{
		Kind:    onion.PeelReplyDeliver,
		ReplyID: id[:],
		Payload: make([]byte, onion.PayloadSlotSize),
	})

	select {
	case msg := <-sock.recvCh:
		require.Equal(t, peer, msg.From)
	case <-time.After(time.Second):
		t.Fatal("reply never reached the minting socket")
	}

	d.mu.RLock()
	_, stillRegistered := d.byReply[id]
	d.mu.RUnlock()
	require.False(t, stillRegistered)
}
