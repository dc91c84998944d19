package socket

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/graph"
	"github.com/earendil-go/earendil/link"
	"github.com/earendil-go/earendil/linknode"
	"github.com/earendil-go/earendil/linkstore"
)

// mockTransport is the same in-memory duplex pipe used by link's and
// linknode's own tests.
type mockTransport struct {
	out, in chan []byte
	closed  chan struct{}
}

func newMockTransportPair() (*mockTransport, *mockTransport) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	a := &mockTransport{out: ab, in: ba, closed: make(chan struct{})}
	b := &mockTransport{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (m *mockTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case m.out <- frame:
		return nil
	case <-m.closed:
		return context.Canceled
	}
}

func (m *mockTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case f := <-m.in:
		return f, nil
	case <-m.closed:
		return nil, context.Canceled
	}
}

func (m *mockTransport) Close() error {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	return nil
}

// testPeer bundles one node's worth of identity, LinkNode and Dispatcher
// for the two-node wiring below.
type testPeer struct {
	id         crypt.IdentitySecret
	onionKey   crypt.OnionSecret
	node       *linknode.LinkNode
	dispatcher *Dispatcher
	graph      *graph.RelayGraph
}

func newTestPeer(t *testing.T, g *graph.RelayGraph) *testPeer {
	t.Helper()

	id, err := crypt.GenerateIdentity()
	require.NoError(t, err)
	onionSecret, err := crypt.GenerateOnionSecret()
	require.NoError(t, err)

	store, err := linkstore.Open(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dispatcher := NewDispatcher()
	info := link.PaymentInfo{Price: 1, DebtLimit: 1000}
	node := linknode.New(onionSecret, store, nil, info, nil, dispatcher.Deliver)
	t.Cleanup(func() { node.Close() })

	g.AddVertex(graph.Vertex{Fingerprint: id.Fingerprint(), OnionKey: onionSecret.Public()})

	return &testPeer{id: id, onionKey: onionSecret, node: node, dispatcher: dispatcher, graph: g}
}

// wireDirect connects a and b with a live link over an in-memory transport
// pair, the same way linknode's own delivery test does.
func wireDirect(t *testing.T, a, b *testPeer) {
	t.Helper()

	tA, tB := newMockTransportPair()
	info := link.PaymentInfo{Price: 1, DebtLimit: 1000}

	storeA, err := linkstore.Open(filepath.Join(t.TempDir(), "la.db"))
	require.NoError(t, err)
	t.Cleanup(func() { storeA.Close() })
	storeB, err := linkstore.Open(filepath.Join(t.TempDir(), "lb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { storeB.Close() })

	linkA := link.New(crypt.RelayNeighbor(b.id.Fingerprint()), tA, info, storeA, nil)
	linkB := link.New(crypt.RelayNeighbor(a.id.Fingerprint()), tB, info, storeB, nil)

	a.node.RegisterLink(linkA)
	b.node.RegisterLink(linkB)

	require.NoError(t, a.graph.InsertEdge(graph.Edge{A: a.id.Fingerprint(), B: b.id.Fingerprint()}))
}

func TestN2RSocketDirectSendRecvRoundTrip(t *testing.T) {
	t.Parallel()

	g := graph.New()
	alice := newTestPeer(t, g)
	bob := newTestPeer(t, g)
	wireDirect(t, alice, bob)

	aSock, err := Bind(alice.node, g, alice.dispatcher, Config{
		Self: alice.id.Fingerprint(), OnionKey: alice.onionKey.Public(),
		Identity: alice.id.Fingerprint(), PathMin: 1, PathMax: 3,
	})
	require.NoError(t, err)
	t.Cleanup(aSock.Close)

	bSock, err := Bind(bob.node, g, bob.dispatcher, Config{
		Self: bob.id.Fingerprint(), OnionKey: bob.onionKey.Public(),
		Identity: bob.id.Fingerprint(), PathMin: 1, PathMax: 3,
	})
	require.NoError(t, err)
	t.Cleanup(bSock.Close)

	require.NoError(t, aSock.SendTo(context.Background(), []byte("hello bob"), bSock.Endpoint()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := bSock.RecvFrom(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello bob"), msg.Body)
	require.Equal(t, aSock.Endpoint(), msg.From)
}

func TestN2RSocketSendToUnreachableWithEmptyPoolFails(t *testing.T) {
	t.Parallel()

	g := graph.New()
	alice := newTestPeer(t, g)

	aSock, err := Bind(alice.node, g, alice.dispatcher, Config{
		Self: alice.id.Fingerprint(), OnionKey: alice.onionKey.Public(),
		Identity: alice.id.Fingerprint(), PathMin: 1, PathMax: 3,
	})
	require.NoError(t, err)
	t.Cleanup(aSock.Close)

	ghost := crypt.NewEndpoint(randomFingerprint(t), 1)
	err = aSock.SendTo(context.Background(), []byte("into the void"), ghost)
	require.Error(t, err)
}

func TestN2RSocketAnonymousSendPiggybacksReplyBlock(t *testing.T) {
	t.Parallel()

	g := graph.New()
	alice := newTestPeer(t, g) // anonymous sender, no stable identity of its own
	bob := newTestPeer(t, g)
	wireDirect(t, alice, bob)

	anonIdentity, err := crypt.GenerateIdentity()
	require.NoError(t, err)

	aSock, err := Bind(alice.node, g, alice.dispatcher, Config{
		Self: alice.id.Fingerprint(), OnionKey: alice.onionKey.Public(),
		Identity: anonIdentity.Fingerprint(), PathMin: 1, PathMax: 3, Anonymous: true,
	})
	require.NoError(t, err)
	t.Cleanup(aSock.Close)

	bSock, err := Bind(bob.node, g, bob.dispatcher, Config{
		Self: bob.id.Fingerprint(), OnionKey: bob.onionKey.Public(),
		Identity: bob.id.Fingerprint(), PathMin: 1, PathMax: 3,
	})
	require.NoError(t, err)
	t.Cleanup(bSock.Close)

	require.NoError(t, aSock.SendTo(context.Background(), []byte("first contact"), bSock.Endpoint()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := bSock.RecvFrom(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("first contact"), msg.Body)

	// Bob should now hold reply blocks minted by Alice's anonymous socket,
	// letting Bob answer without ever learning Alice's route.
	require.Greater(t, bSock.pool.Count(aSock.Endpoint()), 0)

	require.NoError(t, bSock.sendViaPool(context.Background(), aSock.Endpoint(), []byte("pong")))

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	reply, err := aSock.RecvFrom(ctx2)
	require.NoError(t, err)
	require.Equal(t, "pong", string(bytesTrimZero(reply.Body)))
}

// bytesTrimZero trims the zero padding a reply-block payload slot carries,
// mirroring how an application-level codec would frame its own length.
func bytesTrimZero(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}
