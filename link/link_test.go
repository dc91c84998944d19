package link

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/linkstore"
	"github.com/earendil-go/earendil/onion"
)

const (
	testEventuallyTimeout = 2 * time.Second
	testEventuallyTick    = 10 * time.Millisecond
)

// blockingSettler never completes until release is closed, letting tests
// observe the Settling state deterministically rather than racing a
// near-instant settlement.
type blockingSettler struct {
	release chan struct{}
}

func (s *blockingSettler) Settle(ctx context.Context, neighbor crypt.NeighborID, amount int64, info PaymentInfo) error {
	<-s.release
	return nil
}

func newTestLink(t *testing.T, info PaymentInfo) (*Link, *Link) {
	t.Helper()

	storeA, err := linkstore.Open(filepath.Join(t.TempDir(), "a.db"))
	require.NoError(t, err)
	t.Cleanup(func() { storeA.Close() })

	storeB, err := linkstore.Open(filepath.Join(t.TempDir(), "b.db"))
	require.NoError(t, err)
	t.Cleanup(func() { storeB.Close() })

	idA, err := crypt.GenerateIdentity()
	require.NoError(t, err)
	idB, err := crypt.GenerateIdentity()
	require.NoError(t, err)

	tA, tB := newMockTransportPair()

	linkA := New(crypt.RelayNeighbor(idB.Fingerprint()), tA, info, storeA, nil)
	linkB := New(crypt.RelayNeighbor(idA.Fingerprint()), tB, info, storeB, nil)
	return linkA, linkB
}

func newTestLinkWithSettler(t *testing.T, info PaymentInfo, settler Settler) (*Link, *Link) {
	t.Helper()

	linkA, linkB := newTestLink(t, info)
	linkA.settler = settler
	return linkA, linkB
}

func testPacket(t *testing.T) *onion.Packet {
	t.Helper()

	secret, err := crypt.GenerateOnionSecret()
	require.NoError(t, err)
	hop := onion.Hop{OnionKey: secret.Public()}

	pkt, err := onion.Build([]onion.Hop{hop}, []byte("tag"), []byte("body"))
	require.NoError(t, err)
	return pkt
}

func TestLinkSendRecvDebitsAndCredits(t *testing.T) {
	t.Parallel()

	info := PaymentInfo{Price: 10, DebtLimit: 1000}
	linkA, linkB := newTestLink(t, info)

	ctx := context.Background()
	pkt := testPacket(t)

	require.NoError(t, linkA.Send(ctx, pkt))
	_, err := linkB.Recv(ctx)
	require.NoError(t, err)

	balA, err := linkA.store.Balance(linkA.neighbor)
	require.NoError(t, err)
	require.EqualValues(t, -10, balA)

	balB, err := linkB.store.Balance(linkB.neighbor)
	require.NoError(t, err)
	require.EqualValues(t, 10, balB)
}

func TestLinkThrottlesPastDebtLimit(t *testing.T) {
	t.Parallel()

	info := PaymentInfo{Price: 100, DebtLimit: 150}
	settler := &blockingSettler{release: make(chan struct{})}
	defer close(settler.release)

	linkA, linkB := newTestLinkWithSettler(t, info, settler)

	ctx := context.Background()

	require.NoError(t, linkA.Send(ctx, testPacket(t)))
	_, err := linkB.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, Live, linkA.State())

	require.NoError(t, linkA.Send(ctx, testPacket(t)))
	_, err = linkB.Recv(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return linkA.State() == Throttled || linkA.State() == Settling
	}, testEventuallyTimeout, testEventuallyTick)
}

func TestLinkRefusesSendWhenNotLive(t *testing.T) {
	t.Parallel()

	info := PaymentInfo{Price: 1, DebtLimit: 10}
	linkA, _ := newTestLink(t, info)

	linkA.mu.Lock()
	linkA.state = Closed
	linkA.mu.Unlock()

	err := linkA.Send(context.Background(), testPacket(t))
	require.Error(t, err)
}
