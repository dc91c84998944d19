package link

import (
	"context"
	"fmt"
)

// mockTransport is an in-memory duplex pipe standing in for a dialed
// connection, the same "no real sockets in unit tests" approach the
// teacher's htlcswitch/mock.go takes with its mockServer.
type mockTransport struct {
	out    chan []byte
	in     chan []byte
	closed chan struct{}
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
		return fmt.Errorf("mock transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case f := <-m.in:
		return f, nil
	case <-m.closed:
		return nil, fmt.Errorf("mock transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
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
