// Package transport wraps a libp2p host as the dialed/listened duplex
// byte stream a link.Link rides on, grounded on the same libp2p stack
// graph's Gossiper already pulls in for topology gossip (both ultimately
// share one Manager's Host in the daemon wiring).
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
)

// ProtocolID is the libp2p stream protocol a Link dials and listens on.
const ProtocolID = protocol.ID("/earendil/link/1.0.0")

// maxFrameSize bounds a single onion wire frame; well above the largest
// packet onion.Build ever produces, just a sanity ceiling against a
// misbehaving peer's length header.
const maxFrameSize = 1 << 20

// Manager owns the libp2p host backing every Link this process dials or
// accepts, and the host graph.Gossiper's pubsub router rides on.
type Manager struct {
	Host host.Host
}

// New starts a libp2p host. listenAddrs may be empty for a client-only
// node that only ever dials out and never accepts inbound links.
func New(listenAddrs ...string) (*Manager, error) {
	var opts []libp2p.Option
	if len(listenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(listenAddrs...))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: starting libp2p host: %w", err)
	}
	return &Manager{Host: h}, nil
}

// Addrs returns this host's own dialable multiaddrs, including /p2p/<id>,
// suitable for handing to a peer as an out_route address.
func (m *Manager) Addrs() []string {
	addrs := m.Host.Addrs()
	out := make([]string, 0, len(addrs))
	info := peer.AddrInfo{ID: m.Host.ID(), Addrs: addrs}
	full, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return out
	}
	for _, a := range full {
		out = append(out, a.String())
	}
	return out
}

// Dial opens a new Link stream to peerAddr, a full multiaddr including
// the /p2p/<id> suffix, and returns a link.Transport wrapping it.
func (m *Manager) Dial(ctx context.Context, peerAddr string) (*StreamTransport, error) {
	addr, err := ma.NewMultiaddr(peerAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: parsing peer address %q: %w", peerAddr, err)
	}

	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolving peer info from %q: %w", peerAddr, err)
	}

	if err := m.Host.Connect(ctx, *info); err != nil {
		return nil, fmt.Errorf("transport: connecting to %s: %w", info.ID, err)
	}

	s, err := m.Host.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("transport: opening stream to %s: %w", info.ID, err)
	}
	log.Debugf("transport: opened stream to %s", info.ID)
	return newStreamTransport(s), nil
}

// Listen registers onAccept to run for every inbound Link stream. Must be
// called before any peer can successfully dial this host on ProtocolID.
func (m *Manager) Listen(onAccept func(*StreamTransport)) {
	m.Host.SetStreamHandler(ProtocolID, func(s network.Stream) {
		onAccept(newStreamTransport(s))
	})
}

// Close tears down the libp2p host and every stream it holds open.
func (m *Manager) Close() error {
	return m.Host.Close()
}

// StreamTransport frames whole onion wire packets over a raw libp2p
// stream with a 4-byte big-endian length prefix (libp2p streams are
// ordered byte streams, not message streams), satisfying link.Transport.
type StreamTransport struct {
	s  network.Stream
	r  *bufio.Reader
	mu sync.Mutex // libp2p streams aren't write-concurrent-safe
}

func newStreamTransport(s network.Stream) *StreamTransport {
	return &StreamTransport{s: s, r: bufio.NewReader(s)}
}

// Send satisfies link.Transport. ctx is accepted for interface symmetry;
// cancellation during a write falls through to the stream's own deadline
// handling rather than a select, since libp2p streams don't expose a
// context-aware Write.
func (t *StreamTransport) Send(ctx context.Context, frame []byte) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("transport: frame of %d bytes exceeds max %d", len(frame), maxFrameSize)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := t.s.Write(hdr[:]); err != nil {
		return fmt.Errorf("transport: writing frame header: %w", err)
	}
	if _, err := t.s.Write(frame); err != nil {
		return fmt.Errorf("transport: writing frame body: %w", err)
	}
	return nil
}

// Recv satisfies link.Transport.
func (t *StreamTransport) Recv(ctx context.Context) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(t.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("transport: reading frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("transport: peer announced frame of %d bytes, exceeds max %d", size, maxFrameSize)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(t.r, buf); err != nil {
		return nil, fmt.Errorf("transport: reading frame body: %w", err)
	}
	return buf, nil
}

// Close satisfies link.Transport.
func (t *StreamTransport) Close() error {
	return t.s.Close()
}
