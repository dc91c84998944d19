package socket

import (
	"context"
	"sync"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/onion"
)

// Dispatcher is the single linknode.DeliverFunc shared by every socket
// bound on a process: it demuxes ordinary deliveries by destination dock
// and reply-block deliveries by the block ID the originating socket
// registered at mint time. One Dispatcher per LinkNode.
type Dispatcher struct {
	mu       sync.RWMutex
	byDock   map[crypt.Dock]*N2RSocket
	byReply  map[[16]byte]*N2RSocket
	registry *dockRegistry
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		byDock:   make(map[crypt.Dock]*N2RSocket),
		byReply:  make(map[[16]byte]*N2RSocket),
		registry: newDockRegistry(),
	}
}

func (d *Dispatcher) bindDock(dock crypt.Dock, s *N2RSocket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byDock[dock] = s
}

func (d *Dispatcher) unbindDock(dock crypt.Dock) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byDock, dock)
}

func (d *Dispatcher) registerReply(id [16]byte, s *N2RSocket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byReply[id] = s
}

func (d *Dispatcher) unregisterReply(id [16]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byReply, id)
}

// Deliver implements linknode.DeliverFunc.
func (d *Dispatcher) Deliver(ctx context.Context, result onion.PeelResult) {
	switch result.Kind {
	case onion.PeelDeliver:
		d.deliverForward(ctx, result)
	case onion.PeelReplyDeliver:
		d.deliverReply(ctx, result)
	}
}

func (d *Dispatcher) deliverForward(ctx context.Context, result onion.PeelResult) {
	env, err := decodeEnvelope(result.Payload)
	if err != nil {
		return
	}
	src, err := crypt.EndpointFromBytes(result.FromTag)
	if err != nil {
		return
	}

	d.mu.RLock()
	s := d.byDock[crypt.Dock(env.destDock)]
	d.mu.RUnlock()
	if s == nil {
		return
	}
	s.handleDeliver(ctx, src, env)
}

func (d *Dispatcher) deliverReply(ctx context.Context, result onion.PeelResult) {
	if len(result.ReplyID) != 16 {
		return
	}
	var id [16]byte
	copy(id[:], result.ReplyID)

	d.mu.RLock()
	s := d.byReply[id]
	d.mu.RUnlock()
	if s == nil {
		return
	}
	s.handleReplyDeliver(ctx, id, result.Payload)
}
