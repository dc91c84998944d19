// Package socket implements the two application-facing socket types:
// N2RSocket (anonymous node-to-relay datagrams plus reply-block bookkeeping)
// and HavenSocket (rendezvous registration and forwarding on top of an
// N2RSocket), grounded on the teacher's htlcswitch.ChannelLink's "own a
// queue, demux by a small keyed registry" shape generalized from HTLC
// circuits to docks.
package socket

import (
	"fmt"
	"sync"

	"github.com/earendil-go/earendil/crypt"
)

// Reserved docks, matching the external interface's two well-known demux
// ports; every other dock is user- or ephemeral-assigned.
const (
	GlobalRPCDock    crypt.Dock = 1
	HavenForwardDock crypt.Dock = 2

	firstEphemeralDock crypt.Dock = 1024
)

// dockRegistry tracks which (fingerprint, dock) pairs are bound on this
// process, the local analogue of a listening-socket table. One registry is
// shared by every socket bound on a node.
type dockRegistry struct {
	mu       sync.Mutex
	used     map[crypt.Endpoint]bool
	nextFree crypt.Dock
}

func newDockRegistry() *dockRegistry {
	return &dockRegistry{used: make(map[crypt.Endpoint]bool), nextFree: firstEphemeralDock}
}

// bind reserves (fp, dock); dock == 0 auto-picks the next free ephemeral
// dock. It fails with errs.ErrDockInUse on collision.
func (r *dockRegistry) bind(fp crypt.Fingerprint, dock crypt.Dock) (crypt.Dock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dock == 0 {
		for {
			ep := crypt.NewEndpoint(fp, r.nextFree)
			if !r.used[ep] {
				dock = r.nextFree
				r.nextFree++
				break
			}
			r.nextFree++
			if r.nextFree == 0 {
				return 0, fmt.Errorf("socket: ephemeral dock range exhausted")
			}
		}
	}

	ep := crypt.NewEndpoint(fp, dock)
	if r.used[ep] {
		return 0, errDockInUse(ep)
	}
	r.used[ep] = true
	return dock, nil
}

func (r *dockRegistry) release(fp crypt.Fingerprint, dock crypt.Dock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.used, crypt.NewEndpoint(fp, dock))
}
