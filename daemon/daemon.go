// Package daemon wires every other package into one running process: it
// loads config, stands up the libp2p transport, opens the on-disk stores,
// builds the LinkNode/socket/DHT/graph stack, and starts the background
// loops (gossip, GlobalRPC server, haven relay forwarding) a relay needs.
// Grounded on the teacher's lnd.go/Config struct, which plays the exact
// same "read config, build every subsystem, wire them to each other"
// role for the full node.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btclog"
	"go.etcd.io/bbolt"

	"github.com/earendil-go/earendil/alias"
	"github.com/earendil-go/earendil/config"
	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/dht"
	"github.com/earendil-go/earendil/errs"
	"github.com/earendil-go/earendil/graph"
	"github.com/earendil-go/earendil/grpcrpc"
	"github.com/earendil-go/earendil/healthcheck"
	"github.com/earendil-go/earendil/link"
	"github.com/earendil-go/earendil/linknode"
	"github.com/earendil-go/earendil/linkstore"
	"github.com/earendil-go/earendil/onion"
	"github.com/earendil-go/earendil/paysystem"
	"github.com/earendil-go/earendil/record"
	"github.com/earendil-go/earendil/socket"
	"github.com/earendil-go/earendil/transport"
)

// logSubsystems lists every package-level logger UseLogger wires up at
// startup, keyed the way the teacher's signal.go log-level config maps a
// short subsystem tag to its logger, here just used to fan one backend
// out to every package instead of giving each an independent level.
var logSubsystems = map[string]func(btclog.Logger){
	"LINK": link.UseLogger,
	"LNOD": linknode.UseLogger,
	"SOCK": socket.UseLogger,
	"DHT ": dht.UseLogger,
	"GRPH": graph.UseLogger,
	"GRPC": grpcrpc.UseLogger,
	"PAYS": paysystem.UseLogger,
	"ALIA": alias.UseLogger,
	"CONF": config.UseLogger,
	"TRNS": transport.UseLogger,
	"ONIO": onion.UseLogger,
	"LSTR": linkstore.UseLogger,
}

// initLogging wires one btclog backend, writing to stderr, into every
// package that declares a log.go, matching SPEC_FULL.md's "one backend,
// every package subscribes" logging convention.
func initLogging() {
	backend := btclog.NewBackend(os.Stderr)
	log = backend.Logger("DAEM")
	for tag, use := range logSubsystems {
		use(backend.Logger(tag))
	}
	healthcheck.UseLogger(backend.Logger("HLTH"))
}

// defaultDebtLimit bounds how far a neighbor may run up debt with this
// node before its Link throttles, matching the walkthrough figure in
// spec.md's worked payment example.
const defaultDebtLimit = 10_000

// Health-check tuning: generous enough that a slow bbolt fsync or a
// transport under load doesn't trip a restart, tight enough that a
// genuinely wedged store gets noticed inside a couple minutes.
const (
	healthCheckInterval = 30 * time.Second
	healthCheckTimeout  = 5 * time.Second
	healthCheckBackoff  = 10 * time.Second
	healthCheckAttempts = 3
)

// Daemon owns every long-lived subsystem of one overlay node, relay or
// client, assembled by New and torn down by Close.
type Daemon struct {
	cfg *config.File

	identity crypt.IdentitySecret
	onionKey crypt.OnionSecret

	transport *transport.Manager
	linkStore *linkstore.Store
	aliasDB   *bbolt.DB
	aliasMgr  *alias.Manager

	graph    *graph.RelayGraph
	gossiper *graph.Gossiper

	selector *paysystem.Selector
	node     *linknode.LinkNode
	disp     *socket.Dispatcher

	dhtStore  *dht.Store // relay-only: the locators this node holds for others
	dhtClient *dht.DHT   // every node: the lookup/insert client view
	rpcClient *grpcrpc.Client
	rpcServer *grpcrpc.Server    // relay-only
	relay     *socket.HavenRelay // relay-only

	rpcSock   *socket.N2RSocket // bound at GlobalRPCDock
	relaySock *socket.N2RSocket // relay-only: bound at HavenForwardDock

	health *healthcheck.Monitor
}

// fingerprintDialer adapts config's named out-routes into a
// linknode.Dialer, keyed the only way LinkNode ever asks for a transport:
// by destination fingerprint, never by address.
type fingerprintDialer struct {
	mgr    *transport.Manager
	routes map[crypt.Fingerprint]string
}

func (d *fingerprintDialer) Dial(ctx context.Context, fp crypt.Fingerprint) (link.Transport, error) {
	addr, ok := d.routes[fp]
	if !ok {
		return nil, fmt.Errorf("daemon: no out_route configured for fingerprint %s", fp)
	}
	return d.mgr.Dial(ctx, addr)
}

// New builds and starts every subsystem described by cfg. A relay config
// (IsRelay true) additionally starts the GlobalRPC server and haven
// relay forwarding; a client config only ever originates traffic.
func New(cfg *config.File) (*Daemon, error) {
	initLogging()

	d := &Daemon{cfg: cfg}

	if err := d.loadKeys(); err != nil {
		return nil, err
	}

	listenAddrs := make([]string, 0, len(cfg.InRoutes))
	for _, addr := range cfg.InRoutes {
		listenAddrs = append(listenAddrs, addr)
	}
	tm, err := transport.New(listenAddrs...)
	if err != nil {
		return nil, fmt.Errorf("daemon: starting transport: %w", err)
	}
	d.transport = tm

	routes, err := parseOutRoutes(cfg)
	if err != nil {
		tm.Close()
		return nil, err
	}
	dialer := &fingerprintDialer{mgr: tm, routes: routes}

	d.linkStore, err = linkstore.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: opening linkstore: %w", err)
	}

	aliasPath := cfg.DBPath + "-alias"
	d.aliasDB, err = bbolt.Open(aliasPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("daemon: opening alias db at %s: %w", aliasPath, err)
	}
	d.aliasMgr, err = alias.NewManager(d.aliasDB)
	if err != nil {
		return nil, fmt.Errorf("daemon: initializing alias manager: %w", err)
	}

	d.graph = graph.New()
	if cfg.IsRelay() {
		d.graph.AddVertex(graph.Vertex{
			Fingerprint: d.identity.Fingerprint(),
			OnionKey:    d.onionKey.Public(),
		})
	}

	d.gossiper, err = graph.NewGossiper(context.Background(), tm.Host, d.graph)
	if err != nil {
		return nil, fmt.Errorf("daemon: starting graph gossiper: %w", err)
	}

	reputation := paysystem.NewTracker()
	d.selector = paysystem.NewSelector(reputation)
	for _, name := range cfg.PaymentSystems {
		switch name {
		case "free":
			d.selector.Register(paysystem.Free{})
		default:
			return nil, fmt.Errorf("daemon: unknown payment system %q", name)
		}
	}

	d.disp = socket.NewDispatcher()
	info := link.PaymentInfo{
		Price:     0,
		DebtLimit: defaultDebtLimit,
	}
	d.node = linknode.New(d.onionKey, d.linkStore, dialer, info, d.selector, d.disp.Deliver)

	d.rpcSock, err = socket.Bind(d.node, d.graph, d.disp, socket.Config{
		Self:     d.identity.Fingerprint(),
		OnionKey: d.onionKey.Public(),
		Identity: d.identity.Fingerprint(),
		Dock:     socket.GlobalRPCDock,
		PathMin:  cfg.OnionPathMin,
		PathMax:  cfg.OnionPathMax,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: binding GlobalRPC dock: %w", err)
	}
	d.rpcClient = grpcrpc.NewClient(d.rpcSock)

	// The DHT's relay set is the statically configured out_routes rather
	// than a live RelayGraph walk: a client with no graph vertex of its
	// own still needs somewhere to fan lookups out to.
	relayFp := func() []crypt.Fingerprint {
		fps := make([]crypt.Fingerprint, 0, len(routes))
		for fp := range routes {
			fps = append(fps, fp)
		}
		return fps
	}
	d.dhtClient = dht.New(d.rpcClient, relayFp)

	if cfg.IsRelay() {
		if err := d.startRelay(); err != nil {
			return nil, err
		}
	}

	d.health = healthcheck.NewMonitor(&healthcheck.Config{
		Checks:   d.buildHealthChecks(routes),
		Shutdown: d.shutdownOnHealthFailure,
	})
	if err := d.health.Start(); err != nil {
		return nil, fmt.Errorf("daemon: starting health monitor: %w", err)
	}

	return d, nil
}

// buildHealthChecks assembles the liveliness observations this node runs
// in the background: the on-disk link store must answer queries, and a
// client (never a relay, which always has a graph vertex of its own) must
// have been configured with at least one out_route to fan DHT lookups and
// GlobalRPC calls out to.
func (d *Daemon) buildHealthChecks(routes map[crypt.Fingerprint]string) []*healthcheck.Observation {
	checks := []*healthcheck.Observation{
		healthcheck.NewObservation(
			"linkstore",
			func() error {
				_, err := d.linkStore.Balance(crypt.NeighborID{})
				return err
			},
			healthCheckInterval, healthCheckTimeout, healthCheckBackoff,
			healthCheckAttempts,
		),
	}

	if !d.cfg.IsRelay() {
		checks = append(checks, healthcheck.NewObservation(
			"relay-set",
			func() error {
				if len(routes) == 0 {
					return fmt.Errorf("no out_routes configured")
				}
				return nil
			},
			healthCheckInterval, healthCheckTimeout, healthCheckBackoff,
			healthCheckAttempts,
		))
	}

	return checks
}

// shutdownOnHealthFailure is the healthcheck.Monitor's escape hatch: a
// check that never recovers after its configured attempts logs loudly and
// tears the whole daemon down rather than limping on against a resource
// it can't reach.
func (d *Daemon) shutdownOnHealthFailure(format string, params ...interface{}) {
	log.Errorf(format, params...)
	go d.Close()
}

func (d *Daemon) loadKeys() error {
	var err error
	if d.cfg.IdentityKeyPath != "" {
		b, readErr := os.ReadFile(d.cfg.IdentityKeyPath)
		if readErr != nil {
			return fmt.Errorf("daemon: loading identity key: %w", readErr)
		}
		d.identity, err = crypt.IdentityFromBytes(b)
		if err != nil {
			return fmt.Errorf("daemon: parsing identity key: %w", err)
		}
	} else {
		d.identity, err = crypt.GenerateIdentity()
		if err != nil {
			return fmt.Errorf("daemon: generating throwaway identity: %w", err)
		}
	}

	if d.cfg.OnionKeyPath != "" {
		b, readErr := os.ReadFile(d.cfg.OnionKeyPath)
		if readErr != nil {
			return fmt.Errorf("daemon: loading onion key: %w", readErr)
		}
		d.onionKey, err = crypt.OnionSecretFromBytes(b)
		if err != nil {
			return fmt.Errorf("daemon: parsing onion key: %w", err)
		}
	} else {
		d.onionKey, err = crypt.GenerateOnionSecret()
		if err != nil {
			return fmt.Errorf("daemon: generating onion key: %w", err)
		}
	}
	return nil
}

func parseOutRoutes(cfg *config.File) (map[crypt.Fingerprint]string, error) {
	routes := make(map[crypt.Fingerprint]string, len(cfg.OutRoutes))
	for name, route := range cfg.OutRoutes {
		fp, err := crypt.ParseFingerprint(route.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("daemon: out_routes[%s]: %w", name, err)
		}
		routes[fp] = route.Address
	}
	return routes, nil
}

// startRelay stands up the subsystems only a relay needs: the local DHT
// locator store, the GlobalRPC server answering PutLocator/GetLocator/
// RegisterHaven, and the HavenRelay forwarding table.
func (d *Daemon) startRelay() error {
	d.dhtStore = dht.NewStore()

	var err error
	d.relaySock, err = socket.Bind(d.node, d.graph, d.disp, socket.Config{
		Self:     d.identity.Fingerprint(),
		OnionKey: d.onionKey.Public(),
		Identity: d.identity.Fingerprint(),
		Dock:     socket.HavenForwardDock,
		PathMin:  d.cfg.OnionPathMin,
		PathMax:  d.cfg.OnionPathMax,
	})
	if err != nil {
		return fmt.Errorf("daemon: binding haven forward dock: %w", err)
	}

	d.relay = socket.BindRelay(d.relaySock, d.graph)
	d.relay.Serve()

	d.rpcServer = grpcrpc.NewServer(d.rpcSock)
	d.rpcServer.Handle(grpcrpc.MethodPutLocator, d.handlePutLocator)
	d.rpcServer.Handle(grpcrpc.MethodGetLocator, d.handleGetLocator)
	d.rpcServer.Handle(grpcrpc.MethodRegisterHaven, d.handleRegisterHaven)
	d.rpcServer.Serve()

	return nil
}

// Serve blocks until ctx is canceled, then tears the daemon down. It
// gives cmd/earendild a single call to hang process lifetime on instead
// of reaching into each subsystem directly.
func (d *Daemon) Serve(ctx context.Context) error {
	<-ctx.Done()
	return d.Close()
}

// Close tears down every subsystem in roughly reverse dependency order.
func (d *Daemon) Close() error {
	if d.health != nil {
		d.health.Stop()
	}
	if d.rpcServer != nil {
		d.rpcServer.Close()
	}
	if d.relay != nil {
		d.relay.Close()
	}
	if d.relaySock != nil {
		d.relaySock.Close()
	}
	if d.dhtStore != nil {
		d.dhtStore.Close()
	}
	d.rpcClient.Close()
	d.rpcSock.Close()
	d.node.Close()
	d.gossiper.Close()
	d.aliasDB.Close()
	d.linkStore.Close()
	return d.transport.Close()
}

// IdentityFingerprint returns this node's own fingerprint, useful for
// logging and for handing out this node's address to peers as an
// out_route target.
func (d *Daemon) IdentityFingerprint() crypt.Fingerprint {
	return d.identity.Fingerprint()
}

// Addrs returns this node's own dialable libp2p multiaddrs, suitable for
// publishing as an out_route address for peers to configure.
func (d *Daemon) Addrs() []string {
	return d.transport.Addrs()
}

// AllocClientID hands a directly-dialed client (no relay fingerprint, no
// graph vertex) the same small local handle a relay would otherwise
// derive from the other side's identity, persisted across reconnects by
// aliasMgr.
func (d *Daemon) AllocClientID(onionKey crypt.OnionPublic) (crypt.ClientID, error) {
	return d.aliasMgr.AssignOrReuse(onionKey)
}

func (d *Daemon) handlePutLocator(ctx context.Context, from crypt.Endpoint, payload json.RawMessage) (interface{}, error) {
	var req grpcrpc.PutLocatorReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errs.Wrap(errs.CodeHavenMsgBadFormat, "decoding put_locator request", err)
	}
	loc, err := record.DecodeHavenLocator(req.Locator)
	if err != nil {
		return nil, errs.Wrap(errs.CodeHavenMsgBadFormat, "decoding haven locator", err)
	}
	if !loc.Verify() {
		return nil, errs.New(errs.CodeHavenMsgBadFormat, "haven locator signature does not verify")
	}
	d.dhtStore.Put(loc)
	return nil, nil
}

func (d *Daemon) handleGetLocator(ctx context.Context, from crypt.Endpoint, payload json.RawMessage) (interface{}, error) {
	var req grpcrpc.GetLocatorReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errs.Wrap(errs.CodeHavenMsgBadFormat, "decoding get_locator request", err)
	}
	loc, ok := d.dhtStore.Get(req.Key)
	if !ok {
		return nil, errs.New(errs.CodeDhtError, "no locator held for key "+req.Key.String())
	}
	enc, err := record.EncodeHavenLocator(loc)
	if err != nil {
		return nil, errs.Wrap(errs.CodeHavenMsgBadFormat, "encoding haven locator", err)
	}
	return grpcrpc.GetLocatorResp{Locator: enc}, nil
}

func (d *Daemon) handleRegisterHaven(ctx context.Context, from crypt.Endpoint, payload json.RawMessage) (interface{}, error) {
	var req socket.RegisterHavenReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errs.Wrap(errs.CodeHavenMsgBadFormat, "decoding register_haven request", err)
	}
	onionKey, err := crypt.OnionPublicFromBytes(req.OnionKey)
	if err != nil {
		return nil, errs.Wrap(errs.CodeHavenMsgBadFormat, "parsing haven onion key", err)
	}
	d.relay.Register(req.Identity, socket.ForwardEntry{OnionKey: onionKey, Dock: req.Dock})
	return nil, nil
}
