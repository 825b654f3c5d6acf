// Package brokernode wires the post office, its queues, paging, grouping,
// peer link and management API into a runnable broker node.
package brokernode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/postoffice-go/internal/codec"
	"github.com/rmacdonaldsmith/postoffice-go/internal/discovery"
	"github.com/rmacdonaldsmith/postoffice-go/internal/grouping"
	"github.com/rmacdonaldsmith/postoffice-go/internal/httpapi"
	"github.com/rmacdonaldsmith/postoffice-go/internal/paging"
	"github.com/rmacdonaldsmith/postoffice-go/internal/peerlink"
	"github.com/rmacdonaldsmith/postoffice-go/internal/postoffice"
	"github.com/rmacdonaldsmith/postoffice-go/internal/queue"
	"github.com/rmacdonaldsmith/postoffice-go/internal/transaction"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/broker"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/log"
	peerlinkpkg "github.com/rmacdonaldsmith/postoffice-go/pkg/peerlink"
	po "github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

var (
	// ErrNodeClosed is returned when using a closed node
	ErrNodeClosed = fmt.Errorf("broker node closed: %w", po.ErrPostOfficeClosed)
	// ErrNodeNotStarted is returned when using a node before Start or after Stop
	ErrNodeNotStarted = fmt.Errorf("broker node not started: %w", po.ErrPostOfficeClosed)
)

// HeaderOriginalAddress carries the address of a dead-lettered message
const HeaderOriginalAddress = "_PO_OrigAddress"

// meterName scopes the instruments of the node
const meterName = "github.com/rmacdonaldsmith/postoffice-go"

// Option configures a Node
type Option func(*Node)

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(n *Node) {
		n.logger = logger
	}
}

// WithDiscovery replaces the static discovery built from Config.Peers
func WithDiscovery(d discovery.Discovery) Option {
	return func(n *Node) {
		n.discovery = d
	}
}

// Node implements broker.Broker.
// It owns the local queues and orchestrates the post office, the paging manager,
// the grouping handler, the peer link and the management API.
type Node struct {
	config *Config
	logger log.Logger

	office    *postoffice.PostOffice
	paging    *paging.Manager
	grouping  *grouping.Handler
	peerLink  *peerlink.GRPCPeerLink
	discovery discovery.Discovery

	meterProvider  *sdkmetric.MeterProvider
	metricsHandler http.Handler

	queuesMu sync.RWMutex
	queues   map[string]*queue.MemoryQueue
	// attached lists the queues each session consumes from, once per consumer
	attached map[string][]string

	// lifecycleMu serializes Start, Stop and Close
	lifecycleMu sync.Mutex
	declared    bool
	httpServer  *httpapi.Server
	httpDone    chan struct{}

	mu       sync.RWMutex
	started  bool
	closed   bool
	httpAddr string
}

// NewNode creates a node with the given configuration.
// It builds every component but does not start them. Call Start to begin operation.
func NewNode(config *Config, opts ...Option) (*Node, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	configCopy := *config
	configCopy.SetDefaults()
	if err := configCopy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{
		config: &configCopy,
		logger: log.DefaultLogger,
		queues:   make(map[string]*queue.MemoryQueue),
		attached: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.discovery == nil {
		n.discovery = discovery.NewStaticDiscovery(n.config.Peers)
	}

	var err error
	cleanup := func() {
		err = multierr.Append(err, n.closeComponents(context.Background()))
	}

	if err = n.setupMetrics(); err != nil {
		return nil, err
	}
	if err = n.setupPaging(); err != nil {
		cleanup()
		return nil, err
	}

	groupingConfig := grouping.Config{
		IdleTimeout:  n.config.Grouping.IdleTimeout,
		ReapInterval: n.config.Grouping.ReapInterval,
	}
	groupingConfig.SetDefaults()
	n.grouping = grouping.NewHandler(groupingConfig, grouping.WithLogger(n.logger))

	if err = n.setupPostOffice(); err != nil {
		cleanup()
		return nil, err
	}

	n.peerLink, err = peerlink.NewGRPCPeerLink(&peerlink.Config{
		NodeID:            n.config.NodeID,
		ListenAddress:     n.config.PeerLink.ListenAddress,
		SendTimeout:       n.config.PeerLink.SendTimeout,
		HeartbeatInterval: n.config.PeerLink.HeartbeatInterval,
		MaxMessageSize:    n.config.PeerLink.MaxMessageSize,
	}, peerlink.WithLogger(n.logger), peerlink.WithDeliveryHandler(n.deliverFromPeer))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create PeerLink: %w", err)
	}

	return n, nil
}

// setupMetrics exports the post office instruments through a node-local prometheus registry
func (n *Node) setupMetrics() error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return fmt.Errorf("failed to register go collector: %w", err)
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	n.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	n.metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	return nil
}

func (n *Node) setupPaging() error {
	var store paging.Store = paging.NewMemoryStore()
	if dir := n.config.Paging.Directory; dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create paging directory: %w", err)
		}
		bolt, err := paging.NewBoltStore(filepath.Join(dir, n.config.NodeID+".db"))
		if err != nil {
			return err
		}
		store = bolt
	}

	manager, err := paging.NewManager(paging.Config{
		MaxSizeBytes:      n.config.Paging.MaxSizeBytes,
		QueueMaxSizeBytes: n.config.Paging.QueueMaxSizeBytes,
	}, store, paging.WithLogger(n.logger))
	if err != nil {
		_ = store.Close()
		return err
	}
	n.paging = manager
	return nil
}

func (n *Node) setupPostOffice() error {
	routing := n.config.Routing
	defaultType, err := po.ParseRoutingType(routing.DefaultRoutingType)
	if err != nil {
		return err
	}
	wildcards, err := routing.Wildcards.toAddressConfig()
	if err != nil {
		return err
	}

	opts := []postoffice.Option{
		postoffice.WithLogger(n.logger),
		postoffice.WithPagingManager(n.paging),
		postoffice.WithGroupingHandler(n.grouping),
		postoffice.WithIDCacheSize(routing.IDCacheSize),
		postoffice.WithWildcardConfig(wildcards),
		postoffice.WithDefaultRoutingType(defaultType),
		postoffice.WithMeter(n.meterProvider.Meter(meterName)),
	}
	for _, policy := range routing.AddressPolicies {
		routingType, err := po.ParseRoutingType(policy.RoutingType)
		if err != nil {
			return err
		}
		opts = append(opts, postoffice.WithAddressPolicy(policy.Pattern, routingType))
	}
	if routing.NotificationAddress != "" {
		opts = append(opts, postoffice.WithNotificationAddress(routing.NotificationAddress))
	}
	if routing.DeadLetterAddress != "" {
		opts = append(opts, postoffice.WithNoRouteHandler(n.deadLetter))
	}

	office, err := postoffice.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create PostOffice: %w", err)
	}
	n.office = office
	return nil
}

// deadLetter routes a message without route to the dead-letter address.
// A message already on the dead-letter address keeps failing with ErrNoRoute.
func (n *Node) deadLetter(ctx context.Context, msg *po.Message, tx po.Transaction) error {
	dla := n.config.Routing.DeadLetterAddress
	if msg.Address() == dla {
		return po.NewErrNoRoute(msg.Address(), msg.DuplicateID())
	}

	dead := msg.WithAddress(dla).WithHeader(HeaderOriginalAddress, msg.Address())
	n.logger.Debugf("dead-lettering message=%s from address=%s", msg.ID(), msg.Address())
	var err error
	if tx != nil {
		_, err = n.office.RouteWithTransaction(ctx, dead, tx)
	} else {
		_, err = n.office.Route(ctx, dead)
	}
	return err
}

// deliverFromPeer enqueues a message a peer sent to one of the local queues
func (n *Node) deliverFromPeer(ctx context.Context, env codec.Envelope) error {
	n.logger.Debugf("message=%s from node=%s for queue=%s", env.Message.ID(), env.Origin, env.Queue)
	return n.office.DeliverToQueue(ctx, env.Queue, env.Message)
}

// NodeID returns the id of the node
func (n *Node) NodeID() string {
	return n.config.NodeID
}

// Config returns the effective configuration
func (n *Node) Config() Config {
	return *n.config
}

// MetricsHandler serves the node metrics in the prometheus text format
func (n *Node) MetricsHandler() http.Handler {
	return n.metricsHandler
}

// Start starts the peer link and the management API, connects to the
// discovered peers and declares the configured bindings on first start.
func (n *Node) Start(ctx context.Context) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	n.mu.RLock()
	closed, started := n.closed, n.started
	n.mu.RUnlock()
	if closed {
		return ErrNodeClosed
	}
	if started {
		return nil // Already started, idempotent
	}

	var httpLis net.Listener
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.peerLink.Start(gctx)
	})
	if !n.config.HTTP.Disabled {
		g.Go(func() error {
			var lc net.ListenConfig
			lis, err := lc.Listen(gctx, "tcp", ":"+n.config.HTTP.Port)
			if err != nil {
				return fmt.Errorf("failed to listen on port %s: %w", n.config.HTTP.Port, err)
			}
			httpLis = lis
			return nil
		})
	}
	g.Go(func() error {
		return n.connectPeers(gctx)
	})
	if err := g.Wait(); err != nil {
		if httpLis != nil {
			_ = httpLis.Close()
		}
		_ = n.peerLink.Stop(ctx)
		return fmt.Errorf("failed to start node %s: %w", n.config.NodeID, err)
	}

	if !n.declared {
		if err := n.declareBindings(ctx); err != nil {
			if httpLis != nil {
				_ = httpLis.Close()
			}
			_ = n.peerLink.Stop(ctx)
			return err
		}
		n.declared = true
	}

	n.grouping.Start()
	if err := n.peerLink.StartHeartbeats(ctx); err != nil {
		n.logger.Warnf("failed to start peer heartbeats: %v", err)
	}

	if httpLis != nil {
		n.serveHTTP(httpLis)
	}

	n.mu.Lock()
	n.started = true
	n.mu.Unlock()
	n.logger.Infof("node=%s started, peer link on %s", n.config.NodeID, n.peerLink.GetListeningAddress())
	return nil
}

func (n *Node) serveHTTP(lis net.Listener) {
	n.httpServer = httpapi.NewServer(n, httpapi.Config{
		Port:           n.config.HTTP.Port,
		SecretKey:      n.config.HTTP.SecretKey,
		TokenTTL:       n.config.HTTP.TokenTTL,
		NoAuth:         n.config.HTTP.NoAuth,
		MetricsHandler: n.metricsHandler,
		Logger:         n.logger,
	})
	n.httpDone = make(chan struct{})
	n.mu.Lock()
	n.httpAddr = lis.Addr().String()
	n.mu.Unlock()

	server, done := n.httpServer, n.httpDone
	go func() {
		defer close(done)
		if err := server.Serve(lis); err != nil {
			n.logger.Errorf("management API on %s stopped: %v", lis.Addr(), err)
		}
	}()
	n.logger.Infof("management API listening on %s", lis.Addr())
}

// connectPeers registers every discovered peer with the peer link
func (n *Node) connectPeers(ctx context.Context) error {
	peers, err := n.discovery.FindPeers(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover peers: %w", err)
	}
	for _, peer := range peers {
		if peer.ID() == n.config.NodeID {
			continue
		}
		if err := n.peerLink.Connect(ctx, peer); err != nil {
			return fmt.Errorf("failed to connect to peer %s: %w", peer.ID(), err)
		}
	}
	return nil
}

// declareBindings creates the queues, diverts and remote bindings of the configuration
func (n *Node) declareBindings(ctx context.Context) error {
	for _, q := range n.config.Queues {
		if err := n.createQueue(ctx, broker.QueueSpec{Name: q.Name, Address: q.Address, Filter: q.Filter}); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.Name, err)
		}
	}
	for _, d := range n.config.Diverts {
		spec := broker.DivertSpec{Name: d.Name, Address: d.Address, ForwardAddress: d.ForwardAddress, Exclusive: d.Exclusive}
		if err := n.createDivert(ctx, spec); err != nil {
			return fmt.Errorf("failed to declare divert %s: %w", d.Name, err)
		}
	}
	for _, r := range n.config.RemoteBindings {
		spec := broker.RemoteQueueSpec{Name: r.Name, Address: r.Address, NodeID: r.NodeID, Queue: r.Queue, Consumers: r.Consumers}
		if err := n.createRemoteBinding(ctx, spec); err != nil {
			return fmt.Errorf("failed to declare remote binding %s: %w", r.Name, err)
		}
	}
	return nil
}

// Stop stops the management API and the peer link. Bindings and queued
// messages are kept and the node can be started again.
func (n *Node) Stop(ctx context.Context) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()
	return n.stopLocked(ctx)
}

// stopLocked must be called with lifecycleMu held. The state lock is released
// before shutting down so that in-flight API requests can complete.
func (n *Node) stopLocked(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil // Not started, idempotent
	}
	n.started = false
	n.httpAddr = ""
	n.mu.Unlock()

	var g errgroup.Group
	if server, done := n.httpServer, n.httpDone; server != nil {
		g.Go(func() error {
			if err := server.Stop(ctx); err != nil {
				return fmt.Errorf("failed to stop management API: %w", err)
			}
			<-done
			return nil
		})
	}
	g.Go(func() error {
		return multierr.Combine(n.peerLink.StopHeartbeats(ctx), n.peerLink.Stop(ctx))
	})
	err := g.Wait()

	n.httpServer, n.httpDone = nil, nil
	n.logger.Infof("node=%s stopped", n.config.NodeID)
	return err
}

// Close stops the node and releases all resources.
// A closed node cannot be started again.
func (n *Node) Close() error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil // Already closed, idempotent
	}
	n.closed = true
	n.mu.Unlock()

	ctx := context.Background()
	return multierr.Combine(n.stopLocked(ctx), n.closeComponents(ctx))
}

// closeComponents releases whatever NewNode managed to build
func (n *Node) closeComponents(ctx context.Context) error {
	var err error
	if n.peerLink != nil {
		err = multierr.Append(err, n.peerLink.Close())
	}
	if n.office != nil {
		err = multierr.Append(err, n.office.Close())
	}
	if n.grouping != nil {
		n.grouping.Stop()
	}

	n.queuesMu.Lock()
	for name, q := range n.queues {
		err = multierr.Append(err, q.Close())
		delete(n.queues, name)
	}
	n.queuesMu.Unlock()

	if n.paging != nil {
		err = multierr.Append(err, n.paging.Close())
	}
	if n.meterProvider != nil {
		err = multierr.Append(err, n.meterProvider.Shutdown(ctx))
	}
	return err
}

// HTTPAddress returns the address the management API listens on, or "" when not serving
func (n *Node) HTTPAddress() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.httpAddr
}

// PeerAddress returns the address the peer link listens on, or "" when not serving
func (n *Node) PeerAddress() string {
	return n.peerLink.GetListeningAddress()
}

// ConnectPeer registers a peer with the peer link
func (n *Node) ConnectPeer(ctx context.Context, peer peerlinkpkg.PeerNode) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	return n.peerLink.Connect(ctx, peer)
}

func (n *Node) checkRunning() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrNodeClosed
	}
	if !n.started {
		return ErrNodeNotStarted
	}
	return nil
}

// CreateQueue creates a local queue and binds it to its address
func (n *Node) CreateQueue(ctx context.Context, spec broker.QueueSpec) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	return n.createQueue(ctx, spec)
}

func (n *Node) createQueue(ctx context.Context, spec broker.QueueSpec) error {
	q := queue.NewMemoryQueue(spec.Name, spec.Address)
	opts := []po.BindingOption{po.WithOwner(spec.Owner)}
	if len(spec.Filter) > 0 {
		opts = append(opts, po.WithFilter(po.HeaderFilter(spec.Filter)))
	}

	// register before the binding is active so that peers can deliver at once
	n.queuesMu.Lock()
	if _, exists := n.queues[spec.Name]; exists {
		n.queuesMu.Unlock()
		return po.NewErrDuplicateBindingName(spec.Name)
	}
	n.queues[spec.Name] = q
	n.queuesMu.Unlock()

	if err := n.office.AddBinding(ctx, po.NewLocalQueueBinding(spec.Name, spec.Address, q, opts...)); err != nil {
		n.queuesMu.Lock()
		delete(n.queues, spec.Name)
		n.queuesMu.Unlock()
		return err
	}

	if err := n.paging.Track(ctx, spec.Name); err != nil {
		n.logger.Warnf("failed to look up paged messages of queue %s: %v", spec.Name, err)
	}
	n.logger.Debugf("created queue=%s on address=%s", spec.Name, spec.Address)
	return nil
}

// CreateDivert binds a divert forwarding the messages of Address to ForwardAddress
func (n *Node) CreateDivert(ctx context.Context, spec broker.DivertSpec) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	return n.createDivert(ctx, spec)
}

func (n *Node) createDivert(ctx context.Context, spec broker.DivertSpec) error {
	if spec.ForwardAddress == "" {
		return fmt.Errorf("divert=(%s) without forward address: %w", spec.Name, po.ErrInvalidBinding)
	}
	return n.office.AddBinding(ctx, po.NewDivertBinding(spec.Name, spec.Address, spec.ForwardAddress, spec.Exclusive))
}

// CreateRemoteBinding binds a queue hosted by a peer, reached over the peer link
func (n *Node) CreateRemoteBinding(ctx context.Context, spec broker.RemoteQueueSpec) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	return n.createRemoteBinding(ctx, spec)
}

func (n *Node) createRemoteBinding(ctx context.Context, spec broker.RemoteQueueSpec) error {
	if spec.NodeID == "" || spec.NodeID == n.config.NodeID {
		return fmt.Errorf("remote binding=(%s) must name another node: %w", spec.Name, po.ErrInvalidBinding)
	}
	if spec.Consumers < 0 {
		return fmt.Errorf("remote binding=(%s) with negative consumers: %w", spec.Name, po.ErrInvalidBinding)
	}
	queueName := spec.Queue
	if queueName == "" {
		queueName = spec.Name
	}

	remote := peerlink.NewRemoteQueue(n.peerLink, spec.NodeID, queueName, spec.Address)
	binding := po.NewRemoteQueueBinding(spec.Name, spec.Address, spec.NodeID, remote)
	binding.SetConsumerCount(spec.Consumers)
	return n.office.AddBinding(ctx, binding)
}

// SetRemoteConsumers updates the consumer count of a remote binding
func (n *Node) SetRemoteConsumers(ctx context.Context, name string, consumers int) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	if consumers < 0 {
		return fmt.Errorf("binding=(%s) negative consumers: %w", name, po.ErrInvalidBinding)
	}
	binding, ok := n.office.GetBinding(name)
	if !ok {
		return po.NewErrBindingNotFound(name)
	}
	remote, ok := binding.(*po.RemoteQueueBinding)
	if !ok {
		return fmt.Errorf("binding=(%s) is not a remote binding: %w", name, po.ErrInvalidBinding)
	}
	remote.SetConsumerCount(consumers)
	return nil
}

// RemoveBinding removes a binding. A removed local queue drops its messages.
func (n *Node) RemoveBinding(ctx context.Context, name string) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	binding, err := n.office.RemoveBinding(ctx, name)
	if err != nil {
		return err
	}
	return n.releaseQueue(ctx, binding)
}

// CloseSession removes the temporary bindings owned by owner
func (n *Node) CloseSession(ctx context.Context, owner string) (int, error) {
	if err := n.checkRunning(); err != nil {
		return 0, err
	}
	n.detachSession(owner)
	removed, err := n.office.RemoveBindingsOwnedBy(ctx, owner)
	for _, binding := range removed {
		err = multierr.Append(err, n.releaseQueue(ctx, binding))
	}
	if len(removed) > 0 {
		n.logger.Infof("closed session of %s, removed %d bindings", owner, len(removed))
	}
	return len(removed), err
}

// releaseQueue closes the local queue of a removed binding and drops its paged messages
func (n *Node) releaseQueue(ctx context.Context, binding po.Binding) error {
	if _, ok := binding.(*po.LocalQueueBinding); !ok {
		return nil
	}
	name := binding.UniqueName()

	n.queuesMu.Lock()
	q, ok := n.queues[name]
	delete(n.queues, name)
	for owner, names := range n.attached {
		n.setAttachedLocked(owner, slices.DeleteFunc(names, func(s string) bool { return s == name }))
	}
	n.queuesMu.Unlock()
	if !ok {
		return nil
	}
	return multierr.Combine(q.Close(), n.paging.Drop(ctx, name))
}

// AttachConsumer registers a consumer of the owner session on a local queue and
// returns the new consumer count. A queue with consumers is not redistributed.
func (n *Node) AttachConsumer(ctx context.Context, name, owner string) (int, error) {
	if err := n.checkRunning(); err != nil {
		return 0, err
	}
	n.queuesMu.Lock()
	defer n.queuesMu.Unlock()
	q, ok := n.queues[name]
	if !ok {
		return 0, po.NewErrBindingNotFound(name)
	}
	n.attached[owner] = append(n.attached[owner], name)
	count := q.AddConsumer()
	n.logger.Debugf("consumer of %s attached to queue %s, %d consumers", owner, name, count)
	return count, nil
}

// DetachConsumer unregisters one consumer the owner session attached to a local
// queue and returns the new consumer count
func (n *Node) DetachConsumer(ctx context.Context, name, owner string) (int, error) {
	if err := n.checkRunning(); err != nil {
		return 0, err
	}
	n.queuesMu.Lock()
	defer n.queuesMu.Unlock()
	q, ok := n.queues[name]
	if !ok {
		return 0, po.NewErrBindingNotFound(name)
	}
	names := n.attached[owner]
	i := slices.Index(names, name)
	if i < 0 {
		return q.ConsumerCount(), nil
	}
	n.setAttachedLocked(owner, slices.Delete(names, i, i+1))
	count := q.RemoveConsumer()
	n.logger.Debugf("consumer of %s detached from queue %s, %d consumers", owner, name, count)
	return count, nil
}

// detachSession releases every consumer the owner session attached
func (n *Node) detachSession(owner string) {
	n.queuesMu.Lock()
	defer n.queuesMu.Unlock()
	for _, name := range n.attached[owner] {
		if q, ok := n.queues[name]; ok {
			q.RemoveConsumer()
		}
	}
	delete(n.attached, owner)
}

func (n *Node) setAttachedLocked(owner string, names []string) {
	if len(names) == 0 {
		delete(n.attached, owner)
		return
	}
	n.attached[owner] = names
}

// Bindings returns every registered binding
func (n *Node) Bindings(ctx context.Context) []po.Binding {
	return n.office.Bindings()
}

// Publish routes msg to the bindings of its address
func (n *Node) Publish(ctx context.Context, msg *po.Message) (*po.RouteResult, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	return n.office.Route(ctx, msg)
}

// PublishWithTransaction routes msg staging every enqueue in tx.
// Nothing is visible to consumers until tx commits.
func (n *Node) PublishWithTransaction(ctx context.Context, msg *po.Message, tx po.Transaction) (*po.RouteResult, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	return n.office.RouteWithTransaction(ctx, msg, tx)
}

func (n *Node) queue(name string) (*queue.MemoryQueue, error) {
	n.queuesMu.RLock()
	defer n.queuesMu.RUnlock()
	q, ok := n.queues[name]
	if !ok {
		return nil, po.NewErrBindingNotFound(name)
	}
	return q, nil
}

// Browse reads up to limit messages of a local queue from offset without consuming them
func (n *Node) Browse(ctx context.Context, name string, offset int64, limit int) ([]broker.QueuedMessage, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	q, err := n.queue(name)
	if err != nil {
		return nil, err
	}
	n.depage(ctx, q)

	entries, err := q.Browse(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	messages := make([]broker.QueuedMessage, 0, len(entries))
	for _, entry := range entries {
		messages = append(messages, broker.QueuedMessage{Offset: entry.Offset, Message: entry.Message})
	}
	return messages, nil
}

// Receive consumes up to max messages from the head of a local queue
func (n *Node) Receive(ctx context.Context, name string, max int) ([]*po.Message, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	q, err := n.queue(name)
	if err != nil {
		return nil, err
	}

	// the receiver counts as a consumer while it reads
	q.AddConsumer()
	defer q.RemoveConsumer()

	n.depage(ctx, q)
	messages, err := q.Receive(ctx, max)
	if err != nil {
		return nil, err
	}
	n.depage(ctx, q)
	return messages, nil
}

// depage refills the queue from its paged messages
func (n *Node) depage(ctx context.Context, q *queue.MemoryQueue) {
	if !n.paging.IsPaging(q.Name()) {
		return
	}
	moved, err := n.paging.Depage(ctx, q, n.config.Paging.DepageBatch)
	if err != nil {
		n.logger.Warnf("failed to depage queue %s: %v", q.Name(), err)
		return
	}
	if moved > 0 {
		n.logger.Debugf("depaged %d messages into queue %s", moved, q.Name())
	}
}

// Redistribute moves up to max messages from the head of a local queue to
// remote bindings of their address with consumers. Each message leaves the
// queue only once its transfer is committed. It stops at the first message
// without eligible remote binding and returns the number moved.
func (n *Node) Redistribute(ctx context.Context, name string, max int) (int, error) {
	if err := n.checkRunning(); err != nil {
		return 0, err
	}
	q, err := n.queue(name)
	if err != nil {
		return 0, err
	}
	if q.ConsumerCount() > 0 {
		return 0, nil
	}
	entries, err := q.Browse(ctx, 0, max)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, entry := range entries {
		tx := transaction.New(transaction.WithLogger(n.logger))
		ok, err := n.office.Redistribute(ctx, entry.Message, name, tx)
		if err != nil || !ok {
			_ = tx.Rollback(ctx)
			if err != nil {
				return moved, err
			}
			break
		}
		if !q.Remove(entry.Offset) {
			// consumed meanwhile
			_ = tx.Rollback(ctx)
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			// the message is no longer on the queue, keep it on this node
			return moved, multierr.Append(err, n.office.DeliverToQueue(ctx, name, entry.Message))
		}
		moved++
	}

	n.depage(ctx, q)
	if moved > 0 {
		n.logger.Infof("redistributed %d messages from queue %s", moved, name)
	}
	return moved, nil
}

// GetConnectedPeers returns the peers registered with the peer link
func (n *Node) GetConnectedPeers(ctx context.Context) ([]peerlinkpkg.PeerNode, error) {
	return n.peerLink.GetConnectedPeers(ctx)
}

// GetHealth reports the health of the node components
func (n *Node) GetHealth(ctx context.Context) (broker.HealthStatus, error) {
	n.mu.RLock()
	started, closed := n.started, n.closed
	n.mu.RUnlock()

	status := broker.HealthStatus{
		PostOfficeHealthy: !closed,
		PeerLinkHealthy:   started && n.peerLink.GetListeningAddress() != "",
		Bindings:          len(n.office.Bindings()),
	}

	var problems []string
	if err := n.paging.Ping(ctx); err != nil {
		problems = append(problems, fmt.Sprintf("paging: %v", err))
	} else {
		status.PagingHealthy = true
	}
	if peers, err := n.peerLink.GetConnectedPeers(ctx); err == nil {
		status.ConnectedPeers = len(peers)
	}

	switch {
	case closed:
		problems = append(problems, "node closed")
	case !started:
		problems = append(problems, "node not started")
	case !status.PeerLinkHealthy:
		problems = append(problems, "peer link not serving")
	}

	status.Healthy = status.PostOfficeHealthy && status.PagingHealthy && status.PeerLinkHealthy
	status.Message = strings.Join(problems, "; ")
	return status, nil
}

// Verify that Node implements the broker.Broker interface at compile time
var _ broker.Broker = (*Node)(nil)
