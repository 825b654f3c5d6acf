package peerlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/rmacdonaldsmith/postoffice-go/internal/codec"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/log"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

var (
	// ErrPeerNotFound is returned for operations on a peer that is not connected
	ErrPeerNotFound = errors.New("peer not found")
	// ErrPeerLinkClosed is returned once the peer link has been closed
	ErrPeerLinkClosed = errors.New("peer link closed")
)

// DeliveryHandler hands an envelope received from a peer to the local queue it names
type DeliveryHandler func(ctx context.Context, env codec.Envelope) error

// Option configures a GRPCPeerLink
type Option func(*GRPCPeerLink)

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(g *GRPCPeerLink) {
		g.logger = logger
	}
}

// WithDeliveryHandler sets the handler of messages received from peers
func WithDeliveryHandler(handler DeliveryHandler) Option {
	return func(g *GRPCPeerLink) {
		g.handler = handler
	}
}

type peerConn struct {
	node   peerlink.PeerNode
	conn   *grpc.ClientConn
	health atomic.Int32
}

func (p *peerConn) state() peerlink.PeerHealthState {
	return peerlink.PeerHealthState(p.health.Load())
}

// connectedPeer is the PeerNode view handed out by GetConnectedPeers
type connectedPeer struct {
	id      string
	address string
	healthy bool
}

func (p connectedPeer) ID() string      { return p.id }
func (p connectedPeer) Address() string { return p.address }
func (p connectedPeer) IsHealthy() bool { return p.healthy }

// GRPCPeerLink implements the PeerLink interface using gRPC for peer-to-peer communication
type GRPCPeerLink struct {
	config  *Config
	logger  log.Logger
	handler DeliveryHandler

	mu       sync.RWMutex
	peers    map[string]*peerConn
	server   *grpc.Server
	listener net.Listener
	closed   bool

	heartbeatMu     sync.Mutex
	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
}

// NewGRPCPeerLink creates a new GRPCPeerLink with the given configuration
func NewGRPCPeerLink(config *Config, opts ...Option) (*GRPCPeerLink, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Make a copy and set defaults
	configCopy := *config
	configCopy.SetDefaults()

	g := &GRPCPeerLink{
		config: &configCopy,
		logger: log.DefaultLogger,
		peers:  make(map[string]*peerConn),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// NodeID returns the id this node presents to its peers
func (g *GRPCPeerLink) NodeID() string {
	return g.config.NodeID
}

// Start listens on the configured address and serves the peer link service
func (g *GRPCPeerLink) Start(ctx context.Context) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", g.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.config.ListenAddress, err)
	}
	if err := g.Serve(lis); err != nil {
		_ = lis.Close()
		return err
	}
	return nil
}

// Serve serves the peer link service on lis in the background.
// Calling Serve while already serving is a no-op.
func (g *GRPCPeerLink) Serve(lis net.Listener) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrPeerLinkClosed
	}
	if g.server != nil {
		return nil
	}

	server := grpc.NewServer(g.config.serverOptions()...)
	server.RegisterService(&peerLinkServiceDesc, &receiver{link: g})
	g.server = server
	g.listener = lis

	go func() {
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			g.logger.Errorf("peer link server on %s stopped: %v", lis.Addr(), err)
		}
	}()
	g.logger.Infof("peer link for node=%s listening on %s", g.config.NodeID, lis.Addr())
	return nil
}

// Stop stops serving. In-flight deliveries complete unless ctx is done first.
func (g *GRPCPeerLink) Stop(ctx context.Context) error {
	g.mu.Lock()
	server := g.server
	g.server = nil
	g.listener = nil
	g.mu.Unlock()

	if server == nil {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		server.Stop()
		<-stopped
	}
	return nil
}

// GetListeningAddress returns the address the server listens on, or "" when not serving
func (g *GRPCPeerLink) GetListeningAddress() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Connect registers the peer and creates its client connection.
// The connection is established lazily on first use.
func (g *GRPCPeerLink) Connect(ctx context.Context, peer peerlink.PeerNode) error {
	if peer == nil || peer.ID() == "" || peer.Address() == "" {
		return errors.New("peer id and address are required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrPeerLinkClosed
	}
	if existing, ok := g.peers[peer.ID()]; ok {
		if existing.node.Address() == peer.Address() {
			return nil
		}
		_ = existing.conn.Close()
	}

	conn, err := grpc.NewClient(peer.Address(), g.config.dialOptions()...)
	if err != nil {
		return fmt.Errorf("failed to create connection to peer %s: %w", peer.ID(), err)
	}

	pc := &peerConn{node: peer, conn: conn}
	pc.health.Store(int32(peerlink.PeerUnhealthy))
	g.peers[peer.ID()] = pc
	g.logger.Infof("connected to peer=%s at %s", peer.ID(), peer.Address())
	return nil
}

// Disconnect closes the connection to the specified peer node
func (g *GRPCPeerLink) Disconnect(ctx context.Context, peerID string) error {
	g.mu.Lock()
	pc, ok := g.peers[peerID]
	delete(g.peers, peerID)
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	g.logger.Infof("disconnected from peer=%s", peerID)
	return pc.conn.Close()
}

func (g *GRPCPeerLink) peer(peerID string) (*peerConn, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return nil, ErrPeerLinkClosed
	}
	pc, ok := g.peers[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	return pc, nil
}

// Send delivers the message to the named queue of the peer
func (g *GRPCPeerLink) Send(ctx context.Context, peerID, queue string, msg *postoffice.Message) error {
	if msg == nil {
		return postoffice.ErrNilMessage
	}
	pc, err := g.peer(peerID)
	if err != nil {
		return err
	}

	payload := codec.EncodeEnvelope(codec.Envelope{
		Queue:   queue,
		Origin:  g.config.NodeID,
		Message: msg,
	})

	ctx, cancel := context.WithTimeout(ctx, g.config.SendTimeout)
	defer cancel()
	if err := pc.conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(payload), new(emptypb.Empty)); err != nil {
		return g.sendError(pc, queue, err)
	}
	pc.health.Store(int32(peerlink.PeerHealthy))
	return nil
}

// sendError maps a failed delivery back onto the post office errors
func (g *GRPCPeerLink) sendError(pc *peerConn, queue string, err error) error {
	peerID := pc.node.ID()
	switch status.Code(err) {
	case codes.NotFound:
		// the peer answered, it is alive
		pc.health.Store(int32(peerlink.PeerHealthy))
		return fmt.Errorf("peer %s: %w", peerID, postoffice.NewErrBindingNotFound(queue))
	case codes.Unavailable, codes.DeadlineExceeded:
		pc.health.Store(int32(peerlink.PeerUnhealthy))
	}
	g.logger.Warnf("failed to send to queue=%s on peer=%s: %v", queue, peerID, err)
	return fmt.Errorf("failed to send to peer %s: %w", peerID, err)
}

// GetConnectedPeers returns all currently connected peer nodes sorted by id
func (g *GRPCPeerLink) GetConnectedPeers(ctx context.Context) ([]peerlink.PeerNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	peers := make([]peerlink.PeerNode, 0, len(g.peers))
	for id, pc := range g.peers {
		peers = append(peers, connectedPeer{
			id:      id,
			address: pc.node.Address(),
			healthy: pc.state() == peerlink.PeerHealthy,
		})
	}
	slices.SortFunc(peers, func(a, b peerlink.PeerNode) int {
		return strings.Compare(a.ID(), b.ID())
	})
	return peers, nil
}

// GetPeerHealth returns health status for a specific peer node
func (g *GRPCPeerLink) GetPeerHealth(ctx context.Context, peerID string) (peerlink.PeerHealthState, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	pc, ok := g.peers[peerID]
	if !ok {
		return peerlink.PeerDisconnected, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	return pc.state(), nil
}

// CheckPeers sends one heartbeat to every connected peer and records their health
func (g *GRPCPeerLink) CheckPeers(ctx context.Context) {
	g.mu.RLock()
	peers := make([]*peerConn, 0, len(g.peers))
	for _, pc := range g.peers {
		peers = append(peers, pc)
	}
	g.mu.RUnlock()

	for _, pc := range peers {
		hbCtx, cancel := context.WithTimeout(ctx, g.config.SendTimeout)
		err := pc.conn.Invoke(hbCtx, heartbeatMethod, wrapperspb.String(g.config.NodeID), new(emptypb.Empty))
		cancel()

		previous := pc.state()
		if err != nil {
			pc.health.Store(int32(peerlink.PeerUnhealthy))
			if previous == peerlink.PeerHealthy {
				g.logger.Warnf("peer=%s is unhealthy: %v", pc.node.ID(), err)
			}
			continue
		}
		pc.health.Store(int32(peerlink.PeerHealthy))
		if previous != peerlink.PeerHealthy {
			g.logger.Infof("peer=%s is healthy", pc.node.ID())
		}
	}
}

// StartHeartbeats begins health monitoring for all connected peers.
// Monitoring runs until StopHeartbeats or Close.
func (g *GRPCPeerLink) StartHeartbeats(ctx context.Context) error {
	g.heartbeatMu.Lock()
	defer g.heartbeatMu.Unlock()

	if g.heartbeatCancel != nil {
		return nil
	}

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	g.heartbeatCancel = cancel
	g.heartbeatDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(g.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				g.CheckPeers(hbCtx)
			}
		}
	}()
	return nil
}

// StopHeartbeats stops health monitoring
func (g *GRPCPeerLink) StopHeartbeats(ctx context.Context) error {
	g.heartbeatMu.Lock()
	cancel, done := g.heartbeatCancel, g.heartbeatDone
	g.heartbeatCancel, g.heartbeatDone = nil, nil
	g.heartbeatMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the server and heartbeats and closes every peer connection
func (g *GRPCPeerLink) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil // Already closed, safe to call multiple times
	}
	g.closed = true
	peers := g.peers
	g.peers = make(map[string]*peerConn)
	g.mu.Unlock()

	ctx := context.Background()
	err := multierr.Combine(g.StopHeartbeats(ctx), g.Stop(ctx))
	for _, pc := range peers {
		err = multierr.Append(err, pc.conn.Close())
	}
	return err
}

// receiver serves the peer link service for a GRPCPeerLink
type receiver struct {
	link *GRPCPeerLink
}

func (r *receiver) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	env, err := codec.DecodeEnvelope(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if r.link.handler == nil {
		return nil, status.Error(codes.Unavailable, "node does not accept deliveries")
	}

	if err := r.link.handler(ctx, env); err != nil {
		switch {
		case errors.Is(err, postoffice.ErrBindingNotFound):
			return nil, status.Error(codes.NotFound, err.Error())
		case errors.Is(err, postoffice.ErrPostOfficeClosed), errors.Is(err, postoffice.ErrQueueClosed):
			return nil, status.Error(codes.Unavailable, err.Error())
		default:
			return nil, status.Error(codes.Internal, err.Error())
		}
	}
	r.link.logger.Debugf("delivered message=%s from node=%s to queue=%s", env.Message.ID(), env.Origin, env.Queue)
	return &emptypb.Empty{}, nil
}

func (r *receiver) Heartbeat(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	r.link.logger.Debugf("heartbeat from node=%s", in.GetValue())
	return &emptypb.Empty{}, nil
}

// Verify that GRPCPeerLink implements the peerlink.PeerLink interface at compile time
var _ peerlink.PeerLink = (*GRPCPeerLink)(nil)
