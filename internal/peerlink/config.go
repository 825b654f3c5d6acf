package peerlink

import (
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	// ErrEmptyNodeID is returned when the link has no node id to present to peers
	ErrEmptyNodeID = errors.New("peer link node ID cannot be empty")
	// ErrEmptyListenAddress is returned when the link has no address to serve on
	ErrEmptyListenAddress = errors.New("peer link listen address cannot be empty")
)

// Defaults applied by Config.SetDefaults
const (
	DefaultSendTimeout       = time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultMaxMessageSize    = 4 << 20
)

// Config holds configuration of the gRPC peer link
type Config struct {
	// NodeID is sent as origin of every delivery and heartbeat
	NodeID string
	// ListenAddress is the "host:port" Start listens on
	ListenAddress string
	// SendTimeout bounds a single Deliver or heartbeat call
	SendTimeout       time.Duration
	HeartbeatInterval time.Duration
	// MaxMessageSize caps encoded envelopes in both directions
	MaxMessageSize int

	// DialOptions are appended to the options used to reach peers
	DialOptions []grpc.DialOption
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.ListenAddress == "" {
		return ErrEmptyListenAddress
	}
	return nil
}

// SetDefaults fills unset durations and sizes
func (c *Config) SetDefaults() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
}

func (c *Config) serverOptions() []grpc.ServerOption {
	return []grpc.ServerOption{grpc.MaxRecvMsgSize(c.MaxMessageSize)}
}

func (c *Config) dialOptions() []grpc.DialOption {
	options := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(c.MaxMessageSize)),
	}
	return append(options, c.DialOptions...)
}
