package brokernode

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/postoffice-go/internal/address"
	"github.com/rmacdonaldsmith/postoffice-go/internal/discovery"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

var (
	// ErrEmptyNodeID is returned when node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")
	// ErrInvalidListenAddress is returned when the peer link listen address is empty
	ErrInvalidListenAddress = errors.New("listen address cannot be empty")
	// ErrInvalidWildcard is returned when a wildcard character is not a single byte
	ErrInvalidWildcard = errors.New("wildcard characters must be single bytes")
	// ErrInvalidDeclaration is returned when a declared queue, divert or remote binding is incomplete
	ErrInvalidDeclaration = errors.New("invalid binding declaration")
)

// Default values applied by SetDefaults
const (
	DefaultHTTPPort      = "8081"
	DefaultListenAddress = "localhost:9090"
	DefaultDepageBatch   = 100
)

// HTTPConfig configures the management API
type HTTPConfig struct {
	// Port is the listening port, "0" picks a free one
	Port string `yaml:"port"`
	// SecretKey signs management tokens
	SecretKey string `yaml:"secretKey"`
	// TokenTTL is how long issued tokens stay valid
	TokenTTL time.Duration `yaml:"tokenTTL"`
	// NoAuth disables authentication of non-admin endpoints
	NoAuth bool `yaml:"noAuth"`
	// Disabled turns the management API off
	Disabled bool `yaml:"disabled"`
}

// PeerLinkConfig configures the transport to other nodes
type PeerLinkConfig struct {
	// ListenAddress is the "host:port" peers connect to
	ListenAddress     string        `yaml:"listenAddress"`
	SendTimeout       time.Duration `yaml:"sendTimeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	MaxMessageSize    int           `yaml:"maxMessageSize"`
}

// AddressPolicy sets the routing type of the addresses matching Pattern
type AddressPolicy struct {
	Pattern     string `yaml:"pattern"`
	RoutingType string `yaml:"routingType"`
}

// WildcardConfig holds the address pattern characters as one-character strings
type WildcardConfig struct {
	Delimiter  string `yaml:"delimiter"`
	SingleWord string `yaml:"singleWord"`
	AnyWords   string `yaml:"anyWords"`
}

// RoutingConfig configures the post office
type RoutingConfig struct {
	// IDCacheSize is the duplicate id window per address
	IDCacheSize int `yaml:"idCacheSize"`
	// DefaultRoutingType applies to addresses without policy: "anycast" or "multicast"
	DefaultRoutingType string          `yaml:"defaultRoutingType"`
	AddressPolicies    []AddressPolicy `yaml:"addressPolicies"`
	Wildcards          WildcardConfig  `yaml:"wildcards"`
	// NotificationAddress receives binding notifications
	NotificationAddress string `yaml:"notificationAddress"`
	// DeadLetterAddress receives messages without route. Empty keeps ErrNoRoute.
	DeadLetterAddress string `yaml:"deadLetterAddress"`
}

// PagingConfig configures paging of full queues
type PagingConfig struct {
	// Directory holds the bbolt page file. Empty pages into memory.
	Directory string `yaml:"directory"`
	// MaxSizeBytes is the queue size from which messages are paged. Zero disables paging.
	MaxSizeBytes      int64            `yaml:"maxSizeBytes"`
	QueueMaxSizeBytes map[string]int64 `yaml:"queueMaxSizeBytes"`
	// DepageBatch is the number of paged messages restored per read
	DepageBatch int `yaml:"depageBatch"`
}

// GroupingConfig configures message group affinity
type GroupingConfig struct {
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	ReapInterval time.Duration `yaml:"reapInterval"`
}

// QueueConfig declares a local queue
type QueueConfig struct {
	Name    string            `yaml:"name"`
	Address string            `yaml:"address"`
	Filter  map[string]string `yaml:"filter"`
}

// DivertConfig declares a divert
type DivertConfig struct {
	Name           string `yaml:"name"`
	Address        string `yaml:"address"`
	ForwardAddress string `yaml:"forwardAddress"`
	Exclusive      bool   `yaml:"exclusive"`
}

// RemoteBindingConfig declares a binding to a queue hosted by a peer
type RemoteBindingConfig struct {
	Name      string `yaml:"name"`
	Address   string `yaml:"address"`
	NodeID    string `yaml:"nodeId"`
	Queue     string `yaml:"queue"`
	Consumers int    `yaml:"consumers"`
}

// Config represents configuration for a broker Node
type Config struct {
	// NodeID uniquely identifies this node among its peers
	NodeID string `yaml:"nodeId"`

	HTTP     HTTPConfig     `yaml:"http"`
	PeerLink PeerLinkConfig `yaml:"peerLink"`

	// Peers are static seeds, "id=host:port" or "host:port"
	Peers []string `yaml:"peers"`

	Routing  RoutingConfig  `yaml:"routing"`
	Paging   PagingConfig   `yaml:"paging"`
	Grouping GroupingConfig `yaml:"grouping"`

	Queues         []QueueConfig         `yaml:"queues"`
	Diverts        []DivertConfig        `yaml:"diverts"`
	RemoteBindings []RemoteBindingConfig `yaml:"remoteBindings"`

	// LogLevel is used by the server binary when it builds its logger
	LogLevel string `yaml:"logLevel"`
}

// NewConfig creates a new node configuration with safe defaults
func NewConfig(nodeID, listenAddress string) *Config {
	config := &Config{
		NodeID:   nodeID,
		PeerLink: PeerLinkConfig{ListenAddress: listenAddress},
	}
	config.SetDefaults()
	return config
}

// LoadConfig reads a YAML configuration file. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	config := &Config{}
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	config.SetDefaults()
	return config, nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.HTTP.Port == "" {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.PeerLink.ListenAddress == "" {
		c.PeerLink.ListenAddress = DefaultListenAddress
	}
	if c.Paging.DepageBatch <= 0 {
		c.Paging.DepageBatch = DefaultDepageBatch
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.PeerLink.ListenAddress == "" {
		return ErrInvalidListenAddress
	}

	if _, err := postoffice.ParseRoutingType(c.Routing.DefaultRoutingType); err != nil {
		return err
	}
	for _, policy := range c.Routing.AddressPolicies {
		if policy.Pattern == "" {
			return fmt.Errorf("address policy without pattern: %w", ErrInvalidDeclaration)
		}
		if _, err := postoffice.ParseRoutingType(policy.RoutingType); err != nil {
			return err
		}
	}
	wildcards, err := c.Routing.Wildcards.toAddressConfig()
	if err != nil {
		return err
	}
	if err := wildcards.Validate(); err != nil {
		return err
	}

	for _, seed := range c.Peers {
		if _, err := discovery.ParseSeed(seed); err != nil {
			return err
		}
	}

	for _, q := range c.Queues {
		if q.Name == "" || q.Address == "" {
			return fmt.Errorf("queue=(%s) needs a name and an address: %w", q.Name, ErrInvalidDeclaration)
		}
	}
	for _, d := range c.Diverts {
		if d.Name == "" || d.Address == "" || d.ForwardAddress == "" {
			return fmt.Errorf("divert=(%s) needs a name, an address and a forward address: %w", d.Name, ErrInvalidDeclaration)
		}
	}
	for _, r := range c.RemoteBindings {
		if r.Name == "" || r.Address == "" || r.NodeID == "" {
			return fmt.Errorf("remote binding=(%s) needs a name, an address and a node: %w", r.Name, ErrInvalidDeclaration)
		}
	}
	return nil
}

// toAddressConfig converts the wildcard strings, leaving unset characters to the defaults
func (w WildcardConfig) toAddressConfig() (address.WildcardConfig, error) {
	var config address.WildcardConfig
	for _, c := range []struct {
		value string
		dst   *byte
	}{
		{w.Delimiter, &config.Delimiter},
		{w.SingleWord, &config.SingleWord},
		{w.AnyWords, &config.AnyWords},
	} {
		switch len(c.value) {
		case 0:
		case 1:
			*c.dst = c.value[0]
		default:
			return config, fmt.Errorf("%q: %w", c.value, ErrInvalidWildcard)
		}
	}
	config.SetDefaults()
	return config, nil
}

// WithHTTPConfig sets the management API configuration
func (c *Config) WithHTTPConfig(config HTTPConfig) *Config {
	c.HTTP = config
	return c
}

// WithPeers sets the static peer seeds
func (c *Config) WithPeers(peers ...string) *Config {
	c.Peers = peers
	return c
}

// WithRoutingConfig sets the post office configuration
func (c *Config) WithRoutingConfig(config RoutingConfig) *Config {
	c.Routing = config
	return c
}

// WithPagingConfig sets the paging configuration
func (c *Config) WithPagingConfig(config PagingConfig) *Config {
	c.Paging = config
	if c.Paging.DepageBatch <= 0 {
		c.Paging.DepageBatch = DefaultDepageBatch
	}
	return c
}

// WithGroupingConfig sets the group affinity configuration
func (c *Config) WithGroupingConfig(config GroupingConfig) *Config {
	c.Grouping = config
	return c
}

// WithQueues declares local queues created on start
func (c *Config) WithQueues(queues ...QueueConfig) *Config {
	c.Queues = append(c.Queues, queues...)
	return c
}

// WithDiverts declares diverts created on start
func (c *Config) WithDiverts(diverts ...DivertConfig) *Config {
	c.Diverts = append(c.Diverts, diverts...)
	return c
}

// WithRemoteBindings declares remote bindings created on start
func (c *Config) WithRemoteBindings(bindings ...RemoteBindingConfig) *Config {
	c.RemoteBindings = append(c.RemoteBindings, bindings...)
	return c
}
