package httpclient

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the management API (e.g., "http://localhost:8081")
	ServerURL string

	// ClientID is the identifier for this client
	ClientID string

	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxRetries for failed idempotent requests
	MaxRetries int

	// RetryBackoff is the wait before the first retry, growing exponentially
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the wait between two retries
	MaxRetryBackoff time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		c.MaxRetryBackoff = max(2*time.Second, c.RetryBackoff)
	}
}

// APIError is returned when the server answers with an error status
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// AuthResponse represents the response from authentication
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Binding kinds accepted by BindingRequest.Type
const (
	BindingKindQueue  = "queue"
	BindingKindDivert = "divert"
	BindingKindRemote = "remote"
)

// BindingRequest creates a queue, divert or remote binding
type BindingRequest struct {
	Type           string            `json:"type"`
	Name           string            `json:"name"`
	Address        string            `json:"address"`
	Filter         map[string]string `json:"filter,omitempty"`
	Temporary      bool              `json:"temporary,omitempty"`
	ForwardAddress string            `json:"forwardAddress,omitempty"`
	Exclusive      bool              `json:"exclusive,omitempty"`
	NodeID         string            `json:"nodeId,omitempty"`
	Queue          string            `json:"queue,omitempty"`
	Consumers      int               `json:"consumers,omitempty"`
}

// Binding describes a registered binding
type Binding struct {
	Name           string `json:"name"`
	Address        string `json:"address"`
	Type           string `json:"type"`
	State          string `json:"state"`
	Owner          string `json:"owner,omitempty"`
	NodeID         string `json:"nodeId,omitempty"`
	Consumers      int    `json:"consumers"`
	ForwardAddress string `json:"forwardAddress,omitempty"`
	Exclusive      bool   `json:"exclusive,omitempty"`
}

// BindingsResponse represents a list of bindings
type BindingsResponse struct {
	Bindings []Binding `json:"bindings"`
}

// PublishRequest represents a message publishing request
type PublishRequest struct {
	Address     string            `json:"address"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
	DuplicateID string            `json:"duplicateId,omitempty"`
	GroupID     string            `json:"groupId,omitempty"`
}

// PublishResponse describes the outcome of routing a published message
type PublishResponse struct {
	MessageID string    `json:"messageId"`
	Address   string    `json:"address"`
	Duplicate bool      `json:"duplicate"`
	Targets   []string  `json:"targets"`
	Paged     []string  `json:"paged,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is a message read from a queue
type Message struct {
	ID          string            `json:"id"`
	Offset      int64             `json:"offset"`
	Address     string            `json:"address"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
	DuplicateID string            `json:"duplicateId,omitempty"`
	GroupID     string            `json:"groupId,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// MessagesResponse is a page of queue messages
type MessagesResponse struct {
	Queue    string    `json:"queue"`
	Messages []Message `json:"messages"`
}

// ConsumerResponse reports the consumer count of a local queue
type ConsumerResponse struct {
	Queue     string `json:"queue"`
	Consumers int    `json:"consumers"`
}

// RedistributeResponse reports how many messages left the queue
type RedistributeResponse struct {
	Queue         string `json:"queue"`
	Redistributed int    `json:"redistributed"`
}

// SessionResponse reports the temporary bindings removed with a session
type SessionResponse struct {
	ClientID string `json:"clientId"`
	Removed  int    `json:"removed"`
}

// Peer describes a connected peer node
type Peer struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Healthy bool   `json:"healthy"`
}

// PeersResponse lists connected peer nodes
type PeersResponse struct {
	NodeID string `json:"nodeId"`
	Peers  []Peer `json:"peers"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Healthy           bool   `json:"healthy"`
	NodeID            string `json:"nodeId"`
	PostOfficeHealthy bool   `json:"postOfficeHealthy"`
	PagingHealthy     bool   `json:"pagingHealthy"`
	PeerLinkHealthy   bool   `json:"peerLinkHealthy"`
	Bindings          int    `json:"bindings"`
	ConnectedPeers    int    `json:"connectedPeers"`
	Message           string `json:"message,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
