package httpapi

import (
	"encoding/json"
	"time"
)

// Request/Response types for the management API

// AuthRequest represents a login request
type AuthRequest struct {
	ClientID string `json:"clientId"`
}

// AuthResponse represents a login response
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
	Type    string `json:"type"`
	Name    string `json:"name"`
	Address string `json:"address"`

	// queue
	Filter    map[string]string `json:"filter,omitempty"`
	Temporary bool              `json:"temporary,omitempty"`

	// divert
	ForwardAddress string `json:"forwardAddress,omitempty"`
	Exclusive      bool   `json:"exclusive,omitempty"`

	// remote
	NodeID    string `json:"nodeId,omitempty"`
	Queue     string `json:"queue,omitempty"`
	Consumers int    `json:"consumers,omitempty"`
}

// BindingResponse describes a registered binding
type BindingResponse struct {
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

// BindingsListResponse represents a list of bindings
type BindingsListResponse struct {
	Bindings []BindingResponse `json:"bindings"`
}

// ConsumersRequest sets the consumer count of a remote binding
type ConsumersRequest struct {
	Consumers int `json:"consumers"`
}

// PublishRequest represents a message publishing request.
// Payload is stored verbatim as the message body.
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

// MessageResponse is a message read from a queue
type MessageResponse struct {
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
	Queue    string            `json:"queue"`
	Messages []MessageResponse `json:"messages"`
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

// PeerResponse describes a connected peer node
type PeerResponse struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Healthy bool   `json:"healthy"`
}

// PeersResponse lists connected peer nodes
type PeersResponse struct {
	NodeID string         `json:"nodeId"`
	Peers  []PeerResponse `json:"peers"`
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
