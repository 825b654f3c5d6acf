package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/flowchartsman/retry"
)

// ErrNotAuthenticated is returned by calls made before Authenticate
var ErrNotAuthenticated = errors.New("client not authenticated - call Authenticate() first")

// Client provides an HTTP client for the post office management API
type Client struct {
	config     Config
	httpClient *http.Client
	token      string
	baseURL    *url.URL
}

// NewClient creates a new management API client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("ClientID is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    baseURL,
	}, nil
}

// Authenticate logs in with the configured client id and stores the token
func (c *Client) Authenticate(ctx context.Context) error {
	authReq := map[string]string{
		"clientId": c.config.ClientID,
	}

	var authResp AuthResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/login", authReq, &authResp, false); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	c.token = authResp.Token
	return nil
}

// CreateBinding creates a queue, divert or remote binding
func (c *Client) CreateBinding(ctx context.Context, req BindingRequest) (*Binding, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	var resp Binding
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/bindings", req, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to create binding: %w", err)
	}
	return &resp, nil
}

// CreateQueue creates a local queue bound to address
func (c *Client) CreateQueue(ctx context.Context, name, address string, filter map[string]string, temporary bool) (*Binding, error) {
	return c.CreateBinding(ctx, BindingRequest{
		Type:      BindingKindQueue,
		Name:      name,
		Address:   address,
		Filter:    filter,
		Temporary: temporary,
	})
}

// CreateDivert creates a divert from address to forwardAddress
func (c *Client) CreateDivert(ctx context.Context, name, address, forwardAddress string, exclusive bool) (*Binding, error) {
	return c.CreateBinding(ctx, BindingRequest{
		Type:           BindingKindDivert,
		Name:           name,
		Address:        address,
		ForwardAddress: forwardAddress,
		Exclusive:      exclusive,
	})
}

// ListBindings returns every binding of the node
func (c *Client) ListBindings(ctx context.Context) ([]Binding, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	var resp BindingsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/bindings", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	return resp.Bindings, nil
}

// DeleteBinding removes a binding by name (admin only)
func (c *Client) DeleteBinding(ctx context.Context, name string) error {
	if c.token == "" {
		return ErrNotAuthenticated
	}

	path := "/api/v1/bindings/" + url.PathEscape(name)
	if err := c.doRequest(ctx, http.MethodDelete, path, nil, nil, true); err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	return nil
}

// SetConsumers sets the advertised consumer count of a remote binding (admin only)
func (c *Client) SetConsumers(ctx context.Context, name string, consumers int) error {
	if c.token == "" {
		return ErrNotAuthenticated
	}

	path := "/api/v1/bindings/" + url.PathEscape(name) + "/consumers"
	if err := c.doRequest(ctx, http.MethodPut, path, map[string]int{"consumers": consumers}, nil, true); err != nil {
		return fmt.Errorf("failed to set consumers: %w", err)
	}
	return nil
}

// CloseSession removes the temporary bindings created by this client
func (c *Client) CloseSession(ctx context.Context) (*SessionResponse, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	var resp SessionResponse
	if err := c.doRequest(ctx, http.MethodDelete, "/api/v1/session", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to close session: %w", err)
	}
	return &resp, nil
}

// Publish routes a message. Payload is marshalled to JSON unless it already is json.RawMessage.
func (c *Client) Publish(ctx context.Context, address string, payload any, opts ...PublishOption) (*PublishResponse, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	raw, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	req := PublishRequest{Address: address, Payload: raw}
	for _, opt := range opts {
		opt(&req)
	}

	var resp PublishResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/messages", req, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}
	return &resp, nil
}

// PublishOption sets optional message properties
type PublishOption func(*PublishRequest)

// WithHeaders sets message headers
func WithHeaders(headers map[string]string) PublishOption {
	return func(r *PublishRequest) { r.Headers = headers }
}

// WithDuplicateID sets the duplicate detection id
func WithDuplicateID(id string) PublishOption {
	return func(r *PublishRequest) { r.DuplicateID = id }
}

// WithGroupID sets the message group
func WithGroupID(groupID string) PublishOption {
	return func(r *PublishRequest) { r.GroupID = groupID }
}

// Browse reads messages of a queue starting at offset without consuming them
func (c *Client) Browse(ctx context.Context, queue string, offset int64, limit int) (*MessagesResponse, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	path := "/api/v1/queues/" + url.PathEscape(queue) + "/messages"
	queryParams := url.Values{}
	if offset >= 0 {
		queryParams.Set("offset", strconv.FormatInt(offset, 10))
	}
	if limit > 0 {
		queryParams.Set("limit", strconv.Itoa(limit))
	}

	var resp MessagesResponse
	if err := c.doRequestWithQuery(ctx, http.MethodGet, path, queryParams, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to browse queue: %w", err)
	}
	return &resp, nil
}

// Receive consumes up to max messages from a queue
func (c *Client) Receive(ctx context.Context, queue string, max int) (*MessagesResponse, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	path := "/api/v1/queues/" + url.PathEscape(queue) + "/receive"
	queryParams := url.Values{}
	if max > 0 {
		queryParams.Set("max", strconv.Itoa(max))
	}

	var resp MessagesResponse
	if err := c.doRequestWithQuery(ctx, http.MethodPost, path, queryParams, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}
	return &resp, nil
}

// AttachConsumer registers the client's session as a consumer of a queue.
// A queue with consumers is not redistributed.
func (c *Client) AttachConsumer(ctx context.Context, queue string) (*ConsumerResponse, error) {
	return c.consumer(ctx, http.MethodPost, queue)
}

// DetachConsumer unregisters one consumer the client's session attached to a queue
func (c *Client) DetachConsumer(ctx context.Context, queue string) (*ConsumerResponse, error) {
	return c.consumer(ctx, http.MethodDelete, queue)
}

func (c *Client) consumer(ctx context.Context, method, queue string) (*ConsumerResponse, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	var resp ConsumerResponse
	path := "/api/v1/queues/" + url.PathEscape(queue) + "/consumers"
	if err := c.doRequest(ctx, method, path, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to update consumers: %w", err)
	}
	return &resp, nil
}

// Redistribute moves up to max messages of a queue to remote bindings (admin only)
func (c *Client) Redistribute(ctx context.Context, queue string, max int) (*RedistributeResponse, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	path := "/api/v1/queues/" + url.PathEscape(queue) + "/redistribute"
	queryParams := url.Values{}
	if max > 0 {
		queryParams.Set("max", strconv.Itoa(max))
	}

	var resp RedistributeResponse
	if err := c.doRequestWithQuery(ctx, http.MethodPost, path, queryParams, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to redistribute messages: %w", err)
	}
	return &resp, nil
}

// GetHealth returns the health status of the node
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, &resp, false); err != nil {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

// Admin Methods (require admin token)

// AdminListPeers returns the connected peer nodes (admin only)
func (c *Client) AdminListPeers(ctx context.Context) (*PeersResponse, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	var resp PeersResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/peers", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	return &resp, nil
}

// doRequestWithQuery performs an HTTP request with query parameters and optional authentication.
// GET requests are retried on transport errors and 5xx answers.
func (c *Client) doRequestWithQuery(ctx context.Context, method, path string, queryParams url.Values, reqBody any, respBody any, requireAuth bool) error {
	u := &url.URL{Path: path}
	if len(queryParams) > 0 {
		u.RawQuery = queryParams.Encode()
	}
	fullURL := c.baseURL.ResolveReference(u)

	var jsonBody []byte
	if reqBody != nil {
		var err error
		if jsonBody, err = json.Marshal(reqBody); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	attempts := 1
	if method == http.MethodGet {
		attempts += c.config.MaxRetries
	}

	// lastErr keeps the answer of the final attempt, whatever stopped the retrier
	var lastErr error
	retrier := retry.NewRetrier(attempts, c.config.RetryBackoff, c.config.MaxRetryBackoff)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		retryable, err := c.roundTrip(ctx, method, fullURL.String(), jsonBody, respBody, requireAuth)
		lastErr = err
		if err != nil && !retryable {
			return retry.Stop(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if lastErr == nil {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
		return errors.Join(lastErr, ctxErr)
	}
	return lastErr
}

// roundTrip executes one request and reports whether a failure may be retried
func (c *Client) roundTrip(ctx context.Context, method, fullURL string, jsonBody []byte, respBody any, requireAuth bool) (bool, error) {
	var bodyReader io.Reader
	if jsonBody != nil {
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	if jsonBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requireAuth && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bodyBytes)}
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err == nil && errResp.Message != "" {
			apiErr.Message = errResp.Message
		}
		return resp.StatusCode >= http.StatusInternalServerError, apiErr
	}

	if respBody != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return false, fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return false, nil
}

// doRequest performs an HTTP request with optional authentication
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody any, respBody any, requireAuth bool) error {
	return c.doRequestWithQuery(ctx, method, path, nil, reqBody, respBody, requireAuth)
}

// IsAuthenticated returns whether the client has a valid token
func (c *Client) IsAuthenticated() bool {
	return c.token != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	return c.token
}

// SetToken sets the authentication token (useful for testing or token reuse)
func (c *Client) SetToken(token string) {
	c.token = token
}
