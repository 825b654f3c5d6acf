package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		ServerURL:    serverURL,
		ClientID:     "test-client",
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	client.SetToken("test-token")
	return client
}

func TestNewClient(t *testing.T) {
	t.Run("valid_config", func(t *testing.T) {
		client, err := NewClient(Config{
			ServerURL: "http://localhost:8081",
			ClientID:  "test-client",
		})
		require.NoError(t, err)
		assert.NotNil(t, client)
		assert.Equal(t, "test-client", client.config.ClientID)
		assert.Equal(t, 30*time.Second, client.config.Timeout)
		assert.Equal(t, 3, client.config.MaxRetries)
		assert.False(t, client.IsAuthenticated())
	})

	t.Run("missing_server_url", func(t *testing.T) {
		client, err := NewClient(Config{ClientID: "test-client"})
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "ServerURL is required")
	})

	t.Run("missing_client_id", func(t *testing.T) {
		client, err := NewClient(Config{ServerURL: "http://localhost:8081"})
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "ClientID is required")
	})

	t.Run("invalid_server_url", func(t *testing.T) {
		client, err := NewClient(Config{ServerURL: "://invalid-url", ClientID: "test-client"})
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "invalid ServerURL")
	})
}

func TestClient_Authenticate(t *testing.T) {
	t.Run("successful_authentication", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/v1/auth/login", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var authReq map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&authReq))
			assert.Equal(t, "test-client", authReq["clientId"])

			_ = json.NewEncoder(w).Encode(AuthResponse{
				Token:     "mock-token-123",
				ClientID:  "test-client",
				ExpiresAt: time.Now().Add(time.Hour),
			})
		}))
		defer server.Close()

		client, err := NewClient(Config{ServerURL: server.URL, ClientID: "test-client"})
		require.NoError(t, err)

		require.NoError(t, client.Authenticate(context.Background()))
		assert.True(t, client.IsAuthenticated())
		assert.Equal(t, "mock-token-123", client.GetToken())
	})

	t.Run("authentication_failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(ErrorResponse{
				Error:   "Unauthorized",
				Message: "Invalid client credentials",
				Code:    401,
			})
		}))
		defer server.Close()

		client, err := NewClient(Config{ServerURL: server.URL, ClientID: "invalid-client"})
		require.NoError(t, err)

		err = client.Authenticate(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
		assert.Contains(t, err.Error(), "Invalid client credentials")
		assert.False(t, client.IsAuthenticated())

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	})
}

func TestClient_NotAuthenticated(t *testing.T) {
	client, err := NewClient(Config{ServerURL: "http://localhost:8081", ClientID: "test-client"})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.Publish(ctx, "orders", "hello")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = client.ListBindings(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = client.Browse(ctx, "q1", 0, 10)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = client.Receive(ctx, "q1", 10)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.ErrorIs(t, client.DeleteBinding(ctx, "q1"), ErrNotAuthenticated)
}

func TestClient_Publish(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/messages", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req PublishRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "orders", req.Address)
		assert.JSONEq(t, `{"message":"hello world"}`, string(req.Payload))
		assert.Equal(t, "eu", req.Headers["region"])
		assert.Equal(t, "order-1", req.DuplicateID)
		assert.Equal(t, "customer-7", req.GroupID)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(PublishResponse{
			MessageID: "msg-1",
			Address:   "orders",
			Targets:   []string{"q1"},
			Timestamp: time.Now(),
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.Publish(context.Background(), "orders", map[string]string{"message": "hello world"},
		WithHeaders(map[string]string{"region": "eu"}),
		WithDuplicateID("order-1"),
		WithGroupID("customer-7"),
	)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", resp.MessageID)
	assert.Equal(t, []string{"q1"}, resp.Targets)
}

func TestClient_PublishRawPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req PublishRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, `[1,2,3]`, string(req.Payload))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(PublishResponse{MessageID: "msg-2"})
	}))
	defer server.Close()

	resp, err := newTestClient(t, server.URL).Publish(context.Background(), "orders", json.RawMessage(`[1,2,3]`))
	require.NoError(t, err)
	assert.Equal(t, "msg-2", resp.MessageID)
}

func TestClient_Bindings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/bindings":
			var req BindingRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Binding{
				Name: req.Name, Address: req.Address, Type: "LocalQueue", State: "Active", ForwardAddress: req.ForwardAddress,
			})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/bindings":
			_ = json.NewEncoder(w).Encode(BindingsResponse{Bindings: []Binding{{Name: "q1"}, {Name: "q2"}}})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/bindings/q1":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPut && r.URL.Path == "/api/v1/bindings/r1/consumers":
			var req map[string]int
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, 3, req["consumers"])
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/session":
			_ = json.NewEncoder(w).Encode(SessionResponse{ClientID: "test-client", Removed: 2})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "Not Found", Message: "binding=(missing) binding not found", Code: 404})
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	binding, err := client.CreateQueue(ctx, "q1", "orders", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "q1", binding.Name)
	assert.Equal(t, "Active", binding.State)

	divert, err := client.CreateDivert(ctx, "audit", "orders", "audit.orders", false)
	require.NoError(t, err)
	assert.Equal(t, "audit.orders", divert.ForwardAddress)

	bindings, err := client.ListBindings(ctx)
	require.NoError(t, err)
	assert.Len(t, bindings, 2)

	require.NoError(t, client.DeleteBinding(ctx, "q1"))
	require.NoError(t, client.SetConsumers(ctx, "r1", 3))

	session, err := client.CloseSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, session.Removed)

	err = client.DeleteBinding(ctx, "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "binding not found")
}

func TestClient_Queues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/queues/q1/messages":
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "5", r.URL.Query().Get("offset"))
			assert.Equal(t, "10", r.URL.Query().Get("limit"))
			_ = json.NewEncoder(w).Encode(MessagesResponse{Queue: "q1", Messages: []Message{{ID: "m1", Offset: 5, Payload: json.RawMessage(`1`)}}})
		case "/api/v1/queues/q1/receive":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "2", r.URL.Query().Get("max"))
			_ = json.NewEncoder(w).Encode(MessagesResponse{Queue: "q1", Messages: []Message{{ID: "m1"}, {ID: "m2"}}})
		case "/api/v1/queues/q1/consumers":
			consumers := 1
			if r.Method == http.MethodDelete {
				consumers = 0
			}
			_ = json.NewEncoder(w).Encode(ConsumerResponse{Queue: "q1", Consumers: consumers})
		case "/api/v1/queues/q1/redistribute":
			assert.Equal(t, http.MethodPost, r.Method)
			_ = json.NewEncoder(w).Encode(RedistributeResponse{Queue: "q1", Redistributed: 4})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	browsed, err := client.Browse(ctx, "q1", 5, 10)
	require.NoError(t, err)
	require.Len(t, browsed.Messages, 1)
	assert.Equal(t, int64(5), browsed.Messages[0].Offset)

	received, err := client.Receive(ctx, "q1", 2)
	require.NoError(t, err)
	assert.Len(t, received.Messages, 2)

	attached, err := client.AttachConsumer(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, 1, attached.Consumers)
	detached, err := client.DetachConsumer(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, 0, detached.Consumers)

	redistributed, err := client.Redistribute(ctx, "q1", 0)
	require.NoError(t, err)
	assert.Equal(t, 4, redistributed.Redistributed)
}

func TestClient_HealthAndPeers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/health":
			assert.Empty(t, r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(HealthResponse{Healthy: true, NodeID: "node-a", Bindings: 3})
		case "/api/v1/admin/peers":
			_ = json.NewEncoder(w).Encode(PeersResponse{NodeID: "node-a", Peers: []Peer{{ID: "node-b", Healthy: true}}})
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	health, err := client.GetHealth(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Equal(t, 3, health.Bindings)

	peers, err := client.AdminListPeers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers.Peers, 1)
	assert.Equal(t, "node-b", peers.Peers[0].ID)
}

func TestClient_Retries(t *testing.T) {
	t.Run("get_retried_on_server_error", func(t *testing.T) {
		calls := atomic.NewInt32(0)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Inc() < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_ = json.NewEncoder(w).Encode(HealthResponse{Healthy: true})
		}))
		defer server.Close()

		health, err := newTestClient(t, server.URL).GetHealth(context.Background())
		require.NoError(t, err)
		assert.True(t, health.Healthy)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("post_not_retried", func(t *testing.T) {
		calls := atomic.NewInt32(0)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Inc()
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		_, err := newTestClient(t, server.URL).Publish(context.Background(), "orders", 1)
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("client_errors_not_retried", func(t *testing.T) {
		calls := atomic.NewInt32(0)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Inc()
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		_, err := newTestClient(t, server.URL).Browse(context.Background(), "q1", 0, 1)
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})
	t.Run("get_retries_exhausted", func(t *testing.T) {
		calls := atomic.NewInt32(0)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Inc()
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		_, err := client.ListBindings(context.Background())
		require.Error(t, err)

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
		assert.Equal(t, int32(client.config.MaxRetries+1), calls.Load())
	})

	t.Run("cancelled_context_stops_retries", func(t *testing.T) {
		calls := atomic.NewInt32(0)
		ctx, cancel := context.WithCancel(context.Background())
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Inc()
			cancel()
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		client, err := NewClient(Config{
			ServerURL:    server.URL,
			ClientID:     "test-client",
			MaxRetries:   5,
			RetryBackoff: 50 * time.Millisecond,
		})
		require.NoError(t, err)

		_, err = client.GetHealth(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("max_backoff_default", func(t *testing.T) {
		config := Config{RetryBackoff: 5 * time.Second}
		config.SetDefaults()
		assert.Equal(t, 5*time.Second, config.MaxRetryBackoff)

		config = Config{}
		config.SetDefaults()
		assert.Equal(t, 2*time.Second, config.MaxRetryBackoff)
	})
}
