package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestNewServer tests that we can create a new server instance
func TestNewServer(t *testing.T) {
	ts := newTestServer(t, Config{Port: "0"})

	if ts.server.broker == nil {
		t.Error("Expected server broker to be set")
	}
	if ts.server.jwtAuth == nil {
		t.Error("Expected JWT auth to be initialized")
	}
	if ts.server.handlers == nil {
		t.Error("Expected handlers to be initialized")
	}
	if ts.server.middleware == nil {
		t.Error("Expected middleware to be initialized")
	}
	if ts.server.server.Addr != ":0" {
		t.Errorf("Expected address ':0', got %q", ts.server.server.Addr)
	}
}

func TestServer_DefaultSecretKey(t *testing.T) {
	server := NewServer(newFakeBroker(t), Config{})

	token, _, err := NewJWTAuth(DefaultSecretKey).GenerateToken("client", false)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if _, err := server.jwtAuth.ValidateToken(token); err != nil {
		t.Errorf("Expected default secret to validate tokens, got %v", err)
	}
}

func TestServer_ServeAndStop(t *testing.T) {
	ts := newTestServer(t, Config{})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- ts.server.Serve(lis) }()

	resp, err := http.Get("http://" + lis.Addr().String() + "/api/v1/health")
	if err != nil {
		t.Fatalf("Failed to call health endpoint: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.server.Stop(ctx); err != nil {
		t.Errorf("Expected clean stop, got %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Expected Serve to return nil after Stop, got %v", err)
	}
}

func TestServer_Root(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.do(http.MethodGet, "/", "", nil)
	expectStatus(t, rec, http.StatusOK)

	info := decodeBody[map[string]any](t, rec)
	if info["nodeId"] != "test-node" {
		t.Errorf("Expected nodeId 'test-node', got %v", info["nodeId"])
	}
	if _, ok := info["endpoints"]; !ok {
		t.Error("Expected endpoints in API info")
	}

	rec = ts.do(http.MethodGet, "/unknown", "", nil)
	expectStatus(t, rec, http.StatusNotFound)
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.do(http.MethodGet, "/api/v1/health", "", nil)
	expectStatus(t, rec, http.StatusOK)
	health := decodeBody[HealthResponse](t, rec)
	if !health.Healthy || health.NodeID != "test-node" {
		t.Errorf("Unexpected health response: %+v", health)
	}

	ts.broker.healthy = false
	rec = ts.do(http.MethodGet, "/api/v1/health", "", nil)
	expectStatus(t, rec, http.StatusServiceUnavailable)
}

func TestServer_Login(t *testing.T) {
	ts := newTestServer(t, Config{})

	t.Run("client", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/api/v1/auth/login", "", AuthRequest{ClientID: "client-1"})
		expectStatus(t, rec, http.StatusOK)

		resp := decodeBody[AuthResponse](t, rec)
		claims, err := ts.auth.ValidateToken(resp.Token)
		if err != nil {
			t.Fatalf("Expected issued token to validate, got %v", err)
		}
		if claims.ClientID != "client-1" || claims.IsAdmin {
			t.Errorf("Unexpected claims: %+v", claims)
		}
	})

	t.Run("admin", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/api/v1/auth/login", "", AuthRequest{ClientID: "admin"})
		expectStatus(t, rec, http.StatusOK)

		claims, err := ts.auth.ValidateToken(decodeBody[AuthResponse](t, rec).Token)
		if err != nil || !claims.IsAdmin {
			t.Errorf("Expected admin claims, got %+v, %v", claims, err)
		}
	})

	t.Run("short client id", func(t *testing.T) {
		rec := ts.do(http.MethodPost, "/api/v1/auth/login", "", AuthRequest{ClientID: "a"})
		expectStatus(t, rec, http.StatusBadRequest)
	})

	t.Run("wrong content type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"clientId":"client-1"}`))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(rec, req)
		expectStatus(t, rec, http.StatusBadRequest)
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/auth/login", "", nil)
		expectStatus(t, rec, http.StatusMethodNotAllowed)
	})
}

func TestServer_Authentication(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.do(http.MethodGet, "/api/v1/bindings", "", nil)
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = ts.do(http.MethodGet, "/api/v1/bindings", "not-a-token", nil)
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = ts.do(http.MethodGet, "/api/v1/admin/peers", ts.token("client-1", false), nil)
	expectStatus(t, rec, http.StatusForbidden)

	rec = ts.do(http.MethodGet, "/api/v1/bindings", ts.token("client-1", false), nil)
	expectStatus(t, rec, http.StatusOK)
}

func TestServer_NoAuthMode(t *testing.T) {
	ts := newTestServer(t, Config{NoAuth: true})

	rec := ts.do(http.MethodPost, "/api/v1/bindings", "", BindingRequest{
		Type: BindingKindQueue, Name: "tmp", Address: "orders", Temporary: true,
	})
	expectStatus(t, rec, http.StatusCreated)
	if owner := decodeBody[BindingResponse](t, rec).Owner; owner != devClientID {
		t.Errorf("Expected owner %q, got %q", devClientID, owner)
	}

	// admin endpoints still need a real admin token
	rec = ts.do(http.MethodGet, "/api/v1/admin/peers", "", nil)
	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestServer_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("postoffice_messages_routed_total 1\n"))
	})
	ts := newTestServer(t, Config{MetricsHandler: metrics})

	rec := ts.do(http.MethodGet, "/metrics", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "postoffice_messages_routed_total") {
		t.Errorf("Expected metrics body, got %q", rec.Body.String())
	}

	// without a handler /metrics falls through to the root handler
	ts = newTestServer(t, Config{})
	rec = ts.do(http.MethodGet, "/metrics", "", nil)
	expectStatus(t, rec, http.StatusNotFound)
}

func TestServer_CORS(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.do(http.MethodOptions, "/api/v1/messages", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS headers on preflight")
	}
}

func TestServer_QueuePaths(t *testing.T) {
	ts := newTestServer(t, Config{})
	token := ts.token("client-1", false)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"missing action", http.MethodGet, "/api/v1/queues/q1", http.StatusNotFound},
		{"unknown action", http.MethodGet, "/api/v1/queues/q1/unknown", http.StatusNotFound},
		{"missing name", http.MethodGet, "/api/v1/queues/", http.StatusBadRequest},
		{"browse wrong method", http.MethodPost, "/api/v1/queues/q1/messages", http.StatusMethodNotAllowed},
		{"receive wrong method", http.MethodGet, "/api/v1/queues/q1/receive", http.StatusMethodNotAllowed},
		{"unknown queue", http.MethodGet, "/api/v1/queues/q1/messages", http.StatusNotFound},
		{"bad limit", http.MethodGet, "/api/v1/queues/q1/messages?limit=abc", http.StatusBadRequest},
		{"bad offset", http.MethodGet, "/api/v1/queues/q1/messages?offset=-1", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(tt.method, tt.path, token, nil)
			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.Code != tt.want {
				t.Errorf("Expected JSON error with code %d, got %+v (%v)", tt.want, resp, err)
			}
		})
	}
}
