package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rmacdonaldsmith/postoffice-go/pkg/broker"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/log"
)

// DefaultSecretKey signs tokens when no secret is configured
const DefaultSecretKey = "postoffice-dev-secret-key-change-in-production"

// Server represents the management HTTP API server
type Server struct {
	broker     broker.Broker
	jwtAuth    *JWTAuth
	handlers   *Handlers
	middleware *Middleware
	metrics    http.Handler
	logger     log.Logger
	server     *http.Server
}

// Config holds server configuration
type Config struct {
	// Port is the listening port, "0" picks a free one
	Port string
	// SecretKey signs management tokens
	SecretKey string
	// TokenTTL is how long issued tokens stay valid
	TokenTTL time.Duration
	// NoAuth disables authentication of non-admin endpoints for development
	NoAuth bool
	// MetricsHandler serves /metrics when set
	MetricsHandler http.Handler
	// Logger receives request and error logs
	Logger log.Logger
}

// NewServer creates a new management API server for the broker
func NewServer(b broker.Broker, config Config) *Server {
	secretKey := config.SecretKey
	if secretKey == "" {
		secretKey = DefaultSecretKey
	}
	logger := config.Logger
	if logger == nil {
		logger = log.DiscardLogger
	}

	jwtAuth := NewJWTAuth(secretKey).WithTTL(config.TokenTTL)

	server := &Server{
		broker:     b,
		jwtAuth:    jwtAuth,
		handlers:   NewHandlers(b, jwtAuth, logger),
		middleware: NewMiddleware(jwtAuth, config.NoAuth, logger),
		metrics:    config.MetricsHandler,
		logger:     logger,
	}

	server.server = &http.Server{
		Addr:              ":" + config.Port,
		Handler:           server.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	return server
}

// Handler returns the routed handler, used to serve the API in tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured port and serves until Stop.
// It returns nil once the server has been stopped.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves the API on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(
			s.middleware.Logging(
				s.middleware.CORS(
					s.middleware.ContentType(handler))))
	}

	// Authentication endpoints (no auth required)
	mux.Handle("/api/v1/auth/login", withMiddleware(s.handlers.Login))

	// Binding endpoints
	mux.Handle("/api/v1/bindings", withMiddleware(s.middleware.AuthRequired(s.handleBindings)))
	mux.Handle("/api/v1/bindings/", withMiddleware(s.handleBindingByName))
	mux.Handle("/api/v1/session", withMiddleware(s.middleware.AuthRequired(s.handleSession)))

	// Message endpoints (auth required)
	mux.Handle("/api/v1/messages", withMiddleware(s.middleware.AuthRequired(s.handleMessages)))
	mux.Handle("/api/v1/queues/", withMiddleware(s.handleQueue))

	// Admin endpoints (admin auth required)
	mux.Handle("/api/v1/admin/peers", withMiddleware(s.middleware.AdminRequired(s.handlers.AdminListPeers)))

	// Health endpoint (no auth required)
	mux.Handle("/api/v1/health", withMiddleware(s.handlers.Health))

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	// Root endpoint with API info
	mux.Handle("/", withMiddleware(s.handleRoot))

	return mux
}

// Route handlers that dispatch based on HTTP method

func (s *Server) handleBindings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handlers.ListBindings(w, r)
	case http.MethodPost:
		s.handlers.CreateBinding(w, r)
	default:
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleBindingByName serves /api/v1/bindings/{name} and /api/v1/bindings/{name}/consumers
func (s *Server) handleBindingByName(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/bindings/")
	name, sub, _ := strings.Cut(rest, "/")
	if name == "" {
		s.writeError(w, "Binding name required", http.StatusBadRequest)
		return
	}

	r = r.WithContext(context.WithValue(r.Context(), BindingKey, name))

	switch {
	case sub == "" && r.Method == http.MethodDelete:
		s.middleware.AdminRequired(s.handlers.DeleteBinding)(w, r)
	case sub == "consumers" && r.Method == http.MethodPut:
		s.middleware.AdminRequired(s.handlers.SetConsumers)(w, r)
	case sub == "" || sub == "consumers":
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		s.writeError(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handlers.CloseSession(w, r)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handlers.PublishMessage(w, r)
}

// handleQueue serves /api/v1/queues/{name}/{messages|receive|consumers|redistribute}
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/queues/")
	queue, action, ok := strings.Cut(rest, "/")
	if queue == "" {
		s.writeError(w, "Queue name required", http.StatusBadRequest)
		return
	}
	if !ok {
		s.writeError(w, "Invalid path, expected /messages, /receive, /consumers or /redistribute", http.StatusNotFound)
		return
	}

	r = r.WithContext(context.WithValue(r.Context(), QueueKey, queue))

	var handler http.HandlerFunc
	method := http.MethodPost
	switch action {
	case "messages":
		method = http.MethodGet
		handler = s.middleware.AuthRequired(s.handlers.BrowseQueue)
	case "receive":
		handler = s.middleware.AuthRequired(s.handlers.ReceiveMessages)
	case "consumers":
		if r.Method == http.MethodDelete {
			method = http.MethodDelete
			handler = s.middleware.AuthRequired(s.handlers.DetachConsumer)
		} else {
			handler = s.middleware.AuthRequired(s.handlers.AttachConsumer)
		}
	case "redistribute":
		handler = s.middleware.AdminRequired(s.handlers.RedistributeQueue)
	default:
		s.writeError(w, "Invalid path, expected /messages, /receive, /consumers or /redistribute", http.StatusNotFound)
		return
	}

	if r.Method != method {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	handler(w, r)
}

// handleRoot provides API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeError(w, "Not found", http.StatusNotFound)
		return
	}

	info := map[string]any{
		"service":     "PostOffice management API",
		"version":     "1.0.0",
		"nodeId":      s.broker.NodeID(),
		"description": "HTTP API for binding management and message routing of a post office node",
		"endpoints": map[string]any{
			"auth": map[string]string{
				"login": "POST /api/v1/auth/login",
			},
			"bindings": map[string]string{
				"list":      "GET /api/v1/bindings",
				"create":    "POST /api/v1/bindings",
				"delete":    "DELETE /api/v1/bindings/{name}",
				"consumers": "PUT /api/v1/bindings/{name}/consumers",
			},
			"session": map[string]string{
				"close": "DELETE /api/v1/session",
			},
			"messages": map[string]string{
				"publish": "POST /api/v1/messages",
			},
			"queues": map[string]string{
				"browse":       "GET /api/v1/queues/{name}/messages?offset={offset}&limit={limit}",
				"receive":      "POST /api/v1/queues/{name}/receive?max={max}",
				"attach":       "POST /api/v1/queues/{name}/consumers",
				"detach":       "DELETE /api/v1/queues/{name}/consumers",
				"redistribute": "POST /api/v1/queues/{name}/redistribute?max={max}",
			},
			"admin": map[string]string{
				"peers": "GET /api/v1/admin/peers",
			},
			"health":  "GET /api/v1/health",
			"metrics": "GET /metrics",
		},
		"authentication": "Bearer JWT token required for most endpoints",
	}

	s.writeJSON(w, info, http.StatusOK)
}

// Helper methods

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

func (s *Server) writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warnf("failed to encode response: %v", err)
	}
}
