package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rmacdonaldsmith/postoffice-go/pkg/broker"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/log"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

const (
	// DefaultPageLimit is the number of messages returned when no limit is given
	DefaultPageLimit = 100
	// MaxPageLimit caps the limit and max query parameters
	MaxPageLimit = 1000
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	broker  broker.Broker
	jwtAuth *JWTAuth
	logger  log.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(b broker.Broker, jwtAuth *JWTAuth, logger log.Logger) *Handlers {
	if logger == nil {
		logger = log.DiscardLogger
	}
	return &Handlers{
		broker:  b,
		jwtAuth: jwtAuth,
		logger:  logger,
	}
}

// Authentication endpoints

// Login handles POST /api/v1/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.validateJSON(r); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.validateAuthRequest(&req); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// clientId based authentication, "admin" gets the admin claim
	isAdmin := req.ClientID == "admin"

	token, expiresAt, err := h.jwtAuth.GenerateToken(req.ClientID, isAdmin)
	if err != nil {
		h.writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, AuthResponse{
		Token:     token,
		ClientID:  req.ClientID,
		ExpiresAt: expiresAt,
	}, http.StatusOK)
}

// Binding endpoints

// ListBindings handles GET /api/v1/bindings
func (h *Handlers) ListBindings(w http.ResponseWriter, r *http.Request) {
	bindings := h.broker.Bindings(r.Context())

	resp := BindingsListResponse{Bindings: make([]BindingResponse, 0, len(bindings))}
	for _, b := range bindings {
		resp.Bindings = append(resp.Bindings, toBindingResponse(b))
	}

	h.writeJSON(w, resp, http.StatusOK)
}

// CreateBinding handles POST /api/v1/bindings.
// Temporary queues are owned by the calling client and go away with its session.
func (h *Handlers) CreateBinding(w http.ResponseWriter, r *http.Request) {
	if err := h.validateJSON(r); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req BindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.validateBindingRequest(&req); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var err error
	switch req.Type {
	case BindingKindQueue:
		spec := broker.QueueSpec{Name: req.Name, Address: req.Address, Filter: req.Filter}
		if req.Temporary {
			spec.Owner = GetClientID(r)
		}
		err = h.broker.CreateQueue(ctx, spec)
	case BindingKindDivert:
		err = h.broker.CreateDivert(ctx, broker.DivertSpec{
			Name:           req.Name,
			Address:        req.Address,
			ForwardAddress: req.ForwardAddress,
			Exclusive:      req.Exclusive,
		})
	case BindingKindRemote:
		if !IsAdmin(r) {
			h.writeError(w, "Admin privileges required for remote bindings", http.StatusForbidden)
			return
		}
		err = h.broker.CreateRemoteBinding(ctx, broker.RemoteQueueSpec{
			Name:      req.Name,
			Address:   req.Address,
			NodeID:    req.NodeID,
			Queue:     req.Queue,
			Consumers: req.Consumers,
		})
	}
	if err != nil {
		h.writeBrokerError(w, "Failed to create binding", err)
		return
	}

	for _, b := range h.broker.Bindings(ctx) {
		if b.UniqueName() == req.Name {
			h.writeJSON(w, toBindingResponse(b), http.StatusCreated)
			return
		}
	}
	// removed concurrently
	h.writeError(w, fmt.Sprintf("Binding %q not found", req.Name), http.StatusNotFound)
}

// DeleteBinding handles DELETE /api/v1/bindings/{name}
func (h *Handlers) DeleteBinding(w http.ResponseWriter, r *http.Request) {
	name := GetBindingFromPath(r)
	if name == "" {
		h.writeError(w, "Binding name required", http.StatusBadRequest)
		return
	}

	if err := h.broker.RemoveBinding(r.Context(), name); err != nil {
		h.writeBrokerError(w, "Failed to remove binding", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetConsumers handles PUT /api/v1/bindings/{name}/consumers
func (h *Handlers) SetConsumers(w http.ResponseWriter, r *http.Request) {
	if err := h.validateJSON(r); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req ConsumersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Consumers < 0 {
		h.writeError(w, "consumers cannot be negative", http.StatusBadRequest)
		return
	}

	name := GetBindingFromPath(r)
	if err := h.broker.SetRemoteConsumers(r.Context(), name, req.Consumers); err != nil {
		h.writeBrokerError(w, "Failed to set consumers", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CloseSession handles DELETE /api/v1/session, removing the caller's temporary queues
func (h *Handlers) CloseSession(w http.ResponseWriter, r *http.Request) {
	clientID := GetClientID(r)
	removed, err := h.broker.CloseSession(r.Context(), clientID)
	if err != nil {
		h.writeBrokerError(w, "Failed to close session", err)
		return
	}

	h.writeJSON(w, SessionResponse{ClientID: clientID, Removed: removed}, http.StatusOK)
}

// Message endpoints

// PublishMessage handles POST /api/v1/messages
func (h *Handlers) PublishMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.validateJSON(r); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.validatePublishRequest(&req); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg := postoffice.NewMessageWithHeaders(req.Address, []byte(req.Payload), req.Headers)
	if req.DuplicateID != "" {
		msg = msg.WithDuplicateID([]byte(req.DuplicateID))
	}
	if req.GroupID != "" {
		msg = msg.WithGroupID(req.GroupID)
	}

	result, err := h.broker.Publish(r.Context(), msg)
	if err != nil {
		h.writeBrokerError(w, "Failed to publish message", err)
		return
	}

	resp := PublishResponse{
		MessageID: result.MessageID,
		Address:   result.Address,
		Duplicate: result.Duplicate,
		Targets:   result.Targets,
		Paged:     result.Paged,
		Timestamp: msg.Timestamp(),
	}
	if resp.Targets == nil {
		resp.Targets = []string{}
	}

	statusCode := http.StatusCreated
	if result.Duplicate {
		statusCode = http.StatusOK
	}
	h.writeJSON(w, resp, statusCode)
}

// BrowseQueue handles GET /api/v1/queues/{name}/messages?offset={offset}&limit={limit}
func (h *Handlers) BrowseQueue(w http.ResponseWriter, r *http.Request) {
	queue := GetQueueFromPath(r)

	offset, err := h.parseIntParam(r, "offset", 0)
	if err != nil || offset < 0 {
		h.writeError(w, "Invalid offset parameter", http.StatusBadRequest)
		return
	}
	limit, err := h.parseLimit(r, "limit")
	if err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := h.broker.Browse(r.Context(), queue, int64(offset), limit)
	if err != nil {
		h.writeBrokerError(w, "Failed to browse queue", err)
		return
	}

	resp := MessagesResponse{Queue: queue, Messages: make([]MessageResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Messages = append(resp.Messages, toMessageResponse(e.Offset, e.Message))
	}

	h.writeJSON(w, resp, http.StatusOK)
}

// ReceiveMessages handles POST /api/v1/queues/{name}/receive?max={max}
func (h *Handlers) ReceiveMessages(w http.ResponseWriter, r *http.Request) {
	queue := GetQueueFromPath(r)

	max, err := h.parseLimit(r, "max")
	if err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	messages, err := h.broker.Receive(r.Context(), queue, max)
	if err != nil {
		h.writeBrokerError(w, "Failed to receive messages", err)
		return
	}

	resp := MessagesResponse{Queue: queue, Messages: make([]MessageResponse, 0, len(messages))}
	for i, msg := range messages {
		resp.Messages = append(resp.Messages, toMessageResponse(int64(i), msg))
	}

	h.writeJSON(w, resp, http.StatusOK)
}

// AttachConsumer handles POST /api/v1/queues/{name}/consumers, registering the
// caller's session as a consumer of the queue
func (h *Handlers) AttachConsumer(w http.ResponseWriter, r *http.Request) {
	queue := GetQueueFromPath(r)
	consumers, err := h.broker.AttachConsumer(r.Context(), queue, GetClientID(r))
	if err != nil {
		h.writeBrokerError(w, "Failed to attach consumer", err)
		return
	}
	h.writeJSON(w, ConsumerResponse{Queue: queue, Consumers: consumers}, http.StatusOK)
}

// DetachConsumer handles DELETE /api/v1/queues/{name}/consumers
func (h *Handlers) DetachConsumer(w http.ResponseWriter, r *http.Request) {
	queue := GetQueueFromPath(r)
	consumers, err := h.broker.DetachConsumer(r.Context(), queue, GetClientID(r))
	if err != nil {
		h.writeBrokerError(w, "Failed to detach consumer", err)
		return
	}
	h.writeJSON(w, ConsumerResponse{Queue: queue, Consumers: consumers}, http.StatusOK)
}

// RedistributeQueue handles POST /api/v1/queues/{name}/redistribute?max={max}
func (h *Handlers) RedistributeQueue(w http.ResponseWriter, r *http.Request) {
	queue := GetQueueFromPath(r)

	max, err := h.parseLimit(r, "max")
	if err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	n, err := h.broker.Redistribute(r.Context(), queue, max)
	if err != nil {
		h.writeBrokerError(w, "Failed to redistribute messages", err)
		return
	}

	h.writeJSON(w, RedistributeResponse{Queue: queue, Redistributed: n}, http.StatusOK)
}

// Admin endpoints

// AdminListPeers handles GET /api/v1/admin/peers
func (h *Handlers) AdminListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := h.broker.GetConnectedPeers(r.Context())
	if err != nil {
		h.writeBrokerError(w, "Failed to list peers", err)
		return
	}

	resp := PeersResponse{NodeID: h.broker.NodeID(), Peers: make([]PeerResponse, 0, len(peers))}
	for _, p := range peers {
		resp.Peers = append(resp.Peers, PeerResponse{ID: p.ID(), Address: p.Address(), Healthy: p.IsHealthy()})
	}

	h.writeJSON(w, resp, http.StatusOK)
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.broker.GetHealth(r.Context())
	if err != nil {
		h.writeError(w, "Failed to get health status", http.StatusInternalServerError)
		return
	}

	resp := HealthResponse{
		Healthy:           health.Healthy,
		NodeID:            h.broker.NodeID(),
		PostOfficeHealthy: health.PostOfficeHealthy,
		PagingHealthy:     health.PagingHealthy,
		PeerLinkHealthy:   health.PeerLinkHealthy,
		Bindings:          health.Bindings,
		ConnectedPeers:    health.ConnectedPeers,
		Message:           health.Message,
	}

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}

	h.writeJSON(w, resp, statusCode)
}

// Helper methods

func toBindingResponse(b postoffice.Binding) BindingResponse {
	resp := BindingResponse{
		Name:    b.UniqueName(),
		Address: b.Address(),
		Type:    b.Type().String(),
		State:   b.State().String(),
		Owner:   b.Owner(),
	}
	switch v := b.(type) {
	case *postoffice.LocalQueueBinding:
		resp.Consumers = v.ConsumerCount()
	case *postoffice.RemoteQueueBinding:
		resp.NodeID = v.NodeID()
		resp.Consumers = v.ConsumerCount()
	case *postoffice.DivertBinding:
		resp.ForwardAddress = v.ForwardAddress()
		resp.Exclusive = v.Exclusive()
	}
	return resp
}

// toMessageResponse returns bodies that are not JSON as JSON strings
func toMessageResponse(offset int64, msg *postoffice.Message) MessageResponse {
	payload := json.RawMessage(msg.Body())
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(msg.Body()))
	}
	return MessageResponse{
		ID:          msg.ID(),
		Offset:      offset,
		Address:     msg.Address(),
		Payload:     payload,
		Headers:     msg.Headers(),
		DuplicateID: string(msg.DuplicateID()),
		GroupID:     msg.GroupID(),
		Timestamp:   msg.Timestamp(),
	}
}

// statusForError maps post office errors onto HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, postoffice.ErrBindingNotFound),
		errors.Is(err, postoffice.ErrNoRoute),
		errors.Is(err, postoffice.ErrNoBindings):
		return http.StatusNotFound
	case errors.Is(err, postoffice.ErrDuplicateBindingName):
		return http.StatusConflict
	case errors.Is(err, postoffice.ErrInvalidBinding),
		errors.Is(err, postoffice.ErrInvalidBindingState),
		errors.Is(err, postoffice.ErrInvalidRoutingType),
		errors.Is(err, postoffice.ErrNilMessage):
		return http.StatusBadRequest
	case errors.Is(err, postoffice.ErrPostOfficeClosed),
		errors.Is(err, postoffice.ErrQueueClosed),
		errors.Is(err, postoffice.ErrPagingFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeBrokerError(w http.ResponseWriter, message string, err error) {
	statusCode := statusForError(err)
	if statusCode >= http.StatusInternalServerError {
		h.logger.Warnf("%s: %v", message, err)
	}
	h.writeError(w, fmt.Sprintf("%s: %v", message, err), statusCode)
}

func (h *Handlers) writeError(w http.ResponseWriter, message string, statusCode int) {
	h.writeJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warnf("failed to encode response: %v", err)
	}
}

func (h *Handlers) parseIntParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (h *Handlers) parseLimit(r *http.Request, name string) (int, error) {
	n, err := h.parseIntParam(r, name, DefaultPageLimit)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("Invalid %s parameter", name)
	}
	return min(n, MaxPageLimit), nil
}

// validateJSON validates that the request has valid JSON content-type
func (h *Handlers) validateJSON(r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return fmt.Errorf("Content-Type must be application/json")
	}
	return nil
}

// validateAuthRequest validates authentication request fields
func (h *Handlers) validateAuthRequest(req *AuthRequest) error {
	if req.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if len(req.ClientID) < 2 {
		return fmt.Errorf("clientId must be at least 2 characters")
	}
	return nil
}

// validateName checks binding, queue and address names
func (h *Handlers) validateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(name) > 255 {
		return fmt.Errorf("%s too long (max 255 characters)", kind)
	}
	if strings.ContainsAny(name, " \t\r\n/") {
		return fmt.Errorf("%s cannot contain whitespace or '/'", kind)
	}
	return nil
}

func (h *Handlers) validateBindingRequest(req *BindingRequest) error {
	if err := h.validateName("name", req.Name); err != nil {
		return err
	}
	if err := h.validateName("address", req.Address); err != nil {
		return err
	}
	switch req.Type {
	case BindingKindQueue:
	case BindingKindDivert:
		if err := h.validateName("forwardAddress", req.ForwardAddress); err != nil {
			return err
		}
	case BindingKindRemote:
		if req.NodeID == "" {
			return fmt.Errorf("nodeId is required for remote bindings")
		}
		if req.Consumers < 0 {
			return fmt.Errorf("consumers cannot be negative")
		}
	default:
		return fmt.Errorf("type must be one of %s, %s, %s", BindingKindQueue, BindingKindDivert, BindingKindRemote)
	}
	return nil
}

func (h *Handlers) validatePublishRequest(req *PublishRequest) error {
	if err := h.validateName("address", req.Address); err != nil {
		return err
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		return fmt.Errorf("payload is required")
	}
	return nil
}
