package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/rmacdonaldsmith/postoffice-go/internal/postoffice"
	"github.com/rmacdonaldsmith/postoffice-go/internal/queue"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/broker"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/log"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/peerlink"
	po "github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

const testSecret = "test-secret-key"

// fakeBroker serves the API from a real post office with in-memory queues
type fakeBroker struct {
	office *postoffice.PostOffice

	mu     sync.Mutex
	queues map[string]*queue.MemoryQueue

	healthy bool
	peers   []peerlink.PeerNode
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	office, err := postoffice.New(postoffice.WithMeter(noop.NewMeterProvider().Meter("test")))
	if err != nil {
		t.Fatalf("Failed to create post office: %v", err)
	}
	t.Cleanup(func() { _ = office.Close() })

	return &fakeBroker{
		office:  office,
		queues:  make(map[string]*queue.MemoryQueue),
		healthy: true,
	}
}

func (b *fakeBroker) Start(ctx context.Context) error { return nil }
func (b *fakeBroker) Stop(ctx context.Context) error  { return nil }
func (b *fakeBroker) Close() error                    { return nil }
func (b *fakeBroker) NodeID() string                  { return "test-node" }

func (b *fakeBroker) CreateQueue(ctx context.Context, spec broker.QueueSpec) error {
	q := queue.NewMemoryQueue(spec.Name, spec.Address)
	opts := []po.BindingOption{po.WithOwner(spec.Owner)}
	if len(spec.Filter) > 0 {
		opts = append(opts, po.WithFilter(po.HeaderFilter(spec.Filter)))
	}
	if err := b.office.AddBinding(ctx, po.NewLocalQueueBinding(spec.Name, spec.Address, q, opts...)); err != nil {
		return err
	}
	b.mu.Lock()
	b.queues[spec.Name] = q
	b.mu.Unlock()
	return nil
}

func (b *fakeBroker) CreateDivert(ctx context.Context, spec broker.DivertSpec) error {
	return b.office.AddBinding(ctx, po.NewDivertBinding(spec.Name, spec.Address, spec.ForwardAddress, spec.Exclusive))
}

func (b *fakeBroker) CreateRemoteBinding(ctx context.Context, spec broker.RemoteQueueSpec) error {
	q := queue.NewMemoryQueue(spec.Queue, spec.Address)
	binding := po.NewRemoteQueueBinding(spec.Name, spec.Address, spec.NodeID, q)
	binding.SetConsumerCount(spec.Consumers)
	return b.office.AddBinding(ctx, binding)
}

func (b *fakeBroker) SetRemoteConsumers(ctx context.Context, name string, consumers int) error {
	binding, ok := b.office.GetBinding(name)
	if !ok {
		return po.NewErrBindingNotFound(name)
	}
	remote, ok := binding.(*po.RemoteQueueBinding)
	if !ok {
		return errors.Join(po.ErrInvalidBinding, errors.New("not a remote binding"))
	}
	remote.SetConsumerCount(consumers)
	return nil
}

func (b *fakeBroker) RemoveBinding(ctx context.Context, name string) error {
	_, err := b.office.RemoveBinding(ctx, name)
	return err
}

func (b *fakeBroker) CloseSession(ctx context.Context, owner string) (int, error) {
	removed, err := b.office.RemoveBindingsOwnedBy(ctx, owner)
	return len(removed), err
}

func (b *fakeBroker) Bindings(ctx context.Context) []po.Binding {
	return b.office.Bindings()
}

func (b *fakeBroker) Publish(ctx context.Context, msg *po.Message) (*po.RouteResult, error) {
	return b.office.Route(ctx, msg)
}

func (b *fakeBroker) queue(name string) (*queue.MemoryQueue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, po.NewErrBindingNotFound(name)
	}
	return q, nil
}

func (b *fakeBroker) Browse(ctx context.Context, name string, offset int64, limit int) ([]broker.QueuedMessage, error) {
	q, err := b.queue(name)
	if err != nil {
		return nil, err
	}
	entries, err := q.Browse(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]broker.QueuedMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, broker.QueuedMessage{Offset: e.Offset, Message: e.Message})
	}
	return out, nil
}

func (b *fakeBroker) Receive(ctx context.Context, name string, max int) ([]*po.Message, error) {
	q, err := b.queue(name)
	if err != nil {
		return nil, err
	}
	return q.Receive(ctx, max)
}

func (b *fakeBroker) AttachConsumer(ctx context.Context, name, owner string) (int, error) {
	q, err := b.queue(name)
	if err != nil {
		return 0, err
	}
	return q.AddConsumer(), nil
}

func (b *fakeBroker) DetachConsumer(ctx context.Context, name, owner string) (int, error) {
	q, err := b.queue(name)
	if err != nil {
		return 0, err
	}
	return q.RemoveConsumer(), nil
}

func (b *fakeBroker) Redistribute(ctx context.Context, name string, max int) (int, error) {
	q, err := b.queue(name)
	if err != nil {
		return 0, err
	}
	if q.ConsumerCount() > 0 {
		return 0, nil
	}
	messages, err := q.Receive(ctx, max)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, msg := range messages {
		ok, err := b.office.Redistribute(ctx, msg, name, nil)
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

func (b *fakeBroker) GetConnectedPeers(ctx context.Context) ([]peerlink.PeerNode, error) {
	return b.peers, nil
}

func (b *fakeBroker) GetHealth(ctx context.Context) (broker.HealthStatus, error) {
	return broker.HealthStatus{
		Healthy:           b.healthy,
		PostOfficeHealthy: b.healthy,
		PagingHealthy:     true,
		PeerLinkHealthy:   true,
		Bindings:          len(b.office.Bindings()),
		ConnectedPeers:    len(b.peers),
	}, nil
}

var _ broker.Broker = (*fakeBroker)(nil)

// testServer bundles a server with the broker behind it
type testServer struct {
	t      *testing.T
	broker *fakeBroker
	server *Server
	auth   *JWTAuth
}

func newTestServer(t *testing.T, config Config) *testServer {
	t.Helper()
	if config.SecretKey == "" {
		config.SecretKey = testSecret
	}
	config.Logger = log.DiscardLogger
	b := newFakeBroker(t)
	return &testServer{
		t:      t,
		broker: b,
		server: NewServer(b, config),
		auth:   NewJWTAuth(config.SecretKey),
	}
}

func (ts *testServer) token(clientID string, isAdmin bool) string {
	ts.t.Helper()
	token, _, err := ts.auth.GenerateToken(clientID, isAdmin)
	if err != nil {
		ts.t.Fatalf("Failed to generate token: %v", err)
	}
	return token
}

// do sends the request with body encoded as JSON when not nil
func (ts *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			ts.t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("Expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

// stubPeer is a connected peer reported by the fake broker
type stubPeer struct {
	id, address string
	healthy     bool
}

func (p stubPeer) ID() string      { return p.id }
func (p stubPeer) Address() string { return p.address }
func (p stubPeer) IsHealthy() bool { return p.healthy }

func newTextMessage(address, body string) *po.Message {
	return po.NewMessage(address, []byte(body))
}
