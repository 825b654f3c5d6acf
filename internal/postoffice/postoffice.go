// Package postoffice implements the routing core: the address to bindings index,
// binding lifecycle with ordered notifications, duplicate detection and message
// distribution to local queues, remote queues and diverts.
package postoffice

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/rmacdonaldsmith/postoffice-go/internal/address"
	"github.com/rmacdonaldsmith/postoffice-go/internal/duplicateid"
	pometric "github.com/rmacdonaldsmith/postoffice-go/internal/metric"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/log"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

// PostOffice is the in-memory implementation of postoffice.PostOffice
type PostOffice struct {
	logger              log.Logger
	wildcards           address.WildcardConfig
	pagingManager       postoffice.PagingManager
	grouping            postoffice.GroupingHandler
	idCacheSize         int
	notificationAddress string
	defaultRoutingType  postoffice.RoutingType
	policies            []addressPolicy
	noRouteHandler      NoRouteHandler
	meter               metric.Meter

	matcher *address.Matcher
	index   *index
	metrics *pometric.PostOfficeMetric

	// notificationMu serializes binding changes with the notifications describing them
	notificationMu sync.Mutex
	sequence       uint64
	listeners      []postoffice.NotificationListener

	cachesMu sync.Mutex
	caches   map[string]*duplicateid.Cache

	closed atomic.Bool
}

// New creates a PostOffice
func New(opts ...Option) (*PostOffice, error) {
	p := &PostOffice{
		logger:              log.DefaultLogger,
		wildcards:           address.DefaultWildcardConfig(),
		idCacheSize:         duplicateid.DefaultCapacity,
		notificationAddress: DefaultNotificationAddress,
		defaultRoutingType:  postoffice.Anycast,
		caches:              make(map[string]*duplicateid.Cache),
	}
	for _, opt := range opts {
		opt(p)
	}

	matcher, err := address.NewMatcher(p.wildcards)
	if err != nil {
		return nil, err
	}
	p.matcher = matcher

	if p.idCacheSize <= 0 {
		p.idCacheSize = duplicateid.DefaultCapacity
	}
	if p.meter == nil {
		p.meter = pometric.DefaultMeter()
	}
	if p.metrics, err = pometric.NewPostOfficeMetric(p.meter); err != nil {
		return nil, err
	}

	p.index = newIndex(matcher, p.routingTypeFor)
	return p, nil
}

// routingTypeFor returns the distribution policy of an address
func (p *PostOffice) routingTypeFor(addr string) postoffice.RoutingType {
	for _, policy := range p.policies {
		if policy.pattern == addr {
			return policy.routingType
		}
	}
	for _, policy := range p.policies {
		if p.matcher.Match(policy.pattern, addr) {
			return policy.routingType
		}
	}
	return p.defaultRoutingType
}

// AddBinding registers the binding and emits its binding added notification
func (p *PostOffice) AddBinding(ctx context.Context, binding postoffice.Binding) error {
	if err := validateBinding(binding); err != nil {
		return err
	}
	if p.closed.Load() {
		return postoffice.ErrPostOfficeClosed
	}

	p.notificationMu.Lock()
	defer p.notificationMu.Unlock()
	return p.addBindingLocked(ctx, binding)
}

func validateBinding(binding postoffice.Binding) error {
	if binding == nil {
		return postoffice.ErrInvalidBinding
	}
	if binding.UniqueName() == "" || binding.Address() == "" {
		return errors.Join(postoffice.ErrInvalidBinding, errors.New("binding name and address are required"))
	}
	if divert, ok := binding.(*postoffice.DivertBinding); ok && divert.ForwardAddress() == "" {
		return errors.Join(postoffice.ErrInvalidBinding, errors.New("divert forward address is required"))
	}
	return nil
}

func (p *PostOffice) addBindingLocked(ctx context.Context, binding postoffice.Binding) error {
	if binding.State() != postoffice.BindingPending {
		return postoffice.NewErrInvalidBindingState(binding.UniqueName(), binding.State(), postoffice.BindingActive)
	}
	if err := p.index.add(binding); err != nil {
		return err
	}
	if err := postoffice.TransitionBinding(binding, postoffice.BindingActive); err != nil {
		_, _ = p.index.remove(binding.UniqueName())
		return err
	}

	p.metrics.Bindings().Add(ctx, 1)
	p.logger.Debugf("binding=%s added on address=%s", binding.UniqueName(), binding.Address())
	p.notifyLocked(ctx, postoffice.NotificationBindingAdded, binding)
	return nil
}

// RemoveBinding deregisters the binding and emits its binding removed notification
func (p *PostOffice) RemoveBinding(ctx context.Context, uniqueName string) (postoffice.Binding, error) {
	p.notificationMu.Lock()
	defer p.notificationMu.Unlock()
	return p.removeBindingLocked(ctx, uniqueName)
}

func (p *PostOffice) removeBindingLocked(ctx context.Context, uniqueName string) (postoffice.Binding, error) {
	binding, ok := p.index.get(uniqueName)
	if !ok {
		return nil, postoffice.NewErrBindingNotFound(uniqueName)
	}
	// routing stops selecting the binding before it leaves the index
	if err := postoffice.TransitionBinding(binding, postoffice.BindingRemoved); err != nil {
		return nil, err
	}
	if _, err := p.index.remove(uniqueName); err != nil {
		return nil, err
	}
	if p.grouping != nil {
		p.grouping.BindingRemoved(uniqueName)
	}
	p.pruneDuplicateIDCaches()

	p.metrics.Bindings().Add(ctx, -1)
	p.logger.Debugf("binding=%s removed from address=%s", uniqueName, binding.Address())
	p.notifyLocked(ctx, postoffice.NotificationBindingRemoved, binding)
	return binding, nil
}

// BindingOps applies binding changes while the notification lock is held
type BindingOps interface {
	AddBinding(binding postoffice.Binding) error
	RemoveBinding(uniqueName string) (postoffice.Binding, error)
}

type lockedOps struct {
	ctx context.Context
	p   *PostOffice
}

func (o lockedOps) AddBinding(binding postoffice.Binding) error {
	if err := validateBinding(binding); err != nil {
		return err
	}
	return o.p.addBindingLocked(o.ctx, binding)
}

func (o lockedOps) RemoveBinding(uniqueName string) (postoffice.Binding, error) {
	return o.p.removeBindingLocked(o.ctx, uniqueName)
}

// Batch runs fn with the notification lock held so that several binding changes
// and their notifications appear as one uninterrupted sequence.
// Changes applied before fn returns an error are kept.
func (p *PostOffice) Batch(ctx context.Context, fn func(ops BindingOps) error) error {
	if p.closed.Load() {
		return postoffice.ErrPostOfficeClosed
	}
	p.notificationMu.Lock()
	defer p.notificationMu.Unlock()
	return fn(lockedOps{ctx: ctx, p: p})
}

// RemoveBindingsOwnedBy removes every temporary binding of the owner
func (p *PostOffice) RemoveBindingsOwnedBy(ctx context.Context, owner string) ([]postoffice.Binding, error) {
	if owner == "" {
		return nil, nil
	}

	p.notificationMu.Lock()
	defer p.notificationMu.Unlock()

	var (
		removed []postoffice.Binding
		err     error
	)
	for _, name := range p.index.ownedBy(owner) {
		binding, removeErr := p.removeBindingLocked(ctx, name)
		if removeErr != nil {
			err = multierr.Append(err, removeErr)
			continue
		}
		removed = append(removed, binding)
	}
	return removed, err
}

// AddNotificationListener registers a listener for the notifications emitted from now on
func (p *PostOffice) AddNotificationListener(listener postoffice.NotificationListener) {
	p.notificationMu.Lock()
	defer p.notificationMu.Unlock()
	p.listeners = append(p.listeners, listener)
}

// notifyLocked hands the notification to the listeners and routes it to the
// notification address. Callers hold notificationMu.
func (p *PostOffice) notifyLocked(ctx context.Context, notificationType postoffice.NotificationType, binding postoffice.Binding) {
	p.sequence++
	n := postoffice.Notification{
		Type:        notificationType,
		Sequence:    p.sequence,
		BindingName: binding.UniqueName(),
		Address:     binding.Address(),
		BindingType: binding.Type(),
		Owner:       binding.Owner(),
		Timestamp:   time.Now(),
	}

	for _, listener := range p.listeners {
		listener.OnNotification(n)
	}

	if p.notificationAddress == "" || p.index.resolve(p.notificationAddress) == nil {
		return
	}
	msg := postoffice.NewMessageWithHeaders(p.notificationAddress, nil, n.Headers())
	if _, err := p.route(ctx, msg, nil, 0); err != nil && !errors.Is(err, postoffice.ErrNoRoute) {
		p.logger.Warnf("failed to route %s notification for binding=%s: %v", n.Type, n.BindingName, err)
	}
}

// GetNotificationLock returns the lock serializing binding changes with notifications.
// It is not reentrant: holding it while calling AddBinding or RemoveBinding deadlocks,
// use Batch instead.
func (p *PostOffice) GetNotificationLock() sync.Locker {
	return &p.notificationMu
}

// GetBindingsForAddress returns the bindings a message sent to addr is routed
// through, pattern bindings matching addr included
func (p *PostOffice) GetBindingsForAddress(addr string) (postoffice.Bindings, error) {
	ab := p.index.resolve(addr)
	if ab == nil || ab.Len() == 0 {
		return nil, postoffice.NewErrNoBindings(addr)
	}
	return ab, nil
}

// GetBinding returns the binding with the given unique name
func (p *PostOffice) GetBinding(uniqueName string) (postoffice.Binding, bool) {
	return p.index.get(uniqueName)
}

// GetMatchingBindings returns the bindings declared on addresses matching pattern, sorted by name
func (p *PostOffice) GetMatchingBindings(pattern string) []postoffice.Binding {
	return p.index.matching(pattern)
}

// Bindings returns every registered binding sorted by name
func (p *PostOffice) Bindings() []postoffice.Binding {
	return p.index.all()
}

// GetPagingManager returns the paging collaborator, nil when paging is disabled
func (p *PostOffice) GetPagingManager() postoffice.PagingManager {
	return p.pagingManager
}

// GetDuplicateIDCache returns the duplicate id cache of the address, creating it on first access
func (p *PostOffice) GetDuplicateIDCache(addr string) postoffice.DuplicateIDCache {
	return p.duplicateIDCache(addr)
}

func (p *PostOffice) duplicateIDCache(addr string) *duplicateid.Cache {
	p.cachesMu.Lock()
	defer p.cachesMu.Unlock()
	cache, ok := p.caches[addr]
	if !ok {
		cache = duplicateid.New(addr, p.idCacheSize)
		p.caches[addr] = cache
	}
	return cache
}

// pruneDuplicateIDCaches drops the caches of addresses no binding routes anymore
func (p *PostOffice) pruneDuplicateIDCaches() {
	p.cachesMu.Lock()
	defer p.cachesMu.Unlock()
	for addr := range p.caches {
		if p.index.resolve(addr) == nil {
			delete(p.caches, addr)
		}
	}
}

// Close stops accepting bindings and messages. Queues and collaborators are owned
// by the caller and stay untouched.
func (p *PostOffice) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.logger.Info("post office closed")
	}
	return nil
}

// Verify that PostOffice implements the postoffice.PostOffice interface at compile time
var _ postoffice.PostOffice = (*PostOffice)(nil)
