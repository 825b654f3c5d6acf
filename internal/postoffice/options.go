package postoffice

import (
	"context"

	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/rmacdonaldsmith/postoffice-go/internal/address"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/log"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

// DefaultNotificationAddress is the reserved address binding notifications are routed to
const DefaultNotificationAddress = "postoffice.notifications"

// NoRouteHandler applies a dead-letter or default policy to a message no binding matches.
// Returning nil makes the route succeed with no target.
type NoRouteHandler func(ctx context.Context, msg *postoffice.Message, tx postoffice.Transaction) error

type addressPolicy struct {
	pattern     string
	routingType postoffice.RoutingType
}

// Option configures a PostOffice
type Option func(*PostOffice)

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(p *PostOffice) {
		p.logger = logger
	}
}

// WithPagingManager sets the paging collaborator consulted before each local enqueue
func WithPagingManager(manager postoffice.PagingManager) Option {
	return func(p *PostOffice) {
		p.pagingManager = manager
	}
}

// WithGroupingHandler sets the handler keeping message groups on one binding
func WithGroupingHandler(handler postoffice.GroupingHandler) Option {
	return func(p *PostOffice) {
		p.grouping = handler
	}
}

// WithIDCacheSize sets the capacity of each per-address duplicate id cache
func WithIDCacheSize(size int) Option {
	return func(p *PostOffice) {
		p.idCacheSize = size
	}
}

// WithWildcardConfig sets the address pattern characters
func WithWildcardConfig(config address.WildcardConfig) Option {
	return func(p *PostOffice) {
		p.wildcards = config
	}
}

// WithNotificationAddress sets the address notifications are routed to.
// An empty address disables routing notifications as messages.
func WithNotificationAddress(addr string) Option {
	return func(p *PostOffice) {
		p.notificationAddress = addr
	}
}

// WithNotificationListener registers a listener for binding notifications
func WithNotificationListener(listener postoffice.NotificationListener) Option {
	return func(p *PostOffice) {
		p.listeners = append(p.listeners, listener)
	}
}

// WithDefaultRoutingType sets the routing type of addresses without policy
func WithDefaultRoutingType(routingType postoffice.RoutingType) Option {
	return func(p *PostOffice) {
		p.defaultRoutingType = routingType
	}
}

// WithAddressPolicy sets the routing type of the addresses matching pattern.
// An exact address policy wins over pattern policies, which are tried in order.
func WithAddressPolicy(pattern string, routingType postoffice.RoutingType) Option {
	return func(p *PostOffice) {
		p.policies = append(p.policies, addressPolicy{pattern: pattern, routingType: routingType})
	}
}

// WithNoRouteHandler sets the policy applied to messages without route
func WithNoRouteHandler(handler NoRouteHandler) Option {
	return func(p *PostOffice) {
		p.noRouteHandler = handler
	}
}

// WithMeter sets the meter the routing instruments are created from
func WithMeter(meter otelmetric.Meter) Option {
	return func(p *PostOffice) {
		p.meter = meter
	}
}
