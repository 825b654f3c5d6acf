// Package metric groups the OpenTelemetry instruments of the post office.
package metric

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/rmacdonaldsmith/postoffice-go"

// DefaultMeter returns the meter of the global meter provider
func DefaultMeter() metric.Meter {
	return otel.GetMeterProvider().Meter(instrumentationName)
}

// PostOfficeMetric groups the routing instruments.
//
// Instruments:
//   - postoffice.messages.routed         (Int64Counter)
//   - postoffice.messages.duplicates     (Int64Counter)
//   - postoffice.messages.noroute        (Int64Counter)
//   - postoffice.messages.redistributed  (Int64Counter)
//   - postoffice.messages.paged          (Int64Counter)
//   - postoffice.bindings.count          (Int64UpDownCounter)
//   - postoffice.route.duration          (Float64Histogram, unit: ms)
type PostOfficeMetric struct {
	routed        metric.Int64Counter
	duplicates    metric.Int64Counter
	noRoute       metric.Int64Counter
	redistributed metric.Int64Counter
	paged         metric.Int64Counter
	bindings      metric.Int64UpDownCounter
	routeDuration metric.Float64Histogram
}

// NewPostOfficeMetric creates the routing instruments using the provided Meter.
// It returns an error if any instrument cannot be created.
func NewPostOfficeMetric(meter metric.Meter) (*PostOfficeMetric, error) {
	var instruments PostOfficeMetric
	var err error

	if instruments.routed, err = meter.Int64Counter(
		"postoffice.messages.routed",
		metric.WithDescription("Total number of messages routed to at least one binding"),
	); err != nil {
		return nil, err
	}

	if instruments.duplicates, err = meter.Int64Counter(
		"postoffice.messages.duplicates",
		metric.WithDescription("Total number of messages dropped as duplicates"),
	); err != nil {
		return nil, err
	}

	if instruments.noRoute, err = meter.Int64Counter(
		"postoffice.messages.noroute",
		metric.WithDescription("Total number of messages with no matching binding"),
	); err != nil {
		return nil, err
	}

	if instruments.redistributed, err = meter.Int64Counter(
		"postoffice.messages.redistributed",
		metric.WithDescription("Total number of messages redistributed to remote bindings"),
	); err != nil {
		return nil, err
	}

	if instruments.paged, err = meter.Int64Counter(
		"postoffice.messages.paged",
		metric.WithDescription("Total number of deliveries that went to paging"),
	); err != nil {
		return nil, err
	}

	if instruments.bindings, err = meter.Int64UpDownCounter(
		"postoffice.bindings.count",
		metric.WithDescription("Number of registered bindings"),
	); err != nil {
		return nil, err
	}

	if instruments.routeDuration, err = meter.Float64Histogram(
		"postoffice.route.duration",
		metric.WithDescription("Time spent routing a message"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	return &instruments, nil
}

// Routed returns the counter of routed messages
func (x *PostOfficeMetric) Routed() metric.Int64Counter {
	return x.routed
}

// Duplicates returns the counter of dropped duplicates
func (x *PostOfficeMetric) Duplicates() metric.Int64Counter {
	return x.duplicates
}

// NoRoute returns the counter of unroutable messages
func (x *PostOfficeMetric) NoRoute() metric.Int64Counter {
	return x.noRoute
}

// Redistributed returns the counter of redistributed messages
func (x *PostOfficeMetric) Redistributed() metric.Int64Counter {
	return x.redistributed
}

// Paged returns the counter of paged deliveries
func (x *PostOfficeMetric) Paged() metric.Int64Counter {
	return x.paged
}

// Bindings returns the up/down counter of registered bindings
func (x *PostOfficeMetric) Bindings() metric.Int64UpDownCounter {
	return x.bindings
}

// RouteDuration returns the route latency histogram
func (x *PostOfficeMetric) RouteDuration() metric.Float64Histogram {
	return x.routeDuration
}
