// Package instrumentation wires the broker into OpenTelemetry. It only talks
// to the global providers; exporter setup belongs to the embedding process.
package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Instrumentation bundles the broker's meter and tracer access. A nil
// *Instrumentation is valid and records nothing, so callers never need
// nil checks around individual recordings.
type Instrumentation struct {
	meter   metric.Meter
	tracers trace.TracerProvider
	metrics *Metrics
}

// Metrics holds the broker's counters.
type Metrics struct {
	flowsStarted      metric.Int64Counter
	codesIssued       metric.Int64Counter
	tokensIssued      metric.Int64Counter
	clientsRegistered metric.Int64Counter
	rateLimitRejects  metric.Int64Counter
	authFailures      metric.Int64Counter
}

// New creates instrumentation bound to the globally registered meter and
// tracer providers under the given service name.
func New(serviceName string) (*Instrumentation, error) {
	i := &Instrumentation{
		meter:   otel.GetMeterProvider().Meter(serviceName),
		tracers: otel.GetTracerProvider(),
	}

	var err error
	i.metrics, err = newMetrics(i.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	return i, nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error
	if m.flowsStarted, err = meter.Int64Counter("broker.authorization.flows_started",
		metric.WithDescription("Authorization flows started")); err != nil {
		return nil, err
	}
	if m.codesIssued, err = meter.Int64Counter("broker.authorization.codes_issued",
		metric.WithDescription("Authorization codes issued on the identity callback")); err != nil {
		return nil, err
	}
	if m.tokensIssued, err = meter.Int64Counter("broker.tokens.issued",
		metric.WithDescription("Access tokens issued")); err != nil {
		return nil, err
	}
	if m.clientsRegistered, err = meter.Int64Counter("broker.clients.registered",
		metric.WithDescription("Dynamic client registrations")); err != nil {
		return nil, err
	}
	if m.rateLimitRejects, err = meter.Int64Counter("broker.ratelimit.rejected",
		metric.WithDescription("Requests rejected by the rate limiter")); err != nil {
		return nil, err
	}
	if m.authFailures, err = meter.Int64Counter("broker.auth.failures",
		metric.WithDescription("Failed bearer validations and grant exchanges")); err != nil {
		return nil, err
	}
	return m, nil
}

// Metrics returns the counter set, or nil on a nil receiver.
func (i *Instrumentation) Metrics() *Metrics {
	if i == nil {
		return nil
	}
	return i.metrics
}

// Tracer returns a named tracer, or a no-op tracer on a nil receiver.
func (i *Instrumentation) Tracer(name string) trace.Tracer {
	if i == nil {
		return tracenoop.NewTracerProvider().Tracer(name)
	}
	return i.tracers.Tracer(name)
}

// RecordFlowStarted counts a new authorization flow.
func (m *Metrics) RecordFlowStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.flowsStarted.Add(ctx, 1)
}

// RecordCodeIssued counts an authorization code minted on the callback.
func (m *Metrics) RecordCodeIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.codesIssued.Add(ctx, 1)
}

// RecordTokenIssued counts a successful token exchange.
func (m *Metrics) RecordTokenIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.tokensIssued.Add(ctx, 1)
}

// RecordClientRegistered counts a dynamic client registration.
func (m *Metrics) RecordClientRegistered(ctx context.Context) {
	if m == nil {
		return
	}
	m.clientsRegistered.Add(ctx, 1)
}

// RecordRateLimitExceeded counts a 429, labeled by endpoint.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthFailure counts a failed bearer validation or grant exchange,
// labeled by failure kind.
func (m *Metrics) RecordAuthFailure(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.authFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
