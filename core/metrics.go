package core

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "authflow/core"

// Metrics holds the flow counters. A nil *Metrics records nothing.
type Metrics struct {
	FlowsStarted      metric.Int64Counter
	CallbacksHandled  metric.Int64Counter
	StateTransitions  metric.Int64Counter
	CodesIssued       metric.Int64Counter
	CodesExchanged    metric.Int64Counter
	SignupsCreated    metric.Int64Counter
	RateLimitExceeded metric.Int64Counter
}

// NewMetrics registers the instruments on the given provider; nil uses the global provider
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.FlowsStarted, "authflow.flow.started", "Number of provider logins initiated", "{flow}"},
		{&m.CallbacksHandled, "authflow.callback.handled", "Number of provider callbacks by result", "{callback}"},
		{&m.StateTransitions, "authflow.flow.transitions", "Flow state machine transitions", "{transition}"},
		{&m.CodesIssued, "authflow.code.issued", "Number of one-time codes issued", "{code}"},
		{&m.CodesExchanged, "authflow.code.exchanged", "Number of one-time code exchanges by result", "{exchange}"},
		{&m.SignupsCreated, "authflow.signup.created", "Number of accounts created", "{user}"},
		{&m.RateLimitExceeded, "authflow.ratelimit.exceeded", "Requests rejected by the rate limiter", "{request}"},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	return m, nil
}

func (m *Metrics) add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) recordFlowStarted(ctx context.Context, provider Provider) {
	if m == nil {
		return
	}
	m.add(ctx, m.FlowsStarted, attribute.String("provider", string(provider)))
}

func (m *Metrics) recordCallback(ctx context.Context, provider Provider, result string) {
	if m == nil {
		return
	}
	m.add(ctx, m.CallbacksHandled,
		attribute.String("provider", string(provider)),
		attribute.String("result", result))
}

func (m *Metrics) recordTransition(ctx context.Context, provider Provider, to FlowState) {
	if m == nil {
		return
	}
	m.add(ctx, m.StateTransitions,
		attribute.String("provider", string(provider)),
		attribute.String("state", to.String()))
}

func (m *Metrics) recordCodeIssued(ctx context.Context, provider Provider) {
	if m == nil {
		return
	}
	m.add(ctx, m.CodesIssued, attribute.String("provider", string(provider)))
}

func (m *Metrics) recordCodeExchanged(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.add(ctx, m.CodesExchanged, attribute.Bool("success", success))
}

func (m *Metrics) recordSignup(ctx context.Context, provider Provider) {
	if m == nil {
		return
	}
	m.add(ctx, m.SignupsCreated, attribute.String("provider", string(provider)))
}

func (m *Metrics) recordRateLimited(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.add(ctx, m.RateLimitExceeded, attribute.String("route", route))
}

var tracer = otel.Tracer(instrumentationName)

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
