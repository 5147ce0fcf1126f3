// Package metrics records the counters operators use to notice failures
// that never reach an HTTP caller: background dispatch errors, delivery
// failures and session time computation errors.
package metrics

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/user/chanbridge"

// Recorder owns the instruments. The zero value is not usable; build one
// with New or use Default.
type Recorder struct {
	timeErrors       metric.Int64Counter
	dispatchFailures metric.Int64Counter
	dispatched       metric.Int64Counter
	deliveryFailures metric.Int64Counter
	sessionTokens    metric.Int64Counter
	sessionCost      metric.Float64Counter
}

// New creates a Recorder whose instruments come from provider.
func New(provider metric.MeterProvider) (*Recorder, error) {
	meter := provider.Meter(instrumentationName)

	timeErrors, err := meter.Int64Counter(
		"chanbridge_session_time_errors_total",
		metric.WithDescription("Session duration computations that failed to parse timestamps"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating time errors counter: %w", err)
	}

	dispatchFailures, err := meter.Int64Counter(
		"chanbridge_dispatch_failures_total",
		metric.WithDescription("Background dispatch jobs that returned an error or panicked"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dispatch failures counter: %w", err)
	}

	dispatched, err := meter.Int64Counter(
		"chanbridge_dispatch_jobs_total",
		metric.WithDescription("Background dispatch jobs run to completion"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dispatched counter: %w", err)
	}

	deliveryFailures, err := meter.Int64Counter(
		"chanbridge_delivery_failures_total",
		metric.WithDescription("Outbound notifications rejected by the receiving endpoint"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating delivery failures counter: %w", err)
	}

	sessionTokens, err := meter.Int64Counter(
		"chanbridge_session_tokens_total",
		metric.WithDescription("Tokens accumulated into sessions"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating tokens counter: %w", err)
	}

	sessionCost, err := meter.Float64Counter(
		"chanbridge_session_cost_usd",
		metric.WithDescription("Cost accumulated into sessions"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cost counter: %w", err)
	}

	return &Recorder{
		timeErrors:       timeErrors,
		dispatchFailures: dispatchFailures,
		dispatched:       dispatched,
		deliveryFailures: deliveryFailures,
		sessionTokens:    sessionTokens,
		sessionCost:      sessionCost,
	}, nil
}

var (
	defaultOnce     sync.Once
	defaultRecorder *Recorder
)

// Default returns a Recorder bound to the global meter provider. Until
// Setup installs an SDK provider the global one discards measurements.
func Default() *Recorder {
	defaultOnce.Do(func() {
		r, err := New(otel.GetMeterProvider())
		if err != nil {
			// The global provider only fails on invalid instrument names.
			panic(err)
		}
		defaultRecorder = r
	})
	return defaultRecorder
}

func (r *Recorder) TimeComputationError(ctx context.Context, sessionID string) {
	r.timeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("session_id", sessionID)))
}

func (r *Recorder) DispatchFailure(ctx context.Context, plugin string) {
	r.dispatchFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("plugin", plugin)))
}

func (r *Recorder) Dispatched(ctx context.Context, plugin string) {
	r.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("plugin", plugin)))
}

func (r *Recorder) DeliveryFailure(ctx context.Context, plugin string, status int) {
	r.deliveryFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("plugin", plugin),
		attribute.Int("status", status),
	))
}

func (r *Recorder) SessionCost(ctx context.Context, tokens int64, cost float64) {
	r.sessionTokens.Add(ctx, tokens)
	r.sessionCost.Add(ctx, cost)
}
