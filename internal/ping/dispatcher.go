// Package ping delivers health pings to dead-man's-switch endpoints.
package ping

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"dockhealth/internal/health"
	"dockhealth/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxDrainBytes = 64 << 10

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DeliveryError is returned when every attempt to deliver a ping failed.
type DeliveryError struct {
	Endpoint string
	Target   string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("ping %s failed after %d attempt(s): %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimer overrides the timer used between attempts.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(d *Dispatcher) { d.newTimer = newTimer }
}

// WithTracer overrides the tracer used for delivery spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithMetrics records ping outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher sends pings with bounded retries and suppresses consecutive
// starting pings to the same endpoint. It is safe for concurrent use.
type Dispatcher struct {
	client   Doer
	retries  uint64
	delay    time.Duration
	newTimer func() backoff.Timer
	tracer   trace.Tracer
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu sync.Mutex
	// starting holds endpoints whose most recent ping was Starting.
	starting map[string]struct{}
	last     map[string]health.Health
}

// New creates a Dispatcher making at most retries+1 attempts per ping,
// delay apart.
func New(client Doer, retries int, delay time.Duration, opts ...Option) *Dispatcher {
	if retries < 0 {
		retries = 0
	}
	d := &Dispatcher{
		client:   client,
		retries:  uint64(retries),
		delay:    delay,
		tracer:   otel.Tracer("dockhealth/ping"),
		log:      slog.With("component", "ping"),
		starting: make(map[string]struct{}),
		last:     make(map[string]health.Health),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Target returns the URL pinged for endpoint in state h. A trailing slash on
// endpoint is dropped for every state.
func Target(endpoint string, h health.Health) string {
	base := strings.TrimSuffix(endpoint, "/")
	switch h {
	case health.Unhealthy:
		return base + "/fail"
	case health.Starting:
		return base + "/start"
	default:
		return base
	}
}

// Ping reports h for endpoint. A Starting ping to an endpoint whose last
// ping was also Starting is dropped and reported as success.
func (d *Dispatcher) Ping(ctx context.Context, endpoint string, h health.Health) error {
	if !d.admit(endpoint, h) {
		d.log.Debug("Skipping repeated starting ping.", "endpoint", endpoint)
		d.metrics.ObservePing(h.String(), metrics.ResultDeduplicated)
		return nil
	}

	target := Target(endpoint, h)
	ctx, span := d.tracer.Start(ctx, "ping.deliver", trace.WithAttributes(
		attribute.String("ping.endpoint", endpoint),
		attribute.String("ping.status", h.String()),
	))
	defer span.End()

	attempts, err := d.deliver(ctx, endpoint, target)
	span.SetAttributes(attribute.Int("ping.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.metrics.ObservePing(h.String(), metrics.ResultFailed)
		return err
	}

	d.log.Debug("Sent ping.", "endpoint", endpoint, "status", h, "attempts", attempts)
	d.metrics.ObservePing(h.String(), metrics.ResultSent)
	return nil
}

// admit records h as the latest status for endpoint and reports whether the
// ping should go out. Check and update happen under one lock so concurrent
// Starting pings cannot both pass.
func (d *Dispatcher) admit(endpoint string, h health.Health) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if h == health.Starting {
		if _, ok := d.starting[endpoint]; ok {
			return false
		}
		d.starting[endpoint] = struct{}{}
	} else {
		delete(d.starting, endpoint)
	}

	if prev, ok := d.last[endpoint]; !ok || prev != h {
		d.log.Info("Endpoint status changed.", "endpoint", endpoint, "from", previous(prev, ok), "to", h)
	}
	d.last[endpoint] = h
	return true
}

func previous(h health.Health, ok bool) string {
	if !ok {
		return "none"
	}
	return h.String()
}

func (d *Dispatcher) deliver(ctx context.Context, endpoint, target string) (int, error) {
	var (
		attempts int
		lastErr  error
	)
	op := func() error {
		attempts++
		d.metrics.ObserveAttempt()
		lastErr = d.post(ctx, target)
		return lastErr
	}
	notify := func(err error, next time.Duration) {
		d.log.Warn("Ping failed, retrying.", "endpoint", endpoint, "attempt", attempts, "retry_in", next, "err", err)
	}

	var timer backoff.Timer
	if d.newTimer != nil {
		timer = d.newTimer()
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(d.delay), d.retries), ctx)
	if err := backoff.RetryNotifyWithTimer(op, b, notify, timer); err != nil {
		cause := lastErr
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
			cause = errors.Join(ctxErr, lastErr)
		}
		if cause == nil {
			cause = err
		}
		var permanent *backoff.PermanentError
		if errors.As(cause, &permanent) {
			cause = permanent.Err
		}
		return attempts, &DeliveryError{Endpoint: endpoint, Target: target, Attempts: attempts, Err: cause}
	}
	return attempts, nil
}

func (d *Dispatcher) post(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request for %q: %w", target, err))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: unexpected status %d", target, resp.StatusCode)
	}
	return nil
}
