// Package events turns the runtime's container event stream into registry
// mutations.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dockhealth/internal/health"
	"dockhealth/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/pool"
)

const (
	TypeContainer = "container"

	ActionStart = "start"
	ActionDie   = "die"

	healthStatusAction = "health_status:"
	healthStatusPrefix = healthStatusAction + " "
)

// ErrMissingContainerID is returned for a container event without an actor
// id.
var ErrMissingContainerID = errors.New("container event has no container id")

// Kind is the classification of an event.
type Kind uint8

const (
	KindIgnored Kind = iota
	KindStart
	KindDie
	KindHealth
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindDie:
		return "die"
	case KindHealth:
		return "health_status"
	default:
		return "ignored"
	}
}

// InvalidHealthStatusError is returned for a health_status event whose status
// is not healthy, unhealthy or starting.
type InvalidHealthStatusError struct {
	ContainerID string
	Status      string
}

func (e *InvalidHealthStatusError) Error() string {
	return fmt.Sprintf("container %s: invalid health status %q", e.ContainerID, e.Status)
}

// Classify maps an event to its kind. For KindHealth the parsed health is
// returned as well. A health_status action must be exactly
// "health_status: <status>".
func Classify(ev Event) (Kind, health.Health, error) {
	if ev.Type != TypeContainer {
		return KindIgnored, 0, nil
	}

	var kind Kind
	switch {
	case ev.Action == ActionStart:
		kind = KindStart
	case ev.Action == ActionDie:
		kind = KindDie
	case strings.HasPrefix(ev.Action, healthStatusAction):
		kind = KindHealth
	default:
		return KindIgnored, 0, nil
	}
	if ev.ActorID == "" {
		return kind, 0, ErrMissingContainerID
	}
	if kind != KindHealth {
		return kind, 0, nil
	}

	status, ok := strings.CutPrefix(ev.Action, healthStatusPrefix)
	if !ok {
		return KindHealth, 0, &InvalidHealthStatusError{ContainerID: ev.ActorID, Status: ev.Action}
	}
	h, err := health.Parse(status)
	if err != nil {
		return KindHealth, 0, &InvalidHealthStatusError{ContainerID: ev.ActorID, Status: status}
	}
	return KindHealth, h, nil
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithBackOff overrides the resubscribe backoff.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(r *Reconciler) { r.newBackOff = newBackOff }
}

// WithMetrics records handled events on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// Reconciler consumes the event stream and dispatches each event to the
// handler in its own task.
type Reconciler struct {
	source     Source
	handler    Handler
	timeout    time.Duration
	newBackOff func() backoff.BackOff
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// NewReconciler creates a Reconciler that bounds each event's handling by
// timeout.
func NewReconciler(source Source, handler Handler, timeout time.Duration, opts ...Option) *Reconciler {
	r := &Reconciler{
		source:  source,
		handler: handler,
		timeout: timeout,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(500*time.Millisecond),
				backoff.WithMaxInterval(30*time.Second),
				backoff.WithMaxElapsedTime(0),
			)
		},
		log: slog.With("component", "events"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run subscribes to the event stream and resubscribes whenever it ends. It
// returns only when ctx is cancelled, after in-flight event tasks finish.
func (r *Reconciler) Run(ctx context.Context) error {
	tasks := pool.New()
	defer tasks.Wait()

	b := r.newBackOff()
	for {
		got, err := r.consume(ctx, tasks)
		if ctx.Err() != nil {
			return nil
		}
		if got {
			b.Reset()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = 0
		}
		r.log.Warn("Event stream ended, resubscribing.", "err", err, "retry_in", wait.String())

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// consume reads one subscription until it ends. It reports whether any event
// was received, so the caller can reset its backoff.
func (r *Reconciler) consume(ctx context.Context, tasks *pool.Pool) (bool, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs, errs := r.source.Subscribe(subCtx)
	r.log.Debug("Subscribed to container events.")

	received := false
	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case err := <-errs:
			if err == nil {
				err = errors.New("event stream closed")
			}
			return received, err
		case ev, ok := <-msgs:
			if !ok {
				return received, errors.New("event stream closed")
			}
			received = true
			tasks.Go(func() { r.Handle(ctx, ev) })
		}
	}
}

// Handle classifies one event and applies it under the per-event timeout.
// Failures are logged and dropped.
func (r *Reconciler) Handle(ctx context.Context, ev Event) {
	kind, h, err := Classify(ev)
	if kind == KindIgnored {
		return
	}
	log := r.log.With("container_id", ev.ActorID, "action", kind.String())

	if err == nil {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		switch kind {
		case KindStart:
			err = r.handler.ContainerStarted(ctx, ev.ActorID)
		case KindDie:
			err = r.handler.ContainerDied(ctx, ev.ActorID)
		case KindHealth:
			err = r.handler.ContainerHealthUpdate(ctx, ev.ActorID, h)
		}
		if err != nil && ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", r.timeout, err)
		}
	}

	r.metrics.ObserveEvent(kind.String(), err)
	if err != nil {
		log.Error("Failed to handle container event.", "err", err)
		return
	}
	log.Debug("Handled container event.")
}
