// Package registry tracks which containers are monitored and aggregates
// their health per ping endpoint.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"dockhealth/internal/health"
	"dockhealth/internal/metrics"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultLabel is the container label whose value is the ping endpoint.
const DefaultLabel = "healthchecks.url"

// ErrInventory is wrapped by every RefreshAll failure.
var ErrInventory = errors.New("container inventory")

// Container is a monitored container.
type Container struct {
	Endpoint string
	// Health is meaningful only when HasCheck is set.
	Health   health.Health
	HasCheck bool
}

// Effective returns the health used for aggregation. Containers without a
// health check count as healthy.
func (c Container) Effective() health.Health {
	if !c.HasCheck {
		return health.Healthy
	}
	return c.Health
}

type entryKind uint8

const (
	kindMonitored entryKind = iota + 1
	kindIgnored
)

// entry is either a monitored container or an ignored marker; one map of
// entries keeps the two classifications disjoint.
type entry struct {
	kind      entryKind
	container Container
}

// Option configures a Registry.
type Option func(*Registry)

// WithLabel selects monitored containers by label key.
func WithLabel(label string) Option {
	return func(r *Registry) { r.label = label }
}

// WithTracer overrides the tracer used for refresh spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// WithMetrics records inventory sizes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry is the lock-protected container inventory. Runtime and ping I/O
// happens outside the lock; every mutation of the inventory is a single
// locked step.
type Registry struct {
	runtime Runtime
	pinger  Pinger
	label   string
	tracer  trace.Tracer
	metrics *metrics.Metrics
	log     *slog.Logger

	mu      sync.RWMutex
	entries map[string]entry

	// Deaths seen while inspects are in flight, keyed by container id. An
	// inspect that began at generation g must not store a container whose
	// death is recorded after g.
	gen      uint64
	inflight int
	died     map[string]uint64
}

// New creates an empty Registry.
func New(rt Runtime, p Pinger, opts ...Option) *Registry {
	r := &Registry{
		runtime: rt,
		pinger:  p,
		label:   DefaultLabel,
		tracer:  otel.Tracer("dockhealth/registry"),
		log:     slog.With("component", "registry"),
		entries: make(map[string]entry),
		died:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RefreshAll lists and inspects every container and replaces the inventory
// with the result. Any listing or inspect failure aborts the refresh and
// leaves the previous inventory in place.
func (r *Registry) RefreshAll(ctx context.Context) (err error) {
	ctx, span := r.tracer.Start(ctx, "registry.refresh")
	defer func() {
		r.metrics.ObserveRefresh(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	since := r.begin()
	next, err := r.collect(ctx)

	r.mu.Lock()
	if err == nil {
		for id := range next {
			if r.diedSinceLocked(id, since) {
				delete(next, id)
			}
		}
		r.entries = next
	}
	r.endLocked()
	monitored, ignored, endpoints := r.countsLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.metrics.SetInventory(monitored, ignored, endpoints)
	span.SetAttributes(
		attribute.Int("registry.monitored", monitored),
		attribute.Int("registry.ignored", ignored),
	)
	r.log.Info("Refreshed containers.", "monitored", monitored, "ignored", ignored, "endpoints", endpoints)
	if r.log.Enabled(ctx, slog.LevelDebug) {
		for _, v := range r.Snapshot().Monitored {
			r.log.Debug("Monitored container.", "id", v.ID, "endpoint", v.Endpoint, "health", describe(v.Container))
		}
	}
	return nil
}

func (r *Registry) collect(ctx context.Context) (map[string]entry, error) {
	summaries, err := r.runtime.ListContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list containers: %w", ErrInventory, err)
	}

	next := make(map[string]entry, len(summaries))
	for _, s := range summaries {
		if s.ID == "" {
			return nil, fmt.Errorf("%w: container summary has no id", ErrInventory)
		}
		c, monitored, err := r.inspect(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInventory, err)
		}
		if monitored {
			next[s.ID] = entry{kind: kindMonitored, container: c}
		} else {
			next[s.ID] = entry{kind: kindIgnored}
		}
	}
	return next, nil
}

// ContainerStarted classifies a newly started container and, if monitored,
// pings its endpoint with the aggregated status.
func (r *Registry) ContainerStarted(ctx context.Context, id string) error {
	if r.isIgnored(id) {
		return nil
	}

	c, monitored, err := r.classify(ctx, id)
	if err != nil || !monitored {
		return err
	}
	r.log.Info("Container started.", "id", id, "endpoint", c.Endpoint, "health", describe(c))
	return r.PingEndpoint(ctx, c.Endpoint)
}

// ContainerDied forgets a container. An Unhealthy ping is sent only when it
// was the last monitored container for its endpoint.
func (r *Registry) ContainerDied(ctx context.Context, id string) error {
	r.mu.Lock()
	r.gen++
	if r.inflight > 0 {
		r.died[id] = r.gen
	}
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, id)
	if e.kind == kindIgnored {
		r.updateGaugesLocked()
		r.mu.Unlock()
		return nil
	}
	endpoint := e.container.Endpoint
	vacated := !r.hasEndpointLocked(endpoint)
	r.updateGaugesLocked()
	r.mu.Unlock()

	if !vacated {
		r.log.Info("Container died, endpoint still held by other containers.", "id", id, "endpoint", endpoint)
		return nil
	}
	r.log.Info("Container died, endpoint vacated.", "id", id, "endpoint", endpoint)
	return r.pinger.Ping(ctx, endpoint, health.Unhealthy)
}

// ContainerHealthUpdate records a health transition and pings the
// container's endpoint with the aggregated status. Unknown containers are
// inspected first, which covers events that race ahead of a refresh.
func (r *Registry) ContainerHealthUpdate(ctx context.Context, id string, h health.Health) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok && e.kind == kindIgnored {
		r.mu.Unlock()
		return nil
	}
	if ok {
		e.container.Health = h
		e.container.HasCheck = true
		r.entries[id] = e
		r.mu.Unlock()

		r.log.Info("Container health changed.", "id", id, "endpoint", e.container.Endpoint, "health", h)
		return r.PingEndpoint(ctx, e.container.Endpoint)
	}
	r.mu.Unlock()

	c, monitored, err := r.classify(ctx, id)
	if err != nil || !monitored {
		return err
	}
	r.log.Info("Container discovered from health event.", "id", id, "endpoint", c.Endpoint, "health", describe(c))
	return r.PingEndpoint(ctx, c.Endpoint)
}

// AggregatedStatus returns the worst health per endpoint over all monitored
// containers.
func (r *Registry) AggregatedStatus() map[string]health.Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aggregateLocked()
}

func (r *Registry) aggregateLocked() map[string]health.Health {
	status := make(map[string]health.Health)
	for _, e := range r.entries {
		if e.kind != kindMonitored {
			continue
		}
		h := e.container.Effective()
		if cur, ok := status[e.container.Endpoint]; ok {
			h = health.Worst(cur, h)
		}
		status[e.container.Endpoint] = h
	}
	return status
}

// PingEndpoint sends the aggregated status of endpoint, or Unhealthy when no
// monitored container carries it any more.
func (r *Registry) PingEndpoint(ctx context.Context, endpoint string) error {
	h, ok := r.AggregatedStatus()[endpoint]
	if !ok {
		h = health.Unhealthy
	}
	return r.pinger.Ping(ctx, endpoint, h)
}

// PingAll pings every endpoint concurrently. A failed endpoint is logged and
// does not stop the others; the failures are returned joined.
func (r *Registry) PingAll(ctx context.Context) error {
	status := r.AggregatedStatus()
	r.log.Debug("Pinging endpoints.", "count", len(status))

	p := pool.New().WithErrors().WithContext(ctx)
	for endpoint, h := range status {
		p.Go(func(ctx context.Context) error {
			if err := r.pinger.Ping(ctx, endpoint, h); err != nil {
				r.log.Error("Ping failed.", "endpoint", endpoint, "status", h, "err", err)
				return err
			}
			return nil
		})
	}
	return p.Wait()
}

// View is a read-only copy of one monitored container.
type View struct {
	ID string
	Container
}

// Snapshot is a point-in-time copy of the inventory.
type Snapshot struct {
	Monitored []View
	Ignored   []string
}

// Snapshot copies the inventory, sorted by container id.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	var s Snapshot
	for id, e := range r.entries {
		switch e.kind {
		case kindMonitored:
			s.Monitored = append(s.Monitored, View{ID: id, Container: e.container})
		case kindIgnored:
			s.Ignored = append(s.Ignored, id)
		}
	}
	r.mu.RUnlock()

	sort.Slice(s.Monitored, func(i, j int) bool { return s.Monitored[i].ID < s.Monitored[j].ID })
	sort.Strings(s.Ignored)
	return s
}

func (r *Registry) isIgnored(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return ok && e.kind == kindIgnored
}

// classify inspects id and stores it as monitored or ignored, unless the
// container died while the inspect was in flight. It reports whether a
// monitored container was stored.
func (r *Registry) classify(ctx context.Context, id string) (Container, bool, error) {
	since := r.begin()
	c, monitored, err := r.inspect(ctx, id)

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.endLocked()

	if err != nil {
		return Container{}, false, err
	}
	if r.diedSinceLocked(id, since) {
		r.log.Info("Container died during inspect, not tracking it.", "id", id)
		return Container{}, false, nil
	}
	if monitored {
		r.entries[id] = entry{kind: kindMonitored, container: c}
	} else {
		r.entries[id] = entry{kind: kindIgnored}
	}
	r.updateGaugesLocked()
	return c, monitored, nil
}

// begin registers an in-flight inspect and returns the current death
// generation.
func (r *Registry) begin() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight++
	return r.gen
}

func (r *Registry) endLocked() {
	r.inflight--
	if r.inflight == 0 {
		clear(r.died)
	}
}

func (r *Registry) diedSinceLocked(id string, since uint64) bool {
	return r.died[id] > since
}

func (r *Registry) hasEndpointLocked(endpoint string) bool {
	for _, e := range r.entries {
		if e.kind == kindMonitored && e.container.Endpoint == endpoint {
			return true
		}
	}
	return false
}

func (r *Registry) countsLocked() (monitored, ignored, endpoints int) {
	seen := make(map[string]struct{})
	for _, e := range r.entries {
		switch e.kind {
		case kindMonitored:
			monitored++
			seen[e.container.Endpoint] = struct{}{}
		case kindIgnored:
			ignored++
		}
	}
	return monitored, ignored, len(seen)
}

func (r *Registry) updateGaugesLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.SetInventory(r.countsLocked())
}

// inspect fetches a container and reports whether it carries the endpoint
// label. Unlabelled containers are not checked further.
func (r *Registry) inspect(ctx context.Context, id string) (Container, bool, error) {
	d, err := r.runtime.InspectContainer(ctx, id)
	if err != nil {
		return Container{}, false, fmt.Errorf("inspect container %s: %w", id, err)
	}
	if d.Config == nil {
		return Container{}, false, fmt.Errorf("inspect container %s: response has no config", id)
	}
	endpoint, ok := d.Config.Labels[r.label]
	if !ok {
		return Container{}, false, nil
	}
	if d.State == nil {
		return Container{}, false, fmt.Errorf("inspect container %s: response has no state", id)
	}

	c := Container{Endpoint: endpoint}
	switch d.State.HealthStatus {
	case "", "none":
	default:
		h, err := health.Parse(d.State.HealthStatus)
		if err != nil {
			return Container{}, false, fmt.Errorf("inspect container %s: %w", id, err)
		}
		c.Health = h
		c.HasCheck = true
	}
	return c, true, nil
}

func describe(c Container) string {
	if !c.HasCheck {
		return "none"
	}
	return c.Health.String()
}
