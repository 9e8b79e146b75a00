package fake

import (
	"context"

	"dockhealth/internal/events"
)

var _ events.Source = (*EventSource)(nil)

// Subscription is one open fake event subscription.
type Subscription struct {
	ctx    context.Context
	events chan events.Event
	errs   chan error
}

// Send delivers ev to the subscriber. It returns false if the subscription
// was cancelled first.
func (s *Subscription) Send(ev events.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// End terminates the stream with err.
func (s *Subscription) End(err error) {
	s.errs <- err
}

// Done is closed when the subscriber cancels.
func (s *Subscription) Done() <-chan struct{} {
	return s.ctx.Done()
}

// EventSource hands each Subscribe call to the test through Next.
type EventSource struct {
	*CallRecorder
	subs chan *Subscription
}

// NewEventSource creates an EventSource.
func NewEventSource() *EventSource {
	return &EventSource{CallRecorder: NewRecorder(), subs: make(chan *Subscription, 16)}
}

func (s *EventSource) Subscribe(ctx context.Context) (<-chan events.Event, <-chan error) {
	s.record(Call{Method: MethodSubscribe})
	sub := &Subscription{
		ctx:    ctx,
		events: make(chan events.Event),
		errs:   make(chan error, 1),
	}
	s.subs <- sub
	return sub.events, sub.errs
}

// Next blocks until the next Subscribe call or ctx is done.
func (s *EventSource) Next(ctx context.Context) (*Subscription, error) {
	select {
	case sub := <-s.subs:
		return sub, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
