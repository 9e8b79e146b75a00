package fake

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var _ backoff.Timer = (*Timer)(nil)

// Timer is a backoff.Timer that fires immediately and records every
// requested delay.
type Timer struct {
	mu     sync.Mutex
	delays []time.Duration
	c      chan time.Time
}

// NewTimer creates a Timer that never blocks.
func NewTimer() *Timer {
	return &Timer{c: make(chan time.Time, 1)}
}

func (t *Timer) Start(d time.Duration) {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()
	select {
	case t.c <- time.Time{}.Add(d):
	default:
	}
}

func (t *Timer) Stop() {}

func (t *Timer) C() <-chan time.Time { return t.c }

// Delays returns the durations passed to Start, in order.
func (t *Timer) Delays() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Duration, len(t.delays))
	copy(out, t.delays)
	return out
}

// Ticker is a manually driven ticker.
type Ticker struct {
	c       chan time.Time
	mu      sync.Mutex
	stopped bool
	period  time.Duration
}

// NewTicker creates a Ticker. Tick delivers one tick.
func NewTicker(period time.Duration) *Ticker {
	return &Ticker{c: make(chan time.Time), period: period}
}

func (t *Ticker) C() <-chan time.Time { return t.c }

func (t *Ticker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Stopped reports whether Stop was called.
func (t *Ticker) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Period returns the period the ticker was created with.
func (t *Ticker) Period() time.Duration { return t.period }

// Tick blocks until the consumer receives a tick.
func (t *Ticker) Tick() {
	t.c <- time.Now()
}
