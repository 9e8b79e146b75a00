// Package scheduler runs the periodic inventory refresh and ping sweep.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Refresher replaces the container inventory.
// Production: registry.Registry
type Refresher interface {
	RefreshAll(ctx context.Context) error
}

// Sweeper pings every endpoint with its aggregated status.
// Production: registry.Registry
type Sweeper interface {
	PingAll(ctx context.Context) error
}

// Ticker is the subset of time.Ticker the loops use.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type stdTicker struct{ *time.Ticker }

func (t stdTicker) C() <-chan time.Time { return t.Ticker.C }

// NewStdTicker wraps time.NewTicker. A slow consumer skips missed ticks
// instead of receiving a burst.
func NewStdTicker(d time.Duration) Ticker { return stdTicker{time.NewTicker(d)} }

// Scheduler drives the refresh and sweep loops.
type Scheduler struct {
	Refresher     Refresher
	Sweeper       Sweeper
	FetchInterval time.Duration
	FetchTimeout  time.Duration
	PingInterval  time.Duration
	PingTimeout   time.Duration
	// NewTicker defaults to NewStdTicker.
	NewTicker func(time.Duration) Ticker
	// Log defaults to the global logger tagged with component=scheduler.
	Log *slog.Logger
}

// Refresh runs one refresh bounded by FetchTimeout and logs the outcome.
func (s *Scheduler) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.FetchTimeout)
	defer cancel()

	log := s.logger()
	start := time.Now()
	err := s.Refresher.RefreshAll(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Error("Container refresh timed out.", "timeout", s.FetchTimeout.String(), "err", err)
		} else {
			log.Error("Container refresh failed.", "err", err)
		}
		return err
	}
	log.Debug("Container refresh finished.", "took", time.Since(start).String())
	return nil
}

// Sweep runs one ping sweep bounded by PingTimeout. Per-endpoint failures are
// logged by the sweeper; only a summary is logged here.
func (s *Scheduler) Sweep(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.PingTimeout)
	defer cancel()

	err := s.Sweeper.PingAll(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.logger().Warn("Ping sweep timed out.", "timeout", s.PingTimeout.String())
		} else {
			s.logger().Warn("Ping sweep finished with failures.")
		}
	}
	return err
}

// RunRefresh refreshes on every tick of FetchInterval until ctx is done.
// The first refresh happens one interval after the call.
func (s *Scheduler) RunRefresh(ctx context.Context) error {
	ticker := s.ticker(s.FetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			_ = s.Refresh(ctx)
		}
	}
}

// RunSweep sweeps immediately and then on every tick of PingInterval until
// ctx is done.
func (s *Scheduler) RunSweep(ctx context.Context) error {
	ticker := s.ticker(s.PingInterval)
	defer ticker.Stop()

	for {
		_ = s.Sweep(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

func (s *Scheduler) ticker(d time.Duration) Ticker {
	if s.NewTicker != nil {
		return s.NewTicker(d)
	}
	return NewStdTicker(d)
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.With("component", "scheduler")
}
