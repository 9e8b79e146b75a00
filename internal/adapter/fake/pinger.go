package fake

import (
	"context"

	"dockhealth/internal/health"
	"dockhealth/internal/registry"
)

var _ registry.Pinger = (*Pinger)(nil)

// Ping is one recorded ping.
type Ping struct {
	Endpoint string
	Health   health.Health
}

// Pinger records pings instead of sending them.
type Pinger struct {
	*CallRecorder

	PingErr func(ctx context.Context, endpoint string, h health.Health) error
}

// NewPinger creates a Pinger with its own recorder.
func NewPinger() *Pinger {
	return &Pinger{CallRecorder: NewRecorder()}
}

func (p *Pinger) Ping(ctx context.Context, endpoint string, h health.Health) error {
	p.record(Call{Method: MethodPing, Endpoint: endpoint, Health: h})
	if p.PingErr != nil {
		return p.PingErr(ctx, endpoint, h)
	}
	return nil
}
