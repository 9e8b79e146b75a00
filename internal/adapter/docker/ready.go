package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
)

// Pinger is the part of the Docker client WaitReady needs.
type Pinger interface {
	Ping(ctx context.Context) (types.Ping, error)
}

// WaitReady pings the daemon once per interval until it answers. Errors other
// than a failed connection are returned immediately; the last connection
// error is returned when ctx ends.
func WaitReady(ctx context.Context, cli Pinger, interval time.Duration) error {
	log := slog.With("component", "docker")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	waiting := false
	for {
		_, err := cli.Ping(ctx)
		if err == nil {
			if waiting {
				log.Info("Docker daemon reachable.")
			}
			return nil
		}
		if !client.IsErrConnectionFailed(err) {
			return fmt.Errorf("connect to docker daemon: %w", err)
		}
		if !waiting {
			waiting = true
			log.Warn("Waiting for Docker daemon.", "err", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect to docker daemon: %w", err)
		case <-ticker.C:
		}
	}
}
