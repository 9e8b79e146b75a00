// Package health defines the container health states reported to ping
// endpoints.
package health

import "fmt"

// Health is the health state of a container or of an endpoint.
//
// The values are ordered Healthy < Unhealthy < Starting. When several
// containers share an endpoint, the greatest value wins.
type Health uint8

const (
	Healthy   Health = iota // running correctly, or no health check declared
	Unhealthy               // failing its health check, or gone
	Starting                // health check has not passed yet
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case Starting:
		return "starting"
	default:
		return "unknown"
	}
}

// Worse reports whether h ranks above other in the aggregation order.
func (h Health) Worse(other Health) bool {
	return h > other
}

// Worst returns the greatest of the given states.
func Worst(first Health, rest ...Health) Health {
	w := first
	for _, h := range rest {
		if h.Worse(w) {
			w = h
		}
	}
	return w
}

// Parse maps a Docker health status string to a Health.
// Only "healthy", "unhealthy" and "starting" are accepted, matched exactly.
func Parse(s string) (Health, error) {
	switch s {
	case "healthy":
		return Healthy, nil
	case "unhealthy":
		return Unhealthy, nil
	case "starting":
		return Starting, nil
	default:
		return 0, fmt.Errorf("unknown health status %q", s)
	}
}
