package fake

import (
	"sync"

	"dockhealth/internal/health"
)

// Methods recorded by the fakes.
const (
	MethodList      = "ListContainers"
	MethodInspect   = "InspectContainer"
	MethodSubscribe = "Subscribe"
	MethodPing      = "Ping"
)

// Call is one recorded fake invocation. ContainerID is set for inspects;
// Endpoint and Health are set for pings.
type Call struct {
	Method      string
	ContainerID string
	Endpoint    string
	Health      health.Health
}

// CallRecorder logs calls made to the fakes. Fakes embed a pointer so one
// recorder can be shared, e.g. p.CallRecorder = rt.CallRecorder, to assert
// the order of runtime and ping calls.
type CallRecorder struct {
	mu    sync.Mutex
	calls []Call
}

// NewRecorder creates an empty recorder.
func NewRecorder() *CallRecorder {
	return &CallRecorder{}
}

func (r *CallRecorder) record(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

// Calls returns recorded calls of method in call order. If method is "",
// returns all calls.
func (r *CallRecorder) Calls(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Call
	for _, c := range r.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Inspected returns the container ids passed to InspectContainer.
func (r *CallRecorder) Inspected() []string {
	var ids []string
	for _, c := range r.Calls(MethodInspect) {
		ids = append(ids, c.ContainerID)
	}
	return ids
}

// Pings returns the recorded pings.
func (r *CallRecorder) Pings() []Ping {
	var out []Ping
	for _, c := range r.Calls(MethodPing) {
		out = append(out, Ping{Endpoint: c.Endpoint, Health: c.Health})
	}
	return out
}
