package portalloc

import (
	"fmt"
	"sort"

	"github.com/cuemby/nodeagent/pkg/types"
)

// PortConflict is returned when a requested static port is already in
// use, or when the dynamic range is exhausted.
type PortConflict struct {
	PortName string
	Port     int
	Reason   string
}

func (e *PortConflict) Error() string {
	return fmt.Sprintf("port conflict for %q (port %d): %s", e.PortName, e.Port, e.Reason)
}

// Range is the [From, To] inclusive span dynamic ports are drawn from.
type Range struct {
	From int
	To   int
}

// DefaultRange mirrors the ephemeral-port convention used by most
// container orchestrators.
var DefaultRange = Range{From: 30000, To: 32767}

// Allocator allocates external ports for a job's requested port
// mappings, avoiding a caller-supplied in-use set.
type Allocator struct {
	Range Range
}

// New returns an Allocator drawing dynamic ports from r.
func New(r Range) *Allocator {
	return &Allocator{Range: r}
}

// Allocate returns portName -> externalPort for every entry in
// requested. Static ports (ExternalPort != 0) are honored exactly, and
// fail if already in inUse. Dynamic ports (ExternalPort == 0) get the
// lowest free port in the allocator's range that is neither in inUse nor
// already chosen earlier in this same call.
//
// Allocate has no side effects: inUse is read-only, and a failure for
// one port never affects ports already decided in the same call — the
// caller discards the whole attempt and retries next tick (spec B3).
func (a *Allocator) Allocate(requested map[string]types.PortSpec, inUse map[int]struct{}) (map[string]int, error) {
	// Deterministic iteration order so two calls with identical inputs
	// produce identical results (the dynamic branch is still
	// nondeterministic across calls with different in-use sets, as the
	// contract allows, but never within an otherwise-identical replay).
	names := make([]string, 0, len(requested))
	for name := range requested {
		names = append(names, name)
	}
	sort.Strings(names)

	chosen := make(map[int]struct{}, len(inUse))
	for p := range inUse {
		chosen[p] = struct{}{}
	}

	result := make(map[string]int, len(requested))

	for _, name := range names {
		spec := requested[name]

		if spec.ExternalPort != 0 {
			if _, taken := chosen[spec.ExternalPort]; taken {
				return nil, &PortConflict{PortName: name, Port: spec.ExternalPort, Reason: "static port already in use"}
			}
			result[name] = spec.ExternalPort
			chosen[spec.ExternalPort] = struct{}{}
			continue
		}

		port, err := a.firstFree(chosen)
		if err != nil {
			return nil, &PortConflict{PortName: name, Port: 0, Reason: err.Error()}
		}
		result[name] = port
		chosen[port] = struct{}{}
	}

	return result, nil
}

func (a *Allocator) firstFree(chosen map[int]struct{}) (int, error) {
	for p := a.Range.From; p <= a.Range.To; p++ {
		if _, taken := chosen[p]; !taken {
			return p, nil
		}
	}
	return 0, fmt.Errorf("dynamic port range %d-%d exhausted", a.Range.From, a.Range.To)
}
