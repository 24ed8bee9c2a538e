package interfaces

import (
	"context"

	"github.com/boldflow/boldflow/pkg/graph"
)

// Identity passes declared fields through unchanged. Workflow builders
// use it for the inputnode/outputnode convention and as the body of
// iteration sources.
type Identity struct {
	ports graph.Ports
}

// NewIdentity creates an identity capability over the given ports; each
// name is declared as both input and output.
func NewIdentity(ports ...graph.Port) *Identity {
	return &Identity{ports: append(graph.Ports(nil), ports...)}
}

// NewIdentityFields is NewIdentity with every field kinded as any.
func NewIdentityFields(fields ...string) *Identity {
	ports := make(graph.Ports, len(fields))
	for i, f := range fields {
		ports[i] = graph.Port{Name: f, Kind: graph.KindAny}
	}
	return &Identity{ports: ports}
}

func (i *Identity) Inputs() graph.Ports  { return i.ports }
func (i *Identity) Outputs() graph.Ports { return i.ports }

func (i *Identity) Run(_ context.Context, in graph.Values) (graph.Values, error) {
	out := make(graph.Values, len(i.ports))
	for _, p := range i.ports {
		if v, ok := in[p.Name]; ok {
			out[p.Name] = v
		}
	}
	return out, nil
}
