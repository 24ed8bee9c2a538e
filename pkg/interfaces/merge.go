package interfaces

import (
	"context"
	"fmt"

	pkgerrors "github.com/pkg/errors"

	"github.com/boldflow/boldflow/pkg/graph"
)

// Merge collects a fixed number of inputs into one ordered list output.
// It is the explicit fan-in node the graph model requires: an input
// port accepts a single writer, so multiple values converge through a
// Merge rather than through multiple edges into one port.
type Merge struct {
	n    int
	ins  graph.Ports
	outs graph.Ports
}

// NewMerge creates an n-way merge with inputs in1..inN and one "out"
// list output.
func NewMerge(n int) (*Merge, error) {
	if n < 1 {
		return nil, pkgerrors.Errorf("interfaces: merge width must be positive, got %d", n)
	}
	ins := make(graph.Ports, n)
	for i := range ins {
		ins[i] = graph.Port{Name: fmt.Sprintf("in%d", i+1), Kind: graph.KindAny}
	}
	return &Merge{
		n:    n,
		ins:  ins,
		outs: graph.Ports{{Name: "out", Kind: graph.KindList}},
	}, nil
}

func (m *Merge) Inputs() graph.Ports  { return m.ins }
func (m *Merge) Outputs() graph.Ports { return m.outs }

func (m *Merge) Run(_ context.Context, in graph.Values) (graph.Values, error) {
	out := make([]interface{}, m.n)
	for i := 0; i < m.n; i++ {
		v, ok := in[fmt.Sprintf("in%d", i+1)]
		if !ok {
			return nil, pkgerrors.Errorf("merge input in%d received no value", i+1)
		}
		out[i] = v
	}
	return graph.Values{"out": out}, nil
}
