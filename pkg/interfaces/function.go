// Package interfaces provides the stock Runnable capabilities leaf
// nodes wrap: pure Go functions, external command invocations, and the
// small bookkeeping utilities (identity, merge, key-select, derivative
// sinks, raw-source relativization) workflow builders lean on.
package interfaces

import (
	"context"

	pkgerrors "github.com/pkg/errors"

	"github.com/boldflow/boldflow/pkg/graph"
)

// Function wraps a pure Go function as a leaf capability with declared
// ports.
type Function struct {
	ins  graph.Ports
	outs graph.Ports
	fn   func(ctx context.Context, in graph.Values) (graph.Values, error)
}

// NewFunction creates a pure-function capability. The function receives
// the resolved input mapping and must return a value for every declared
// output.
func NewFunction(ins, outs graph.Ports, fn func(ctx context.Context, in graph.Values) (graph.Values, error)) (*Function, error) {
	if fn == nil {
		return nil, pkgerrors.New("interfaces: nil function")
	}
	return &Function{
		ins:  append(graph.Ports(nil), ins...),
		outs: append(graph.Ports(nil), outs...),
		fn:   fn,
	}, nil
}

func (f *Function) Inputs() graph.Ports  { return f.ins }
func (f *Function) Outputs() graph.Ports { return f.outs }

func (f *Function) Run(ctx context.Context, in graph.Values) (graph.Values, error) {
	return f.fn(ctx, in)
}
