package graph

import "context"

// Runnable is the execution capability wrapped by a leaf node. It declares
// the ports it accepts and produces, receives a fully resolved input
// mapping, and returns an output mapping or an error. The engine never
// looks inside the values; routing is its only concern.
//
// Implementations must be safe for concurrent use: map-expanded replicas
// of one node share a single Runnable.
type Runnable interface {
	Inputs() Ports
	Outputs() Ports
	Run(ctx context.Context, in Values) (Values, error)
}
