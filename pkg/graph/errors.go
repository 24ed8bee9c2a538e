package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrFrozen is returned when attempting to modify a finalized graph
	ErrFrozen = errors.New("graph is finalized and cannot be modified")

	// ErrDuplicateNode is returned when adding a node whose name already exists
	ErrDuplicateNode = errors.New("node with this name already exists")

	// ErrNodeNotFound is returned when referencing a node outside the graph
	ErrNodeNotFound = errors.New("node not found in graph")

	// ErrPortNotFound is returned when referencing an undeclared port
	ErrPortNotFound = errors.New("port not declared")

	// ErrPortOccupied is returned when an input port already has a writer
	ErrPortOccupied = errors.New("input port already has an incoming connection")

	// ErrNilRunnable is returned when constructing a leaf without a capability
	ErrNilRunnable = errors.New("leaf node requires a runnable")

	// ErrNilSubgraph is returned when constructing a composite without a body
	ErrNilSubgraph = errors.New("composite node requires a subgraph")
)

// ConfigurationError reports a malformed node or port declaration,
// detected while the graph is being assembled.
type ConfigurationError struct {
	// Op is the operation that failed
	Op string
	// Node is the name of the node involved (if any)
	Node string
	// Err is the underlying error
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("configuration error: %s: node '%s': %v", e.Op, e.Node, e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a new ConfigurationError
func NewConfigurationError(op, node string, err error) error {
	return &ConfigurationError{Op: op, Node: node, Err: err}
}

// PortError reports an invalid connection: an undeclared port or a
// destination port that already has a writer.
type PortError struct {
	// Op is the operation that failed
	Op string
	// Node is the name of the node owning the port
	Node string
	// Port is the offending port name
	Port string
	// Err is the underlying error
	Err error
}

func (e *PortError) Error() string {
	return fmt.Sprintf("port error: %s: node '%s' port '%s': %v", e.Op, e.Node, e.Port, e.Err)
}

func (e *PortError) Unwrap() error {
	return e.Err
}

// NewPortError creates a new PortError
func NewPortError(op, node, port string, err error) error {
	return &PortError{Op: op, Node: node, Port: port, Err: err}
}

// CycleError reports that finalization found a dependency cycle. Nodes
// holds every node on some cycle, in graph insertion order.
type CycleError struct {
	// Graph is the name of the graph being finalized
	Graph string
	// Nodes is the set of nodes that could not be topologically ordered
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle error: graph '%s': nodes [%s] form a cycle", e.Graph, strings.Join(e.Nodes, ", "))
}

// NewCycleError creates a new CycleError
func NewCycleError(graph string, nodes []string) error {
	return &CycleError{Graph: graph, Nodes: nodes}
}

// FrozenGraphError reports a mutation attempted after finalize.
type FrozenGraphError struct {
	// Op is the mutation that was rejected
	Op string
	// Graph is the name of the frozen graph
	Graph string
}

func (e *FrozenGraphError) Error() string {
	return fmt.Sprintf("frozen graph error: %s: graph '%s' is finalized", e.Op, e.Graph)
}

func (e *FrozenGraphError) Unwrap() error {
	return ErrFrozen
}

// NewFrozenGraphError creates a new FrozenGraphError
func NewFrozenGraphError(op, graph string) error {
	return &FrozenGraphError{Op: op, Graph: graph}
}

// IterationLengthError reports map-node iterfield sequences of unequal
// length, detected when the node's inputs are resolved.
type IterationLengthError struct {
	// Node is the map node whose iterfields disagree
	Node string
	// Lengths maps each iterfield to the length observed
	Lengths map[string]int
}

func (e *IterationLengthError) Error() string {
	parts := make([]string, 0, len(e.Lengths))
	for field, n := range e.Lengths {
		parts = append(parts, fmt.Sprintf("%s=%d", field, n))
	}
	sort.Strings(parts)
	return fmt.Sprintf("iteration length error: node '%s': iterfields have unequal lengths (%s)",
		e.Node, strings.Join(parts, ", "))
}

// NewIterationLengthError creates a new IterationLengthError
func NewIterationLengthError(node string, lengths map[string]int) error {
	return &IterationLengthError{Node: node, Lengths: lengths}
}

// JoinBindingError reports a join that names an unbound, unknown or
// already-joined iteration source.
type JoinBindingError struct {
	// Node is the join node
	Node string
	// Source is the iteration source the join names
	Source string
	// Err is the underlying error
	Err error
}

func (e *JoinBindingError) Error() string {
	return fmt.Sprintf("join binding error: node '%s' over source '%s': %v", e.Node, e.Source, e.Err)
}

func (e *JoinBindingError) Unwrap() error {
	return e.Err
}

// NewJoinBindingError creates a new JoinBindingError
func NewJoinBindingError(node, source string, err error) error {
	return &JoinBindingError{Node: node, Source: source, Err: err}
}
