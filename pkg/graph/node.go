package graph

import (
	"fmt"
	"regexp"
)

type nodeKind int

const (
	leafNode nodeKind = iota
	compositeNode
)

// DefaultMemoryGB is the memory hint assumed for nodes that do not
// declare one. Matches the floor used for negligible bookkeeping steps.
const DefaultMemoryGB = 0.01

var nodeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// iterables binds one output port to the build-time value sequence that
// drives fan-out of the node's dependents.
type iterables struct {
	port   string
	values []interface{}
}

// joinSpec marks a node as the synchronization point closing over one
// iteration source or map node.
type joinSpec struct {
	source *Node
	port   string
}

// Node is a vertex of a Graph: either a leaf wrapping a Runnable
// capability or a composite wrapping a nested Graph. Nodes are created
// through Graph.AddLeaf and Graph.AddComposite and belong to exactly one
// graph.
type Node struct {
	name string
	kind nodeKind

	run Runnable // leaf only
	sub *Graph   // composite only

	inputs  Ports
	outputs Ports

	memGB   float64
	threads int
	inline  bool

	iterables  *iterables
	iterFields []string
	join       *joinSpec

	literals Values
	owner    *Graph
}

// NodeOption configures a leaf node at construction.
type NodeOption func(*Node)

// WithMemoryGB sets the declared memory estimate in gigabytes.
func WithMemoryGB(gb float64) NodeOption {
	return func(n *Node) {
		n.memGB = gb
	}
}

// WithThreads sets the declared thread count.
func WithThreads(threads int) NodeOption {
	return func(n *Node) {
		n.threads = threads
	}
}

// WithRunWithoutSubmitting marks the node to execute inline on the
// scheduler's dispatch path, bypassing resource admission. Reserved for
// negligible-cost bookkeeping nodes.
func WithRunWithoutSubmitting() NodeOption {
	return func(n *Node) {
		n.inline = true
	}
}

// WithIterables turns the node into an iteration source: the named output
// port is bound to the given value sequence, and every transitive
// dependent is replicated once per value up to a closing join.
func WithIterables(port string, values []interface{}) NodeOption {
	return func(n *Node) {
		n.iterables = &iterables{port: port, values: values}
	}
}

// WithIterFields turns the node into a map node: the named input ports
// receive ordered sequences, and one replica per index is executed.
// Every declared output becomes an ordered list of per-replica values.
func WithIterFields(fields ...string) NodeOption {
	return func(n *Node) {
		n.iterFields = append([]string(nil), fields...)
	}
}

// WithJoinOver turns the node into a join closing over the given
// iteration source or map node: the named input port receives the ordered
// per-branch sequence instead of a single value.
func WithJoinOver(source *Node, port string) NodeOption {
	return func(n *Node) {
		n.join = &joinSpec{source: source, port: port}
	}
}

// Name returns the node's name, unique within its graph.
func (n *Node) Name() string {
	return n.name
}

// IsComposite reports whether the node wraps a nested graph.
func (n *Node) IsComposite() bool {
	return n.kind == compositeNode
}

// Inputs returns the node's declared input ports. For a composite these
// are the subgraph's exposed inputs.
func (n *Node) Inputs() Ports {
	if n.kind == compositeNode {
		return n.sub.exposedInputPorts()
	}
	return n.inputs
}

// Outputs returns the node's declared output ports. For a composite
// these are the subgraph's exposed outputs.
func (n *Node) Outputs() Ports {
	if n.kind == compositeNode {
		return n.sub.exposedOutputPorts()
	}
	return n.outputs
}

// Subgraph returns the nested graph of a composite node, or nil.
func (n *Node) Subgraph() *Graph {
	return n.sub
}

// SetInput statically binds an input port to a literal value. The binding
// counts as the port's single writer; connecting the same port afterwards
// fails. Re-binding the same port overwrites the previous literal.
func (n *Node) SetInput(port string, value interface{}) error {
	const op = "SetInput"
	if n.owner != nil && n.owner.frozen {
		return NewFrozenGraphError(op, n.owner.name)
	}
	decl, ok := n.Inputs().Lookup(port)
	if !ok {
		return NewPortError(op, n.name, port, ErrPortNotFound)
	}
	if n.owner != nil && n.owner.connectedInput(n, port) {
		return NewPortError(op, n.name, port, ErrPortOccupied)
	}
	if !n.acceptsOnPort(decl, port, value) {
		return NewConfigurationError(op, n.name,
			fmt.Errorf("value %v does not conform to port kind %s", value, decl.Kind))
	}
	if n.literals == nil {
		n.literals = make(Values)
	}
	n.literals[port] = value
	return nil
}

// acceptsOnPort applies the kind check, relaxed for iterfield and join
// ports which carry sequences of the declared element kind.
func (n *Node) acceptsOnPort(decl Port, port string, value interface{}) bool {
	if n.isIterField(port) || (n.join != nil && n.join.port == port) {
		return true
	}
	return decl.Kind.Accepts(value)
}

func (n *Node) isIterField(port string) bool {
	for _, f := range n.iterFields {
		if f == port {
			return true
		}
	}
	return false
}

// validate checks the declaration invariants common to all leaves.
func (n *Node) validate() error {
	const op = "AddLeaf"
	if !nodeNamePattern.MatchString(n.name) {
		return NewConfigurationError(op, n.name,
			fmt.Errorf("node name must match %s", nodeNamePattern.String()))
	}
	if n.memGB < 0 {
		return NewConfigurationError(op, n.name,
			fmt.Errorf("memory hint must not be negative, got %g", n.memGB))
	}
	if n.threads < 0 {
		return NewConfigurationError(op, n.name,
			fmt.Errorf("thread hint must not be negative, got %d", n.threads))
	}
	if err := checkPortDecl(n.inputs); err != nil {
		return NewConfigurationError(op, n.name, fmt.Errorf("inputs: %w", err))
	}
	if err := checkPortDecl(n.outputs); err != nil {
		return NewConfigurationError(op, n.name, fmt.Errorf("outputs: %w", err))
	}

	roles := 0
	if n.iterables != nil {
		roles++
	}
	if len(n.iterFields) > 0 {
		roles++
	}
	if n.join != nil {
		roles++
	}
	if roles > 1 {
		return NewConfigurationError(op, n.name,
			fmt.Errorf("iterables, iterfields and join are mutually exclusive on one node"))
	}

	if n.iterables != nil {
		if _, ok := n.outputs.Lookup(n.iterables.port); !ok {
			return NewPortError(op, n.name, n.iterables.port,
				fmt.Errorf("iterable output: %w", ErrPortNotFound))
		}
	}
	for _, f := range n.iterFields {
		if _, ok := n.inputs.Lookup(f); !ok {
			return NewPortError(op, n.name, f,
				fmt.Errorf("iterfield input: %w", ErrPortNotFound))
		}
	}
	if n.join != nil {
		if n.join.source == nil {
			return NewJoinBindingError(n.name, "", fmt.Errorf("join source is nil"))
		}
		if _, ok := n.inputs.Lookup(n.join.port); !ok {
			return NewPortError(op, n.name, n.join.port,
				fmt.Errorf("join input: %w", ErrPortNotFound))
		}
	}
	return nil
}

func checkPortDecl(ps Ports) error {
	seen := make(map[string]struct{}, len(ps))
	for _, p := range ps {
		if p.Name == "" {
			return fmt.Errorf("port with empty name")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate port '%s'", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}
