package graph

import (
	"fmt"
)

// Graph is a buildable DAG of nodes connected by typed ports. It is
// assembled single-threaded, validated and frozen by Finalize, and is
// itself usable as a node of an enclosing graph (AddComposite).
//
// Fan-in of values is expressed through explicit merge nodes: a
// destination input port accepts at most one writer, whether that writer
// is a connection, a literal binding or an exposed input.
type Graph struct {
	name string

	nodes  []*Node
	byName map[string]*Node

	conns []*Connection

	exposedIn  []exposure
	exposedOut []exposure

	parent *Graph // set when added as a composite

	frozen   bool
	compiled *Compiled
}

// Connection is a directed edge from a source output port to a
// destination input port. Immutable once the graph is finalized.
type Connection struct {
	Src     *Node
	SrcPort string
	Dst     *Node
	DstPort string
}

// exposure forwards an external port name to an internal (node, port)
// endpoint.
type exposure struct {
	name string
	node *Node
	port string
}

// New creates an empty graph with the given name.
func New(name string) *Graph {
	return &Graph{
		name:   name,
		byName: make(map[string]*Node),
	}
}

// Name returns the graph's name.
func (g *Graph) Name() string {
	return g.name
}

// Node returns the named node, if present.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.byName[name]
	return n, ok
}

// Nodes returns the graph's nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	return append([]*Node(nil), g.nodes...)
}

// AddLeaf creates a leaf node wrapping the given capability and adds it
// to the graph. The node's ports are the capability's declared ports.
func (g *Graph) AddLeaf(name string, r Runnable, opts ...NodeOption) (*Node, error) {
	const op = "AddLeaf"
	if g.frozen {
		return nil, NewFrozenGraphError(op, g.name)
	}
	if r == nil {
		return nil, NewConfigurationError(op, name, ErrNilRunnable)
	}
	n := &Node{
		name:    name,
		kind:    leafNode,
		run:     r,
		inputs:  append(Ports(nil), r.Inputs()...),
		outputs: append(Ports(nil), r.Outputs()...),
		memGB:   DefaultMemoryGB,
		threads: 1,
		owner:   g,
	}
	for _, opt := range opts {
		opt(n)
	}
	if err := n.validate(); err != nil {
		return nil, err
	}
	if err := g.insert(n); err != nil {
		return nil, err
	}
	return n, nil
}

// AddComposite adds a nested graph as a node. The composite's ports are
// the subgraph's exposed inputs and outputs; resource hints and iteration
// roles live on the leaves inside it.
func (g *Graph) AddComposite(name string, sub *Graph) (*Node, error) {
	const op = "AddComposite"
	if g.frozen {
		return nil, NewFrozenGraphError(op, g.name)
	}
	if sub == nil {
		return nil, NewConfigurationError(op, name, ErrNilSubgraph)
	}
	if sub == g {
		return nil, NewConfigurationError(op, name, fmt.Errorf("graph cannot nest itself"))
	}
	if sub.parent != nil {
		return nil, NewConfigurationError(op, name,
			fmt.Errorf("graph '%s' is already nested elsewhere", sub.name))
	}
	for anc := g; anc != nil; anc = anc.parent {
		if anc == sub {
			return nil, NewConfigurationError(op, name,
				fmt.Errorf("graph '%s' is an ancestor of '%s'", sub.name, g.name))
		}
	}
	if !nodeNamePattern.MatchString(name) {
		return nil, NewConfigurationError(op, name,
			fmt.Errorf("node name must match %s", nodeNamePattern.String()))
	}
	n := &Node{
		name:  name,
		kind:  compositeNode,
		sub:   sub,
		owner: g,
	}
	if err := g.insert(n); err != nil {
		return nil, err
	}
	sub.parent = g
	return n, nil
}

func (g *Graph) insert(n *Node) error {
	if _, exists := g.byName[n.name]; exists {
		return NewConfigurationError("AddNode", n.name, ErrDuplicateNode)
	}
	g.nodes = append(g.nodes, n)
	g.byName[n.name] = n
	return nil
}

// Connect declares a dataflow edge from (src, srcPort) to (dst, dstPort).
// It fails with PortError if either port is undeclared or the destination
// port already has a writer, and with FrozenGraphError after finalize.
func (g *Graph) Connect(src *Node, srcPort string, dst *Node, dstPort string) error {
	const op = "Connect"
	if g.frozen {
		return NewFrozenGraphError(op, g.name)
	}
	if src == nil || src.owner != g {
		return NewConfigurationError(op, nodeName(src), ErrNodeNotFound)
	}
	if dst == nil || dst.owner != g {
		return NewConfigurationError(op, nodeName(dst), ErrNodeNotFound)
	}
	srcDecl, ok := src.Outputs().Lookup(srcPort)
	if !ok {
		return NewPortError(op, src.name, srcPort, ErrPortNotFound)
	}
	dstDecl, ok := dst.Inputs().Lookup(dstPort)
	if !ok {
		return NewPortError(op, dst.name, dstPort, ErrPortNotFound)
	}
	if g.inputOccupied(dst, dstPort) {
		return NewPortError(op, dst.name, dstPort, ErrPortOccupied)
	}
	if !dst.isIterField(dstPort) && !(dst.join != nil && dst.join.port == dstPort) {
		if !kindsCompatible(srcDecl.Kind, dstDecl.Kind) {
			return NewPortError(op, dst.name, dstPort,
				fmt.Errorf("kind mismatch: %s does not flow into %s", srcDecl.Kind, dstDecl.Kind))
		}
	}
	g.conns = append(g.conns, &Connection{Src: src, SrcPort: srcPort, Dst: dst, DstPort: dstPort})
	return nil
}

// ExposeInput publishes an external input name forwarding to an internal
// (node, port) target. The same name may be exposed to several targets;
// each target port is claimed as written.
func (g *Graph) ExposeInput(name string, target *Node, targetPort string) error {
	const op = "ExposeInput"
	if g.frozen {
		return NewFrozenGraphError(op, g.name)
	}
	if target == nil || target.owner != g {
		return NewConfigurationError(op, nodeName(target), ErrNodeNotFound)
	}
	if name == "" {
		return NewConfigurationError(op, target.name, fmt.Errorf("exposed input name is empty"))
	}
	if _, ok := target.Inputs().Lookup(targetPort); !ok {
		return NewPortError(op, target.name, targetPort, ErrPortNotFound)
	}
	if g.inputOccupied(target, targetPort) {
		return NewPortError(op, target.name, targetPort, ErrPortOccupied)
	}
	g.exposedIn = append(g.exposedIn, exposure{name: name, node: target, port: targetPort})
	return nil
}

// ExposeOutput publishes an external output name forwarding from an
// internal (node, port) source. Each name may be exposed once.
func (g *Graph) ExposeOutput(name string, source *Node, sourcePort string) error {
	const op = "ExposeOutput"
	if g.frozen {
		return NewFrozenGraphError(op, g.name)
	}
	if source == nil || source.owner != g {
		return NewConfigurationError(op, nodeName(source), ErrNodeNotFound)
	}
	if name == "" {
		return NewConfigurationError(op, source.name, fmt.Errorf("exposed output name is empty"))
	}
	if _, ok := source.Outputs().Lookup(sourcePort); !ok {
		return NewPortError(op, source.name, sourcePort, ErrPortNotFound)
	}
	for _, e := range g.exposedOut {
		if e.name == name {
			return NewConfigurationError(op, source.name,
				fmt.Errorf("output '%s' already exposed", name))
		}
	}
	g.exposedOut = append(g.exposedOut, exposure{name: name, node: source, port: sourcePort})
	return nil
}

// inputOccupied reports whether (n, port) already has a writer: an
// incoming connection, a literal binding or an exposed input claim.
func (g *Graph) inputOccupied(n *Node, port string) bool {
	if _, ok := n.literals[port]; ok {
		return true
	}
	return g.connectedInput(n, port)
}

// connectedInput reports writers excluding literals, used by SetInput.
func (g *Graph) connectedInput(n *Node, port string) bool {
	for _, c := range g.conns {
		if c.Dst == n && c.DstPort == port {
			return true
		}
	}
	for _, e := range g.exposedIn {
		if e.node == n && e.port == port {
			return true
		}
	}
	return false
}

// exposedInputPorts derives the composite-facing input declaration.
// Repeated names are reported once, with the kind of the first target.
func (g *Graph) exposedInputPorts() Ports {
	var ports Ports
	seen := make(map[string]struct{})
	for _, e := range g.exposedIn {
		if _, dup := seen[e.name]; dup {
			continue
		}
		seen[e.name] = struct{}{}
		kind := KindAny
		if decl, ok := e.node.Inputs().Lookup(e.port); ok {
			kind = decl.Kind
		}
		ports = append(ports, Port{Name: e.name, Kind: kind})
	}
	return ports
}

func (g *Graph) exposedOutputPorts() Ports {
	var ports Ports
	for _, e := range g.exposedOut {
		kind := KindAny
		if decl, ok := e.node.Outputs().Lookup(e.port); ok {
			kind = decl.Kind
		}
		ports = append(ports, Port{Name: e.name, Kind: kind})
	}
	return ports
}

// kindsCompatible reports whether a value produced as kind a may flow
// into a port of kind b. Paths interchange with strings, and the generic
// list kind interchanges with element-typed lists.
func kindsCompatible(a, b Kind) bool {
	if a == b || a == KindAny || b == KindAny {
		return true
	}
	pair := func(x, y Kind) bool {
		return (a == x && b == y) || (a == y && b == x)
	}
	switch {
	case pair(KindFile, KindString),
		pair(KindFileList, KindStringList),
		pair(KindList, KindFileList),
		pair(KindList, KindStringList),
		pair(KindList, KindFloatList):
		return true
	}
	return false
}

func nodeName(n *Node) string {
	if n == nil {
		return "<nil>"
	}
	return n.name
}
