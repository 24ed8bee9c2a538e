package graph

import (
	"fmt"
	"sort"
)

// Finalize validates the graph, flattens nested composites into a single
// task DAG, expands iteration sources, and freezes the whole tree. It
// fails with CycleError, PortError, ConfigurationError or
// JoinBindingError; after a successful return the graph rejects every
// mutation with FrozenGraphError.
//
// Finalize is idempotent: repeated calls return the same Compiled.
func (g *Graph) Finalize() (*Compiled, error) {
	if g.compiled != nil {
		return g.compiled, nil
	}
	if err := g.validateTree(g.name); err != nil {
		return nil, err
	}
	fl := newFlattener()
	if err := fl.flatten(g); err != nil {
		return nil, err
	}
	if err := fl.expand(); err != nil {
		return nil, err
	}
	if err := fl.checkLiteralIterFields(); err != nil {
		return nil, err
	}
	c, err := fl.compile(g.name)
	if err != nil {
		return nil, err
	}
	g.freezeTree()
	g.compiled = c
	return c, nil
}

// validateTree re-checks the builder invariants for this graph and every
// nested composite: port existence, single-writer inputs, join bindings,
// iterable value kinds, and per-level acyclicity. Join bindings are
// checked once against the whole tree, since a join may close over a
// source in a sibling composite.
func (g *Graph) validateTree(qualified string) error {
	if err := g.validateLevels(qualified); err != nil {
		return err
	}
	return g.validateJoins()
}

func (g *Graph) validateLevels(qualified string) error {
	if err := g.validateLevel(qualified); err != nil {
		return err
	}
	for _, n := range g.nodes {
		if n.kind == compositeNode {
			if err := n.sub.validateLevels(qualified + "." + n.name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) validateLevel(qualified string) error {
	const op = "Finalize"

	writers := make(map[TaskPort]int)
	claim := func(node, port string) {
		writers[TaskPort{Task: node, Port: port}]++
	}
	for _, c := range g.conns {
		if _, ok := c.Src.Outputs().Lookup(c.SrcPort); !ok {
			return NewPortError(op, c.Src.name, c.SrcPort, ErrPortNotFound)
		}
		if _, ok := c.Dst.Inputs().Lookup(c.DstPort); !ok {
			return NewPortError(op, c.Dst.name, c.DstPort, ErrPortNotFound)
		}
		claim(c.Dst.name, c.DstPort)
	}
	for _, e := range g.exposedIn {
		if _, ok := e.node.Inputs().Lookup(e.port); !ok {
			return NewPortError(op, e.node.name, e.port, ErrPortNotFound)
		}
		claim(e.node.name, e.port)
	}
	for _, n := range g.nodes {
		for port := range n.literals {
			if _, ok := n.Inputs().Lookup(port); !ok {
				return NewPortError(op, n.name, port, ErrPortNotFound)
			}
			claim(n.name, port)
		}
		if n.iterables != nil {
			decl, _ := n.outputs.Lookup(n.iterables.port)
			for _, v := range n.iterables.values {
				if !decl.Kind.Accepts(v) {
					return NewConfigurationError(op, n.name,
						fmt.Errorf("iterable value %v does not conform to port '%s' kind %s",
							v, n.iterables.port, decl.Kind))
				}
			}
		}
	}
	for tp, count := range writers {
		if count > 1 {
			return NewPortError(op, tp.Task, tp.Port, ErrPortOccupied)
		}
	}
	return g.checkAcyclic(qualified)
}

// checkAcyclic runs Kahn's algorithm over this level's nodes, treating
// each composite as a single vertex. Cross-level cycles always surface as
// node-level edges at the common ancestor, so per-level checks cover the
// whole tree.
func (g *Graph) checkAcyclic(qualified string) error {
	indegree := make(map[*Node]int, len(g.nodes))
	adjacency := make(map[*Node][]*Node, len(g.nodes))
	for _, n := range g.nodes {
		indegree[n] = 0
	}
	seen := make(map[[2]*Node]struct{}, len(g.conns))
	for _, c := range g.conns {
		key := [2]*Node{c.Src, c.Dst}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		adjacency[c.Src] = append(adjacency[c.Src], c.Dst)
		indegree[c.Dst]++
	}

	queue := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, m := range adjacency[n] {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	if visited == len(g.nodes) {
		return nil
	}
	var cyclic []string
	for _, n := range g.nodes {
		if indegree[n] > 0 {
			cyclic = append(cyclic, n.name)
		}
	}
	return NewCycleError(qualified, cyclic)
}

// validateJoins checks join bindings across the whole tree rooted here:
// every join must name a node carrying an iteration role, reachable in
// this tree, and no source may be closed by two joins.
func (g *Graph) validateJoins() error {
	joinedBy := make(map[*Node]string)
	var walk func(gr *Graph) error
	walk = func(gr *Graph) error {
		for _, n := range gr.nodes {
			if n.kind == compositeNode {
				if err := walk(n.sub); err != nil {
					return err
				}
				continue
			}
			if n.join == nil {
				continue
			}
			src := n.join.source
			if !g.contains(src) {
				return NewJoinBindingError(n.name, nodeName(src),
					fmt.Errorf("source is not part of this graph"))
			}
			if src.iterables == nil && len(src.iterFields) == 0 {
				return NewJoinBindingError(n.name, src.name,
					fmt.Errorf("source is neither an iteration source nor a map node"))
			}
			if prev, taken := joinedBy[src]; taken {
				return NewJoinBindingError(n.name, src.name,
					fmt.Errorf("source is already joined by '%s'", prev))
			}
			joinedBy[src] = n.name
		}
		return nil
	}
	return walk(g)
}

// contains reports whether the node's owning graph lies in the tree
// rooted at g.
func (g *Graph) contains(n *Node) bool {
	if n == nil || n.owner == nil {
		return false
	}
	for gr := n.owner; gr != nil; gr = gr.parent {
		if gr == g {
			return true
		}
	}
	return false
}

func (g *Graph) freezeTree() {
	g.frozen = true
	for _, n := range g.nodes {
		if n.kind == compositeNode {
			n.sub.freezeTree()
		}
	}
}

// flattener builds the task table for a graph tree: leaves become tasks
// with qualified names, composite boundaries dissolve into direct
// bindings, and iteration sources are expanded in place.
type flattener struct {
	tasks     map[string]*Task
	taskOrder []string
	nodeTask  map[*Node]string
	outputs   map[string]TaskPort
	outOrder  []string
	joins     []*joinRef
}

type joinRef struct {
	join   string
	source string
	port   string
}

func newFlattener() *flattener {
	return &flattener{
		tasks:    make(map[string]*Task),
		nodeTask: make(map[*Node]string),
		outputs:  make(map[string]TaskPort),
	}
}

func (f *flattener) flatten(root *Graph) error {
	f.addGraph(root, root.name)
	if err := f.wire(root); err != nil {
		return err
	}
	return f.externalize(root)
}

// addGraph creates one task per leaf, depth-first in insertion order.
func (f *flattener) addGraph(g *Graph, prefix string) {
	for _, n := range g.nodes {
		qualified := prefix + "." + n.name
		if n.kind == compositeNode {
			f.addGraph(n.sub, qualified)
			continue
		}
		t := &Task{
			Name:       qualified,
			Run:        n.run,
			Ins:        n.inputs,
			Outs:       n.outputs,
			MemGB:      n.memGB,
			Threads:    n.threads,
			Inline:     n.inline,
			IterFields: append([]string(nil), n.iterFields...),
			bindings:   make(map[string]Binding),
		}
		if n.iterables != nil {
			t.iter = &iterables{port: n.iterables.port, values: n.iterables.values}
		}
		f.tasks[qualified] = t
		f.taskOrder = append(f.taskOrder, qualified)
		f.nodeTask[n] = qualified
	}
}

// wire converts every connection and literal in the tree into task
// bindings, resolving endpoints through composite exposures.
func (f *flattener) wire(g *Graph) error {
	for _, c := range g.conns {
		srcNode, srcPort, err := resolveSrc(c.Src, c.SrcPort)
		if err != nil {
			return err
		}
		targets, err := resolveDst(c.Dst, c.DstPort)
		if err != nil {
			return err
		}
		from := TaskPort{Task: f.nodeTask[srcNode], Port: srcPort}
		for _, tgt := range targets {
			if err := f.bind(tgt, Binding{Kind: BindEdge, From: from}); err != nil {
				return err
			}
		}
	}
	for _, n := range g.nodes {
		for port, value := range n.literals {
			targets, err := resolveDst(n, port)
			if err != nil {
				return err
			}
			for _, tgt := range targets {
				if err := f.bind(tgt, Binding{Kind: BindLiteral, Value: value}); err != nil {
					return err
				}
			}
		}
		if n.kind == compositeNode {
			if err := f.wire(n.sub); err != nil {
				return err
			}
			continue
		}
		if n.join != nil {
			source, ok := f.nodeTask[n.join.source]
			if !ok {
				return NewJoinBindingError(n.name, nodeName(n.join.source),
					fmt.Errorf("source has no task"))
			}
			f.joins = append(f.joins, &joinRef{
				join:   f.nodeTask[n],
				source: source,
				port:   n.join.port,
			})
		}
	}
	return nil
}

func (f *flattener) bind(tgt leafPort, b Binding) error {
	task := f.tasks[f.nodeTask[tgt.node]]
	if _, taken := task.bindings[tgt.port]; taken {
		return NewPortError("Finalize", task.Name, tgt.port, ErrPortOccupied)
	}
	task.bindings[tgt.port] = b
	return nil
}

// externalize maps the root graph's exposures to external input bindings
// and the compiled output table.
func (f *flattener) externalize(root *Graph) error {
	for _, e := range root.exposedIn {
		targets, err := resolveDst(e.node, e.port)
		if err != nil {
			return err
		}
		for _, tgt := range targets {
			if err := f.bind(tgt, Binding{Kind: BindExternal, Input: e.name}); err != nil {
				return err
			}
		}
	}
	for _, e := range root.exposedOut {
		srcNode, srcPort, err := resolveSrc(e.node, e.port)
		if err != nil {
			return err
		}
		f.outputs[e.name] = TaskPort{Task: f.nodeTask[srcNode], Port: srcPort}
		f.outOrder = append(f.outOrder, e.name)
	}
	return nil
}

type leafPort struct {
	node *Node
	port string
}

// resolveSrc descends composite exposed-output chains to the producing
// leaf port.
func resolveSrc(n *Node, port string) (*Node, string, error) {
	if n.kind == leafNode {
		if _, ok := n.outputs.Lookup(port); !ok {
			return nil, "", NewPortError("Finalize", n.name, port, ErrPortNotFound)
		}
		return n, port, nil
	}
	for _, e := range n.sub.exposedOut {
		if e.name == port {
			return resolveSrc(e.node, e.port)
		}
	}
	return nil, "", NewPortError("Finalize", n.name, port, ErrPortNotFound)
}

// resolveDst descends composite exposed-input chains to every consuming
// leaf port.
func resolveDst(n *Node, port string) ([]leafPort, error) {
	if n.kind == leafNode {
		if _, ok := n.inputs.Lookup(port); !ok {
			return nil, NewPortError("Finalize", n.name, port, ErrPortNotFound)
		}
		return []leafPort{{node: n, port: port}}, nil
	}
	var out []leafPort
	for _, e := range n.sub.exposedIn {
		if e.name != port {
			continue
		}
		resolved, err := resolveDst(e.node, e.port)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved...)
	}
	if len(out) == 0 {
		return nil, NewPortError("Finalize", n.name, port, ErrPortNotFound)
	}
	return out, nil
}

// compile computes dependencies, the final topological order, and the
// external input table.
func (f *flattener) compile(name string) (*Compiled, error) {
	for _, taskName := range f.taskOrder {
		t := f.tasks[taskName]
		t.deps = make(map[string]struct{})
		for _, dep := range f.bindingDeps(t) {
			t.deps[dep] = struct{}{}
			f.tasks[dep].dependents = append(f.tasks[dep].dependents, taskName)
		}
	}
	for _, taskName := range f.taskOrder {
		sort.Strings(f.tasks[taskName].dependents)
	}

	order, leftover := f.topo()
	if leftover != nil {
		return nil, NewCycleError(name, leftover)
	}

	inputs := make(map[string][]TaskPort)
	for _, taskName := range order {
		t := f.tasks[taskName]
		for _, port := range t.Ins.Names() {
			if b, ok := t.bindings[port]; ok && b.Kind == BindExternal {
				inputs[b.Input] = append(inputs[b.Input], TaskPort{Task: taskName, Port: port})
			}
		}
	}

	joins := make(map[string]string, len(f.joins))
	for _, j := range f.joins {
		joins[j.join] = j.source
	}

	return &Compiled{
		name:    name,
		tasks:   f.tasks,
		order:   order,
		inputs:  inputs,
		outputs: f.outputs,
		joins:   joins,
	}, nil
}

// bindingDeps returns the distinct upstream task names a task consumes
// from, in declared input-port order.
func (f *flattener) bindingDeps(t *Task) []string {
	var deps []string
	seen := make(map[string]struct{})
	add := func(name string) {
		if _, ok := f.tasks[name]; !ok {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		deps = append(deps, name)
	}
	for _, port := range t.Ins.Names() {
		b, ok := t.bindings[port]
		if !ok {
			continue
		}
		switch b.Kind {
		case BindEdge:
			add(b.From.Task)
		case BindGather:
			for _, tp := range b.Gather {
				add(tp.Task)
			}
		}
	}
	return deps
}

// topo runs Kahn's algorithm over the current task table, deriving edges
// from bindings. The returned order is deterministic: ties resolve in
// task creation order.
func (f *flattener) topo() ([]string, []string) {
	indegree := make(map[string]int, len(f.tasks))
	dependents := make(map[string][]string, len(f.tasks))
	for _, name := range f.taskOrder {
		deps := f.bindingDeps(f.tasks[name])
		indegree[name] = len(deps)
		for _, d := range deps {
			dependents[d] = append(dependents[d], name)
		}
	}
	queue := make([]string, 0, len(f.tasks))
	for _, name := range f.taskOrder {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	order := make([]string, 0, len(f.tasks))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(order) != len(f.taskOrder) {
		var leftover []string
		for _, name := range f.taskOrder {
			if indegree[name] > 0 {
				leftover = append(leftover, name)
			}
		}
		return nil, leftover
	}
	return order, nil
}
