package graph

import "sort"

// BindingKind discriminates how a task input port receives its value.
type BindingKind int

const (
	// BindEdge routes the value produced on another task's output port.
	BindEdge BindingKind = iota
	// BindLiteral injects a constant fixed at build time.
	BindLiteral
	// BindGather delivers the ordered sequence of values produced by the
	// replicas an iteration fan-out created, in iterable order.
	BindGather
	// BindExternal reads the value supplied by the caller under an
	// exposed input name.
	BindExternal
)

// TaskPort addresses one port on one task of a compiled graph.
type TaskPort struct {
	Task string
	Port string
}

// Binding describes the single writer of a task input port.
type Binding struct {
	Kind   BindingKind
	From   TaskPort   // BindEdge
	Gather []TaskPort // BindGather, iterable order
	Value  interface{} // BindLiteral
	Input  string     // BindExternal
}

// Task is one executable unit of a compiled graph: a leaf node after
// composite flattening and iteration expansion, carrying its resolved
// input bindings and resource hints.
type Task struct {
	Name       string
	Run        Runnable
	Ins        Ports
	Outs       Ports
	MemGB      float64
	Threads    int
	Inline     bool
	IterFields []string

	bindings   map[string]Binding
	iter       *iterables // cleared once expansion rewires dependents
	deps       map[string]struct{}
	dependents []string
}

// Bindings returns the input-port bindings. The map must be treated as
// read-only.
func (t *Task) Bindings() map[string]Binding {
	return t.bindings
}

// Binding returns the binding for one input port, if the port is bound.
func (t *Task) Binding(port string) (Binding, bool) {
	b, ok := t.bindings[port]
	return b, ok
}

// Deps returns the names of tasks this task consumes from, sorted.
func (t *Task) Deps() []string {
	out := make([]string, 0, len(t.deps))
	for d := range t.deps {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Dependents returns the names of tasks consuming this task's outputs.
func (t *Task) Dependents() []string {
	return append([]string(nil), t.dependents...)
}

// IsMap reports whether the task expands over iterfield sequences at run
// time.
func (t *Task) IsMap() bool {
	return len(t.IterFields) > 0
}

func (t *Task) isIterField(port string) bool {
	for _, f := range t.IterFields {
		if f == port {
			return true
		}
	}
	return false
}

// clone copies the task with the given name; bindings are copied and can
// be rewired independently.
func (t *Task) clone(name string) *Task {
	c := &Task{
		Name:       name,
		Run:        t.Run,
		Ins:        t.Ins,
		Outs:       t.Outs,
		MemGB:      t.MemGB,
		Threads:    t.Threads,
		Inline:     t.Inline,
		IterFields: append([]string(nil), t.IterFields...),
		bindings:   make(map[string]Binding, len(t.bindings)),
	}
	if t.iter != nil {
		c.iter = &iterables{port: t.iter.port, values: t.iter.values}
	}
	for port, b := range t.bindings {
		if b.Gather != nil {
			b.Gather = append([]TaskPort(nil), b.Gather...)
		}
		c.bindings[port] = b
	}
	return c
}

// Compiled is the frozen, flattened, iteration-expanded form of a graph
// produced by Finalize. Execution never mutates it.
type Compiled struct {
	name    string
	tasks   map[string]*Task
	order   []string
	inputs  map[string][]TaskPort
	outputs map[string]TaskPort
	joins   map[string]string // join task -> source task it closes over
}

// Name returns the originating graph's name.
func (c *Compiled) Name() string {
	return c.name
}

// Len returns the number of tasks.
func (c *Compiled) Len() int {
	return len(c.order)
}

// Tasks returns the tasks in topological order.
func (c *Compiled) Tasks() []*Task {
	out := make([]*Task, len(c.order))
	for i, name := range c.order {
		out[i] = c.tasks[name]
	}
	return out
}

// Task returns the named task, if present.
func (c *Compiled) Task(name string) (*Task, bool) {
	t, ok := c.tasks[name]
	return t, ok
}

// InputNames returns the exposed input names the caller must supply,
// sorted.
func (c *Compiled) InputNames() []string {
	out := make([]string, 0, len(c.inputs))
	for name := range c.inputs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// OutputPorts returns the exposed output name to task-port mapping.
func (c *Compiled) OutputPorts() map[string]TaskPort {
	out := make(map[string]TaskPort, len(c.outputs))
	for name, tp := range c.outputs {
		out[name] = tp
	}
	return out
}

// JoinSource returns the source task a join task closes over.
func (c *Compiled) JoinSource(join string) (string, bool) {
	s, ok := c.joins[join]
	return s, ok
}
