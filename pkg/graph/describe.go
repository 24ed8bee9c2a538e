package graph

import (
	"fmt"
	"strings"
)

// Info represents the compiled task structure for inspection
type Info struct {
	Tasks []string
	Edges []EdgeInfo
}

// EdgeInfo describes one resolved dataflow edge between tasks
type EdgeInfo struct {
	From string
	To   string
	Port string
	Type string // "edge", "gather", "literal" or "input"
}

// GraphInfo collects the task names in topological order and every
// resolved binding.
func (c *Compiled) GraphInfo() *Info {
	info := &Info{
		Tasks: append([]string(nil), c.order...),
	}
	for _, name := range c.order {
		t := c.tasks[name]
		for _, port := range t.Ins.Names() {
			b, ok := t.bindings[port]
			if !ok {
				continue
			}
			switch b.Kind {
			case BindEdge:
				info.Edges = append(info.Edges, EdgeInfo{
					From: b.From.Task, To: name, Port: port, Type: "edge",
				})
			case BindGather:
				for _, tp := range b.Gather {
					info.Edges = append(info.Edges, EdgeInfo{
						From: tp.Task, To: name, Port: port, Type: "gather",
					})
				}
			case BindLiteral:
				info.Edges = append(info.Edges, EdgeInfo{To: name, Port: port, Type: "literal"})
			case BindExternal:
				info.Edges = append(info.Edges, EdgeInfo{From: b.Input, To: name, Port: port, Type: "input"})
			}
		}
	}
	return info
}

// Describe renders a human-readable dump of the compiled graph, useful
// when debugging workflow assembly.
func (c *Compiled) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Graph: %s (%d tasks)\n", c.name, len(c.order))

	b.WriteString("Tasks:\n")
	for _, name := range c.order {
		t := c.tasks[name]
		var marks []string
		if t.IsMap() {
			marks = append(marks, fmt.Sprintf("map[%s]", strings.Join(t.IterFields, ",")))
		}
		if t.Inline {
			marks = append(marks, "inline")
		}
		if src, ok := c.joins[name]; ok {
			marks = append(marks, "join over "+src)
		}
		if len(marks) > 0 {
			fmt.Fprintf(&b, "  - %s (%s)\n", name, strings.Join(marks, ", "))
		} else {
			fmt.Fprintf(&b, "  - %s\n", name)
		}
	}

	b.WriteString("Edges:\n")
	for _, e := range c.GraphInfo().Edges {
		switch e.Type {
		case "edge":
			fmt.Fprintf(&b, "  %s --> %s.%s\n", e.From, e.To, e.Port)
		case "gather":
			fmt.Fprintf(&b, "  %s ==gather==> %s.%s\n", e.From, e.To, e.Port)
		case "literal":
			fmt.Fprintf(&b, "  (literal) --> %s.%s\n", e.To, e.Port)
		case "input":
			fmt.Fprintf(&b, "  <%s> --> %s.%s\n", e.From, e.To, e.Port)
		}
	}
	return b.String()
}
