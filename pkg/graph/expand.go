package graph

import (
	"fmt"
)

// expand materializes every iteration source's fan-out on the flat task
// table: transitive dependents are replicated once per iterable value,
// consumers of the iterable port are bound to per-branch literals, and
// the closing join's bound port is rewired to an ordered gather.
//
// Sources are processed in topological order. Replicating an outer
// source copies any inner source it dominates, and the copies are
// expanded in turn, so nested sources compose as a Cartesian product
// ordered source-major.
func (f *flattener) expand() error {
	for {
		source := f.nextSource()
		if source == nil {
			return nil
		}
		if err := f.expandSource(source); err != nil {
			return err
		}
	}
}

// nextSource returns the first unexpanded iteration source in current
// topological order.
func (f *flattener) nextSource() *Task {
	order, leftover := f.topo()
	if leftover != nil {
		// Cycles were rejected during validation; fall back to creation
		// order so the caller still surfaces a coherent error.
		order = f.taskOrder
	}
	for _, name := range order {
		if t := f.tasks[name]; t.iter != nil {
			return t
		}
	}
	return nil
}

func (f *flattener) expandSource(s *Task) error {
	port := s.iter.port
	values := s.iter.values
	s.iter = nil

	// Joins closing this source form the fan-out boundary.
	closing := make(map[string]*joinRef)
	for _, j := range f.joins {
		if j.source == s.Name {
			closing[j.join] = j
		}
	}

	// Affected set: transitive dependents of the source, up to and not
	// including the closing joins.
	affected := make(map[string]bool)
	frontier := f.dependentsOf(s.Name)
	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		if affected[name] || closing[name] != nil {
			continue
		}
		affected[name] = true
		frontier = append(frontier, f.dependentsOf(name)...)
	}
	var affectedOrder []string
	for _, name := range f.taskOrder {
		if affected[name] {
			affectedOrder = append(affectedOrder, name)
		}
	}

	if err := f.checkExpansion(s, port, affected, closing); err != nil {
		return err
	}

	// Replicate the affected tasks once per value, value-major, rewiring
	// intra-branch edges and injecting the branch's iterable literal.
	renames := make([]map[string]string, len(values))
	for i, v := range values {
		rename := make(map[string]string, len(affectedOrder))
		for _, old := range affectedOrder {
			rename[old] = f.uniqueName(fmt.Sprintf("%s[%s=%v]", old, port, v), i)
		}
		renames[i] = rename
		for _, old := range affectedOrder {
			c := f.tasks[old].clone(rename[old])
			for p, b := range c.bindings {
				switch b.Kind {
				case BindEdge:
					if b.From.Task == s.Name && b.From.Port == port {
						c.bindings[p] = Binding{Kind: BindLiteral, Value: v}
					} else if nn, ok := rename[b.From.Task]; ok {
						b.From.Task = nn
						c.bindings[p] = b
					}
				case BindGather:
					gather := append([]TaskPort(nil), b.Gather...)
					for k := range gather {
						if nn, ok := rename[gather[k].Task]; ok {
							gather[k].Task = nn
						}
					}
					b.Gather = gather
					c.bindings[p] = b
				}
			}
			f.tasks[c.Name] = c
		}
	}

	// Rewire each closing join's bound port to the ordered gather.
	for _, j := range f.joins {
		if j.source != s.Name {
			continue
		}
		jt := f.tasks[j.join]
		b := jt.bindings[j.port]
		if b.From.Task == s.Name {
			// The join gathers the iterable values themselves.
			jt.bindings[j.port] = Binding{Kind: BindLiteral, Value: append([]interface{}(nil), values...)}
			continue
		}
		gather := make([]TaskPort, len(values))
		for i := range values {
			gather[i] = TaskPort{Task: renames[i][b.From.Task], Port: b.From.Port}
		}
		jt.bindings[j.port] = Binding{Kind: BindGather, Gather: gather}
	}

	// Joins replicated inside the fan-out close their copied sources.
	var joins []*joinRef
	for _, j := range f.joins {
		if !affected[j.join] {
			joins = append(joins, j)
			continue
		}
		for i := range values {
			joins = append(joins, &joinRef{
				join:   renames[i][j.join],
				source: renames[i][j.source],
				port:   j.port,
			})
		}
	}
	f.joins = joins

	// Splice the replicas into the task order where the fan-out began and
	// drop the originals.
	var taskOrder []string
	spliced := false
	for _, name := range f.taskOrder {
		if !affected[name] {
			taskOrder = append(taskOrder, name)
			continue
		}
		if !spliced {
			spliced = true
			for i := range values {
				for _, old := range affectedOrder {
					taskOrder = append(taskOrder, renames[i][old])
				}
			}
		}
		delete(f.tasks, name)
	}
	f.taskOrder = taskOrder
	return nil
}

// checkExpansion rejects wirings that would make the fan-out ill-formed:
// iterable values escaping the fan-out, exposed outputs inside it, joins
// of other sources straddling its boundary, and malformed bound ports.
func (f *flattener) checkExpansion(s *Task, port string, affected map[string]bool, closing map[string]*joinRef) error {
	for _, name := range f.taskOrder {
		t := f.tasks[name]
		if affected[name] {
			if jr := f.joinOf(name); jr != nil && !affected[jr.source] {
				return NewJoinBindingError(name, jr.source,
					fmt.Errorf("join lies inside the fan-out of '%s' but closes a source outside it", s.Name))
			}
			continue
		}
		if jr := f.joinOf(name); jr != nil && affected[jr.source] {
			return NewJoinBindingError(name, jr.source,
				fmt.Errorf("join is not downstream of its source, which '%s' replicates", s.Name))
		}
		for p, b := range t.bindings {
			if b.Kind != BindEdge || b.From.Task != s.Name || b.From.Port != port {
				continue
			}
			if jr := closing[name]; jr != nil && jr.port == p {
				continue
			}
			return NewConfigurationError("Finalize", name,
				fmt.Errorf("iterable output '%s.%s' consumed outside its fan-out", s.Name, port))
		}
	}
	for outName, tp := range f.outputs {
		if affected[tp.Task] {
			return NewConfigurationError("Finalize", tp.Task,
				fmt.Errorf("exposed output '%s' originates inside the unjoined fan-out of '%s'", outName, s.Name))
		}
		if tp.Task == s.Name && tp.Port == port {
			return NewConfigurationError("Finalize", s.Name,
				fmt.Errorf("exposed output '%s' forwards the iterable port '%s'", outName, port))
		}
	}
	for _, jr := range closing {
		jt := f.tasks[jr.join]
		b, ok := jt.bindings[jr.port]
		if !ok {
			return NewJoinBindingError(jr.join, s.Name,
				fmt.Errorf("bound port '%s' has no incoming value", jr.port))
		}
		if b.Kind != BindEdge {
			return NewJoinBindingError(jr.join, s.Name,
				fmt.Errorf("bound port '%s' must be fed by the fan-out", jr.port))
		}
		if b.From.Task == s.Name {
			if b.From.Port != port {
				return NewJoinBindingError(jr.join, s.Name,
					fmt.Errorf("bound port '%s' must receive the iterable output, not '%s'", jr.port, b.From.Port))
			}
			continue
		}
		if !affected[b.From.Task] {
			return NewJoinBindingError(jr.join, s.Name,
				fmt.Errorf("bound port '%s' is not fed from the fan-out", jr.port))
		}
	}
	// Only the bound port may receive values from inside the fan-out: any
	// other join input wired to a replicated task would be left pointing
	// at a pre-expansion name.
	for _, jr := range closing {
		jt := f.tasks[jr.join]
		for p, b := range jt.bindings {
			if p == jr.port {
				continue
			}
			inside := false
			switch b.Kind {
			case BindEdge:
				inside = affected[b.From.Task]
			case BindGather:
				for _, tp := range b.Gather {
					if affected[tp.Task] {
						inside = true
						break
					}
				}
			}
			if inside {
				return NewJoinBindingError(jr.join, s.Name,
					fmt.Errorf("port '%s' is fed from inside the fan-out; only the bound port '%s' gathers it", p, jr.port))
			}
		}
	}
	return nil
}

// joinOf returns the join binding a task carries, if any.
func (f *flattener) joinOf(task string) *joinRef {
	for _, j := range f.joins {
		if j.join == task {
			return j
		}
	}
	return nil
}

// dependentsOf returns the tasks directly consuming any output of the
// named task, in creation order.
func (f *flattener) dependentsOf(name string) []string {
	var out []string
	for _, candidate := range f.taskOrder {
		t := f.tasks[candidate]
		for _, b := range t.bindings {
			hit := false
			switch b.Kind {
			case BindEdge:
				hit = b.From.Task == name
			case BindGather:
				for _, tp := range b.Gather {
					if tp.Task == name {
						hit = true
						break
					}
				}
			}
			if hit {
				out = append(out, candidate)
				break
			}
		}
	}
	return out
}

// uniqueName disambiguates replica names when iterable values collide.
func (f *flattener) uniqueName(base string, index int) string {
	if _, taken := f.tasks[base]; !taken {
		return base
	}
	return fmt.Sprintf("%s#%d", base, index)
}

// checkLiteralIterFields verifies at build time that map nodes whose
// iterfields are all statically bound carry equal-length sequences.
// Iterfields fed by upstream edges are checked when the node's inputs
// resolve at run time.
func (f *flattener) checkLiteralIterFields() error {
	for _, name := range f.taskOrder {
		t := f.tasks[name]
		if !t.IsMap() {
			continue
		}
		lengths := make(map[string]int)
		literal := 0
		for _, field := range t.IterFields {
			b, ok := t.bindings[field]
			if !ok || b.Kind != BindLiteral {
				continue
			}
			n, ok := SequenceLen(b.Value)
			if !ok {
				return NewConfigurationError("Finalize", name,
					fmt.Errorf("iterfield '%s' literal is not a sequence", field))
			}
			lengths[field] = n
			literal++
		}
		if literal < 2 {
			continue
		}
		first := -1
		equal := true
		for _, n := range lengths {
			if first == -1 {
				first = n
			} else if n != first {
				equal = false
			}
		}
		if !equal {
			return NewIterationLengthError(name, lengths)
		}
	}
	return nil
}
