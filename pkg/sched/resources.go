package sched

import (
	"fmt"
	"sort"
	"strings"

	"github.com/boldflow/boldflow/pkg/graph"
)

// Resources describes quantities of schedulable resources keyed by
// dimension. The scheduler budgets two dimensions: Mem in gigabytes and
// CPU in declared threads. Extra dimensions are carried through
// unharmed, so callers may budget site-specific resources (GPUs, local
// scratch) the same way.
type Resources map[string]float64

const (
	// Mem is the memory dimension, in gigabytes.
	Mem = "mem"
	// CPU is the thread dimension.
	CPU = "cpu"
)

// Available reports whether u fits in r: every dimension u requests is
// present in r in at least the requested quantity.
func (r Resources) Available(u Resources) bool {
	for key, want := range u {
		if r[key] < want {
			return false
		}
	}
	return true
}

// Add accumulates u into r.
func (r Resources) Add(u Resources) {
	for key, v := range u {
		r[key] += v
	}
}

// Sub removes u from r. Callers reserve with Sub only after a
// successful Available check, so dimensions do not go negative during
// admission.
func (r Resources) Sub(u Resources) {
	for key, v := range u {
		r[key] -= v
	}
}

// Clone returns an independent copy of r.
func (r Resources) Clone() Resources {
	out := make(Resources, len(r))
	for key, v := range r {
		out[key] = v
	}
	return out
}

// String renders the resources in a stable dimension order.
func (r Resources) String() string {
	keys := make([]string, 0, len(r))
	for key := range r {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, key := range keys {
		parts[i] = fmt.Sprintf("%s:%g", key, r[key])
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// taskResources derives the admission request from a task's declared
// hints.
func taskResources(t *graph.Task) Resources {
	return Resources{Mem: t.MemGB, CPU: float64(t.Threads)}
}
