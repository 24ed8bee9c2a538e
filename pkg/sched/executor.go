// Package sched executes compiled graphs with data-driven parallelism
// under a global resource budget. A task becomes eligible as soon as
// every input it consumes has been produced; eligible tasks run
// concurrently while their declared memory and thread hints fit the
// remaining budget. Failures stay local: only the transitive dependents
// of a failed task are skipped, independent branches run to completion.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/boldflow/boldflow/internal/ctxlog"
	"github.com/boldflow/boldflow/pkg/graph"
)

// DefaultMemoryBudgetGB is the memory budget assumed when the caller
// does not set one.
const DefaultMemoryBudgetGB = 16

// Runner executes compiled graphs under a fixed resource budget.
// A Runner is stateless across runs and safe for concurrent use.
type Runner struct {
	budget Resources
}

// Option configures a Runner.
type Option func(*Runner)

// WithBudget sets the total resource budget for admission control.
func WithBudget(budget Resources) Option {
	return func(r *Runner) {
		r.budget = budget.Clone()
	}
}

// NewRunner creates a runner. The default budget is one CPU dimension
// per available core and DefaultMemoryBudgetGB of memory.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		budget: Resources{CPU: float64(runtime.NumCPU()), Mem: DefaultMemoryBudgetGB},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Budget returns a copy of the runner's total budget.
func (r *Runner) Budget() Resources {
	return r.budget.Clone()
}

// Run executes the compiled graph with the given exposed-input values
// and returns the per-task report. Run fails up front, before anything
// executes, when a required input is missing; after that, task failures
// are recorded in the report rather than returned. The returned error
// is non-nil only for launch problems or context cancellation.
func (r *Runner) Run(ctx context.Context, c *graph.Compiled, inputs graph.Values) (*Report, error) {
	if c == nil {
		return nil, pkgerrors.New("run: nil compiled graph")
	}
	for _, name := range c.InputNames() {
		if _, ok := inputs[name]; !ok {
			return nil, pkgerrors.Wrapf(ErrMissingInput, "run '%s': input '%s'", c.Name(), name)
		}
	}

	runID := uuid.NewString()
	log := ctxlog.FromContext(ctx).With("run_id", runID, "graph", c.Name())

	st := &run{
		c:         c,
		inputs:    inputs,
		log:       log,
		budget:    r.budget,
		available: r.budget.Clone(),
		waiting:   make(map[string]int, c.Len()),
		outputs:   make(map[string]graph.Values, c.Len()),
		results:   make(map[string]*TaskResult, c.Len()),
	}
	st.cond = sync.NewCond(&st.mu)

	order := make([]string, 0, c.Len())
	for _, t := range c.Tasks() {
		order = append(order, t.Name)
		st.results[t.Name] = &TaskResult{Task: t.Name, Status: StatusNotRun}
		deps := t.Deps()
		st.waiting[t.Name] = len(deps)
		if len(deps) == 0 {
			st.ready = append(st.ready, t.Name)
		}
	}
	report := &Report{
		RunID:   runID,
		Graph:   c.Name(),
		Started: time.Now(),
		results: st.results,
		order:   order,
	}
	log.Info("run started", "tasks", c.Len(), "budget", r.budget.String())

	// Wake the dispatch loop when the context is cancelled mid-wait.
	stop := context.AfterFunc(ctx, st.cond.Broadcast)
	defer stop()

	st.mu.Lock()
	for st.settled < c.Len() && ctx.Err() == nil {
		i := st.pick()
		if i < 0 {
			if st.running == 0 && len(st.ready) == 0 {
				break
			}
			st.cond.Wait()
			continue
		}
		name := st.ready[i]
		st.ready = append(st.ready[:i], st.ready[i+1:]...)
		t, _ := c.Task(name)

		if t.Inline {
			// Bookkeeping tasks run on the dispatch path, holding no
			// budget.
			st.mu.Unlock()
			st.execute(ctx, t)
			st.mu.Lock()
			continue
		}

		need := taskResources(t)
		if !st.budget.Available(need) {
			st.settleFailure(t, NewExecutionFailure(t.Name,
				fmt.Sprintf("requested %s, budget %s", need, st.budget),
				ErrResourcesExhausted), 0)
			continue
		}
		st.available.Sub(need)
		st.running++
		go func(t *graph.Task, need Resources) {
			st.execute(ctx, t)
			st.mu.Lock()
			st.available.Add(need)
			st.running--
			st.cond.Broadcast()
			st.mu.Unlock()
		}(t, need)
	}
	for st.running > 0 {
		st.cond.Wait()
	}
	st.mu.Unlock()

	report.Finished = time.Now()
	report.Outputs = st.collectOutputs()
	if err := ctx.Err(); err != nil {
		log.Error("run aborted", "err", err)
		return report, err
	}
	log.Info("run finished",
		"ok", report.OK(),
		"failed", len(report.Failed()),
		"skipped", len(report.Skipped()),
		"elapsed", report.Finished.Sub(report.Started))
	return report, nil
}

// run owns the mutable state of one execution.
type run struct {
	c      *graph.Compiled
	inputs graph.Values
	log    *slog.Logger
	budget Resources

	mu        sync.Mutex
	cond      *sync.Cond
	available Resources
	ready     []string
	waiting   map[string]int
	running   int
	settled   int
	outputs   map[string]graph.Values
	results   map[string]*TaskResult
}

// pick returns the index of the first ready task the admission check
// admits. Tasks whose hints can never fit the total budget are returned
// too, so the dispatch loop can fail them promptly. Requires st.mu.
func (st *run) pick() int {
	for i, name := range st.ready {
		t, _ := st.c.Task(name)
		if t.Inline {
			return i
		}
		need := taskResources(t)
		if !st.budget.Available(need) {
			return i
		}
		if st.available.Available(need) {
			return i
		}
	}
	return -1
}

// execute resolves the task's inputs, runs its capability, and settles
// the outcome. Called without st.mu held.
func (st *run) execute(ctx context.Context, t *graph.Task) {
	start := time.Now()
	st.log.Debug("task dispatch", "task", t.Name, "inline", t.Inline)

	in, err := st.resolve(t)
	var out graph.Values
	if err == nil {
		if t.IsMap() {
			out, err = st.runMap(ctx, t, in)
		} else {
			out, err = t.Run.Run(ctx, in)
		}
	}
	elapsed := time.Since(start)

	st.mu.Lock()
	defer st.mu.Unlock()
	if err != nil {
		st.settleFailure(t, err, elapsed)
		return
	}
	st.settleDone(t, out, elapsed)
}

// resolve materializes the task's input mapping from its bindings.
func (st *run) resolve(t *graph.Task) (graph.Values, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	in := make(graph.Values, len(t.Ins))
	for _, port := range t.Ins.Names() {
		b, ok := t.Binding(port)
		if !ok {
			continue
		}
		switch b.Kind {
		case graph.BindLiteral:
			in[port] = b.Value
		case graph.BindExternal:
			in[port] = st.inputs[b.Input]
		case graph.BindEdge:
			v, ok := st.outputs[b.From.Task][b.From.Port]
			if !ok {
				return nil, pkgerrors.Errorf(
					"input '%s': upstream '%s' produced no value on port '%s'",
					port, b.From.Task, b.From.Port)
			}
			in[port] = v
		case graph.BindGather:
			seq := make([]interface{}, len(b.Gather))
			for i, tp := range b.Gather {
				v, ok := st.outputs[tp.Task][tp.Port]
				if !ok {
					return nil, pkgerrors.Errorf(
						"input '%s': gathered task '%s' produced no value on port '%s'",
						port, tp.Task, tp.Port)
				}
				seq[i] = v
			}
			in[port] = seq
		}
	}
	return in, nil
}

// runMap expands a map task over its iterfield sequences: one replica
// per index, non-iterfield inputs identical, iterfield i bound to
// element i. Replicas run concurrently up to the task's thread hint;
// every declared output becomes the ordered list of per-replica values.
func (st *run) runMap(ctx context.Context, t *graph.Task, in graph.Values) (graph.Values, error) {
	lengths := make(map[string]int, len(t.IterFields))
	n, equal := -1, true
	for _, field := range t.IterFields {
		v, ok := in[field]
		if !ok {
			return nil, pkgerrors.Errorf("iterfield '%s' received no value", field)
		}
		l, ok := graph.SequenceLen(v)
		if !ok {
			return nil, pkgerrors.Errorf("iterfield '%s' received non-sequence %T", field, v)
		}
		lengths[field] = l
		if n == -1 {
			n = l
		} else if l != n {
			equal = false
		}
	}
	if !equal {
		return nil, graph.NewIterationLengthError(t.Name, lengths)
	}

	replicas := make([]graph.Values, n)
	g, gctx := errgroup.WithContext(ctx)
	limit := t.Threads
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			rin := in.Clone()
			for _, field := range t.IterFields {
				elem, _ := graph.SequenceIndex(in[field], i)
				rin[field] = elem
			}
			out, err := t.Run.Run(gctx, rin)
			if err != nil {
				return pkgerrors.Wrapf(err, "replica %d", i)
			}
			replicas[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(graph.Values, len(t.Outs))
	for _, port := range t.Outs.Names() {
		seq := make([]interface{}, n)
		for i, rep := range replicas {
			if v, ok := rep[port]; ok {
				seq[i] = v
			}
		}
		out[port] = seq
	}
	return out, nil
}

// settleDone records success and releases dependents whose inputs are
// now complete. Requires st.mu.
func (st *run) settleDone(t *graph.Task, out graph.Values, elapsed time.Duration) {
	st.outputs[t.Name] = out
	res := st.results[t.Name]
	res.Status = StatusDone
	res.Elapsed = elapsed
	st.settled++
	for _, dep := range t.Dependents() {
		st.waiting[dep]--
		if st.waiting[dep] == 0 && st.results[dep].Status == StatusNotRun {
			st.ready = append(st.ready, dep)
		}
	}
	st.cond.Broadcast()
	st.log.Debug("task done", "task", t.Name, "elapsed", elapsed)
}

// settleFailure records the failure and marks every transitive
// dependent skipped. Independent branches are untouched. Requires
// st.mu.
func (st *run) settleFailure(t *graph.Task, err error, elapsed time.Duration) {
	var ef *ExecutionFailure
	if !errors.As(err, &ef) {
		err = NewExecutionFailure(t.Name, "", err)
	}
	res := st.results[t.Name]
	res.Status = StatusFailed
	res.Err = err
	res.Elapsed = elapsed
	st.settled++
	st.log.Error("task failed", "task", t.Name, "err", err)
	st.skipDependents(t.Name, t.Name)
	st.cond.Broadcast()
}

// skipDependents marks the transitive dependents of a failed task as
// skipped, recording the root cause.
func (st *run) skipDependents(name, cause string) {
	t, ok := st.c.Task(name)
	if !ok {
		return
	}
	for _, dep := range t.Dependents() {
		res := st.results[dep]
		if res.Status != StatusNotRun {
			continue
		}
		res.Status = StatusSkipped
		res.Cause = cause
		st.settled++
		st.log.Debug("task skipped", "task", dep, "cause", cause)
		st.skipDependents(dep, cause)
	}
}

// collectOutputs resolves the graph's exposed outputs from the values
// the run produced.
func (st *run) collectOutputs() graph.Values {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(graph.Values)
	for name, tp := range st.c.OutputPorts() {
		if v, ok := st.outputs[tp.Task][tp.Port]; ok {
			out[name] = v
		}
	}
	return out
}
