package sched

import (
	"fmt"
	"strings"
	"time"

	"github.com/boldflow/boldflow/pkg/graph"
)

// Status is the terminal state of one task within a run.
type Status int

const (
	// StatusNotRun marks a task the run never reached, e.g. after
	// cancellation.
	StatusNotRun Status = iota
	// StatusDone marks a task whose capability completed successfully.
	StatusDone
	// StatusFailed marks a task whose capability returned non-success.
	StatusFailed
	// StatusSkipped marks a task cancelled because an upstream task it
	// depends on failed.
	StatusSkipped
)

var statusNames = map[Status]string{
	StatusNotRun:  "not_run",
	StatusDone:    "done",
	StatusFailed:  "failed",
	StatusSkipped: "skipped",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// TaskResult is the per-task outcome recorded in a run report.
type TaskResult struct {
	// Task is the qualified task name
	Task string
	// Status is the terminal state the task reached
	Status Status
	// Err holds the failure for StatusFailed tasks
	Err error
	// Cause names the upstream failed task for StatusSkipped tasks
	Cause string
	// Elapsed is the task's wall-clock execution time
	Elapsed time.Duration
}

// Report is the outcome of one run: the terminal status of every task,
// the values produced on the graph's exposed outputs, and timing.
type Report struct {
	// RunID uniquely identifies the run
	RunID string
	// Graph is the name of the executed graph
	Graph string
	// Started and Finished bound the run's wall-clock span
	Started  time.Time
	Finished time.Time
	// Outputs holds the exposed output values produced by the run
	Outputs graph.Values

	results map[string]*TaskResult
	order   []string
}

// OK reports aggregate success: every task reached StatusDone.
func (r *Report) OK() bool {
	for _, res := range r.results {
		if res.Status != StatusDone {
			return false
		}
	}
	return true
}

// Result returns the outcome recorded for the named task.
func (r *Report) Result(task string) (*TaskResult, bool) {
	res, ok := r.results[task]
	return res, ok
}

// Results returns every task's outcome in topological order.
func (r *Report) Results() []*TaskResult {
	out := make([]*TaskResult, len(r.order))
	for i, name := range r.order {
		out[i] = r.results[name]
	}
	return out
}

// Failed returns the tasks whose own capability failed, in topological
// order.
func (r *Report) Failed() []*TaskResult {
	return r.withStatus(StatusFailed)
}

// Skipped returns the tasks cancelled by an upstream failure, in
// topological order.
func (r *Report) Skipped() []*TaskResult {
	return r.withStatus(StatusSkipped)
}

func (r *Report) withStatus(s Status) []*TaskResult {
	var out []*TaskResult
	for _, name := range r.order {
		if res := r.results[name]; res.Status == s {
			out = append(out, res)
		}
	}
	return out
}

// String renders a human-readable run summary. Failed tasks appear with
// their diagnostics and skipped tasks with the upstream failure that
// caused the skip, so the two are distinguishable at a glance.
func (r *Report) String() string {
	var b strings.Builder
	status := "succeeded"
	if !r.OK() {
		status = "failed"
	}
	fmt.Fprintf(&b, "Run %s of '%s' %s in %s (%d tasks)\n",
		r.RunID, r.Graph, status, r.Finished.Sub(r.Started).Round(time.Millisecond), len(r.order))
	for _, res := range r.Results() {
		switch res.Status {
		case StatusDone:
			fmt.Fprintf(&b, "  done    %-40s %s\n", res.Task, res.Elapsed.Round(time.Millisecond))
		case StatusFailed:
			fmt.Fprintf(&b, "  FAILED  %-40s %v\n", res.Task, res.Err)
		case StatusSkipped:
			fmt.Fprintf(&b, "  skipped %-40s upstream failure of '%s'\n", res.Task, res.Cause)
		case StatusNotRun:
			fmt.Fprintf(&b, "  not run %s\n", res.Task)
		}
	}
	return b.String()
}
