package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boldflow/boldflow/pkg/graph"
)

//-----------------------------//
// Fake capability for testing //
//-----------------------------//

type fakeRunnable struct {
	ins  graph.Ports
	outs graph.Ports
	fn   func(ctx context.Context, in graph.Values) (graph.Values, error)
}

func (f *fakeRunnable) Inputs() graph.Ports  { return f.ins }
func (f *fakeRunnable) Outputs() graph.Ports { return f.outs }

func (f *fakeRunnable) Run(ctx context.Context, in graph.Values) (graph.Values, error) {
	if f.fn == nil {
		return graph.Values{}, nil
	}
	return f.fn(ctx, in)
}

func anyPorts(names ...string) graph.Ports {
	ports := make(graph.Ports, len(names))
	for i, n := range names {
		ports[i] = graph.Port{Name: n, Kind: graph.KindAny}
	}
	return ports
}

func constRunnable(port string, v interface{}) *fakeRunnable {
	return &fakeRunnable{
		outs: anyPorts(port),
		fn: func(_ context.Context, _ graph.Values) (graph.Values, error) {
			return graph.Values{port: v}, nil
		},
	}
}

func echoRunnable(in, out string) *fakeRunnable {
	return &fakeRunnable{
		ins:  anyPorts(in),
		outs: anyPorts(out),
		fn: func(_ context.Context, v graph.Values) (graph.Values, error) {
			return graph.Values{out: v[in]}, nil
		},
	}
}

func mustFinalize(t *testing.T, g *graph.Graph) *graph.Compiled {
	t.Helper()
	c, err := g.Finalize()
	require.NoError(t, err)
	return c
}

//------------------------------//
// Tests for the scheduler loop //
//------------------------------//

func TestRunLinearPipeline(t *testing.T) {
	t.Parallel()
	g := graph.New("wf")
	src, err := g.AddLeaf("src", constRunnable("out", "raw"))
	require.NoError(t, err)
	mid, err := g.AddLeaf("mid", &fakeRunnable{
		ins:  anyPorts("in"),
		outs: anyPorts("out"),
		fn: func(_ context.Context, in graph.Values) (graph.Values, error) {
			return graph.Values{"out": in["in"].(string) + "+proc"}, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, g.Connect(src, "out", mid, "in"))
	require.NoError(t, g.ExposeOutput("result", mid, "out"))

	rep, err := NewRunner().Run(context.Background(), mustFinalize(t, g), nil)
	require.NoError(t, err)
	assert.True(t, rep.OK())
	assert.Equal(t, "raw+proc", rep.Outputs["result"])
	assert.NotEmpty(t, rep.RunID)

	res, ok := rep.Result("wf.mid")
	require.True(t, ok)
	assert.Equal(t, StatusDone, res.Status)
}

func TestRunRequiresExposedInputs(t *testing.T) {
	t.Parallel()
	g := graph.New("wf")
	n, err := g.AddLeaf("a", echoRunnable("in", "out"))
	require.NoError(t, err)
	require.NoError(t, g.ExposeInput("bold_file", n, "in"))
	c := mustFinalize(t, g)

	_, err = NewRunner().Run(context.Background(), c, graph.Values{})
	require.ErrorIs(t, err, ErrMissingInput)

	rep, err := NewRunner().Run(context.Background(), c, graph.Values{"bold_file": "/data/b.nii"})
	require.NoError(t, err)
	assert.True(t, rep.OK())
}

// Map tasks produce one replica per index; non-iterfield inputs are
// identical across replicas and outputs keep index order.
func TestMapTaskExpansion(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var seen []graph.Values

	g := graph.New("wf")
	m, err := g.AddLeaf("sampler", &fakeRunnable{
		ins:  anyPorts("hemi", "subject"),
		outs: anyPorts("out"),
		fn: func(_ context.Context, in graph.Values) (graph.Values, error) {
			mu.Lock()
			seen = append(seen, in.Clone())
			mu.Unlock()
			return graph.Values{"out": "surf-" + in["hemi"].(string)}, nil
		},
	}, graph.WithIterFields("hemi"), graph.WithThreads(2))
	require.NoError(t, err)
	require.NoError(t, m.SetInput("hemi", []string{"lh", "rh"}))
	require.NoError(t, m.SetInput("subject", "sub-01"))
	require.NoError(t, g.ExposeOutput("surfs", m, "out"))

	rep, err := NewRunner(WithBudget(Resources{CPU: 4, Mem: DefaultMemoryBudgetGB})).Run(context.Background(), mustFinalize(t, g), nil)
	require.NoError(t, err)
	require.True(t, rep.OK())

	require.Len(t, seen, 2)
	for _, in := range seen {
		assert.Equal(t, "sub-01", in["subject"])
	}
	assert.Equal(t, []interface{}{"surf-lh", "surf-rh"}, rep.Outputs["surfs"])
}

func TestMapTaskLengthMismatch(t *testing.T) {
	t.Parallel()
	g := graph.New("wf")
	m, err := g.AddLeaf("m", &fakeRunnable{
		ins:  anyPorts("a", "b"),
		outs: anyPorts("out"),
	}, graph.WithIterFields("a", "b"))
	require.NoError(t, err)
	// Lengths come from run-time inputs, so the mismatch surfaces as an
	// execution failure rather than at finalize.
	require.NoError(t, g.ExposeInput("a", m, "a"))
	require.NoError(t, g.ExposeInput("b", m, "b"))

	rep, err := NewRunner().Run(context.Background(), mustFinalize(t, g), graph.Values{
		"a": []string{"x", "y", "z"},
		"b": []string{"x"},
	})
	require.NoError(t, err)
	assert.False(t, rep.OK())

	res, ok := rep.Result("wf.m")
	require.True(t, ok)
	require.Equal(t, StatusFailed, res.Status)
	var ile *graph.IterationLengthError
	require.ErrorAs(t, res.Err, &ile)
}

// A join's gathered sequence preserves iterable order even when the
// replicas complete out of order.
func TestJoinOrderUnderDelays(t *testing.T) {
	t.Parallel()
	hemis := []interface{}{"L", "R"}
	// The L branch sleeps, so R completes first.
	delays := map[string]time.Duration{"L": 40 * time.Millisecond, "R": 0}

	g := graph.New("wf")
	src, err := g.AddLeaf("hemisource", constRunnable("hemi", ""),
		graph.WithIterables("hemi", hemis))
	require.NoError(t, err)
	work, err := g.AddLeaf("resample", &fakeRunnable{
		ins:  anyPorts("hemi"),
		outs: anyPorts("out"),
		fn: func(_ context.Context, in graph.Values) (graph.Values, error) {
			h := in["hemi"].(string)
			time.Sleep(delays[h])
			return graph.Values{"out": "bold-" + h}, nil
		},
	})
	require.NoError(t, err)
	join, err := g.AddLeaf("joinnode", echoRunnable("in", "out"),
		graph.WithJoinOver(src, "in"))
	require.NoError(t, err)
	require.NoError(t, g.Connect(src, "hemi", work, "hemi"))
	require.NoError(t, g.Connect(work, "out", join, "in"))
	require.NoError(t, g.ExposeOutput("bold_fsLR", join, "out"))

	rep, err := NewRunner().Run(context.Background(), mustFinalize(t, g), nil)
	require.NoError(t, err)
	require.True(t, rep.OK())
	assert.Equal(t, []interface{}{"bold-L", "bold-R"}, rep.Outputs["bold_fsLR"])
}

// Cascaded iteration sources gather source-major at run time: each
// inner join yields its branch's sequence in inner order, and the outer
// join stacks the branches in outer order even when the first branch
// finishes last.
func TestNestedIterationGatherOrder(t *testing.T) {
	t.Parallel()
	g := graph.New("wf")
	spaces, err := g.AddLeaf("spaces", constRunnable("space", ""),
		graph.WithIterables("space", []interface{}{"s1", "s2"}))
	require.NoError(t, err)
	hemis, err := g.AddLeaf("hemis", &fakeRunnable{
		ins:  anyPorts("space"),
		outs: anyPorts("hemi"),
	}, graph.WithIterables("hemi", []interface{}{"L", "R"}))
	require.NoError(t, err)
	work, err := g.AddLeaf("work", &fakeRunnable{
		ins:  anyPorts("space", "hemi"),
		outs: anyPorts("out"),
		fn: func(_ context.Context, in graph.Values) (graph.Values, error) {
			space := in["space"].(string)
			if space == "s1" {
				// The whole first branch lags so the second completes first.
				time.Sleep(30 * time.Millisecond)
			}
			return graph.Values{"out": space + "-" + in["hemi"].(string)}, nil
		},
	})
	require.NoError(t, err)
	inner, err := g.AddLeaf("inner_join", echoRunnable("vals", "vals"),
		graph.WithJoinOver(hemis, "vals"))
	require.NoError(t, err)
	outer, err := g.AddLeaf("outer_join", echoRunnable("vals", "vals"),
		graph.WithJoinOver(spaces, "vals"))
	require.NoError(t, err)

	require.NoError(t, g.Connect(spaces, "space", hemis, "space"))
	require.NoError(t, g.Connect(spaces, "space", work, "space"))
	require.NoError(t, g.Connect(hemis, "hemi", work, "hemi"))
	require.NoError(t, g.Connect(work, "out", inner, "vals"))
	require.NoError(t, g.Connect(inner, "vals", outer, "vals"))
	require.NoError(t, g.ExposeOutput("all", outer, "vals"))

	rep, err := NewRunner().Run(context.Background(), mustFinalize(t, g), nil)
	require.NoError(t, err)
	require.True(t, rep.OK(), rep.String())
	assert.Equal(t, []interface{}{
		[]interface{}{"s1-L", "s1-R"},
		[]interface{}{"s2-L", "s2-R"},
	}, rep.Outputs["all"])
}

// Forcing one node to fail skips all and only its transitive
// dependents; the independent branch completes normally.
func TestCascadingFailure(t *testing.T) {
	t.Parallel()
	g := graph.New("wf")
	src, err := g.AddLeaf("src", constRunnable("out", "x"))
	require.NoError(t, err)
	bad, err := g.AddLeaf("bad", &fakeRunnable{
		ins:  anyPorts("in"),
		outs: anyPorts("out"),
		fn: func(_ context.Context, _ graph.Values) (graph.Values, error) {
			return nil, errors.New("segmentation produced no surfaces")
		},
	})
	require.NoError(t, err)
	downstream, err := g.AddLeaf("downstream", echoRunnable("in", "out"))
	require.NoError(t, err)
	sibling, err := g.AddLeaf("sibling", echoRunnable("in", "out"))
	require.NoError(t, err)

	require.NoError(t, g.Connect(src, "out", bad, "in"))
	require.NoError(t, g.Connect(bad, "out", downstream, "in"))
	require.NoError(t, g.Connect(src, "out", sibling, "in"))

	rep, err := NewRunner().Run(context.Background(), mustFinalize(t, g), nil)
	require.NoError(t, err)
	assert.False(t, rep.OK())

	res := func(name string) *TaskResult {
		r, ok := rep.Result(name)
		require.True(t, ok)
		return r
	}
	assert.Equal(t, StatusDone, res("wf.src").Status)
	assert.Equal(t, StatusFailed, res("wf.bad").Status)
	assert.Equal(t, StatusSkipped, res("wf.downstream").Status)
	assert.Equal(t, "wf.bad", res("wf.downstream").Cause)
	assert.Equal(t, StatusDone, res("wf.sibling").Status)

	var ef *ExecutionFailure
	require.ErrorAs(t, res("wf.bad").Err, &ef)
	assert.Equal(t, "wf.bad", ef.Task)

	require.Len(t, rep.Failed(), 1)
	require.Len(t, rep.Skipped(), 1)
	assert.Contains(t, rep.String(), "upstream failure of 'wf.bad'")
}

// Admission control: with one CPU in the budget, tasks declaring one
// thread each never overlap.
func TestAdmissionControlSerializes(t *testing.T) {
	t.Parallel()
	var inFlight, maxInFlight int32
	work := func(_ context.Context, _ graph.Values) (graph.Values, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			max := atomic.LoadInt32(&maxInFlight)
			if n <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return graph.Values{"out": "ok"}, nil
	}

	g := graph.New("wf")
	for _, name := range []string{"a", "b", "c"} {
		_, err := g.AddLeaf(name, &fakeRunnable{outs: anyPorts("out"), fn: work},
			graph.WithThreads(1), graph.WithMemoryGB(0.1))
		require.NoError(t, err)
	}

	runner := NewRunner(WithBudget(Resources{CPU: 1, Mem: 1}))
	rep, err := runner.Run(context.Background(), mustFinalize(t, g), nil)
	require.NoError(t, err)
	assert.True(t, rep.OK())
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

// A task whose hints can never fit the total budget fails up front with
// a resource-exhausted failure; its dependents are skipped.
func TestOversizedTaskFails(t *testing.T) {
	t.Parallel()
	g := graph.New("wf")
	huge, err := g.AddLeaf("huge", constRunnable("out", "x"), graph.WithMemoryGB(512))
	require.NoError(t, err)
	dep, err := g.AddLeaf("dep", echoRunnable("in", "out"))
	require.NoError(t, err)
	require.NoError(t, g.Connect(huge, "out", dep, "in"))

	runner := NewRunner(WithBudget(Resources{CPU: 4, Mem: 8}))
	rep, err := runner.Run(context.Background(), mustFinalize(t, g), nil)
	require.NoError(t, err)

	res, ok := rep.Result("wf.huge")
	require.True(t, ok)
	require.Equal(t, StatusFailed, res.Status)
	require.ErrorIs(t, res.Err, ErrResourcesExhausted)

	skipped, ok := rep.Result("wf.dep")
	require.True(t, ok)
	assert.Equal(t, StatusSkipped, skipped.Status)
}

// Inline tasks bypass admission control entirely: they run even when
// their hints would never fit the budget.
func TestInlineBypassesBudget(t *testing.T) {
	t.Parallel()
	g := graph.New("wf")
	_, err := g.AddLeaf("sink", constRunnable("out", "written"),
		graph.WithMemoryGB(512), graph.WithRunWithoutSubmitting())
	require.NoError(t, err)

	runner := NewRunner(WithBudget(Resources{CPU: 1, Mem: 1}))
	rep, err := runner.Run(context.Background(), mustFinalize(t, g), nil)
	require.NoError(t, err)
	assert.True(t, rep.OK())
}

func TestContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	g := graph.New("wf")
	slow, err := g.AddLeaf("slow", &fakeRunnable{
		outs: anyPorts("out"),
		fn: func(ctx context.Context, _ graph.Values) (graph.Values, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, err)
	after, err := g.AddLeaf("after", echoRunnable("in", "out"))
	require.NoError(t, err)
	require.NoError(t, g.Connect(slow, "out", after, "in"))

	rep, err := NewRunner().Run(ctx, mustFinalize(t, g), nil)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, rep)
	assert.False(t, rep.OK())
}

func TestResourcesArithmetic(t *testing.T) {
	t.Parallel()
	r := Resources{CPU: 4, Mem: 8}
	require.True(t, r.Available(Resources{CPU: 4}))
	require.False(t, r.Available(Resources{CPU: 5}))
	require.True(t, r.Available(nil))

	r.Sub(Resources{CPU: 3, Mem: 2})
	assert.Equal(t, Resources{CPU: 1, Mem: 6}, r)
	r.Add(Resources{CPU: 3, Mem: 2})
	assert.Equal(t, Resources{CPU: 4, Mem: 8}, r)

	c := r.Clone()
	c[CPU] = 0
	assert.Equal(t, float64(4), r[CPU])
	assert.Equal(t, "{cpu:4 mem:8}", r.String())
}
