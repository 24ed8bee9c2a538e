package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/pkg/errors"

	"github.com/boldflow/boldflow/internal/ctxlog"
	"github.com/boldflow/boldflow/pkg/graph"
	"github.com/boldflow/boldflow/pkg/interfaces"
	"github.com/boldflow/boldflow/pkg/sched"
)

func leaf(fn func(graph.Values) (graph.Values, error)) *interfaces.Function {
	f, err := interfaces.NewFunction(
		graph.Ports{{Name: "in", Kind: graph.KindAny}},
		graph.Ports{{Name: "out", Kind: graph.KindAny}},
		func(_ context.Context, in graph.Values) (graph.Values, error) {
			return fn(in)
		})
	if err != nil {
		log.Fatalf("leaf: %v", err)
	}
	return f
}

// Demonstrates failure propagation: a mid-pipeline task fails, its
// dependents are skipped rather than run on garbage, and the report
// names the root cause for each skipped task.
func main() {
	g := graph.New("failure_demo")

	extract, err := g.AddLeaf("extract", leaf(func(in graph.Values) (graph.Values, error) {
		return graph.Values{"out": in["in"]}, nil
	}))
	if err != nil {
		log.Fatalf("add extract: %v", err)
	}
	transform, err := g.AddLeaf("transform", leaf(func(graph.Values) (graph.Values, error) {
		return nil, errors.New("transform blew up: corrupt frame at volume 17")
	}))
	if err != nil {
		log.Fatalf("add transform: %v", err)
	}
	store, err := g.AddLeaf("store", leaf(func(in graph.Values) (graph.Values, error) {
		return graph.Values{"out": in["in"]}, nil
	}))
	if err != nil {
		log.Fatalf("add store: %v", err)
	}

	if err := g.Connect(extract, "out", transform, "in"); err != nil {
		log.Fatalf("connect: %v", err)
	}
	if err := g.Connect(transform, "out", store, "in"); err != nil {
		log.Fatalf("connect: %v", err)
	}
	if err := g.ExposeInput("in", extract, "in"); err != nil {
		log.Fatalf("expose input: %v", err)
	}
	if err := g.ExposeOutput("out", store, "out"); err != nil {
		log.Fatalf("expose output: %v", err)
	}

	compiled, err := g.Finalize()
	if err != nil {
		log.Fatalf("finalize: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := ctxlog.WithLogger(context.Background(), logger)

	report, err := sched.NewRunner().Run(ctx, compiled, graph.Values{"in": "raw.nii.gz"})
	if err != nil {
		log.Fatalf("run: %v", err)
	}

	fmt.Println(report.String())
	if !report.OK() {
		for _, failed := range report.Failed() {
			var exec *sched.ExecutionFailure
			if errors.As(failed.Err, &exec) {
				fmt.Printf("root cause in %s: %v\n", exec.Task, exec.Err)
			}
		}
		os.Exit(1)
	}
}
