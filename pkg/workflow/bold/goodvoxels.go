package bold

import (
	"context"

	"github.com/boldflow/boldflow/pkg/config"
	"github.com/boldflow/boldflow/pkg/graph"
	"github.com/boldflow/boldflow/pkg/interfaces"
)

// NewGoodvoxelsWorkflow builds the voxel-quality mask: voxels inside
// the cortical ribbon whose temporal coefficient of variation stays
// within thresholds derived from the ribbon's own statistics. The
// threshold leaves compute
//
//	upper = mean + stdev * cfg.GoodvoxelsUpperFactor
//	lower = stdev - mean * cfg.GoodvoxelsLowerFactor
//
// over the ribbon-constrained coefficient-of-variation image. Fan-in of
// the two thresholds is expressed through an explicit merge node.
//
// Exposed inputs: bold_file, anat_ribbon. Exposed outputs:
// goodvoxels_mask, goodvoxels_ribbon.
func NewGoodvoxelsWorkflow(cfg config.Snapshot, tk Toolkit) (*graph.Graph, error) {
	g := graph.New("goodvoxels_bold_mask_wf")

	ribbonMask, err := addTool(g, tk, "binarize_ribbon", "binarize",
		graph.Ports{file("in_file")},
		graph.Ports{file("out")},
		graph.WithMemoryGB(1))
	if err != nil {
		return nil, err
	}

	stdevVol, err := addTool(g, tk, "stdev_volume", "bold_stdev",
		graph.Ports{file("in_file")},
		graph.Ports{file("out")},
		graph.WithMemoryGB(6))
	if err != nil {
		return nil, err
	}
	meanVol, err := addTool(g, tk, "mean_volume", "bold_mean",
		graph.Ports{file("in_file")},
		graph.Ports{file("out")},
		graph.WithMemoryGB(6))
	if err != nil {
		return nil, err
	}

	covVol, err := addTool(g, tk, "cov_volume", "cov",
		graph.Ports{file("stdev"), file("mean")},
		graph.Ports{file("out")},
		graph.WithMemoryGB(2))
	if err != nil {
		return nil, err
	}

	covRibbon, err := addTool(g, tk, "cov_ribbon", "apply_mask",
		graph.Ports{file("in_file"), file("mask")},
		graph.Ports{file("out")},
		graph.WithMemoryGB(2))
	if err != nil {
		return nil, err
	}

	covMean, err := addTool(g, tk, "cov_ribbon_mean", "img_mean",
		graph.Ports{file("in_file")},
		graph.Ports{flt("out")},
		graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}
	covStd, err := addTool(g, tk, "cov_ribbon_std", "img_std",
		graph.Ports{file("in_file")},
		graph.Ports{flt("out")},
		graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}

	upperFn, err := interfaces.NewFunction(
		graph.Ports{flt("mean"), flt("stdev")},
		graph.Ports{flt("out")},
		thresholdFunc(func(mean, stdev float64) float64 {
			return mean + stdev*cfg.GoodvoxelsUpperFactor
		}))
	if err != nil {
		return nil, err
	}
	upper, err := g.AddLeaf("upper_thr_val", upperFn, graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}

	lowerFn, err := interfaces.NewFunction(
		graph.Ports{flt("mean"), flt("stdev")},
		graph.Ports{flt("out")},
		thresholdFunc(func(mean, stdev float64) float64 {
			return stdev - mean*cfg.GoodvoxelsLowerFactor
		}))
	if err != nil {
		return nil, err
	}
	lower, err := g.AddLeaf("lower_thr_val", lowerFn, graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}

	mergeThr, err := interfaces.NewMerge(2)
	if err != nil {
		return nil, err
	}
	thresholds, err := g.AddLeaf("merge_thresholds", mergeThr, graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}

	goodvoxelsThr, err := addTool(g, tk, "goodvoxels_thr", "threshold",
		graph.Ports{file("in_file"), list("thresholds")},
		graph.Ports{file("out")},
		graph.WithMemoryGB(2))
	if err != nil {
		return nil, err
	}

	goodvoxelsMask, err := addTool(g, tk, "goodvoxels_mask", "apply_mask",
		graph.Ports{file("in_file"), file("mask")},
		graph.Ports{file("out")},
		graph.WithMemoryGB(2))
	if err != nil {
		return nil, err
	}

	conns := []struct {
		src     *graph.Node
		srcPort string
		dst     *graph.Node
		dstPort string
	}{
		{stdevVol, "out", covVol, "stdev"},
		{meanVol, "out", covVol, "mean"},
		{covVol, "out", covRibbon, "in_file"},
		{ribbonMask, "out", covRibbon, "mask"},
		{covRibbon, "out", covMean, "in_file"},
		{covRibbon, "out", covStd, "in_file"},
		{covMean, "out", upper, "mean"},
		{covStd, "out", upper, "stdev"},
		{covMean, "out", lower, "mean"},
		{covStd, "out", lower, "stdev"},
		{upper, "out", thresholds, "in1"},
		{lower, "out", thresholds, "in2"},
		{covVol, "out", goodvoxelsThr, "in_file"},
		{thresholds, "out", goodvoxelsThr, "thresholds"},
		{goodvoxelsThr, "out", goodvoxelsMask, "in_file"},
		{ribbonMask, "out", goodvoxelsMask, "mask"},
	}
	for _, c := range conns {
		if err := g.Connect(c.src, c.srcPort, c.dst, c.dstPort); err != nil {
			return nil, err
		}
	}

	exposures := []struct {
		name string
		node *graph.Node
		port string
	}{
		{"bold_file", stdevVol, "in_file"},
		{"bold_file", meanVol, "in_file"},
		{"anat_ribbon", ribbonMask, "in_file"},
	}
	for _, e := range exposures {
		if err := g.ExposeInput(e.name, e.node, e.port); err != nil {
			return nil, err
		}
	}
	if err := g.ExposeOutput("goodvoxels_mask", goodvoxelsMask, "out"); err != nil {
		return nil, err
	}
	if err := g.ExposeOutput("goodvoxels_ribbon", covRibbon, "out"); err != nil {
		return nil, err
	}
	return g, nil
}

// thresholdFunc adapts a two-statistic threshold rule to the Function
// capability contract.
func thresholdFunc(f func(mean, stdev float64) float64) func(context.Context, graph.Values) (graph.Values, error) {
	return func(_ context.Context, in graph.Values) (graph.Values, error) {
		mean, _ := asFloat(in["mean"])
		stdev, _ := asFloat(in["stdev"])
		return graph.Values{"out": f(mean, stdev)}, nil
	}
}
