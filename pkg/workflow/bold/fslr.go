package bold

import (
	"github.com/boldflow/boldflow/pkg/config"
	"github.com/boldflow/boldflow/pkg/graph"
	"github.com/boldflow/boldflow/pkg/interfaces"
)

// FsLRResamplingOptions are the build-time flags of the fsLR
// resampling workflow.
type FsLRResamplingOptions struct {
	// EstimateGoodvoxels nests the goodvoxels workflow and constrains
	// sampling to the voxel-quality mask
	EstimateGoodvoxels bool
}

// NewFsLRResamplingWorkflow resamples the BOLD series onto the fsLR
// template mesh, one hemisphere at a time. A hemisphere iteration
// source fans the per-hemi chain out over L and R; a join node gathers
// the two resampled metric files back into hemisphere order. Surface
// inputs arrive as [left, right] pairs and a key-select picks the
// current hemisphere's entries. The target mesh density follows the
// configured grayordinate density (91k selects the 32k mesh, 170k the
// 59k mesh).
//
// Exposed inputs: bold_file, white, pial, midthickness,
// midthickness_fsLR, sphere_reg_fsLR, cortex_mask, and anat_ribbon when
// goodvoxels estimation is enabled. Exposed output: bold_fsLR.
func NewFsLRResamplingWorkflow(cfg config.Snapshot, tk Toolkit, opts FsLRResamplingOptions) (*graph.Graph, error) {
	g := graph.New("bold_fsLR_resampling_wf")
	mesh := fslrMesh(cfg.CiftiDensity)

	hemisource, err := g.AddLeaf("hemisource", interfaces.NewIdentityFields("hemi"),
		graph.WithIterables("hemi", []interface{}{"L", "R"}),
		graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}

	surfaceFields := []string{
		"white", "pial", "midthickness", "midthickness_fsLR", "sphere_reg_fsLR", "cortex_mask",
	}
	keySelect, err := interfaces.NewKeySelect(surfaceFields...)
	if err != nil {
		return nil, err
	}
	selectSurfaces, err := g.AddLeaf("select_surfaces", keySelect,
		graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}
	if err := selectSurfaces.SetInput("keys", []string{"L", "R"}); err != nil {
		return nil, err
	}
	if err := g.Connect(hemisource, "hemi", selectSurfaces, "key"); err != nil {
		return nil, err
	}

	samplerIns := graph.Ports{
		file("bold_file"), file("surface"), file("inner"), file("outer"), file("cortex_mask"),
	}
	if opts.EstimateGoodvoxels {
		samplerIns = append(samplerIns, file("volume_roi"))
	}
	volumeToSurface, err := addTool(g, tk, "volume_to_surface", "volume_to_surface",
		samplerIns,
		graph.Ports{file("out_file")},
		graph.WithMemoryGB(8), graph.WithThreads(4))
	if err != nil {
		return nil, err
	}

	metricDilate, err := addTool(g, tk, "metric_dilate", "metric_dilate",
		graph.Ports{file("in_file"), file("surface")},
		graph.Ports{file("out_file")},
		graph.WithMemoryGB(2), graph.WithThreads(4))
	if err != nil {
		return nil, err
	}

	resampler, err := addTool(g, tk, "resample_fsLR", "metric_resample",
		graph.Ports{
			file("in_file"), file("sphere"), file("area"), file("roi"), str("density"),
		},
		graph.Ports{file("out_file")},
		graph.WithMemoryGB(2), graph.WithThreads(2))
	if err != nil {
		return nil, err
	}
	if err := resampler.SetInput("density", mesh); err != nil {
		return nil, err
	}

	joinnode, err := g.AddLeaf("joinnode", interfaces.NewIdentityFields("bold_fsLR"),
		graph.WithJoinOver(hemisource, "bold_fsLR"),
		graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}

	conns := []struct {
		src     *graph.Node
		srcPort string
		dst     *graph.Node
		dstPort string
	}{
		{selectSurfaces, "midthickness", volumeToSurface, "surface"},
		{selectSurfaces, "white", volumeToSurface, "inner"},
		{selectSurfaces, "pial", volumeToSurface, "outer"},
		{selectSurfaces, "cortex_mask", volumeToSurface, "cortex_mask"},
		{volumeToSurface, "out_file", metricDilate, "in_file"},
		{selectSurfaces, "midthickness", metricDilate, "surface"},
		{metricDilate, "out_file", resampler, "in_file"},
		{selectSurfaces, "sphere_reg_fsLR", resampler, "sphere"},
		{selectSurfaces, "midthickness_fsLR", resampler, "area"},
		{selectSurfaces, "cortex_mask", resampler, "roi"},
		{resampler, "out_file", joinnode, "bold_fsLR"},
	}
	for _, c := range conns {
		if err := g.Connect(c.src, c.srcPort, c.dst, c.dstPort); err != nil {
			return nil, err
		}
	}

	if opts.EstimateGoodvoxels {
		sub, err := NewGoodvoxelsWorkflow(cfg, tk)
		if err != nil {
			return nil, err
		}
		goodvoxels, err := g.AddComposite("goodvoxels_wf", sub)
		if err != nil {
			return nil, err
		}
		if err := g.Connect(goodvoxels, "goodvoxels_mask", volumeToSurface, "volume_roi"); err != nil {
			return nil, err
		}
		if err := g.ExposeInput("bold_file", goodvoxels, "bold_file"); err != nil {
			return nil, err
		}
		if err := g.ExposeInput("anat_ribbon", goodvoxels, "anat_ribbon"); err != nil {
			return nil, err
		}
	}

	if err := g.ExposeInput("bold_file", volumeToSurface, "bold_file"); err != nil {
		return nil, err
	}
	for _, field := range surfaceFields {
		if err := g.ExposeInput(field, selectSurfaces, field); err != nil {
			return nil, err
		}
	}
	if err := g.ExposeOutput("bold_fsLR", joinnode, "bold_fsLR"); err != nil {
		return nil, err
	}
	return g, nil
}
