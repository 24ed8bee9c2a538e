package bold

import (
	"github.com/boldflow/boldflow/pkg/config"
	"github.com/boldflow/boldflow/pkg/graph"
	"github.com/boldflow/boldflow/pkg/interfaces"
)

// SurfaceOptions are the build-time flags of the surface sampling
// workflow.
type SurfaceOptions struct {
	// MedialSurfaceNaN replaces medial-wall vertices with NaNs before
	// the derivatives sink
	MedialSurfaceNaN bool
	// OutputDir receives the sampled surface derivatives
	OutputDir string
	// BidsRoot anchors raw-source relativization for provenance
	BidsRoot string
	// Writer overrides derivative persistence; nil composes paths only
	Writer interfaces.WriteFunc
}

// NewSurfaceWorkflow samples the BOLD series onto the configured
// surface spaces. The workflow iterates over cfg.OutputSpaces: each
// target space gets its own copy of the target-resolution, sampling and
// sink chain, and within each copy the sampler maps over both
// hemispheres.
//
// Exposed inputs: bold_file, subject_id, subjects_dir,
// fsnative2anat_xfm, source_files.
func NewSurfaceWorkflow(cfg config.Snapshot, tk Toolkit, opts SurfaceOptions) (*graph.Graph, error) {
	g := graph.New("bold_surf_wf")

	spaces := make([]interface{}, len(cfg.OutputSpaces))
	for i, s := range cfg.OutputSpaces {
		spaces[i] = s
	}

	itersource, err := g.AddLeaf("itersource", interfaces.NewIdentityFields("target"),
		graph.WithIterables("target", spaces),
		graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}

	targets, err := addTool(g, tk, "targets", "select_target",
		graph.Ports{str("subject_id"), str("space")},
		graph.Ports{str("out")},
		graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}

	itk2lta, err := addTool(g, tk, "itk2lta", "convert_xfm",
		graph.Ports{file("in_xfm")},
		graph.Ports{file("out")},
		graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}

	sampler, err := addTool(g, tk, "sampler", "sample_to_surface",
		graph.Ports{
			file("bold_file"), file("reg_file"),
			str("target"), str("subjects_dir"), str("subject_id"), str("hemi"),
		},
		graph.Ports{file("out_file")},
		graph.WithIterFields("hemi"),
		graph.WithMemoryGB(4), graph.WithThreads(2))
	if err != nil {
		return nil, err
	}
	if err := sampler.SetInput("hemi", []string{"lh", "rh"}); err != nil {
		return nil, err
	}

	rawSources, err := interfaces.NewRawSources(opts.BidsRoot)
	if err != nil {
		return nil, err
	}
	rawsrc, err := g.AddLeaf("raw_sources", rawSources, graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}

	sinkOpts := []interfaces.SinkOption{
		interfaces.WithDismiss("echo"),
		interfaces.WithEntityPorts("space", "hemi"),
	}
	if opts.Writer != nil {
		sinkOpts = append(sinkOpts, interfaces.WithWriter(opts.Writer))
	}
	sink, err := interfaces.NewDataSink(opts.OutputDir,
		interfaces.Entities{"suffix": "bold", "extension": ".func.gii"}, sinkOpts...)
	if err != nil {
		return nil, err
	}
	ds, err := g.AddLeaf("ds_bold_surfs", sink,
		graph.WithIterFields("in_file", "hemi"),
		graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}
	if err := ds.SetInput("hemi", []string{"L", "R"}); err != nil {
		return nil, err
	}

	conns := []struct {
		src     *graph.Node
		srcPort string
		dst     *graph.Node
		dstPort string
	}{
		{itersource, "target", targets, "space"},
		{targets, "out", sampler, "target"},
		{itk2lta, "out", sampler, "reg_file"},
		{targets, "out", ds, "space"},
		{rawsrc, "out", ds, "source_file"},
	}
	for _, c := range conns {
		if err := g.Connect(c.src, c.srcPort, c.dst, c.dstPort); err != nil {
			return nil, err
		}
	}

	if opts.MedialSurfaceNaN {
		medial, err := addTool(g, tk, "medial_nans", "medial_wall_nans",
			graph.Ports{file("in_file"), str("target")},
			graph.Ports{file("out_file")},
			graph.WithIterFields("in_file"))
		if err != nil {
			return nil, err
		}
		if err := g.Connect(targets, "out", medial, "target"); err != nil {
			return nil, err
		}
		if err := g.Connect(sampler, "out_file", medial, "in_file"); err != nil {
			return nil, err
		}
		if err := g.Connect(medial, "out_file", ds, "in_file"); err != nil {
			return nil, err
		}
	} else {
		if err := g.Connect(sampler, "out_file", ds, "in_file"); err != nil {
			return nil, err
		}
	}

	exposures := []struct {
		name string
		node *graph.Node
		port string
	}{
		{"bold_file", sampler, "bold_file"},
		{"subject_id", targets, "subject_id"},
		{"subject_id", sampler, "subject_id"},
		{"subjects_dir", sampler, "subjects_dir"},
		{"fsnative2anat_xfm", itk2lta, "in_xfm"},
		{"source_files", rawsrc, "in_files"},
	}
	for _, e := range exposures {
		if err := g.ExposeInput(e.name, e.node, e.port); err != nil {
			return nil, err
		}
	}
	return g, nil
}
