package bold

import (
	"fmt"

	"github.com/boldflow/boldflow/pkg/config"
	"github.com/boldflow/boldflow/pkg/graph"
	"github.com/boldflow/boldflow/pkg/interfaces"
)

// SinkOptions are shared by every derivative-writing workflow.
type SinkOptions struct {
	// OutputDir receives the derivatives
	OutputDir string
	// BidsRoot anchors raw-source relativization for provenance
	BidsRoot string
	// Writer overrides derivative persistence; nil composes paths only
	Writer interfaces.WriteFunc
}

func (o SinkOptions) sinkOptions(extra ...interfaces.SinkOption) []interfaces.SinkOption {
	opts := append([]interfaces.SinkOption(nil), extra...)
	if o.Writer != nil {
		opts = append(opts, interfaces.WithWriter(o.Writer))
	}
	return opts
}

// addSinkChain wires the raw-sources relativizer plus one derivatives
// sink, the recurring tail of every output workflow. The returned sink
// node still needs its in_file writer connected or exposed.
func addSinkChain(g *graph.Graph, name string, opts SinkOptions, entities interfaces.Entities, extra ...interfaces.SinkOption) (rawsrc, sink *graph.Node, err error) {
	relativizer, err := interfaces.NewRawSources(opts.BidsRoot)
	if err != nil {
		return nil, nil, err
	}
	rawsrc, err = g.AddLeaf("raw_sources", relativizer, graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, nil, err
	}
	ds, err := interfaces.NewDataSink(opts.OutputDir, entities,
		opts.sinkOptions(append([]interfaces.SinkOption{interfaces.WithDismiss("echo")}, extra...)...)...)
	if err != nil {
		return nil, nil, err
	}
	sink, err = g.AddLeaf(name, ds, graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, nil, err
	}
	if err := g.Connect(rawsrc, "out", sink, "source_file"); err != nil {
		return nil, nil, err
	}
	if err := g.ExposeInput("source_files", rawsrc, "in_files"); err != nil {
		return nil, nil, err
	}
	return rawsrc, sink, nil
}

// NewBoldrefSinkWorkflow writes a BOLD reference image derivative
// labelled with the given desc entity.
//
// Exposed inputs: source_files, boldref. Exposed output: out_file.
func NewBoldrefSinkWorkflow(cfg config.Snapshot, opts SinkOptions, desc string) (*graph.Graph, error) {
	g := graph.New(fmt.Sprintf("ds_%s_boldref_wf", desc))
	_, sink, err := addSinkChain(g, "ds_boldref", opts, interfaces.Entities{
		"desc": desc, "suffix": "boldref", "extension": ".nii.gz",
	})
	if err != nil {
		return nil, err
	}
	if err := g.ExposeInput("boldref", sink, "in_file"); err != nil {
		return nil, err
	}
	if err := g.ExposeOutput("out_file", sink, "out_file"); err != nil {
		return nil, err
	}
	return g, nil
}

// NewRegistrationSinkWorkflow writes a spatial transform derivative
// with from/to/mode entity configuration.
//
// Exposed inputs: source_files, xform. Exposed output: out_file.
func NewRegistrationSinkWorkflow(cfg config.Snapshot, opts SinkOptions, from, to string) (*graph.Graph, error) {
	g := graph.New(fmt.Sprintf("ds_%s_%s_reg_wf", from, to))
	_, sink, err := addSinkChain(g, "ds_xform", opts, interfaces.Entities{
		"from": from, "to": to, "mode": "image",
		"suffix": "xfm", "extension": ".txt",
	})
	if err != nil {
		return nil, err
	}
	if err := g.ExposeInput("xform", sink, "in_file"); err != nil {
		return nil, err
	}
	if err := g.ExposeOutput("out_file", sink, "out_file"); err != nil {
		return nil, err
	}
	return g, nil
}

// NewHmcSinkWorkflow writes the head-motion-correction transform
// series, from the original frames to the BOLD reference.
func NewHmcSinkWorkflow(cfg config.Snapshot, opts SinkOptions) (*graph.Graph, error) {
	g := graph.New("ds_hmc_wf")
	_, sink, err := addSinkChain(g, "ds_xforms", opts, interfaces.Entities{
		"from": "orig", "to": "boldref", "mode": "image", "desc": "hmc",
		"suffix": "xfm", "extension": ".txt",
	})
	if err != nil {
		return nil, err
	}
	if err := g.ExposeInput("xforms", sink, "in_file"); err != nil {
		return nil, err
	}
	if err := g.ExposeOutput("out_file", sink, "out_file"); err != nil {
		return nil, err
	}
	return g, nil
}

// NativeOutputOptions are the build-time flags of the native-space
// output workflow.
type NativeOutputOptions struct {
	SinkOptions
	// BoldOutput writes the preprocessed native-space BOLD series
	BoldOutput bool
	// EchoOutput writes each echo's preprocessed series separately
	EchoOutput bool
	// Multiecho adds the T2* map derivative
	Multiecho bool
	// Metadata is the acquisition metadata timing parameters derive
	// from
	Metadata map[string]interface{}
	// EchoTimes are the per-echo times in seconds, required when
	// EchoOutput is set
	EchoTimes []float64
}

// NewNativeOutputWorkflow writes the native-space derivatives selected
// by the flags. Timing parameters derived from the acquisition
// metadata are attached statically to every series sink.
//
// Exposed inputs: source_files, plus bold (BoldOutput), bold_echos
// (EchoOutput) and t2star (Multiecho with BoldOutput).
func NewNativeOutputWorkflow(cfg config.Snapshot, opts NativeOutputOptions) (*graph.Graph, error) {
	g := graph.New("ds_bold_native_wf")
	timing := DeriveTimingParameters(opts.Metadata, cfg)

	relativizer, err := interfaces.NewRawSources(opts.BidsRoot)
	if err != nil {
		return nil, err
	}
	rawsrc, err := g.AddLeaf("raw_sources", relativizer, graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}
	if err := g.ExposeInput("source_files", rawsrc, "in_files"); err != nil {
		return nil, err
	}

	addSeriesSink := func(name string, entities interfaces.Entities, meta map[string]interface{}, nodeOpts ...graph.NodeOption) (*graph.Node, error) {
		ds, err := interfaces.NewDataSink(opts.OutputDir, entities,
			opts.sinkOptions(interfaces.WithDismiss("echo"), interfaces.WithStaticMeta(meta))...)
		if err != nil {
			return nil, err
		}
		sink, err := g.AddLeaf(name, ds, append(nodeOpts, graph.WithRunWithoutSubmitting())...)
		if err != nil {
			return nil, err
		}
		if err := g.Connect(rawsrc, "out", sink, "source_file"); err != nil {
			return nil, err
		}
		return sink, nil
	}

	if opts.BoldOutput {
		sink, err := addSeriesSink("ds_bold", interfaces.Entities{
			"desc": "preproc", "suffix": "bold", "extension": ".nii.gz",
		}, timing)
		if err != nil {
			return nil, err
		}
		if err := g.ExposeInput("bold", sink, "in_file"); err != nil {
			return nil, err
		}
	}

	if opts.EchoOutput {
		metas := make([]interface{}, len(opts.EchoTimes))
		for i, et := range opts.EchoTimes {
			meta := map[string]interface{}{"EchoTime": et}
			for k, v := range timing {
				meta[k] = v
			}
			metas[i] = meta
		}
		ds, err := interfaces.NewDataSink(opts.OutputDir, interfaces.Entities{
			"desc": "preproc", "suffix": "bold", "extension": ".nii.gz",
		}, opts.sinkOptions(interfaces.WithEntityPorts("echo"))...)
		if err != nil {
			return nil, err
		}
		sink, err := g.AddLeaf("ds_bold_echos", ds,
			graph.WithIterFields("in_file", "meta", "echo"),
			graph.WithRunWithoutSubmitting())
		if err != nil {
			return nil, err
		}
		if err := sink.SetInput("meta", metas); err != nil {
			return nil, err
		}
		echoes := make([]string, len(opts.EchoTimes))
		for i := range echoes {
			echoes[i] = fmt.Sprintf("%d", i+1)
		}
		if err := sink.SetInput("echo", echoes); err != nil {
			return nil, err
		}
		if err := g.Connect(rawsrc, "out", sink, "source_file"); err != nil {
			return nil, err
		}
		if err := g.ExposeInput("bold_echos", sink, "in_file"); err != nil {
			return nil, err
		}
	}

	if opts.Multiecho && opts.BoldOutput {
		sink, err := addSeriesSink("ds_t2star", interfaces.Entities{
			"suffix": "T2starmap", "extension": ".nii.gz",
		}, map[string]interface{}{
			"Units":               "s",
			"EstimationReference": "doi:10.1002/mrm.26428",
		})
		if err != nil {
			return nil, err
		}
		if err := g.ExposeInput("t2star", sink, "in_file"); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// VolumeOutputsOptions are the build-time flags of the volumetric
// output workflow.
type VolumeOutputsOptions struct {
	SinkOptions
	// Multiecho adds the resampled T2* map derivative
	Multiecho bool
	// Space labels the target volumetric space entity
	Space string
	// Metadata is the acquisition metadata timing parameters derive
	// from
	Metadata map[string]interface{}
}

// NewVolumeOutputsWorkflow resamples the BOLD series, reference and
// mask into one target volumetric space and writes the derivatives.
// The boldref-to-anatomical and anatomical-to-target transforms fan in
// through an explicit two-way merge before resampling.
//
// Exposed inputs: source_files, bold, boldref, bold_mask,
// anat2std_xfm, boldref2anat_xfm, and t2star when Multiecho is set.
// Exposed outputs: bold_std, boldref_std, mask_std.
func NewVolumeOutputsWorkflow(cfg config.Snapshot, tk Toolkit, opts VolumeOutputsOptions) (*graph.Graph, error) {
	g := graph.New("ds_volumes_wf")
	timing := DeriveTimingParameters(opts.Metadata, cfg)

	relativizer, err := interfaces.NewRawSources(opts.BidsRoot)
	if err != nil {
		return nil, err
	}
	rawsrc, err := g.AddLeaf("raw_sources", relativizer, graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}
	if err := g.ExposeInput("source_files", rawsrc, "in_files"); err != nil {
		return nil, err
	}

	mergeRunnable, err := interfaces.NewMerge(2)
	if err != nil {
		return nil, err
	}
	mergeXforms, err := g.AddLeaf("merge_xforms", mergeRunnable, graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}
	if err := g.ExposeInput("anat2std_xfm", mergeXforms, "in1"); err != nil {
		return nil, err
	}
	if err := g.ExposeInput("boldref2anat_xfm", mergeXforms, "in2"); err != nil {
		return nil, err
	}

	addResampled := func(resampleName, sinkName, input string, entities interfaces.Entities, meta map[string]interface{}, exposed string) error {
		resample, err := addTool(g, tk, resampleName, "apply_transforms",
			graph.Ports{file("in_file"), list("transforms")},
			graph.Ports{file("out_file")},
			graph.WithMemoryGB(4), graph.WithThreads(2))
		if err != nil {
			return err
		}
		if err := g.Connect(mergeXforms, "out", resample, "transforms"); err != nil {
			return err
		}
		if err := g.ExposeInput(input, resample, "in_file"); err != nil {
			return err
		}
		ds, err := interfaces.NewDataSink(opts.OutputDir, entities,
			opts.sinkOptions(interfaces.WithDismiss("echo"), interfaces.WithStaticMeta(meta))...)
		if err != nil {
			return err
		}
		sink, err := g.AddLeaf(sinkName, ds, graph.WithRunWithoutSubmitting())
		if err != nil {
			return err
		}
		if err := g.Connect(resample, "out_file", sink, "in_file"); err != nil {
			return err
		}
		if err := g.Connect(rawsrc, "out", sink, "source_file"); err != nil {
			return err
		}
		return g.ExposeOutput(exposed, sink, "out_file")
	}

	space := opts.Space
	if space == "" {
		space = "MNI152NLin2009cAsym"
	}
	if err := addResampled("bold2target", "ds_bold", "bold", interfaces.Entities{
		"space": space, "desc": "preproc", "suffix": "bold", "extension": ".nii.gz",
	}, timing, "bold_std"); err != nil {
		return nil, err
	}
	if err := addResampled("boldref2target", "ds_boldref", "boldref", interfaces.Entities{
		"space": space, "suffix": "boldref", "extension": ".nii.gz",
	}, nil, "boldref_std"); err != nil {
		return nil, err
	}
	if err := addResampled("mask2target", "ds_mask", "bold_mask", interfaces.Entities{
		"space": space, "desc": "brain", "suffix": "mask", "extension": ".nii.gz",
	}, nil, "mask_std"); err != nil {
		return nil, err
	}
	if opts.Multiecho {
		if err := addResampled("t2star2target", "ds_t2star", "t2star", interfaces.Entities{
			"space": space, "suffix": "T2starmap", "extension": ".nii.gz",
		}, map[string]interface{}{"Units": "s"}, "t2star_std"); err != nil {
			return nil, err
		}
	}
	return g, nil
}
