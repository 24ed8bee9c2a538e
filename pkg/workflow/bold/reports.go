package bold

import (
	"github.com/boldflow/boldflow/pkg/config"
	"github.com/boldflow/boldflow/pkg/graph"
	"github.com/boldflow/boldflow/pkg/interfaces"
)

// FitReportsOptions are the build-time flags of the fit-reports
// workflow.
type FitReportsOptions struct {
	SinkOptions
	// SDCCorrection adds the susceptibility-distortion reportlet
	// branch
	SDCCorrection bool
}

// NewFitReportsWorkflow assembles the reportlets documenting the BOLD
// fitting stage: the run summary, the input validation note, and the
// EPI-to-anatomical coregistration figure. When susceptibility
// distortion correction ran, a before/after fieldmap reportlet branch
// is added.
//
// Exposed inputs: source_file, metadata, bold_file, boldref, anat;
// plus sdc_boldref_pre and sdc_boldref_post when SDCCorrection is set.
func NewFitReportsWorkflow(cfg config.Snapshot, tk Toolkit, opts FitReportsOptions) (*graph.Graph, error) {
	g := graph.New("func_fit_reports_wf")

	addReportSink := func(name, desc string) (*graph.Node, error) {
		ds, err := interfaces.NewDataSink(opts.OutputDir, interfaces.Entities{
			"desc": desc, "suffix": "bold", "extension": ".svg",
		}, opts.sinkOptions(interfaces.WithDismiss("echo"))...)
		if err != nil {
			return nil, err
		}
		return g.AddLeaf(name, ds, graph.WithRunWithoutSubmitting())
	}

	summary, err := addTool(g, tk, "summary", "bold_summary",
		graph.Ports{dict("metadata"), file("source_file")},
		graph.Ports{file("out_report")},
		graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}
	dsSummary, err := addReportSink("ds_report_summary", "summary")
	if err != nil {
		return nil, err
	}

	validation, err := addTool(g, tk, "validation", "validate_bold",
		graph.Ports{file("in_file")},
		graph.Ports{file("out_report")},
		graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}
	dsValidation, err := addReportSink("ds_report_validation", "validation")
	if err != nil {
		return nil, err
	}

	coregReport, err := addTool(g, tk, "coreg_report", "epi_anat_report",
		graph.Ports{file("boldref"), file("anat")},
		graph.Ports{file("out_report")},
		graph.WithMemoryGB(1))
	if err != nil {
		return nil, err
	}
	dsCoreg, err := addReportSink("ds_report_coreg", "coreg")
	if err != nil {
		return nil, err
	}

	conns := []struct {
		src     *graph.Node
		srcPort string
		dst     *graph.Node
		dstPort string
	}{
		{summary, "out_report", dsSummary, "in_file"},
		{validation, "out_report", dsValidation, "in_file"},
		{coregReport, "out_report", dsCoreg, "in_file"},
	}
	for _, c := range conns {
		if err := g.Connect(c.src, c.srcPort, c.dst, c.dstPort); err != nil {
			return nil, err
		}
	}

	if opts.SDCCorrection {
		sdcReport, err := addTool(g, tk, "sdc_report", "sdc_report",
			graph.Ports{file("boldref_pre"), file("boldref_post")},
			graph.Ports{file("out_report")},
			graph.WithMemoryGB(1))
		if err != nil {
			return nil, err
		}
		dsSdc, err := addReportSink("ds_report_sdc", "sdc")
		if err != nil {
			return nil, err
		}
		if err := g.Connect(sdcReport, "out_report", dsSdc, "in_file"); err != nil {
			return nil, err
		}
		if err := g.ExposeInput("sdc_boldref_pre", sdcReport, "boldref_pre"); err != nil {
			return nil, err
		}
		if err := g.ExposeInput("sdc_boldref_post", sdcReport, "boldref_post"); err != nil {
			return nil, err
		}
	}

	exposures := []struct {
		name string
		node *graph.Node
		port string
	}{
		{"metadata", summary, "metadata"},
		{"source_file", summary, "source_file"},
		{"bold_file", validation, "in_file"},
		{"boldref", coregReport, "boldref"},
		{"anat", coregReport, "anat"},
		{"source_file", dsSummary, "source_file"},
		{"source_file", dsValidation, "source_file"},
		{"source_file", dsCoreg, "source_file"},
	}
	for _, e := range exposures {
		if err := g.ExposeInput(e.name, e.node, e.port); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// NewPreprocReportWorkflow builds the before/after preprocessing
// comparison: temporal SNR of the raw and preprocessed series rendered
// side by side.
//
// Exposed inputs: source_file, bold_pre, bold_post.
func NewPreprocReportWorkflow(cfg config.Snapshot, tk Toolkit, opts SinkOptions) (*graph.Graph, error) {
	g := graph.New("bold_preproc_report_wf")

	preTsnr, err := addTool(g, tk, "pre_tsnr", "tsnr",
		graph.Ports{file("in_file")},
		graph.Ports{file("out_file")},
		graph.WithMemoryGB(4))
	if err != nil {
		return nil, err
	}
	postTsnr, err := addTool(g, tk, "post_tsnr", "tsnr",
		graph.Ports{file("in_file")},
		graph.Ports{file("out_file")},
		graph.WithMemoryGB(4))
	if err != nil {
		return nil, err
	}
	compare, err := addTool(g, tk, "compare", "before_after_report",
		graph.Ports{file("before"), file("after")},
		graph.Ports{file("out_report")},
		graph.WithMemoryGB(1))
	if err != nil {
		return nil, err
	}

	ds, err := interfaces.NewDataSink(opts.OutputDir, interfaces.Entities{
		"desc": "preproc", "suffix": "bold", "extension": ".svg",
	}, opts.sinkOptions(interfaces.WithDismiss("echo"))...)
	if err != nil {
		return nil, err
	}
	dsReport, err := g.AddLeaf("ds_report_bold", ds, graph.WithRunWithoutSubmitting())
	if err != nil {
		return nil, err
	}

	conns := []struct {
		src     *graph.Node
		srcPort string
		dst     *graph.Node
		dstPort string
	}{
		{preTsnr, "out_file", compare, "before"},
		{postTsnr, "out_file", compare, "after"},
		{compare, "out_report", dsReport, "in_file"},
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
		{"bold_pre", preTsnr, "in_file"},
		{"bold_post", postTsnr, "in_file"},
		{"source_file", dsReport, "source_file"},
	}
	for _, e := range exposures {
		if err := g.ExposeInput(e.name, e.node, e.port); err != nil {
			return nil, err
		}
	}
	return g, nil
}
