package bold

import (
	"github.com/boldflow/boldflow/pkg/config"
	"github.com/boldflow/boldflow/pkg/graph"
)

// GrayordsOptions are the build-time parameters of the grayordinates
// workflow.
type GrayordsOptions struct {
	// RepetitionTime is the series TR in seconds, stamped into the
	// CIFTI header
	RepetitionTime float64
}

// NewGrayordsWorkflow combines the template-space BOLD volume and the
// fsLR surface series into a CIFTI grayordinates file. The configured
// density picks both the grayordinate count and the matching MNI
// volume resolution (91k pairs with 2 mm, 170k with 1 mm).
//
// Exposed inputs: bold_std, bold_fsLR. Exposed outputs: cifti_bold,
// cifti_metadata.
func NewGrayordsWorkflow(cfg config.Snapshot, tk Toolkit, opts GrayordsOptions) (*graph.Graph, error) {
	g := graph.New("bold_grayords_wf")

	genCifti, err := addTool(g, tk, "gen_cifti", "generate_cifti",
		graph.Ports{
			file("bold_std"), list("bold_fsLR"),
			str("grayordinates"), str("mni_resolution"), flt("tr"),
		},
		graph.Ports{file("out_file"), dict("out_metadata")},
		graph.WithMemoryGB(12))
	if err != nil {
		return nil, err
	}
	if err := genCifti.SetInput("grayordinates", cfg.CiftiDensity); err != nil {
		return nil, err
	}
	if err := genCifti.SetInput("mni_resolution", mniResolution(cfg.CiftiDensity)); err != nil {
		return nil, err
	}
	if err := genCifti.SetInput("tr", opts.RepetitionTime); err != nil {
		return nil, err
	}

	if err := g.ExposeInput("bold_std", genCifti, "bold_std"); err != nil {
		return nil, err
	}
	if err := g.ExposeInput("bold_fsLR", genCifti, "bold_fsLR"); err != nil {
		return nil, err
	}
	if err := g.ExposeOutput("cifti_bold", genCifti, "out_file"); err != nil {
		return nil, err
	}
	if err := g.ExposeOutput("cifti_metadata", genCifti, "out_metadata"); err != nil {
		return nil, err
	}
	return g, nil
}
