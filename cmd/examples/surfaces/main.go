package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/boldflow/boldflow/internal/ctxlog"
	"github.com/boldflow/boldflow/pkg/config"
	"github.com/boldflow/boldflow/pkg/interfaces"
	"github.com/boldflow/boldflow/pkg/sched"
	"github.com/boldflow/boldflow/pkg/workflow/bold"
)

// Builds the surface sampling workflow against a stub toolkit, runs it,
// and prints every derivative the sinks would write. No neuroimaging
// binaries are invoked; the point is to see the graph expand over output
// spaces and hemispheres.
func main() {
	cfg := config.Default()
	cfg.OutputSpaces = []string{"fsaverage", "fsnative"}

	writer := func(_ context.Context, req interfaces.WriteRequest) (string, error) {
		path := req.OutDir + "/" + interfaces.ComposeName(req.Entities)
		fmt.Printf("would write %s (from %s)\n", path, req.InFile)
		return path, nil
	}

	g, err := bold.NewSurfaceWorkflow(cfg, bold.StubToolkit(), bold.SurfaceOptions{
		MedialSurfaceNaN: true,
		OutputDir:        "/out/sub-01/func",
		BidsRoot:         "/data/bids",
		Writer:           writer,
	})
	if err != nil {
		log.Fatalf("build workflow: %v", err)
	}

	compiled, err := g.Finalize()
	if err != nil {
		log.Fatalf("finalize: %v", err)
	}
	fmt.Println(compiled.Describe())

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx := ctxlog.WithLogger(context.Background(), logger)

	report, err := sched.NewRunner().Run(ctx, compiled, map[string]interface{}{
		"bold_file":         "/work/sub-01/bold_hmc.nii.gz",
		"subject_id":        "sub-01",
		"subjects_dir":      "/derivatives/freesurfer",
		"fsnative2anat_xfm": "/work/sub-01/fsnative2anat.txt",
		"source_files":      []string{"/data/bids/sub-01/func/sub-01_task-rest_bold.nii.gz"},
	})
	if err != nil {
		log.Fatalf("run: %v", err)
	}
	fmt.Println(report.String())
}
