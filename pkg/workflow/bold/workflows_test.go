package bold_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boldflow/boldflow/pkg/config"
	"github.com/boldflow/boldflow/pkg/graph"
	"github.com/boldflow/boldflow/pkg/interfaces"
	"github.com/boldflow/boldflow/pkg/sched"
	"github.com/boldflow/boldflow/pkg/workflow/bold"
)

func testConfig() config.Snapshot {
	cfg := config.Default()
	cfg.OutputSpaces = []string{"fsaverage", "fsnative"}
	return cfg
}

// funcToolkit overrides selected tools with pure functions and stubs
// the rest.
func funcToolkit(overrides map[string]func(in graph.Values) graph.Values) bold.Toolkit {
	stub := bold.StubToolkit()
	return func(tool string, ins, outs graph.Ports) (graph.Runnable, error) {
		fn, ok := overrides[tool]
		if !ok {
			return stub(tool, ins, outs)
		}
		return interfaces.NewFunction(ins, outs,
			func(_ context.Context, in graph.Values) (graph.Values, error) {
				return fn(in), nil
			})
	}
}

// collectingWriter records every sink write.
type collectingWriter struct {
	mu   sync.Mutex
	reqs []interfaces.WriteRequest
}

func (w *collectingWriter) write(_ context.Context, req interfaces.WriteRequest) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reqs = append(w.reqs, req)
	return "/out/" + interfaces.ComposeName(req.Entities), nil
}

func runWorkflow(t *testing.T, g *graph.Graph, inputs graph.Values) *sched.Report {
	t.Helper()
	c, err := g.Finalize()
	require.NoError(t, err)
	rep, err := sched.NewRunner(sched.WithBudget(sched.Resources{sched.CPU: 4, sched.Mem: sched.DefaultMemoryBudgetGB})).Run(context.Background(), c, inputs)
	require.NoError(t, err)
	require.True(t, rep.OK(), "run must succeed:\n%s", rep.String())
	return rep
}

func TestSurfaceWorkflow(t *testing.T) {
	t.Parallel()
	cfg := testConfig()

	inputs := graph.Values{
		"bold_file":         "/work/bold_hmc.nii.gz",
		"subject_id":        "sub-01",
		"subjects_dir":      "/derivatives/freesurfer",
		"fsnative2anat_xfm": "/work/fsnative2anat.txt",
		"source_files":      []string{"/data/bids/sub-01/func/bold.nii.gz"},
	}

	t.Run("SamplesEveryTargetAndHemisphere", func(t *testing.T) {
		t.Parallel()
		w := &collectingWriter{}
		g, err := bold.NewSurfaceWorkflow(cfg, bold.StubToolkit(), bold.SurfaceOptions{
			OutputDir: "/out",
			BidsRoot:  "/data/bids",
			Writer:    w.write,
		})
		require.NoError(t, err)
		runWorkflow(t, g, inputs)

		// Two target spaces, two hemispheres each.
		require.Len(t, w.reqs, 4)
		var seen []string
		for _, req := range w.reqs {
			seen = append(seen, req.Entities["space"]+"/"+req.Entities["hemi"])
			assert.Equal(t, []string{"sub-01/func/bold.nii.gz"}, req.SourceFiles)
		}
		// The selected target name comes from the select_target stub.
		assert.ElementsMatch(t, []string{
			"select_target.out/L", "select_target.out/R",
			"select_target.out/L", "select_target.out/R",
		}, seen)
	})

	t.Run("MedialNaNFlagAddsOnlyItsNodes", func(t *testing.T) {
		t.Parallel()
		build := func(medial bool) *graph.Compiled {
			g, err := bold.NewSurfaceWorkflow(cfg, bold.StubToolkit(), bold.SurfaceOptions{
				OutputDir:        "/out",
				BidsRoot:         "/data/bids",
				MedialSurfaceNaN: medial,
			})
			require.NoError(t, err)
			c, err := g.Finalize()
			require.NoError(t, err)
			return c
		}
		with := build(true)
		without := build(false)

		var medialTasks int
		withNames := make(map[string]bool)
		for _, task := range with.Tasks() {
			withNames[task.Name] = true
			if strings.Contains(task.Name, "medial_nans") {
				medialTasks++
			}
		}
		// One medial map task per target space.
		assert.Equal(t, len(cfg.OutputSpaces), medialTasks)
		assert.Equal(t, without.Len()+medialTasks, with.Len())
		for _, task := range without.Tasks() {
			assert.True(t, withNames[task.Name],
				"task %s must survive enabling the flag", task.Name)
		}
	})
}

func TestGoodvoxelsWorkflow(t *testing.T) {
	t.Parallel()
	cfg := config.Default()

	var gotThresholds interface{}
	tk := funcToolkit(map[string]func(graph.Values) graph.Values{
		"img_mean": func(_ graph.Values) graph.Values { return graph.Values{"out": 100.0} },
		"img_std":  func(_ graph.Values) graph.Values { return graph.Values{"out": 20.0} },
		"threshold": func(in graph.Values) graph.Values {
			gotThresholds = in["thresholds"]
			return graph.Values{"out": "thresholded.nii"}
		},
	})

	g, err := bold.NewGoodvoxelsWorkflow(cfg, tk)
	require.NoError(t, err)
	rep := runWorkflow(t, g, graph.Values{
		"bold_file":   "/work/bold.nii.gz",
		"anat_ribbon": "/anat/ribbon.nii.gz",
	})

	// upper = 100 + 20*0.5, lower = 20 - 100*0.5, in merge order.
	assert.Equal(t, []interface{}{110.0, -30.0}, gotThresholds)
	assert.Contains(t, rep.Outputs, "goodvoxels_mask")
	assert.Contains(t, rep.Outputs, "goodvoxels_ribbon")
}

func TestFsLRResamplingWorkflow(t *testing.T) {
	t.Parallel()
	cfg := config.Default()

	inputs := graph.Values{
		"bold_file":         "/work/bold.nii.gz",
		"white":             []string{"lh.white", "rh.white"},
		"pial":              []string{"lh.pial", "rh.pial"},
		"midthickness":      []string{"lh.mid", "rh.mid"},
		"midthickness_fsLR": []string{"lh.mid.32k", "rh.mid.32k"},
		"sphere_reg_fsLR":   []string{"L.sphere", "R.sphere"},
		"cortex_mask":       []string{"lh.roi", "rh.roi"},
	}

	t.Run("JoinGathersHemispheresInOrder", func(t *testing.T) {
		t.Parallel()
		// The resampler echoes its registration sphere so the gathered
		// sequence reveals which hemisphere produced each entry.
		tk := funcToolkit(map[string]func(graph.Values) graph.Values{
			"metric_resample": func(in graph.Values) graph.Values {
				return graph.Values{"out_file": in["sphere"]}
			},
		})
		g, err := bold.NewFsLRResamplingWorkflow(cfg, tk, bold.FsLRResamplingOptions{})
		require.NoError(t, err)
		rep := runWorkflow(t, g, inputs)
		assert.Equal(t, []interface{}{"L.sphere", "R.sphere"}, rep.Outputs["bold_fsLR"])
	})

	t.Run("GoodvoxelsFlagNestsSubWorkflow", func(t *testing.T) {
		t.Parallel()
		g, err := bold.NewFsLRResamplingWorkflow(cfg, bold.StubToolkit(),
			bold.FsLRResamplingOptions{EstimateGoodvoxels: true})
		require.NoError(t, err)
		c, err := g.Finalize()
		require.NoError(t, err)

		var goodvoxelsTasks int
		for _, task := range c.Tasks() {
			if strings.Contains(task.Name, "goodvoxels_wf.") {
				goodvoxelsTasks++
			}
		}
		assert.Greater(t, goodvoxelsTasks, 5)

		withInputs := inputs.Clone()
		withInputs["anat_ribbon"] = "/anat/ribbon.nii.gz"
		rep, err := sched.NewRunner(sched.WithBudget(sched.Resources{sched.CPU: 4, sched.Mem: sched.DefaultMemoryBudgetGB})).Run(context.Background(), c, withInputs)
		require.NoError(t, err)
		require.True(t, rep.OK(), rep.String())
	})
}

func TestGrayordsWorkflow(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.CiftiDensity = "170k"

	var got graph.Values
	tk := funcToolkit(map[string]func(graph.Values) graph.Values{
		"generate_cifti": func(in graph.Values) graph.Values {
			got = in.Clone()
			return graph.Values{
				"out_file":     "/work/bold.dtseries.nii",
				"out_metadata": map[string]interface{}{"Density": in["grayordinates"]},
			}
		},
	})
	g, err := bold.NewGrayordsWorkflow(cfg, tk, bold.GrayordsOptions{RepetitionTime: 2.0})
	require.NoError(t, err)
	rep := runWorkflow(t, g, graph.Values{
		"bold_std":  "/work/bold_mni.nii.gz",
		"bold_fsLR": []interface{}{"L.func.gii", "R.func.gii"},
	})

	assert.Equal(t, "170k", got["grayordinates"])
	assert.Equal(t, "1", got["mni_resolution"])
	assert.Equal(t, 2.0, got["tr"])
	assert.Equal(t, "/work/bold.dtseries.nii", rep.Outputs["cifti_bold"])
}

func TestSinkWorkflows(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	opts := bold.SinkOptions{OutputDir: "/out", BidsRoot: "/data/bids"}

	t.Run("Boldref", func(t *testing.T) {
		t.Parallel()
		w := &collectingWriter{}
		o := opts
		o.Writer = w.write
		g, err := bold.NewBoldrefSinkWorkflow(cfg, o, "coreg")
		require.NoError(t, err)
		rep := runWorkflow(t, g, graph.Values{
			"boldref":      "/work/boldref.nii.gz",
			"source_files": []string{"/data/bids/sub-01/func/bold.nii.gz"},
		})
		require.Len(t, w.reqs, 1)
		assert.Equal(t, "coreg", w.reqs[0].Entities["desc"])
		assert.Equal(t, "boldref", w.reqs[0].Entities["suffix"])
		assert.Contains(t, rep.Outputs, "out_file")
	})

	t.Run("Registration", func(t *testing.T) {
		t.Parallel()
		w := &collectingWriter{}
		o := opts
		o.Writer = w.write
		g, err := bold.NewRegistrationSinkWorkflow(cfg, o, "boldref", "T1w")
		require.NoError(t, err)
		runWorkflow(t, g, graph.Values{
			"xform":        "/work/boldref2anat.txt",
			"source_files": []string{"/data/bids/sub-01/func/bold.nii.gz"},
		})
		require.Len(t, w.reqs, 1)
		assert.Equal(t, "boldref", w.reqs[0].Entities["from"])
		assert.Equal(t, "T1w", w.reqs[0].Entities["to"])
	})

	t.Run("Hmc", func(t *testing.T) {
		t.Parallel()
		g, err := bold.NewHmcSinkWorkflow(cfg, opts)
		require.NoError(t, err)
		_, err = g.Finalize()
		require.NoError(t, err)
	})
}

func TestNativeOutputWorkflow(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	meta := map[string]interface{}{
		"RepetitionTime": 2.0,
		"SliceTiming":    []float64{0.0, 0.2, 0.4, 0.6},
	}

	t.Run("AllFlags", func(t *testing.T) {
		t.Parallel()
		w := &collectingWriter{}
		g, err := bold.NewNativeOutputWorkflow(cfg, bold.NativeOutputOptions{
			SinkOptions: bold.SinkOptions{OutputDir: "/out", BidsRoot: "/data/bids", Writer: w.write},
			BoldOutput:  true,
			EchoOutput:  true,
			Multiecho:   true,
			Metadata:    meta,
			EchoTimes:   []float64{0.012, 0.035},
		})
		require.NoError(t, err)
		runWorkflow(t, g, graph.Values{
			"source_files": []string{"/data/bids/sub-01/func/bold.nii.gz"},
			"bold":         "/work/bold_native.nii.gz",
			"bold_echos":   []string{"/work/echo1.nii.gz", "/work/echo2.nii.gz"},
			"t2star":       "/work/t2star.nii.gz",
		})

		// preproc bold + T2* map + one write per echo.
		require.Len(t, w.reqs, 4)
		var echoMetas []interface{}
		for _, req := range w.reqs {
			switch req.Entities["suffix"] {
			case "bold":
				if echo, ok := req.Entities["echo"]; ok {
					echoMetas = append(echoMetas, echo)
					assert.Contains(t, req.Meta, "EchoTime")
				} else {
					// Timing parameters attach to the combined series.
					assert.Equal(t, true, req.Meta["SliceTimingCorrected"])
					assert.Contains(t, req.Meta, "DelayTime")
				}
			case "T2starmap":
				assert.Equal(t, "s", req.Meta["Units"])
			}
		}
		assert.ElementsMatch(t, []interface{}{"1", "2"}, echoMetas)
	})

	t.Run("FlagCombosFinalize", func(t *testing.T) {
		t.Parallel()
		for _, flags := range []struct{ bold, echo, me bool }{
			{true, false, false}, {false, true, false},
			{true, true, true}, {true, false, true},
		} {
			g, err := bold.NewNativeOutputWorkflow(cfg, bold.NativeOutputOptions{
				SinkOptions: bold.SinkOptions{OutputDir: "/out", BidsRoot: "/data/bids"},
				BoldOutput:  flags.bold,
				EchoOutput:  flags.echo,
				Multiecho:   flags.me,
				Metadata:    meta,
				EchoTimes:   []float64{0.012, 0.035},
			})
			require.NoError(t, err)
			_, err = g.Finalize()
			require.NoError(t, err)
		}
	})
}

func TestVolumeOutputsWorkflow(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	w := &collectingWriter{}

	g, err := bold.NewVolumeOutputsWorkflow(cfg, bold.StubToolkit(), bold.VolumeOutputsOptions{
		SinkOptions: bold.SinkOptions{OutputDir: "/out", BidsRoot: "/data/bids", Writer: w.write},
		Multiecho:   true,
		Metadata:    map[string]interface{}{"RepetitionTime": 2.0},
	})
	require.NoError(t, err)
	rep := runWorkflow(t, g, graph.Values{
		"source_files":     []string{"/data/bids/sub-01/func/bold.nii.gz"},
		"bold":             "/work/bold.nii.gz",
		"boldref":          "/work/boldref.nii.gz",
		"bold_mask":        "/work/mask.nii.gz",
		"anat2std_xfm":     "/work/anat2std.h5",
		"boldref2anat_xfm": "/work/boldref2anat.txt",
		"t2star":           "/work/t2star.nii.gz",
	})

	// bold + boldref + mask + t2star.
	require.Len(t, w.reqs, 4)
	for _, req := range w.reqs {
		assert.Equal(t, "MNI152NLin2009cAsym", req.Entities["space"])
	}
	assert.Contains(t, rep.Outputs, "bold_std")
	assert.Contains(t, rep.Outputs, "t2star_std")
}

func TestReportWorkflows(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	opts := bold.SinkOptions{OutputDir: "/out", BidsRoot: "/data/bids"}

	t.Run("FitReportsSDCFlag", func(t *testing.T) {
		t.Parallel()
		build := func(sdc bool) *graph.Compiled {
			g, err := bold.NewFitReportsWorkflow(cfg, bold.StubToolkit(), bold.FitReportsOptions{
				SinkOptions:   opts,
				SDCCorrection: sdc,
			})
			require.NoError(t, err)
			c, err := g.Finalize()
			require.NoError(t, err)
			return c
		}
		with := build(true)
		without := build(false)
		assert.Equal(t, without.Len()+2, with.Len())
	})

	t.Run("PreprocReportRuns", func(t *testing.T) {
		t.Parallel()
		w := &collectingWriter{}
		o := opts
		o.Writer = w.write
		g, err := bold.NewPreprocReportWorkflow(cfg, bold.StubToolkit(), o)
		require.NoError(t, err)
		runWorkflow(t, g, graph.Values{
			"source_file": "/data/bids/sub-01/func/bold.nii.gz",
			"bold_pre":    "/work/bold_raw.nii.gz",
			"bold_post":   "/work/bold_preproc.nii.gz",
		})
		require.Len(t, w.reqs, 1)
		assert.Equal(t, "preproc", w.reqs[0].Entities["desc"])
	})
}
