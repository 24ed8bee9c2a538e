package interfaces

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boldflow/boldflow/pkg/graph"
)

func TestFunction(t *testing.T) {
	t.Parallel()

	t.Run("NilRejected", func(t *testing.T) {
		t.Parallel()
		_, err := NewFunction(nil, nil, nil)
		require.Error(t, err)
	})

	t.Run("RunsWithPorts", func(t *testing.T) {
		t.Parallel()
		f, err := NewFunction(
			graph.Ports{{Name: "x", Kind: graph.KindFloat}},
			graph.Ports{{Name: "y", Kind: graph.KindFloat}},
			func(_ context.Context, in graph.Values) (graph.Values, error) {
				return graph.Values{"y": in["x"].(float64) * 2}, nil
			})
		require.NoError(t, err)
		assert.Equal(t, "x", f.Inputs()[0].Name)

		out, err := f.Run(context.Background(), graph.Values{"x": 1.5})
		require.NoError(t, err)
		assert.Equal(t, 3.0, out["y"])
	})
}

func TestIdentityPassesThrough(t *testing.T) {
	t.Parallel()
	id := NewIdentityFields("bold", "mask")
	out, err := id.Run(context.Background(), graph.Values{"bold": "/d/b.nii", "extra": 1})
	require.NoError(t, err)
	assert.Equal(t, graph.Values{"bold": "/d/b.nii"}, out)
}

func TestMerge(t *testing.T) {
	t.Parallel()

	t.Run("WidthValidated", func(t *testing.T) {
		t.Parallel()
		_, err := NewMerge(0)
		require.Error(t, err)
	})

	t.Run("OrderedFanIn", func(t *testing.T) {
		t.Parallel()
		m, err := NewMerge(2)
		require.NoError(t, err)
		out, err := m.Run(context.Background(), graph.Values{"in1": "anat2std", "in2": "boldref2anat"})
		require.NoError(t, err)
		assert.Equal(t, []interface{}{"anat2std", "boldref2anat"}, out["out"])
	})

	t.Run("MissingInput", func(t *testing.T) {
		t.Parallel()
		m, err := NewMerge(2)
		require.NoError(t, err)
		_, err = m.Run(context.Background(), graph.Values{"in1": "x"})
		require.Error(t, err)
	})
}

func TestKeySelect(t *testing.T) {
	t.Parallel()
	ks, err := NewKeySelect("white", "pial")
	require.NoError(t, err)

	in := graph.Values{
		"key":   "R",
		"keys":  []string{"L", "R"},
		"white": []string{"lh.white", "rh.white"},
		"pial":  []interface{}{"lh.pial", "rh.pial"},
	}
	out, err := ks.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "rh.white", out["white"])
	assert.Equal(t, "rh.pial", out["pial"])

	t.Run("UnknownKey", func(t *testing.T) {
		t.Parallel()
		bad := graph.Values{"key": "X", "keys": []string{"L", "R"},
			"white": []string{"a", "b"}, "pial": []string{"a", "b"}}
		_, err := ks.Run(context.Background(), bad)
		require.Error(t, err)
	})

	t.Run("LengthMismatch", func(t *testing.T) {
		t.Parallel()
		bad := graph.Values{"key": "L", "keys": []string{"L", "R"},
			"white": []string{"a"}, "pial": []string{"a", "b"}}
		_, err := ks.Run(context.Background(), bad)
		require.Error(t, err)
	})
}

func TestRawSources(t *testing.T) {
	t.Parallel()
	rs, err := NewRawSources("/data/bids")
	require.NoError(t, err)

	out, err := rs.Run(context.Background(), graph.Values{
		"in_files": []string{
			"/data/bids/sub-01/func/sub-01_task-rest_bold.nii.gz",
			"/data/bids/sub-01/func/sub-01_task-rest_sbref.nii.gz",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"sub-01/func/sub-01_task-rest_bold.nii.gz",
		"sub-01/func/sub-01_task-rest_sbref.nii.gz",
	}, out["out"].([]string))
}

func TestDataSink(t *testing.T) {
	t.Parallel()

	t.Run("ComposesPath", func(t *testing.T) {
		t.Parallel()
		s, err := NewDataSink("/out", Entities{
			"desc": "preproc", "suffix": "bold", "extension": ".nii.gz", "echo": "1",
		}, WithDismiss("echo"))
		require.NoError(t, err)

		out, err := s.Run(context.Background(), graph.Values{"in_file": "/tmp/w/bold.nii.gz"})
		require.NoError(t, err)
		assert.Equal(t, "/out/desc-preproc_bold.nii.gz", out["out_file"])
	})

	t.Run("EntityPortOverrides", func(t *testing.T) {
		t.Parallel()
		s, err := NewDataSink("/out", Entities{"suffix": "bold", "extension": ".func.gii"},
			WithEntityPorts("space", "hemi"))
		require.NoError(t, err)

		out, err := s.Run(context.Background(), graph.Values{
			"in_file": "/tmp/w/lh.gii", "space": "fsaverage", "hemi": "L",
		})
		require.NoError(t, err)
		assert.Equal(t, "/out/space-fsaverage_hemi-L_bold.func.gii", out["out_file"])
	})

	t.Run("MetadataMergesAndTracksSources", func(t *testing.T) {
		t.Parallel()
		var got WriteRequest
		s, err := NewDataSink("/out", Entities{"suffix": "boldref"},
			WithStaticMeta(map[string]interface{}{"Type": "ref"}),
			WithWriter(func(_ context.Context, req WriteRequest) (string, error) {
				got = req
				return "/out/x", nil
			}))
		require.NoError(t, err)

		out, err := s.Run(context.Background(), graph.Values{
			"in_file":     "/tmp/ref.nii",
			"source_file": []string{"sub-01/func/bold.nii.gz"},
			"meta":        map[string]interface{}{"RepetitionTime": 2.0},
		})
		require.NoError(t, err)
		assert.Equal(t, "ref", got.Meta["Type"])
		assert.Equal(t, 2.0, got.Meta["RepetitionTime"])
		assert.Equal(t, []string{"sub-01/func/bold.nii.gz"}, got.Meta["Sources"])
		assert.Equal(t, got.Meta, out["out_meta"])
	})
}

func TestComposeName(t *testing.T) {
	t.Parallel()
	name := ComposeName(Entities{
		"desc": "hmc", "from": "orig", "to": "boldref",
		"suffix": "xfm", "extension": ".txt", "mode": "image",
	})
	assert.Equal(t, "from-orig_to-boldref_mode-image_desc-hmc_xfm.txt", name)
}

func TestCommandValidation(t *testing.T) {
	t.Parallel()

	t.Run("EmptyArgv", func(t *testing.T) {
		t.Parallel()
		_, err := NewCommand(CommandSpec{})
		require.Error(t, err)
	})

	t.Run("UndeclaredReference", func(t *testing.T) {
		t.Parallel()
		_, err := NewCommand(CommandSpec{
			Argv:   []string{"tool", "{nope}"},
			Inputs: graph.Ports{{Name: "in_file", Kind: graph.KindFile}},
		})
		require.Error(t, err)
	})

	t.Run("OutputNeedsTemplate", func(t *testing.T) {
		t.Parallel()
		_, err := NewCommand(CommandSpec{
			Argv:    []string{"tool"},
			Outputs: graph.Ports{{Name: "out_file", Kind: graph.KindFile}},
		})
		require.Error(t, err)
	})
}

func TestCommandRun(t *testing.T) {
	t.Parallel()

	t.Run("SubstitutesAndProducesOutputs", func(t *testing.T) {
		t.Parallel()
		c, err := NewCommand(CommandSpec{
			Argv:   []string{"true", "{in_file}"},
			Inputs: graph.Ports{{Name: "in_file", Kind: graph.KindFile}},
			Outputs: graph.Ports{
				{Name: "out_file", Kind: graph.KindFile},
			},
			OutputTemplates: map[string]string{"out_file": "{in_file}.out"},
		})
		require.NoError(t, err)

		out, err := c.Run(context.Background(), graph.Values{"in_file": "/tmp/b.nii"})
		require.NoError(t, err)
		assert.Equal(t, "/tmp/b.nii.out", out["out_file"])
	})

	t.Run("FailureCarriesDiagnostic", func(t *testing.T) {
		t.Parallel()
		c, err := NewCommand(CommandSpec{
			Argv: []string{"sh", "-c", "echo ribbon not found >&2; exit 3"},
		})
		require.NoError(t, err)

		_, err = c.Run(context.Background(), graph.Values{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ribbon not found")
	})
}

func TestValueString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a b", valueString([]string{"a", "b"}))
	assert.Equal(t, "1.5", valueString(1.5))
	assert.Equal(t, "3", valueString(3))
	assert.Equal(t, "true", valueString(true))
	assert.Equal(t, "x 2", valueString([]interface{}{"x", 2}))
}
