package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	t.Parallel()
	s := Default()
	require.NoError(t, s.Validate())
	assert.Equal(t, 0.5, s.SliceTimeRef)
	assert.Equal(t, "91k", s.CiftiDensity)
	assert.Equal(t, 0.5, s.GoodvoxelsUpperFactor)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ignore: [slicetiming]
slice_time_ref: 0.25
cifti_density: 170k
output_spaces: [fsaverage, fsnative]
`), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.True(t, s.Ignored(StepSliceTiming))
	assert.False(t, s.Ignored(StepFieldmaps))
	assert.Equal(t, 0.25, s.SliceTimeRef)
	assert.Equal(t, "170k", s.CiftiDensity)
	assert.Equal(t, []string{"fsaverage", "fsnative"}, s.OutputSpaces)
	// Defaults survive where the file is silent.
	assert.Equal(t, 0.5, s.GoodvoxelsUpperFactor)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	t.Run("MissingFile", func(t *testing.T) {
		t.Parallel()
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("BadYAML", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "settings.yaml")
		require.NoError(t, os.WriteFile(path, []byte("ignore: ["), 0o644))
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("RangeChecks", func(t *testing.T) {
		t.Parallel()
		for name, mutate := range map[string]func(*Snapshot){
			"SliceTimeRefHigh": func(s *Snapshot) { s.SliceTimeRef = 1.5 },
			"SliceTimeRefLow":  func(s *Snapshot) { s.SliceTimeRef = -0.1 },
			"BadDensity":       func(s *Snapshot) { s.CiftiDensity = "64k" },
			"NegativeFactor":   func(s *Snapshot) { s.GoodvoxelsLowerFactor = -1 },
			"ZeroThreads":      func(s *Snapshot) { s.NThreads = 0 },
			"ZeroMemory":       func(s *Snapshot) { s.MemoryGB = 0 },
		} {
			s := Default()
			mutate(&s)
			require.Error(t, s.Validate(), name)
		}
	})
}
