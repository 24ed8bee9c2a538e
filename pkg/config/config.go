// Package config holds the immutable settings snapshot threaded through
// workflow construction. Builders receive a Snapshot value explicitly;
// nothing reads configuration lazily during execution.
package config

import (
	"os"
	"runtime"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Correction step names accepted in the ignore list.
const (
	StepSliceTiming = "slicetiming"
	StepFieldmaps   = "fieldmaps"
	StepSBRef       = "sbref"
)

// Snapshot is the read-only configuration captured once, before graph
// construction. Copy it by value; the slice fields are never mutated
// after Load.
type Snapshot struct {
	// Ignore lists correction steps to skip, e.g. "slicetiming"
	Ignore []string `yaml:"ignore"`
	// SliceTimeRef is the slice-timing reference fraction in [0, 1]
	SliceTimeRef float64 `yaml:"slice_time_ref"`

	// OutputSpaces lists the surface spaces sampled outputs target
	OutputSpaces []string `yaml:"output_spaces"`
	// CiftiDensity selects the grayordinate density, "91k" or "170k"
	CiftiDensity string `yaml:"cifti_density"`

	// GoodvoxelsUpperFactor and GoodvoxelsLowerFactor scale the ribbon
	// coefficient-of-variation statistics when thresholding the
	// goodvoxels mask. The 0.5 defaults come from the HCP pipelines and
	// have no documented derivation.
	GoodvoxelsUpperFactor float64 `yaml:"goodvoxels_upper_factor"`
	GoodvoxelsLowerFactor float64 `yaml:"goodvoxels_lower_factor"`

	// NThreads and MemoryGB bound the run's resource budget
	NThreads int     `yaml:"nthreads"`
	MemoryGB float64 `yaml:"memory_gb"`
}

// Default returns the snapshot used when no file overrides anything.
func Default() Snapshot {
	return Snapshot{
		SliceTimeRef:          0.5,
		OutputSpaces:          []string{"fsaverage"},
		CiftiDensity:          "91k",
		GoodvoxelsUpperFactor: 0.5,
		GoodvoxelsLowerFactor: 0.5,
		NThreads:              runtime.NumCPU(),
		MemoryGB:              16,
	}
}

// Load reads a YAML settings file over the defaults and validates the
// result.
func Load(path string) (Snapshot, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, pkgerrors.Wrapf(err, "config: read '%s'", path)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Snapshot{}, pkgerrors.Wrapf(err, "config: parse '%s'", path)
	}
	if err := s.Validate(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Validate checks the snapshot's value ranges.
func (s Snapshot) Validate() error {
	if s.SliceTimeRef < 0 || s.SliceTimeRef > 1 {
		return pkgerrors.Errorf("config: slice_time_ref must be in [0, 1], got %g", s.SliceTimeRef)
	}
	switch s.CiftiDensity {
	case "91k", "170k":
	default:
		return pkgerrors.Errorf("config: cifti_density must be 91k or 170k, got '%s'", s.CiftiDensity)
	}
	if s.GoodvoxelsUpperFactor < 0 || s.GoodvoxelsLowerFactor < 0 {
		return pkgerrors.New("config: goodvoxels threshold factors must not be negative")
	}
	if s.NThreads < 1 {
		return pkgerrors.Errorf("config: nthreads must be positive, got %d", s.NThreads)
	}
	if s.MemoryGB <= 0 {
		return pkgerrors.Errorf("config: memory_gb must be positive, got %g", s.MemoryGB)
	}
	return nil
}

// Ignored reports whether the named correction step is in the skip
// list.
func (s Snapshot) Ignored(step string) bool {
	for _, ig := range s.Ignore {
		if ig == step {
			return true
		}
	}
	return false
}
