package bold

import (
	"math"
	"sort"

	"github.com/boldflow/boldflow/pkg/config"
)

// Relative and absolute tolerances for the TA-versus-TR closeness
// check.
const (
	timingRtol = 1e-5
	timingAtol = 1e-8
)

// DeriveTimingParameters converts acquisition timing metadata to
// post-realignment timing metadata. SliceTiming is invalid once
// slice-timing correction or realignment is applied, since a voxel
// matrix no longer corresponds to an acquisition slice; when a sparse
// paradigm is detected, DelayTime or AcquisitionDuration is derived to
// preserve the timing interpretation.
//
// RepetitionTime, VolumeTiming, DelayTime and AcquisitionDuration are
// copied through when present. SliceTiming is consumed, never copied.
// A SliceTiming of length 0 or 1 is treated as absent. The function is
// pure: cfg supplies the skip list and the slice-time reference
// fraction, and the same inputs always produce the same output.
func DeriveTimingParameters(meta map[string]interface{}, cfg config.Snapshot) map[string]interface{} {
	out := make(map[string]interface{})
	for _, key := range []string{"RepetitionTime", "VolumeTiming", "DelayTime", "AcquisitionDuration"} {
		if v, ok := meta[key]; ok {
			out[key] = v
		}
	}

	sliceTiming := floatSlice(meta["SliceTiming"])
	runSTC := len(sliceTiming) > 1 && !cfg.Ignored(config.StepSliceTiming)
	out["SliceTimingCorrected"] = runSTC

	if len(sliceTiming) > 1 {
		st := append([]float64(nil), sliceTiming...)
		sort.Float64s(st)
		// Final slice onset plus one slice's duration, spacing estimated
		// from the two earliest onsets.
		ta := st[len(st)-1] + (st[1] - st[0])

		if rt, ok := out["RepetitionTime"]; ok {
			// Constant-TR paradigms express the gap as DelayTime.
			tr, _ := asFloat(rt)
			if !isClose(tr, ta) && ta < tr {
				out["DelayTime"] = tr - ta
			}
		} else if _, ok := out["VolumeTiming"]; ok {
			// Variable-TR paradigms carry TA as AcquisitionDuration.
			out["AcquisitionDuration"] = ta
		}

		if runSTC {
			first, last := st[0], st[len(st)-1]
			out["StartTime"] = round3(first + cfg.SliceTimeRef*(last-first))
		}
	}
	return out
}

// isClose reports numeric equality under the usual relative/absolute
// tolerance rule: |a-b| <= atol + rtol*|b|.
func isClose(a, b float64) bool {
	return math.Abs(a-b) <= timingAtol+timingRtol*math.Abs(b)
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}

// floatSlice widens a metadata sequence to []float64; non-sequences and
// non-numeric entries yield nil.
func floatSlice(v interface{}) []float64 {
	switch x := v.(type) {
	case []float64:
		return x
	case []interface{}:
		out := make([]float64, len(x))
		for i, e := range x {
			f, ok := asFloat(e)
			if !ok {
				return nil
			}
			out[i] = f
		}
		return out
	case []int:
		out := make([]float64, len(x))
		for i, e := range x {
			out[i] = float64(e)
		}
		return out
	}
	return nil
}
