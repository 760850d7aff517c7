package quality

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// ErrInsufficientRecords is returned when fewer than two usable
// records exist and a sample standard deviation is undefined.
var ErrInsufficientRecords = errors.New("need at least 2 quality records to compute thresholds")

// Record holds the registration metrics for one light frame.
type Record struct {
	Index     int     // 1-based frame index, matches the engine's numbering
	FWHM      float64 // focus sharpness, lower is better
	Stars     int     // detected star count
	Roundness float64 // star roundness, higher is better
}

// Thresholds are the sigma-derived acceptance bounds for one sequence.
type Thresholds struct {
	FWHMMax  float64 `json:"fwhm_max"`
	StarMin  float64 `json:"star_min"`
	RoundMin float64 `json:"round_min"`
}

// Include reports whether a record passes all three bounds.
func (t Thresholds) Include(r Record) bool {
	return r.FWHM <= t.FWHMMax &&
		float64(r.Stars) >= t.StarMin &&
		r.Roundness >= t.RoundMin
}

// Stats summarizes a selection pass.
type Stats struct {
	Passing int
	Total   int
}

// Percent returns the passing share as a percentage.
func (s Stats) Percent() float64 {
	if s.Total == 0 {
		return 0
	}
	return 100 * float64(s.Passing) / float64(s.Total)
}

// ComputeThresholds derives acceptance bounds from the records using
// mean +/- sigma * sample standard deviation. FWHM is an upper bound,
// star count and roundness are lower bounds.
func ComputeThresholds(records []Record, fwhmSigma, starSigma, roundSigma float64) (Thresholds, error) {
	if len(records) < 2 {
		return Thresholds{}, ErrInsufficientRecords
	}

	fwhm := make([]float64, len(records))
	stars := make([]float64, len(records))
	round := make([]float64, len(records))
	for i, r := range records {
		fwhm[i] = r.FWHM
		stars[i] = float64(r.Stars)
		round[i] = r.Roundness
	}

	fwhmMean, fwhmStd := meanStdDev(fwhm)
	starMean, starStd := meanStdDev(stars)
	roundMean, roundStd := meanStdDev(round)

	return Thresholds{
		FWHMMax:  fwhmMean + fwhmSigma*fwhmStd,
		StarMin:  starMean - starSigma*starStd,
		RoundMin: roundMean - roundSigma*roundStd,
	}, nil
}

// Select applies thresholds to the records and returns the set of
// included frame indices together with selection statistics.
func Select(records []Record, th Thresholds) (map[int]bool, Stats) {
	included := make(map[int]bool, len(records))
	stats := Stats{Total: len(records)}
	for _, r := range records {
		ok := th.Include(r)
		included[r.Index] = ok
		if ok {
			stats.Passing++
		}
	}
	return included, stats
}

// SelectAll marks every record included, the degraded no-filter mode.
func SelectAll(records []Record) (map[int]bool, Stats) {
	included := make(map[int]bool, len(records))
	for _, r := range records {
		included[r.Index] = true
	}
	return included, Stats{Passing: len(records), Total: len(records)}
}

// WriteStats writes the per-frame metric table as tab-separated text.
func WriteStats(path string, records []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("image\tfwhm\tstars\troundness\n")
	for _, r := range records {
		fmt.Fprintf(&b, "%d\t%.3f\t%d\t%.3f\n", r.Index, r.FWHM, r.Stars, r.Roundness)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// meanStdDev returns the mean and sample (n-1) standard deviation.
func meanStdDev(values []float64) (float64, float64) {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	if len(values) < 2 {
		return mean, 0
	}
	sumSquaredDiff := 0.0
	for _, v := range values {
		diff := v - mean
		sumSquaredDiff += diff * diff
	}
	variance := sumSquaredDiff / float64(len(values)-1)
	return mean, math.Sqrt(variance)
}
