package siril

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Jbsco/ap-toolkit/internal/sequence"
)

// ScriptOptions parameterize job script generation.
type ScriptOptions struct {
	MaxStars         int     // registration star detection cap
	MinPairs         int     // minimum matched pairs for a frame to register
	RejectSigmaLow   float64 // rejection stacking sigma, low side
	RejectSigmaHigh  float64 // rejection stacking sigma, high side
	BackgroundSample int     // background extraction sample grid size
	BackgroundTol    float64
	BackgroundSmooth float64
	ReferenceFrame   int // 1-based index of the registration reference
}

// PreprocessScript builds the phase-1 job script: master dark, master
// flat, light calibration, background extraction and registration.
func PreprocessScript(seq sequence.Sequence, workDir string, opts ScriptOptions) string {
	var b strings.Builder
	b.WriteString("requires 1.2.0\n\n")

	fmt.Fprintf(&b, "cd %s\n", seq.DarkDir())
	fmt.Fprintf(&b, "convert dark -out=%s\n", workDir)
	fmt.Fprintf(&b, "cd %s\n", workDir)
	fmt.Fprintf(&b, "stack dark rej %g %g -nonorm -out=dark_stacked\n\n",
		opts.RejectSigmaLow, opts.RejectSigmaHigh)

	fmt.Fprintf(&b, "cd %s\n", seq.FlatDir())
	fmt.Fprintf(&b, "convert flat -out=%s\n", workDir)
	fmt.Fprintf(&b, "cd %s\n", workDir)
	fmt.Fprintf(&b, "stack flat rej %g %g -norm=mul -out=flat_stacked\n\n",
		opts.RejectSigmaLow, opts.RejectSigmaHigh)

	fmt.Fprintf(&b, "cd %s\n", seq.LightDir())
	fmt.Fprintf(&b, "convert light -out=%s\n", workDir)
	fmt.Fprintf(&b, "cd %s\n", workDir)
	b.WriteString("calibrate light -dark=dark_stacked -flat=flat_stacked -cc=dark\n")
	fmt.Fprintf(&b, "seqsubsky pp_light 1 -samples=%d -tolerance=%g -smooth=%g\n",
		opts.BackgroundSample, opts.BackgroundTol, opts.BackgroundSmooth)
	fmt.Fprintf(&b, "setref bkg_pp_light %d\n", opts.ReferenceFrame)
	fmt.Fprintf(&b, "register bkg_pp_light -transf=homography -maxstars=%d -minpairs=%d\n",
		opts.MaxStars, opts.MinPairs)

	return b.String()
}

// StackScript builds the phase-3 job script: winsorized sigma-clipped
// mean of the included registered frames with additive normalization
// and inverse-FWHM weighting.
func StackScript(workDir string, opts ScriptOptions) string {
	var b strings.Builder
	b.WriteString("requires 1.2.0\n\n")
	fmt.Fprintf(&b, "cd %s\n", workDir)
	fmt.Fprintf(&b, "stack %s rej w %g %g -norm=add -weight=wfwhm -filter-included -out=%s\n",
		RegisteredSeq, opts.RejectSigmaLow, opts.RejectSigmaHigh,
		strings.TrimSuffix(ResultName, filepath.Ext(ResultName)))
	return b.String()
}

// WriteScript writes a generated script into the work directory and
// returns its path.
func WriteScript(workDir, name, content string) (string, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work directory: %v", err)
	}
	path := filepath.Join(workDir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write job script: %v", err)
	}
	return path, nil
}
