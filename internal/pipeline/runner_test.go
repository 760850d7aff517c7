package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Jbsco/ap-toolkit/internal/config"
	"github.com/Jbsco/ap-toolkit/internal/sequence"
	"github.com/Jbsco/ap-toolkit/internal/siril"
)

const testManifest = `S 'r_bkg_pp_light' 1 5 5 0 3 4
I 1 1
I 2 1
I 3 1
I 4 1
I 5 1
R0 1 2.000 2.100 0.900 0.500 12.0 150
R0 2 2.100 2.200 0.880 0.480 11.5 145
R0 3 2.050 2.150 0.910 0.510 12.1 152
R0 4 8.500 8.900 0.400 0.100 30.0 20
R0 5 2.200 2.300 0.890 0.490 11.8 148
`

// stubEngine simulates the external engine by dropping the artifacts
// each phase would produce into the work directory.
type stubEngine struct {
	manifest       string
	failPreprocess map[string]bool // keyed by work dir base name
	failStack      map[string]bool
	preprocessRuns int
	stackRuns      int
}

func (e *stubEngine) Run(ctx context.Context, workDir, scriptPath string) (string, error) {
	switch filepath.Base(scriptPath) {
	case siril.PreprocessName:
		e.preprocessRuns++
		if e.failPreprocess[filepath.Base(workDir)] {
			return "", errors.New("registration diverged")
		}
		manifest := e.manifest
		if manifest == "" {
			manifest = testManifest
		}
		return "", os.WriteFile(filepath.Join(workDir, siril.ManifestName), []byte(manifest), 0o644)
	case siril.StackName:
		e.stackRuns++
		if e.failStack[filepath.Base(workDir)] {
			return "", errors.New("stacking failed")
		}
		return "", os.WriteFile(filepath.Join(workDir, siril.ResultName), []byte("FITS"), 0o644)
	}
	return "", fmt.Errorf("unexpected script %s", scriptPath)
}

func makeSequenceDir(t *testing.T, root, name string, lights int) string {
	t.Helper()
	dir := filepath.Join(root, name)
	for _, sub := range []string{sequence.LightDirName, sequence.DarkDirName, sequence.FlatDirName} {
		subDir := filepath.Join(dir, sub)
		if err := os.MkdirAll(subDir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		n := 3
		if sub == sequence.LightDirName {
			n = lights
		}
		for i := 0; i < n; i++ {
			path := filepath.Join(subDir, fmt.Sprintf("frame_%d.fit", i))
			if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
				t.Fatalf("write frame: %v", err)
			}
		}
	}
	return dir
}

func newTestRunner(engine Engine) *Runner {
	return NewRunner(slog.Default(), config.Default(), engine, nil)
}

func defaultOptions() Options {
	return Options{FWHMSigma: 2.0, StarSigma: 2.0, RoundSigma: 1.5, StartPhase: PhasePreprocess}
}

func TestRunnerProcessesSequenceEndToEnd(t *testing.T) {
	root := t.TempDir()
	makeSequenceDir(t, root, "m31", 5)

	engine := &stubEngine{}
	runner := newTestRunner(engine)

	resCh, unsub := runner.Subscribe()
	defer unsub()

	summary, err := runner.Run(context.Background(), root, defaultOptions())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if summary.Found != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	res := summary.Results[0]
	if res.Status != "completed" || res.FramesTotal != 5 || res.FramesSelected != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}

	workDir := filepath.Join(root, "process_m31")
	data, err := os.ReadFile(filepath.Join(workDir, siril.ManifestName))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	manifest := string(data)
	if !strings.Contains(manifest, "I 4 0") {
		t.Fatalf("outlier frame not deselected:\n%s", manifest)
	}
	if !strings.Contains(manifest, "S 'r_bkg_pp_light' 1 5 4 0 3 4") {
		t.Fatalf("header selected count not updated:\n%s", manifest)
	}

	for _, name := range []string{StatsName, ThresholdsName, siril.ResultName, siril.PreprocessName, siril.StackName} {
		if _, err := os.Stat(filepath.Join(workDir, name)); err != nil {
			t.Fatalf("missing artifact %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(workDir, lockName)); err == nil {
		t.Fatalf("lock file not released")
	}

	broadcast := <-resCh
	if broadcast.Sequence.Name != "m31" || broadcast.Status != "completed" {
		t.Fatalf("unexpected broadcast result: %+v", broadcast)
	}
}

func TestRunnerIsolatesPerSequenceFailures(t *testing.T) {
	root := t.TempDir()
	makeSequenceDir(t, root, "bad", 5)
	makeSequenceDir(t, root, "good", 5)

	engine := &stubEngine{failPreprocess: map[string]bool{"process_bad": true}}
	runner := newTestRunner(engine)

	summary, err := runner.Run(context.Background(), root, defaultOptions())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if summary.Found != 2 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	failed := summary.FailedSequences()
	if len(failed) != 1 || failed[0] != "bad" {
		t.Fatalf("unexpected failed list: %v", failed)
	}

	// the good sequence must still be stacked
	if _, err := os.Stat(filepath.Join(root, "process_good", siril.ResultName)); err != nil {
		t.Fatalf("good sequence not completed: %v", err)
	}
}

func TestRunnerResumeAtStackRequiresManifest(t *testing.T) {
	root := t.TempDir()
	makeSequenceDir(t, root, "m31", 5)

	engine := &stubEngine{}
	runner := newTestRunner(engine)

	opts := defaultOptions()
	opts.StartPhase = PhaseStack

	summary, err := runner.Run(context.Background(), root, opts)
	if err != nil {
		t.Fatalf("expected nil run error, got %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("expected sequence failure, got %+v", summary)
	}
	res := summary.Results[0]
	if res.Error == nil || !strings.Contains(res.Error.Error(), "cannot resume") {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if engine.preprocessRuns != 0 || engine.stackRuns != 0 {
		t.Fatalf("engine should not run without registration output")
	}
}

func TestRunnerResumeAtFilterSkipsPreprocess(t *testing.T) {
	root := t.TempDir()
	makeSequenceDir(t, root, "m31", 5)

	workDir := filepath.Join(root, "process_m31")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, siril.ManifestName), []byte(testManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	engine := &stubEngine{}
	runner := newTestRunner(engine)

	opts := defaultOptions()
	opts.StartPhase = PhaseFilter

	summary, err := runner.Run(context.Background(), root, opts)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if summary.Failed != 0 {
		t.Fatalf("unexpected failure: %+v", summary.Results[0].Error)
	}
	if engine.preprocessRuns != 0 {
		t.Fatalf("preprocess should be skipped at step 2, ran %d times", engine.preprocessRuns)
	}
	if engine.stackRuns != 1 {
		t.Fatalf("expected one stack run, got %d", engine.stackRuns)
	}
}

func TestRunnerResumeAtFilterDegradesWithoutManifest(t *testing.T) {
	root := t.TempDir()
	makeSequenceDir(t, root, "m31", 5)

	engine := &stubEngine{}
	runner := newTestRunner(engine)

	opts := defaultOptions()
	opts.StartPhase = PhaseFilter

	summary, err := runner.Run(context.Background(), root, opts)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	// missing manifest at phase 2 is a degraded condition, not a failure
	if summary.Failed != 0 {
		t.Fatalf("unexpected failure: %+v", summary.Results[0].Error)
	}
	if engine.preprocessRuns != 0 {
		t.Fatalf("preprocess should not run at step 2")
	}
	if engine.stackRuns != 1 {
		t.Fatalf("expected stacking to proceed unfiltered, got %d runs", engine.stackRuns)
	}
}

func TestRunnerNoFilterKeepsAllFrames(t *testing.T) {
	root := t.TempDir()
	makeSequenceDir(t, root, "m31", 5)

	runner := newTestRunner(&stubEngine{})

	opts := defaultOptions()
	opts.NoFilter = true

	summary, err := runner.Run(context.Background(), root, opts)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	res := summary.Results[0]
	if res.FramesSelected != 5 {
		t.Fatalf("expected all frames kept, got %d", res.FramesSelected)
	}

	workDir := filepath.Join(root, "process_m31")
	data, _ := os.ReadFile(filepath.Join(workDir, siril.ManifestName))
	if strings.Contains(string(data), "I 4 0") {
		t.Fatalf("no-filter mode deselected a frame:\n%s", data)
	}
	if _, err := os.Stat(filepath.Join(workDir, ThresholdsName)); err == nil {
		t.Fatalf("thresholds written despite no-filter mode")
	}
}

func TestRunnerFallsBackToSelectAllWithOneFrame(t *testing.T) {
	root := t.TempDir()
	makeSequenceDir(t, root, "single", 1)

	engine := &stubEngine{
		manifest: "S 'r_bkg_pp_light' 1 1 1 0 1 4\nI 1 1\nR0 1 2.0 2.1 0.9 0.5 12.0 150\n",
	}
	runner := newTestRunner(engine)

	summary, err := runner.Run(context.Background(), root, defaultOptions())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	res := summary.Results[0]
	if res.Status != "completed" || res.FramesSelected != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunnerRefusesLockedWorkDir(t *testing.T) {
	root := t.TempDir()
	makeSequenceDir(t, root, "m31", 5)

	workDir := filepath.Join(root, "process_m31")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, lockName), []byte("123\n"), 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}

	runner := newTestRunner(&stubEngine{})
	summary, err := runner.Run(context.Background(), root, defaultOptions())
	if err != nil {
		t.Fatalf("expected nil run error, got %v", err)
	}
	res := summary.Results[0]
	if res.Error == nil || !strings.Contains(res.Error.Error(), "locked") {
		t.Fatalf("expected lock error, got %v", res.Error)
	}
}

func TestProbePhases(t *testing.T) {
	workDir := t.TempDir()

	states := ProbePhases(workDir)
	for phase := PhasePreprocess; phase <= PhaseStack; phase++ {
		if states[phase] != StateNotStarted {
			t.Fatalf("phase %d: expected not_started, got %s", phase, states[phase])
		}
	}

	if err := os.WriteFile(filepath.Join(workDir, siril.ManifestName), []byte(testManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, StatsName), []byte("image\n"), 0o644); err != nil {
		t.Fatalf("write stats: %v", err)
	}

	states = ProbePhases(workDir)
	if states[PhasePreprocess] != StateComplete || states[PhaseFilter] != StateComplete {
		t.Fatalf("unexpected states: %v", states)
	}
	if states[PhaseStack] != StateNotStarted {
		t.Fatalf("stack phase should be not_started: %v", states)
	}
}

func TestRunnerErrorsWhenNoSequencesFound(t *testing.T) {
	runner := newTestRunner(&stubEngine{})
	if _, err := runner.Run(context.Background(), t.TempDir(), defaultOptions()); err == nil {
		t.Fatalf("expected error for empty data path")
	}
}
