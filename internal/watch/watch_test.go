package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Jbsco/ap-toolkit/internal/config"
	"github.com/Jbsco/ap-toolkit/internal/pipeline"
	"github.com/Jbsco/ap-toolkit/internal/sequence"
	"github.com/Jbsco/ap-toolkit/internal/siril"
)

const testManifest = `S 'r_bkg_pp_light' 1 3 3 0 2 4
I 1 1
I 2 1
I 3 1
R0 1 2.000 2.100 0.900 0.500 12.0 150
R0 2 2.100 2.200 0.880 0.480 11.5 145
R0 3 2.050 2.150 0.910 0.510 12.1 152
`

type stubEngine struct{}

func (stubEngine) Run(ctx context.Context, workDir, scriptPath string) (string, error) {
	switch filepath.Base(scriptPath) {
	case siril.PreprocessName:
		return "", os.WriteFile(filepath.Join(workDir, siril.ManifestName), []byte(testManifest), 0o644)
	case siril.StackName:
		return "", os.WriteFile(filepath.Join(workDir, siril.ResultName), []byte("FITS"), 0o644)
	}
	return "", fmt.Errorf("unexpected script %s", scriptPath)
}

func makeSequenceDir(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	for _, sub := range []string{sequence.LightDirName, sequence.DarkDirName, sequence.FlatDirName} {
		subDir := filepath.Join(dir, sub)
		if err := os.MkdirAll(subDir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		for i := 0; i < 3; i++ {
			path := filepath.Join(subDir, fmt.Sprintf("frame_%d.fit", i))
			if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
				t.Fatalf("write frame: %v", err)
			}
		}
	}
	return dir
}

func newTestWatcher(t *testing.T, root string, settle time.Duration) *Watcher {
	t.Helper()
	runner := pipeline.NewRunner(slog.Default(), config.Default(), stubEngine{}, nil)
	opts := pipeline.Options{FWHMSigma: 2, StarSigma: 2, RoundSigma: 1.5, StartPhase: pipeline.PhasePreprocess}
	w, err := New(root, settle, runner, opts, slog.Default())
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	t.Cleanup(func() { w.watcher.Close() })
	return w
}

func TestHandleEventMarksOwningSequencePending(t *testing.T) {
	root := t.TempDir()
	seqDir := makeSequenceDir(t, root, "m31")
	w := newTestWatcher(t, root, time.Minute)

	framePath := filepath.Join(seqDir, sequence.LightDirName, "frame_9.fit")
	w.handleEvent(fsnotify.Event{Name: framePath, Op: fsnotify.Create})

	w.mu.Lock()
	_, pending := w.pending[seqDir]
	w.mu.Unlock()
	if !pending {
		t.Fatalf("sequence dir not marked pending: %v", w.pending)
	}
}

func TestHandleEventIgnoresNonFrameFiles(t *testing.T) {
	root := t.TempDir()
	seqDir := makeSequenceDir(t, root, "m31")
	w := newTestWatcher(t, root, time.Minute)

	w.handleEvent(fsnotify.Event{
		Name: filepath.Join(seqDir, sequence.LightDirName, "notes.txt"),
		Op:   fsnotify.Write,
	})

	w.mu.Lock()
	n := len(w.pending)
	w.mu.Unlock()
	if n != 0 {
		t.Fatalf("non-frame file marked a sequence pending: %v", w.pending)
	}
}

func TestDrainSettledWaitsForQuietPeriod(t *testing.T) {
	root := t.TempDir()
	seqDir := makeSequenceDir(t, root, "m31")
	w := newTestWatcher(t, root, time.Hour)

	w.mu.Lock()
	w.pending[seqDir] = time.Now()
	w.mu.Unlock()

	w.drainSettled(context.Background())

	w.mu.Lock()
	_, still := w.pending[seqDir]
	w.mu.Unlock()
	if !still {
		t.Fatalf("sequence drained before settle period elapsed")
	}
}

func TestDrainSettledRunsBatch(t *testing.T) {
	root := t.TempDir()
	seqDir := makeSequenceDir(t, root, "m31")
	w := newTestWatcher(t, root, 0)

	w.mu.Lock()
	w.pending[seqDir] = time.Now().Add(-time.Second)
	w.mu.Unlock()

	w.drainSettled(context.Background())

	w.mu.Lock()
	_, still := w.pending[seqDir]
	w.mu.Unlock()
	if still {
		t.Fatalf("settled sequence not drained")
	}

	result := filepath.Join(root, "process_m31", siril.ResultName)
	if _, err := os.Stat(result); err != nil {
		t.Fatalf("watch-triggered run produced no result: %v", err)
	}
}
