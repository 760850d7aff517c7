// Package pipeline orchestrates batch processing of capture sequences:
// scanning, per-sequence work directories, the three engine phases,
// quality filtering, and result bookkeeping.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"log/slog"

	"github.com/Jbsco/ap-toolkit/internal/config"
	"github.com/Jbsco/ap-toolkit/internal/logging"
	"github.com/Jbsco/ap-toolkit/internal/quality"
	"github.com/Jbsco/ap-toolkit/internal/sequence"
	"github.com/Jbsco/ap-toolkit/internal/siril"
	"github.com/Jbsco/ap-toolkit/internal/storage"
)

// Processing phases. A run may start at a later phase to resume work
// whose earlier artifacts already exist on disk.
const (
	PhasePreprocess = 1
	PhaseFilter     = 2
	PhaseStack      = 3
)

// Artifact names the pipeline itself writes into a work directory.
const (
	StatsName      = "quality_stats.tsv"
	ThresholdsName = "thresholds.json"
	lockName       = ".lock"
)

// PhaseState describes what a phase has left on disk in a work
// directory.
type PhaseState string

const (
	StateNotStarted PhaseState = "not_started"
	StateResumed    PhaseState = "resumed"
	StateComplete   PhaseState = "complete"
)

// ProbePhases inspects a work directory and reports the on-disk state
// of each phase: the registration manifest for phase 1, the quality
// artifacts for phase 2, the stacked result for phase 3.
func ProbePhases(workDir string) map[int]PhaseState {
	states := map[int]PhaseState{
		PhasePreprocess: StateNotStarted,
		PhaseFilter:     StateNotStarted,
		PhaseStack:      StateNotStarted,
	}
	if _, err := os.Stat(filepath.Join(workDir, siril.ManifestName)); err == nil {
		states[PhasePreprocess] = StateComplete
	}
	if _, err := os.Stat(filepath.Join(workDir, StatsName)); err == nil {
		states[PhaseFilter] = StateComplete
	}
	if _, err := os.Stat(filepath.Join(workDir, siril.ResultName)); err == nil {
		states[PhaseStack] = StateComplete
	}
	return states
}

// Engine abstracts the external stacking engine so tests can stub it.
type Engine interface {
	Run(ctx context.Context, workDir, scriptPath string) (string, error)
}

// Options control a single batch run.
type Options struct {
	FWHMSigma  float64
	StarSigma  float64
	RoundSigma float64
	NoFilter   bool
	StartPhase int // 1..3, default 1
	RunID      string
}

// SequenceResult is the outcome of processing one sequence.
type SequenceResult struct {
	Sequence       sequence.Sequence
	Status         string // completed, failed
	Phase          int    // phase reached; on failure, the phase that failed
	FramesTotal    int
	FramesSelected int
	Duration       time.Duration
	Error          error
}

// Summary aggregates a whole batch run.
type Summary struct {
	RunID   string
	Found   int
	Failed  int
	Results []SequenceResult
}

// FailedSequences returns the names of sequences that did not complete.
func (s Summary) FailedSequences() []string {
	var names []string
	for _, r := range s.Results {
		if r.Status == "failed" {
			names = append(names, r.Sequence.Name)
		}
	}
	return names
}

// Runner drives batch runs over a data directory.
type Runner struct {
	log    *slog.Logger
	cfg    *config.Config
	engine Engine
	store  *storage.Store

	mu        sync.Mutex
	subs      map[int]chan SequenceResult
	nextSubID int
}

// NewRunner creates a batch runner. store may be nil when run history
// persistence is disabled.
func NewRunner(logger *slog.Logger, cfg *config.Config, engine Engine, store *storage.Store) *Runner {
	return &Runner{
		log:    logger,
		cfg:    cfg,
		engine: engine,
		store:  store,
		subs:   make(map[int]chan SequenceResult),
	}
}

// Subscribe returns a channel receiving per-sequence results and an
// unsubscribe function.
func (r *Runner) Subscribe() (<-chan SequenceResult, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	ch := make(chan SequenceResult, 8)
	r.subs[id] = ch
	unsub := func() {
		r.mu.Lock()
		if c, ok := r.subs[id]; ok {
			close(c)
			delete(r.subs, id)
		}
		r.mu.Unlock()
	}
	return ch, unsub
}

func (r *Runner) broadcast(res SequenceResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- res:
		default:
			r.log.Warn("result channel full", "subscriber", id, "sequence", res.Sequence.Name)
		}
	}
}

// Run scans dataPath for sequences and processes each in turn. A
// failing sequence is reported and skipped; the run continues with the
// rest. The returned error is non-nil only when the run as a whole
// could not proceed.
func (r *Runner) Run(ctx context.Context, dataPath string, opts Options) (Summary, error) {
	if opts.StartPhase < PhasePreprocess || opts.StartPhase > PhaseStack {
		opts.StartPhase = PhasePreprocess
	}
	if opts.RunID == "" {
		opts.RunID = fmt.Sprintf("batch-%d", time.Now().UnixNano())
	}

	seqs, err := sequence.Find(dataPath)
	if err != nil {
		return Summary{}, err
	}
	if len(seqs) == 0 {
		return Summary{}, fmt.Errorf("no sequences found under %s", dataPath)
	}

	if r.store != nil {
		_ = r.store.RecordRunStart(storage.RunRecord{
			ID:         opts.RunID,
			DataPath:   dataPath,
			StartPhase: opts.StartPhase,
			NoFilter:   opts.NoFilter,
		})
	}

	summary := Summary{RunID: opts.RunID, Found: len(seqs)}
	r.log.Info("batch run started",
		"run_id", opts.RunID,
		"data_path", dataPath,
		"sequences", len(seqs),
		"start_phase", opts.StartPhase,
	)

	for _, seq := range seqs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		for _, w := range seq.Warnings {
			r.log.Warn("sequence warning", "sequence", seq.Name, "warning", w)
		}

		start := time.Now()
		logging.LogSequenceStart(r.log, seq.Name, seq.WorkDir(), opts.StartPhase)

		res := r.processSequence(ctx, seq, opts)
		res.Duration = time.Since(start)

		if res.Error != nil {
			res.Status = "failed"
			summary.Failed++
			logging.LogSequenceError(r.log, seq.Name, res.Phase, res.Duration, res.Error)
			fmt.Printf("FAILED: %s\n", seq.Name)
		} else {
			res.Status = "completed"
			logging.LogSequenceComplete(r.log, seq.Name, res.Duration, map[string]any{
				"frames_total":    res.FramesTotal,
				"frames_selected": res.FramesSelected,
			})
		}

		if r.store != nil {
			_ = r.store.RecordSequenceResult(storage.SequenceRecord{
				RunID:          opts.RunID,
				SequencePath:   seq.Path,
				WorkDir:        seq.WorkDir(),
				Status:         res.Status,
				FailedPhase:    failedPhase(res),
				FramesTotal:    res.FramesTotal,
				FramesSelected: res.FramesSelected,
				Error:          errString(res.Error),
				Duration:       res.Duration,
			})
		}

		summary.Results = append(summary.Results, res)
		r.broadcast(res)
	}

	status := "completed"
	if summary.Failed > 0 {
		status = "completed_with_failures"
	}
	if r.store != nil {
		_ = r.store.RecordRunFinish(opts.RunID, summary.Found, summary.Failed, status)
	}

	r.log.Info("batch run finished",
		"run_id", opts.RunID,
		"sequences", summary.Found,
		"failed", summary.Failed,
	)
	return summary, nil
}

func (r *Runner) processSequence(ctx context.Context, seq sequence.Sequence, opts Options) SequenceResult {
	res := SequenceResult{Sequence: seq, Phase: opts.StartPhase}

	workDir := seq.WorkDir()
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		res.Error = fmt.Errorf("failed to create work directory: %v", err)
		return res
	}

	release, err := acquireLock(workDir)
	if err != nil {
		res.Error = err
		return res
	}
	defer release()

	manifest := filepath.Join(workDir, siril.ManifestName)

	if opts.StartPhase > PhasePreprocess {
		states := ProbePhases(workDir)
		if opts.StartPhase == PhaseStack && states[PhasePreprocess] != StateComplete {
			res.Error = fmt.Errorf("cannot resume at phase %d: missing %s (run phase 1 first)",
				opts.StartPhase, siril.ManifestName)
			return res
		}
		if states[PhasePreprocess] == StateComplete {
			states[PhasePreprocess] = StateResumed
		}
		r.log.Info("resuming from existing artifacts",
			"sequence", seq.Name,
			"start_phase", opts.StartPhase,
			"preprocess", states[PhasePreprocess],
			"filter", states[PhaseFilter],
			"stack", states[PhaseStack],
		)
	}

	if opts.StartPhase <= PhasePreprocess {
		res.Phase = PhasePreprocess
		if seq.Lights == 0 {
			res.Error = errors.New("no light frames to process")
			return res
		}
		if err := r.runPreprocess(ctx, seq, workDir); err != nil {
			res.Error = err
			return res
		}
		logging.LogPhase(r.log, seq.Name, PhasePreprocess, "complete", map[string]any{
			"lights": seq.Lights, "darks": seq.Darks, "flats": seq.Flats,
		})
	}

	if opts.StartPhase <= PhaseFilter {
		res.Phase = PhaseFilter
		if _, err := os.Stat(manifest); err != nil {
			// only reachable when resuming; a completed phase 1 always
			// leaves a manifest behind
			r.log.Warn("registration manifest missing, proceeding unfiltered",
				"sequence", seq.Name)
		} else {
			total, selected, err := r.runFilter(seq, workDir, manifest, opts)
			if err != nil {
				res.Error = err
				return res
			}
			res.FramesTotal = total
			res.FramesSelected = selected
			logging.LogPhase(r.log, seq.Name, PhaseFilter, "complete", map[string]any{
				"frames_total": total, "frames_selected": selected,
			})
		}
	}

	res.Phase = PhaseStack
	if err := r.runStack(ctx, seq, workDir); err != nil {
		res.Error = err
		return res
	}
	logging.LogPhase(r.log, seq.Name, PhaseStack, "complete", map[string]any{
		"result": filepath.Join(workDir, siril.ResultName),
	})
	return res
}

func (r *Runner) scriptOptions(seq sequence.Sequence) siril.ScriptOptions {
	return siril.ScriptOptions{
		MaxStars:         r.cfg.Engine.MaxStars,
		MinPairs:         r.cfg.Engine.MinPairs,
		RejectSigmaLow:   r.cfg.Engine.RejectSigmaLow,
		RejectSigmaHigh:  r.cfg.Engine.RejectSigmaHigh,
		BackgroundSample: r.cfg.Engine.BackgroundSample,
		BackgroundTol:    r.cfg.Engine.BackgroundTol,
		BackgroundSmooth: r.cfg.Engine.BackgroundSmooth,
		ReferenceFrame:   sequence.ReferenceFrame(seq.Lights),
	}
}

func (r *Runner) runPreprocess(ctx context.Context, seq sequence.Sequence, workDir string) error {
	script := siril.PreprocessScript(seq, workDir, r.scriptOptions(seq))
	path, err := siril.WriteScript(workDir, siril.PreprocessName, script)
	if err != nil {
		return err
	}

	output, err := r.engine.Run(ctx, workDir, path)
	if err != nil {
		return err
	}
	r.log.Debug("preprocess output", "sequence", seq.Name, "bytes", len(output))
	return nil
}

func (r *Runner) runFilter(seq sequence.Sequence, workDir, manifest string, opts Options) (total, selected int, err error) {
	records, err := siril.ReadQuality(manifest)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read registration manifest: %w", err)
	}
	if len(records) == 0 {
		return 0, 0, errors.New("no registered frames in manifest")
	}

	if err := quality.WriteStats(filepath.Join(workDir, StatsName), records); err != nil {
		return 0, 0, fmt.Errorf("failed to write quality stats: %v", err)
	}

	var included map[int]bool
	var stats quality.Stats

	if opts.NoFilter {
		included, stats = quality.SelectAll(records)
		r.log.Info("quality filtering disabled, keeping all frames",
			"sequence", seq.Name, "frames", stats.Total)
	} else {
		th, err := quality.ComputeThresholds(records, opts.FWHMSigma, opts.StarSigma, opts.RoundSigma)
		if errors.Is(err, quality.ErrInsufficientRecords) {
			included, stats = quality.SelectAll(records)
			r.log.Warn("too few frames for thresholds, keeping all frames",
				"sequence", seq.Name, "frames", stats.Total)
		} else if err != nil {
			return 0, 0, err
		} else {
			if err := writeThresholds(filepath.Join(workDir, ThresholdsName), th); err != nil {
				return 0, 0, err
			}
			included, stats = quality.Select(records, th)
			r.log.Info("quality thresholds applied",
				"sequence", seq.Name,
				"fwhm_max", fmt.Sprintf("%.3f", th.FWHMMax),
				"star_min", fmt.Sprintf("%.1f", th.StarMin),
				"round_min", fmt.Sprintf("%.3f", th.RoundMin),
				"passing", stats.Passing,
				"total", stats.Total,
				"percent", fmt.Sprintf("%.1f", stats.Percent()),
			)
			if stats.Passing == 0 {
				return stats.Total, 0, errors.New("quality filter excluded every frame")
			}
		}
	}

	if err := siril.ApplySelection(manifest, included); err != nil {
		return stats.Total, stats.Passing, fmt.Errorf("failed to update manifest selection: %w", err)
	}
	return stats.Total, stats.Passing, nil
}

func (r *Runner) runStack(ctx context.Context, seq sequence.Sequence, workDir string) error {
	script := siril.StackScript(workDir, r.scriptOptions(seq))
	path, err := siril.WriteScript(workDir, siril.StackName, script)
	if err != nil {
		return err
	}

	output, err := r.engine.Run(ctx, workDir, path)
	if err != nil {
		return err
	}
	r.log.Debug("stack output", "sequence", seq.Name, "bytes", len(output))

	result := filepath.Join(workDir, siril.ResultName)
	if _, err := os.Stat(result); err != nil {
		return fmt.Errorf("engine reported success but %s is missing", siril.ResultName)
	}
	return nil
}

func writeThresholds(path string, th quality.Thresholds) error {
	data, err := json.MarshalIndent(th, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// acquireLock creates an advisory lock file in the work directory so
// two concurrent runs cannot process the same sequence.
func acquireLock(workDir string) (func(), error) {
	path := filepath.Join(workDir, lockName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("work directory is locked by another run (%s)", path)
	}
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return func() { os.Remove(path) }, nil
}

func failedPhase(res SequenceResult) int {
	if res.Error == nil {
		return 0
	}
	return res.Phase
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
