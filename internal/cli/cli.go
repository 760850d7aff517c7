// Package cli wires configuration, storage, the stacking engine and
// the batch runner into the ap-toolkit command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Jbsco/ap-toolkit/internal/config"
	"github.com/Jbsco/ap-toolkit/internal/pipeline"
	"github.com/Jbsco/ap-toolkit/internal/preview"
	"github.com/Jbsco/ap-toolkit/internal/siril"
	"github.com/Jbsco/ap-toolkit/internal/storage"
)

// Root carries the shared dependencies of every subcommand. The engine
// and runner factory are swappable so tests can stub them.
type Root struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *storage.Store
	engine pipeline.Engine

	newRunner func(*Root) *pipeline.Runner
}

// NewRoot constructs the CLI root. store may be nil when run history
// persistence is disabled.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store, engine pipeline.Engine) *Root {
	return &Root{
		cfg:    cfg,
		log:    logger,
		store:  store,
		engine: engine,
		newRunner: func(r *Root) *pipeline.Runner {
			return pipeline.NewRunner(r.log, r.cfg, r.engine, r.store)
		},
	}
}

// runBatch executes one batch run. Per-sequence failures are already
// reported by the runner and do not fail the command; only an invalid
// data path or an empty scan does.
func (r *Root) runBatch(ctx context.Context, dataPath string, opts pipeline.Options, withPreview bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := r.newRunner(r)
	summary, err := runner.Run(ctx, dataPath, opts)
	if err != nil {
		return err
	}

	if withPreview {
		for _, res := range summary.Results {
			if res.Status != "completed" {
				continue
			}
			result := filepath.Join(res.Sequence.WorkDir(), siril.ResultName)
			written, perr := preview.Export(result, "", preview.Options{Width: 1920})
			if perr != nil {
				r.log.Warn("preview export failed", "sequence", res.Sequence.Name, "error", perr)
				continue
			}
			r.log.Info("preview written", "sequence", res.Sequence.Name, "path", written)
		}
	}

	fmt.Printf("Processed %d sequence(s), %d failed\n", summary.Found, summary.Failed)
	return nil
}
