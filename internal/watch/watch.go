// Package watch monitors a data directory for newly captured
// sequences and runs the batch pipeline over them once writes settle.
package watch

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/Jbsco/ap-toolkit/internal/fsutil"
	"github.com/Jbsco/ap-toolkit/internal/pipeline"
	"github.com/Jbsco/ap-toolkit/internal/sequence"
)

// Watcher observes a root directory and triggers batch runs on
// sequence directories whose frame writes have gone quiet.
type Watcher struct {
	root    string
	settle  time.Duration
	runner  *pipeline.Runner
	opts    pipeline.Options
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time // sequence dir -> last activity
}

// New creates a watcher over root. settle is the quiet period a
// sequence must observe before it is processed.
func New(root string, settle time.Duration, runner *pipeline.Runner, opts pipeline.Options, log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:    root,
		settle:  settle,
		runner:  runner,
		opts:    opts,
		log:     log,
		watcher: fw,
		pending: make(map[string]time.Time),
	}, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.addTree(w.root); err != nil {
		return err
	}
	w.log.Info("watching for new sequences", "root", w.root, "settle", w.settle.String())

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)
		case <-ticker.C:
			w.drainSettled(ctx)
		}
	}
}

// addTree registers root and all existing subdirectories. fsnotify
// watches are not recursive, so new directories are added as their
// create events arrive.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 && fsutil.IsDir(event.Name) {
		if err := w.watcher.Add(event.Name); err != nil {
			w.log.Warn("failed to watch new directory", "path", event.Name, "error", err)
		}
	}

	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if !fsutil.IsFrameFile(event.Name) {
		return
	}

	// A frame landed somewhere under <sequence>/Light|Dark|Flat.
	seqDir := filepath.Dir(filepath.Dir(event.Name))
	w.mu.Lock()
	w.pending[seqDir] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) drainSettled(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	var ready []string
	for dir, last := range w.pending {
		if now.Sub(last) >= w.settle {
			ready = append(ready, dir)
			delete(w.pending, dir)
		}
	}
	w.mu.Unlock()

	for _, dir := range ready {
		seqs, err := sequence.Find(dir)
		if err != nil || len(seqs) == 0 {
			w.log.Debug("settled directory is not a sequence yet", "path", dir)
			continue
		}
		w.log.Info("sequence settled, starting batch run", "path", dir)
		if _, err := w.runner.Run(ctx, dir, w.opts); err != nil {
			w.log.Error("watch-triggered run failed", "path", dir, "error", err)
		}
	}
}
