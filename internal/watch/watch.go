// Package watch reduces cubes as they land in the input directory.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"cubered/internal/fsutil"
	"cubered/internal/pipeline"
)

// DefaultQuiet is how long a file must stay unchanged before it is reduced.
const DefaultQuiet = 2 * time.Second

// FileRunner reduces a batch of cubes.
type FileRunner interface {
	RunFiles(ctx context.Context, files []string) (*pipeline.Report, error)
}

// Watcher batches newly written cubes matching the configured patterns and
// hands them to a FileRunner once they stop changing.
type Watcher struct {
	dir      string
	patterns []string
	runner   FileRunner
	log      *slog.Logger
	quiet    time.Duration
	existing bool

	pending map[string]time.Time
	seen    map[string]bool
	onBatch func(files []string, rep *pipeline.Report, err error)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithQuiet sets the settle time before a file is reduced.
func WithQuiet(d time.Duration) Option { return func(w *Watcher) { w.quiet = d } }

// WithExisting also reduces matching files present at start.
func WithExisting() Option { return func(w *Watcher) { w.existing = true } }

// WithBatchHandler is called after every batch.
func WithBatchHandler(fn func(files []string, rep *pipeline.Report, err error)) Option {
	return func(w *Watcher) { w.onBatch = fn }
}

func New(dir string, patterns []string, runner FileRunner, logger *slog.Logger, opts ...Option) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		dir:      dir,
		patterns: patterns,
		runner:   runner,
		log:      logger,
		quiet:    DefaultQuiet,
		pending:  make(map[string]time.Time),
		seen:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// dirs returns the directories holding the patterns.
func (w *Watcher) dirs() []string {
	set := make(map[string]bool)
	var out []string
	for _, p := range w.patterns {
		d := filepath.Dir(w.abs(p))
		if !set[d] {
			set[d] = true
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) abs(pattern string) string {
	if filepath.IsAbs(pattern) {
		return pattern
	}
	return filepath.Join(w.dir, pattern)
}

// matches reports whether path is an input cube.
func (w *Watcher) matches(path string) bool {
	if !fsutil.IsCubeFile(path) || fsutil.IsArtifact(path) {
		return false
	}
	for _, p := range w.patterns {
		if ok, _ := filepath.Match(w.abs(p), path); ok {
			return true
		}
	}
	return false
}

// Run watches until ctx ends. Reduction errors are logged and do not stop it.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	for _, d := range w.dirs() {
		if err := fsw.Add(d); err != nil {
			return fmt.Errorf("watch %s: %w", d, err)
		}
		w.log.Info("watching directory", "dir", d)
	}

	if w.existing {
		files, err := fsutil.ListCubes(w.dir, w.patterns)
		if err != nil {
			w.log.Warn("no existing cubes", "error", err)
		}
		now := time.Now().Add(-w.quiet)
		for _, f := range files {
			if w.matches(f) {
				w.pending[f] = now
			}
		}
	}

	tick := w.quiet / 2
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !w.matches(ev.Name) || w.seen[ev.Name] {
				continue
			}
			w.pending[ev.Name] = time.Now()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)
		case now := <-ticker.C:
			if batch := w.due(now); len(batch) > 0 {
				w.reduce(ctx, batch)
			}
		}
	}
}

// due removes and returns pending files that have settled.
func (w *Watcher) due(now time.Time) []string {
	var out []string
	for f, t := range w.pending {
		if now.Sub(t) >= w.quiet {
			out = append(out, f)
			delete(w.pending, f)
		}
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) reduce(ctx context.Context, files []string) {
	for _, f := range files {
		w.seen[f] = true
	}
	w.log.Info("reducing new cubes", "files", len(files))
	rep, err := w.runner.RunFiles(ctx, files)
	if err != nil {
		w.log.Warn("watch batch finished with errors", "files", len(files), "error", err)
	}
	if w.onBatch != nil {
		w.onBatch(files, rep, err)
	}
}
