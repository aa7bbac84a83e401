// Package watcher turns a drop directory into a job intake: new media
// files are picked up once their size settles, handed to the pipeline one
// at a time, and removed from the drop directory on success.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/scrivohq/scrivo/internal/config"
)

// ProcessFunc ingests one settled file. The watcher deletes the source
// only when it returns nil; the pipeline owns its own copy by then. The
// callback may remove the source itself as soon as it has taken custody.
type ProcessFunc func(ctx context.Context, path string) error

// pending tracks a file waiting for its size to settle. Uploads and
// network copies grow for a while; processing a growing file truncates
// the job's working copy.
type pending struct {
	size    int64
	settled time.Time // last time the size changed
}

// Watcher watches one input directory.
type Watcher struct {
	inputDir string
	cfg      config.WatchConfig
	process  ProcessFunc
	logger   *slog.Logger
	pending  map[string]*pending

	// diskUsedPercent is swappable in tests.
	diskUsedPercent func(path string) (float64, error)
}

// New creates a watcher over inputDir.
func New(inputDir string, cfg config.WatchConfig, process ProcessFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		inputDir: inputDir,
		cfg:      cfg,
		process:  process,
		logger:   logger.With(slog.String("component", "watcher")),
		pending:  make(map[string]*pending),
		diskUsedPercent: func(path string) (float64, error) {
			usage, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return usage.UsedPercent, nil
		},
	}
}

// Run watches until the context is cancelled. Files already present at
// startup are picked up too, so a restart never strands a drop.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.inputDir, 0755); err != nil {
		return fmt.Errorf("creating input dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting filesystem watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.inputDir); err != nil {
		return fmt.Errorf("watching %s: %w", w.inputDir, err)
	}

	w.scan()

	tick := w.cfg.Debounce / 2
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	w.logger.Info("watching for media",
		slog.String("dir", w.inputDir),
		slog.Any("patterns", w.cfg.Patterns),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.track(ev.Name)
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				delete(w.pending, ev.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		case now := <-ticker.C:
			w.settle(ctx, now)
		}
	}
}

// scan enqueues files already sitting in the input directory.
func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.inputDir)
	if err != nil {
		w.logger.Warn("startup scan failed", slog.String("error", err.Error()))
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.track(filepath.Join(w.inputDir, entry.Name()))
		}
	}
}

// track starts or refreshes debounce tracking for a file.
func (w *Watcher) track(path string) {
	if !w.matches(filepath.Base(path)) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	p, ok := w.pending[path]
	if !ok {
		w.pending[path] = &pending{size: info.Size(), settled: time.Now()}
		return
	}
	if info.Size() != p.size {
		p.size = info.Size()
		p.settled = time.Now()
	}
}

// matches reports whether a file name matches any configured pattern.
func (w *Watcher) matches(name string) bool {
	for _, pattern := range w.cfg.Patterns {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// settle processes every pending file whose size has been stable for the
// debounce window. Files are handled one at a time, oldest first, so
// concurrent drops do not race each other through the pipeline.
func (w *Watcher) settle(ctx context.Context, now time.Time) {
	ready := make([]string, 0, len(w.pending))
	for path, p := range w.pending {
		info, err := os.Stat(path)
		if err != nil {
			delete(w.pending, path)
			continue
		}
		if info.Size() != p.size {
			p.size = info.Size()
			p.settled = now
			continue
		}
		if now.Sub(p.settled) >= w.cfg.Debounce {
			ready = append(ready, path)
		}
	}
	sort.Strings(ready)

	for _, path := range ready {
		if ctx.Err() != nil {
			return
		}
		delete(w.pending, path)
		w.handle(ctx, path)
	}
}

// handle runs one file through the pipeline, guarding disk headroom
// first. The source is deleted only after a successful run; failures
// leave it in place for the operator.
func (w *Watcher) handle(ctx context.Context, path string) {
	if used, err := w.diskUsedPercent(w.inputDir); err == nil && used > w.cfg.MaxDiskUsedPercent {
		w.logger.Error("disk usage too high, leaving file in place",
			slog.String("path", path),
			slog.Float64("used_percent", used),
			slog.Float64("limit_percent", w.cfg.MaxDiskUsedPercent),
		)
		return
	}

	w.logger.Info("processing dropped file", slog.String("path", path))
	if err := w.process(ctx, path); err != nil {
		w.logger.Error("processing failed, source kept",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}

	// The process callback may already have consumed the source.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("removing processed source failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
