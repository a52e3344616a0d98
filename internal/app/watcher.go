package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Uploader is what the watcher needs from the synchronizer.
type Uploader interface {
	Upload(ctx context.Context, filename string, content io.Reader) (Outcome, error)
}

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Watcher uploads spreadsheets dropped into a directory. Handled files are
// moved to processed/ or failed/ so they are uploaded once.
type Watcher struct {
	dir      string
	uploader Uploader
	settle   time.Duration
	logger   *slog.Logger

	// inflight holds paths claimed for upload. Create and Rename can both
	// fire for one drop.
	inflight sync.Map
}

func NewWatcher(dir string, uploader Uploader, logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, uploader: uploader, settle: 2 * time.Second, logger: logger}
}

// Start watches the directory until ctx is done. An empty directory disables it.
func (w *Watcher) Start(ctx context.Context) error {
	if w.dir == "" {
		w.logger.Info("upload watcher disabled")
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && isSpreadsheet(evt.Name) {
					w.schedule(ctx, evt.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("upload watcher error", "error", err)
			}
		}
	}()

	if err := watcher.Add(w.dir); err != nil {
		return err
	}
	w.logger.Info("watching for spreadsheets", "dir", w.dir)
	return nil
}

// Backfill uploads spreadsheets already in the directory.
func (w *Watcher) Backfill(ctx context.Context) error {
	if w.dir == "" {
		return nil
	}
	entries, err := filepath.Glob(filepath.Join(w.dir, "*"))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if isSpreadsheet(entry) && w.claim(entry) {
			w.handle(ctx, entry)
			w.inflight.Delete(entry)
		}
	}
	return nil
}

func (w *Watcher) claim(path string) bool {
	_, busy := w.inflight.LoadOrStore(path, struct{}{})
	return !busy
}

// schedule uploads path once it settled, unless it is already claimed.
func (w *Watcher) schedule(ctx context.Context, path string) {
	if !w.claim(path) {
		return
	}
	go func() {
		defer w.inflight.Delete(path)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.settle):
		}
		w.handle(ctx, path)
	}()
}

func (w *Watcher) handle(ctx context.Context, path string) {
	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("failed to open dropped file", "path", path, "error", err)
		}
		return
	}

	outcome, err := w.uploader.Upload(ctx, filepath.Base(path), file)
	file.Close()

	target := processedDir
	if err != nil {
		target = failedDir
		w.logger.Error("upload of dropped file failed", "path", path, "error", err)
	} else {
		w.logger.Info("uploaded dropped file", "path", path, "borrowers", outcome.Borrowers)
	}
	if err := moveInto(path, filepath.Join(w.dir, target)); err != nil {
		w.logger.Warn("failed to move handled file", "path", path, "error", err)
	}
}

func moveInto(path, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(dir, filepath.Base(path)))
}

func isSpreadsheet(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~$") {
		return false
	}
	return uploadExtensions[strings.ToLower(filepath.Ext(name))]
}
