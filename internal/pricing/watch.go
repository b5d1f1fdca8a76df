package pricing

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileWatcher merges a pricing file into a catalog every time it changes.
type FileWatcher struct {
	path    string
	catalog *Catalog
	watcher *fsnotify.Watcher
	logger  *zap.Logger
}

// NewFileWatcher starts watching the directory that holds path. Watching the
// directory keeps working when editors replace the file instead of writing it.
func NewFileWatcher(path string, catalog *Catalog, logger *zap.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve pricing file path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &FileWatcher{
		path:    abs,
		catalog: catalog,
		watcher: w,
		logger:  logger.With(zap.String("component", "pricing.watcher")),
	}, nil
}

// Run processes file events until ctx is cancelled. Reload failures are
// logged and the previous catalog contents stay in place.
func (fw *FileWatcher) Run(ctx context.Context) error {
	defer fw.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			fw.reload()

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			fw.logger.Error("pricing file watcher error", zap.Error(err))
		}
	}
}

func (fw *FileWatcher) reload() {
	models, err := LoadFile(fw.path)
	if err != nil {
		fw.logger.Warn("pricing reload failed", zap.Error(err))
		return
	}
	fw.catalog.Merge(models...)
	fw.logger.Info("pricing file reloaded",
		zap.String("path", fw.path),
		zap.Int("models", len(models)),
	)
}
