package vtl

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Roots are the directories watched, recursively.
	Roots []string
	// Debounce coalesces bursts of events for the same file.
	Debounce time.Duration
	// OnChange receives the root-relative, slash separated name of each changed file.
	OnChange func(name string)
	Logger   *slog.Logger
}

// Watcher reports changes to template files under a set of directories.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	roots     []string
	debounce  time.Duration
	onChange  func(name string)
	logger    *slog.Logger
	done      chan struct{}
	stopOnce  sync.Once
}

// NewWatcher creates a watcher. Call Start to begin watching.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	onChange := cfg.OnChange
	if onChange == nil {
		onChange = func(string) {}
	}
	roots := make([]string, 0, len(cfg.Roots))
	for _, r := range cfg.Roots {
		roots = append(roots, filepath.Clean(r))
	}
	return &Watcher{
		fsWatcher: fsw,
		roots:     roots,
		debounce:  cfg.Debounce,
		onChange:  onChange,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start adds every directory under the roots and begins delivering changes.
func (w *Watcher) Start() error {
	for _, root := range w.roots {
		if err := w.addTree(root); err != nil {
			return err
		}
	}
	go w.loop()
	return nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
	})
	return err
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsWatcher.Add(path); err != nil {
			return fmt.Errorf("watching directory %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending = map[string]struct{}{}
	)

	flush := func() {
		for name := range pending {
			w.onChange(name)
		}
		clear(pending)
	}

	for {
		var fire <-chan time.Time
		if timer != nil {
			fire = timer.C
		}

		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn("watch new directory failed",
							slog.String("path", event.Name),
							slog.String("error", err.Error()),
						)
					}
					continue
				}
			}
			name, ok := w.relevant(event)
			if !ok {
				continue
			}
			pending[name] = struct{}{}
			if w.debounce <= 0 {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-fire:
			timer = nil
			flush()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("template watcher error", slog.String("error", err.Error()))

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// relevant maps event to a template name under one of the roots.
func (w *Watcher) relevant(event fsnotify.Event) (string, bool) {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return "", false
	}
	path := filepath.Clean(event.Name)
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) ||
			len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator) {
			continue
		}
		return filepath.ToSlash(rel), true
	}
	return "", false
}
