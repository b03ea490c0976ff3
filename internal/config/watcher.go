package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher hot-reloads the configuration file into the snapshot store.
// Invalid edits are logged and skipped; the last good snapshot stays
// live.
type Watcher struct {
	loader   *Loader
	store    *Store
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	done     chan struct{}
}

// NewWatcher starts watching the config file's directory. Watching the
// directory instead of the file survives editors that replace the file
// on save.
func NewWatcher(loader *Loader, store *Store, logger zerolog.Logger) (*Watcher, error) {
	path, err := loader.Path()
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		loader:   loader,
		store:    store,
		logger:   logger,
		watcher:  fw,
		debounce: 250 * time.Millisecond,
		done:     make(chan struct{}),
	}

	go w.loop(filepath.Base(path))
	return w, nil
}

func (w *Watcher) loop(filename string) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors fire bursts of events per save; coalesce them.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error().Err(err).Msg("Config reload failed, keeping previous snapshot")
		return
	}
	if errs := Validate(cfg); len(errs) > 0 {
		for _, err := range errs {
			w.logger.Error().Err(err).Msg("Config reload rejected")
		}
		return
	}
	w.store.Swap(cfg)
}

// Close stops the watcher
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
