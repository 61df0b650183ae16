package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/trifecta-ai/trifecta/pkg/logger"
)

const defaultDebounce = 500 * time.Millisecond

// reloader is the part of skills.Store the watcher drives
type reloader interface {
	Reload(ctx context.Context) error
}

// skillWatcher reloads the skill index after the skills directory settles
type skillWatcher struct {
	store    reloader
	watcher  *fsnotify.Watcher
	debounce time.Duration
}

func newSkillWatcher(store reloader, dir string, debounce time.Duration) (*skillWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch skills directory %s", dir)
	}
	return &skillWatcher{store: store, watcher: watcher, debounce: debounce}, nil
}

// Run processes events until ctx is cancelled or the watcher is closed.
// Bursts of events within the debounce window trigger a single reload.
func (w *skillWatcher) Run(ctx context.Context) {
	log := logger.G(ctx).WithField("component", "skill-watcher")

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			log.WithField("file", event.Name).Debug("skill file changed")
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
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.store.Reload(ctx); err != nil {
				log.WithError(err).Warn("failed to reload skills")
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("file watcher error")
		}
	}
}

func (w *skillWatcher) Close() error {
	return w.watcher.Close()
}

// relevant ignores chmod-only events and editor swap or hidden files
func relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	base := filepath.Base(event.Name)
	if base == "" || base[0] == '.' || base[len(base)-1] == '~' {
		return false
	}
	return filepath.Ext(base) != ".swp"
}
