// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// Watcher watches the config, proximity and banned-IRQ files (whichever
// paths it is given) for changes and flips the
// same atomic reconfig flag a SIGHUP handler sets, so a plain file deploy
// (mv+install, no `kill -HUP`) still takes effect at the next tick boundary.
type Watcher struct {
	fsw    *fsnotify.Watcher
	flag   *atomic.Bool
	logger logr.Logger
}

// NewWatcher starts watching every non-empty path in paths. An empty path
// (e.g. no -x proximity file given) is silently skipped.
func NewWatcher(flag *atomic.Bool, logger logr.Logger, paths ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{fsw: fsw, flag: flag, logger: logger.WithName("config-watcher")}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := fsw.Add(p); err != nil {
			w.logger.Info("could not watch file, falling back to SIGHUP-only reconfig", "path", p, "error", err)
			continue
		}
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.logger.V(1).Info("watched file changed, requesting reconfig", "path", event.Name)
				w.flag.Store(true)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Info("config watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
