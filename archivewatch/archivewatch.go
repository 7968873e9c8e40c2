/*
Copyright 2025 The AddLidar Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package archivewatch watches the archive output tree and marks
// catalog rows complete once their .tar.gz has been stable for a
// settling window. It is a safety net behind the in-container
// post-step: archives written by jobs that died before updating the
// catalog still get recorded.
package archivewatch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/epfl-enac/lidar-orchestrator/catalog"
)

const (
	// DefaultMinFileAge is how long an archive must sit unmodified
	// before it counts as finished. Writers stream multi-GB tars.
	DefaultMinFileAge = 10 * time.Second
	// DefaultInterval is the sweep cadence for pending candidates.
	DefaultInterval = 60 * time.Second
)

// Watcher follows ZipRoot and settles finished archives into the
// catalog.
type Watcher struct {
	ZipRoot string
	Catalog *catalog.Store

	// MinFileAge and Interval default to the package constants.
	MinFileAge time.Duration
	Interval   time.Duration

	Log *logrus.Entry
	// Now is the clock, overridable in tests.
	Now func() time.Time

	mu      sync.Mutex
	pending map[string]struct{}
}

func (w *Watcher) log() *logrus.Entry {
	if w.Log != nil {
		return w.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (w *Watcher) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Watcher) minAge() time.Duration {
	if w.MinFileAge > 0 {
		return w.MinFileAge
	}
	return DefaultMinFileAge
}

// keyFor maps an archive path under ZipRoot to its folder_key, or ""
// when the path is not an archive.
func (w *Watcher) keyFor(path string) string {
	if !strings.HasSuffix(path, ".tar.gz") {
		return ""
	}
	rel, err := filepath.Rel(w.ZipRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return strings.TrimSuffix(filepath.ToSlash(rel), ".tar.gz")
}

// note records an archive path as a settle candidate.
func (w *Watcher) note(path string) {
	if w.keyFor(path) == "" {
		return
	}
	w.mu.Lock()
	if w.pending == nil {
		w.pending = map[string]struct{}{}
	}
	w.pending[path] = struct{}{}
	w.mu.Unlock()
}

// Sweep settles every pending archive older than the settle window and
// returns how many rows it marked complete. Exposed for tests and for
// the initial catch-up pass.
func (w *Watcher) Sweep() int {
	w.mu.Lock()
	candidates := make([]string, 0, len(w.pending))
	for p := range w.pending {
		candidates = append(candidates, p)
	}
	w.mu.Unlock()

	settled := 0
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			// Deleted mid-write or by cleanup; forget it.
			w.forget(path)
			continue
		}
		if w.now().Sub(info.ModTime()) < w.minAge() {
			continue
		}
		key := w.keyFor(path)
		changed, err := w.Catalog.MarkFolderComplete(key, w.now().Unix())
		if err != nil {
			w.log().WithError(err).WithField("folder", key).Error("Error marking folder complete.")
			continue
		}
		if changed {
			w.log().WithField("folder", key).Info("Archive settled, folder marked complete.")
			settled++
		}
		w.forget(path)
	}
	return settled
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()
}

// scanExisting seeds the pending set with archives already on disk, so
// a restart does not miss files written while the watcher was down.
func (w *Watcher) scanExisting() error {
	return filepath.Walk(w.ZipRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			w.note(path)
		}
		return nil
	})
}

// Run watches ZipRoot until stop fires, sweeping pending archives on
// every interval tick. Subdirectories are added to the notify set as
// they appear.
func (w *Watcher) Run(stop <-chan struct{}) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.ZipRoot); err != nil {
		return err
	}
	if err := filepath.Walk(w.ZipRoot, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() && path != w.ZipRoot {
			return fsw.Add(path)
		}
		return nil
	}); err != nil {
		return err
	}
	if err := w.scanExisting(); err != nil {
		w.log().WithError(err).Warn("Error scanning existing archives.")
	}

	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.log().WithField("root", w.ZipRoot).Info("Watching archive tree.")
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			w.Sweep()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if err := fsw.Add(ev.Name); err != nil {
					w.log().WithError(err).WithField("dir", ev.Name).Warn("Could not watch new directory.")
				}
				continue
			}
			w.note(ev.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log().WithError(err).Warn("Filesystem watch error.")
		}
	}
}
