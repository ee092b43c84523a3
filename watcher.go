// Copyright 2026 The Pmvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pmvisor

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce is how long the watcher waits for file activity to settle
// before asking for a restart.
var WatchDebounce = 500 * time.Millisecond

// Directories that are never worth watching.
var watchSkipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
}

// watcher turns file system activity below the watched paths into
// restart requests.
type watcher struct {
	fsw    *fsnotify.Watcher
	ignore []string
	logger *log.Logger

	// trees holds every directory watched in full.  files holds the
	// single files asked for; their parents are watched too, but only
	// events naming one of them count.
	trees map[string]bool
	files map[string]bool
}

// wanted reports whether the path is below a watched tree or is one of
// the watched files.
func (w *watcher) wanted(path string) bool {
	return w.trees[filepath.Dir(path)] || w.trees[path] || w.files[path]
}

// ignored reports whether the path matches one of the ignore patterns.
// Patterns are matched against the full path and against its base name.
func (w *watcher) ignored(path string) bool {
	for _, pat := range w.ignore {
		if pat == path {
			return true
		}
		if ok, _ := filepath.Match(pat, path); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, filepath.Base(path)); ok {
			return true
		}
		if strings.HasPrefix(path, strings.TrimSuffix(pat, "/")+"/") {
			return true
		}
	}
	return false
}

func (w *watcher) addTree(root string) error {
	fi, e := os.Stat(root)
	if e != nil {
		return e
	}
	if !fi.IsDir() {
		w.files[root] = true
		return w.fsw.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Printf("Watch: %v", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && (watchSkipDirs[d.Name()] || w.ignored(path)) {
			return filepath.SkipDir
		}
		if e := w.fsw.Add(path); e != nil {
			w.logger.Printf("Watch %s: %v", path, e)
			return nil
		}
		w.trees[path] = true
		return nil
	})
}

// newWatcher watches the spec's Watch paths, resolved against its working
// directory.  The spec's own log files are always ignored, or every line
// the child writes would restart it.
func newWatcher(spec ProcessSpec, logger *log.Logger) (*watcher, error) {
	fsw, e := fsnotify.NewWatcher()
	if e != nil {
		return nil, e
	}
	dir, _ := filepath.Abs(spec.Dir)
	abs := func(p string) string {
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Join(dir, p)
	}
	w := &watcher{
		fsw:    fsw,
		logger: logger,
		trees:  make(map[string]bool),
		files:  make(map[string]bool),
	}
	for _, p := range spec.LogPaths() {
		w.ignore = append(w.ignore, abs(p))
	}
	for _, p := range spec.IgnoreWatch {
		if strings.ContainsAny(p, "*?[") && !strings.ContainsRune(p, filepath.Separator) {
			w.ignore = append(w.ignore, p)
		} else {
			w.ignore = append(w.ignore, abs(p))
		}
	}
	for _, p := range spec.Watch {
		if e := w.addTree(abs(p)); e != nil {
			fsw.Close()
			return nil, e
		}
	}
	return w, nil
}

// run delivers debounced change notifications to fire until ctx is done.
func (w *watcher) run(ctx context.Context, fire func(path string)) {
	defer w.fsw.Close()

	var timer *time.Timer
	var fired <-chan time.Time
	last := ""
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.wanted(ev.Name) || w.ignored(ev.Name) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
				!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				if fi, e := os.Stat(ev.Name); e == nil && fi.IsDir() {
					w.addTree(ev.Name)
				}
			}
			last = ev.Name
			if timer == nil {
				timer = time.NewTimer(WatchDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(WatchDebounce)
			}
			fired = timer.C
		case <-fired:
			fired = nil
			fire(last)
		case e, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watch error: %v", e)
		}
	}
}
