// Package watcher monitors session working directories and reports file
// changes as fileUpdated hook events. It is a collaborator of the
// coordinator: its events go through the same Process entry point as
// everything else.
package watcher

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"claude-relay/internal/hookevent"
	"claude-relay/internal/state"
)

const debounceInterval = 500 * time.Millisecond

// excludedDirs are directories excluded from watching and file counting.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// Processor is the coordinator's mutation entry point.
type Processor interface {
	Process(ev *hookevent.Event) state.Outcome
}

// Watcher monitors working directories, one fsnotify watcher per session.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*sessionWatcher // session id → watcher
	proc     Processor
}

type sessionWatcher struct {
	sessionID string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	countMu   sync.Mutex
	lastCount int
}

// New creates a file system watcher submitting events to proc.
func New(proc Processor) *Watcher {
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		proc:     proc,
	}
}

// Watch starts watching a directory for a given session.
func (w *Watcher) Watch(sessionID, workDir string) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		lastCount: -1, // Force initial update.
	}

	// Add directories recursively.
	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	w.mu.Lock()
	if old, ok := w.watchers[sessionID]; ok {
		close(old.cancel)
		old.fsWatcher.Close()
	}
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	go w.watchLoop(sw)

	// Report the initial file count.
	go w.recount(sw)

	return nil
}

// Unwatch stops watching a session's directory.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(sw.cancel)
		sw.fsWatcher.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-sw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}

			// If a new directory is created, watch it too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !excludedDirs[base] && !isHidden(base) {
						sw.fsWatcher.Add(event.Name)
					}
				}
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				w.recount(sw)
			})

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("watcher: session %s: %v", sw.sessionID, err)
		}
	}
}

// recount recalculates the file count and submits a fileUpdated event if
// it changed.
func (w *Watcher) recount(sw *sessionWatcher) {
	count := CountFiles(sw.workDir)

	sw.countMu.Lock()
	changed := count != sw.lastCount
	sw.lastCount = count
	sw.countMu.Unlock()
	if !changed {
		return
	}

	ev, err := hookevent.New(sw.sessionID, hookevent.KindFileUpdated, hookevent.FileUpdatedPayload{
		FileCount: count,
	})
	if err != nil {
		return
	}
	if out := w.proc.Process(ev); !out.IsApplied() {
		log.Printf("watcher: fileUpdated for session %s rejected: %s", sw.sessionID, out.Reason)
	}
}

// CountFiles counts all non-excluded files in a directory.
func CountFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}

		name := d.Name()

		if d.IsDir() {
			if excludedDirs[name] {
				return filepath.SkipDir
			}
			// Skip hidden dirs except .claude.
			if isHidden(name) && name != ".claude" && path != dir {
				return filepath.SkipDir
			}
			return nil
		}

		// Skip hidden files (except inside .claude).
		rel, _ := filepath.Rel(dir, path)
		if isHidden(name) && !strings.HasPrefix(rel, ".claude") {
			return nil
		}

		count++
		return nil
	})
	return count
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if excludedDirs[name] && path != dir {
			return filepath.SkipDir
		}
		if isHidden(name) && name != ".claude" && path != dir {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
