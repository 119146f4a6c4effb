package config

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// PolicyWatcher hot-reloads the policy file into a PolicyStore.
// In-flight tasks keep the snapshot they started with; only new choose()
// and attempt() calls see the reloaded parameters.
type PolicyWatcher struct {
	store   *PolicyStore
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchPolicy starts watching the policy file for changes.
// If the filesystem watcher cannot be created the store simply keeps its
// current snapshot; callers can still reload manually via Reload.
func WatchPolicy(store *PolicyStore, path string) (*PolicyWatcher, error) {
	pw := &PolicyWatcher{
		store: store,
		path:  path,
		done:  make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return pw, nil
	}
	pw.watcher = watcher

	// Watch the directory: editors replace files on save, which drops
	// a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		pw.watcher = nil
		return pw, nil
	}

	go pw.watch()

	return pw, nil
}

// watch processes filesystem events until Close is called.
func (pw *PolicyWatcher) watch() {
	for {
		select {
		case <-pw.done:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(pw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pw.Reload()
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] policy watcher error: %v", err)
		}
	}
}

// Reload re-reads the policy file and swaps in the new snapshot.
// A malformed file is logged and ignored; the previous snapshot stays live.
func (pw *PolicyWatcher) Reload() {
	s, err := LoadPolicy(pw.path)
	if err != nil {
		log.Printf("[config] policy reload failed, keeping previous snapshot: %v", err)
		return
	}
	pw.store.Swap(s)
	log.Printf("[config] policy reloaded from %s (version %d)", pw.path, s.Version)
}

// Close stops the watcher.
func (pw *PolicyWatcher) Close() error {
	close(pw.done)
	if pw.watcher != nil {
		return pw.watcher.Close()
	}
	return nil
}
