package bootstrap

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/zczy999/business-gemini/internal/logging"
)

// WatchFiles invokes onChange whenever one of the given files is
// written or replaced. Used to hot-reload accounts when the sqlite
// database or config file changes under a running server. Returns a
// stop function.
func WatchFiles(paths []string, onChange func(path string)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	watched := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		watched[abs] = true
		// Watch the directory: editors and sqlite replace files rather
		// than writing in place, which drops file-level watches.
		if err := watcher.Add(filepath.Dir(abs)); err != nil {
			log.Warnf("watch: cannot watch %s: %v", filepath.Dir(abs), err)
		}
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				abs, err := filepath.Abs(event.Name)
				if err != nil || !watched[abs] {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					log.Debugf("watch: %s changed", abs)
					onChange(abs)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("watch: %v", err)
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}
