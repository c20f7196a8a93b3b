// Package promptwatch hot-reloads the agent's system-prompt template from
// disk (D7), grounded on the teacher's provider-config file watcher in
// cmd/server/main.go: watch the containing directory rather than the file
// itself, debounce rapid writes, and log rather than fail on watcher errors.
package promptwatch

import (
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher holds the current contents of a system-prompt file, refreshed
// whenever the file changes on disk.
type Watcher struct {
	path    string
	content atomic.Value // string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New loads path once and starts watching its containing directory for
// changes. If path does not exist yet, Get returns an empty string until it
// is created.
func New(path string) (*Watcher, error) {
	w := &Watcher{path: path, done: make(chan struct{})}
	w.content.Store(readFileOrEmpty(path))

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	w.watcher = fw

	go w.run(filepath.Base(absPath))
	return w, nil
}

// Get returns the most recently loaded template content.
func (w *Watcher) Get() string {
	v, _ := w.content.Load().(string)
	return v
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) run(filename string) {
	var debounce *time.Timer
	for {
		select {
		case <-w.done:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&fsnotify.Write == 0 && event.Op&fsnotify.Create == 0 {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(300*time.Millisecond, func() {
				w.content.Store(readFileOrEmpty(w.path))
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("promptwatch: watcher error for %s: %v", w.path, err)
		}
	}
}

func readFileOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
