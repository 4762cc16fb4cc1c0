// pattern: Imperative Shell

// Package reload watches the configuration file for changes and triggers
// the same reload path a SIGHUP or an operator `reload` command would
// (spec.md section 4.4, section 6.4), using fsnotify the way the teacher's
// internal/logging proxy log reader watches a file for new content.
package reload

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"taskmasterd/internal/logging"
)

// Trigger is called once per detected change to the watched path; it is
// the Supervisor's TriggerReload in production.
type Trigger func()

// Watcher watches one configuration file's parent directory (the file may
// be replaced wholesale by an editor/deploy tool, which surfaces as a
// rename+create rather than a write) and calls Trigger on each write,
// create, or rename event for that file; remove and chmod events are
// ignored.
type Watcher struct {
	path    string
	trigger Trigger
	log     *logging.ScopedLogger
	watcher *fsnotify.Watcher
}

func New(path string, trigger Trigger, logs logging.LoggerProvider) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("reload: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("reload: watch %s: %w", dir, err)
	}
	return &Watcher{
		path:    path,
		trigger: trigger,
		log:     logs.For("reload"),
		watcher: fw,
	}, nil
}

// Run consumes fsnotify events until ctx is cancelled or the watcher is
// closed.
func (w *Watcher) Run(ctx context.Context) {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.log.Info("configuration file changed, triggering reload", "event", event.Op.String())
				w.trigger()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
