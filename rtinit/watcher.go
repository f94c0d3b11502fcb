package rtinit

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watcher watches the rendered configuration files for external
// modification. Edits made while the container runs are legal but futile,
// since the next boot re-renders from the environment; the watcher makes
// that visible in the journal instead of letting it surprise the operator.
type Watcher struct {
	w     *fsnotify.Watcher
	j     Journaler
	paths map[string]string // destination path -> template name
}

// TryWatch attempts to watch the given rendered files asynchronously, but it
// will log into the journaler if, for some reason, watching fails. A failed
// watch is never fatal.
func TryWatch(ctx context.Context, files []RenderedFile, j Journaler) *Watcher {
	w := newWatcher(files, j)

	go func() {
		if err := w.init(); err != nil {
			warn(j, "watcher", errors.Wrap(err, "not watching config files"))
			return
		}

		w.watch(ctx)
	}()

	return w
}

func newWatcher(files []RenderedFile, j Journaler) *Watcher {
	paths := make(map[string]string, len(files))
	for _, f := range files {
		paths[f.Path] = f.Name
	}

	return &Watcher{
		j:     j,
		paths: paths,
	}
}

func (w *Watcher) init() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}

	// Watch the containing directories; watching the files directly would
	// break on editors that replace instead of write.
	dirs := make(map[string]struct{}, len(w.paths))
	for path := range w.paths {
		dirs[filepath.Dir(path)] = struct{}{}
	}

	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return errors.Wrapf(err, "failed to watch %q", dir)
		}
	}

	w.w = watcher
	return nil
}

func (w *Watcher) watch(ctx context.Context) {
	defer w.w.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-w.w.Errors:
			warn(w.j, "watcher", errors.Wrap(err, "inotify error"))

		case evt := <-w.w.Events:
			name, ok := w.paths[evt.Name]
			if !ok {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			w.j.Write(&EventWarning{
				Component: "watcher",
				Error: fmt.Sprintf("%s (%s) was modified externally; changes are overwritten on restart",
					evt.Name, name),
			})
		}
	}
}
