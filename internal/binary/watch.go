package binary

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports when a watched binary's content changes identity.
//
// Rebuilding a target in place invalidates everything cached under its old
// identity; the callback receives the old and new identities so the caller
// can drop the stale namespace.
type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu    sync.Mutex
	files map[string]Identity // absolute path -> last seen identity

	onChange func(path string, old, updated Identity)
	onError  func(error)
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher. onChange is called from the watcher goroutine.
func NewWatcher(onChange func(path string, old, updated Identity), onError func(error)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Watcher{
		watcher:  w,
		debounce: 200 * time.Millisecond,
		files:    make(map[string]Identity),
		onChange: onChange,
		onError:  onError,
		done:     make(chan struct{}),
	}, nil
}

// Add starts watching path whose current identity is id. The parent
// directory is watched so atomic replace-by-rename is observed.
func (w *Watcher) Add(path string, id Identity) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	_, known := w.files[abs]
	w.files[abs] = id
	w.mu.Unlock()
	if known {
		return nil
	}
	return w.watcher.Add(filepath.Dir(abs))
}

// Start processes events until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	pending := make(map[string]bool)
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			w.mu.Lock()
			_, watched := w.files[filepath.Clean(event.Name)]
			w.mu.Unlock()
			if !watched {
				continue
			}
			pending[filepath.Clean(event.Name)] = true
			if timerC == nil {
				timerC = time.After(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onError(err)
		case <-timerC:
			timerC = nil
			for path := range pending {
				w.recheck(path)
			}
			pending = make(map[string]bool)
		}
	}
}

// recheck rehashes path and reports an identity change. A missing file is
// reported with an empty new identity.
func (w *Watcher) recheck(path string) {
	updated, err := IdentityOf(path)
	if err != nil {
		updated = ""
	}

	w.mu.Lock()
	old := w.files[path]
	if old == updated {
		w.mu.Unlock()
		return
	}
	w.files[path] = updated
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(path, old, updated)
	}
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
