package pathfs

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/renode-ws-proxy/ws-proxy/internal/logger"
)

// Watcher coalesces filesystem change notifications under a sandbox root
// into batched fs-changed events, so an engine writing output files
// mid-run doesn't require the client to poll fs/list.
type Watcher struct {
	sb     *Sandbox
	watch  *fsnotify.Watcher
	notify func(paths []string)

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	ignore  map[string]time.Time // paths to suppress briefly after our own writes
}

const coalesceWindow = 200 * time.Millisecond

// NewWatcher starts watching sb's root recursively. notify is called from
// an internal goroutine with a batch of root-relative changed paths.
func NewWatcher(sb *Sandbox, notify func(paths []string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		sb:      sb,
		watch:   fw,
		notify:  notify,
		pending: make(map[string]struct{}),
		ignore:  make(map[string]time.Time),
	}
	if err := w.addTree(sb.Root()); err != nil {
		fw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watch.Add(path)
		}
		return nil
	})
}

func statIfDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// SuppressNext marks a path as originating from our own write (fs/upld,
// fs/zip or fs/fetch) so
// the watcher doesn't report it as an external change within the
// coalescing window.
func (w *Watcher) SuppressNext(absPath string) {
	w.mu.Lock()
	w.ignore[absPath] = time.Now().Add(coalesceWindow)
	w.mu.Unlock()
}

func (w *Watcher) Close() error {
	return w.watch.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watch.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watch.Errors:
			if !ok {
				return
			}
			logger.Warn("pathfs: watch error", "err", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := statIfDir(ev.Name); err == nil && info {
			w.watch.Add(ev.Name)
		}
	}

	w.mu.Lock()
	if until, ok := w.ignore[ev.Name]; ok {
		if time.Now().Before(until) {
			w.mu.Unlock()
			return
		}
		delete(w.ignore, ev.Name)
	}
	rel, err := w.sb.Rel(ev.Name)
	if err != nil {
		w.mu.Unlock()
		return
	}
	w.pending[rel] = struct{}{}
	if w.timer == nil {
		w.timer = time.AfterFunc(coalesceWindow, w.flush)
	}
	w.mu.Unlock()
}

func (w *Watcher) flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.timer = nil
	w.mu.Unlock()

	if len(paths) > 0 && w.notify != nil {
		w.notify(paths)
	}
}
