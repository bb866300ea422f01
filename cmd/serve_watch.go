package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/trikhub/trikhub/pkg/gateway"
	"github.com/trikhub/trikhub/pkg/manifest"
)

// trikWatcher hot-reloads triks when files under the triks directory
// change. Events are debounced per trik directory so one editor save does
// not trigger a reload storm.
type trikWatcher struct {
	gw       *gateway.Gateway
	base     string
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func newTrikWatcher(gw *gateway.Gateway, base string) (*trikWatcher, error) {
	if base == "" {
		return nil, errors.New("no triks directory configured")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &trikWatcher{
		gw:       gw,
		base:     base,
		fsw:      fsw,
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]*time.Timer),
	}
	if err := w.addDirs(); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// addDirs watches the base directory, its @scope namespace folders, and
// every trik directory below them. fsnotify does not recurse.
func (w *trikWatcher) addDirs() error {
	if err := w.fsw.Add(w.base); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.base)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(w.base, entry.Name())
		_ = w.fsw.Add(path)
		if !strings.HasPrefix(entry.Name(), "@") {
			continue
		}
		scoped, err := os.ReadDir(path)
		if err != nil {
			continue
		}
		for _, sub := range scoped {
			if sub.IsDir() && !strings.HasPrefix(sub.Name(), ".") {
				_ = w.fsw.Add(filepath.Join(path, sub.Name()))
			}
		}
	}
	return nil
}

func (w *trikWatcher) run(ctx context.Context) {
	defer w.fsw.Close()
	slog.Info("trik.watcher_started", "dir", w.base)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			dir, ok := w.trikDirFor(ev.Name)
			if !ok {
				continue
			}
			// New directories must join the watch list before their
			// manifest appears.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.fsw.Add(ev.Name)
				}
			}
			w.schedule(dir)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("trik.watcher_error", "error", err)
		}
	}
}

// trikDirFor maps an event path to the trik directory that owns it: the
// direct child of the base dir, or the child of a @scope namespace folder.
func (w *trikWatcher) trikDirFor(path string) (string, bool) {
	rel, err := filepath.Rel(w.base, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if strings.HasPrefix(parts[0], ".") {
		return "", false
	}
	if strings.HasPrefix(parts[0], "@") {
		if len(parts) < 2 || strings.HasPrefix(parts[1], ".") {
			return "", false
		}
		return filepath.Join(w.base, parts[0], parts[1]), true
	}
	return filepath.Join(w.base, parts[0]), true
}

// schedule arms (or re-arms) the per-directory debounce timer.
func (w *trikWatcher) schedule(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[dir]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[dir] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, dir)
		w.mu.Unlock()
		w.reload(dir)
	})
}

func (w *trikWatcher) reload(dir string) {
	if _, err := os.Stat(dir); err != nil {
		// Directory is gone: drop whichever trik was loaded from it.
		for _, info := range w.gw.Triks() {
			if info.Dir == dir {
				w.gw.UnloadTrik(info.ID)
			}
		}
		return
	}
	if _, err := w.gw.ReloadTrik(dir); err != nil {
		// A directory without a manifest yet is not an error; the reload
		// fires again once the manifest lands.
		if errors.Is(err, manifest.ErrManifestNotFound) {
			return
		}
		slog.Warn("trik.reload_failed", "dir", dir, "error", err)
	}
}
