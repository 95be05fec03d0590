package vault

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the vault when a key file or the dotenv file changes, until
// ctx ends. The parent directories are watched rather than the files, so
// editors that save by rename and key files created after startup are both
// seen.
func (v *FileVault) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	wanted := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, p := range v.files.Paths() {
		p = filepath.Clean(p)
		wanted[p] = true
		dir := filepath.Dir(p)
		if dirs[dir] {
			continue
		}
		if err := w.Add(dir); err != nil {
			slog.Warn("vault: cannot watch directory", "dir", dir, "err", err)
			continue
		}
		dirs[dir] = true
	}
	if len(dirs) == 0 {
		return w.Close()
	}

	go v.watchLoop(ctx, w, wanted)
	return nil
}

func (v *FileVault) watchLoop(ctx context.Context, w *fsnotify.Watcher, wanted map[string]bool) {
	defer w.Close()

	// reload is nil while no change is pending.
	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if wanted[filepath.Clean(ev.Name)] && !ev.Has(fsnotify.Chmod) {
				reload = time.After(reloadDebounce)
			}
		case <-reload:
			reload = nil
			if _, err := v.Reload(); err != nil {
				slog.Error("vault: reload failed", "err", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("vault: watcher error", "err", err)
		}
	}
}
