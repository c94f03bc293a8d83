package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"geoipd/internal/store"
)

// Watch watches the data directory and installs version files placed there
// by hand or by another process, when they are newer than the current
// version. Events are debounced so a file copied in several writes is opened
// once. Calling Watch again replaces the previous watch.
func (m *Manager) Watch() error {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	m.stopWatchLocked()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(m.store.Root()); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %q: %w", m.store.Root(), err)
	}

	m.watcher = w
	m.watchDone = make(chan struct{})
	go m.watchLoop(w, m.watchDone)
	m.logger.Info("watching data directory", "path", m.store.Root())
	return nil
}

func (m *Manager) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	pending := make(map[string]struct{})
	var fire <-chan time.Time
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if _, _, ok := store.ParseVersionName(filepath.Base(ev.Name)); !ok {
				continue
			}
			pending[ev.Name] = struct{}{}
			fire = time.After(m.cfg.Debounce)
		case <-fire:
			fire = nil
			for path := range pending {
				if m.installFile(path) {
					delete(pending, path)
				}
			}
			if len(pending) > 0 {
				// An update check owns the edition; try again after it.
				fire = time.After(m.cfg.Debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Warn("watcher error", "error", err)
		}
	}
}

// installFile opens and installs a version file if it belongs to a
// configured edition and is newer than the current version. It returns
// false, leaving the file for later, while an update check for the same
// edition is running: the check writes its own files and installs them.
func (m *Manager) installFile(path string) bool {
	edition, ts, ok := store.ParseVersionName(filepath.Base(path))
	if !ok || !m.registry.Known(edition) {
		return true
	}
	mu := m.checkMu[edition]
	if !mu.TryLock() {
		return false
	}
	defer mu.Unlock()

	if cur, ok := m.registry.Current(edition); ok && !ts.After(cur.Timestamp) {
		return true
	}
	if _, err := os.Stat(path); err != nil {
		return true
	}

	archive := m.store.ArchivePath(edition, ts)
	if _, err := os.Stat(archive); err != nil {
		archive = ""
	}
	v, err := m.registry.Open(edition, ts, path, archive)
	if err != nil {
		// Possibly still being copied; a later write event retries.
		m.logger.Warn("cannot open placed database", "path", path, "error", err)
		return true
	}
	installed, err := m.registry.Install(v)
	if err != nil || !installed {
		return true
	}
	m.logger.Info("installed placed database", "edition", edition, "path", path)
	if cur, ok := m.registry.Current(edition); ok {
		m.store.PruneOlderThan(edition, cur.Timestamp)
	}
	return true
}

func (m *Manager) stopWatch() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	m.stopWatchLocked()
}

func (m *Manager) stopWatchLocked() {
	if m.watcher != nil {
		_ = m.watcher.Close()
		<-m.watchDone
		m.watcher = nil
		m.watchDone = nil
	}
}
