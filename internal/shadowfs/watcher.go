package shadowfs

import (
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/coworkany/coworkany/internal/logger"
)

// Emitter delivers fire-and-forget events to the UI surface.
type Emitter interface {
	Emit(eventType string, payload interface{})
}

// Watcher observes the originals of pending entries and raises a
// shadow-conflict-suspected event as soon as one of them changes on
// disk, so the UI can re-check before the user approves a stale diff.
type Watcher struct {
	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	fs      *ShadowFS
	emitter Emitter
	watched map[string][]string
	done    chan struct{}
	log     *logger.Logger
}

// NewWatcher starts a watcher over the given shadow area. Call Close
// when done.
func NewWatcher(fs *ShadowFS, emitter Emitter) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:     fsw,
		fs:      fs,
		emitter: emitter,
		watched: make(map[string][]string),
		done:    make(chan struct{}),
		log:     logger.Global().WithPrefix("shadowfs:watch"),
	}

	go w.run()
	return w, nil
}

// Track registers a pending entry's original path for observation.
// Entries for paths that do not exist yet (creates) are skipped.
func (w *Watcher) Track(entry *Entry) {
	if !entry.OriginalExists {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	ids := w.watched[entry.OriginalPath]
	for _, id := range ids {
		if id == entry.ID {
			return
		}
	}
	if len(ids) == 0 {
		if err := w.fsw.Add(entry.OriginalPath); err != nil {
			w.log.Warn("Failed to watch %s: %v", entry.OriginalPath, err)
			return
		}
	}
	w.watched[entry.OriginalPath] = append(ids, entry.ID)
}

// Untrack stops observing an entry, removing the path watch once no
// entry needs it.
func (w *Watcher) Untrack(entry *Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := w.watched[entry.OriginalPath]
	kept := ids[:0]
	for _, id := range ids {
		if id != entry.ID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(w.watched, entry.OriginalPath)
		if err := w.fsw.Remove(entry.OriginalPath); err != nil {
			w.log.Debug("Failed to unwatch %s: %v", entry.OriginalPath, err)
		}
	} else {
		w.watched[entry.OriginalPath] = kept
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.notify(event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("Watch error: %v", err)
		}
	}
}

func (w *Watcher) notify(path string) {
	w.mu.Lock()
	ids := append([]string(nil), w.watched[path]...)
	w.mu.Unlock()

	for _, id := range ids {
		entry, ok := w.fs.Get(id)
		if !ok || (entry.Status != StatusPending && entry.Status != StatusApproved) {
			continue
		}
		w.log.Warn("Original changed under pending entry %s: %s", id, path)
		if w.emitter != nil {
			w.emitter.Emit("shadow-conflict-suspected", map[string]interface{}{
				"id":   id,
				"path": path,
			})
		}
	}
}
