package workspace

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// ReloadCallback receives the previously loaded tree and the re-read one
// after files under a watched directory changed. prev is nil when the watch
// started without an initial tree.
type ReloadCallback func(sessionID string, prev, next *Tree)

// Watcher monitors imported directories, one per session.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*sessionWatcher // sessionID → watcher
	limits   Limits
	callback ReloadCallback
	logger   *slog.Logger
	debounce time.Duration
}

type sessionWatcher struct {
	sessionID string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu         sync.Mutex // serializes reloads
	last       *Tree
	lastDigest uint64
}

// NewWatcher creates a watcher that calls callback on every effective change.
func NewWatcher(limits Limits, callback ReloadCallback, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		limits:   limits,
		callback: callback,
		logger:   logger.With("component", "workspace"),
		debounce: debounceInterval,
	}
}

// Watch starts watching workDir on behalf of sessionID. initial is the tree
// the session was created from; changes are reported relative to it.
// Watching a session twice replaces the earlier watch.
func (w *Watcher) Watch(sessionID, workDir string, initial *Tree) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
	}
	if initial != nil {
		sw.last = initial
		sw.lastDigest = Digest(initial)
	}

	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	w.Unwatch(sessionID)
	w.mu.Lock()
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	go w.watchLoop(sw)
	w.logger.Info("watching directory", "session", sessionID, "dir", workDir)
	return nil
}

// Watching reports whether sessionID has an active watch.
func (w *Watcher) Watching(sessionID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.watchers[sessionID]
	return ok
}

// Unwatch stops watching a session's directory.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(sw.cancel)
		sw.fsWatcher.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-sw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !excludedDirs[base] && !isHidden(base) {
						if err := addDirsRecursive(sw.fsWatcher, event.Name); err != nil {
							w.logger.Warn("watch new directory", "dir", event.Name, "error", err)
						}
					}
				}
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.reload(sw)
			})

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "session", sw.sessionID, "error", err)
		}
	}
}

// reload re-reads the directory and reports it when the content changed.
func (w *Watcher) reload(sw *sessionWatcher) {
	select {
	case <-sw.cancel:
		return
	default:
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	tree, err := Load(sw.workDir, w.limits)
	if err != nil {
		w.logger.Warn("reload directory", "session", sw.sessionID, "error", err)
		return
	}
	digest := Digest(tree)
	if sw.last != nil && digest == sw.lastDigest {
		return
	}
	prev := sw.last
	sw.last, sw.lastDigest = tree, digest
	if w.callback != nil {
		w.callback(sw.sessionID, prev, tree)
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

// Digest hashes a tree's structure and contents.
func Digest(t *Tree) uint64 {
	h := xxhash.New()
	for _, name := range t.Structure {
		h.WriteString(name)
		h.Write([]byte{0})
		h.WriteString(t.Files[name])
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// ChangeKind is the kind of a file-level difference.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is one file-level difference between two loads of a directory.
type Change struct {
	Kind    ChangeKind
	Path    string
	Content string
}

// Diff lists the changes that turn files, the previous load, into next.
// Creates and updates follow next's order; deletes are sorted by path.
func Diff(files map[string]string, next *Tree) []Change {
	var changes []Change
	for _, name := range next.Structure {
		content := next.Files[name]
		old, ok := files[name]
		switch {
		case !ok:
			changes = append(changes, Change{Kind: ChangeCreate, Path: name, Content: content})
		case old != content:
			changes = append(changes, Change{Kind: ChangeUpdate, Path: name, Content: content})
		}
	}
	var deleted []string
	for name := range files {
		if _, ok := next.Files[name]; !ok {
			deleted = append(deleted, name)
		}
	}
	sort.Strings(deleted)
	for _, name := range deleted {
		changes = append(changes, Change{Kind: ChangeDelete, Path: name})
	}
	return changes
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if path != dir && (excludedDirs[name] || isHidden(name)) {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}
