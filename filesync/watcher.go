package filesync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/justapithecus/runsync/log"
	"github.com/justapithecus/runsync/runfiles"
	"github.com/justapithecus/runsync/types"
)

// DefaultLiveDebounce delays live re-uploads while a file keeps changing.
const DefaultLiveDebounce = 2 * time.Second

// ErrOutsideDir is returned for save paths escaping the files dir.
var ErrOutsideDir = errors.New("path is outside the files directory")

// Enqueuer accepts upload jobs.
type Enqueuer interface {
	Enqueue(job UploadJob)
}

// WatcherConfig configures a DirWatcher.
type WatcherConfig struct {
	// IgnoreGlobs are doublestar patterns matched against save paths.
	IgnoreGlobs []string
	// LiveDebounce delays re-uploads of live files after a change.
	LiveDebounce time.Duration
	Logger       *log.Logger
}

// DirWatcher tracks the upload policy of each file under a directory.
//
// Policies only move up in rank: none < end < now < live. A file seen
// by the filesystem watch without an explicit policy is registered as
// end. Finish performs the final upload pass.
type DirWatcher struct {
	dir      string
	uploader Enqueuer
	config   WatcherConfig
	logger   *log.Logger

	mu       sync.Mutex
	policies map[string]types.FilePolicy
	timers   map[string]*time.Timer
	finished bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewDirWatcher creates a watcher for dir feeding uploader.
func NewDirWatcher(dir string, uploader Enqueuer, config WatcherConfig) *DirWatcher {
	if config.LiveDebounce <= 0 {
		config.LiveDebounce = DefaultLiveDebounce
	}
	if config.Logger == nil {
		config.Logger = log.Nop()
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return &DirWatcher{
		dir:      dir,
		uploader: uploader,
		config:   config,
		logger:   config.Logger.Named("dirwatcher"),
		policies: make(map[string]types.FilePolicy),
		timers:   make(map[string]*time.Timer),
	}
}

// Dir returns the watched directory.
func (w *DirWatcher) Dir() string {
	return w.dir
}

// Start begins watching the directory tree for changes.
func (w *DirWatcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.watchRecursive(fw, w.dir); err != nil {
		_ = fw.Close()
		return err
	}

	w.mu.Lock()
	w.watcher = fw
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(fw, w.done)
	return nil
}

func (w *DirWatcher) watchRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories removed mid-walk are not an error.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (w *DirWatcher) loop(fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", map[string]any{"error": err.Error()})
		}
	}
}

func (w *DirWatcher) handleEvent(fw *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			_ = w.watchRecursive(fw, event.Name)
			// Files created before the watch was added.
			_, _ = w.scan(event.Name)
		}
		return
	}

	savePath, err := w.savePath(event.Name)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished || w.ignored(savePath) {
		return
	}
	policy, ok := w.policies[savePath]
	if !ok {
		w.policies[savePath] = types.FilePolicyEnd
		return
	}
	if policy == types.FilePolicyLive {
		w.scheduleLocked(savePath)
	}
}

// register records savePath as end unless it already has a policy.
// An explicit none is kept.
func (w *DirWatcher) register(savePath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ignored(savePath) {
		return
	}
	if _, ok := w.policies[savePath]; !ok {
		w.policies[savePath] = types.FilePolicyEnd
	}
}

// scheduleLocked enqueues savePath after the debounce delay.
// Caller must hold mu.
func (w *DirWatcher) scheduleLocked(savePath string) {
	if t, ok := w.timers[savePath]; ok {
		t.Reset(w.config.LiveDebounce)
		return
	}
	w.timers[savePath] = time.AfterFunc(w.config.LiveDebounce, func() {
		w.mu.Lock()
		delete(w.timers, savePath)
		finished := w.finished
		w.mu.Unlock()
		if !finished {
			w.enqueue(savePath)
		}
	})
}

// savePath converts an absolute or dir-relative path to a save path.
// The directory is absolute, so walk and watch paths are too.
func (w *DirWatcher) savePath(p string) (string, error) {
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(w.dir, p)
		if err != nil {
			return "", err
		}
		p = rel
	}
	clean := path.Clean(filepath.ToSlash(p))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideDir)
	}
	return clean, nil
}

func (w *DirWatcher) ignored(savePath string) bool {
	if ok, _ := doublestar.Match(runfiles.TempFilePattern, path.Base(savePath)); ok {
		return true
	}
	for _, pattern := range w.config.IgnoreGlobs {
		if ok, _ := doublestar.Match(pattern, savePath); ok {
			return true
		}
	}
	return false
}

func (w *DirWatcher) localPath(savePath string) string {
	return filepath.Join(w.dir, filepath.FromSlash(savePath))
}

func (w *DirWatcher) enqueue(savePath string) {
	w.uploader.Enqueue(UploadJob{SavePath: savePath, LocalPath: w.localPath(savePath)})
}

// SetPolicy registers intent to upload savePath under policy.
// A lower-ranked policy never replaces a higher one. now and live
// upload immediately when the file exists.
func (w *DirWatcher) SetPolicy(savePath string, policy types.FilePolicy) error {
	sp, err := w.savePath(savePath)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.ignored(sp) {
		w.mu.Unlock()
		w.logger.Debug("ignoring file", map[string]any{"path": sp})
		return nil
	}
	current, ok := w.policies[sp]
	if ok && current.Rank() >= policy.Rank() {
		w.mu.Unlock()
		return nil
	}
	w.policies[sp] = policy
	finished := w.finished
	w.mu.Unlock()

	if finished {
		return nil
	}
	if policy == types.FilePolicyNow || policy == types.FilePolicyLive {
		if _, err := os.Stat(w.localPath(sp)); err == nil {
			w.enqueue(sp)
		}
	}
	return nil
}

// Policy returns the registered policy of savePath.
func (w *DirWatcher) Policy(savePath string) (types.FilePolicy, bool) {
	sp, err := w.savePath(savePath)
	if err != nil {
		return "", false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.policies[sp]
	return p, ok
}

// Scan registers every file under the directory not yet known with the
// end policy. Existing policies are kept. It returns the number of files
// seen.
func (w *DirWatcher) Scan() (int, error) {
	return w.scan(w.dir)
}

func (w *DirWatcher) scan(root string) (int, error) {
	n := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		savePath, err := w.savePath(p)
		if err != nil {
			return err
		}
		n++
		w.register(savePath)
		return nil
	})
	return n, err
}

// Finish stops watching, walks the directory once more so files the
// watch never reported are registered, and enqueues the final pass: every
// file with an end, now or live policy that still exists. Finish is
// idempotent.
func (w *DirWatcher) Finish(ctx context.Context) error {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return nil
	}
	w.finished = true
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
	fw, done := w.watcher, w.done
	w.mu.Unlock()

	if fw != nil {
		_ = fw.Close()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if _, err := w.scan(w.dir); err != nil {
		w.logger.Warn("final scan incomplete", map[string]any{"error": err.Error()})
	}

	w.mu.Lock()
	paths := make([]string, 0, len(w.policies))
	for p, policy := range w.policies {
		if policy.UploadsAtEnd() {
			paths = append(paths, p)
		}
	}
	w.mu.Unlock()
	sort.Strings(paths)

	for _, p := range paths {
		if _, err := os.Stat(w.localPath(p)); err != nil {
			w.logger.Warn("file missing at finish", map[string]any{"path": p})
			continue
		}
		w.enqueue(p)
	}
	w.logger.Info("final upload pass", map[string]any{"files": len(paths)})
	return nil
}
