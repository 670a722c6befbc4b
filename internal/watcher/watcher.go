// Package watcher triggers extension reloads when the extensions directory
// changes on disk.
//
// Changes are debounced: a burst of writes (an editor saving several files,
// an archive being unpacked) produces a single callback with every changed
// path. Hidden entries, including install staging folders, are ignored.
package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Common errors returned by watcher operations.
var (
	ErrWatcherClosed = errors.New("watcher is closed")
	ErrPathNotExist  = errors.New("path does not exist")
	ErrNotDirectory  = errors.New("path is not a directory")
)

// DefaultDebounce is the quiet period before the callback runs.
const DefaultDebounce = 250 * time.Millisecond

// ChangeFunc receives the changed paths of one debounced burst, sorted.
type ChangeFunc func(paths []string)

// Config configures a Watcher.
type Config struct {
	// Debounce is the quiet period after the last event before the
	// callback runs.
	Debounce time.Duration
	// IgnoreHidden skips names starting with "." or "_".
	IgnoreHidden bool
	Logger       zerolog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Debounce:     DefaultDebounce,
		IgnoreHidden: true,
		Logger:       zerolog.Nop(),
	}
}

// Option configures a Watcher.
type Option func(*Config)

// WithDebounce sets the debounce delay.
func WithDebounce(d time.Duration) Option {
	return func(c *Config) {
		c.Debounce = d
	}
}

// WithIgnoreHidden controls whether hidden entries are skipped.
func WithIgnoreHidden(ignore bool) Option {
	return func(c *Config) {
		c.IgnoreHidden = ignore
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// Stats provides watcher status information.
type Stats struct {
	// WatchedPaths is the number of directories being watched.
	WatchedPaths int
	// PendingEvents is the number of changed paths waiting for the debounce.
	PendingEvents int
	// TotalEvents is the number of accepted events.
	TotalEvents int64
	// Callbacks is the number of times the callback ran.
	Callbacks int64
	// Errors is the number of watch errors.
	Errors int64
	// StartTime is when the watcher was started.
	StartTime time.Time
}

// Watcher watches a directory tree and calls a ChangeFunc after changes.
type Watcher struct {
	mu sync.Mutex

	fsw      *fsnotify.Watcher
	root     string
	config   Config
	onChange ChangeFunc
	logger   zerolog.Logger

	paths   map[string]bool
	pending mapset.Set[string]
	timer   *time.Timer

	// fire is signalled by the debounce timer; the callback runs on the
	// process loop.
	fire chan struct{}
	// deliverMu serializes callbacks between the loop and Flush.
	deliverMu sync.Mutex

	startTime   time.Time
	totalEvents atomic.Int64
	callbacks   atomic.Int64
	totalErrors atomic.Int64

	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

// New watches root and every directory below it.
func New(root string, onChange ChangeFunc, opts ...Option) (*Watcher, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPathNotExist
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrNotDirectory
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:       fsw,
		root:      absRoot,
		config:    config,
		onChange:  onChange,
		logger:    config.Logger.With().Str("component", "watcher").Logger(),
		paths:     make(map[string]bool),
		pending:   mapset.NewThreadUnsafeSet[string](),
		fire:      make(chan struct{}, 1),
		startTime: time.Now(),
		closeCh:   make(chan struct{}),
	}

	if err := w.watchTree(absRoot); err != nil {
		fsw.Close()
		return nil, err
	}

	w.logger.Debug().Str("root", absRoot).Int("dirs", w.Stats().WatchedPaths).Msg("watching extensions")

	w.closedWg.Add(1)
	go w.processLoop()
	return w, nil
}

// Root returns the watched directory.
func (w *Watcher) Root() string {
	return w.root
}

// watchTree adds dir and its subdirectories.
func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && w.shouldIgnore(p) {
			return filepath.SkipDir
		}
		return w.add(p)
	})
}

func (w *Watcher) add(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	if w.paths[dir] {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.paths[dir] = true
	return nil
}

// Close stops the watcher. A pending burst is dropped and the callback is
// not running once Close returns.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	if w.timer != nil {
		w.timer.Stop()
	}
	w.pending.Clear()
	w.mu.Unlock()

	w.closedWg.Wait()
	return w.fsw.Close()
}

// Flush runs the callback now for any pending changes.
func (w *Watcher) Flush() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.deliver()
}

// Stats returns watcher statistics.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return Stats{
		WatchedPaths:  len(w.paths),
		PendingEvents: w.pending.Cardinality(),
		TotalEvents:   w.totalEvents.Load(),
		Callbacks:     w.callbacks.Load(),
		Errors:        w.totalErrors.Load(),
		StartTime:     w.startTime,
	}
}

// processLoop handles fsnotify events and debounced deliveries.
func (w *Watcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.totalErrors.Add(1)
			w.logger.Warn().Err(err).Msg("watch error")

		case <-w.fire:
			w.deliver()
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	// Permission changes do not affect what gets loaded.
	if ev.Op == fsnotify.Chmod || w.shouldIgnore(ev.Name) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.watchTree(ev.Name); err != nil && !errors.Is(err, ErrWatcherClosed) {
				w.totalErrors.Add(1)
				w.logger.Warn().Err(err).Str("path", ev.Name).Msg("cannot watch new directory")
			}
		}
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.mu.Lock()
		delete(w.paths, ev.Name)
		w.mu.Unlock()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.totalEvents.Add(1)
	w.pending.Add(ev.Name)
	if w.timer == nil {
		w.timer = time.AfterFunc(w.config.Debounce, w.signal)
	} else {
		w.timer.Reset(w.config.Debounce)
	}
}

// signal wakes the process loop without blocking the timer goroutine.
func (w *Watcher) signal() {
	select {
	case w.fire <- struct{}{}:
	default:
	}
}

// deliver calls the callback with the pending paths, if any.
func (w *Watcher) deliver() {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	w.mu.Lock()
	if w.closed || w.pending.Cardinality() == 0 {
		w.mu.Unlock()
		return
	}
	paths := w.pending.ToSlice()
	w.pending.Clear()
	w.mu.Unlock()

	sort.Strings(paths)
	w.callbacks.Add(1)
	w.logger.Debug().Int("paths", len(paths)).Msg("extensions changed")
	if w.onChange != nil {
		w.onChange(paths)
	}
}

// shouldIgnore reports hidden or staging entries anywhere below the root.
func (w *Watcher) shouldIgnore(path string) bool {
	if !w.config.IgnoreHidden {
		return false
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") || strings.HasPrefix(part, "_") {
			return true
		}
	}
	return false
}
