package watcher

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects callback invocations.
type recorder struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recorder) onChange(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, paths)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		out = append(out, c...)
	}
	return out
}

func newWatcher(t *testing.T, root string, rec *recorder) *Watcher {
	t.Helper()
	w, err := New(root, rec.onChange, WithDebounce(30*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestNewErrors(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "absent"), nil)
	assert.ErrorIs(t, err, ErrPathNotExist)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = New(file, nil)
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestWatchesExistingTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "hello", "lib"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".install-x"), 0o755))

	w := newWatcher(t, root, &recorder{})
	assert.Equal(t, 3, w.Stats().WatchedPaths, "root, hello and hello/lib; hidden folders skipped")
}

func TestBurstIsDebounced(t *testing.T) {
	root := t.TempDir()
	ext := filepath.Join(root, "hello")
	require.NoError(t, os.Mkdir(ext, 0o755))

	rec := &recorder{}
	newWatcher(t, root, rec)

	main := filepath.Join(ext, "main.lua")
	for i := range 5 {
		require.NoError(t, os.WriteFile(main, []byte{byte('a' + i)}, 0o644))
	}

	require.Eventually(t, func() bool { return rec.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, rec.count(), "writes within the debounce window coalesce")
	assert.Contains(t, rec.all(), main)
}

func TestNewDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	w := newWatcher(t, root, rec)

	ext := filepath.Join(root, "fresh")
	require.NoError(t, os.Mkdir(ext, 0o755))
	require.Eventually(t, func() bool { return rec.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return w.Stats().WatchedPaths == 2 }, time.Second, 10*time.Millisecond)

	before := rec.count()
	manifest := filepath.Join(ext, "manifest.json")
	require.NoError(t, os.WriteFile(manifest, []byte("{}"), 0o644))

	require.Eventually(t, func() bool { return rec.count() > before }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, rec.all(), manifest)
}

func TestNewWhileTreeGrows(t *testing.T) {
	root := t.TempDir()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = os.Mkdir(filepath.Join(root, "ext-"+strconv.Itoa(i)), 0o755)
			if i == 200 {
				return
			}
		}
	}()

	for range 5 {
		w, err := New(root, func([]string) {}, WithDebounce(5*time.Millisecond))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, w.Stats().WatchedPaths, 1)
		require.NoError(t, w.Close())
	}
	close(stop)
	wg.Wait()
}

func TestHiddenEntriesIgnored(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	newWatcher(t, root, rec)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".DS_Store"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, ".install-hello-123"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "_disabled"), 0o755))

	assert.Never(t, func() bool { return rec.count() > 0 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestFlushDeliversImmediately(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	w, err := New(root, rec.onChange, WithDebounce(time.Hour))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(root, "x.json"), nil, 0o644))
	require.Eventually(t, func() bool { return w.Stats().PendingEvents > 0 }, 2*time.Second, 10*time.Millisecond)

	w.Flush()
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 0, w.Stats().PendingEvents)
	assert.Equal(t, int64(1), w.Stats().Callbacks)
}

func TestCloseDropsPending(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	w, err := New(root, rec.onChange, WithDebounce(300*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "x.json"), nil, 0o644))
	require.Eventually(t, func() bool { return w.Stats().PendingEvents > 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}
