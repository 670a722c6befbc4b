package registry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dshills/rtledit/internal/extension"
)

// fakeRegistry serves the GitHub contents, raw and rate_limit endpoints.
type fakeRegistry struct {
	mu sync.Mutex

	remaining int
	flatRate  bool
	manifests map[string]string
	icons     map[string][]byte
	files     map[string]map[string]string

	// status overrides the response for a raw file path such as "hello/manifest.json".
	// Each entry is consumed once.
	status map[string][]int

	onManifest func(id string)

	hits          map[string]int
	manifestOrder []string
	auth          []string

	srv *httptest.Server
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	f := &fakeRegistry{
		remaining: 100,
		manifests: make(map[string]string),
		icons:     make(map[string][]byte),
		files:     make(map[string]map[string]string),
		status:    make(map[string][]int),
		hits:      make(map[string]int),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRegistry) config() Config {
	cfg := DefaultConfig()
	cfg.Owner = "o"
	cfg.Repo = "r"
	cfg.Branch = "main"
	cfg.Path = "extensions"
	cfg.APIURL = f.srv.URL
	cfg.RawURL = f.srv.URL + "/raw"
	cfg.BatchSize = 5
	cfg.BatchDelay = time.Millisecond
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetries = 2
	return cfg
}

func (f *fakeRegistry) add(id, manifest string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if manifest == "" {
		manifest = fmt.Sprintf(`{"id": %q, "name": %q, "version": "1.0.0"}`, id, strings.ToUpper(id))
	}
	f.manifests[id] = manifest
}

func (f *fakeRegistry) setRemaining(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remaining = n
}

func (f *fakeRegistry) hit(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[key]
}

func (f *fakeRegistry) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.hits {
		n += v
	}
	return n
}

func (f *fakeRegistry) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()

	p := r.URL.Path
	switch {
	case p == "/rate_limit":
		f.count("rate")
		f.mu.Lock()
		remaining, flat := f.remaining, f.flatRate
		f.mu.Unlock()
		if flat {
			writeJSON(w, map[string]any{"remaining": remaining, "reset_time": "2030-01-01T00:00:00Z"})
			return
		}
		writeJSON(w, map[string]any{"resources": map[string]any{
			"core": map[string]any{"limit": 60, "remaining": remaining, "reset": 1893456000},
		}})

	case p == "/repos/o/r/contents/extensions":
		f.count("list")
		f.mu.Lock()
		ids := make([]string, 0, len(f.manifests))
		for id := range f.manifests {
			ids = append(ids, id)
		}
		f.mu.Unlock()
		sort.Strings(ids)
		items := []map[string]string{{"name": "README.md", "type": "file"}}
		for _, id := range ids {
			items = append(items, map[string]string{"name": id, "type": "dir"})
		}
		writeJSON(w, items)

	case strings.HasPrefix(p, "/repos/o/r/contents/extensions/"):
		f.serveFolder(w, strings.TrimPrefix(p, "/repos/o/r/contents/extensions/"))

	case strings.HasPrefix(p, "/raw/o/r/main/extensions/"):
		f.serveRaw(w, strings.TrimPrefix(p, "/raw/o/r/main/extensions/"))

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeRegistry) serveRaw(w http.ResponseWriter, rel string) {
	f.count("raw:" + rel)

	f.mu.Lock()
	if codes := f.status[rel]; len(codes) > 0 {
		f.status[rel] = codes[1:]
		f.mu.Unlock()
		w.WriteHeader(codes[0])
		return
	}
	f.mu.Unlock()

	id, file, _ := strings.Cut(rel, "/")
	switch file {
	case "manifest.json":
		f.mu.Lock()
		f.manifestOrder = append(f.manifestOrder, id)
		body, ok := f.manifests[id]
		hook := f.onManifest
		f.mu.Unlock()
		if hook != nil {
			hook(id)
		}
		if !ok || body == "-" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))
	case "icon.png":
		f.mu.Lock()
		icon, ok := f.icons[id]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(icon)
	default:
		f.mu.Lock()
		body, ok := f.files[id][file]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))
	}
}

// serveFolder lists the files of one extension folder for Download.
func (f *fakeRegistry) serveFolder(w http.ResponseWriter, rel string) {
	f.count("folder:" + rel)
	id, sub, _ := strings.Cut(rel, "/")

	f.mu.Lock()
	files, ok := f.files[id]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	prefix := ""
	if sub != "" {
		prefix = sub + "/"
	}
	seenDirs := make(map[string]bool)
	var items []map[string]string
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if dir, _, nested := strings.Cut(rest, "/"); nested {
			if !seenDirs[dir] {
				seenDirs[dir] = true
				items = append(items, map[string]string{"name": dir, "type": "dir"})
			}
			continue
		}
		items = append(items, map[string]string{
			"name":         rest,
			"type":         "file",
			"download_url": f.srv.URL + "/raw/o/r/main/extensions/" + id + "/" + name,
		})
	}
	writeJSON(w, items)
}

func (f *fakeRegistry) count(key string) {
	f.mu.Lock()
	f.hits[key]++
	f.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func linuxHost(t *testing.T) extension.Host {
	t.Helper()
	host, err := extension.NewHost("linux", "1.5.0")
	require.NoError(t, err)
	return host
}

func newTestClient(t *testing.T, f *fakeRegistry, clock *fakeClock, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	c, err := New(f.config(), linuxHost(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}
