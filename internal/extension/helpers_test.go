package extension

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// writeExtension creates root/id with a manifest and a main.lua.
// An empty manifest writes a minimal valid one.
func writeExtension(t *testing.T, root, id, manifest, luaCode string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if manifest == "" {
		manifest = fmt.Sprintf(`{"id": %q, "name": %q, "version": "1.0.0"}`, id, id)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.lua"), []byte(luaCode), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func testHost(t *testing.T) Host {
	t.Helper()
	host, err := NewHost("linux", "1.5.0")
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}
	return host
}

// fakeInstance is a Go Instance with configurable hooks.
type fakeInstance struct {
	BaseInstance

	initErr    error
	initPanic  bool
	cleanupErr error

	menu      []MenuItem
	panel     *SidebarPanel
	shortcuts []Shortcut

	mu       sync.Mutex
	inits    int
	cleanups int
	closed   bool
}

func (f *fakeInstance) Initialize(context.Context) error {
	f.mu.Lock()
	f.inits++
	f.mu.Unlock()
	if f.initPanic {
		panic("boom")
	}
	return f.initErr
}

func (f *fakeInstance) Cleanup(context.Context) error {
	f.mu.Lock()
	f.cleanups++
	f.mu.Unlock()
	return f.cleanupErr
}

func (f *fakeInstance) MenuItems(context.Context) ([]MenuItem, error) {
	if f.menu == nil {
		return nil, ErrNotProvided
	}
	return f.menu, nil
}

func (f *fakeInstance) SidebarPanel(context.Context) (*SidebarPanel, error) {
	if f.panel == nil {
		return nil, ErrNotProvided
	}
	return f.panel, nil
}

func (f *fakeInstance) Shortcuts(context.Context) ([]Shortcut, error) {
	if f.shortcuts == nil {
		return nil, ErrNotProvided
	}
	return f.shortcuts, nil
}

func (f *fakeInstance) Invoke(_ context.Context, command string, args ...any) ([]any, error) {
	switch command {
	case "echo":
		return args, nil
	case "explode":
		panic("command exploded")
	default:
		return nil, ErrUnknownCommand
	}
}

func (f *fakeInstance) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeInstance) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeLoader builds fakeInstances. configure, when set for an id, adjusts
// each new instance before it is returned.
type fakeLoader struct {
	mu         sync.Mutex
	configure  map[string]func(*fakeInstance)
	loadErr    map[string]error
	instances  map[string][]*fakeInstance
	namespaces []string
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		configure: make(map[string]func(*fakeInstance)),
		loadErr:   make(map[string]error),
		instances: make(map[string][]*fakeInstance),
	}
}

func (l *fakeLoader) Load(_ context.Context, ext Discovered, env Environment) (Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.namespaces = append(l.namespaces, env.Namespace)
	if err := l.loadErr[ext.ID]; err != nil {
		return nil, err
	}
	inst := &fakeInstance{BaseInstance: NewBaseInstance()}
	if fn := l.configure[ext.ID]; fn != nil {
		fn(inst)
	}
	l.instances[ext.ID] = append(l.instances[ext.ID], inst)
	return inst, nil
}

func (l *fakeLoader) last(id string) *fakeInstance {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.instances[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}
