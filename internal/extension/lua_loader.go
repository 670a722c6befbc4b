package extension

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	extlua "github.com/dshills/rtledit/internal/extension/lua"
)

// Lua hook names.
const (
	hookInitialize       = "initialize"
	hookCleanup          = "cleanup"
	hookMenuItems        = "get_menu_items"
	hookSidebarItems     = "get_sidebar_items"
	hookContextMenuItems = "get_context_menu_items"
	hookShortcuts        = "get_shortcuts"
)

// LuaLoader loads extensions whose entry point is a Lua file. Every load gets
// its own sandboxed state, so nothing from a previous load is visible.
type LuaLoader struct {
	// ExecutionTimeout bounds each call into extension code.
	ExecutionTimeout time.Duration
}

// NewLuaLoader creates a loader with the default execution timeout.
func NewLuaLoader() *LuaLoader {
	return &LuaLoader{ExecutionTimeout: extlua.DefaultExecutionTimeout}
}

// Load runs the entry point and resolves the hook table. The table is the
// value returned by the chunk. A chunk that returns nothing defines its hooks
// as globals. The editor table is also visible as the global "editor".
func (l *LuaLoader) Load(ctx context.Context, ext Discovered, env Environment) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ext.Manifest == nil {
		return nil, fmt.Errorf("%w: no manifest", ErrMalformedManifest)
	}

	state, err := extlua.NewState(
		extlua.WithName(env.Namespace),
		extlua.WithExecutionTimeout(l.ExecutionTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create lua state: %w", err)
	}

	inst := &luaInstance{
		id:       uuid.NewString(),
		ext:      ext.ID,
		state:    state,
		bridge:   extlua.NewBridge(state.LuaState()),
		commands: make(map[string]*lua.LFunction),
	}
	inst.editor = inst.editorModule(ext, env)
	state.PreloadModule("editor", func(L *lua.LState) int {
		L.Push(inst.editor)
		return 1
	})
	state.SetGlobal("editor", inst.editor)

	ret, err := state.LoadModule(ext.EntryPath())
	if err != nil {
		state.Close()
		return nil, fmt.Errorf("load %s: %w", ext.Manifest.EntryPoint, err)
	}

	if t, ok := ret.(*lua.LTable); ok {
		inst.module = t
	}
	return inst, nil
}

// luaInstance is an Instance backed by a Lua state.
type luaInstance struct {
	id     string
	ext    string
	state  *extlua.State
	bridge *extlua.Bridge

	module *lua.LTable // nil when hooks are globals
	editor *lua.LTable

	mu       sync.Mutex
	commands map[string]*lua.LFunction
}

// editorModule builds the table extensions receive as require("editor") and
// as the argument of initialize.
func (i *luaInstance) editorModule(ext Discovered, env Environment) *lua.LTable {
	L := i.state.LuaState()
	t := L.NewTable()
	t.RawSetString("id", lua.LString(ext.ID))
	t.RawSetString("namespace", lua.LString(env.Namespace))
	t.RawSetString("version", lua.LString(ext.Manifest.Version.String()))

	facade := env.Editor
	t.RawSetString("active_document", L.NewFunction(func(L *lua.LState) int {
		if facade == nil {
			L.Push(lua.LNil)
			return 1
		}
		doc, ok := facade.ActiveDocumentContext()
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(i.bridge.ToLuaValue(doc))
		return 1
	}))
	t.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		level := L.CheckString(1)
		msg := L.OptString(2, "")
		if facade != nil {
			facade.Log(level, msg)
		}
		return 0
	}))
	return t
}

func (i *luaInstance) InstanceID() string {
	return i.id
}

// hook returns the named function, or nil if the module does not define it.
func (i *luaInstance) hook(name string) *lua.LFunction {
	if i.module == nil {
		fn, _ := i.state.GetGlobal(name).(*lua.LFunction)
		return fn
	}
	fn, _ := extlua.TableFunc(i.module, name)
	return fn
}

// call runs a hook. A missing hook is ErrNotProvided.
func (i *luaInstance) call(ctx context.Context, name string, args ...lua.LValue) ([]lua.LValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fn := i.hook(name)
	if fn == nil {
		return nil, ErrNotProvided
	}
	return i.state.Call(fn, args...)
}

func (i *luaInstance) Initialize(ctx context.Context) error {
	ret, err := i.call(ctx, hookInitialize, i.editor)
	if err != nil {
		return err
	}
	// initialize may signal failure by returning false, message.
	if len(ret) > 0 && ret[0] == lua.LFalse {
		msg := "initialize returned false"
		if len(ret) > 1 && ret[1] != lua.LNil {
			msg = ret[1].String()
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

func (i *luaInstance) Cleanup(ctx context.Context) error {
	_, err := i.call(ctx, hookCleanup)
	return err
}

func (i *luaInstance) MenuItems(ctx context.Context) ([]MenuItem, error) {
	t, err := i.tableHook(ctx, hookMenuItems)
	if err != nil || t == nil {
		return nil, err
	}
	return i.menuItems(t, "menu")
}

func (i *luaInstance) ContextMenuItems(ctx context.Context) ([]MenuItem, error) {
	t, err := i.tableHook(ctx, hookContextMenuItems)
	if err != nil || t == nil {
		return nil, err
	}
	return i.menuItems(t, "context")
}

// SidebarPanel accepts either a list of items or {title=..., items={...}}.
func (i *luaInstance) SidebarPanel(ctx context.Context) (*SidebarPanel, error) {
	t, err := i.tableHook(ctx, hookSidebarItems)
	if err != nil || t == nil {
		return nil, err
	}

	panel := &SidebarPanel{Title: i.ext}
	list := t
	if items, ok := extlua.TableTable(t, "items"); ok {
		list = items
		if title, ok := extlua.TableString(t, "title"); ok {
			panel.Title = title
		}
	}

	panel.Items = make([]SidebarItem, 0, list.Len())
	for n := 1; n <= list.Len(); n++ {
		row, ok := list.RawGetInt(n).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("sidebar item %d: not a table", n)
		}
		item := SidebarItem{}
		item.ID, _ = extlua.TableString(row, "id")
		item.Title, _ = extlua.TableString(row, "title")
		item.Icon, _ = extlua.TableString(row, "icon")
		if item.ID == "" {
			item.ID = "sidebar" + strconv.Itoa(n)
		}
		if item.Title == "" {
			item.Title = item.ID
		}
		item.Command = i.command(row, item.ID)
		panel.Items = append(panel.Items, item)
	}
	return panel, nil
}

func (i *luaInstance) Shortcuts(ctx context.Context) ([]Shortcut, error) {
	t, err := i.tableHook(ctx, hookShortcuts)
	if err != nil || t == nil {
		return nil, err
	}

	out := make([]Shortcut, 0, t.Len())
	for n := 1; n <= t.Len(); n++ {
		row, ok := t.RawGetInt(n).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("shortcut %d: not a table", n)
		}
		s := Shortcut{}
		s.Keys, _ = extlua.TableString(row, "keys")
		s.Description, _ = extlua.TableString(row, "description")
		if s.Keys == "" {
			return nil, fmt.Errorf("shortcut %d: keys is required", n)
		}
		s.Command = i.command(row, "shortcut"+strconv.Itoa(n))
		if s.Command == "" {
			return nil, fmt.Errorf("shortcut %q: command is required", s.Keys)
		}
		out = append(out, s)
	}
	return out, nil
}

// tableHook calls a contribution hook that must return a table. A hook
// returning nil contributes nothing.
func (i *luaInstance) tableHook(ctx context.Context, name string) (*lua.LTable, error) {
	ret, err := i.call(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(ret) == 0 || ret[0] == lua.LNil {
		return nil, nil
	}
	t, ok := ret[0].(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%s returned %s, want table", name, ret[0].Type())
	}
	return t, nil
}

func (i *luaInstance) menuItems(t *lua.LTable, prefix string) ([]MenuItem, error) {
	out := make([]MenuItem, 0, t.Len())
	for n := 1; n <= t.Len(); n++ {
		row, ok := t.RawGetInt(n).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("%s item %d: not a table", prefix, n)
		}
		item := MenuItem{}
		item.ID, _ = extlua.TableString(row, "id")
		item.Label, _ = extlua.TableString(row, "label")
		item.Shortcut, _ = extlua.TableString(row, "shortcut")
		item.Group, _ = extlua.TableString(row, "group")
		if item.ID == "" {
			item.ID = prefix + strconv.Itoa(n)
		}
		if item.Label == "" {
			item.Label = item.ID
		}
		item.Command = i.command(row, item.ID)
		out = append(out, item)
	}
	return out, nil
}

// command resolves the "command" field of a contribution row. A string names
// a function of the module. A function is registered under fallback.
func (i *luaInstance) command(row *lua.LTable, fallback string) string {
	switch v := row.RawGetString("command").(type) {
	case lua.LString:
		return string(v)
	case *lua.LFunction:
		i.mu.Lock()
		i.commands[fallback] = v
		i.mu.Unlock()
		return fallback
	default:
		return ""
	}
}

func (i *luaInstance) Invoke(ctx context.Context, command string, args ...any) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	i.mu.Lock()
	fn, ok := i.commands[command]
	i.mu.Unlock()
	if !ok {
		fn = i.hook(command)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}

	largs := make([]lua.LValue, len(args))
	for n, a := range args {
		largs[n] = i.bridge.ToLuaValue(a)
	}
	ret, err := i.state.Call(fn, largs...)
	if err != nil {
		return nil, err
	}

	out := make([]any, len(ret))
	for n, v := range ret {
		out[n] = i.bridge.ToGoValue(v)
	}
	return out, nil
}

func (i *luaInstance) Close() error {
	return i.state.Close()
}
