package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// builtinModules are libraries opened by NewState that require may return.
var builtinModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// dangerousGlobals load code from disk or from strings, bypassing require.
var dangerousGlobals = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"module",
}

// Sandbox restricts what extension code can reach.
type Sandbox struct {
	L *lua.LState

	modules map[string]lua.LGFunction
	loaded  map[string]lua.LValue
}

// NewSandbox creates a new sandbox for the Lua state.
func NewSandbox(L *lua.LState) *Sandbox {
	return &Sandbox{
		L:       L,
		modules: make(map[string]lua.LGFunction),
		loaded:  make(map[string]lua.LValue),
	}
}

// Install removes unsafe globals and replaces require.
func (s *Sandbox) Install() {
	for _, name := range dangerousGlobals {
		s.L.SetGlobal(name, lua.LNil)
	}
	s.L.SetGlobal("require", s.L.NewFunction(s.require))
}

// Allow registers a host module under name.
func (s *Sandbox) Allow(name string, loader lua.LGFunction) {
	s.modules[name] = loader
	delete(s.loaded, name)
}

// Allowed reports whether require(name) would succeed.
func (s *Sandbox) Allowed(name string) bool {
	if builtinModules[name] {
		return true
	}
	_, ok := s.modules[name]
	return ok
}

// require resolves built-in libraries and host modules only. Nothing is ever
// read from disk.
func (s *Sandbox) require(L *lua.LState) int {
	name := L.CheckString(1)

	if v, ok := s.loaded[name]; ok {
		L.Push(v)
		return 1
	}

	if builtinModules[name] {
		L.Push(L.GetGlobal(name))
		return 1
	}

	loader, ok := s.modules[name]
	if !ok {
		// RaiseError does not return.
		L.RaiseError("module %q is not available", name)
		return 0
	}

	top := L.GetTop()
	L.Push(L.NewFunction(loader))
	L.Call(0, 1)
	mod := L.Get(-1)
	L.SetTop(top)

	if mod == lua.LNil {
		mod = lua.LTrue
	}
	s.loaded[name] = mod
	L.Push(mod)
	return 1
}
