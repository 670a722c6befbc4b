// Package lua hosts extension code in sandboxed gopher-lua states.
//
// Every load of an extension gets its own State. A State is named after the
// extension id and a load generation ("hello#3"), so code loaded for one
// activation can never observe globals left behind by an earlier one.
//
// # State
//
//	state, err := lua.NewState(
//	    lua.WithName("hello#1"),
//	    lua.WithExecutionTimeout(2 * time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//	defer state.Close()
//
//	module, err := state.LoadModule("/path/to/hello/main.lua")
//
// # Sandbox
//
// The sandbox removes dofile, loadfile, load and loadstring, never opens the
// io, os or debug libraries, and replaces require with a version that only
// resolves built-in libraries and modules preloaded by the host (see
// State.PreloadModule).
//
// # Bridge
//
// The Bridge converts values in both directions. Tables with contiguous
// integer keys become []any, other tables become map[string]any.
package lua
