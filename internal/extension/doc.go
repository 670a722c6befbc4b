// Package extension is the extension runtime of rtledit.
//
// It discovers extension folders on disk, checks them against the running
// editor, and manages their activate/deactivate lifecycle. Extension code is
// Lua, hosted by the lua subpackage; the editor itself is reached only
// through the HostBridge interface.
//
// # Quick Start
//
//	host, _ := extension.NewHost("", "1.5.0")
//	mgr := extension.NewManager(dir, host,
//	    extension.WithBridge(editorBridge),
//	    extension.WithSettings(settings.NewGateway(settingsPath)),
//	    extension.WithLogger(logger),
//	)
//	report, err := mgr.Reload(ctx)
//	if err != nil {
//	    // extensions directory missing or settings unreadable
//	}
//	for id, ferr := range report.Failures {
//	    log.Printf("%s: %v", id, ferr)
//	}
//	defer mgr.Shutdown(ctx)
//
// # Extension Structure
//
//	~/.config/rtledit/extensions/hello/
//	├── manifest.json
//	└── main.lua
//
// Folders whose name starts with "." or "_" are ignored, as are folders
// without a manifest.json.
//
// # Manifest
//
//	{
//	  "id": "hello",
//	  "name": "Hello",
//	  "version": "1.0.0",
//	  "main": "main.lua",
//	  "platform": {"windows": true, "linux": true, "macos": true},
//	  "app_version": {"min": "1.0.0", "max": "2.0.0"},
//	  "requirements": ["requests>=2.0"]
//	}
//
// The id must equal the folder name. A missing platform object means every
// platform; a missing app_version bound is open on that side.
//
// # Lifecycle
//
// States per id:
//
//	Discovered -> Incompatible | Disabled | Active
//	Active <-> Disabled
//
// Each activation loads the entry point into a new Lua state named
// "<id>#<generation>" and produces an Instance with a new InstanceID.
// Contributions are registered with the host only after initialize and all
// contribution hooks have succeeded.
//
// # Lua Contract
//
// The entry point returns a table of hooks, or defines them as globals. Every
// hook is optional and is called with a dot, not a colon:
//
//	local editor = require("editor")
//	local M = {}
//
//	function M.initialize(ed) editor.log("info", "hello " .. ed.id) end
//	function M.cleanup() end
//
//	function M.get_menu_items()
//	    return {
//	        {id = "hello.say", label = "Say Hello", command = "say_hello"},
//	    }
//	end
//
//	function M.say_hello()
//	    local doc = editor.active_document()
//	    return doc and doc.path or "no document"
//	end
//
//	return M
//
// A contribution's command is either the name of a hook-table function or an
// inline function. The host runs it with Manager.Invoke.
package extension
