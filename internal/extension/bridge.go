package extension

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// HostBridge is implemented by the editor. It is the only way contributions
// reach the UI. Register calls for an id are always paired with the matching
// Unregister call when the extension is deactivated.
type HostBridge interface {
	RegisterMenuItems(id string, items []MenuItem) error
	UnregisterMenuItems(id string)

	RegisterSidebarPanel(id string, panel SidebarPanel) error
	UnregisterSidebarPanel(id string)

	RegisterContextMenuItems(id string, items []MenuItem) error
	UnregisterContextMenuItems(id string)

	RegisterShortcuts(id string, bindings []Shortcut) error
	UnregisterShortcuts(id string)

	// ActiveDocumentContext returns the focused document, if any.
	ActiveDocumentContext() (DocumentContext, bool)
}

// NopBridge accepts every registration and has no active document.
type NopBridge struct{}

func (NopBridge) RegisterMenuItems(string, []MenuItem) error        { return nil }
func (NopBridge) UnregisterMenuItems(string)                        {}
func (NopBridge) RegisterSidebarPanel(string, SidebarPanel) error   { return nil }
func (NopBridge) UnregisterSidebarPanel(string)                     {}
func (NopBridge) RegisterContextMenuItems(string, []MenuItem) error { return nil }
func (NopBridge) UnregisterContextMenuItems(string)                 {}
func (NopBridge) RegisterShortcuts(string, []Shortcut) error        { return nil }
func (NopBridge) UnregisterShortcuts(string)                        {}
func (NopBridge) ActiveDocumentContext() (DocumentContext, bool)    { return DocumentContext{}, false }

// Facade is the capability-scoped view of the host handed to one extension.
// It can read the active document and log; it cannot register or unregister
// anything.
type Facade struct {
	id     string
	bridge HostBridge
	logger zerolog.Logger
}

// NewFacade creates a facade for extension id.
func NewFacade(id string, bridge HostBridge, logger zerolog.Logger) *Facade {
	if bridge == nil {
		bridge = NopBridge{}
	}
	return &Facade{
		id:     id,
		bridge: bridge,
		logger: logger.With().Str("extension", id).Logger(),
	}
}

// ID returns the extension id the facade was created for.
func (f *Facade) ID() string {
	return f.id
}

// ActiveDocumentContext returns the focused document, if any.
func (f *Facade) ActiveDocumentContext() (DocumentContext, bool) {
	return f.bridge.ActiveDocumentContext()
}

// Log writes msg at the given level, tagged with the extension id.
// Unknown levels log at info.
func (f *Facade) Log(level, msg string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	f.logger.WithLevel(lvl).Msg(msg)
}

// Logger returns the id-tagged logger.
func (f *Facade) Logger() zerolog.Logger {
	return f.logger
}

// register pushes contributions to the bridge. If any call fails, the
// registrations already made for id are undone before returning.
func register(bridge HostBridge, id string, c Contributions) error {
	var undo []func(string)

	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i](id)
		}
	}

	if c.MenuItems != nil {
		if err := bridge.RegisterMenuItems(id, c.MenuItems); err != nil {
			return fmt.Errorf("register menu items: %w", err)
		}
		undo = append(undo, bridge.UnregisterMenuItems)
	}
	if c.SidebarPanel != nil {
		if err := bridge.RegisterSidebarPanel(id, *c.SidebarPanel); err != nil {
			rollback()
			return fmt.Errorf("register sidebar panel: %w", err)
		}
		undo = append(undo, bridge.UnregisterSidebarPanel)
	}
	if c.ContextMenuItems != nil {
		if err := bridge.RegisterContextMenuItems(id, c.ContextMenuItems); err != nil {
			rollback()
			return fmt.Errorf("register context menu items: %w", err)
		}
		undo = append(undo, bridge.UnregisterContextMenuItems)
	}
	if c.Shortcuts != nil {
		if err := bridge.RegisterShortcuts(id, c.Shortcuts); err != nil {
			rollback()
			return fmt.Errorf("register shortcuts: %w", err)
		}
		undo = append(undo, bridge.UnregisterShortcuts)
	}
	return nil
}

// unregister removes every contribution registered for id.
func unregister(bridge HostBridge, id string, c Contributions) {
	if c.Shortcuts != nil {
		bridge.UnregisterShortcuts(id)
	}
	if c.ContextMenuItems != nil {
		bridge.UnregisterContextMenuItems(id)
	}
	if c.SidebarPanel != nil {
		bridge.UnregisterSidebarPanel(id)
	}
	if c.MenuItems != nil {
		bridge.UnregisterMenuItems(id)
	}
}

// RecordingBridge is an in-memory HostBridge that records the current
// registrations per id. It is safe for concurrent use and is used by the
// CLI and by tests.
type RecordingBridge struct {
	mu sync.Mutex

	menus     map[string][]MenuItem
	panels    map[string]SidebarPanel
	contexts  map[string][]MenuItem
	shortcuts map[string][]Shortcut

	document *DocumentContext

	// Fail, when set, makes the named Register call fail.
	Fail map[string]error
}

// NewRecordingBridge creates an empty recording bridge.
func NewRecordingBridge() *RecordingBridge {
	return &RecordingBridge{
		menus:     make(map[string][]MenuItem),
		panels:    make(map[string]SidebarPanel),
		contexts:  make(map[string][]MenuItem),
		shortcuts: make(map[string][]Shortcut),
		Fail:      make(map[string]error),
	}
}

func (b *RecordingBridge) RegisterMenuItems(id string, items []MenuItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.Fail["menu"]; err != nil {
		return err
	}
	b.menus[id] = items
	return nil
}

func (b *RecordingBridge) UnregisterMenuItems(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.menus, id)
}

func (b *RecordingBridge) RegisterSidebarPanel(id string, panel SidebarPanel) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.Fail["sidebar"]; err != nil {
		return err
	}
	b.panels[id] = panel
	return nil
}

func (b *RecordingBridge) UnregisterSidebarPanel(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.panels, id)
}

func (b *RecordingBridge) RegisterContextMenuItems(id string, items []MenuItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.Fail["context"]; err != nil {
		return err
	}
	b.contexts[id] = items
	return nil
}

func (b *RecordingBridge) UnregisterContextMenuItems(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.contexts, id)
}

func (b *RecordingBridge) RegisterShortcuts(id string, bindings []Shortcut) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.Fail["shortcuts"]; err != nil {
		return err
	}
	b.shortcuts[id] = bindings
	return nil
}

func (b *RecordingBridge) UnregisterShortcuts(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.shortcuts, id)
}

// SetActiveDocument sets the document returned by ActiveDocumentContext.
func (b *RecordingBridge) SetActiveDocument(doc *DocumentContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.document = doc
}

func (b *RecordingBridge) ActiveDocumentContext() (DocumentContext, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.document == nil {
		return DocumentContext{}, false
	}
	return *b.document, true
}

// Registrations returns the number of registrations held for id.
func (b *RecordingBridge) Registrations(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	if _, ok := b.menus[id]; ok {
		n++
	}
	if _, ok := b.panels[id]; ok {
		n++
	}
	if _, ok := b.contexts[id]; ok {
		n++
	}
	if _, ok := b.shortcuts[id]; ok {
		n++
	}
	return n
}

// MenuItems returns the menu items registered for id.
func (b *RecordingBridge) MenuItems(id string) []MenuItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.menus[id]
}

// SidebarPanel returns the sidebar panel registered for id.
func (b *RecordingBridge) SidebarPanel(id string) (SidebarPanel, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.panels[id]
	return p, ok
}

// Shortcuts returns the shortcuts registered for id.
func (b *RecordingBridge) Shortcuts(id string) []Shortcut {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shortcuts[id]
}
