package extension

// MenuItem is a menu or context-menu entry contributed by an extension.
type MenuItem struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Command  string `json:"command"`
	Shortcut string `json:"shortcut,omitempty"`
	Group    string `json:"group,omitempty"`
}

// SidebarItem is one row of an extension's sidebar panel.
type SidebarItem struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Icon    string `json:"icon,omitempty"`
	Command string `json:"command,omitempty"`
}

// SidebarPanel groups the sidebar items of one extension.
type SidebarPanel struct {
	Title string        `json:"title"`
	Items []SidebarItem `json:"items"`
}

// Shortcut binds a key sequence to an extension command.
type Shortcut struct {
	Keys        string `json:"keys"`
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
}

// Contributions are the UI pieces pulled from an instance at activation.
// Each field is optional; nil means the hook was not provided.
type Contributions struct {
	MenuItems        []MenuItem
	SidebarPanel     *SidebarPanel
	ContextMenuItems []MenuItem
	Shortcuts        []Shortcut
}

// Empty returns true if the extension contributes nothing.
func (c Contributions) Empty() bool {
	return len(c.MenuItems) == 0 && c.SidebarPanel == nil &&
		len(c.ContextMenuItems) == 0 && len(c.Shortcuts) == 0
}

// Commands returns every command name referenced by the contributions.
func (c Contributions) Commands() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(cmd string) {
		if cmd == "" {
			return
		}
		if _, ok := seen[cmd]; ok {
			return
		}
		seen[cmd] = struct{}{}
		out = append(out, cmd)
	}
	for _, item := range c.MenuItems {
		add(item.Command)
	}
	if c.SidebarPanel != nil {
		for _, item := range c.SidebarPanel.Items {
			add(item.Command)
		}
	}
	for _, item := range c.ContextMenuItems {
		add(item.Command)
	}
	for _, s := range c.Shortcuts {
		add(s.Command)
	}
	return out
}

// DocumentContext is a read-only view of the document the user is editing.
type DocumentContext struct {
	Path           string `json:"path"`
	Language       string `json:"language"`
	Text           string `json:"text"`
	SelectionStart int    `json:"selection_start"`
	SelectionEnd   int    `json:"selection_end"`
	RTL            bool   `json:"rtl"`
	Modified       bool   `json:"modified"`
}

// Selection returns the selected text, or "" when the selection is empty or
// out of range.
func (d DocumentContext) Selection() string {
	start, end := d.SelectionStart, d.SelectionEnd
	if start > end {
		start, end = end, start
	}
	if start < 0 || end > len(d.Text) || start == end {
		return ""
	}
	return d.Text[start:end]
}
