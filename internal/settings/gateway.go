package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Section is the key of the extensions subsection in the settings document.
const Section = "extensions"

const (
	enabledPath  = Section + ".enabled"
	disabledPath = Section + ".disabled"
)

// Gateway reads and writes the extensions subsection of the editor's
// settings file. Other keys of the document are preserved on Save.
type Gateway struct {
	mu     sync.Mutex
	path   string
	logger zerolog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// NewGateway creates a gateway for the settings file at path.
func NewGateway(path string, opts ...Option) *Gateway {
	g := &Gateway{
		path:   path,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With().Str("component", "settings").Logger()
	return g
}

// Path returns the settings file path.
func (g *Gateway) Path() string {
	return g.path
}

// Load reads the settings file.
//
// A missing or empty file yields the default snapshot. A file that is not
// valid JSON yields the default snapshot and an error wrapping
// ErrSettingsCorrupted; callers should report it and continue. Any other
// read failure is returned as is.
//
// Ids not in known are logged and kept. Passing no known ids skips the check.
func (g *Gateway) Load(known ...string) (Snapshot, error) {
	data, err := os.ReadFile(g.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Default(), fmt.Errorf("read settings: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Default(), nil
	}
	if !gjson.ValidBytes(data) {
		g.logger.Warn().Str("path", g.path).Msg("settings file is not valid JSON, using defaults")
		return Default(), fmt.Errorf("%w: %s", ErrSettingsCorrupted, g.path)
	}

	snap := parse(data)
	if len(known) > 0 {
		for _, id := range snap.Unknown(known...) {
			g.logger.Debug().Str("extension", id).Msg("settings reference an unknown extension")
		}
	}
	return snap, nil
}

// parse reads the subsection. "enabled" is an object of id to bool; a plain
// array of ids is accepted too.
func parse(data []byte) Snapshot {
	var enabled, disabled []string

	gjson.GetBytes(data, enabledPath).ForEach(func(key, value gjson.Result) bool {
		switch {
		case key.Type == gjson.String && value.Bool():
			enabled = append(enabled, key.String())
		case key.Type != gjson.String && value.Type == gjson.String:
			enabled = append(enabled, value.String())
		}
		return true
	})
	gjson.GetBytes(data, disabledPath).ForEach(func(_, value gjson.Result) bool {
		if value.Type == gjson.String {
			disabled = append(disabled, value.String())
		}
		return true
	})

	return NewSnapshot(enabled, disabled)
}

// Save replaces the subsection with the given sets.
//
// The document is written to a temporary file in the same directory,
// synced, and renamed over the target, so a crash leaves either the old or
// the new file in place.
func (g *Gateway) Save(enabled, disabled []string) error {
	en := mapset.NewThreadUnsafeSet(enabled...)
	dis := mapset.NewThreadUnsafeSet(disabled...)
	if both := en.Intersect(dis); both.Cardinality() > 0 {
		return fmt.Errorf("%w: %v", ErrOverlap, sorted(both))
	}
	return g.SaveSnapshot(Snapshot{enabled: en, disabled: dis})
}

// SaveSnapshot writes s. See Save.
func (g *Gateway) SaveSnapshot(s Snapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	doc, err := g.document()
	if err != nil {
		return err
	}

	enabled := make(map[string]bool)
	for _, id := range s.Enabled() {
		enabled[id] = true
	}
	if doc, err = sjson.SetBytes(doc, enabledPath, enabled); err != nil {
		return fmt.Errorf("encode enabled: %w", err)
	}
	if doc, err = sjson.SetBytes(doc, disabledPath, s.Disabled()); err != nil {
		return fmt.Errorf("encode disabled: %w", err)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, doc, "", "  "); err != nil {
		return fmt.Errorf("format settings: %w", err)
	}
	out.WriteByte('\n')

	if err := writeFileAtomic(g.path, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	g.logger.Debug().
		Int("enabled", len(enabled)).
		Int("disabled", len(s.Disabled())).
		Msg("settings saved")
	return nil
}

// document returns the current file contents to update. A missing or
// invalid file starts from an empty object.
func (g *Gateway) document() ([]byte, error) {
	data, err := os.ReadFile(g.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return []byte("{}"), nil
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		g.logger.Warn().Str("path", g.path).Msg("replacing unreadable settings file")
		return []byte("{}"), nil
	}
	return data, nil
}

// writeFileAtomic writes data to a temporary file next to path and renames
// it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Chmod(perm); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}

	// Persist the rename. Not every platform can sync a directory.
	if d, derr := os.Open(dir); derr == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
