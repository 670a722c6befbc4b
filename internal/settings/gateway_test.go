package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newGateway(t *testing.T, contents string) *Gateway {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	if contents != "" {
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	}
	return NewGateway(path)
}

func TestLoadMissingFile(t *testing.T) {
	g := newGateway(t, "")

	s, err := g.Load()
	require.NoError(t, err)
	assert.Empty(t, s.Enabled())
	assert.Empty(t, s.Disabled())
}

func TestLoadEmptyFile(t *testing.T) {
	g := newGateway(t, "  \n")

	s, err := g.Load()
	require.NoError(t, err)
	assert.Empty(t, s.Enabled())
}

func TestLoadCorruptedFile(t *testing.T) {
	g := newGateway(t, `{"extensions": {"enabled": `)

	s, err := g.Load()
	require.ErrorIs(t, err, ErrSettingsCorrupted)
	assert.Empty(t, s.Enabled(), "defaults are returned with the error")
	assert.Empty(t, s.Disabled())
}

func TestLoadUnreadableFile(t *testing.T) {
	dir := t.TempDir()
	g := NewGateway(dir)

	_, err := g.Load()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSettingsCorrupted)
}

func TestLoadShapes(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		enabled  []string
		disabled []string
	}{
		{
			name:     "object",
			doc:      `{"extensions": {"enabled": {"a": true, "b": false}, "disabled": ["c"]}}`,
			enabled:  []string{"a"},
			disabled: []string{"c"},
		},
		{
			name:     "array",
			doc:      `{"extensions": {"enabled": ["b", "a"]}}`,
			enabled:  []string{"a", "b"},
			disabled: []string{},
		},
		{
			name:     "conflict resolves to disabled",
			doc:      `{"extensions": {"enabled": {"a": true, "b": true}, "disabled": ["b"]}}`,
			enabled:  []string{"a"},
			disabled: []string{"b"},
		},
		{
			name:     "no section",
			doc:      `{"theme": "dark"}`,
			enabled:  []string{},
			disabled: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := newGateway(t, tt.doc).Load()
			require.NoError(t, err)
			assert.Equal(t, tt.enabled, s.Enabled())
			assert.Equal(t, tt.disabled, s.Disabled())
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	g := newGateway(t, "")

	require.NoError(t, g.Save([]string{"b", "a"}, []string{"c"}))

	s, err := g.Load("a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, s.Enabled())
	assert.Equal(t, []string{"c"}, s.Disabled())
}

func TestSavePreservesOtherKeys(t *testing.T) {
	g := newGateway(t, `{"theme": "dark", "extensions": {"enabled": {"x": true}, "sort": "name"}}`)

	require.NoError(t, g.Save([]string{"a"}, nil))

	data, err := os.ReadFile(g.Path())
	require.NoError(t, err)
	assert.Equal(t, "dark", gjson.GetBytes(data, "theme").String())
	assert.Equal(t, "name", gjson.GetBytes(data, "extensions.sort").String())
	assert.False(t, gjson.GetBytes(data, "extensions.enabled.x").Exists())
	assert.True(t, gjson.GetBytes(data, "extensions.enabled.a").Bool())
	assert.True(t, gjson.GetBytes(data, "extensions.disabled").IsArray())
}

func TestSaveRejectsOverlap(t *testing.T) {
	g := newGateway(t, `{"extensions": {"enabled": {"x": true}}}`)

	err := g.Save([]string{"a", "b"}, []string{"b"})
	require.ErrorIs(t, err, ErrOverlap)

	s, err := g.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, s.Enabled(), "file untouched")
}

func TestSaveReplacesCorruptedFile(t *testing.T) {
	g := newGateway(t, `not json`)

	require.NoError(t, g.SaveSnapshot(Default().Disable("a")))

	s, err := g.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, s.Disabled())
}

func TestInterruptedSaveKeepsLastFile(t *testing.T) {
	g := newGateway(t, "")
	require.NoError(t, g.Save([]string{"a"}, []string{"b"}))

	// A crash between writing the temporary file and renaming it leaves a
	// partial temp file next to the settings file.
	partial := filepath.Join(filepath.Dir(g.Path()), ".settings-12345.tmp")
	require.NoError(t, os.WriteFile(partial, []byte(`{"extensions": {"enab`), 0o644))

	s, err := g.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, s.Enabled())
	assert.Equal(t, []string{"b"}, s.Disabled())

	// The next save is unaffected by the leftover.
	require.NoError(t, g.Save([]string{"b"}, nil))
	s, err = g.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, s.Enabled())
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	g := newGateway(t, "")
	for range 3 {
		require.NoError(t, g.Save([]string{"a"}, nil))
	}

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(g.Path()), ".settings-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestWriteFileAtomicFailureKeepsTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	require.NoError(t, os.Mkdir(target, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "keep"), []byte("x"), 0o644))

	// Renaming a file over a non-empty directory fails.
	err := writeFileAtomic(target, []byte("{}"), 0o644)
	require.Error(t, err)

	_, err = os.Stat(filepath.Join(target, "keep"))
	assert.NoError(t, err)
	matches, _ := filepath.Glob(filepath.Join(dir, ".settings-*.tmp"))
	assert.Empty(t, matches, "temporary file is removed on failure")
}
