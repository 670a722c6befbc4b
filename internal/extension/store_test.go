package extension

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStoreDiscover(t *testing.T) {
	root := t.TempDir()
	writeExtension(t, root, "beta", "", "-- beta")
	writeExtension(t, root, "alpha", "", "-- alpha")
	writeExtension(t, root, "broken", `{"id": "broken", "version": `, "")
	writeExtension(t, root, "wrongos", `{"id": "wrongos", "version": "1.0.0", "platform": {"windows": true}}`, "")
	writeExtension(t, root, "_cache", "", "")
	writeExtension(t, root, ".install-x-1", "", "")

	// A folder without a manifest is not an extension.
	if err := os.MkdirAll(filepath.Join(root, "assets"), 0755); err != nil {
		t.Fatal(err)
	}
	// Plain files are ignored.
	if err := os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	store := NewStore(testHost(t))
	found, err := store.Discover(root)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	wantOrder := []string{"alpha", "beta", "broken", "wrongos"}
	if len(found) != len(wantOrder) {
		t.Fatalf("Discover() returned %d extensions, want %d", len(found), len(wantOrder))
	}
	for i, id := range wantOrder {
		if found[i].ID != id {
			t.Errorf("found[%d].ID = %q, want %q", i, found[i].ID, id)
		}
		if !filepath.IsAbs(found[i].Path) {
			t.Errorf("found[%d].Path = %q, want absolute", i, found[i].Path)
		}
	}

	if found[0].Compatibility != Compatible {
		t.Errorf("alpha compatibility = %s, want compatible", found[0].Compatibility)
	}

	broken := found[2]
	if broken.Compatibility != Malformed {
		t.Errorf("broken compatibility = %s, want malformed", broken.Compatibility)
	}
	if broken.Manifest != nil {
		t.Error("broken manifest should be nil")
	}
	var de *DiscoveryError
	if !errors.As(broken.Err, &de) {
		t.Fatalf("broken.Err = %v, want *DiscoveryError", broken.Err)
	}
	if de.ID != "broken" {
		t.Errorf("DiscoveryError.ID = %q, want broken", de.ID)
	}
	if !errors.Is(broken.Err, ErrMalformedManifest) {
		t.Error("broken.Err should match ErrMalformedManifest")
	}

	if found[3].Compatibility != IncompatiblePlatform {
		t.Errorf("wrongos compatibility = %s, want incompatible platform", found[3].Compatibility)
	}
}

func TestStoreDiscoverMissingEntryPoint(t *testing.T) {
	root := t.TempDir()
	writeExtension(t, root, "noentry", `{"id": "noentry", "version": "1.0.0", "main": "missing.lua"}`, "")

	found, err := NewStore(testHost(t)).Discover(root)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(found) != 1 || found[0].Compatibility != Malformed {
		t.Fatalf("Discover() = %+v, want one malformed extension", found)
	}
}

func TestStoreInspect(t *testing.T) {
	root := t.TempDir()
	good := writeExtension(t, root, "good", "", "-- good")
	noentry := writeExtension(t, root, "noentry", "", "")
	if err := os.Remove(filepath.Join(noentry, "main.lua")); err != nil {
		t.Fatal(err)
	}

	store := NewStore(testHost(t))
	if d := store.Inspect(good); d.Compatibility != Compatible || d.ID != "good" {
		t.Errorf("Inspect(good) = %+v, want compatible", d)
	}

	d := store.Inspect(noentry)
	if d.Compatibility != Malformed {
		t.Fatalf("Inspect(noentry) compatibility = %s, want malformed", d.Compatibility)
	}
	var derr *DiscoveryError
	if !errors.As(d.Err, &derr) || derr.ID != "noentry" {
		t.Errorf("Inspect(noentry) error = %v, want DiscoveryError for noentry", d.Err)
	}

	if d := store.Inspect(filepath.Join(root, "absent")); d.Compatibility != Malformed || d.ID != "absent" {
		t.Errorf("Inspect(absent) = %+v, want malformed", d)
	}
}

func TestStoreDiscoverMissingDir(t *testing.T) {
	_, err := NewStore(testHost(t)).Discover(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, ErrExtensionsDirMissing) {
		t.Errorf("Discover() error = %v, want ErrExtensionsDirMissing", err)
	}
}

func TestStoreDiscoverIdempotent(t *testing.T) {
	root := t.TempDir()
	writeExtension(t, root, "one", "", "")
	writeExtension(t, root, "two", `{"id": "two"}`, "")

	store := NewStore(testHost(t))
	first, err := store.Discover(root)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	second, err := store.Discover(root)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("Discover() lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Compatibility != second[i].Compatibility {
			t.Errorf("scan %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestValidID(t *testing.T) {
	valid := []string{"hello", "my-ext", "ext_2"}
	invalid := []string{"", ".", "..", ".hidden", "_tmp", "a/b", `a\b`, "c:"}

	for _, id := range valid {
		if !ValidID(id) {
			t.Errorf("ValidID(%q) = false, want true", id)
		}
	}
	for _, id := range invalid {
		if ValidID(id) {
			t.Errorf("ValidID(%q) = true, want false", id)
		}
	}
}
