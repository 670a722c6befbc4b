package extension

import (
	"errors"
	"testing"
)

func TestParseManifest(t *testing.T) {
	data := []byte(`{
		"id": "hello",
		"name": "Hello",
		"description": "Says hello",
		"author": "someone",
		"category": "demo",
		"version": "1.2.3",
		"main": "src/entry.lua",
		"platform": {"windows": true, "linux": true, "macos": false},
		"app_version": {"min": "1.0.0", "max": "2.0.0"},
		"requirements": ["requests>=2.0", "numpy", "  "]
	}`)

	m, err := ParseManifest(data, "hello")
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}

	if m.ID != "hello" {
		t.Errorf("ID = %q, want %q", m.ID, "hello")
	}
	if m.Name != "Hello" {
		t.Errorf("Name = %q, want %q", m.Name, "Hello")
	}
	if m.Version.String() != "1.2.3" {
		t.Errorf("Version = %q, want %q", m.Version, "1.2.3")
	}
	if m.EntryPoint != "src/entry.lua" && m.EntryPoint != `src\entry.lua` {
		t.Errorf("EntryPoint = %q, want src/entry.lua", m.EntryPoint)
	}
	if !m.Supports(PlatformWindows) || !m.Supports(PlatformLinux) {
		t.Error("manifest should support windows and linux")
	}
	if m.Supports(PlatformMacOS) {
		t.Error("manifest should not support macos")
	}
	if got := m.Platforms(); len(got) != 2 {
		t.Errorf("Platforms() = %v, want 2 entries", got)
	}
	if m.AppVersion.Min == nil || m.AppVersion.Min.String() != "1.0.0" {
		t.Errorf("AppVersion.Min = %v, want 1.0.0", m.AppVersion.Min)
	}
	if m.AppVersion.Max == nil || m.AppVersion.Max.String() != "2.0.0" {
		t.Errorf("AppVersion.Max = %v, want 2.0.0", m.AppVersion.Max)
	}

	if len(m.Requirements) != 2 {
		t.Fatalf("Requirements = %v, want 2 entries", m.Requirements)
	}
	if m.Requirements[0].Package != "requests" || m.Requirements[0].Constraint != ">=2.0" {
		t.Errorf("Requirements[0] = %+v, want requests >=2.0", m.Requirements[0])
	}
	if m.Requirements[1].Package != "numpy" || m.Requirements[1].Constraint != "" {
		t.Errorf("Requirements[1] = %+v, want numpy", m.Requirements[1])
	}
}

func TestParseManifestDefaults(t *testing.T) {
	m, err := ParseManifest([]byte(`{"id": "tiny", "version": "v0.1.0"}`), "tiny")
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}

	if m.Name != "tiny" {
		t.Errorf("Name = %q, want id as default", m.Name)
	}
	if m.EntryPoint != DefaultEntryPoint {
		t.Errorf("EntryPoint = %q, want %q", m.EntryPoint, DefaultEntryPoint)
	}
	for _, p := range AllPlatforms {
		if !m.Supports(p) {
			t.Errorf("manifest without platform should support %s", p)
		}
	}
	if m.AppVersion.Min != nil || m.AppVersion.Max != nil {
		t.Errorf("AppVersion = %s, want unbounded", m.AppVersion)
	}
	if m.Version.String() != "0.1.0" {
		t.Errorf("Version = %s, want 0.1.0", m.Version)
	}
}

func TestParseManifestOpenBound(t *testing.T) {
	m, err := ParseManifest([]byte(`{"id": "x", "version": "1.0.0", "app_version": {"min": "1.2.0", "max": ""}}`), "x")
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	if m.AppVersion.Min == nil {
		t.Fatal("AppVersion.Min should be set")
	}
	if m.AppVersion.Max != nil {
		t.Errorf("AppVersion.Max = %v, want nil", m.AppVersion.Max)
	}
}

func TestParseManifestErrors(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		folder string
	}{
		{"invalid json", `{"id": `, "x"},
		{"missing id", `{"version": "1.0.0"}`, "x"},
		{"id mismatch", `{"id": "other", "version": "1.0.0"}`, "x"},
		{"missing version", `{"id": "x"}`, "x"},
		{"short version", `{"id": "x", "version": "1.0"}`, "x"},
		{"empty prerelease", `{"id": "x", "version": "1.2.3-"}`, "x"},
		{"empty build", `{"id": "x", "version": "1.2.3+"}`, "x"},
		{"leading zero", `{"id": "x", "version": "01.2.3"}`, "x"},
		{"leading zero prerelease", `{"id": "x", "version": "1.2.3-01"}`, "x"},
		{"bad min suffix", `{"id": "x", "version": "1.0.0", "app_version": {"min": "1.0.0-"}}`, "x"},
		{"bad min", `{"id": "x", "version": "1.0.0", "app_version": {"min": "one"}}`, "x"},
		{"bad max", `{"id": "x", "version": "1.0.0", "app_version": {"max": "2.x.0"}}`, "x"},
		{"escaping entry", `{"id": "x", "version": "1.0.0", "main": "../evil.lua"}`, "x"},
		{"absolute entry", `{"id": "x", "version": "1.0.0", "main": "/etc/evil.lua"}`, "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.data), tt.folder)
			if err == nil {
				t.Fatal("ParseManifest() should fail")
			}
			if !errors.Is(err, ErrMalformedManifest) {
				t.Errorf("error = %v, want ErrMalformedManifest", err)
			}
		})
	}
}

func TestLoadManifestMissing(t *testing.T) {
	_, err := LoadManifest(t.TempDir(), "x")
	if !errors.Is(err, ErrMalformedManifest) {
		t.Errorf("LoadManifest() error = %v, want ErrMalformedManifest", err)
	}
}

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		in   string
		want Platform
	}{
		{"windows", PlatformWindows},
		{"Linux", PlatformLinux},
		{"darwin", PlatformMacOS},
		{"macos", PlatformMacOS},
	}
	for _, tt := range tests {
		got, err := ParsePlatform(tt.in)
		if err != nil {
			t.Errorf("ParsePlatform(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePlatform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := ParsePlatform("plan9"); err == nil {
		t.Error("ParsePlatform(plan9) should fail")
	}
}

func TestParseVersion(t *testing.T) {
	valid := []string{"0.0.0", "1.2.3", "v1.2.3", "10.20.30", "1.0.0-alpha", "1.0.0-alpha.1", "1.0.0-0.3.7", "1.0.0+build.5", "1.0.0-rc.1+sha.abc"}
	for _, s := range valid {
		if _, err := parseVersion(s); err != nil {
			t.Errorf("parseVersion(%q) error = %v", s, err)
		}
	}

	invalid := []string{"", "1", "1.2", "1.2.3-", "1.2.3+", "01.2.3", "1.02.3", "1.2.03", "1.2.3-01", "1.2.3-a..b", "1.2.3+a..b", "1.2.3.4", "a.b.c"}
	for _, s := range invalid {
		if _, err := parseVersion(s); err == nil {
			t.Errorf("parseVersion(%q) should fail", s)
		}
	}
}
