package extension

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coreos/go-semver/semver"
	mapset "github.com/deckarep/golang-set/v2"
)

// ManifestFile is the manifest file name inside an extension folder.
const ManifestFile = "manifest.json"

// DefaultEntryPoint is used when a manifest omits "main".
const DefaultEntryPoint = "main.lua"

// Manifest describes one extension. It is immutable once parsed.
type Manifest struct {
	ID          string
	Name        string
	Description string
	Author      string
	Category    string
	Version     semver.Version
	EntryPoint  string

	// AppVersion is the inclusive editor version range. A nil bound is open.
	AppVersion VersionRange

	// Requirements are kept in manifest order; they are informational only.
	Requirements []Requirement

	platforms mapset.Set[Platform]
	raw       []byte
}

// VersionRange is an inclusive [Min, Max] interval. Nil bounds are unbounded.
type VersionRange struct {
	Min *semver.Version
	Max *semver.Version
}

// Contains reports whether min <= v <= max.
func (r VersionRange) Contains(v semver.Version) bool {
	if r.Min != nil && v.LessThan(*r.Min) {
		return false
	}
	if r.Max != nil && r.Max.LessThan(v) {
		return false
	}
	return true
}

// String formats the range for messages.
func (r VersionRange) String() string {
	lo, hi := "*", "*"
	if r.Min != nil {
		lo = r.Min.String()
	}
	if r.Max != nil {
		hi = r.Max.String()
	}
	return "[" + lo + ", " + hi + "]"
}

// Requirement is one entry of the manifest "requirements" list, such as
// "requests>=2.0".
type Requirement struct {
	Package    string
	Constraint string
}

// String returns the requirement in manifest form.
func (r Requirement) String() string {
	return r.Package + r.Constraint
}

// manifestFile mirrors manifest.json on disk.
type manifestFile struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Author       string          `json:"author"`
	Category     string          `json:"category"`
	Version      string          `json:"version"`
	Main         string          `json:"main"`
	Platform     map[string]bool `json:"platform"`
	AppVersion   *appVersionFile `json:"app_version"`
	Requirements []string        `json:"requirements"`
}

type appVersionFile struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

// LoadManifest reads dir/manifest.json. folder is the name the manifest id
// must match; it usually equals filepath.Base(dir).
func LoadManifest(dir, folder string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}
	return ParseManifest(data, folder)
}

// ParseManifest parses and validates manifest bytes. An empty folder skips
// the id/folder match.
func ParseManifest(data []byte, folder string) (*Manifest, error) {
	var f manifestFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}

	if f.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrMalformedManifest)
	}
	if folder != "" && f.ID != folder {
		return nil, fmt.Errorf("%w: id %q does not match folder %q", ErrMalformedManifest, f.ID, folder)
	}
	if f.Version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrMalformedManifest)
	}

	version, err := parseVersion(f.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: version: %v", ErrMalformedManifest, err)
	}

	entry := f.Main
	if entry == "" {
		entry = DefaultEntryPoint
	}
	entry = filepath.Clean(filepath.FromSlash(entry))
	if filepath.IsAbs(entry) || entry == ".." || strings.HasPrefix(entry, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: entry point %q escapes the extension folder", ErrMalformedManifest, f.Main)
	}

	m := &Manifest{
		ID:          f.ID,
		Name:        f.Name,
		Description: f.Description,
		Author:      f.Author,
		Category:    f.Category,
		Version:     *version,
		EntryPoint:  entry,
		platforms:   mapset.NewThreadUnsafeSet[Platform](),
		raw:         append([]byte(nil), data...),
	}
	if m.Name == "" {
		m.Name = m.ID
	}

	// No platform object means every platform.
	if f.Platform == nil {
		m.platforms.Append(AllPlatforms...)
	}
	for name, supported := range f.Platform {
		p, err := ParsePlatform(name)
		if err != nil {
			continue
		}
		if supported {
			m.platforms.Add(p)
		}
	}

	if f.AppVersion != nil {
		if f.AppVersion.Min != "" {
			if m.AppVersion.Min, err = parseVersion(f.AppVersion.Min); err != nil {
				return nil, fmt.Errorf("%w: app_version.min: %v", ErrMalformedManifest, err)
			}
		}
		if f.AppVersion.Max != "" {
			if m.AppVersion.Max, err = parseVersion(f.AppVersion.Max); err != nil {
				return nil, fmt.Errorf("%w: app_version.max: %v", ErrMalformedManifest, err)
			}
		}
	}

	for _, req := range f.Requirements {
		if r, ok := parseRequirement(req); ok {
			m.Requirements = append(m.Requirements, r)
		}
	}

	return m, nil
}

// parseRequirement splits "pkg>=1.0" at the first comparison operator.
func parseRequirement(s string) (Requirement, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Requirement{}, false
	}
	i := strings.IndexAny(s, "<>=!~")
	if i < 0 {
		return Requirement{Package: s}, true
	}
	return Requirement{
		Package:    strings.TrimSpace(s[:i]),
		Constraint: strings.TrimSpace(s[i:]),
	}, true
}

// Supports reports whether the manifest declares support for p.
func (m *Manifest) Supports(p Platform) bool {
	return m.platforms.Contains(p)
}

// Platforms returns the supported platforms in a stable order.
func (m *Manifest) Platforms() []Platform {
	out := m.platforms.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Raw returns the manifest bytes the manifest was parsed from.
func (m *Manifest) Raw() []byte {
	return append([]byte(nil), m.raw...)
}

// String returns "name vX.Y.Z".
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.Name, m.Version)
}
