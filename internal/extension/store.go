package extension

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Discovered is one extension folder found by a discovery scan.
// A scan's results are replaced wholesale by the next scan.
type Discovered struct {
	ID            string
	Path          string
	Manifest      *Manifest
	Compatibility Compatibility

	// Err is the *DiscoveryError for a Malformed record.
	Err error
}

// EntryPath returns the absolute path of the entry point, or "" when the
// manifest could not be parsed.
func (d Discovered) EntryPath() string {
	if d.Manifest == nil {
		return ""
	}
	return filepath.Join(d.Path, d.Manifest.EntryPoint)
}

// Store discovers extensions in a directory and checks them against a host.
// It never loads code and holds no state between scans.
type Store struct {
	host Host
}

// NewStore creates a store checking against host.
func NewStore(host Host) *Store {
	return &Store{host: host}
}

// Host returns the host the store checks against.
func (s *Store) Host() Host {
	return s.host
}

// Discover scans the immediate subdirectories of dir.
//
// Folders without a manifest are skipped. Folders whose manifest cannot be
// used are included as Malformed. Results are sorted by folder name.
// A missing dir returns ErrExtensionsDirMissing.
func (s *Store) Discover(dir string) ([]Discovered, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve extensions directory: %w", err)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrExtensionsDirMissing, abs)
		}
		return nil, fmt.Errorf("read extensions directory: %w", err)
	}

	result := make([]Discovered, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || skipFolder(entry.Name()) {
			continue
		}

		path := filepath.Join(abs, entry.Name())
		if _, err := os.Stat(filepath.Join(path, ManifestFile)); err != nil {
			continue
		}

		result = append(result, s.inspect(entry.Name(), path))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Inspect parses and checks a single extension folder, which need not be
// inside an extensions directory. The folder name is the expected id.
func (s *Store) Inspect(path string) Discovered {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	return s.inspect(filepath.Base(abs), abs)
}

// inspect parses and checks one folder known to contain a manifest.
func (s *Store) inspect(folder, path string) Discovered {
	d := Discovered{ID: folder, Path: path}

	m, err := LoadManifest(path, folder)
	if err == nil {
		err = checkEntryPoint(path, m.EntryPoint)
	}
	if err != nil {
		d.Compatibility = Malformed
		d.Err = &DiscoveryError{ID: folder, Path: path, Err: err}
		return d
	}

	d.Manifest = m
	d.Compatibility = CheckHost(m, s.host)
	return d
}

// checkEntryPoint requires the entry point file to exist inside the folder.
func checkEntryPoint(dir, entry string) error {
	info, err := os.Stat(filepath.Join(dir, entry))
	if err != nil {
		return fmt.Errorf("%w: entry point %q: %v", ErrMalformedManifest, entry, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: entry point %q is a directory", ErrMalformedManifest, entry)
	}
	return nil
}

// skipFolder reports hidden folders, install staging folders and caches.
func skipFolder(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

// ValidID reports whether id can be used as an extension folder name.
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." || skipFolder(id) {
		return false
	}
	return !strings.ContainsAny(id, `/\:`) && filepath.Base(id) == id
}
